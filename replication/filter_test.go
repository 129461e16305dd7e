package replication_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/internal/pubsub"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/libs/service"
	"github.com/tendermint/bloomsync/replication"
)

type testMetrics struct {
	*replication.Metrics
	applied, selfEchoes, decodeFailures, mismatches, publishFailures *generic.Counter
}

func newTestMetrics() testMetrics {
	tm := testMetrics{
		applied:         generic.NewCounter("applied"),
		selfEchoes:      generic.NewCounter("self_echoes"),
		decodeFailures:  generic.NewCounter("decode_failures"),
		mismatches:      generic.NewCounter("fingerprint_mismatches"),
		publishFailures: generic.NewCounter("publish_failures"),
	}
	m := replication.NopMetrics()
	m.Applied = tm.applied
	m.SelfEchoes = tm.selfEchoes
	m.DecodeFailures = tm.decodeFailures
	m.FingerprintMismatches = tm.mismatches
	m.PublishFailures = tm.publishFailures
	tm.Metrics = m
	return tm
}

func newLocal(t *testing.T, fn bloom.HashFunction) *bloom.Filter {
	t.Helper()
	f, err := bloom.New(bloom.DefaultM, bloom.DefaultK, bloom.DefaultSeeds, fn)
	require.NoError(t, err)
	return f
}

func startReplica(ctx context.Context, t *testing.T, ch replication.Channel, opts ...replication.Option) *replication.Filter {
	t.Helper()
	r := replication.NewFilter(log.NewTestingLogger(t), newLocal(t, bloom.Murmur3), ch, opts...)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		// the replica may already be stopping because ctx was canceled
		if err := r.Stop(); err != nil {
			require.ErrorIs(t, err, service.ErrAlreadyStopped)
		}
		r.Wait()
	})
	return r
}

func requireAllPresent(t *testing.T, r *replication.Filter, keys []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, k := range keys {
			if !r.Check(k) {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func makeKeys(prefix string, n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return keys
}

func TestReplicasConverge(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	a := startReplica(ctx, t, hub, replication.WithOrigin("a"))
	b := startReplica(ctx, t, hub, replication.WithOrigin("b"))

	const n = 10000
	keys := makeKeys("key", n)
	for _, k := range keys {
		require.NoError(t, a.Set(k))
	}
	require.NoError(t, b.Set("boo"))

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	require.NoError(t, b.WaitForProgress(wctx, "a", n))
	require.NoError(t, a.WaitForProgress(wctx, "b", 1))

	requireAllPresent(t, b, keys)
	assert.True(t, a.Check("boo"))
	assert.True(t, b.Check("boo"))
	assert.Equal(t, uint64(n), a.Sequence())
	assert.Equal(t, uint64(n), b.Progress("a"))

	// Both replicas saw the same keys, so their bits are identical.
	require.Eventually(t, func() bool {
		return a.Local().Equal(b.Local())
	}, 5*time.Second, 10*time.Millisecond)

	// With 10000 keys in 192000 bits and 13 hashes the false positive rate
	// is around 1e-4.
	var falsePositives int
	for _, k := range makeKeys("absent", n) {
		if b.Check(k) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 20)
}

func TestReplicasConvergeOnBinaryKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	tm := newTestMetrics()
	a := startReplica(ctx, t, hub, replication.WithOrigin("a"), replication.WithMetrics(tm.Metrics))
	b := startReplica(ctx, t, hub, replication.WithOrigin("b"))

	// keys are byte strings and need not be valid UTF-8
	keys := []string{"\xff\xfe", "\x00", "caf\xe9", "", "\xc3\x28 mixed"}
	for _, k := range keys {
		require.NoError(t, a.Set(k))
	}
	assert.Zero(t, tm.publishFailures.Value())

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.NoError(t, b.WaitForProgress(wctx, "a", uint64(len(keys))))
	requireAllPresent(t, b, keys)
}

func TestReplicasConvergeUnderFaults(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := pubsub.NewHub(log.NewNopLogger(), pubsub.WithFaults(pubsub.Faults{
		DuplicateRate: 0.3,
		Reorder:       true,
		Seed:          99,
	}))
	defer hub.Close()

	a := startReplica(ctx, t, hub, replication.WithOrigin("a"), replication.WithApplyWorkers(4))
	b := startReplica(ctx, t, hub, replication.WithOrigin("b"), replication.WithApplyWorkers(4))

	keysA, keysB := makeKeys("a", 2000), makeKeys("b", 2000)
	for i := range keysA {
		require.NoError(t, a.Set(keysA[i]))
		require.NoError(t, b.Set(keysB[i]))
	}

	requireAllPresent(t, a, keysB)
	requireAllPresent(t, b, keysA)
	require.Eventually(t, func() bool {
		return a.Local().Equal(b.Local())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFilterSelfEcho(t *testing.T) {
	testCases := []struct {
		name        string
		ignore      bool
		wantApplied int64
		wantEchoes  int64
	}{
		{"ignored", true, 0, 1},
		{"applied", false, 1, 0},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			hub := pubsub.NewHub(log.NewNopLogger())
			defer hub.Close()

			tm := newTestMetrics()
			r := startReplica(ctx, t, hub,
				replication.WithOrigin("self"),
				replication.WithMetrics(tm.Metrics),
				replication.IgnoreOwnEvents(tc.ignore))

			require.NoError(t, r.Set("boo"))
			require.True(t, r.Check("boo"))

			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			defer wcancel()
			require.NoError(t, r.WaitForProgress(wctx, "self", 1))

			assert.EqualValues(t, tc.wantApplied, tm.applied.Value())
			assert.EqualValues(t, tc.wantEchoes, tm.selfEchoes.Value())
		})
	}
}

func TestFilterStopsQuietlyAfterChannelClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	logger, err := log.NewDefaultLoggerWithWriter(&buf, log.LogFormatJSON, log.LogLevelError)
	require.NoError(t, err)

	hub := pubsub.NewHub(log.NewNopLogger())
	r := replication.NewFilter(logger, newLocal(t, bloom.Murmur3), hub)
	require.NoError(t, r.Start(ctx))

	require.NoError(t, hub.Close())
	require.NoError(t, r.Stop())
	r.Wait()

	assert.Empty(t, buf.String())
}

func TestFilterDropsMalformedPayloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	tm := newTestMetrics()
	r := startReplica(ctx, t, hub, replication.WithOrigin("r"), replication.WithMetrics(tm.Metrics))
	sender := startReplica(ctx, t, hub, replication.WithOrigin("sender"))

	require.NoError(t, hub.Publish(ctx, replication.DefaultTopic, []byte("\xff\xff garbage")))
	require.NoError(t, hub.Publish(ctx, replication.DefaultTopic, nil))

	// the receiver keeps working after dropping the garbage
	require.NoError(t, sender.Set("boo"))
	requireAllPresent(t, r, []string{"boo"})
	require.Eventually(t, func() bool {
		return tm.decodeFailures.Value() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFilterDropsMismatchedFingerprint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	tm := newTestMetrics()
	r := startReplica(ctx, t, hub, replication.WithOrigin("r"), replication.WithMetrics(tm.Metrics))

	other := replication.NewFilter(log.NewNopLogger(), newLocal(t, bloom.XXHash), hub, replication.WithOrigin("other"))
	require.NoError(t, other.Start(ctx))
	defer func() { require.NoError(t, other.Stop()) }()

	require.NoError(t, other.Set("boo"))

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.NoError(t, other.WaitForProgress(wctx, "other", 1))
	require.Eventually(t, func() bool {
		return tm.mismatches.Value() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, r.Progress("other"))
	assert.Zero(t, tm.applied.Value())
	assert.Zero(t, r.Local().Snapshot().Count())
}

type failingChannel struct {
	err error
}

func (c failingChannel) Publish(context.Context, string, []byte) error { return c.err }

func (c failingChannel) Subscribe(context.Context, string, replication.Handler) (replication.Subscription, error) {
	return nil, c.err
}

func TestFilterSetDegradesOnTransportFailure(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		expOp string
	}{
		{"plain error", errors.New("connection refused"), "publish"},
		{"transport error", &replication.TransportError{Op: "dial", Topic: "bloom", Err: replication.ErrClosed}, "dial"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestMetrics()
			r := replication.NewFilter(log.NewNopLogger(), newLocal(t, bloom.Murmur3),
				failingChannel{err: tc.err}, replication.WithMetrics(tm.Metrics))

			err := r.Set("boo")
			var terr *replication.TransportError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tc.expOp, terr.Op)

			// the local write took effect regardless
			assert.True(t, r.Check("boo"))
			assert.EqualValues(t, 1, tm.publishFailures.Value())
			assert.Equal(t, uint64(1), r.Sequence())
		})
	}
}

func TestFilterStartFailsWithoutSubscription(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	r := replication.NewFilter(log.NewNopLogger(), newLocal(t, bloom.Murmur3),
		failingChannel{err: replication.ErrClosed})

	err := r.Start(context.Background())
	require.ErrorIs(t, err, replication.ErrClosed)
	require.False(t, r.IsRunning())
}

func TestWaitForProgressTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	r := startReplica(ctx, t, hub)

	wctx, wcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer wcancel()
	require.ErrorIs(t, r.WaitForProgress(wctx, "nobody", 1), context.DeadlineExceeded)
}

func TestFilterDefaults(t *testing.T) {
	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	r := replication.NewFilter(log.NewNopLogger(), newLocal(t, bloom.Murmur3), hub)
	assert.Equal(t, replication.DefaultTopic, r.Topic())
	assert.NotEmpty(t, r.Origin())
	assert.Zero(t, r.Sequence())

	other := replication.NewFilter(log.NewNopLogger(), newLocal(t, bloom.Murmur3), hub)
	assert.NotEqual(t, r.Origin(), other.Origin())
}

func TestFilterStopsOnContextCancel(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := replication.NewFilter(log.NewNopLogger(), newLocal(t, bloom.Murmur3), hub)
	require.NoError(t, r.Start(ctx))
	require.Equal(t, 1, hub.NumSubscribers(replication.DefaultTopic))

	cancel()
	r.Wait()
	require.Eventually(t, func() bool {
		return hub.NumSubscribers(replication.DefaultTopic) == 0
	}, time.Second, 5*time.Millisecond)
}
