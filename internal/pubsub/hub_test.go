package pubsub_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/bloomsync/internal/pubsub"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/replication"
)

type collector struct {
	mtx  sync.Mutex
	msgs []string
}

func (c *collector) handle(payload []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.msgs = append(c.msgs, string(payload))
}

func (c *collector) received() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.received()) >= n },
		5*time.Second, 5*time.Millisecond, "expected %d messages", n)
	return c.received()
}

func TestHubFanOut(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := context.Background()
	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	var a, b, other collector
	_, err := hub.Subscribe(ctx, "bloom", a.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, "bloom", b.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, "other", other.handle)
	require.NoError(t, err)
	require.Equal(t, 2, hub.NumSubscribers("bloom"))

	payload := []byte("Quicksilver")
	require.NoError(t, hub.Publish(ctx, "bloom", payload))
	payload[0] = 'X' // the hub must have copied it

	require.Equal(t, []string{"Quicksilver"}, a.waitFor(t, 1))
	require.Equal(t, []string{"Quicksilver"}, b.waitFor(t, 1))
	require.Empty(t, other.received())
}

func TestHubPreservesOrderWithoutFaults(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := context.Background()
	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	var c collector
	_, err := hub.Subscribe(ctx, "bloom", c.handle)
	require.NoError(t, err)

	want := make([]string, 500)
	for i := range want {
		want[i] = fmt.Sprint(i)
		require.NoError(t, hub.Publish(ctx, "bloom", []byte(want[i])))
	}
	require.Equal(t, want, c.waitFor(t, len(want)))
}

func TestHubUnsubscribe(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := context.Background()
	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	var c collector
	sub, err := hub.Subscribe(ctx, "bloom", c.handle)
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.ErrorIs(t, sub.Unsubscribe(), replication.ErrClosed)
	require.Zero(t, hub.NumSubscribers("bloom"))

	require.NoError(t, hub.Publish(ctx, "bloom", []byte("Asylum")))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.received())
}

func TestHubClosed(t *testing.T) {
	ctx := context.Background()
	hub := pubsub.NewHub(log.NewNopLogger())
	require.NoError(t, hub.Close())
	require.ErrorIs(t, hub.Close(), replication.ErrClosed)

	err := hub.Publish(ctx, "bloom", []byte("Ivan"))
	var terr *replication.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "publish", terr.Op)
	require.ErrorIs(t, err, replication.ErrClosed)

	_, err = hub.Subscribe(ctx, "bloom", func([]byte) {})
	require.ErrorIs(t, err, replication.ErrClosed)
}

func TestHubCanceledContext(t *testing.T) {
	hub := pubsub.NewHub(log.NewNopLogger())
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, "bloom", []byte("Fat Cobra"))
	require.ErrorIs(t, err, context.Canceled)
	_, err = hub.Subscribe(ctx, "bloom", func([]byte) {})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHubFaults(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := context.Background()
	const n = 2000

	t.Run("Duplicate", func(t *testing.T) {
		hub := pubsub.NewHub(log.NewNopLogger(), pubsub.WithFaults(pubsub.Faults{DuplicateRate: 1}))
		defer hub.Close()

		var c collector
		_, err := hub.Subscribe(ctx, "bloom", c.handle)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, hub.Publish(ctx, "bloom", []byte(fmt.Sprint(i))))
		}
		require.Len(t, c.waitFor(t, 2*n), 2*n)
	})

	t.Run("Drop", func(t *testing.T) {
		hub := pubsub.NewHub(log.NewNopLogger(), pubsub.WithFaults(pubsub.Faults{DropRate: 0.5, Seed: 42}))
		defer hub.Close()

		var c collector
		_, err := hub.Subscribe(ctx, "bloom", c.handle)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, hub.Publish(ctx, "bloom", []byte(fmt.Sprint(i))))
		}

		// Sentinels may be dropped too; keep sending until one gets through,
		// which means everything published before it has been handled.
		require.Eventually(t, func() bool {
			if err := hub.Publish(ctx, "bloom", []byte("sentinel")); err != nil {
				return false
			}
			for _, msg := range c.received() {
				if msg == "sentinel" {
					return true
				}
			}
			return false
		}, 5*time.Second, 5*time.Millisecond)

		got := 0
		for _, msg := range c.received() {
			if msg != "sentinel" {
				got++
			}
		}
		require.Greater(t, got, n/4)
		require.Less(t, got, 3*n/4)
	})

	t.Run("Reorder", func(t *testing.T) {
		hub := pubsub.NewHub(log.NewNopLogger(), pubsub.WithFaults(pubsub.Faults{Reorder: true, Seed: 7}))
		defer hub.Close()

		var c collector
		_, err := hub.Subscribe(ctx, "bloom", c.handle)
		require.NoError(t, err)

		want := make([]string, n)
		for i := range want {
			want[i] = fmt.Sprintf("%05d", i)
			require.NoError(t, hub.Publish(ctx, "bloom", []byte(want[i])))
		}
		got := c.waitFor(t, n)
		sort.Strings(got)
		require.Equal(t, want, got)
	})
}
