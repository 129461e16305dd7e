package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/libs/service"
)

const (
	// DefaultTopic is the topic replicas publish on unless configured
	// otherwise.
	DefaultTopic = "bloom"

	DefaultPublishTimeout = 750 * time.Millisecond
	DefaultInboxSize      = 1024
	DefaultApplyWorkers   = 1
	DefaultStatsInterval  = 10 * time.Second
)

// Filter is a Bloom filter replicated over a Channel. Keys set locally are
// applied immediately and broadcast; keys received from other replicas are
// applied in the background. Check never leaves the process.
type Filter struct {
	service.BaseService

	logger  log.Logger
	local   *bloom.Filter
	channel Channel
	metrics *Metrics

	topic           string
	origin          string
	fingerprint     uint64
	ignoreOwnEvents bool
	publishTimeout  time.Duration
	applyWorkers    int
	statsInterval   time.Duration

	sequence uint64 // atomic

	inbox chan []byte
	quit  <-chan struct{}
	sub   Subscription
	group *errgroup.Group

	mtx        sync.Mutex
	progress   map[string]uint64
	progressed chan struct{}
}

// Option sets a parameter of a Filter.
type Option func(*Filter)

// WithTopic sets the topic updates are published and received on.
func WithTopic(topic string) Option {
	return func(f *Filter) { f.topic = topic }
}

// WithOrigin sets the replica identity stamped on outgoing updates. A random
// UUID is used when unset.
func WithOrigin(origin string) Option {
	return func(f *Filter) { f.origin = origin }
}

// WithMetrics sets the metrics the filter reports to.
func WithMetrics(m *Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// WithPublishTimeout bounds how long Set waits for the channel to accept an
// update.
func WithPublishTimeout(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.publishTimeout = d
		}
	}
}

// WithInboxSize sets the number of received payloads buffered between the
// transport and the apply workers.
func WithInboxSize(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.inbox = make(chan []byte, n)
		}
	}
}

// WithApplyWorkers sets the number of goroutines applying received updates.
func WithApplyWorkers(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.applyWorkers = n
		}
	}
}

// WithStatsInterval sets how often the fill ratio gauges are refreshed.
func WithStatsInterval(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.statsInterval = d
		}
	}
}

// IgnoreOwnEvents controls whether updates carrying this replica's origin
// are skipped on receipt. Applying them is harmless; skipping saves work.
func IgnoreOwnEvents(ignore bool) Option {
	return func(f *Filter) { f.ignoreOwnEvents = ignore }
}

// NewFilter wraps local for replication over ch. The filter does not receive
// remote updates until it is started.
func NewFilter(logger log.Logger, local *bloom.Filter, ch Channel, options ...Option) *Filter {
	f := &Filter{
		local:           local,
		channel:         ch,
		metrics:         NopMetrics(),
		topic:           DefaultTopic,
		fingerprint:     local.Scheme().Fingerprint(),
		ignoreOwnEvents: true,
		publishTimeout:  DefaultPublishTimeout,
		applyWorkers:    DefaultApplyWorkers,
		statsInterval:   DefaultStatsInterval,
		inbox:           make(chan []byte, DefaultInboxSize),
		progress:        make(map[string]uint64),
		progressed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(f)
	}
	if f.origin == "" {
		f.origin = uuid.NewString()
	}

	f.logger = logger.With("module", "replication", "origin", f.origin, "topic", f.topic)
	f.BaseService = *service.NewBaseService(f.logger, "ReplicatedFilter", f)
	return f
}

// OnStart subscribes to the topic and starts the apply workers.
func (f *Filter) OnStart(ctx context.Context) error {
	f.quit = ctx.Done()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < f.applyWorkers; i++ {
		g.Go(func() error {
			f.applyRoutine(gctx)
			return nil
		})
	}
	g.Go(func() error {
		f.statsRoutine(gctx)
		return nil
	})
	f.group = g

	sub, err := f.channel.Subscribe(ctx, f.topic, f.receive)
	if err != nil {
		return fmt.Errorf("subscribing to %q: %w", f.topic, err)
	}
	f.sub = sub

	f.logger.Info("replicating filter", "scheme", f.local.Scheme().String(), "fingerprint", f.fingerprint)
	return nil
}

// OnStop releases the subscription and waits for the workers. Updates still
// queued in the inbox are discarded.
func (f *Filter) OnStop() {
	switch err := f.sub.Unsubscribe(); {
	case errors.Is(err, ErrClosed):
		// the channel shut down first
		f.logger.Debug("channel already closed", "err", err)
	case err != nil:
		f.logger.Error("failed to unsubscribe", "err", err)
	}
	_ = f.group.Wait()
}

// Set adds key to the local filter and broadcasts it. The local write always
// takes effect; a non-nil error is a *TransportError meaning other replicas
// may not learn about key.
func (f *Filter) Set(key string) error {
	f.local.Set(key)

	u := Update{
		Key:         key,
		Origin:      f.origin,
		Sequence:    atomic.AddUint64(&f.sequence, 1),
		Fingerprint: f.fingerprint,
	}
	payload, err := EncodeUpdate(u)
	if err != nil {
		f.metrics.PublishFailures.Add(1)
		return &TransportError{Op: "encode", Topic: f.topic, Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.publishTimeout)
	defer cancel()

	if err := f.channel.Publish(ctx, f.topic, payload); err != nil {
		f.metrics.PublishFailures.Add(1)
		f.logger.Debug("replication degraded", "key", key, "sequence", u.Sequence, "err", err)
		var terr *TransportError
		if errors.As(err, &terr) {
			return err
		}
		return &TransportError{Op: "publish", Topic: f.topic, Err: err}
	}

	f.metrics.Published.Add(1)
	return nil
}

// Check reports whether key may be in the set. It only consults local state.
func (f *Filter) Check(key string) bool {
	return f.local.Check(key)
}

// Local returns the underlying local filter.
func (f *Filter) Local() *bloom.Filter { return f.local }

// Origin returns the replica identity stamped on outgoing updates.
func (f *Filter) Origin() string { return f.origin }

// Topic returns the topic updates are exchanged on.
func (f *Filter) Topic() string { return f.topic }

// Sequence returns the sequence number of the last update this replica
// produced.
func (f *Filter) Sequence() uint64 { return atomic.LoadUint64(&f.sequence) }

// Progress returns the highest sequence number received from origin.
// Updates may arrive out of order, so a high value does not imply that all
// lower sequences were received.
func (f *Filter) Progress(origin string) uint64 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.progress[origin]
}

// WaitForProgress blocks until an update with a sequence of at least seq has
// been received from origin, or ctx is done.
func (f *Filter) WaitForProgress(ctx context.Context, origin string, seq uint64) error {
	for {
		f.mtx.Lock()
		got, ch := f.progress[origin], f.progressed
		f.mtx.Unlock()

		if got >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receive is the channel handler. It runs on a transport goroutine and only
// queues the payload for the apply workers.
func (f *Filter) receive(payload []byte) {
	f.metrics.Received.Add(1)
	select {
	case f.inbox <- payload:
		f.metrics.InboxDepth.Set(float64(len(f.inbox)))
	case <-f.quit:
	}
}

func (f *Filter) applyRoutine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-f.inbox:
			f.apply(payload)
		}
	}
}

func (f *Filter) apply(payload []byte) {
	u, err := DecodeUpdate(payload)
	if err != nil {
		f.metrics.DecodeFailures.Add(1)
		f.logger.Error("dropping update", "err", err)
		return
	}

	if u.Fingerprint != f.fingerprint {
		f.metrics.FingerprintMismatches.Add(1)
		f.logger.Error("dropping update from replica with different filter parameters",
			"remote_origin", u.Origin,
			"err", &bloom.ConfigError{
				Param:  "fingerprint",
				Reason: fmt.Sprintf("got %d, want %d", u.Fingerprint, f.fingerprint),
			})
		return
	}

	if u.Origin == f.origin && f.ignoreOwnEvents {
		f.metrics.SelfEchoes.Add(1)
	} else {
		f.local.Set(u.Key)
		f.metrics.Applied.Add(1)
	}
	f.observe(u.Origin, u.Sequence)
}

func (f *Filter) observe(origin string, seq uint64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if seq <= f.progress[origin] {
		return
	}
	f.progress[origin] = seq
	close(f.progressed)
	f.progressed = make(chan struct{})
}

func (f *Filter) statsRoutine(ctx context.Context) {
	ticker := time.NewTicker(f.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fill := f.local.FillRatio()
			f.metrics.FillRatio.Set(fill)
			f.metrics.EstimatedKeys.Set(f.local.EstimateCount())
			f.metrics.InboxDepth.Set(float64(len(f.inbox)))
			f.logger.Debug("filter stats", "fill_ratio", fill, "sequence", f.Sequence())
		}
	}
}
