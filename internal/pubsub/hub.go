// Package pubsub implements an in-process publish/subscribe hub that
// satisfies replication.Channel.
//
// Every subscriber owns an unbounded queue drained by its own delivery
// goroutine, so a publisher never waits for a slow subscriber and handlers
// never run on the publisher's goroutine. Subscribers of a topic receive
// every message published on it, including their own.
//
// The hub can inject the faults a real transport exhibits (dropped,
// duplicated and reordered messages) to exercise convergence:
//
//	hub := pubsub.NewHub(logger, pubsub.WithFaults(pubsub.Faults{
//		DuplicateRate: 0.2,
//		Reorder:       true,
//	}))
package pubsub

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/replication"
)

var _ replication.Channel = (*Hub)(nil)

// Faults describes the misbehavior injected by a Hub.
type Faults struct {
	// Probability that a message is not delivered to a given subscriber.
	DropRate float64
	// Probability that a message is delivered twice to a given subscriber.
	DuplicateRate float64
	// Shuffle every batch of queued messages before delivery.
	Reorder bool
	// Seed of the random source; 0 uses a fixed default.
	Seed int64
}

// Hub is an in-process message bus.
type Hub struct {
	logger log.Logger
	faults Faults

	mtx    sync.RWMutex
	topics map[string]map[string]*subscriber // topic -> subscriber id -> subscriber
	closed bool

	rngMtx sync.Mutex
	rng    *rand.Rand
}

// Option sets a parameter of a Hub.
type Option func(*Hub)

// WithFaults makes the hub drop, duplicate or reorder messages.
func WithFaults(f Faults) Option {
	return func(h *Hub) { h.faults = f }
}

// NewHub returns an open hub.
func NewHub(logger log.Logger, options ...Option) *Hub {
	h := &Hub{
		logger: logger.With("module", "pubsub"),
		topics: make(map[string]map[string]*subscriber),
	}
	for _, opt := range options {
		opt(h)
	}
	seed := h.faults.Seed
	if seed == 0 {
		seed = 1
	}
	h.rng = rand.New(rand.NewSource(seed))
	return h
}

// Publish queues a copy of payload for every current subscriber of topic.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &replication.TransportError{Op: "publish", Topic: topic, Err: err}
	}

	h.mtx.RLock()
	defer h.mtx.RUnlock()

	if h.closed {
		return &replication.TransportError{Op: "publish", Topic: topic, Err: replication.ErrClosed}
	}

	for _, sub := range h.topics[topic] {
		copies := 1
		switch {
		case h.chance(h.faults.DropRate):
			copies = 0
		case h.chance(h.faults.DuplicateRate):
			copies = 2
		}
		for i := 0; i < copies; i++ {
			sub.push(append([]byte(nil), payload...))
		}
	}
	return nil
}

// Subscribe registers handler for topic. Any number of subscribers may share
// a topic.
func (h *Hub) Subscribe(ctx context.Context, topic string, handler replication.Handler) (replication.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, &replication.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.closed {
		return nil, &replication.TransportError{Op: "subscribe", Topic: topic, Err: replication.ErrClosed}
	}

	sub := newSubscriber(h, uuid.NewString(), topic, handler)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*subscriber)
	}
	h.topics[topic][sub.id] = sub
	go sub.deliverRoutine()

	h.logger.Debug("subscribed", "topic", topic, "subscriber", sub.id)
	return sub, nil
}

// NumSubscribers returns the number of subscribers of topic.
func (h *Hub) NumSubscribers(topic string) int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.topics[topic])
}

// Close terminates every subscription. Further calls to Publish and
// Subscribe fail with replication.ErrClosed.
func (h *Hub) Close() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.closed {
		return replication.ErrClosed
	}
	h.closed = true
	for topic, subs := range h.topics {
		for _, sub := range subs {
			sub.stop()
		}
		delete(h.topics, topic)
	}
	return nil
}

func (h *Hub) remove(sub *subscriber) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	subs, ok := h.topics[sub.topic]
	if !ok {
		return replication.ErrClosed
	}
	if _, ok := subs[sub.id]; !ok {
		return replication.ErrClosed
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
	sub.stop()
	return nil
}

func (h *Hub) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	h.rngMtx.Lock()
	defer h.rngMtx.Unlock()
	return h.rng.Float64() < p
}

func (h *Hub) shuffle(msgs [][]byte) {
	h.rngMtx.Lock()
	defer h.rngMtx.Unlock()
	h.rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
}
