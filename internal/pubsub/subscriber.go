package pubsub

import (
	"sync"

	"github.com/tendermint/bloomsync/replication"
)

type subscriber struct {
	hub     *Hub
	id      string
	topic   string
	handler replication.Handler

	mtx   sync.Mutex
	queue [][]byte

	ready    chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(h *Hub, id, topic string, handler replication.Handler) *subscriber {
	return &subscriber{
		hub:     h,
		id:      id,
		topic:   topic,
		handler: handler,
		ready:   make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Unsubscribe implements replication.Subscription.
func (s *subscriber) Unsubscribe() error {
	return s.hub.remove(s)
}

func (s *subscriber) push(msg []byte) {
	s.mtx.Lock()
	s.queue = append(s.queue, msg)
	s.mtx.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *subscriber) deliverRoutine() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.ready:
		}

		s.mtx.Lock()
		batch := s.queue
		s.queue = nil
		s.mtx.Unlock()

		if s.hub.faults.Reorder {
			s.hub.shuffle(batch)
		}
		for _, msg := range batch {
			select {
			case <-s.quit:
				return
			default:
			}
			s.handler(msg)
		}
	}
}
