package replication

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when publishing or subscribing on a channel that
	// has been shut down.
	ErrClosed = errors.New("channel closed")

	// ErrQueueFull is returned when a transport cannot accept more messages
	// without blocking the publisher.
	ErrQueueFull = errors.New("send queue full")

	// ErrAlreadySubscribed is returned when subscribing twice to the same
	// topic through one channel.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Handler is invoked once per message received on a topic, on a goroutine
// owned by the transport.
type Handler func(payload []byte)

// Subscription is an active registration of a Handler. Unsubscribe releases
// it; the handler may still be running a last message when it returns.
type Subscription interface {
	Unsubscribe() error
}

// Channel is a publish/subscribe transport. Delivery is best effort: messages
// may be dropped, duplicated or reordered, and callers must tolerate all
// three.
type Channel interface {
	// Publish hands payload to the transport. It returns once the transport
	// has taken the message, not once it was delivered. Failures are returned
	// as a *TransportError.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for every message published on topic.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
}

// TransportError reports a recoverable failure of the underlying transport.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a received payload that is not a valid Update.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed update: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
