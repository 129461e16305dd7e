package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/libs/log"
	"github.com/tendermint/bloomsync/libs/service"
	bsproto "github.com/tendermint/bloomsync/proto/bloomsync"
	"github.com/tendermint/bloomsync/replication"
)

const (
	DefaultReconnectInterval = 100 * time.Millisecond
	maxReconnectBackoff      = 8 * time.Second
	controlQueueSize         = 16
)

var _ replication.Channel = (*Client)(nil)

// Client is a replication.Channel backed by a relay Server. The methods of
// Client are safe for use by multiple goroutines.
type Client struct {
	service.BaseService

	logger      log.Logger
	address     string
	id          string
	fingerprint uint64
	dialer      *websocket.Dialer

	maxFrameBytes int
	writeTimeout  time.Duration
	pingPeriod    time.Duration
	limiter       *rate.Limiter
	minLimit      rate.Limit

	send    chan message
	control chan *bsproto.Frame
	quit    <-chan struct{}
	done    chan struct{}

	mtx  sync.Mutex
	subs map[string]*subscription
}

// ClientOption sets a parameter of a Client.
type ClientOption func(*Client)

// ClientID sets the identity announced to the relay. A random UUID is used
// when unset.
func ClientID(id string) ClientOption {
	return func(c *Client) { c.id = id }
}

// MaxFrameBytes bounds the size of the frames the client writes.
func MaxFrameBytes(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxFrameBytes = n
		}
	}
}

// SendQueueSize sets the number of payloads buffered ahead of the
// connection.
func SendQueueSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.send = make(chan message, n)
		}
	}
}

// WriteTimeout sets the deadline for writing one frame.
func WriteTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// PingPeriod sets the interval between pings. Zero disables pings.
func PingPeriod(d time.Duration) ClientOption {
	return func(c *Client) { c.pingPeriod = d }
}

// ReconnectInterval sets the delay before the first reconnect attempt. The
// delay doubles after every failed attempt.
func ReconnectInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.minLimit = rate.Every(d)
		}
	}
}

// NewClient returns a client for the relay at address, e.g.
// "ws://127.0.0.1:26670/bloom". fingerprint identifies the filter parameters
// of the replica using the client; the relay refuses to mix fingerprints on
// a topic.
func NewClient(logger log.Logger, address string, fingerprint uint64, options ...ClientOption) *Client {
	c := &Client{
		address:       address,
		fingerprint:   fingerprint,
		dialer:        websocket.DefaultDialer,
		maxFrameBytes: DefaultMaxFrameBytes,
		writeTimeout:  DefaultWriteTimeout,
		pingPeriod:    DefaultPingPeriod,
		minLimit:      rate.Every(DefaultReconnectInterval),
		send:          make(chan message, DefaultSendQueueSize),
		control:       make(chan *bsproto.Frame, controlQueueSize),
		done:          make(chan struct{}),
		subs:          make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.limiter = rate.NewLimiter(c.minLimit, 1)

	c.logger = logger.With("module", "relay-client", "client", c.id)
	c.BaseService = *service.NewBaseService(c.logger, "RelayClient", c)
	return c
}

// String returns the relay address.
func (c *Client) String() string { return c.address }

// OnStart dials the relay. It fails if the relay cannot be reached; later
// connection failures are retried in the background.
func (c *Client) OnStart(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return &replication.TransportError{Op: "dial", Err: err}
	}
	c.quit = ctx.Done()

	go c.runRoutine(ctx, ws)
	return nil
}

// OnStop waits for the connection routines to exit.
func (c *Client) OnStop() {
	<-c.done
}

// Publish queues payload for the relay. It returns once the payload is
// queued; payloads queued when the connection fails are sent after
// reconnecting, but a frame being written when the connection fails is lost.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if publishOverhead(topic, c.fingerprint)+bsproto.PayloadOverhead(len(payload)) > c.maxFrameBytes {
		return &replication.TransportError{Op: "publish", Topic: topic, Err: ErrPayloadTooLarge}
	}
	if !c.IsRunning() {
		return &replication.TransportError{Op: "publish", Topic: topic, Err: replication.ErrClosed}
	}

	select {
	case c.send <- message{topic: topic, payload: payload}:
		return nil
	case <-c.quit:
		return &replication.TransportError{Op: "publish", Topic: topic, Err: replication.ErrClosed}
	case <-ctx.Done():
		return &replication.TransportError{Op: "publish", Topic: topic, Err: replication.ErrQueueFull}
	}
}

// Subscribe registers handler for topic and waits for the relay to accept
// the subscription. A relay bound to different filter parameters refuses it
// with a *bloom.ConfigError.
func (c *Client) Subscribe(ctx context.Context, topic string, handler replication.Handler) (replication.Subscription, error) {
	if !c.IsRunning() {
		return nil, &replication.TransportError{Op: "subscribe", Topic: topic, Err: replication.ErrClosed}
	}

	sub := &subscription{
		client:  c,
		topic:   topic,
		handler: handler,
		ack:     make(chan error, 1),
	}
	c.mtx.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mtx.Unlock()
		return nil, &replication.TransportError{Op: "subscribe", Topic: topic, Err: replication.ErrAlreadySubscribed}
	}
	c.subs[topic] = sub
	c.mtx.Unlock()

	err := c.awaitSubscribed(ctx, sub)
	if err != nil {
		c.removeSubscription(sub)
		return nil, err
	}
	c.logger.Debug("subscribed", "topic", topic)
	return sub, nil
}

func (c *Client) awaitSubscribed(ctx context.Context, sub *subscription) error {
	wrap := func(err error) error {
		return &replication.TransportError{Op: "subscribe", Topic: sub.topic, Err: err}
	}

	select {
	case c.control <- c.subscribeFrame(sub.topic):
	case <-ctx.Done():
		return wrap(ctx.Err())
	case <-c.quit:
		return wrap(replication.ErrClosed)
	}

	select {
	case err := <-sub.ack:
		var cerr *bloom.ConfigError
		if errors.As(err, &cerr) {
			return fmt.Errorf("relay refused subscription to %q: %w", sub.topic, err)
		}
		if err != nil {
			return wrap(err)
		}
		return nil
	case <-ctx.Done():
		return wrap(ctx.Err())
	case <-c.quit:
		return wrap(replication.ErrClosed)
	}
}

func (c *Client) removeSubscription(sub *subscription) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.subs[sub.topic] != sub {
		return false
	}
	delete(c.subs, sub.topic)
	return true
}

func (c *Client) subscribeFrame(topic string) *bsproto.Frame {
	return &bsproto.Frame{
		Type:        bsproto.FrameType_FRAME_TYPE_SUBSCRIBE,
		Topic:       topic,
		Fingerprint: c.fingerprint,
		Client:      c.id,
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.address, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.address, err)
	}
	return ws, nil
}

// runRoutine serves one connection at a time until ctx ends, redialing
// whenever a connection fails.
func (c *Client) runRoutine(ctx context.Context, ws *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.serve(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		c.logger.Error("connection to relay lost", "err", err)

		ws = c.reconnect(ctx)
		if ws == nil {
			return
		}
	}
}

// reconnect redials until it succeeds or ctx ends, slowing down after every
// failure.
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	defer c.limiter.SetLimit(c.minLimit)

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		ws, err := c.dial(ctx)
		if err == nil {
			c.logger.Info("reconnected to relay", "attempt", attempt)
			return ws
		}
		c.logger.Error("failed to redial", "attempt", attempt, "err", err)

		if next := c.limiter.Limit() / 2; next >= rate.Every(maxReconnectBackoff) {
			c.limiter.SetLimit(next)
		}
	}
}

// serve runs the read and write routines of ws until one of them fails or
// ctx ends.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := taskgroup.New(taskgroup.Trigger(cancel))
	g.Go(func() error { return c.readRoutine(connCtx, cancel, ws) })
	g.Go(func() error { return c.writeRoutine(connCtx, ws) })
	return g.Wait()
}

// writeRoutine is the only writer of ws and closes it on exit.
func (c *Client) writeRoutine(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()

	var pings <-chan time.Time
	if c.pingPeriod > 0 {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	// (re)subscribe everything registered so far
	c.mtx.Lock()
	resubscribe := make([]*bsproto.Frame, 0, len(c.subs))
	for topic := range c.subs {
		resubscribe = append(resubscribe, c.subscribeFrame(topic))
	}
	c.mtx.Unlock()
	for _, f := range resubscribe {
		if err := c.writeFrame(ws, f); err != nil {
			return err
		}
	}

	batch := make([]message, 0, cap(c.send))
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return nil

		case f := <-c.control:
			if err := c.writeFrame(ws, f); err != nil {
				return err
			}

		case msg := <-c.send:
			batch = append(batch[:0], msg)
		drain:
			for len(batch) < cap(batch) {
				select {
				case msg := <-c.send:
					batch = append(batch, msg)
				default:
					break drain
				}
			}
			for _, f := range packFrames(c.fingerprint, batch, c.maxFrameBytes) {
				if err := c.writeFrame(ws, f); err != nil {
					c.logger.Error("dropping payloads", "topic", f.Topic, "count", len(f.Payloads), "err", err)
					return err
				}
			}

		case <-pings:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

func (c *Client) writeFrame(ws *websocket.Conn, f *bsproto.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) readRoutine(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) error {
	defer cancel()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Error("ignoring frame", "err", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f *bsproto.Frame) {
	c.mtx.Lock()
	sub := c.subs[f.Topic]
	c.mtx.Unlock()

	switch f.Type {
	case bsproto.FrameType_FRAME_TYPE_DELIVER:
		if sub == nil {
			return
		}
		for _, payload := range f.Payloads {
			sub.handler(payload)
		}

	case bsproto.FrameType_FRAME_TYPE_SUBSCRIBED:
		if sub != nil {
			sub.acknowledge(nil)
		}

	case bsproto.FrameType_FRAME_TYPE_ERROR:
		c.logger.Error("relay reported an error", "topic", f.Topic, "code", f.Code.String(), "err", f.Error)
		// only a refused subscription answers a pending Subscribe
		if sub != nil && f.Code == bsproto.ErrorCode_ERROR_CODE_SUBSCRIBE_REFUSED {
			sub.acknowledge(&bloom.ConfigError{Param: "fingerprint", Reason: f.Error})
		}

	default:
		c.logger.Error("ignoring unexpected frame", "type", f.Type.String())
	}
}

type subscription struct {
	client  *Client
	topic   string
	handler replication.Handler
	ack     chan error
}

// Unsubscribe implements replication.Subscription.
func (s *subscription) Unsubscribe() error {
	if !s.client.removeSubscription(s) {
		return replication.ErrClosed
	}
	select {
	case s.client.control <- &bsproto.Frame{Type: bsproto.FrameType_FRAME_TYPE_UNSUBSCRIBE, Topic: s.topic}:
	default:
		// the relay drops the subscription with the connection anyway
	}
	return nil
}

func (s *subscription) acknowledge(err error) {
	select {
	case s.ack <- err:
	default:
	}
}
