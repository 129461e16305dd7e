// Package relay carries replication traffic between processes over
// websockets.
//
// A Server fans every PUBLISH frame it receives out to all connections
// subscribed to the frame's topic, the publisher included. Each topic is
// bound to the fingerprint of the filter parameters of its first subscriber;
// clients presenting another fingerprint are refused with an ERROR frame.
//
// A Client implements replication.Channel on top of one websocket
// connection to a Server. It batches queued payloads into frames, and
// reconnects and resubscribes when the connection fails.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"

	"github.com/tendermint/bloomsync/bloom"
	"github.com/tendermint/bloomsync/libs/log"
	bsproto "github.com/tendermint/bloomsync/proto/bloomsync"
)

const (
	DefaultEndpoint      = "/bloom"
	DefaultSendQueueSize = 256
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPingPeriod    = 30 * time.Second
)

// ServerConfig holds the tunables of a Server.
type ServerConfig struct {
	// Frames larger than this are refused and the connection closed.
	MaxFrameBytes int
	// Number of outbound frames buffered per connection. A connection whose
	// buffer is full misses frames.
	SendQueueSize int
	// Deadline for writing one frame.
	WriteTimeout time.Duration
	// Interval between pings. A connection that does not answer within two
	// periods is closed.
	PingPeriod time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxFrameBytes: DefaultMaxFrameBytes,
		SendQueueSize: DefaultSendQueueSize,
		WriteTimeout:  DefaultWriteTimeout,
		PingPeriod:    DefaultPingPeriod,
	}
}

type topic struct {
	fingerprint uint64
	subscribers map[*conn]struct{}
}

// Server is an http.Handler accepting relay connections.
type Server struct {
	logger   log.Logger
	config   *ServerConfig
	metrics  *Metrics
	upgrader websocket.Upgrader

	mtx    sync.RWMutex
	topics map[string]*topic
	conns  map[*conn]struct{}
	closed bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer returns a relay server. A nil config uses DefaultServerConfig.
func NewServer(logger log.Logger, config *ServerConfig, metrics *Metrics) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Server{
		logger:  logger.With("module", "relay"),
		config:  config,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// replicas are not browsers
				return true
			},
		},
		topics: make(map[string]*topic),
		conns:  make(map[*conn]struct{}),
		quit:   make(chan struct{}),
	}
}

// Serve accepts connections on listener at endpoint until ctx ends, then
// closes every relay connection.
func (s *Server) Serve(ctx context.Context, listener net.Listener, endpoint string) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, s)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	defer s.Close()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(listener) }()
	s.logger.Info("relay listening", "addr", listener.Addr().String(), "endpoint", endpoint)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.logger.Error("error shutting down http server", "err", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and serves it until either
// side closes the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an http error
		s.logger.Error("failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		id:     r.RemoteAddr,
		ws:     ws,
		send:   make(chan []byte, s.config.SendQueueSize),
		topics: make(map[string]struct{}),
	}
	if !s.register(c) {
		_ = ws.Close()
		return
	}
	defer s.unregister(c)

	s.logger.Info("client connected", "remote", c.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := taskgroup.New(taskgroup.Trigger(cancel))
	g.Go(func() error { return s.readRoutine(ctx, cancel, c) })
	g.Go(func() error { return s.writeRoutine(ctx, c) })

	if err := g.Wait(); err != nil {
		s.logger.Debug("connection failed", "remote", c.id, "err", err)
	}
	s.logger.Info("client disconnected", "remote", c.id)
}

// Close terminates every connection and waits for their routines to exit.
// Later connection attempts are refused.
func (s *Server) Close() {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mtx.Unlock()

	s.wg.Wait()
}

// NumSubscribers returns the number of connections subscribed to name.
func (s *Server) NumSubscribers(name string) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if t, ok := s.topics[name]; ok {
		return len(t.subscribers)
	}
	return 0
}

func (s *Server) register(c *conn) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.metrics.Connections.Add(1)
	return true
}

func (s *Server) unregister(c *conn) {
	s.mtx.Lock()
	for name := range c.topics {
		s.removeSubscriber(name, c)
	}
	delete(s.conns, c)
	s.mtx.Unlock()

	s.metrics.Connections.Add(-1)
	s.wg.Done()
}

// removeSubscriber must be called with s.mtx held.
func (s *Server) removeSubscriber(name string, c *conn) {
	delete(c.topics, name)
	t, ok := s.topics[name]
	if !ok {
		return
	}
	delete(t.subscribers, c)
	if len(t.subscribers) == 0 {
		// the next subscriber binds a new fingerprint
		delete(s.topics, name)
	}
}

func (s *Server) subscribe(c *conn, client, name string, fingerprint uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if client != "" {
		c.id = client
	}

	t, ok := s.topics[name]
	if !ok {
		t = &topic{fingerprint: fingerprint, subscribers: make(map[*conn]struct{})}
		s.topics[name] = t
	}
	if t.fingerprint != fingerprint {
		return fingerprintMismatch(name, fingerprint, t.fingerprint)
	}
	t.subscribers[c] = struct{}{}
	c.topics[name] = struct{}{}
	return nil
}

func (s *Server) unsubscribe(c *conn, name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.removeSubscriber(name, c)
}

func (s *Server) broadcast(f *bsproto.Frame) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	t, ok := s.topics[f.Topic]
	if !ok {
		return nil
	}
	if t.fingerprint != f.Fingerprint {
		return fingerprintMismatch(f.Topic, f.Fingerprint, t.fingerprint)
	}

	data, err := encodeFrame(&bsproto.Frame{
		Type:        bsproto.FrameType_FRAME_TYPE_DELIVER,
		Topic:       f.Topic,
		Payloads:    f.Payloads,
		Fingerprint: f.Fingerprint,
	})
	if err != nil {
		return err
	}
	for sub := range t.subscribers {
		if !sub.enqueue(data) {
			s.metrics.SlowConsumerDrops.Add(1)
			s.logger.Debug("dropping frame for slow client", "remote", sub.id, "topic", f.Topic)
			continue
		}
		s.metrics.FramesRelayed.Add(1)
		s.metrics.PayloadsRelayed.Add(float64(len(f.Payloads)))
	}
	return nil
}

func (s *Server) handleFrame(c *conn, f *bsproto.Frame) {
	switch f.Type {
	case bsproto.FrameType_FRAME_TYPE_SUBSCRIBE:
		if err := s.subscribe(c, f.Client, f.Topic, f.Fingerprint); err != nil {
			s.reject(c, f.Topic, bsproto.ErrorCode_ERROR_CODE_SUBSCRIBE_REFUSED, err)
			return
		}
		s.logger.Debug("subscribed", "remote", c.id, "topic", f.Topic)
		s.reply(c, &bsproto.Frame{
			Type:        bsproto.FrameType_FRAME_TYPE_SUBSCRIBED,
			Topic:       f.Topic,
			Fingerprint: f.Fingerprint,
		})

	case bsproto.FrameType_FRAME_TYPE_UNSUBSCRIBE:
		s.unsubscribe(c, f.Topic)

	case bsproto.FrameType_FRAME_TYPE_PUBLISH:
		if err := s.broadcast(f); err != nil {
			s.reject(c, f.Topic, bsproto.ErrorCode_ERROR_CODE_PUBLISH_REFUSED, err)
		}

	default:
		s.reply(c, &bsproto.Frame{
			Type:  bsproto.FrameType_FRAME_TYPE_ERROR,
			Topic: f.Topic,
			Error: fmt.Sprintf("unexpected frame type %s", f.Type),
			Code:  bsproto.ErrorCode_ERROR_CODE_UNEXPECTED_FRAME,
		})
	}
}

func (s *Server) reject(c *conn, name string, code bsproto.ErrorCode, err error) {
	var cerr *bloom.ConfigError
	if errors.As(err, &cerr) {
		s.metrics.HandshakeRejections.Add(1)
	}
	s.logger.Error("rejecting request", "remote", c.id, "topic", name, "err", err)
	s.reply(c, &bsproto.Frame{
		Type:  bsproto.FrameType_FRAME_TYPE_ERROR,
		Topic: name,
		Error: err.Error(),
		Code:  code,
	})
}

func (s *Server) reply(c *conn, f *bsproto.Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		s.logger.Error("failed to encode frame", "type", f.Type.String(), "err", err)
		return
	}
	if !c.enqueue(data) {
		s.metrics.SlowConsumerDrops.Add(1)
	}
}

func (s *Server) readRoutine(ctx context.Context, cancel context.CancelFunc, c *conn) error {
	defer cancel()

	readWait := 2 * s.config.PingPeriod
	c.ws.SetReadLimit(int64(s.config.MaxFrameBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		f, err := decodeFrame(data)
		if err != nil {
			s.logger.Error("ignoring frame", "remote", c.id, "err", err)
			s.reply(c, &bsproto.Frame{
				Type:  bsproto.FrameType_FRAME_TYPE_ERROR,
				Error: err.Error(),
				Code:  bsproto.ErrorCode_ERROR_CODE_MALFORMED_FRAME,
			})
			continue
		}
		s.handleFrame(c, f)
	}
}

// writeRoutine is the only writer of c.ws and closes it on exit.
func (s *Server) writeRoutine(ctx context.Context, c *conn) error {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(s.config.WriteTimeout))
			return nil
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

// conn is one client connection. id and topics are guarded by the server
// mutex once the connection is registered.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func fingerprintMismatch(name string, got, want uint64) error {
	return &bloom.ConfigError{
		Param:  "fingerprint",
		Reason: fmt.Sprintf("topic %q is bound to %x, got %x", name, want, got),
	}
}
