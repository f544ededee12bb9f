package vis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server hosts a signal Service on one ServerTransport. It manages the
// connection lifecycle: each session gets a read loop that decodes actions
// and dispatches them to the service, and a writer that drains the session's
// bounded delivery queue. Several servers (one per transport) may share one
// Service; subscriptions and signal values are service-wide.
type Server struct {
	service   *Service
	transport ServerTransport

	sendTimeout       time.Duration
	deliveryQueueSize int

	logger *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done chan struct{}
}

// clientSession is the per-connection state machine. Its read loop suspends on
// the next inbound frame and its writer on the next queued message; responses
// and notifications share the outbox, so neither stream can reorder the other's
// own causal order.
type clientSession struct {
	session Session
	// clientID is the session ID captured once at accept time; subscription
	// ownership and the disconnect cleanup key off it.
	clientID string
	service  *Service
	logger   *slog.Logger

	sendTimeout time.Duration

	outbox chan Message

	state    atomic.Int32
	stopOnce sync.Once
	closing  chan struct{}
}

// Connection lifecycle states, in order.
type connState int32

const (
	connStateConnected connState = iota
	connStateClosing
	connStateClosed
)

func (s connState) String() string {
	switch s {
	case connStateConnected:
		return "connected"
	case connStateClosing:
		return "closing"
	case connStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	defaultServerSendTimeout = 30 * time.Second
	defaultDeliveryQueueSize = 64
)

// NewServer creates a new server hosting the given service on the given
// transport with the specified configuration.
func NewServer(service *Service, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		service:           service,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.deliveryQueueSize == 0 {
		s.deliveryQueueSize = defaultDeliveryQueueSize
	}

	return s
}

// WithServerSendTimeout returns a ServerOption that configures how long a
// single outbound write may take before the connection is considered dead.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithDeliveryQueueSize returns a ServerOption that configures the capacity of
// each connection's outbound queue. A connection whose queue would overflow is
// dropped rather than allowed to block producers or other clients.
func WithDeliveryQueueSize(size int) ServerOption {
	return func(s *Server) {
		s.deliveryQueueSize = size
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID of the connection.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client
// disconnects. The callback's parameter is the ID of the connection.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts client sessions from the transport and runs each one until it
// ends. Serve blocks until the transport's session iterator is exhausted,
// which happens when the transport is shut down.
func (s Server) Serve() {
	for sess := range s.transport.Sessions() {
		cs := &clientSession{
			session:     sess,
			clientID:    sess.ID(),
			service:     s.service,
			logger:      s.logger.With(slog.String("sessionID", sess.ID())),
			sendTimeout: s.sendTimeout,
			outbox:      make(chan Message, s.deliveryQueueSize),
			closing:     make(chan struct{}),
		}

		s.sessionsWaitGroup.Add(1)

		// The session closes itself on transport failure or queue overflow.
		go func() {
			defer s.sessionsWaitGroup.Done()

			s.service.metrics.clientConnected()
			if s.onClientConnected != nil {
				s.onClientConnected(cs.clientID)
			}

			cs.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(cs.clientID)
			}
			s.service.metrics.clientDisconnected()
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active clients
// and cleaning up resources. It returns an error if the shutdown process fails
// or if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminate all sessions.
	close(s.done)

	// Wait for all sessions to finish.
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

// start runs the session until its message iterator is exhausted, then removes
// every subscription the connection owns. The removal runs exactly once, on
// this goroutine, after the last dispatch has returned.
func (c *clientSession) start(done <-chan struct{}) {
	go c.writeMessages(done)

	// This loop breaks when the session is closed, by either side.
	for msg := range c.session.Messages() {
		c.logger.Debug("received message", slog.String("action", string(msg.Action)))
		c.service.dispatch(c, msg)
	}

	c.stop()

	count := c.service.unsubscribeAll(c.clientID)
	if count > 0 {
		c.logger.Debug("removed subscriptions on disconnect", slog.Int("count", count))
	}
	c.state.Store(int32(connStateClosed))
}

// writeMessages drains the outbox. It owns the session teardown: whatever ends
// this loop, Stop is called exactly once, which in turn ends the read loop.
func (c *clientSession) writeMessages(done <-chan struct{}) {
	defer c.session.Stop()

	for {
		select {
		case <-done:
			c.stop()
			return
		case <-c.closing:
			return
		case msg := <-c.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
			err := c.session.Send(ctx, msg)
			cancel()
			if err != nil {
				c.logger.Error("failed to send message",
					slog.String("action", string(msg.Action)),
					slog.String("err", err.Error()))
				c.service.metrics.connectionDropped()
				c.stop()
				return
			}
			if msg.Action == ActionSubscriptionNotification {
				c.service.metrics.notificationDelivered()
			}
		}
	}
}

func (c *clientSession) id() string {
	return c.clientID
}

// deliver enqueues one outbound message without ever blocking. A full queue
// means the client cannot keep up; the connection is dropped so a slow client
// cannot stall signal ingestion or other clients' delivery.
func (c *clientSession) deliver(msg Message) {
	select {
	case <-c.closing:
		return
	default:
	}

	select {
	case c.outbox <- msg:
	default:
		c.logger.Warn("delivery queue overflow, dropping connection",
			slog.String("state", connState(c.state.Load()).String()))
		c.service.metrics.connectionDropped()
		c.stop()
	}
}

// stop begins teardown. It only flips state and closes the closing channel, so
// it is safe to call from delivery paths that hold store or subscription locks;
// the writer goroutine performs the actual session Stop.
func (c *clientSession) stop() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(connStateClosing))
		close(c.closing)
	})
}
