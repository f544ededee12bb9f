package vis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketServer implements the service's native transport: envelopes as
// WebSocket text frames over a persistent connection. It is an http.Handler;
// mount it on any mux and consume the resulting sessions through the Sessions
// iterator.
//
// Instances should be created using NewWebSocketServer and shut down using
// Shutdown when no longer needed.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions chan *webSocketSession

	done   chan struct{}
	closed chan struct{}
}

// WebSocketServerOption represents the options for the WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

// WebSocketClient implements the ClientTransport interface by dialing a
// WebSocket service endpoint. Instances should be created using
// NewWebSocketClient.
type WebSocketClient struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

// webSocketSession serializes all writes, data frames and pings alike, through
// one channel: gorilla connections allow only one concurrent writer.
type webSocketSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	// pings is set on server-side sessions, which probe the peer and expect
	// pongs; client-side sessions answer the server's pings instead.
	pings bool

	outgoing   chan webSocketFrame
	closing    chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
}

type webSocketFrame struct {
	data   []byte
	result chan error
}

var (
	webSocketWriteWait = 10 * time.Second
	webSocketPongWait  = 60 * time.Second
	// Must be shorter than webSocketPongWait so liveness probes outpace the
	// read deadline.
	webSocketPingPeriod = 54 * time.Second

	webSocketMaxMessageSize int64 = 1 << 20
)

// NewWebSocketServer creates a new WebSocketServer with the specified
// configuration.
func NewWebSocketServer(options ...WebSocketServerOption) *WebSocketServer {
	s := &WebSocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		logger:   slog.Default(),
		sessions: make(chan *webSocketSession, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithWebSocketServerLogger sets the logger for the WebSocketServer.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "websocket"),
		)
	}
}

// WithWebSocketServerCheckOrigin sets the origin check applied during the
// HTTP upgrade. The default accepts every origin.
func WithWebSocketServerCheckOrigin(check func(*http.Request) bool) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.upgrader.CheckOrigin = check
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and hands the
// resulting session to the Sessions iterator. The handler blocks until the
// session ends, so an http.Server shutdown waits for active connections.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Error("failed to upgrade connection", slog.String("err", err.Error()))
		return
	}

	sess := newWebSocketSession(conn, s.logger, true)

	select {
	case <-s.done:
		_ = conn.Close()
		return
	case s.sessions <- sess:
	}

	go sess.writePump()

	<-sess.readerDone
	<-sess.writerDone
}

// Sessions implements the ServerTransport interface by yielding one session
// per upgraded connection.
func (s *WebSocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. The caller has already
// stopped every session it consumed; this only stops accepting new ones.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// NewWebSocketClient creates a client transport that dials the given WebSocket
// URL, e.g. "ws://localhost:14430/signals".
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithWebSocketClientDialer sets the dialer used to establish the connection.
func WithWebSocketClientDialer(dialer *websocket.Dialer) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.dialer = dialer
	}
}

// WithWebSocketClientLogger sets the logger for the WebSocketClient.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "websocket"),
		)
	}
}

// StartSession implements the ClientTransport interface by dialing the server.
// The context governs the handshake only; the session lives until Stop.
func (c *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	sess := newWebSocketSession(conn, c.logger, false)
	go sess.writePump()
	return sess, nil
}

func newWebSocketSession(conn *websocket.Conn, logger *slog.Logger, pings bool) *webSocketSession {
	id := uuid.New().String()
	return &webSocketSession{
		id:         id,
		conn:       conn,
		logger:     logger.With(slog.String("sessionID", id)),
		pings:      pings,
		outgoing:   make(chan webSocketFrame),
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *webSocketSession) ID() string {
	return s.id
}

func (s *webSocketSession) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	frame := webSocketFrame{
		data:   data,
		result: make(chan error, 1),
	}

	select {
	case s.outgoing <- frame:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing:
		return errors.New("session is closed")
	}

	select {
	case err := <-frame.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing:
		return errors.New("session is closed")
	}
}

func (s *webSocketSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.readerDone)

		s.conn.SetReadLimit(webSocketMaxMessageSize)
		_ = s.conn.SetReadDeadline(time.Now().Add(webSocketPongWait))
		if s.pings {
			s.conn.SetPongHandler(func(string) error {
				return s.conn.SetReadDeadline(time.Now().Add(webSocketPongWait))
			})
		} else {
			// Answer the server's pings and treat them as liveness.
			s.conn.SetPingHandler(func(appData string) error {
				_ = s.conn.SetReadDeadline(time.Now().Add(webSocketPongWait))
				err := s.conn.WriteControl(websocket.PongMessage, []byte(appData),
					time.Now().Add(webSocketWriteWait))
				if err == websocket.ErrCloseSent {
					return nil
				}
				return err
			})
		}

		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("connection read failed", slog.String("err", err.Error()))
				}
				return
			}

			// A frame that is not an envelope at all terminates the session;
			// request-level problems inside a valid envelope are answered with
			// error responses instead.
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				return
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *webSocketSession) Stop() {
	close(s.closing)
	// The write pump announces the close and exits before the connection is
	// torn down under the reader.
	<-s.writerDone
	_ = s.conn.Close()
	<-s.readerDone
}

func (s *webSocketSession) writePump() {
	defer close(s.writerDone)

	var pings <-chan time.Time
	if s.pings {
		ticker := time.NewTicker(webSocketPingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-s.closing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(webSocketWriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(webSocketWriteWait))
			frame.result <- s.conn.WriteMessage(websocket.TextMessage, frame.data)
		case <-pings:
			_ = s.conn.SetWriteDeadline(time.Now().Add(webSocketWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("failed to send ping", slog.String("err", err.Error()))
				return
			}
		}
	}
}
