package vis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is an HTTP-friendly alternative transport: server-to-client
// traffic streams over Server-Sent Events while client-to-server actions
// arrive via HTTP POST. On connect the server announces the session's POST
// endpoint as an SSE event of type "endpoint"; envelopes then flow as events
// of type "message".
//
// The HandleSSE and HandleMessage http.Handlers can be mounted on any mux.
// Instances should be created using NewSSEServer and shut down using Shutdown
// when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	accepted chan *sseServerConn
	detached chan string
	posts    chan ssePost

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements the ClientTransport interface over an SSE stream for
// inbound messages and HTTP POST for outbound actions. Instances should be
// created using NewSSEClient.
type SSEClient struct {
	connectURL string
	httpClient *http.Client
	logger     *slog.Logger

	maxEventSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// ssePost is one decoded envelope received on the POST endpoint, tagged with
// the session it belongs to.
type ssePost struct {
	sessionID string
	msg       Message
}

// sseServerConn is the server side of one SSE connection. Events stream out
// through the handler's sse.Session; actions arrive on the POST endpoint and
// are routed to inbound by the Sessions loop.
type sseServerConn struct {
	sessionID string
	stream    *sse.Session
	logger    *slog.Logger

	outbox  chan sseEvent
	inbound chan Message

	closing    chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
}

type sseEvent struct {
	msg    *sse.Message
	result chan error
}

// sseClientConn is the client side of one SSE connection: envelopes arrive as
// "message" events on the stream and leave as POSTs to the endpoint announced
// during the handshake.
type sseClientConn struct {
	sessionID  string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	inbound chan Message
	cancel  context.CancelFunc

	closing    chan struct{}
	readerDone chan struct{}
}

// NewSSEServer creates and initializes a new SSE server whose sessions direct
// their actions at the given messageURL. The returned SSEServer is immediately
// operational: mount HandleSSE and HandleMessage and consume Sessions.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		accepted:   make(chan *sseServerConn, 5),
		detached:   make(chan string),
		posts:      make(chan ssePost),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSEServer.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "sse"),
		)
	}
}

// Sessions yields each connected client session and, between yields, routes
// POSTed envelopes to the session they belong to. The routing lives here so
// the map of live sessions has a single owner.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		conns := make(map[string]*sseServerConn)

		for {
			select {
			case <-s.done:
				return
			case conn := <-s.accepted:
				conns[conn.sessionID] = conn
				go conn.writeEvents()

				if !yield(conn) {
					return
				}
			case sessionID := <-s.detached:
				delete(conns, sessionID)
			case post := <-s.posts:
				conn, ok := conns[post.sessionID]
				if !ok {
					// Posts may trail a closed session; drop them.
					continue
				}

				select {
				case conn.inbound <- post.msg:
				case <-s.done:
					return
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server. This method blocks until the
// session loop has finished.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown SSE server: %w", ctx.Err())
	}
}

// HandleSSE returns an http.Handler that upgrades GET requests to SSE
// streams. Each connection is assigned a session ID and told its message
// endpoint; the handler blocks until the session is stopped, so an
// http.Server shutdown waits for live connections.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade request", slog.String("err", err.Error()))
			http.Error(w, "failed to upgrade request", http.StatusInternalServerError)
			return
		}

		conn := &sseServerConn{
			sessionID:  uuid.New().String(),
			stream:     stream,
			logger:     s.logger,
			outbox:     make(chan sseEvent, 5),
			inbound:    make(chan Message, 5),
			closing:    make(chan struct{}),
			writerDone: make(chan struct{}),
			readerDone: make(chan struct{}),
		}

		if err := s.announceEndpoint(stream, conn.sessionID); err != nil {
			s.logger.Error("failed to announce endpoint", slog.String("err", err.Error()))
			return
		}

		select {
		case s.accepted <- conn:
		case <-s.done:
			return
		}

		// Keep the connection open until the session is stopped.
		<-conn.writerDone
		<-conn.readerDone

		select {
		case s.detached <- conn.sessionID:
		case <-s.done:
		}
	})
}

// announceEndpoint tells a freshly upgraded client where this session's
// actions go.
func (s SSEServer) announceEndpoint(stream *sse.Session, sessionID string) error {
	ev := &sse.Message{Type: sse.Type("endpoint")}
	ev.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessionID))

	if err := stream.Send(ev); err != nil {
		return err
	}
	return stream.Flush()
}

// HandleMessage returns an http.Handler for the POST side of the transport.
// Envelopes must carry the sessionID query parameter of a live session; a
// body that does not decode as an envelope is rejected here with 400 and
// never reaches the session.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionID")
		if sessionID == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode posted message", slog.String("err", err.Error()))
			http.Error(w, "body is not a protocol envelope", http.StatusBadRequest)
			return
		}

		select {
		case s.posts <- ssePost{sessionID: sessionID, msg: msg}:
		case <-s.done:
		}
	})
}

func (c *sseServerConn) ID() string {
	return c.sessionID
}

func (c *sseServerConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ev := &sse.Message{Type: sse.Type("message")}
	ev.AppendData(string(data))

	event := sseEvent{msg: ev, result: make(chan error, 1)}

	select {
	case c.outbox <- event:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return errors.New("session is closed")
	}

	select {
	case err := <-event.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return errors.New("session is closed")
	}
}

func (c *sseServerConn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(c.readerDone)

		for {
			select {
			case <-c.closing:
				return
			case msg := <-c.inbound:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop ends the session and releases its blocked HandleSSE handler.
func (c *sseServerConn) Stop() {
	close(c.closing)
	<-c.writerDone
	<-c.readerDone
}

// writeEvents owns the sse.Session: events and their flushes happen on one
// goroutine so concurrent senders cannot interleave on the stream.
func (c *sseServerConn) writeEvents() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.closing:
			return
		case ev := <-c.outbox:
			err := c.stream.Send(ev.msg)
			if err == nil {
				err = c.stream.Flush()
			}
			if err != nil {
				c.logger.Warn("failed to write event", slog.String("err", err.Error()))
			}
			ev.result <- err
		}
	}
}

// NewSSEClient creates an SSE client that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration; if nil, the default HTTP client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	c := &SSEClient{
		connectURL: connectURL,
		httpClient: httpClient,
		logger:     slog.Default(),
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event payload
// received from the server. An oversized payload ends the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxEventSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "sse"),
		)
	}
}

// StartSession implements the ClientTransport interface. It opens the event
// stream and waits for the server's endpoint announcement; the context covers
// this handshake only, the stream itself lives until Stop.
func (c *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	conn := &sseClientConn{
		sessionID:  uuid.New().String(),
		httpClient: c.httpClient,
		logger:     c.logger,
		inbound:    make(chan Message),
		cancel:     cancel,
		closing:    make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	endpoint := make(chan error, 1)
	go conn.readEvents(resp.Body, c.maxEventSize, endpoint)

	select {
	case err := <-endpoint:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to establish session: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	return conn, nil
}

func (c *sseClientConn) ID() string {
	return c.sessionID
}

// Send posts one envelope to the session's message endpoint.
func (c *sseClientConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *sseClientConn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for msg := range c.inbound {
			if !yield(msg) {
				return
			}
		}
	}
}

// Stop cancels the stream request, which unblocks the event reader.
func (c *sseClientConn) Stop() {
	close(c.closing)
	c.cancel()
	<-c.readerDone
}

// readEvents consumes the SSE stream. The first event must be the endpoint
// announcement; its outcome is reported on the endpoint channel exactly once.
func (c *sseClientConn) readEvents(body io.ReadCloser, maxEventSize int, endpoint chan<- error) {
	defer func() {
		body.Close()
		close(c.inbound)
		close(c.readerDone)
	}()

	var cfg *sse.ReadConfig
	if maxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: maxEventSize}
	}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read event stream", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if c.messageURL != "" {
				c.logger.Warn("ignoring duplicate endpoint announcement")
				continue
			}
			// The endpoint URL decides where actions are posted; refuse
			// anything that does not parse to keep routing sound.
			u, err := url.Parse(ev.Data)
			if err != nil {
				endpoint <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				endpoint <- errors.New("empty endpoint URL")
				return
			}
			c.messageURL = u.String()
			endpoint <- nil
		case "message":
			// No messages may be processed before the endpoint handshake
			// completed.
			if c.messageURL == "" {
				c.logger.Warn("dropping message received before the endpoint announcement")
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				return
			}

			select {
			case c.inbound <- msg:
			case <-c.closing:
				return
			}
		default:
			c.logger.Warn("ignoring event with unknown type", slog.String("type", string(ev.Type)))
		}
	}
}
