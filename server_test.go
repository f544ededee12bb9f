package vis_test

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	vis "github.com/mercedes-benz/vehicle-information-service"
)

// scriptedTransport hands pre-built sessions to a server, standing in for a
// network listener.
type scriptedTransport struct {
	sessions chan vis.Session
	shutdown chan struct{}
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		sessions: make(chan vis.Session, 4),
		shutdown: make(chan struct{}),
	}
}

func (t *scriptedTransport) Sessions() iter.Seq[vis.Session] {
	return func(yield func(vis.Session) bool) {
		for {
			select {
			case <-t.shutdown:
				return
			case sess := <-t.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

func (t *scriptedTransport) Shutdown(context.Context) error {
	close(t.shutdown)
	return nil
}

// scriptedSession feeds requests from a channel and records what the server
// sends back. Closing incoming plays a client disconnect.
type scriptedSession struct {
	sessionID string
	incoming  chan vis.Message
	sent      chan vis.Message

	// blockSend, when set, stalls every Send until the channel is closed.
	blockSend chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func newScriptedSession(id string) *scriptedSession {
	return &scriptedSession{
		sessionID: id,
		incoming:  make(chan vis.Message, 16),
		sent:      make(chan vis.Message, 16),
		done:      make(chan struct{}),
	}
}

func (s *scriptedSession) ID() string { return s.sessionID }

func (s *scriptedSession) Send(ctx context.Context, msg vis.Message) error {
	if s.blockSend != nil {
		select {
		case <-s.blockSend:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case s.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptedSession) Messages() iter.Seq[vis.Message] {
	return func(yield func(vis.Message) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.incoming:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *scriptedSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *scriptedSession) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func waitSent(t *testing.T, sess *scriptedSession) vis.Message {
	t.Helper()
	select {
	case msg := <-sess.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server response")
	}
	return vis.Message{}
}

func waitCondition(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func shutdownServer(t *testing.T, server vis.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestServer_ServesSession(t *testing.T) {
	svc := vis.NewService()
	transport := newScriptedTransport()
	server := vis.NewServer(svc, transport)
	go server.Serve()
	defer shutdownServer(t, server)

	sess := newScriptedSession("session-1")
	transport.sessions <- sess

	sess.incoming <- vis.Message{
		Action:    vis.ActionSet,
		RequestID: "1",
		Path:      "Signal.Drivetrain.RPM",
		Value:     json.RawMessage(`3000`),
	}
	res := waitSent(t, sess)
	if res.Error != nil {
		t.Fatalf("Error = %v, want nil", res.Error)
	}
	if res.Action != vis.ActionSet || res.RequestID != "1" {
		t.Errorf("response = %v %q, want set response for request 1", res.Action, res.RequestID)
	}
	if string(res.Value) != `3000` {
		t.Errorf("Value = %s, want the accepted value echoed back", res.Value)
	}

	sess.incoming <- vis.Message{
		Action:    vis.ActionGet,
		RequestID: "2",
		Path:      "Signal.Drivetrain.RPM",
	}
	res = waitSent(t, sess)
	if res.Error != nil {
		t.Fatalf("Error = %v, want nil", res.Error)
	}
	if string(res.Value) != `3000` {
		t.Errorf("Value = %s, want 3000", res.Value)
	}
}

func TestServer_ClientCallbacks(t *testing.T) {
	svc := vis.NewService()
	transport := newScriptedTransport()

	var mu sync.Mutex
	var connected, disconnected []string
	server := vis.NewServer(svc, transport,
		vis.WithServerOnClientConnected(func(id string) {
			mu.Lock()
			connected = append(connected, id)
			mu.Unlock()
		}),
		vis.WithServerOnClientDisconnected(func(id string) {
			mu.Lock()
			disconnected = append(disconnected, id)
			mu.Unlock()
		}),
	)
	go server.Serve()
	defer shutdownServer(t, server)

	sess := newScriptedSession("session-1")
	transport.sessions <- sess

	waitCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) == 1 && connected[0] == "session-1"
	}, "connect callback never fired")

	close(sess.incoming)

	waitCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1 && disconnected[0] == "session-1"
	}, "disconnect callback never fired")
}

func TestServer_CleansUpSubscriptionsOnDisconnect(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := vis.NewMetrics(registry)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	svc := vis.NewService(vis.WithMetrics(metrics))
	transport := newScriptedTransport()
	server := vis.NewServer(svc, transport)
	go server.Serve()
	defer shutdownServer(t, server)

	sess := newScriptedSession("session-1")
	transport.sessions <- sess

	sess.incoming <- vis.Message{
		Action:    vis.ActionSubscribe,
		RequestID: "1",
		Path:      "Signal.Drivetrain.Speed",
	}
	res := waitSent(t, sess)
	if res.Error != nil {
		t.Fatalf("Error = %v, want nil", res.Error)
	}
	if res.SubscriptionID == "" {
		t.Fatal("SubscriptionID is empty, want an allocated id")
	}
	waitCondition(t, func() bool {
		return gaugeValue(t, registry, "vis_active_subscriptions") == 1
	}, "subscription gauge never reached 1")

	// A disconnect removes everything the connection owned.
	close(sess.incoming)
	waitCondition(t, func() bool {
		return gaugeValue(t, registry, "vis_active_subscriptions") == 0
	}, "subscriptions were not removed on disconnect")
	waitCondition(t, func() bool {
		return gaugeValue(t, registry, "vis_connected_clients") == 0
	}, "connected clients gauge never dropped to 0")
}

func TestServer_DropsSlowClient(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := vis.NewMetrics(registry)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	svc := vis.NewService(vis.WithMetrics(metrics))
	transport := newScriptedTransport()
	server := vis.NewServer(svc, transport,
		vis.WithDeliveryQueueSize(1),
		vis.WithServerSendTimeout(100*time.Millisecond),
		vis.WithServerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	go server.Serve()
	defer shutdownServer(t, server)

	sess := newScriptedSession("slow-1")
	sess.blockSend = make(chan struct{})
	transport.sessions <- sess

	// The writer stalls on the first response; with a queue of one, the third
	// response cannot be enqueued and the connection is dropped.
	for i := 0; i < 3; i++ {
		sess.incoming <- vis.Message{
			Action:    vis.ActionGet,
			RequestID: vis.MustString(strconv.Itoa(i + 1)),
			Path:      "Signal.Never.Written",
		}
	}

	waitCondition(t, func() bool {
		return counterValue(t, registry, "vis_dropped_connections_total") >= 1
	}, "dropped connections counter never moved")
	waitCondition(t, sess.stopped, "session was never stopped")
}

func TestServer_Shutdown(t *testing.T) {
	svc := vis.NewService()
	transport := newScriptedTransport()
	server := vis.NewServer(svc, transport)

	served := make(chan struct{})
	go func() {
		server.Serve()
		close(served)
	}()

	sess := newScriptedSession("session-1")
	transport.sessions <- sess

	sess.incoming <- vis.Message{Action: vis.ActionGet, RequestID: "1", Path: "Signal.Never.Written"}
	waitSent(t, sess)

	shutdownServer(t, server)

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	if !sess.stopped() {
		t.Error("session was not stopped by Shutdown")
	}
}
