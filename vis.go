package vis

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer of the signal
// service.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are
	// initiated. Each yielded Session represents a unique client connection and
	// provides methods for bidirectional communication. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is
	// called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources.
	// The implementation should not close the Sessions it produced, the caller
	// already does that before calling this method. The caller is guaranteed to
	// call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer of the signal
// service.
type ClientTransport interface {
	// StartSession initiates a new session with the server. Operations are
	// canceled when the context is canceled, and appropriate errors are
	// returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and
// client, carrying decoded protocol envelopes.
type Session interface {
	// ID returns the unique identifier for this session. The implementation
	// must guarantee that session IDs are unique across all active sessions.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg Message) error

	// Messages returns an iterator that yields messages received from the
	// other party. A frame that cannot be decoded as an envelope at all ends
	// the iteration; the implementation should also exit the iteration when
	// the session is closed.
	Messages() iter.Seq[Message]

	// Stop stops the session. The implementation should not call this, as the
	// caller is guaranteed to call this method once.
	Stop()
}

// Source is a producer of signal values: a lazy, possibly unbounded sequence,
// restartable only by registering it again. A source stops being consumed when
// its sequence ends or when the stop handle returned by RegisterSource is
// called.
type Source = iter.Seq[any]

// SetListener observes accepted set operations on matching paths. Listeners
// run synchronously on the goroutine performing the set.
type SetListener func(path string, value json.RawMessage)
