package vis

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// StdIO implements a transport over an io.Reader/io.Writer pair, framing
// envelopes as newline-delimited JSON. It provides a single persistent session
// and can act as either ServerTransport or ClientTransport, which also makes
// it the transport for subprocess integration and for in-process tests over
// io.Pipe pairs.
//
// Proper initialization requires using the NewStdIO constructor; resources are
// released when the session is stopped.
type StdIO struct {
	conn   stdIOConn
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// stdIOConn is the transport's one session. Reads and writes each run on
// their own goroutine; Stop tears both down.
type stdIOConn struct {
	sessionID string
	reader    io.Reader
	writer    io.Writer
	logger    *slog.Logger

	outgoing   chan stdIOFrame
	closing    chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
}

type stdIOFrame struct {
	data   []byte
	result chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader
// and writer. The single session's ID is fixed at construction, since the
// server keys subscription ownership by it.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		conn: stdIOConn{
			sessionID:  uuid.New().String(),
			reader:     reader,
			writer:     writer,
			logger:     slog.Default(),
			outgoing:   make(chan stdIOFrame),
			closing:    make(chan struct{}),
			readerDone: make(chan struct{}),
			writerDone: make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.conn.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by providing an iterator
// that yields the single persistent session. The session remains active for
// the lifetime of the StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.conn.writeLoop()

		// One session only: yield it and wait until it is stopped.
		yield(s.conn)
		<-s.conn.closing
	}
}

// Shutdown implements the ServerTransport interface by waiting for the
// session, already stopped by the caller, to wind down.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by handing out the
// single session.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	go s.conn.writeLoop()
	return s.conn, nil
}

func (c stdIOConn) ID() string {
	return c.sessionID
}

func (c stdIOConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Newline terminates a frame.
	data = append(data, '\n')

	frame := stdIOFrame{
		data:   data,
		result: make(chan error, 1),
	}

	// All writes funnel through the write loop so concurrent senders never
	// interleave partial frames on the writer.
	select {
	case c.outgoing <- frame:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return errors.New("session is closed")
	}

	select {
	case err := <-frame.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return errors.New("session is closed")
	}
}

func (c stdIOConn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(c.readerDone)

		type readResult struct {
			line string
			err  error
		}
		lines := make(chan readResult)

		// A blocked Read cannot observe the closing channel, so the reading
		// happens on its own goroutine. It outlives the session only until
		// the underlying reader is closed.
		go func() {
			// bufio.Reader rather than bufio.Scanner: a frame may exceed any
			// fixed token limit.
			reader := bufio.NewReader(c.reader)
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					select {
					case lines <- readResult{err: err}:
					case <-c.closing:
					}
					return
				}
				select {
				case lines <- readResult{line: strings.TrimSuffix(line, "\n")}:
				case <-c.closing:
					return
				}
			}
		}()

		for {
			var res readResult
			select {
			case <-c.closing:
				return
			case res = <-lines:
			}

			if res.err != nil {
				if !errors.Is(res.err, io.EOF) {
					c.logger.Error("failed to read frame", slog.String("err", res.err.Error()))
				}
				return
			}
			if res.line == "" {
				continue
			}

			// A frame that is not an envelope at all terminates the session;
			// request-level problems inside a valid envelope are answered with
			// error responses instead.
			var msg Message
			if err := json.Unmarshal([]byte(res.line), &msg); err != nil {
				c.logger.Error("failed to decode frame", slog.String("err", err.Error()))
				return
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (c stdIOConn) Stop() {
	close(c.closing)
	<-c.readerDone
	<-c.writerDone
}

func (c stdIOConn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.closing:
			return
		case frame := <-c.outgoing:
			_, err := c.writer.Write(frame.data)
			frame.result <- err
		}
	}
}
