// Package natsfeed bridges NATS subjects into signal producers: every
// message published on a subject becomes a value update for the signal path
// the source is registered on.
package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	vis "github.com/mercedes-benz/vehicle-information-service"
	"github.com/nats-io/nats.go"
)

// Option is a function that configures a feed.
type Option func(*feed)

type feed struct {
	queueSize int
	logger    *slog.Logger
}

var defaultFeedQueueSize = 64

// WithQueueSize sets how many messages may queue between the NATS
// subscription and the signal engine before NATS starts dropping them.
func WithQueueSize(size int) Option {
	return func(f *feed) {
		f.queueSize = size
	}
}

// WithLogger sets the logger for the feed.
func WithLogger(logger *slog.Logger) Option {
	return func(f *feed) {
		f.logger = logger
	}
}

// New returns a source that yields the payload of every message published on
// subject, in arrival order. Payloads must be JSON encoded; a message whose
// payload is not valid JSON is dropped with a warning.
//
// The subscription is created when consumption starts and released when it
// ends. Cancel ctx to end an otherwise idle feed, quiet subjects produce no
// values to stop on.
func New(ctx context.Context, conn *nats.Conn, subject string, options ...Option) vis.Source {
	f := &feed{
		queueSize: defaultFeedQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}

	logger := f.logger.With(
		slog.String("package", "natsfeed"),
		slog.String("subject", subject),
	)

	return func(yield func(any) bool) {
		msgs := make(chan *nats.Msg, f.queueSize)
		sub, err := conn.ChanSubscribe(subject, msgs)
		if err != nil {
			logger.Error("failed to subscribe", slog.String("err", err.Error()))
			return
		}
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				logger.Warn("failed to unsubscribe", slog.String("err", err.Error()))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				if !json.Valid(msg.Data) {
					logger.Warn("dropping message with invalid json payload")
					continue
				}
				if !yield(json.RawMessage(msg.Data)) {
					return
				}
			}
		}
	}
}
