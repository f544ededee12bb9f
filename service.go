package vis

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
)

// ServiceOption represents the options for the service.
type ServiceOption func(*Service)

// Service is the signal engine: the current-value store, the subscription
// registry, the registered signal sources and the set listeners. It is
// constructed once at startup and shared by every Server (one per transport)
// and by in-process producers; all of its state is in memory and lives for
// the life of the process.
//
// Service is internally synchronized. Reads (Get), writes (Set, Update) and
// subscription changes may be issued from any goroutine without external
// locking, and none of them blocks on a slow client.
type Service struct {
	store    *signalStore
	registry *subscriptionRegistry

	listenersMu sync.RWMutex
	listeners   []setListener

	sourcesMu   sync.Mutex
	sourceStops []func()
	sourcesWG   sync.WaitGroup
	closed      bool

	metrics *Metrics
	logger  *slog.Logger
}

type setListener struct {
	pattern glob.Glob
	fn      SetListener
}

// WithServiceLogger sets the logger for the service.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger.With(
			slog.String("package", "vis"),
			slog.String("component", "service"),
		)
	}
}

// WithMetrics sets the Prometheus instrumentation for the service and every
// server sharing it. Without this option no metrics are collected.
func WithMetrics(metrics *Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// NewService creates the signal engine with the specified configuration.
//
// The returned service has no signals, no subscriptions and no sources;
// signals are created lazily by the first write to their path, producers are
// attached with RegisterSource, and subscriptions arrive through servers or
// the in-process subscribe surface.
func NewService(options ...ServiceOption) *Service {
	s := &Service{
		registry: newSubscriptionRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.store = newSignalStore(s.fanOut)

	return s
}

// Get returns the current value of a signal path. It fails with an
// UnknownSignal service error if the path has never been written.
func (s *Service) Get(path string) (json.RawMessage, error) {
	value, ok := s.store.get(path)
	if !ok {
		return nil, unknownSignalError()
	}
	return value, nil
}

// Set writes a value to a signal path without notifying subscribers, exactly
// like a client set action: the signal is created on first write, the value's
// JSON type must be compatible with the signal's history, and registered set
// listeners observe the accepted value.
func (s *Service) Set(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if serr := s.setRaw(path, raw); serr != nil {
		return serr
	}
	return nil
}

// Update writes a value to a signal path and fans it out to the path's
// subscriptions. This is the producer-side write; client set actions do not
// notify subscribers.
func (s *Service) Update(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if serr := s.updateRaw(path, raw); serr != nil {
		return serr
	}
	return nil
}

// OnSet registers a listener for successful set operations on paths matching
// the given dot-separated pattern. The pattern is an exact path or a glob like
// "Private.Example.*"; glob matching applies only to in-process listeners,
// never to wire subscriptions. Listeners run on the goroutine performing the
// set and should return quickly.
func (s *Service) OnSet(pattern string, listener SetListener) error {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return fmt.Errorf("failed to compile pattern: %w", err)
	}

	s.listenersMu.Lock()
	s.listeners = append(s.listeners, setListener{pattern: g, fn: listener})
	s.listenersMu.Unlock()

	return nil
}

// Close stops every registered source and waits for their producer goroutines
// to finish. Current values freeze and subscriptions stay registered; Close
// does not touch connected clients, which are owned by their servers.
func (s *Service) Close() {
	s.sourcesMu.Lock()
	s.closed = true
	stops := s.sourceStops
	s.sourceStops = nil
	s.sourcesMu.Unlock()

	for _, stop := range stops {
		stop()
	}
	s.sourcesWG.Wait()
}

func (s *Service) setRaw(path string, value json.RawMessage) *ServiceError {
	if serr := s.store.set(path, value); serr != nil {
		return serr
	}
	s.notifySetListeners(path, value)
	return nil
}

func (s *Service) updateRaw(path string, value json.RawMessage) *ServiceError {
	if serr := s.store.update(path, value); serr != nil {
		return serr
	}
	s.metrics.signalUpdated()
	return nil
}

// fanOut runs one pass over the path's subscriptions. It is invoked by the
// store with the entry lock held, so passes for the same path happen in write
// order; delivery into a connection's queue never blocks.
func (s *Service) fanOut(path string, value json.RawMessage) {
	for _, sub := range s.registry.subscribersOf(path) {
		sub.offer(value)
	}
}

func (s *Service) notifySetListeners(path string, value json.RawMessage) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		if l.pattern.Match(path) {
			l.fn(path, value)
		}
	}
}

// unsubscribe removes one subscription owned by the given client. After it
// returns true, no further notification with that id can be enqueued.
func (s *Service) unsubscribe(subID MustString, clientID string) bool {
	if !s.registry.remove(subID, clientID) {
		return false
	}
	s.metrics.subscriptionsRemoved(1)
	return true
}

// unsubscribeAll removes every subscription owned by a client and reports the
// count. Used by the unsubscribeAll action and by connection teardown.
func (s *Service) unsubscribeAll(clientID string) int {
	count := s.registry.removeAll(clientID)
	s.metrics.subscriptionsRemoved(count)
	return count
}
