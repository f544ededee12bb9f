package vis

import (
	"encoding/json"
	"sync"
	"time"
)

// subscriber is the delivery end of a client connection, as seen by the
// notification pipeline. deliver must never block; overflow policy is the
// implementation's concern.
type subscriber interface {
	id() string
	deliver(msg Message)
}

// subscription is one client's standing request for filtered notifications on
// one signal path. Its mutex guards the filter state and the removed flag; a
// subscription that has been marked removed never delivers again, which is
// what lets an unsubscribe response guarantee that no later notification for
// that id is observed.
type subscription struct {
	subID    MustString
	clientID string
	path     string
	spec     *filterSpec
	owner    subscriber

	mu      sync.Mutex
	state   deliveryState
	pending json.RawMessage
	removed bool

	// done stops the interval timer goroutine, if the subscription has one.
	done chan struct{}
}

// offer runs one value update through the subscription's filters, delivering,
// deferring or suppressing it.
func (s *subscription) offer(value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return
	}

	switch decide(s.spec, s.state, value) {
	case decisionForward:
		s.emitLocked(value)
	case decisionDefer:
		// Only the most recent qualifying value is kept; an undelivered
		// pending value is replaced, never queued.
		s.pending = value
	case decisionSuppress:
	}
}

// tick delivers the pending value, if any, and clears it. Called by the
// interval timer goroutine.
func (s *subscription) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || s.pending == nil {
		return
	}

	value := s.pending
	s.pending = nil
	s.emitLocked(value)
}

// emitLocked records the delivery and hands the notification to the owning
// connection. The subscription mutex must be held.
func (s *subscription) emitLocked(value json.RawMessage) {
	s.state.record(value)
	s.owner.deliver(Message{
		Action:         ActionSubscriptionNotification,
		SubscriptionID: s.subID,
		Value:          value,
		Timestamp:      nowMillis(),
	})
}

// markRemoved bars any further delivery. After it returns, no notification
// for this subscription can be enqueued.
func (s *subscription) markRemoved() {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()

	if s.done != nil {
		close(s.done)
	}
}

// runTimer paces an interval-filtered subscription. One goroutine per such
// subscription, stopped when the subscription is removed.
func (s *subscription) runTimer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// subscriptionRegistry owns every active subscription, indexed by id, by
// signal path and by owning client. It is internally synchronized.
type subscriptionRegistry struct {
	mu       sync.RWMutex
	subs     map[MustString]*subscription
	byPath   map[string][]*subscription
	byClient map[string]map[MustString]*subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs:     make(map[MustString]*subscription),
		byPath:   make(map[string][]*subscription),
		byClient: make(map[string]map[MustString]*subscription),
	}
}

// create stores and indexes a new subscription owned by the given connection.
// The filter spec must already be validated and the id already allocated: the
// caller enqueues the subscribe response before calling create, so the first
// delivery for the id can never overtake the response on the wire. Initial
// delivery of the path's current value is also the caller's responsibility.
func (r *subscriptionRegistry) create(owner subscriber, subID MustString, path string, spec *filterSpec) *subscription {
	sub := &subscription{
		subID:    subID,
		clientID: owner.id(),
		path:     path,
		spec:     spec,
		owner:    owner,
	}
	if spec != nil && spec.interval > 0 {
		sub.done = make(chan struct{})
	}

	r.mu.Lock()
	r.subs[sub.subID] = sub
	r.byPath[path] = append(r.byPath[path], sub)
	owned, ok := r.byClient[sub.clientID]
	if !ok {
		owned = make(map[MustString]*subscription)
		r.byClient[sub.clientID] = owned
	}
	owned[sub.subID] = sub
	r.mu.Unlock()

	if sub.done != nil {
		go sub.runTimer(spec.interval)
	}

	return sub
}

// remove deletes one subscription owned by the given client. It returns false
// if the id is unknown or owned by another client.
func (r *subscriptionRegistry) remove(subID MustString, clientID string) bool {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok || sub.clientID != clientID {
		r.mu.Unlock()
		return false
	}
	r.deleteLocked(sub)
	r.mu.Unlock()

	sub.markRemoved()
	return true
}

// removeAll deletes every subscription owned by a client and reports how many
// were removed. It is idempotent; a second call returns zero.
func (r *subscriptionRegistry) removeAll(clientID string) int {
	r.mu.Lock()
	owned := r.byClient[clientID]
	removed := make([]*subscription, 0, len(owned))
	for _, sub := range owned {
		r.deleteLocked(sub)
		removed = append(removed, sub)
	}
	r.mu.Unlock()

	for _, sub := range removed {
		sub.markRemoved()
	}
	return len(removed)
}

// subscribersOf returns a consistent snapshot of the subscriptions on a path
// for one fan-out pass.
func (r *subscriptionRegistry) subscribersOf(path string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byPath[path]
	if len(subs) == 0 {
		return nil
	}
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	return snapshot
}

// deleteLocked unindexes a subscription. The registry lock must be held.
func (r *subscriptionRegistry) deleteLocked(sub *subscription) {
	delete(r.subs, sub.subID)

	subs := r.byPath[sub.path]
	for i, candidate := range subs {
		if candidate.subID == sub.subID {
			subs[i] = subs[len(subs)-1]
			r.byPath[sub.path] = subs[:len(subs)-1]
			break
		}
	}
	if len(r.byPath[sub.path]) == 0 {
		delete(r.byPath, sub.path)
	}

	owned := r.byClient[sub.clientID]
	delete(owned, sub.subID)
	if len(owned) == 0 {
		delete(r.byClient, sub.clientID)
	}
}
