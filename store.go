package vis

import (
	"encoding/json"
	"fmt"
	"sync"
)

// jsonKind classifies a raw JSON value by its outermost type. It backs the set
// validation rule: once a signal holds a value of one type, later writes must
// keep that type, with null compatible in both directions.
type jsonKind int

const (
	kindNone jsonKind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindObject
	kindArray
)

// signalEntry holds the last known value of one signal path. The entry mutex
// serializes writes and the fan-out they trigger, so notifications for a path
// are delivered in write order.
type signalEntry struct {
	mu    sync.Mutex
	value json.RawMessage
	kind  jsonKind
}

// signalStore maps signal paths to their last known values. It is internally
// synchronized; callers never hold external locks. Entries are created lazily
// on first write and never deleted, so a signal, once observed, retains its
// last value for the life of the process.
type signalStore struct {
	mu      sync.RWMutex
	entries map[string]*signalEntry

	// onUpdate runs for every successful update, with the entry lock held,
	// to fan the new value out to the path's subscriptions.
	onUpdate func(path string, value json.RawMessage)
}

func newSignalStore(onUpdate func(path string, value json.RawMessage)) *signalStore {
	return &signalStore{
		entries:  make(map[string]*signalEntry),
		onUpdate: onUpdate,
	}
}

// get returns the current value of a path, or false if the path has never
// been written.
func (s *signalStore) get(path string) (json.RawMessage, bool) {
	s.mu.RLock()
	e, ok := s.entries[path]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	value := e.value
	e.mu.Unlock()

	return value, true
}

// set writes a value without triggering notification fan-out. Any path is
// accepted; unknown paths are created on first write.
func (s *signalStore) set(path string, value json.RawMessage) *ServiceError {
	e := s.entry(path)

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.write(value)
}

// update writes a value and fans it out to the path's subscriptions. The
// fan-out runs while the entry lock is held, so two updates to the same path
// reach every subscription in write order.
func (s *signalStore) update(path string, value json.RawMessage) *ServiceError {
	e := s.entry(path)

	e.mu.Lock()
	defer e.mu.Unlock()

	if serr := e.write(value); serr != nil {
		return serr
	}
	s.onUpdate(path, value)

	return nil
}

func (s *signalStore) entry(path string) *signalEntry {
	s.mu.RLock()
	e, ok := s.entries[path]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[path]; ok {
		return e
	}
	e = &signalEntry{}
	s.entries[path] = e
	return e
}

// write stores a value on an entry whose lock is already held, enforcing the
// type rule against the entry's history.
func (e *signalEntry) write(value json.RawMessage) *ServiceError {
	kind := jsonKindOf(value)
	if kind == kindNone {
		return invalidRequestError("value is not valid JSON")
	}

	if e.kind != kindNone && e.kind != kindNull && kind != kindNull && kind != e.kind {
		return invalidRequestError(fmt.Sprintf("value type %s conflicts with the signal's %s history", kind, e.kind))
	}

	e.value = value
	if kind != kindNull || e.kind == kindNone {
		e.kind = kind
	}

	return nil
}

// jsonKindOf classifies a raw JSON value by its first significant byte.
func jsonKindOf(raw json.RawMessage) jsonKind {
	for _, b := range raw {
		switch {
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			continue
		case b == '{':
			return kindObject
		case b == '[':
			return kindArray
		case b == '"':
			return kindString
		case b == 't' || b == 'f':
			return kindBool
		case b == 'n':
			return kindNull
		case b == '-' || (b >= '0' && b <= '9'):
			return kindNumber
		default:
			return kindNone
		}
	}
	return kindNone
}

func (k jsonKind) String() string {
	switch k {
	case kindNull:
		return "null"
	case kindBool:
		return "boolean"
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	default:
		return "none"
	}
}
