package es

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateUpcaster = errors.New("duplicate upcaster")
)

// UpcastFunc transforms an event payload from one schema version to the next.
// Implementations must be pure: same input, same output, no IO. The input map
// may be mutated and returned.
type UpcastFunc func(payload map[string]any) (map[string]any, error)

// UpcastError reports a failed payload upgrade during decoding.
type UpcastError struct {
	EventType   string
	FromVersion int
	ToVersion   int
	// Missing is the version whose upcaster link is not registered,
	// 0 when the failure is not a missing link.
	Missing int
	Err     error
}

func (e *UpcastError) Error() string {
	switch {
	case e.Missing > 0:
		return fmt.Sprintf("upcast %s v%d->v%d: no upcaster registered for v%d",
			e.EventType, e.FromVersion, e.ToVersion, e.Missing)
	case e.FromVersion > e.ToVersion:
		return fmt.Sprintf("upcast %s: stored schema v%d is newer than registered v%d",
			e.EventType, e.FromVersion, e.ToVersion)
	default:
		return fmt.Sprintf("upcast %s v%d->v%d: %v",
			e.EventType, e.FromVersion, e.ToVersion, e.Err)
	}
}

func (e *UpcastError) Unwrap() error { return e.Err }

// UpcasterRegistry holds per event type the chain of payload transforms,
// keyed by the version each transform upgrades from. A payload at version n
// reaches version m by applying the links n, n+1, ..., m-1 in order.
type UpcasterRegistry struct {
	mu     sync.RWMutex
	chains map[string]map[int]UpcastFunc
}

func NewUpcasterRegistry() *UpcasterRegistry {
	return &UpcasterRegistry{chains: map[string]map[int]UpcastFunc{}}
}

// Register adds the transform upgrading eventType payloads from fromVersion
// to fromVersion+1. A second registration for the same link fails with
// ErrDuplicateUpcaster.
func (u *UpcasterRegistry) Register(eventType string, fromVersion int, fn UpcastFunc) error {
	if eventType == "" {
		return errors.New("event type is empty")
	}
	if fromVersion < 1 {
		return fmt.Errorf("from version must be >= 1, got %d", fromVersion)
	}
	if fn == nil {
		return errors.New("upcast func is nil")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	chain, ok := u.chains[eventType]
	if !ok {
		chain = map[int]UpcastFunc{}
		u.chains[eventType] = chain
	}
	if _, ok := chain[fromVersion]; ok {
		return fmt.Errorf("%w: %s v%d", ErrDuplicateUpcaster, eventType, fromVersion)
	}
	chain[fromVersion] = fn
	return nil
}

// Upcast upgrades data from schema version `from` to `to` by applying the
// registered chain in ascending order. It fails fast with *UpcastError when
// a link is missing, a transform fails, or from is newer than to.
func (u *UpcasterRegistry) Upcast(eventType string, from, to int, data json.RawMessage) (json.RawMessage, error) {
	if from == to {
		return data, nil
	}
	if from > to {
		return nil, &UpcastError{EventType: eventType, FromVersion: from, ToVersion: to}
	}

	u.mu.RLock()
	chain := u.chains[eventType]
	links := make(map[int]UpcastFunc, to-from)
	for v := from; v < to; v++ {
		fn, ok := chain[v]
		if !ok {
			u.mu.RUnlock()
			return nil, &UpcastError{EventType: eventType, FromVersion: from, ToVersion: to, Missing: v}
		}
		links[v] = fn
	}
	u.mu.RUnlock()

	payload := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, &UpcastError{EventType: eventType, FromVersion: from, ToVersion: to, Err: err}
		}
	}

	for v := from; v < to; v++ {
		next, err := links[v](payload)
		if err != nil {
			return nil, &UpcastError{EventType: eventType, FromVersion: v, ToVersion: v + 1, Err: err}
		}
		payload = next
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, &UpcastError{EventType: eventType, FromVersion: from, ToVersion: to, Err: err}
	}
	return out, nil
}

// === Transform helpers ===

// Chain composes transforms into one UpcastFunc, applied left to right.
func Chain(fns ...UpcastFunc) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		var err error
		for _, fn := range fns {
			payload, err = fn(payload)
			if err != nil {
				return nil, err
			}
		}
		return payload, nil
	}
}

// AddField sets a default value for a field missing from the payload.
// Present fields are left untouched.
func AddField(name string, value any) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		if _, ok := payload[name]; !ok {
			payload[name] = value
		}
		return payload, nil
	}
}

// RenameField moves the value of `from` to `to`. Missing source fields are
// ignored.
func RenameField(from, to string) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		if v, ok := payload[from]; ok {
			delete(payload, from)
			payload[to] = v
		}
		return payload, nil
	}
}

// RemoveField drops a field from the payload.
func RemoveField(name string) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		delete(payload, name)
		return payload, nil
	}
}

// TransformField rewrites the value of a present field.
func TransformField(name string, fn func(v any) (any, error)) UpcastFunc {
	return func(payload map[string]any) (map[string]any, error) {
		v, ok := payload[name]
		if !ok {
			return payload, nil
		}
		nv, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("transform field %q: %w", name, err)
		}
		payload[name] = nv
		return payload, nil
	}
}
