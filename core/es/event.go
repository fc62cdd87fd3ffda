package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/sourcing-go/internal/reflector"
)

type registration struct {
	ctor          func() any
	schemaVersion int
}

// EventRegistry maps event type names to constructors so we can decode
// persisted events. Each registration carries the current payload schema
// version; envelopes written under an older schema are upcast before
// unmarshalling.
type EventRegistry struct {
	mu        sync.RWMutex
	news      map[string]registration
	upcasters *UpcasterRegistry
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{
		news:      map[string]registration{},
		upcasters: NewUpcasterRegistry(),
	}
}

// Upcasters returns the upcaster registry used during decoding.
func (r *EventRegistry) Upcasters() *UpcasterRegistry { return r.upcasters }

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = registration{
		ctor:          ctor,
		schemaVersion: schemaVersionOf(ctor()),
	}
}

// RegisterUpcaster registers a payload transform from (eventType, fromVersion)
// to fromVersion+1. Registering a duplicate link is an error.
func (r *EventRegistry) RegisterUpcaster(eventType string, fromVersion int, fn UpcastFunc) error {
	return r.upcasters.Register(eventType, fromVersion, fn)
}

// SchemaVersion returns the registered schema version for eventType,
// or 0 when the type is unknown.
func (r *EventRegistry) SchemaVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.news[eventType].schemaVersion
}

// Decode reconstructs the domain event carried by env. When the envelope was
// written under an older schema version, the payload is upcast link by link
// to the registered version first. A missing link fails with *UpcastError.
func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	reg, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}

	from := env.SchemaVersion
	if from == 0 {
		// rows persisted before schema versioning default to 1
		from = 1
	}
	if from != reg.schemaVersion {
		upcast, err := r.upcasters.Upcast(env.Type, from, reg.schemaVersion, env.Data)
		if err != nil {
			return nil, err
		}
		env.Data = upcast
		env.SchemaVersion = reg.schemaVersion
	}

	ev := reg.ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	r.Register(getEventTypeOf(new(T)), func() any {
		return any(new(T))
	})
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. It does not use reflection to create instances.
// For each provided constructor, we call it once to determine the event type name and then
// register the original constructor so future decodes produce fresh instances per call.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		// Create a temporary instance to derive the type name and metadata
		sample := ctor()
		eventType := getEventTypeOf(sample)
		r.Register(eventType, ctor)
	}
}

// getEventTypeOf derives the persisted type name of an event. Events may
// override the default (the bare struct name) by implementing
// EventType() string. Type names become part of bus topics, so they must not
// contain "." or ">".
func getEventTypeOf(ev any) (eventType string) {
	switch t := ev.(type) {
	case interface{ EventType() string }:
		eventType = t.EventType()
	default:
		eventType = reflector.TypeInfoOf(ev).Short
	}
	return
}

// schemaVersionOf derives the current payload schema version of an event.
// Events declare versions above 1 by implementing SchemaVersion() int.
func schemaVersionOf(ev any) int {
	if t, ok := ev.(interface{ SchemaVersion() int }); ok {
		if v := t.SchemaVersion(); v > 0 {
			return v
		}
	}
	return 1
}
