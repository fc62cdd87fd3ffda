package ds

import (
	"encoding/json"
	"slices"
)

// Factory seeds a new entry for a key on first access.
type Factory[T any] interface{ Create(id string) *T }

// Map is a keyed collection of entities inside an aggregate. Entries are
// materialized through their Factory on first access, so apply code can
// write m.Ensure(id).Field without an existence check. The zero value is
// ready to use. It marshals as a JSON object keyed by id.
type Map[T Factory[T]] struct {
	d map[string]*T
}

// NewMap creates an empty map.
func NewMap[T Factory[T]]() *Map[T] { return &Map[T]{d: make(map[string]*T)} }

func (m *Map[T]) Len() int { return len(m.d) }

// Get returns the entry for id without creating it.
func (m *Map[T]) Get(id string) (*T, bool) {
	e, ok := m.d[id]
	return e, ok
}

// Ensure returns the entry for id, creating it through the Factory when
// absent.
func (m *Map[T]) Ensure(id string) *T {
	if e, ok := m.d[id]; ok {
		return e
	}
	if m.d == nil {
		m.d = make(map[string]*T)
	}
	var z T
	e := z.Create(id)
	m.d[id] = e
	return e
}

// Remove deletes the entry for id if present.
func (m *Map[T]) Remove(id string) { delete(m.d, id) }

// Keys returns the ids in sorted order.
func (m *Map[T]) Keys() []string {
	keys := make([]string, 0, len(m.d))
	for k := range m.d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ForEach calls fn for every entry in sorted key order.
func (m *Map[T]) ForEach(fn func(id string, e *T)) {
	for _, k := range m.Keys() {
		fn(k, m.d[k])
	}
}

// MarshalJSON writes the entries as an object keyed by id. An empty map
// marshals as {}, never null.
func (m Map[T]) MarshalJSON() ([]byte, error) {
	if m.d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.d)
}

// UnmarshalJSON reads a JSON object, replacing the current entries.
func (m *Map[T]) UnmarshalJSON(data []byte) error {
	m.d = make(map[string]*T)
	return json.Unmarshal(data, &m.d)
}
