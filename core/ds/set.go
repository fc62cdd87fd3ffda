// Package ds holds small collection types for aggregate state. Iteration and
// JSON output are deterministic, so a replayed aggregate and its snapshot
// serialize to identical bytes.
package ds

import (
	"encoding/json"
	"fmt"
)

type StringSet = Set[string]

// Set is an ordered set: O(1) membership with insertion-order iteration.
// Add, Remove and Clear mutate the receiver, everything else reads.
// The zero value is ready to use. It marshals as a JSON array in
// insertion order.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

// NewSet creates a set holding the given items.
func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items)), order: make([]T, 0, len(items))}
	for _, v := range items {
		s.Add(v)
	}
	return s
}

// NewStringSet creates a string set holding the given items.
func NewStringSet(items ...string) *StringSet { return NewSet(items...) }

// Add inserts v. A repeated Add keeps the original position.
func (s *Set[T]) Add(v T) {
	if _, ok := s.items[v]; ok {
		return
	}
	if s.items == nil {
		s.items = make(map[T]struct{})
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Remove deletes v if present. O(n), the order slice is compacted in place.
func (s *Set[T]) Remove(v T) {
	if _, ok := s.items[v]; !ok {
		return
	}
	delete(s.items, v)
	keep := s.order[:0]
	for _, e := range s.order {
		if e != v {
			keep = append(keep, e)
		}
	}
	s.order = keep
}

// Contains reports whether v is in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int      { return len(s.items) }
func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// Values returns the elements as a fresh slice in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// ForEach calls fn for every element in insertion order.
func (s *Set[T]) ForEach(fn func(T)) {
	for _, v := range s.order {
		fn(v)
	}
}

// Copy returns an independent set with the same elements and order.
func (s *Set[T]) Copy() *Set[T] { return NewSet(s.Values()...) }

// Clear removes all elements.
func (s *Set[T]) Clear() {
	s.items = make(map[T]struct{})
	s.order = nil
}

// Eq reports whether both sets hold the same elements, order ignored.
func (s *Set[T]) Eq(other *Set[T]) bool {
	if s.Len() != other.Len() {
		return false
	}
	for v := range other.items {
		if !s.Contains(v) {
			return false
		}
	}
	return true
}

// EqValues reports whether the set holds exactly the given values.
func (s *Set[T]) EqValues(values ...T) bool { return s.Eq(NewSet(values...)) }

func (s *Set[T]) String() string { return fmt.Sprintf("%v", s.order) }

// MarshalJSON writes the elements as an array in insertion order. An empty
// set marshals as [], never null.
func (s Set[T]) MarshalJSON() ([]byte, error) { return json.Marshal(s.Values()) }

// UnmarshalJSON reads a JSON array, replacing the current elements.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var values []T
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.items = make(map[T]struct{}, len(values))
	s.order = nil
	for _, v := range values {
		s.Add(v)
	}
	return nil
}
