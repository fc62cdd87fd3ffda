package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codewandler/sourcing-go/ports/kv"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore remembers how far a named consumer got in the store-wide
// sequence.
type CheckpointStore interface {
	// Get returns the last processed sequence, or ErrCheckpointNotFound
	// when the consumer never checkpointed.
	Get(ctx context.Context, name string) (lastSeq uint64, err error)
	Set(ctx context.Context, name string, lastSeq uint64) error
}

type InMemCheckpointStore struct {
	mu sync.RWMutex
	m  map[string]uint64
}

var _ CheckpointStore = (*InMemCheckpointStore)(nil)

func NewInMemCheckpointStore() *InMemCheckpointStore {
	return &InMemCheckpointStore{m: map[string]uint64{}}
}

func (s *InMemCheckpointStore) Get(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	return v, nil
}

func (s *InMemCheckpointStore) Set(_ context.Context, name string, lastSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = lastSeq
	return nil
}

// KeyValueCheckpointStore persists checkpoints in a kv.Store, one key per
// consumer name.
type KeyValueCheckpointStore struct {
	store kv.Store
}

var _ CheckpointStore = (*KeyValueCheckpointStore)(nil)

func NewKeyValueCheckpointStore(store kv.Store) *KeyValueCheckpointStore {
	return &KeyValueCheckpointStore{store: store}
}

func (s *KeyValueCheckpointStore) key(name string) string { return "checkpoint." + name }

func (s *KeyValueCheckpointStore) Get(ctx context.Context, name string) (uint64, error) {
	v, err := kv.Get[uint64](ctx, s.store, s.key(name))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
		}
		return 0, err
	}
	return v, nil
}

func (s *KeyValueCheckpointStore) Set(ctx context.Context, name string, lastSeq uint64) error {
	return kv.Put(ctx, s.store, s.key(name), lastSeq, kv.PutOptions{})
}
