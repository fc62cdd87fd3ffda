package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore keeps saga instances in a map, for tests and single-process
// setups.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance // keyed by instance ID
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{instances: map[string]*Instance{}}
}

func (s *InMemoryStore) Load(_ context.Context, sagaType, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.instances[id]
	if !ok || ins.Type != sagaType {
		return nil, fmt.Errorf("%w: %s/%s", ErrSagaNotFound, sagaType, id)
	}
	return cloneInstance(ins)
}

func (s *InMemoryStore) Save(_ context.Context, ins *Instance, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.instances[ins.ID]
	switch {
	case !exists && expectedVersion != 0:
		return fmt.Errorf("%w: %s/%s not found, expected version %d", ErrSagaConflict, ins.Type, ins.ID, expectedVersion)
	case exists && current.Version != expectedVersion:
		return fmt.Errorf("%w: %s/%s at version %d, expected %d", ErrSagaConflict, ins.Type, ins.ID, current.Version, expectedVersion)
	}

	ins.Version = expectedVersion + 1
	ins.UpdatedAt = time.Now()

	stored, err := cloneInstance(ins)
	if err != nil {
		return err
	}
	s.instances[ins.ID] = stored
	return nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, sagaType string, status Status) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, ins := range s.instances {
		if ins.Type != sagaType || ins.Status != status {
			continue
		}
		c, err := cloneInstance(ins)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// cloneInstance deep-copies via JSON so callers never alias stored state.
func cloneInstance(ins *Instance) (*Instance, error) {
	data, err := json.Marshal(ins)
	if err != nil {
		return nil, err
	}
	var out Instance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
