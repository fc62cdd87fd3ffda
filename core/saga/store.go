package saga

import (
	"context"
	"errors"
)

var (
	ErrSagaNotFound = errors.New("saga instance not found")
	ErrSagaConflict = errors.New("saga instance was modified concurrently")
)

// Store persists saga instances with optimistic concurrency.
type Store interface {
	// Load returns the instance with the given ID, or ErrSagaNotFound.
	Load(ctx context.Context, sagaType, id string) (*Instance, error)

	// Save persists the instance if its stored version still equals
	// expectedVersion; 0 means the instance must not exist yet. On success
	// ins.Version is bumped to expectedVersion+1. A version mismatch
	// returns ErrSagaConflict.
	Save(ctx context.Context, ins *Instance, expectedVersion uint64) error

	// ListByStatus returns all instances of the saga type in the given
	// status, e.g. to find stuck instances.
	ListByStatus(ctx context.Context, sagaType string, status Status) ([]*Instance, error)
}
