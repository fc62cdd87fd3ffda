package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codewandler/sourcing-go/core/saga"
)

// SagaStore persists saga instances as JSON bodies with indexed columns for
// lookup. Optimistic concurrency uses the version column: inserts hit the
// primary key, updates match the expected version or affect no rows.
type SagaStore struct {
	db *DB
}

func NewSagaStore(db *DB) *SagaStore {
	return &SagaStore{db: db}
}

func (s *SagaStore) Load(ctx context.Context, sagaType, id string) (*saga.Instance, error) {
	var body []byte
	err := s.db.pool.QueryRow(ctx,
		"SELECT body FROM sagas WHERE id = $1 AND saga_type = $2",
		id, sagaType,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", saga.ErrSagaNotFound, sagaType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load saga: %w", err)
	}

	var ins saga.Instance
	if err := json.Unmarshal(body, &ins); err != nil {
		return nil, fmt.Errorf("decode saga body: %w", err)
	}
	return &ins, nil
}

func (s *SagaStore) Save(ctx context.Context, ins *saga.Instance, expectedVersion uint64) error {
	ins.Version = expectedVersion + 1
	ins.UpdatedAt = time.Now()

	body, err := json.Marshal(ins)
	if err != nil {
		ins.Version = expectedVersion
		return fmt.Errorf("encode saga body: %w", err)
	}

	if expectedVersion == 0 {
		_, err := s.db.pool.Exec(ctx,
			"INSERT INTO sagas (id, saga_type, status, version, body, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
			ins.ID, ins.Type, string(ins.Status), ins.Version, body, ins.UpdatedAt.UTC(),
		)
		if err != nil {
			ins.Version = expectedVersion
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s/%s already exists", saga.ErrSagaConflict, ins.Type, ins.ID)
			}
			return fmt.Errorf("insert saga: %w", err)
		}
		return nil
	}

	tag, err := s.db.pool.Exec(ctx,
		"UPDATE sagas SET status = $1, version = $2, body = $3, updated_at = $4 WHERE id = $5 AND version = $6",
		string(ins.Status), ins.Version, body, ins.UpdatedAt.UTC(), ins.ID, expectedVersion,
	)
	if err != nil {
		ins.Version = expectedVersion
		return fmt.Errorf("update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		ins.Version = expectedVersion
		var actual uint64
		err := s.db.pool.QueryRow(ctx, "SELECT version FROM sagas WHERE id = $1", ins.ID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s not found, expected version %d", saga.ErrSagaConflict, ins.Type, ins.ID, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("read saga version: %w", err)
		}
		return fmt.Errorf("%w: %s/%s at version %d, expected %d", saga.ErrSagaConflict, ins.Type, ins.ID, actual, expectedVersion)
	}
	return nil
}

func (s *SagaStore) ListByStatus(ctx context.Context, sagaType string, status saga.Status) ([]*saga.Instance, error) {
	rows, err := s.db.pool.Query(ctx,
		"SELECT body FROM sagas WHERE saga_type = $1 AND status = $2",
		sagaType, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ins saga.Instance
		if err := json.Unmarshal(body, &ins); err != nil {
			return nil, fmt.Errorf("decode saga body: %w", err)
		}
		out = append(out, &ins)
	}
	return out, rows.Err()
}

var _ saga.Store = (*SagaStore)(nil)
