package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

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
	err := s.db.sql.QueryRowContext(ctx,
		"SELECT body FROM sagas WHERE id = ? AND saga_type = ?",
		id, sagaType,
	).Scan(&body)
	if err == sql.ErrNoRows {
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
		_, err := s.db.sql.ExecContext(ctx,
			"INSERT INTO sagas (id, saga_type, status, version, body, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			ins.ID, ins.Type, string(ins.Status), ins.Version, body,
			ins.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			ins.Version = expectedVersion
			if isConstraintError(err) {
				return fmt.Errorf("%w: %s/%s already exists", saga.ErrSagaConflict, ins.Type, ins.ID)
			}
			return fmt.Errorf("insert saga: %w", err)
		}
		return nil
	}

	res, err := s.db.sql.ExecContext(ctx,
		"UPDATE sagas SET status = ?, version = ?, body = ?, updated_at = ? WHERE id = ? AND version = ?",
		string(ins.Status), ins.Version, body,
		ins.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ins.ID, expectedVersion,
	)
	if err != nil {
		ins.Version = expectedVersion
		return fmt.Errorf("update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		ins.Version = expectedVersion
		var actual uint64
		err := s.db.sql.QueryRowContext(ctx, "SELECT version FROM sagas WHERE id = ?", ins.ID).Scan(&actual)
		if err == sql.ErrNoRows {
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
	rows, err := s.db.sql.QueryContext(ctx,
		"SELECT body FROM sagas WHERE saga_type = ? AND status = ?",
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
