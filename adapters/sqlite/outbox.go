package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codewandler/sourcing-go/core/outbox"
)

// Queue is a durable outbox on the outbox table. Seqs come from the rowid,
// so both lanes share one monotonic sequence. Notify wakes only relays in
// the same process, cross-process relays rely on polling.
type Queue struct {
	db     *DB
	notify chan struct{}
}

var _ outbox.Queue = (*Queue)(nil)

func NewQueue(db *DB) *Queue {
	return &Queue{
		db:     db,
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(ctx context.Context, kind outbox.Kind, msgs []outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := q.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO outbox (kind, payload, processed, created_at) VALUES (?, ?, 0, ?)",
			string(kind), []byte(m.Payload), createdAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) Unprocessed(ctx context.Context, kind outbox.Kind, limit int) ([]outbox.Message, error) {
	query := "SELECT seq, payload, created_at FROM outbox WHERE kind = ? AND processed = 0 ORDER BY seq"
	args := []any{string(kind)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var (
			m         outbox.Message
			createdAt string
		)
		if err := rows.Scan(&m.Seq, &m.Payload, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queue) MarkProcessed(ctx context.Context, kind outbox.Kind, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}

	tx, err := q.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE outbox SET processed = 1 WHERE kind = ? AND seq = ?",
			string(kind), seq,
		); err != nil {
			return fmt.Errorf("mark outbox row: %w", err)
		}
	}
	return tx.Commit()
}

func (q *Queue) Notify() <-chan struct{} { return q.notify }

// CheckpointStore keeps relay checkpoints in the checkpoints table.
type CheckpointStore struct {
	db *DB
}

var _ outbox.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Get(ctx context.Context, name string) (uint64, error) {
	var lastSeq uint64
	err := s.db.sql.QueryRowContext(ctx,
		"SELECT last_seq FROM checkpoints WHERE name = ?", name,
	).Scan(&lastSeq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", outbox.ErrCheckpointNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return lastSeq, nil
}

func (s *CheckpointStore) Set(ctx context.Context, name string, lastSeq uint64) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO checkpoints (name, last_seq, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		name, lastSeq, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
