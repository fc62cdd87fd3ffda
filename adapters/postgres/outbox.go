package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codewandler/sourcing-go/core/outbox"
)

// Queue is a durable outbox on the outbox table. Both lanes share the
// serial sequence. Notify wakes only relays in the same process,
// cross-process relays rely on polling.
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

	tx, err := q.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO outbox (kind, payload, created_at) VALUES ($1, $2, $3)",
			string(kind), []byte(m.Payload), createdAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) Unprocessed(ctx context.Context, kind outbox.Kind, limit int) ([]outbox.Message, error) {
	query := "SELECT seq, payload, created_at FROM outbox WHERE kind = $1 AND NOT processed ORDER BY seq"
	args := []any{string(kind)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := q.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var m outbox.Message
		if err := rows.Scan(&m.Seq, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queue) MarkProcessed(ctx context.Context, kind outbox.Kind, seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := q.db.pool.Exec(ctx,
		"UPDATE outbox SET processed = TRUE WHERE kind = $1 AND seq = ANY($2)",
		string(kind), seqs,
	)
	if err != nil {
		return fmt.Errorf("mark outbox rows: %w", err)
	}
	return nil
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
	err := s.db.pool.QueryRow(ctx,
		"SELECT last_seq FROM checkpoints WHERE name = $1", name,
	).Scan(&lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", outbox.ErrCheckpointNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return lastSeq, nil
}

func (s *CheckpointStore) Set(ctx context.Context, name string, lastSeq uint64) error {
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO checkpoints (name, last_seq, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		name, lastSeq, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
