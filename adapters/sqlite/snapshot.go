package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codewandler/sourcing-go/core/es"
)

// Snapshotter keeps one snapshot per aggregate, newest wins.
type Snapshotter struct {
	db *DB
}

func NewSnapshotter(db *DB) *Snapshotter {
	return &Snapshotter{db: db}
}

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_type, aggregate_id, snapshot_id, version, seq, schema_version, encoding, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(aggregate_type, aggregate_id) DO UPDATE SET
		   snapshot_id = excluded.snapshot_id,
		   version = excluded.version,
		   seq = excluded.seq,
		   schema_version = excluded.schema_version,
		   encoding = excluded.encoding,
		   created_at = excluded.created_at,
		   data = excluded.data`,
		snapshot.AggregateType, snapshot.AggregateID, snapshot.SnapshotID,
		uint64(snapshot.Version), snapshot.Seq, snapshot.SchemaVersion,
		snapshot.Encoding, snapshot.CreatedAt.UTC().Format(time.RFC3339Nano), snapshot.Data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	var (
		snap      es.Snapshot
		createdAt string
	)
	err := s.db.sql.QueryRowContext(ctx,
		"SELECT aggregate_type, aggregate_id, snapshot_id, version, seq, schema_version, encoding, created_at, data FROM snapshots WHERE aggregate_type = ? AND aggregate_id = ?",
		aggType, aggID,
	).Scan(
		&snap.AggregateType, &snap.AggregateID, &snap.SnapshotID, &snap.Version,
		&snap.Seq, &snap.SchemaVersion, &snap.Encoding, &createdAt, &snap.Data,
	)
	if err == sql.ErrNoRows {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &snap, nil
}

var _ es.Snapshotter = (*Snapshotter)(nil)
