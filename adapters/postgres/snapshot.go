package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

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
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO snapshots (aggregate_type, aggregate_id, snapshot_id, version, seq, schema_version, encoding, created_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
		   snapshot_id = excluded.snapshot_id,
		   version = excluded.version,
		   seq = excluded.seq,
		   schema_version = excluded.schema_version,
		   encoding = excluded.encoding,
		   created_at = excluded.created_at,
		   data = excluded.data`,
		snapshot.AggregateType, snapshot.AggregateID, snapshot.SnapshotID,
		uint64(snapshot.Version), snapshot.Seq, snapshot.SchemaVersion,
		snapshot.Encoding, snapshot.CreatedAt.UTC(), snapshot.Data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(ctx context.Context, aggType, aggID string) (*es.Snapshot, error) {
	var (
		snap    es.Snapshot
		version uint64
	)
	err := s.db.pool.QueryRow(ctx,
		"SELECT aggregate_type, aggregate_id, snapshot_id, version, seq, schema_version, encoding, created_at, data FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2",
		aggType, aggID,
	).Scan(
		&snap.AggregateType, &snap.AggregateID, &snap.SnapshotID, &version,
		&snap.Seq, &snap.SchemaVersion, &snap.Encoding, &snap.CreatedAt, &snap.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Version = es.Version(version)
	return &snap, nil
}

var _ es.Snapshotter = (*Snapshotter)(nil)
