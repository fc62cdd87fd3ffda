package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS events (
		seq            BIGINT PRIMARY KEY,
		id             TEXT NOT NULL UNIQUE,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		version        BIGINT NOT NULL,
		type           TEXT NOT NULL,
		schema_version INTEGER NOT NULL DEFAULT 1,
		occurred_at    TIMESTAMPTZ NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id   TEXT NOT NULL DEFAULT '',
		data           JSONB,
		UNIQUE (aggregate_type, aggregate_id, version)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		snapshot_id    TEXT NOT NULL,
		version        BIGINT NOT NULL,
		seq            BIGINT NOT NULL,
		schema_version INTEGER NOT NULL,
		encoding       TEXT NOT NULL DEFAULT 'json',
		created_at     TIMESTAMPTZ NOT NULL,
		data           BYTEA,
		PRIMARY KEY (aggregate_type, aggregate_id)
	);

	CREATE TABLE IF NOT EXISTS sagas (
		id         TEXT PRIMARY KEY,
		saga_type  TEXT NOT NULL,
		status     TEXT NOT NULL,
		version    BIGINT NOT NULL,
		body       JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sagas_type_status ON sagas (saga_type, status);

	CREATE TABLE IF NOT EXISTS outbox (
		seq        BIGSERIAL PRIMARY KEY,
		kind       TEXT NOT NULL,
		payload    BYTEA NOT NULL,
		processed  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox (kind, seq) WHERE NOT processed;

	CREATE TABLE IF NOT EXISTS checkpoints (
		name       TEXT PRIMARY KEY,
		last_seq   BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`,
}

func (d *DB) migrate(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// one migrator at a time
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext('sourcing_migrations'))"); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())",
	); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", i+1,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if current < len(migrations) {
		d.log.Debug("migrations applied",
			slog.Int("from", current),
			slog.Int("to", len(migrations)),
		)
	}
	return nil
}
