// Package sqlite persists the event store, snapshots, saga instances,
// outbox rows and relay checkpoints on a single SQLite database using the
// cgo-free modernc driver. One DB handle is shared by all components:
//
//	db, err := sqlite.Open("events.db")
//	store := sqlite.NewEventStore(db)
//	queue := sqlite.NewQueue(db)
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type DB struct {
	sql *sql.DB
	log *slog.Logger
}

type Config struct {
	// Path of the database file. Required.
	Path string
	Log  *slog.Logger
}

// Open opens the database at path with WAL and busy-timeout defaults and
// applies pending migrations.
func Open(path string) (*DB, error) {
	return OpenConfig(Config{Path: path})
}

func OpenConfig(config Config) (*DB, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}

	dsn := filepath.Clean(config.Path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	db := &DB{
		sql: sqlDB,
		log: config.Log.With(slog.String("component", "sqlite")),
	}

	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// SQL exposes the underlying handle, e.g. for custom queries in tests.
func (d *DB) SQL() *sql.DB { return d.sql }

// Close is nil-safe so callers can defer it in all startup paths.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
