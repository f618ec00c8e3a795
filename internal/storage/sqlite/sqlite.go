// Package sqlite provides a SQLite-backed session store for single-node
// deployments and local pilots. It satisfies the same contract as the
// Postgres store in package storage.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/cohort/internal/storage"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	config     TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL DEFAULT 'running',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	batch_id   TEXT NOT NULL REFERENCES batches(id),
	fields     TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_participants_batch ON participants(batch_id, seq);
`

// ErrNotFound aliases the shared sentinel so callers can check either.
var ErrNotFound = storage.ErrNotFound

// DB is a SQLite session store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path with recommended pragmas and
// applies the schema. path may be ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// One connection: a single writer, and read-modify-write transactions
	// below rely on it.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schemaV1); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &DB{db: sqlDB, logger: logger}, nil
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
