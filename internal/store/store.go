// Package store holds the single-writer SQLite persistence layer
// (data/jobs.db) and the append-only provenance log (data/provenance.log).
// CREATE TABLE IF NOT EXISTS migrations run at Open time, rows are scanned
// by hand instead of through an ORM, and pure-Go modernc.org/sqlite keeps
// the binary CGO-free.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite handle backing jobs and providers, and the
// provenance/asset index tables that sit alongside them.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and runs
// migrations. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single-writer store (§5): sqlite serializes writers internally, but
	// capping the pool to one connection avoids SQLITE_BUSY under the
	// control plane's single-mutator scheduler writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			state TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT NOT NULL,
			sticky_key TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			payload JSON NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_target_state ON jobs(target, state)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSON NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assets (
			uid TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			payload JSON NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_path ON assets(path)`,
		`CREATE TABLE IF NOT EXISTS provenance (
			id TEXT PRIMARY KEY,
			asset_uid TEXT NOT NULL,
			created_at TEXT NOT NULL,
			payload JSON NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provenance_asset ON provenance(asset_uid)`,
		`CREATE TABLE IF NOT EXISTS advisory_acks (
			token TEXT PRIMARY KEY,
			user TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB exposes the raw handle for packages that need bespoke queries
// (kept narrow on purpose; prefer adding a typed method here instead).
func (s *Store) DB() *sql.DB {
	return s.db
}
