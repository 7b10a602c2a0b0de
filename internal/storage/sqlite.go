// Package storage opens the SQLite database backing the sqlite connector.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := RequireLocalFilesystem(path); err != nil {
		return nil, fmt.Errorf("sqlite needs a local disk for locking, set connector.sqlite.path to a local file: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer: claims and completions are serialized.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS request_queue (
  id            TEXT PRIMARY KEY,
  parent_id     TEXT,
  creator       TEXT NOT NULL,
  type          TEXT NOT NULL,
  data          JSON,
  status        TEXT NOT NULL,
  created_at    TEXT NOT NULL,
  claimed_at    TEXT,
  completed_at  TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS response_log (
  seq           INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id    TEXT NOT NULL REFERENCES request_queue(id) ON DELETE CASCADE,
  state         TEXT NOT NULL,
  is_final      INTEGER NOT NULL DEFAULT 0,
  data          JSON,
  created_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS request_queue_status_created_at_idx ON request_queue(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS response_log_request_id_idx ON response_log(request_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
