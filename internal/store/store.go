// Package store persists delegation runs, task executions, recurring
// delegation schedules and sealed server credentials in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshwork/plexus/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS delegations (
			id              TEXT PRIMARY KEY,
			success         BOOLEAN NOT NULL,
			completed_tasks INTEGER NOT NULL,
			failed_tasks    INTEGER NOT NULL,
			aggregated      TEXT,
			metrics         TEXT,
			error           TEXT,
			wall_clock_ms   INTEGER NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			task_id       TEXT NOT NULL,
			delegation_id TEXT NOT NULL REFERENCES delegations(id),
			agent_id      TEXT,
			status        TEXT NOT NULL,
			result        TEXT,
			error         TEXT,
			quality_score REAL,
			retries       INTEGER DEFAULT 0,
			started_at    DATETIME,
			ended_at      DATETIME,
			PRIMARY KEY (delegation_id, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_delegation ON executions(delegation_id)`,
		`CREATE TABLE IF NOT EXISTS delegation_schedules (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			request      TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON delegation_schedules(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS server_credentials (
			server_id  TEXT PRIMARY KEY,
			sealed     BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
