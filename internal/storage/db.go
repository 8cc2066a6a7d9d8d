package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL so `runs` can read while a load test is writing
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationRuns,
		migrationRunStatuses,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationRuns = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	model TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	error TEXT,

	-- Configuration
	concurrency INTEGER NOT NULL,
	max_new_tokens INTEGER NOT NULL,
	pacing_ms INTEGER NOT NULL DEFAULT 0,
	seed INTEGER NOT NULL DEFAULT 0,
	prompt_count INTEGER NOT NULL DEFAULT 0,

	-- Outcome counts
	total INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	http_error INTEGER NOT NULL DEFAULT 0,
	timeout INTEGER NOT NULL DEFAULT 0,
	transport_error INTEGER NOT NULL DEFAULT 0,
	decode_error INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	warnings INTEGER NOT NULL DEFAULT 0,

	-- Latency of successful requests
	mean_ms REAL NOT NULL DEFAULT 0,
	p50_ms REAL NOT NULL DEFAULT 0,
	p95_ms REAL NOT NULL DEFAULT 0,
	p99_ms REAL NOT NULL DEFAULT 0,
	requests_per_second REAL NOT NULL DEFAULT 0,

	-- Drain
	abandoned_workers INTEGER NOT NULL DEFAULT 0,

	-- Timestamps
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
`

const migrationRunStatuses = `
CREATE TABLE IF NOT EXISTS run_http_statuses (
	run_id TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	count INTEGER NOT NULL,

	PRIMARY KEY (run_id, status_code),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`
