// Package db handles database operations for Foreman
package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Sentinel errors callers can match with errors.Is. Invalid transitions and
// lock contention are NOT errors; they are boolean results (see tasks.go).
var (
	ErrDuplicateID       = errors.New("task id already exists")
	ErrAlreadyDecomposed = errors.New("task already decomposed")
	ErrNotFound          = errors.New("not found")
)

// Store manages database operations
type Store struct {
	DB *sql.DB
}

// Open opens a SQLite database at the given path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Tasks are the unit of schedulable work
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority_score REAL DEFAULT 0,
		locked_by TEXT,
		lock_expires_at INTEGER,
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 3,
		parent_id TEXT,
		child_ids_json TEXT,
		fractal_depth INTEGER DEFAULT 0,
		phases_json TEXT,
		last_error TEXT,
		artifact_ref TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		FOREIGN KEY (parent_id) REFERENCES tasks(id)
	);

	-- Append-only audit trail of status transitions
	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail_json TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	-- Per-(worker, context) win/loss counters; rows are never deleted
	CREATE TABLE IF NOT EXISTS fitness_records (
		worker_id TEXT NOT NULL,
		role TEXT NOT NULL,
		technology TEXT NOT NULL DEFAULT 'generic',
		phase_type TEXT NOT NULL DEFAULT 'generic',
		wins INTEGER DEFAULT 0,
		losses INTEGER DEFAULT 0,
		runs INTEGER DEFAULT 0,
		avg_iterations REAL DEFAULT 0,
		weight_multiplier REAL DEFAULT 1.0,
		fitness_score REAL DEFAULT 0,
		retired INTEGER DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (worker_id, role, technology, phase_type)
	);

	-- Append-only selection audit log
	CREATE TABLE IF NOT EXISTS selections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL,
		role TEXT NOT NULL,
		technology TEXT NOT NULL,
		phase_type TEXT NOT NULL,
		mode TEXT NOT NULL,
		sampled_score REAL,
		created_at INTEGER NOT NULL
	);

	-- Incidents opened by the recovery watchdog
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'P2',
		failed_task_id TEXT NOT NULL,
		repair_task_id TEXT,
		phases_done_json TEXT,
		brief TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		FOREIGN KEY (failed_task_id) REFERENCES tasks(id)
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority_score DESC);
	CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id);
	CREATE INDEX IF NOT EXISTS idx_fitness_context ON fitness_records(role, technology, phase_type);
	CREATE INDEX IF NOT EXISTS idx_selections_task ON selections(task_id);
	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
	CREATE INDEX IF NOT EXISTS idx_incidents_failed ON incidents(failed_task_id);
	`

	_, err := s.DB.Exec(schema)
	return err
}
