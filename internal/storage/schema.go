package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Open opens (creating if needed) the SQLite database at path and ensures the schema exists.
//
// The pool is limited to a single connection: SQLite serializes writers anyway, and a
// single connection removes SQLITE_BUSY upgrades between concurrent transactions.
// Transactions use BEGIN IMMEDIATE so read-modify-write sequences hold the write lock.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := CreateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// CreateSchema creates all tables and indexes. It is idempotent.
//
// Two partial unique indexes carry the core invariants:
//   - idx_events_one_pending: at most one pending event per (library, path)
//   - idx_tasks_one_active: at most one pending/running indexing run per library
func CreateSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	statements := []struct {
		name string
		ddl  string
	}{
		{"libraries", createLibrariesTable},
		{"change_events", createChangeEventsTable},
		{"indexing_tasks", createIndexingTasksTable},
		{"unit_records", createUnitRecordsTable},
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", stmt.name, err)
		}
	}

	for i, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}
	return nil
}

const createLibrariesTable = `
CREATE TABLE IF NOT EXISTS libraries (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	root_path        TEXT NOT NULL,
	collection       TEXT NOT NULL,
	status           TEXT NOT NULL,
	watch_config     TEXT NOT NULL DEFAULT '{}',
	total_files      INTEGER NOT NULL DEFAULT 0,
	total_units      INTEGER NOT NULL DEFAULT 0,
	last_duration_ms INTEGER NOT NULL DEFAULT 0,
	last_updated     TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
)`

const createChangeEventsTable = `
CREATE TABLE IF NOT EXISTS change_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	library_id    TEXT NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
	file_path     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_retry_at TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	processed_at  TEXT
)`

const createIndexingTasksTable = `
CREATE TABLE IF NOT EXISTS indexing_tasks (
	id              TEXT PRIMARY KEY,
	library_id      TEXT NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	progress        REAL NOT NULL DEFAULT 0,
	current_file    TEXT NOT NULL DEFAULT '',
	priority        INTEGER NOT NULL DEFAULT 0,
	config_snapshot TEXT NOT NULL DEFAULT '{}',
	result          TEXT NOT NULL DEFAULT '{}',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT
)`

const createUnitRecordsTable = `
CREATE TABLE IF NOT EXISTS unit_records (
	library_id   TEXT NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
	file_path    TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	position     INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	start_line   INTEGER NOT NULL,
	end_line     INTEGER NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (library_id, unit_id)
)`

var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_libraries_root ON libraries(root_path)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_one_pending
		ON change_events(library_id, file_path) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_events_library_status ON change_events(library_id, status, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status ON change_events(status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active
		ON indexing_tasks(library_id)
		WHERE status IN ('pending', 'running') AND kind IN ('indexing', 'rebuild', 'file_update')`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_library ON indexing_tasks(library_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON indexing_tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_units_file ON unit_records(library_id, file_path)`,
}
