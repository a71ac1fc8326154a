package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store groups the durable structures that share one SQLite database.
// Each sub-store performs read-modify-write on a single record inside its own
// transaction; there is no store-wide lock.
type Store struct {
	db        *sql.DB
	Libraries *LibraryStore
	Events    *EventQueue
	Tasks     *TaskStore
	Units     *UnitStore
}

// New creates a Store over an open database whose schema already exists.
func New(db *sql.DB) *Store {
	return &Store{
		db:        db,
		Libraries: NewLibraryStore(db),
		Events:    NewEventQueue(db),
		Tasks:     NewTaskStore(db),
		Units:     NewUnitStore(db),
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the time source of every sub-store. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.Libraries.now = now
	s.Events.now = now
	s.Tasks.now = now
	s.Units.now = now
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
