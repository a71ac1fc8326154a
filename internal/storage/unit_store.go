package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var unitColumns = []string{
	"library_id", "file_path", "unit_id", "position", "content_hash",
	"start_line", "end_line", "provider", "updated_at",
}

// UnitStore records which content units of each file are currently in the
// vector store, with their content hashes.
type UnitStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewUnitStore creates a UnitStore.
func NewUnitStore(db *sql.DB) *UnitStore {
	return &UnitStore{db: db, now: time.Now}
}

// ReplaceFile replaces every record of a file with units in one transaction.
// An empty units slice removes the file.
func (s *UnitStore) ReplaceFile(ctx context.Context, libraryID, filePath string, units []UnitRecord) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := sq.Delete("unit_records").
			Where(sq.Eq{"library_id": libraryID, "file_path": filePath}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to clear unit records: %w", err)
		}
		if len(units) == 0 {
			return nil
		}

		now := formatTime(s.now())
		b := sq.Insert("unit_records").Columns(unitColumns...).Options("OR REPLACE")
		for _, u := range units {
			b = b.Values(libraryID, filePath, u.UnitID, u.Position, u.ContentHash,
				u.StartLine, u.EndLine, u.Provider, now)
		}
		if _, err := b.RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to insert unit records: %w", err)
		}
		return nil
	})
}

// ForFile returns a file's unit records ordered by position.
func (s *UnitStore) ForFile(ctx context.Context, libraryID, filePath string) ([]UnitRecord, error) {
	rows, err := sq.Select(unitColumns...).
		From("unit_records").
		Where(sq.Eq{"library_id": libraryID, "file_path": filePath}).
		OrderBy("position").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit records: %w", err)
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		var (
			u         UnitRecord
			updatedAt string
		)
		if err := rows.Scan(&u.LibraryID, &u.FilePath, &u.UnitID, &u.Position, &u.ContentHash,
			&u.StartLine, &u.EndLine, &u.Provider, &updatedAt); err != nil {
			return nil, err
		}
		u.UpdatedAt = parseTime(updatedAt)
		units = append(units, u)
	}
	return units, rows.Err()
}

// DeleteFile removes a file's records and returns the unit ids that were recorded.
func (s *UnitStore) DeleteFile(ctx context.Context, libraryID, filePath string) ([]string, error) {
	var ids []string
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := sq.Select("unit_id").
			From("unit_records").
			Where(sq.Eq{"library_id": libraryID, "file_path": filePath}).
			OrderBy("position").
			RunWith(tx).
			QueryContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to query unit ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		_, err = sq.Delete("unit_records").
			Where(sq.Eq{"library_id": libraryID, "file_path": filePath}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete unit records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountForLibrary returns the number of files and units recorded for a library.
func (s *UnitStore) CountForLibrary(ctx context.Context, libraryID string) (files, units int, err error) {
	err = sq.Select("COUNT(DISTINCT file_path)", "COUNT(*)").
		From("unit_records").
		Where(sq.Eq{"library_id": libraryID}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&files, &units)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count unit records: %w", err)
	}
	return files, units, nil
}

// FilesForLibrary returns every file path with recorded units, sorted.
func (s *UnitStore) FilesForLibrary(ctx context.Context, libraryID string) ([]string, error) {
	rows, err := sq.Select("DISTINCT file_path").
		From("unit_records").
		Where(sq.Eq{"library_id": libraryID}).
		OrderBy("file_path").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexed files: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteLibrary removes every record of a library.
func (s *UnitStore) DeleteLibrary(ctx context.Context, libraryID string) error {
	_, err := sq.Delete("unit_records").
		Where(sq.Eq{"library_id": libraryID}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete unit records: %w", err)
	}
	return nil
}
