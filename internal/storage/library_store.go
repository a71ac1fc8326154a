package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var libraryColumns = []string{
	"id", "name", "root_path", "collection", "status", "watch_config",
	"total_files", "total_units", "last_duration_ms", "last_updated",
	"created_at", "updated_at",
}

// LibraryStore persists Library records.
type LibraryStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibraryStore creates a LibraryStore.
func NewLibraryStore(db *sql.DB) *LibraryStore {
	return &LibraryStore{db: db, now: time.Now}
}

// Create inserts a new library in Pending status. ID, timestamps and status are assigned here.
// Returns ErrDuplicateRoot if another library already owns lib.RootPath.
func (s *LibraryStore) Create(ctx context.Context, lib *Library) (*Library, error) {
	created := *lib
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	now := s.now().UTC()
	created.Status = LibraryPending
	created.CreatedAt = now
	created.UpdatedAt = now

	watch, err := json.Marshal(created.Watch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal watch config: %w", err)
	}

	_, err = sq.Insert("libraries").
		Columns("id", "name", "root_path", "collection", "status", "watch_config", "created_at", "updated_at").
		Values(created.ID, created.Name, created.RootPath, created.Collection, string(created.Status),
			string(watch), formatTime(now), formatTime(now)).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoot, created.RootPath)
		}
		return nil, fmt.Errorf("failed to insert library: %w", err)
	}

	return &created, nil
}

// Get retrieves a library by ID.
func (s *LibraryStore) Get(ctx context.Context, id string) (*Library, error) {
	return getLibrary(ctx, s.db, sq.Eq{"id": id})
}

// GetByPath retrieves a library by its canonical root path.
func (s *LibraryStore) GetByPath(ctx context.Context, rootPath string) (*Library, error) {
	return getLibrary(ctx, s.db, sq.Eq{"root_path": rootPath})
}

// List returns all libraries ordered by creation time.
func (s *LibraryStore) List(ctx context.Context) ([]*Library, error) {
	return listLibraries(ctx, s.db, nil)
}

// ListByStatus returns libraries in any of the given statuses.
func (s *LibraryStore) ListByStatus(ctx context.Context, statuses ...LibraryStatus) ([]*Library, error) {
	return listLibraries(ctx, s.db, sq.Eq{"status": libraryStatusStrings(statuses)})
}

// UpdateWatchConfig replaces the watch configuration of a library.
func (s *LibraryStore) UpdateWatchConfig(ctx context.Context, id string, cfg WatchConfig) (*Library, error) {
	watch, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal watch config: %w", err)
	}

	res, err := sq.Update("libraries").
		Set("watch_config", string(watch)).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to update watch config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("library %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// TransitionStatus moves a library to status `to` only if its current status is one of `from`.
// Returns ErrConflict if the current status does not match, ErrNotFound if the library is missing.
func (s *LibraryStore) TransitionStatus(ctx context.Context, id string, from []LibraryStatus, to LibraryStatus) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return transitionLibrary(ctx, tx, id, from, to, s.now())
	})
}

// Delete removes a library and, by cascade, its events, tasks and unit records.
func (s *LibraryStore) Delete(ctx context.Context, id string) error {
	res, err := sq.Delete("libraries").
		Where(sq.Eq{"id": id}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete library: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("library %s: %w", id, ErrNotFound)
	}
	return nil
}

func transitionLibrary(ctx context.Context, runner sq.BaseRunner, id string, from []LibraryStatus, to LibraryStatus, now time.Time) error {
	res, err := sq.Update("libraries").
		Set("status", string(to)).
		Set("updated_at", formatTime(now)).
		Where(sq.Eq{"id": id, "status": libraryStatusStrings(from)}).
		RunWith(runner).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update library status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	lib, err := getLibrary(ctx, runner, sq.Eq{"id": id})
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: library %s is %s, cannot move to %s", ErrConflict, id, lib.Status, to)
}

func updateLibraryStats(ctx context.Context, runner sq.BaseRunner, id string, stats LibraryStats, now time.Time) error {
	_, err := sq.Update("libraries").
		Set("total_files", stats.TotalFiles).
		Set("total_units", stats.TotalUnits).
		Set("last_duration_ms", stats.LastDuration.Milliseconds()).
		Set("last_updated", formatTime(stats.LastUpdated)).
		Set("updated_at", formatTime(now)).
		Where(sq.Eq{"id": id}).
		RunWith(runner).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update library stats: %w", err)
	}
	return nil
}

func getLibrary(ctx context.Context, runner sq.BaseRunner, where sq.Eq) (*Library, error) {
	row := sq.Select(libraryColumns...).
		From("libraries").
		Where(where).
		RunWith(runner).
		QueryRowContext(ctx)

	lib, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library %v: %w", where, ErrNotFound)
	}
	return lib, err
}

func listLibraries(ctx context.Context, runner sq.BaseRunner, where sq.Sqlizer) ([]*Library, error) {
	q := sq.Select(libraryColumns...).From("libraries").OrderBy("created_at", "id")
	if where != nil {
		q = q.Where(where)
	}

	rows, err := q.RunWith(runner).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query libraries: %w", err)
	}
	defer rows.Close()

	var libs []*Library
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

func scanLibrary(row rowScanner) (*Library, error) {
	var (
		lib         Library
		status      string
		watch       string
		durationMs  int64
		lastUpdated sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&lib.ID, &lib.Name, &lib.RootPath, &lib.Collection, &status, &watch,
		&lib.Stats.TotalFiles, &lib.Stats.TotalUnits, &durationMs, &lastUpdated,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	lib.Status = LibraryStatus(status)
	if err := json.Unmarshal([]byte(watch), &lib.Watch); err != nil {
		return nil, fmt.Errorf("failed to decode watch config for library %s: %w", lib.ID, err)
	}
	lib.Stats.LastDuration = time.Duration(durationMs) * time.Millisecond
	if t := parseTimePtr(lastUpdated); t != nil {
		lib.Stats.LastUpdated = *t
	}
	lib.CreatedAt = parseTime(createdAt)
	lib.UpdatedAt = parseTime(updatedAt)
	return &lib, nil
}

func libraryStatusStrings(statuses []LibraryStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
