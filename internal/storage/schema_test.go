package storage

// Test Plan for SQLite Schema:
// - CreateSchema creates all 4 tables (libraries, change_events, indexing_tasks, unit_records)
// - CreateSchema is idempotent (running it twice succeeds)
// - Partial unique index allows only one pending event per (library, path)
// - Partial unique index allows only one active exclusive task per library
// - Foreign key CASCADE deletes events, tasks and unit records with their library
// - Stored timestamps round-trip through formatTime/parseTime

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSchema(t *testing.T) {
	t.Parallel()
	db := NewTestDB(t)

	for _, table := range []string{"libraries", "change_events", "indexing_tasks", "unit_records"} {
		assert.True(t, tableExists(t, db, table), "Table %s should exist", table)
	}

	// Running again is harmless
	require.NoError(t, CreateSchema(db))
}

func TestCreateSchema_OnePendingEventPerPath(t *testing.T) {
	t.Parallel()
	db := NewTestDB(t)
	insertRawLibrary(t, db, "lib1", "/src/one")

	insert := func(id, status string) error {
		_, err := db.Exec(`INSERT INTO change_events (id, library_id, file_path, kind, status, created_at, updated_at)
			VALUES (?, 'lib1', 'a.go', 'modified', ?, '2025-01-01T00:00:00.000000000Z', '2025-01-01T00:00:00.000000000Z')`, id, status)
		return err
	}

	require.NoError(t, insert("e1", "pending"))
	require.NoError(t, insert("e2", "completed"))
	require.NoError(t, insert("e3", "processing"))

	err := insert("e4", "pending")
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestCreateSchema_OneActiveTaskPerLibrary(t *testing.T) {
	t.Parallel()
	db := NewTestDB(t)
	insertRawLibrary(t, db, "lib1", "/src/one")

	insert := func(id, kind, status string) error {
		_, err := db.Exec(`INSERT INTO indexing_tasks (id, library_id, kind, status, created_at)
			VALUES (?, 'lib1', ?, ?, '2025-01-01T00:00:00.000000000Z')`, id, kind, status)
		return err
	}

	require.NoError(t, insert("t1", "indexing", "running"))
	require.NoError(t, insert("t2", "rebuild", "completed"))
	// Non-exclusive kinds may run beside an indexing run
	require.NoError(t, insert("t3", "maintenance", "running"))

	err := insert("t4", "file_update", "pending")
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestCreateSchema_CascadeDelete(t *testing.T) {
	t.Parallel()
	db := NewTestDB(t)
	insertRawLibrary(t, db, "lib1", "/src/one")

	_, err := db.Exec(`INSERT INTO change_events (id, library_id, file_path, kind, status, created_at, updated_at)
		VALUES ('e1', 'lib1', 'a.go', 'created', 'pending', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO indexing_tasks (id, library_id, kind, status, created_at)
		VALUES ('t1', 'lib1', 'indexing', 'completed', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO unit_records (library_id, file_path, unit_id, position, content_hash, start_line, end_line, updated_at)
		VALUES ('lib1', 'a.go', 'u1', 0, 'h', 1, 2, 'x')`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM libraries WHERE id = 'lib1'`)
	require.NoError(t, err)

	for _, table := range []string{"change_events", "indexing_tasks", "unit_records"} {
		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, "%s should be empty after cascade", table)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 4, 5, 6, 7, 123456789, time.FixedZone("X", 3600))
	got := parseTime(formatTime(ts))
	assert.True(t, ts.Equal(got))
	assert.Equal(t, time.UTC, got.Location())

	// Fixed width keeps text ordering equal to time ordering
	early := formatTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	late := formatTime(time.Date(2025, 1, 1, 0, 0, 0, 500, time.UTC))
	assert.Less(t, early, late)

	assert.Nil(t, parseTimePtr(sql.NullString{}))
	assert.Nil(t, formatTimePtr(nil))
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	require.NoError(t, err)
	return count > 0
}

func insertRawLibrary(t *testing.T, db *sql.DB, id, root string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO libraries (id, name, root_path, collection, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 'x', 'x')`, id, id, root, "col_"+id)
	require.NoError(t, err)
}
