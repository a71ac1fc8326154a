package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestDB creates a fully configured SQLite database in t.TempDir() for testing.
//
// The database is opened through Open, so it has the same pragmas (foreign keys,
// WAL, immediate transactions, single connection) and schema as production.
// Cleanup is registered with t.Cleanup().
//
// Example:
//
//	func TestSomething(t *testing.T) {
//	    db := storage.NewTestDB(t)
//	    store := storage.New(db)
//	    // ... test code ...
//	}
func NewTestDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

// NewTestStore creates a Store over NewTestDB.
func NewTestStore(t testing.TB) *Store {
	t.Helper()
	return New(NewTestDB(t))
}

// NewTestLibrary registers a library rooted at root with default watch settings.
func NewTestLibrary(t testing.TB, store *Store, root string) *Library {
	t.Helper()

	lib, err := store.Libraries.Create(context.Background(), &Library{
		Name:       filepath.Base(root),
		RootPath:   root,
		Collection: "lib_" + filepath.Base(root),
		Watch: WatchConfig{
			Enabled: true,
			Include: []string{"**/*"},
		},
	})
	require.NoError(t, err)
	return lib
}
