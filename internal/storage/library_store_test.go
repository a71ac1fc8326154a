package storage

// Test Plan for LibraryStore:
// - Create assigns ID, Pending status and timestamps; Get/GetByPath return it
// - Create rejects a second library with the same root path (ErrDuplicateRoot)
// - Get on unknown ID returns ErrNotFound
// - UpdateWatchConfig persists the JSON watch config
// - TransitionStatus applies only from the expected statuses (ErrConflict otherwise)
// - List returns libraries in creation order; ListByStatus filters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	lib, err := store.Libraries.Create(ctx, &Library{
		Name:       "demo",
		RootPath:   "/src/demo",
		Collection: "demo",
		Watch: WatchConfig{
			Enabled:     true,
			Include:     []string{"**/*.go"},
			Exclude:     []string{"vendor/**"},
			Debounce:    500 * time.Millisecond,
			MaxFileSize: 1024,
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, lib.ID)
	assert.Equal(t, LibraryPending, lib.Status)
	assert.Equal(t, now, lib.CreatedAt)

	got, err := store.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "/src/demo", got.RootPath)
	assert.Equal(t, LibraryPending, got.Status)
	assert.Equal(t, lib.Watch, got.Watch)
	assert.True(t, got.Stats.LastUpdated.IsZero() || got.Stats.LastUpdated.Year() == 1)

	byPath, err := store.Libraries.GetByPath(ctx, "/src/demo")
	require.NoError(t, err)
	assert.Equal(t, lib.ID, byPath.ID)
}

func TestLibraryStore_DuplicateRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)

	_, err := store.Libraries.Create(ctx, &Library{Name: "a", RootPath: "/src/x", Collection: "a"})
	require.NoError(t, err)

	_, err = store.Libraries.Create(ctx, &Library{Name: "b", RootPath: "/src/x", Collection: "b"})
	require.ErrorIs(t, err, ErrDuplicateRoot)

	libs, err := store.Libraries.List(ctx)
	require.NoError(t, err)
	assert.Len(t, libs, 1)
}

func TestLibraryStore_NotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)

	_, err := store.Libraries.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Libraries.UpdateWatchConfig(ctx, "missing", WatchConfig{})
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Libraries.TransitionStatus(ctx, "missing", []LibraryStatus{LibraryPending}, LibraryIndexing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLibraryStore_UpdateWatchConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/watch")

	cfg := WatchConfig{Enabled: false, Include: []string{"*.py"}, Debounce: 2 * time.Second}
	updated, err := store.Libraries.UpdateWatchConfig(ctx, lib.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, updated.Watch)
}

func TestLibraryStore_TransitionStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/trans")

	err := store.Libraries.TransitionStatus(ctx, lib.ID, []LibraryStatus{LibraryPending}, LibraryIndexing)
	require.NoError(t, err)

	// Already Indexing: a second transition into Indexing must fail
	err = store.Libraries.TransitionStatus(ctx, lib.ID, []LibraryStatus{LibraryPending, LibraryCompleted}, LibraryIndexing)
	require.ErrorIs(t, err, ErrConflict)

	got, err := store.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, LibraryIndexing, got.Status)

	indexing, err := store.Libraries.ListByStatus(ctx, LibraryIndexing)
	require.NoError(t, err)
	require.Len(t, indexing, 1)
	assert.Equal(t, lib.ID, indexing[0].ID)
}

func TestLibraryStore_ListOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, root := range []string{"/src/c", "/src/a", "/src/b"} {
		at := base.Add(time.Duration(i) * time.Minute)
		store.SetClock(func() time.Time { return at })
		_, err := store.Libraries.Create(ctx, &Library{Name: root, RootPath: root, Collection: root})
		require.NoError(t, err)
	}

	libs, err := store.Libraries.List(ctx)
	require.NoError(t, err)
	require.Len(t, libs, 3)
	assert.Equal(t, "/src/c", libs[0].RootPath)
	assert.Equal(t, "/src/a", libs[1].RootPath)
	assert.Equal(t, "/src/b", libs[2].RootPath)
}
