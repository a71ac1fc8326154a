package vectorstore

// Test Plan for ChromemStore:
// - EnsureCollection creates once and is idempotent; a different dims is ErrDimensionMismatch
// - A collection accepts only the embedding provider it was created for
// - Upsert by the same ID replaces rather than duplicates
// - Upsert rejects vectors of the wrong dimensionality
// - Delete removes only the given IDs and ignores unknown ones
// - Search ranks by similarity, honors limit and threshold, and tolerates limit > count
// - Operations on unknown collections return ErrCollectionNotFound
// - A persistent store keeps points, dimensionality and provider across reopen
// - DeleteCollection drops points and the recorded dimensionality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore("", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChromemStore_EnsureCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStore(t)

	info, err := s.EnsureCollection(ctx, "lib", "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, CollectionInfo{Name: "lib", Backend: BackendChromem, Provider: "p1", Dimensions: 3, Status: CollectionReady}, info)

	_, err = s.EnsureCollection(ctx, "lib", "p1", 3)
	require.NoError(t, err)

	_, err = s.EnsureCollection(ctx, "lib", "p1", 4)
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.EnsureCollection(ctx, "bad", "p1", 0)
	require.Error(t, err)
}

func TestChromemStore_EnsureCollectionProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStore(t)

	_, err := s.EnsureCollection(ctx, "lib", "primary", 3)
	require.NoError(t, err)

	// Same dims, different provider
	_, err = s.EnsureCollection(ctx, "lib", "fallback", 3)
	require.ErrorIs(t, err, ErrProviderMismatch)

	info, err := s.CollectionInfo(ctx, "lib")
	require.NoError(t, err)
	assert.Equal(t, "primary", info.Provider)

	// A collection recorded without a provider is adopted by the first caller
	_, err = s.EnsureCollection(ctx, "legacy", "", 3)
	require.NoError(t, err)
	info, err = s.EnsureCollection(ctx, "legacy", "fallback", 3)
	require.NoError(t, err)
	assert.Equal(t, "fallback", info.Provider)
	_, err = s.EnsureCollection(ctx, "legacy", "primary", 3)
	require.ErrorIs(t, err, ErrProviderMismatch)
}

func TestChromemStore_UpsertReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStore(t)
	_, err := s.EnsureCollection(ctx, "lib", "p1", 3)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "lib", []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Metadata: map[string]string{"path": "a.go"}},
		{ID: "b", Vector: []float32{0, 1, 0}},
	}))
	require.NoError(t, s.Upsert(ctx, "lib", []Point{
		{ID: "a", Vector: []float32{0, 0, 1}, Metadata: map[string]string{"path": "a2.go"}},
	}))

	info, err := s.CollectionInfo(ctx, "lib")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)

	results, err := s.Search(ctx, "lib", []float32{0, 0, 1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "a2.go", results[0].Metadata["path"])

	err = s.Upsert(ctx, "lib", []Point{{ID: "c", Vector: []float32{1, 0}}})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStore(t)
	_, err := s.EnsureCollection(ctx, "lib", "p1", 2)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "lib", []Point{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 1}},
	}))

	require.NoError(t, s.Delete(ctx, "lib", []string{"a", "missing"}))
	require.NoError(t, s.Delete(ctx, "lib", nil))

	info, err := s.CollectionInfo(ctx, "lib")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)
}

func TestChromemStore_Search(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStore(t)
	_, err := s.EnsureCollection(ctx, "lib", "p1", 2)
	require.NoError(t, err)

	results, err := s.Search(ctx, "lib", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, s.Upsert(ctx, "lib", []Point{
		{ID: "east", Vector: []float32{1, 0}},
		{ID: "northeast", Vector: []float32{1, 1}},
		{ID: "west", Vector: []float32{-1, 0}},
	}))

	results, err = s.Search(ctx, "lib", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "east", results[0].ID)
	assert.Equal(t, "northeast", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	results, err = s.Search(ctx, "lib", []float32{1, 0}, 1, -1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = s.Search(ctx, "lib", []float32{1, 0}, 10, 0.9)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = s.Search(ctx, "lib", []float32{1, 0, 0}, 10, 0)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemStore_UnknownCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStore(t)

	_, err := s.CollectionInfo(ctx, "nope")
	require.ErrorIs(t, err, ErrCollectionNotFound)
	err = s.Upsert(ctx, "nope", []Point{{ID: "a", Vector: []float32{1}}})
	require.ErrorIs(t, err, ErrCollectionNotFound)
	_, err = s.Search(ctx, "nope", []float32{1}, 1, 0)
	require.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemStore_Persistent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewChromemStore(dir, true)
	require.NoError(t, err)
	_, err = s.EnsureCollection(ctx, "lib", "p1", 2)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "lib", []Point{{ID: "a", Vector: []float32{1, 0}}}))
	require.NoError(t, s.Close())

	reopened, err := NewChromemStore(dir, true)
	require.NoError(t, err)
	info, err := reopened.CollectionInfo(ctx, "lib")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Dimensions)
	assert.Equal(t, "p1", info.Provider)
	assert.Equal(t, 1, info.Count)

	_, err = reopened.EnsureCollection(ctx, "lib", "p2", 2)
	require.ErrorIs(t, err, ErrProviderMismatch)

	_, err = reopened.EnsureCollection(ctx, "lib", "p1", 3)
	require.ErrorIs(t, err, ErrDimensionMismatch)

	require.NoError(t, reopened.DeleteCollection(ctx, "lib"))
	_, err = reopened.CollectionInfo(ctx, "lib")
	require.ErrorIs(t, err, ErrCollectionNotFound)

	// Recreating with new dims is allowed once the old collection is gone
	_, err = reopened.EnsureCollection(ctx, "lib", "p1", 3)
	require.NoError(t, err)
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Backend: "qdrant"})
	require.Error(t, err)

	c, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.Equal(t, BackendChromem, c.Backend())

	_, err = New(context.Background(), Config{Backend: BackendPgvector})
	require.Error(t, err)
}
