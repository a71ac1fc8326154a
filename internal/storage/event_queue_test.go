package storage

// Test Plan for EventQueue:
// - Enqueue coalesces into the existing pending event (same ID, seq, created_at) with the net kind
// - Enqueue for a path whose event is Processing creates a new pending event
// - Enqueue for an unknown library returns ErrNotFound; invalid kinds are rejected
// - LoadPending returns events in enqueue order and honors the limit
// - MarkProcessing only claims pending events (ErrConflict otherwise)
// - MarkFailed re-queues below the ceiling and expires at the ceiling; expired events are never re-queued
// - MarkFailed leaves the event Failed when a newer pending event exists for the path
// - ResetToPending returns Processing events to Pending, or merges them into a newer pending event
// - ResetToPending is a no-op for events that are not Processing (idempotent recovery)
// - PurgeOlderThan removes old finished events only; the library-scoped variant leaves other libraries alone
// - PendingLibraries and CountByStatus report queue state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeChangeKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prev, next, want ChangeKind
	}{
		{"", ChangeModified, ChangeModified},
		{ChangeCreated, ChangeModified, ChangeCreated},
		{ChangeModified, ChangeModified, ChangeModified},
		{ChangeCreated, ChangeDeleted, ChangeDeleted},
		{ChangeModified, ChangeDeleted, ChangeDeleted},
		{ChangeDeleted, ChangeCreated, ChangeModified},
		{ChangeRenamed, ChangeCreated, ChangeModified},
		{ChangeModified, ChangeRenamed, ChangeRenamed},
		{ChangeCreated, ChangeCreated, ChangeCreated},
		{ChangeModified, ChangeCreated, ChangeModified},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MergeChangeKind(tt.prev, tt.next), "%s + %s", tt.prev, tt.next)
	}
}

func TestEventQueue_EnqueueCoalesces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q1")

	first, err := store.Events.Enqueue(ctx, lib.ID, "main.go", ChangeCreated)
	require.NoError(t, err)

	second, err := store.Events.Enqueue(ctx, lib.ID, "main.go", ChangeModified)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, ChangeCreated, second.Kind)

	third, err := store.Events.Enqueue(ctx, lib.ID, "main.go", ChangeDeleted)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, ChangeDeleted, third.Kind)

	pending, err := store.Events.LoadPending(ctx, lib.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ChangeDeleted, pending[0].Kind)
	assert.Equal(t, first.CreatedAt, pending[0].CreatedAt)
}

func TestEventQueue_EnqueueWhileProcessing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q2")

	first, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeModified)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkProcessing(ctx, first.ID))

	second, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeModified)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Greater(t, second.Seq, first.Seq)

	pending, err := store.Events.LoadPending(ctx, lib.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestEventQueue_EnqueueErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q3")

	_, err := store.Events.Enqueue(ctx, "missing", "a.go", ChangeCreated)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeKind("touched"))
	assert.Error(t, err)
}

func TestEventQueue_LoadPendingOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q4")

	for _, p := range []string{"c.go", "a.go", "b.go"} {
		_, err := store.Events.Enqueue(ctx, lib.ID, p, ChangeModified)
		require.NoError(t, err)
	}
	// Coalescing into c.go keeps its original position
	_, err := store.Events.Enqueue(ctx, lib.ID, "c.go", ChangeModified)
	require.NoError(t, err)

	pending, err := store.Events.LoadPending(ctx, lib.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "c.go", pending[0].FilePath)
	assert.Equal(t, "a.go", pending[1].FilePath)
	assert.Equal(t, "b.go", pending[2].FilePath)

	limited, err := store.Events.LoadPending(ctx, lib.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEventQueue_MarkProcessingConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q5")

	ev, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeCreated)
	require.NoError(t, err)

	require.NoError(t, store.Events.MarkProcessing(ctx, ev.ID))
	assert.ErrorIs(t, store.Events.MarkProcessing(ctx, ev.ID), ErrConflict)

	require.NoError(t, store.Events.MarkCompleted(ctx, ev.ID))
	got, err := store.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	assert.ErrorIs(t, store.Events.MarkCompleted(ctx, ev.ID), ErrConflict)
	assert.ErrorIs(t, store.Events.MarkProcessing(ctx, "missing"), ErrNotFound)
}

func TestEventQueue_RetryCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q6")
	const maxRetries = 3

	ev, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeModified)
	require.NoError(t, err)

	cause := errors.New("embedding timeout")
	for attempt := 1; attempt <= maxRetries; attempt++ {
		require.NoError(t, store.Events.MarkProcessing(ctx, ev.ID))
		status, err := store.Events.MarkFailed(ctx, ev.ID, cause, maxRetries)
		require.NoError(t, err)

		got, err := store.Events.Get(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.RetryCount)
		assert.NotNil(t, got.LastRetryAt)
		assert.Equal(t, "embedding timeout", got.Error)

		if attempt < maxRetries {
			assert.Equal(t, EventPending, status)
		} else {
			assert.Equal(t, EventExpired, status)
			assert.Equal(t, EventExpired, got.Status)
		}
	}

	pending, err := store.Events.LoadPending(ctx, lib.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, store.Events.MarkProcessing(ctx, ev.ID), ErrConflict)
}

func TestEventQueue_MarkFailedSuperseded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q7")

	ev, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeModified)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkProcessing(ctx, ev.ID))

	newer, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeModified)
	require.NoError(t, err)

	status, err := store.Events.MarkFailed(ctx, ev.ID, errors.New("boom"), 5)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, status)

	got, err := store.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, newer.ID)

	pending, err := store.Events.LoadPending(ctx, lib.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newer.ID, pending[0].ID)
}

func TestEventQueue_ResetToPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q8")

	ev, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeCreated)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkProcessing(ctx, ev.ID))

	processing, err := store.Events.LoadProcessing(ctx)
	require.NoError(t, err)
	require.Len(t, processing, 1)

	require.NoError(t, store.Events.ResetToPending(ctx, ev.ID))
	// Second run is harmless
	require.NoError(t, store.Events.ResetToPending(ctx, ev.ID))

	got, err := store.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, EventPending, got.Status)
	assert.Equal(t, ChangeCreated, got.Kind)

	processing, err = store.Events.LoadProcessing(ctx)
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestEventQueue_ResetToPendingMerges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q9")

	ev, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeCreated)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkProcessing(ctx, ev.ID))

	newer, err := store.Events.Enqueue(ctx, lib.ID, "a.go", ChangeModified)
	require.NoError(t, err)

	require.NoError(t, store.Events.ResetToPending(ctx, ev.ID))

	old, err := store.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, old.Status)
	assert.Contains(t, old.Error, newer.ID)

	merged, err := store.Events.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, EventPending, merged.Status)
	assert.Equal(t, ChangeCreated, merged.Kind)
}

func TestEventQueue_PurgeOlderThan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib := NewTestLibrary(t, store, "/src/q10")

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return old })

	done, err := store.Events.Enqueue(ctx, lib.ID, "done.go", ChangeModified)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkCompleted(ctx, done.ID))

	expired, err := store.Events.Enqueue(ctx, lib.ID, "expired.go", ChangeModified)
	require.NoError(t, err)
	_, err = store.Events.MarkFailed(ctx, expired.ID, errors.New("x"), 1)
	require.NoError(t, err)

	stillPending, err := store.Events.Enqueue(ctx, lib.ID, "pending.go", ChangeModified)
	require.NoError(t, err)

	recent := old.Add(48 * time.Hour)
	store.SetClock(func() time.Time { return recent })
	fresh, err := store.Events.Enqueue(ctx, lib.ID, "fresh.go", ChangeModified)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkCompleted(ctx, fresh.ID))

	// Only completed requested: expired stays
	n, err := store.Events.PurgeOlderThan(ctx, old.Add(24*time.Hour), EventCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Pending is never purged even if asked
	n, err = store.Events.PurgeOlderThan(ctx, old.Add(24*time.Hour), EventPending, EventExpired)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Events.Get(ctx, stillPending.ID)
	assert.NoError(t, err)
	_, err = store.Events.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = store.Events.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventQueue_PurgeLibraryOlderThan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	a := NewTestLibrary(t, store, "/src/q10a")
	b := NewTestLibrary(t, store, "/src/q10b")

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return old })

	evA, err := store.Events.Enqueue(ctx, a.ID, "a.go", ChangeModified)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkCompleted(ctx, evA.ID))
	evB, err := store.Events.Enqueue(ctx, b.ID, "b.go", ChangeModified)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkCompleted(ctx, evB.ID))

	n, err := store.Events.PurgeLibraryOlderThan(ctx, a.ID, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Events.Get(ctx, evA.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Events.Get(ctx, evB.ID)
	assert.NoError(t, err)
}

func TestEventQueue_PendingLibrariesAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTestStore(t)
	lib1 := NewTestLibrary(t, store, "/src/q11a")
	lib2 := NewTestLibrary(t, store, "/src/q11b")

	_, err := store.Events.Enqueue(ctx, lib1.ID, "a.go", ChangeCreated)
	require.NoError(t, err)
	ev, err := store.Events.Enqueue(ctx, lib2.ID, "b.go", ChangeCreated)
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkCompleted(ctx, ev.ID))

	libs, err := store.Events.PendingLibraries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{lib1.ID}, libs)

	counts, err := store.Events.CountByStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[EventPending])
	assert.Equal(t, 1, counts[EventCompleted])

	counts, err = store.Events.CountByStatus(ctx, lib2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[EventPending])
	assert.Equal(t, 1, counts[EventCompleted])

	all, err := store.Events.ListByLibrary(ctx, lib2.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
