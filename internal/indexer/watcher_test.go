package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/watcher"
)

// Test Plan for WatchManager:
// - Two writes to a file within the debounce window become exactly one event,
//   which an incremental run completes
// - Changes that arrive during a run are all applied
// - A removed directory expands to the indexed files under it
// - A lost watch is recorded as a WatcherRestart task, re-watched and followed
//   by a catch-up scan
// - Apply follows the stored watch config; Stop stops every watcher
// - An event whose embedding failed transiently is retried after the retry
//   delay without any further change or manual run
// - A rebuild pauses the library's watcher and changes held meanwhile are
//   applied once it resumes

type fakeWatcher struct {
	root string
	opts watcher.Options

	mu      sync.Mutex
	sink    func(watcher.Change)
	stopped bool
	paused  bool
	held    []watcher.Change
	pauses  int
	resumes int
}

func (f *fakeWatcher) Start(_ context.Context, sink func(watcher.Change)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeWatcher) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeWatcher) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauses++
}

func (f *fakeWatcher) Resume() {
	f.mu.Lock()
	f.paused = false
	f.resumes++
	held := f.held
	f.held = nil
	sink := f.sink
	f.mu.Unlock()
	for _, c := range held {
		sink(c)
	}
}

func (f *fakeWatcher) Root() string { return f.root }

// emit delivers a change, or holds it while paused.
func (f *fakeWatcher) emit(path string, kind storage.ChangeKind) {
	c := watcher.Change{Path: path, Kind: kind}
	f.mu.Lock()
	if f.paused {
		f.held = append(f.held, c)
		f.mu.Unlock()
		return
	}
	sink := f.sink
	f.mu.Unlock()
	sink(c)
}

func (f *fakeWatcher) pauseCounts() (pauses, resumes int, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes, f.paused
}

func (f *fakeWatcher) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeFactory struct {
	mu       sync.Mutex
	watchers []*fakeWatcher
}

func (ff *fakeFactory) new(root string, opts watcher.Options) (watcher.FileWatcher, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	w := &fakeWatcher{root: root, opts: opts}
	ff.watchers = append(ff.watchers, w)
	return w, nil
}

func (ff *fakeFactory) latest(t *testing.T) *fakeWatcher {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	require.NotEmpty(t, ff.watchers)
	return ff.watchers[len(ff.watchers)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.watchers)
}

func newWatchManager(t *testing.T, h *harness, factory WatcherFactory) *WatchManager {
	t.Helper()
	m := NewWatchManager(h.store, h.orch, newDrainer(t, h), factory, nil)
	m.RestartDelay = 10 * time.Millisecond
	t.Cleanup(m.Stop)
	return m
}

func eventStatuses(t *testing.T, h *harness, libraryID string) map[string]storage.EventStatus {
	t.Helper()
	events, err := h.store.Events.ListByLibrary(context.Background(), libraryID)
	out := make(map[string]storage.EventStatus, len(events))
	if err != nil {
		return out
	}
	for _, ev := range events {
		out[ev.FilePath] = ev.Status
	}
	return out
}

func TestWatchManager_DebouncedWritesBecomeOneEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	root := t.TempDir()
	file := filepath.Join(root, "main.go")
	writeFile(t, root, "main.go", goSource("main", 1))
	lib := h.library(t, root, storage.WatchConfig{Enabled: true, Debounce: 300 * time.Millisecond})
	require.Equal(t, storage.TaskCompleted, h.run(t, h.orch.StartIndex, lib.ID).Status)

	m := newWatchManager(t, h, nil)
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, []string{lib.ID}, m.Watching())
	// Wait for watcher to initialize
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(file, []byte(goSource("main", 2)), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte(goSource("main", 3)), 0o644))

	require.Eventually(t, func() bool {
		return eventStatuses(t, h, lib.ID)["main.go"] == storage.EventCompleted
	}, 10*time.Second, 20*time.Millisecond)

	// Wait beyond the debounce window for stray events
	time.Sleep(500 * time.Millisecond)
	events, err := h.store.Events.ListByLibrary(ctx, lib.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.ChangeModified, events[0].Kind)

	records, err := h.store.Units.ForFile(ctx, lib.ID, "main.go")
	require.NoError(t, err)
	assert.Len(t, records, h.unitCount(t, lib))
	assert.Equal(t, h.unitCount(t, lib), h.vectorCount(t, lib))
}

func TestWatchManager_ChangesDuringRun(t *testing.T) {
	t.Parallel()
	client, release := blockingClient("primary", 8)
	h := newHarness(t, harnessOptions{clients: []embed.Client{client}})
	root := t.TempDir()
	lib := h.library(t, root, storage.WatchConfig{Enabled: true})

	ff := &fakeFactory{}
	m := newWatchManager(t, h, ff.new)
	require.NoError(t, m.Watch(lib))
	fw := ff.latest(t)

	writeFile(t, root, "a.go", goSource("alpha", 1))
	fw.emit("a.go", storage.ChangeCreated)
	require.Eventually(t, func() bool { return client.Calls() > 0 }, 5*time.Second, 5*time.Millisecond)

	writeFile(t, root, "b.go", goSource("beta", 1))
	fw.emit("b.go", storage.ChangeCreated)
	close(release)

	require.Eventually(t, func() bool {
		st := eventStatuses(t, h, lib.ID)
		return st["a.go"] == storage.EventCompleted && st["b.go"] == storage.EventCompleted
	}, 10*time.Second, 20*time.Millisecond)

	files, err := h.store.Units.FilesForLibrary(context.Background(), lib.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, files)
}

func TestWatchManager_RemovedDirectory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "pkg/a.go", goSource("alpha", 1))
	writeFile(t, root, "pkg/b.go", goSource("beta", 1))
	writeFile(t, root, "main.go", goSource("main", 1))
	lib := h.library(t, root, storage.WatchConfig{Enabled: true})
	require.Equal(t, storage.TaskCompleted, h.run(t, h.orch.StartIndex, lib.ID).Status)

	ff := &fakeFactory{}
	m := newWatchManager(t, h, ff.new)
	require.NoError(t, m.Watch(lib))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "pkg")))
	ff.latest(t).emit("pkg", storage.ChangeDeleted)

	require.Eventually(t, func() bool {
		st := eventStatuses(t, h, lib.ID)
		return st["pkg/a.go"] == storage.EventCompleted && st["pkg/b.go"] == storage.EventCompleted
	}, 10*time.Second, 20*time.Millisecond)

	files, err := h.store.Units.FilesForLibrary(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, files)
	assert.Equal(t, h.unitCount(t, lib), h.vectorCount(t, lib))
}

func TestWatchManager_LostWatchRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.go", goSource("alpha", 1))
	lib := h.library(t, root, storage.WatchConfig{Enabled: true})

	ff := &fakeFactory{}
	m := newWatchManager(t, h, ff.new)
	require.NoError(t, m.Watch(lib))
	first := ff.latest(t)

	first.opts.OnLost(errors.New("watch channel closed"))

	var restart, scan *storage.IndexingTask
	require.Eventually(t, func() bool {
		tasks, err := h.store.Tasks.ListByLibrary(ctx, lib.ID, 10)
		if err != nil {
			return false
		}
		restart, scan = nil, nil
		for _, task := range tasks {
			switch task.Kind {
			case storage.TaskWatcherRestart:
				restart = task
			case storage.TaskIndexing:
				scan = task
			}
		}
		return restart != nil && restart.Status.Terminal() && scan != nil && scan.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, storage.TaskCompleted, restart.Status)
	assert.Contains(t, restart.Error, "watch channel closed")
	assert.Equal(t, storage.TaskCompleted, scan.Status)
	assert.True(t, first.isStopped())
	assert.Equal(t, 2, ff.count())
	assert.Equal(t, []string{lib.ID}, m.Watching())
}

func TestWatchManager_ApplyAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	watched := h.library(t, t.TempDir(), storage.WatchConfig{Enabled: true})
	idle := h.library(t, t.TempDir(), storage.WatchConfig{})

	ff := &fakeFactory{}
	m := newWatchManager(t, h, ff.new)
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, []string{watched.ID}, m.Watching())

	idle.Watch.Enabled = true
	require.NoError(t, m.Apply(idle))
	assert.Len(t, m.Watching(), 2)

	watched.Watch.Enabled = false
	require.NoError(t, m.Apply(watched))
	assert.Equal(t, []string{idle.ID}, m.Watching())
	assert.True(t, ff.watchers[0].isStopped())

	m.Stop()
	assert.Empty(t, m.Watching())
	assert.True(t, ff.latest(t).isStopped())
	assert.Error(t, m.Watch(watched))
}

func TestWatchManager_TransientFailureRetried(t *testing.T) {
	t.Parallel()
	client := embed.NewFakeClient("primary", 8, 16)
	client.FailWith(func(n int, _ []string) error {
		if n == 1 {
			return fmt.Errorf("%w: api error 503", embed.ErrTransient)
		}
		return nil
	})
	h := newHarness(t, harnessOptions{
		clients: []embed.Client{client},
		orch:    Config{EventRetryDelay: 20 * time.Millisecond, EventRetryMaxDelay: 100 * time.Millisecond},
	})
	ctx := context.Background()
	root := t.TempDir()
	lib := h.library(t, root, storage.WatchConfig{Enabled: true})

	ff := &fakeFactory{}
	m := newWatchManager(t, h, ff.new)
	require.NoError(t, m.Watch(lib))

	writeFile(t, root, "a.go", goSource("alpha", 2))
	ff.latest(t).emit("a.go", storage.ChangeCreated)

	require.Eventually(t, func() bool {
		return eventStatuses(t, h, lib.ID)["a.go"] == storage.EventCompleted
	}, 10*time.Second, 20*time.Millisecond)

	events, err := h.store.Events.ListByLibrary(ctx, lib.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.GreaterOrEqual(t, client.Calls(), 2)
	assert.Equal(t, h.unitCount(t, lib), h.vectorCount(t, lib))

	tasks, err := h.store.Tasks.ListByLibrary(ctx, lib.ID, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestWatchManager_RebuildPausesWatcher(t *testing.T) {
	t.Parallel()
	client, release := blockingClient("primary", 8)
	h := newHarness(t, harnessOptions{clients: []embed.Client{client}})
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.go", goSource("alpha", 1))
	writeFile(t, root, "b.go", goSource("beta", 1))
	lib := h.library(t, root, storage.WatchConfig{Enabled: true})

	ff := &fakeFactory{}
	m := newWatchManager(t, h, ff.new)
	require.NoError(t, m.Watch(lib))
	fw := ff.latest(t)

	task, err := h.orch.StartRebuild(ctx, lib.ID, StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.Calls() > 0 }, 5*time.Second, 5*time.Millisecond)

	pauses, resumes, paused := fw.pauseCounts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 0, resumes)
	assert.True(t, paused)

	writeFile(t, root, "b.go", goSource("beta", 2))
	fw.emit("b.go", storage.ChangeModified)
	assert.Empty(t, eventStatuses(t, h, lib.ID), "held change must not be enqueued during the rebuild")

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := h.orch.Wait(waitCtx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCompleted, done.Status)

	require.Eventually(t, func() bool {
		return eventStatuses(t, h, lib.ID)["b.go"] == storage.EventCompleted
	}, 10*time.Second, 20*time.Millisecond)

	pauses, resumes, paused = fw.pauseCounts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)
	assert.False(t, paused)

	records, err := h.store.Units.ForFile(ctx, lib.ID, "b.go")
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	assert.Equal(t, h.unitCount(t, lib), h.vectorCount(t, lib))
}
