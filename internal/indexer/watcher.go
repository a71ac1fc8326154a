package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/watcher"
)

const (
	defaultRestartDelay    = time.Second
	defaultRestartAttempts = 5
)

// WatcherFactory creates a file watcher; replaced in tests.
type WatcherFactory func(root string, opts watcher.Options) (watcher.FileWatcher, error)

// WatchManager owns one file watcher per watched library. Debounced changes
// are enqueued durably and handed to the Drainer, which starts an incremental
// run now or after the library's active run. A library's watcher is paused
// while it rebuilds.
type WatchManager struct {
	store   *storage.Store
	orch    *Orchestrator
	drainer *Drainer
	factory WatcherFactory
	logger  *slog.Logger

	RestartDelay    time.Duration
	RestartAttempts int

	mu       sync.Mutex
	ctx      context.Context
	watches  map[string]*libraryWatch
	stopped  bool
	restarts sync.WaitGroup
}

type libraryWatch struct {
	lib *storage.Library
	fw  watcher.FileWatcher
}

// NewWatchManager creates a WatchManager that drains changes through drainer.
// A nil factory uses watcher.NewFileWatcher.
func NewWatchManager(store *storage.Store, orch *Orchestrator, drainer *Drainer, factory WatcherFactory, logger *slog.Logger) *WatchManager {
	if factory == nil {
		factory = watcher.NewFileWatcher
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &WatchManager{
		store:           store,
		orch:            orch,
		drainer:         drainer,
		factory:         factory,
		logger:          logger,
		RestartDelay:    defaultRestartDelay,
		RestartAttempts: defaultRestartAttempts,
		ctx:             context.Background(),
		watches:         make(map[string]*libraryWatch),
	}
	orch.OnStart(m.runStarted)
	orch.OnFinish(m.runFinished)
	return m
}

// Start watches every library with watching enabled. Libraries whose
// watcher cannot be created are logged and skipped.
func (m *WatchManager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	libs, err := m.store.Libraries.List(ctx)
	if err != nil {
		return err
	}
	for _, lib := range libs {
		if !lib.Watch.Enabled {
			continue
		}
		if err := m.Watch(lib); err != nil {
			m.logger.Warn("failed to watch library", "library_id", lib.ID, "root", lib.RootPath, "error", err)
		}
	}
	return nil
}

// Watch starts (or restarts) watching a library with its current config.
func (m *WatchManager) Watch(lib *storage.Library) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("watch manager is stopped")
	}
	old := m.watches[lib.ID]
	delete(m.watches, lib.ID)
	m.mu.Unlock()

	if old != nil {
		_ = old.fw.Stop()
	}

	fd, err := NewFileDiscovery(lib.RootPath, lib.Watch.Include, lib.Watch.Exclude, lib.Watch.MaxFileSize)
	if err != nil {
		return err
	}

	lw := &libraryWatch{lib: lib}
	fw, err := m.factory(lib.RootPath, watcher.Options{
		Debounce: lib.Watch.Debounce,
		Filter:   fd,
		Logger:   m.logger.With("library_id", lib.ID),
		OnLost: func(err error) {
			m.restarts.Add(1)
			go func() {
				defer m.restarts.Done()
				m.restart(lib.ID, err)
			}()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", lib.RootPath, err)
	}
	lw.fw = fw

	m.mu.Lock()
	ctx := m.ctx
	m.watches[lib.ID] = lw
	m.mu.Unlock()

	if err := fw.Start(ctx, func(c watcher.Change) { m.handleChange(lw, c) }); err != nil {
		_ = fw.Stop()
		m.mu.Lock()
		delete(m.watches, lib.ID)
		m.mu.Unlock()
		return err
	}
	m.logger.Info("watching library", "library_id", lib.ID, "root", lib.RootPath, "debounce", lib.Watch.Debounce)
	return nil
}

// Unwatch stops watching a library. Unknown libraries are ignored.
func (m *WatchManager) Unwatch(libraryID string) {
	m.mu.Lock()
	lw := m.watches[libraryID]
	delete(m.watches, libraryID)
	m.mu.Unlock()

	if lw != nil {
		_ = lw.fw.Stop()
		m.logger.Info("stopped watching library", "library_id", libraryID)
	}
}

// Apply brings a library's watcher in line with its stored watch config.
func (m *WatchManager) Apply(lib *storage.Library) error {
	if !lib.Watch.Enabled {
		m.Unwatch(lib.ID)
		return nil
	}
	return m.Watch(lib)
}

// Watching returns the IDs of watched libraries, sorted.
func (m *WatchManager) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop stops every watcher.
func (m *WatchManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	watches := m.watches
	m.watches = make(map[string]*libraryWatch)
	m.mu.Unlock()

	for _, lw := range watches {
		_ = lw.fw.Stop()
	}
	m.restarts.Wait()
}

// handleChange enqueues a debounced change and kicks the library's drain.
func (m *WatchManager) handleChange(lw *libraryWatch, c watcher.Change) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	paths := []string{c.Path}
	if c.Kind.Removes() {
		expanded, err := m.expandDirectory(ctx, lw.lib.ID, c.Path)
		if err != nil {
			m.logger.Warn("failed to expand removed path", "library_id", lw.lib.ID, "path", c.Path, "error", err)
		} else if len(expanded) > 0 {
			paths = expanded
		}
	}

	for _, path := range paths {
		ev, err := m.store.Events.Enqueue(ctx, lw.lib.ID, path, c.Kind)
		if err != nil {
			m.logger.Error("failed to enqueue change", "library_id", lw.lib.ID, "path", path, "change", c.Kind, "error", err)
			continue
		}
		m.logger.Debug("change enqueued", "library_id", lw.lib.ID, "event_id", ev.ID, "path", path, "change", ev.Kind)
	}
	m.drainer.Kick(ctx, lw.lib.ID)
}

// expandDirectory returns the indexed files under a removed path when the
// path itself has no records, which is how a removed directory shows up.
func (m *WatchManager) expandDirectory(ctx context.Context, libraryID, path string) ([]string, error) {
	own, err := m.store.Units.ForFile(ctx, libraryID, path)
	if err != nil || len(own) > 0 {
		return nil, err
	}
	files, err := m.store.Units.FilesForLibrary(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	var under []string
	for _, f := range files {
		if strings.HasPrefix(f, path+"/") {
			under = append(under, f)
		}
	}
	return under, nil
}

// runStarted holds back a library's changes while a rebuild re-reads every
// file; they are delivered once it finishes.
func (m *WatchManager) runStarted(task *storage.IndexingTask) {
	if task.Kind != storage.TaskRebuild {
		return
	}
	if lw := m.watch(task.LibraryID); lw != nil {
		lw.fw.Pause()
		m.logger.Debug("paused watcher for rebuild", "library_id", task.LibraryID, "task_id", task.ID)
	}
}

func (m *WatchManager) runFinished(task *storage.IndexingTask) {
	if task.Kind != storage.TaskRebuild {
		return
	}
	if lw := m.watch(task.LibraryID); lw != nil {
		lw.fw.Resume()
		m.logger.Debug("resumed watcher after rebuild", "library_id", task.LibraryID, "task_id", task.ID)
	}
}

func (m *WatchManager) watch(libraryID string) *libraryWatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	return m.watches[libraryID]
}

// restart replaces a lost watcher, recording the attempt as a WatcherRestart
// task. Changes made while the watch was down are caught by a full scan.
func (m *WatchManager) restart(libraryID string, cause error) {
	m.mu.Lock()
	ctx := m.ctx
	lw := m.watches[libraryID]
	stopped := m.stopped
	delete(m.watches, libraryID)
	m.mu.Unlock()
	if stopped {
		return
	}
	if lw != nil {
		_ = lw.fw.Stop()
	}
	logger := m.logger.With("library_id", libraryID)

	task, err := m.store.Tasks.Create(ctx, &storage.IndexingTask{LibraryID: libraryID, Kind: storage.TaskWatcherRestart})
	if err != nil {
		logger.Error("failed to record watcher restart", "error", err)
		return
	}
	if _, err := m.store.Tasks.Start(ctx, task.ID); err != nil {
		logger.Error("failed to start watcher restart task", "error", err)
		return
	}

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= m.RestartAttempts; attempt++ {
		time.Sleep(m.RestartDelay)

		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			lastErr = errors.New("watch manager stopped")
			break
		}

		lib, err := m.store.Libraries.Get(ctx, libraryID)
		if err != nil {
			lastErr = err
			break
		}
		if !lib.Watch.Enabled {
			lastErr = nil
			break
		}
		if _, err := os.Stat(lib.RootPath); err != nil {
			lastErr = err
			continue
		}
		if lastErr = m.Watch(lib); lastErr == nil {
			if _, err := m.orch.StartIndex(ctx, libraryID, StartOptions{}); err != nil && !errors.Is(err, ErrAlreadyIndexing) {
				logger.Warn("failed to start catch-up scan", "error", err)
			}
			break
		}
		logger.Warn("watcher restart attempt failed", "attempt", attempt, "error", lastErr)
	}

	result := storage.TaskResult{Duration: time.Since(started)}
	status, msg := storage.TaskCompleted, fmt.Sprintf("restarted after: %v", cause)
	if lastErr != nil {
		status, msg = storage.TaskFailed, fmt.Sprintf("%v; restart failed: %v", cause, lastErr)
	}
	if _, err := m.store.Tasks.Finish(ctx, task.ID, status, result, msg); err != nil {
		logger.Error("failed to finish watcher restart task", "error", err)
	}
	logger.Info("watcher restart finished", "status", status, "cause", cause, "error", lastErr)
}
