package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/storage"
)

const defaultSearchLimit = 10

// Service exposes the trigger handlers used by the CLI and MCP surfaces.
// Every handler returns either a result or a *TriggerError.
type Service struct {
	store    *storage.Store
	orch     *Orchestrator
	engine   *SyncEngine
	batcher  *embed.Batcher
	watches  *WatchManager
	defaults storage.WatchConfig
	logger   *slog.Logger
}

// NewService creates a Service. watches may be nil when no watchers run in
// this process; defaults is the watch config given to new libraries.
func NewService(store *storage.Store, orch *Orchestrator, engine *SyncEngine, batcher *embed.Batcher, watches *WatchManager, defaults storage.WatchConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		orch:     orch,
		engine:   engine,
		batcher:  batcher,
		watches:  watches,
		defaults: defaults,
		logger:   logger,
	}
}

// WatchDefaults returns the watch config given to new libraries.
func (s *Service) WatchDefaults() storage.WatchConfig {
	w := s.defaults
	w.Include = append([]string(nil), w.Include...)
	w.Exclude = append([]string(nil), w.Exclude...)
	return w
}

// CreateLibraryRequest describes a library to register.
type CreateLibraryRequest struct {
	Path  string
	Name  string               // defaults to the root directory name
	Watch *storage.WatchConfig // defaults to the service defaults
}

// CreateLibrary registers a directory as a library. The path is made
// absolute with symlinks resolved; a root can be registered only once.
func (s *Service) CreateLibrary(ctx context.Context, req CreateLibraryRequest) (*storage.Library, error) {
	lib, err := s.createLibrary(ctx, req)
	return lib, asTriggerError(err)
}

func (s *Service) createLibrary(ctx context.Context, req CreateLibraryRequest) (*storage.Library, error) {
	root, err := CanonicalRoot(req.Path)
	if err != nil {
		return nil, err
	}

	watch := s.defaults
	if req.Watch != nil {
		watch = *req.Watch
	}
	if err := validateWatch(watch); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = filepath.Base(root)
	}

	id := uuid.New().String()
	lib, err := s.store.Libraries.Create(ctx, &storage.Library{
		ID:         id,
		Name:       name,
		RootPath:   root,
		Collection: "library_" + strings.ReplaceAll(id, "-", ""),
		Watch:      watch,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("library created", "library_id", lib.ID, "name", lib.Name, "root", lib.RootPath)

	if s.watches != nil && lib.Watch.Enabled {
		if err := s.watches.Watch(lib); err != nil {
			s.logger.Warn("failed to watch new library", "library_id", lib.ID, "error", err)
		}
	}
	return lib, nil
}

// CanonicalRoot returns the absolute, symlink-free form of a directory path.
func CanonicalRoot(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", configError("path", errors.New("path is required"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", configError("path", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", configError("path", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", configError("path", err)
	}
	if !info.IsDir() {
		return "", configError("path", fmt.Errorf("%s is not a directory", resolved))
	}
	return resolved, nil
}

func validateWatch(w storage.WatchConfig) error {
	if w.Debounce < 0 {
		return configError("debounce", fmt.Errorf("negative debounce %s", w.Debounce))
	}
	if w.MaxFileSize < 0 {
		return configError("max file size", fmt.Errorf("negative size %d", w.MaxFileSize))
	}
	return ValidatePatterns(w.Include, w.Exclude)
}

// StartIndexing starts a run for the library: a full rebuild when rebuild is
// set, otherwise a full scan that skips unchanged units. It fails with a
// conflict while the library is already indexing.
func (s *Service) StartIndexing(ctx context.Context, libraryID string, rebuild bool, opts StartOptions) (*storage.IndexingTask, error) {
	var (
		task *storage.IndexingTask
		err  error
	)
	if rebuild {
		task, err = s.orch.StartRebuild(ctx, libraryID, opts)
	} else {
		task, err = s.orch.StartIndex(ctx, libraryID, opts)
	}
	return task, asTriggerError(err)
}

// UpdateWatchConfig replaces the library's watch config and applies it to
// its watcher. Eligibility changes take effect on the next run.
func (s *Service) UpdateWatchConfig(ctx context.Context, libraryID string, cfg storage.WatchConfig) (*storage.Library, error) {
	if err := validateWatch(cfg); err != nil {
		return nil, asTriggerError(err)
	}
	lib, err := s.store.Libraries.UpdateWatchConfig(ctx, libraryID, cfg)
	if err != nil {
		return nil, asTriggerError(libraryErr(libraryID, err))
	}
	if s.watches != nil {
		if err := s.watches.Apply(lib); err != nil {
			s.logger.Warn("failed to apply watch config", "library_id", lib.ID, "error", err)
		}
	}
	return lib, nil
}

// SearchRequest is a semantic search over one library.
type SearchRequest struct {
	LibraryID string
	Query     string
	Limit     int     // default 10
	MinScore  float32 // results scoring below are dropped
}

// SearchHit is one search result.
type SearchHit struct {
	UnitID    string  `json:"unit_id"`
	Score     float32 `json:"score"`
	FilePath  string  `json:"file_path"`
	StartLine string  `json:"start_line"`
	EndLine   string  `json:"end_line"`
	Language  string  `json:"language,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Label     string  `json:"label,omitempty"`
	Provider  string  `json:"provider,omitempty"`
}

// Search embeds the query and returns the closest units of the library.
// A library that was never indexed has no results.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	hits, err := s.search(ctx, req)
	return hits, asTriggerError(err)
}

func (s *Service) search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, configError("query", errors.New("query is required"))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	lib, err := s.store.Libraries.Get(ctx, req.LibraryID)
	if err != nil {
		return nil, libraryErr(req.LibraryID, err)
	}

	provider, err := s.engine.CollectionProvider(ctx, lib)
	if err != nil {
		return nil, err
	}
	query, err := s.batcher.EmbedQuery(ctx, req.Query, provider)
	if errors.Is(err, embed.ErrUnknownProvider) {
		return nil, configError("provider", fmt.Errorf("library %s was indexed with %w", lib.Name, err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	results, err := s.engine.Search(ctx, lib, query.Values, limit, req.MinScore)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, len(results))
	for i, r := range results {
		hits[i] = SearchHit{
			UnitID:    r.ID,
			Score:     r.Score,
			FilePath:  r.Metadata["file_path"],
			StartLine: r.Metadata["start_line"],
			EndLine:   r.Metadata["end_line"],
			Language:  r.Metadata["language"],
			Kind:      r.Metadata["kind"],
			Label:     r.Metadata["label"],
			Provider:  r.Metadata["provider"],
		}
	}
	return hits, nil
}

// GetLibrary returns a library by ID.
func (s *Service) GetLibrary(ctx context.Context, libraryID string) (*storage.Library, error) {
	lib, err := s.store.Libraries.Get(ctx, libraryID)
	return lib, asTriggerError(libraryErr(libraryID, err))
}

// ResolveLibrary finds a library by ID, root path or unique name.
func (s *Service) ResolveLibrary(ctx context.Context, ref string) (*storage.Library, error) {
	lib, err := s.resolveLibrary(ctx, ref)
	return lib, asTriggerError(err)
}

func (s *Service) resolveLibrary(ctx context.Context, ref string) (*storage.Library, error) {
	if lib, err := s.store.Libraries.Get(ctx, ref); err == nil {
		return lib, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if root, err := CanonicalRoot(ref); err == nil {
		if lib, err := s.store.Libraries.GetByPath(ctx, root); err == nil {
			return lib, nil
		}
	}

	libs, err := s.store.Libraries.List(ctx)
	if err != nil {
		return nil, err
	}
	var match *storage.Library
	for _, lib := range libs {
		if lib.Name != ref {
			continue
		}
		if match != nil {
			return nil, configError("library", fmt.Errorf("name %q is ambiguous, use the library ID", ref))
		}
		match = lib
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, ref)
	}
	return match, nil
}

// ListLibraries returns every library.
func (s *Service) ListLibraries(ctx context.Context) ([]*storage.Library, error) {
	libs, err := s.store.Libraries.List(ctx)
	return libs, asTriggerError(err)
}

// RemoveLibrary stops watching a library, drops its vectors and deletes its
// records. A library that is indexing cannot be removed.
func (s *Service) RemoveLibrary(ctx context.Context, libraryID string) error {
	lib, err := s.store.Libraries.Get(ctx, libraryID)
	if err != nil {
		return asTriggerError(libraryErr(libraryID, err))
	}
	if lib.Status == storage.LibraryIndexing {
		return asTriggerError(fmt.Errorf("%w: %s", ErrAlreadyIndexing, lib.ID))
	}
	if s.watches != nil {
		s.watches.Unwatch(lib.ID)
	}
	if err := s.engine.DropLibrary(ctx, lib); err != nil {
		return asTriggerError(err)
	}
	if err := s.store.Libraries.Delete(ctx, lib.ID); err != nil {
		return asTriggerError(err)
	}
	s.logger.Info("library removed", "library_id", lib.ID, "root", lib.RootPath)
	return nil
}

// GetTask returns a task by ID.
func (s *Service) GetTask(ctx context.Context, taskID string) (*storage.IndexingTask, error) {
	task, err := s.store.Tasks.Get(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		err = fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, asTriggerError(err)
}

// ListTasks returns the library's most recent tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, libraryID string, limit int) ([]*storage.IndexingTask, error) {
	if _, err := s.store.Libraries.Get(ctx, libraryID); err != nil {
		return nil, asTriggerError(libraryErr(libraryID, err))
	}
	tasks, err := s.store.Tasks.ListByLibrary(ctx, libraryID, limit)
	return tasks, asTriggerError(err)
}

// CancelTask requests cancellation of a run owned by this process.
func (s *Service) CancelTask(_ context.Context, taskID string) error {
	return asTriggerError(s.orch.Cancel(taskID))
}

// WaitTask blocks until the task is terminal.
func (s *Service) WaitTask(ctx context.Context, taskID string) (*storage.IndexingTask, error) {
	task, err := s.orch.Wait(ctx, taskID)
	return task, asTriggerError(err)
}

// ListEvents returns the library's change events in the given statuses
// (all when none are given), in enqueue order.
func (s *Service) ListEvents(ctx context.Context, libraryID string, statuses ...storage.EventStatus) ([]*storage.ChangeEvent, error) {
	if _, err := s.store.Libraries.Get(ctx, libraryID); err != nil {
		return nil, asTriggerError(libraryErr(libraryID, err))
	}
	events, err := s.store.Events.ListByLibrary(ctx, libraryID, statuses...)
	return events, asTriggerError(err)
}

// EnqueueManualChange records a change as if the watcher had observed it and
// starts an incremental run unless the library is already indexing.
func (s *Service) EnqueueManualChange(ctx context.Context, libraryID, filePath string, kind storage.ChangeKind) (*storage.ChangeEvent, error) {
	ev, err := s.enqueueManualChange(ctx, libraryID, filePath, kind)
	return ev, asTriggerError(err)
}

func (s *Service) enqueueManualChange(ctx context.Context, libraryID, filePath string, kind storage.ChangeKind) (*storage.ChangeEvent, error) {
	if !kind.Valid() {
		return nil, configError("change kind", fmt.Errorf("unknown kind %q", kind))
	}
	rel, err := cleanRelative(filePath)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Libraries.Get(ctx, libraryID); err != nil {
		return nil, libraryErr(libraryID, err)
	}

	ev, err := s.store.Events.Enqueue(ctx, libraryID, rel, kind)
	if err != nil {
		return nil, err
	}
	if _, err := s.orch.StartIncremental(ctx, libraryID, StartOptions{}); err != nil && !errors.Is(err, ErrAlreadyIndexing) {
		s.logger.Warn("failed to start incremental run", "library_id", libraryID, "error", err)
	}
	return ev, nil
}

// cleanRelative validates a library-relative path and returns its slash form.
func cleanRelative(p string) (string, error) {
	rel := path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
	if rel == "." || rel == "" || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", configError("file path", fmt.Errorf("%q is not a path inside the library", p))
	}
	return rel, nil
}

// LibraryStatus is a library with its current run and queue state.
type LibraryStatus struct {
	Library    *storage.Library
	ActiveTask *storage.IndexingTask // nil when idle
	LastTask   *storage.IndexingTask // most recent task of any kind
	Events     map[storage.EventStatus]int

	// CollectionProvider embedded the library's vectors; empty before the
	// first upsert or when the vector store could not be reached.
	CollectionProvider string
	Providers          []embed.ClientHealth
}

// Status reports a library's persisted state.
func (s *Service) Status(ctx context.Context, libraryID string) (*LibraryStatus, error) {
	st, err := s.status(ctx, libraryID)
	return st, asTriggerError(err)
}

func (s *Service) status(ctx context.Context, libraryID string) (*LibraryStatus, error) {
	lib, err := s.store.Libraries.Get(ctx, libraryID)
	if err != nil {
		return nil, libraryErr(libraryID, err)
	}
	st := &LibraryStatus{Library: lib}

	active, err := s.store.Tasks.ActiveForLibrary(ctx, lib.ID)
	switch {
	case err == nil:
		st.ActiveTask = active
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	recent, err := s.store.Tasks.ListByLibrary(ctx, lib.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		st.LastTask = recent[0]
	}

	if st.Events, err = s.store.Events.CountByStatus(ctx, lib.ID); err != nil {
		return nil, err
	}

	if st.CollectionProvider, err = s.engine.CollectionProvider(ctx, lib); err != nil {
		s.logger.Warn("failed to read collection provider", "library_id", lib.ID, "error", err)
	}
	st.Providers = s.batcher.Selector().CheckHealth(ctx)
	return st, nil
}

// PurgeEvents removes old Completed and Expired events of one library, or of
// every library when libraryID is empty.
func (s *Service) PurgeEvents(ctx context.Context, libraryID string, age time.Duration) (int, error) {
	if libraryID == "" {
		n, err := s.orch.PurgeAllEvents(ctx, age)
		return n, asTriggerError(err)
	}
	task, err := s.orch.PurgeEvents(ctx, libraryID, age)
	if err != nil {
		return 0, asTriggerError(err)
	}
	return task.Result.EventsPurged, nil
}

func libraryErr(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
	}
	return err
}
