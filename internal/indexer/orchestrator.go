package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/extract"
	"github.com/mvp-joe/cortexd/internal/storage"
)

// ErrClosed is returned when starting a run after Close.
var ErrClosed = errors.New("orchestrator is closed")

const (
	defaultMaxConcurrentLibraries = 2
	defaultMaxEventRetries        = 3
	defaultMaxFailureRate         = 0.5
	defaultEventBatchSize         = 100
	defaultEventRetryDelay        = 5 * time.Second
	defaultEventRetryMaxDelay     = 5 * time.Minute

	// minFailureSample is the number of attempted files before the failure
	// rate can abort a run early.
	minFailureSample = 10

	maxRecordedFailures = 20
)

// Config configures an Orchestrator. Zero values select defaults.
type Config struct {
	// MaxConcurrentLibraries is the global cap on libraries indexing at once.
	MaxConcurrentLibraries int

	// MaxEventRetries is the number of failed attempts after which a change
	// event becomes Expired.
	MaxEventRetries int

	// MaxFailureRate aborts a run as Failed when the share of failed files
	// (or events) exceeds it. Values >= 1 never abort.
	MaxFailureRate float64

	// FileConcurrency bounds files processed at once within one run
	// (default: the batcher's assembly bound).
	FileConcurrency int

	// EventBatchSize is how many pending events an incremental run loads at a time.
	EventBatchSize int

	// EventRetryDelay is how long a failed event waits before it is retried
	// automatically; it doubles with each failed attempt up to EventRetryMaxDelay.
	EventRetryDelay    time.Duration
	EventRetryMaxDelay time.Duration
}

// StartOptions are per-run options.
type StartOptions struct {
	Reporter ProgressReporter
	Priority int
}

// Orchestrator runs indexing tasks for libraries.
//
// A library has at most one active run; that is enforced by the conditional
// transition in storage.TaskStore.BeginIndexing, not by state held here.
// Runs wait for one of a fixed number of global slots before they start.
type Orchestrator struct {
	store     *storage.Store
	extractor extract.Extractor
	batcher   *embed.Batcher
	engine    *SyncEngine
	cfg       Config
	slots     *semaphore.Weighted
	logger    *slog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	runs     map[string]*activeRun
	onStart  []func(*storage.IndexingTask)
	onFinish []func(*storage.IndexingTask)
}

type activeRun struct {
	libraryID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store *storage.Store, extractor extract.Extractor, batcher *embed.Batcher, engine *SyncEngine, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrentLibraries <= 0 {
		cfg.MaxConcurrentLibraries = defaultMaxConcurrentLibraries
	}
	if cfg.MaxEventRetries <= 0 {
		cfg.MaxEventRetries = defaultMaxEventRetries
	}
	if cfg.MaxFailureRate <= 0 {
		cfg.MaxFailureRate = defaultMaxFailureRate
	}
	if cfg.FileConcurrency <= 0 {
		cfg.FileConcurrency = batcher.Concurrency().Batches
	}
	if cfg.EventBatchSize <= 0 {
		cfg.EventBatchSize = defaultEventBatchSize
	}
	if cfg.EventRetryDelay <= 0 {
		cfg.EventRetryDelay = defaultEventRetryDelay
	}
	if cfg.EventRetryMaxDelay <= 0 {
		cfg.EventRetryMaxDelay = defaultEventRetryMaxDelay
	}
	if cfg.EventRetryMaxDelay < cfg.EventRetryDelay {
		cfg.EventRetryMaxDelay = cfg.EventRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		extractor: extractor,
		batcher:   batcher,
		engine:    engine,
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentLibraries)),
		logger:    logger,
		base:      base,
		stop:      stop,
		runs:      make(map[string]*activeRun),
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// OnStart registers fn to be called when a run moves to Running, before it
// touches any file.
func (o *Orchestrator) OnStart(fn func(*storage.IndexingTask)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStart = append(o.onStart, fn)
}

// OnFinish registers fn to be called after every run reaches a terminal status.
func (o *Orchestrator) OnFinish(fn func(*storage.IndexingTask)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFinish = append(o.onFinish, fn)
}

// StartIndex starts a full scan that skips units whose content is unchanged.
func (o *Orchestrator) StartIndex(ctx context.Context, libraryID string, opts StartOptions) (*storage.IndexingTask, error) {
	return o.start(ctx, libraryID, storage.TaskIndexing, opts)
}

// StartRebuild drops the library's collection and unit records and re-embeds
// every eligible file.
func (o *Orchestrator) StartRebuild(ctx context.Context, libraryID string, opts StartOptions) (*storage.IndexingTask, error) {
	return o.start(ctx, libraryID, storage.TaskRebuild, opts)
}

// StartIncremental drains the library's pending change events.
func (o *Orchestrator) StartIncremental(ctx context.Context, libraryID string, opts StartOptions) (*storage.IndexingTask, error) {
	return o.start(ctx, libraryID, storage.TaskFileUpdate, opts)
}

func (o *Orchestrator) start(ctx context.Context, libraryID string, kind storage.TaskKind, opts StartOptions) (*storage.IndexingTask, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	lib, err := o.store.Libraries.Get(ctx, libraryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, libraryID)
	}
	if err != nil {
		return nil, err
	}

	fd, err := NewFileDiscovery(lib.RootPath, lib.Watch.Include, lib.Watch.Exclude, lib.Watch.MaxFileSize)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(lib.RootPath); err != nil || !info.IsDir() {
		return nil, configError("root path", fmt.Errorf("%s is not a readable directory", lib.RootPath))
	}

	task, err := o.store.Tasks.BeginIndexing(ctx, lib.ID, kind, opts.Priority, o.snapshot(lib, kind))
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIndexing, lib.ID)
	}
	if err != nil {
		return nil, err
	}

	reporter := opts.Reporter
	if reporter == nil {
		reporter = NoOpProgressReporter{}
	}

	runCtx, cancel := context.WithCancel(o.base)
	r := &activeRun{libraryID: lib.ID, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.runs[task.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	go o.execute(runCtx, r, lib, fd, task, reporter)

	o.logger.Info("indexing task queued", "task_id", task.ID, "library_id", lib.ID, "kind", kind)
	return task, nil
}

// snapshot records the effective configuration of a run.
func (o *Orchestrator) snapshot(lib *storage.Library, kind storage.TaskKind) string {
	snap := struct {
		Kind       storage.TaskKind    `json:"kind"`
		Watch      storage.WatchConfig `json:"watch"`
		Provider   string              `json:"provider"`
		BatchSize  int                 `json:"batch_size"`
		Collection string              `json:"collection"`
	}{
		Kind:       kind,
		Watch:      lib.Watch,
		Provider:   o.batcher.Selector().Select().Name(),
		BatchSize:  o.batcher.BatchSize(),
		Collection: lib.Collection,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Cancel requests cooperative cancellation of an active run. Files already
// being processed finish; no further files or events are started.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no active run %s", ErrTaskNotFound, taskID)
	}
	r.cancel()
	return nil
}

// Wait blocks until the task is terminal (or ctx is done) and returns its
// persisted state.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*storage.IndexingTask, error) {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	task, err := o.store.Tasks.Get(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// ActiveRuns returns the IDs of runs owned by this process.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every run and waits for them to persist their final status.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runState accumulates the outcome of one run across file workers.
type runState struct {
	mu         sync.Mutex
	result     storage.TaskResult
	attempted  int
	failed     int
	succeeded  int
	vectorErrs int
	abort      error
	done       int
	total      int
}

func (s *runState) recordFailure(format string, args ...any) {
	if len(s.result.Failures) < maxRecordedFailures {
		s.result.Failures = append(s.result.Failures, fmt.Sprintf(format, args...))
	}
}

func (s *runState) snapshot() (storage.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.abort
}

func (o *Orchestrator) execute(ctx context.Context, r *activeRun, lib *storage.Library, fd *FileDiscovery, task *storage.IndexingTask, reporter ProgressReporter) {
	defer func() {
		r.cancel()
		o.mu.Lock()
		delete(o.runs, task.ID)
		o.mu.Unlock()
		close(r.done)
		o.wg.Done()
	}()

	logger := o.logger.With("task_id", task.ID, "library_id", lib.ID, "kind", task.Kind)
	st := &runState{}

	if err := o.slots.Acquire(ctx, 1); err != nil {
		o.finish(ctx, logger, task, lib, st, time.Now(), reporter)
		return
	}
	defer o.slots.Release(1)

	started := time.Now()
	running, err := o.store.Tasks.Start(ctx, task.ID)
	if err != nil {
		logger.Error("failed to start task", "error", err)
		st.abort = err
		o.finish(ctx, logger, task, lib, st, started, reporter)
		return
	}
	logger.Info("indexing started", "root", lib.RootPath)

	o.mu.Lock()
	hooks := append([]func(*storage.IndexingTask){}, o.onStart...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(running)
	}

	switch task.Kind {
	case storage.TaskRebuild:
		if err := o.engine.DropLibrary(ctx, lib); err != nil {
			st.abort = err
			break
		}
		o.runFull(ctx, logger, lib, fd, task, st, true, reporter)
	case storage.TaskIndexing:
		o.runFull(ctx, logger, lib, fd, task, st, false, reporter)
	case storage.TaskFileUpdate:
		o.runIncremental(ctx, logger, lib, fd, task, st, reporter)
	}

	o.finish(ctx, logger, task, lib, st, started, reporter)
}

// runFull indexes every eligible file and removes files that are no longer
// eligible from the index.
func (o *Orchestrator) runFull(ctx context.Context, logger *slog.Logger, lib *storage.Library, fd *FileDiscovery, task *storage.IndexingTask, st *runState, force bool, reporter ProgressReporter) {
	files, oversized, err := fd.Discover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			st.abort = configError("root path", err)
		}
		return
	}
	st.result.FilesSkipped = oversized
	reporter.OnDiscoveryComplete(len(files), oversized)
	logger.Info("discovery complete", "files", len(files), "oversized", oversized)

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
	}
	recorded, err := o.store.Units.FilesForLibrary(ctx, lib.ID)
	if err != nil {
		st.abort = err
		return
	}
	var gone []string
	for _, path := range recorded {
		if !present[path] {
			gone = append(gone, path)
		}
	}
	if len(gone) > 0 {
		n, err := o.engine.ApplyDeletes(context.WithoutCancel(ctx), lib, gone)
		if err != nil {
			st.abort = err
			return
		}
		st.result.FilesDeleted += len(gone)
		st.result.UnitsDeleted += n
		logger.Info("removed files no longer eligible", "files", len(gone), "units", n)
	}

	st.total = len(files)
	reporter.OnFileProcessingStart(len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FileConcurrency)
	for _, f := range files {
		if gctx.Err() != nil {
			break
		}
		path := f.Path
		g.Go(func() error {
			res, err := o.processFile(gctx, lib, path, force, reporter)
			return o.recordFile(ctx, logger, task, st, path, res, err, reporter)
		})
	}
	_ = g.Wait()
}

// runIncremental drains pending events in enqueue order. Each event is
// attempted at most once per run; events returned to Pending are retried by
// a later run.
func (o *Orchestrator) runIncremental(ctx context.Context, logger *slog.Logger, lib *storage.Library, fd *FileDiscovery, task *storage.IndexingTask, st *runState, reporter ProgressReporter) {
	attempted := make(map[string]bool)
	first := true

	for ctx.Err() == nil {
		pending, err := o.store.Events.LoadPending(ctx, lib.ID, o.cfg.EventBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				st.abort = err
			}
			return
		}
		var next []*storage.ChangeEvent
		for _, ev := range pending {
			if !attempted[ev.ID] {
				next = append(next, ev)
			}
		}
		if first {
			reporter.OnDiscoveryComplete(len(next), 0)
			reporter.OnFileProcessingStart(len(next))
			first = false
		}
		if len(next) == 0 {
			return
		}
		st.total += len(next)

		for _, ev := range next {
			if ctx.Err() != nil {
				return
			}
			attempted[ev.ID] = true
			if err := o.processEvent(ctx, logger, lib, fd, task, st, ev, reporter); err != nil {
				return
			}
		}
	}
}

// processEvent applies one change event. A non-nil return stops the run.
func (o *Orchestrator) processEvent(ctx context.Context, logger *slog.Logger, lib *storage.Library, fd *FileDiscovery, task *storage.IndexingTask, st *runState, ev *storage.ChangeEvent, reporter ProgressReporter) error {
	persist := context.WithoutCancel(ctx)
	logger = logger.With("event_id", ev.ID, "path", ev.FilePath, "change", ev.Kind)

	if err := o.store.Events.MarkProcessing(persist, ev.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			logger.Debug("event no longer pending", "error", err)
			return nil
		}
		st.abort = err
		return err
	}

	var (
		res FileSync
		err error
	)
	if remove, cause := o.shouldRemove(lib, fd, ev); remove {
		var n int
		n, err = o.engine.ApplyDeletes(persist, lib, []string{ev.FilePath})
		res = FileSync{Deleted: n}
		if err == nil {
			logger.Debug("removed file from index", "reason", cause, "units", n)
		}
	} else {
		res, err = o.processFile(ctx, lib, ev.FilePath, false, reporter)
	}
	if err == nil && len(res.Errors) > 0 {
		err = errors.Join(res.Errors...)
	}

	st.mu.Lock()
	st.attempted++
	st.done++
	progress := float64(st.done) / float64(max(st.total, 1)) * 100
	st.mu.Unlock()

	switch {
	case err == nil:
		if merr := o.store.Events.MarkCompleted(persist, ev.ID); merr != nil {
			logger.Error("failed to complete event", "error", merr)
		}
		st.mu.Lock()
		st.succeeded++
		st.result.EventsProcessed++
		o.addSync(st, ev.FilePath, res, ev.Kind.Removes())
		st.mu.Unlock()

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Interrupted by cancellation: not the event's failure
		if rerr := o.store.Events.ResetToPending(persist, ev.ID); rerr != nil {
			logger.Error("failed to requeue event", "error", rerr)
		}

	default:
		class := Classify(err)
		retries := o.cfg.MaxEventRetries
		if class == ClassConfiguration {
			retries = 1
		}
		status, merr := o.store.Events.MarkFailed(persist, ev.ID, err, retries)
		if merr != nil {
			logger.Error("failed to record event failure", "error", merr)
		}
		logger.Warn("event failed", "error", err, "class", class, "status", status)

		st.mu.Lock()
		st.failed++
		st.result.EventsFailed++
		st.result.UnitsFailed += res.Failed
		st.recordFailure("%s: %v", ev.FilePath, err)
		if class == ClassFatal {
			st.vectorErrs++
		}
		if class == ClassConfiguration {
			st.abort = err
		}
		abort := st.abort
		st.mu.Unlock()

		if abort != nil {
			return abort
		}
	}

	if err := o.store.Tasks.UpdateProgress(persist, task.ID, progress, ev.FilePath); err != nil {
		logger.Warn("failed to persist progress", "error", err)
	}
	reporter.OnFileProcessed(ev.FilePath, res, err)
	return o.checkFailureRate(st)
}

// shouldRemove reports whether an event removes its file from the index
// rather than re-indexing it.
func (o *Orchestrator) shouldRemove(lib *storage.Library, fd *FileDiscovery, ev *storage.ChangeEvent) (bool, string) {
	if ev.Kind.Removes() {
		return true, string(ev.Kind)
	}
	info, err := os.Stat(filepath.Join(lib.RootPath, filepath.FromSlash(ev.FilePath)))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true, "missing"
	case err != nil:
		return false, ""
	case !info.Mode().IsRegular():
		return true, "not a regular file"
	case !fd.Eligible(ev.FilePath, info.Size()):
		return true, "not eligible"
	}
	return false, ""
}

// processFile extracts, embeds and syncs one file. Once started, a file runs
// to completion even if ctx is cancelled, so a run is only interrupted
// between files.
func (o *Orchestrator) processFile(ctx context.Context, lib *storage.Library, path string, force bool, reporter ProgressReporter) (FileSync, error) {
	if err := ctx.Err(); err != nil {
		return FileSync{}, err
	}
	ctx = context.WithoutCancel(ctx)

	text, err := os.ReadFile(filepath.Join(lib.RootPath, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		n, err := o.engine.ApplyDeletes(ctx, lib, []string{path})
		return FileSync{Deleted: n}, err
	}
	if err != nil {
		return FileSync{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	units, err := o.extractor.Extract(path, text)
	if err != nil {
		return FileSync{}, fmt.Errorf("failed to extract %s: %w", path, err)
	}

	changed, err := o.engine.Changed(ctx, lib, path, units, force)
	if err != nil {
		return FileSync{}, err
	}

	var results []embed.Result
	if len(changed) > 0 {
		results = o.batcher.EmbedUnits(ctx, changed, reporter.OnEmbeddingProgress)
	}
	return o.engine.ApplyUpserts(ctx, lib, path, units, results)
}

// recordFile folds one file outcome of a full scan into the run state and
// persists progress. A non-nil return cancels the remaining files.
func (o *Orchestrator) recordFile(ctx context.Context, logger *slog.Logger, task *storage.IndexingTask, st *runState, path string, res FileSync, err error, reporter ProgressReporter) error {
	// Not started: the run or the group was cancelled
	if errors.Is(err, context.Canceled) {
		return err
	}

	st.mu.Lock()
	st.attempted++
	st.done++
	progress := float64(st.done) / float64(max(st.total, 1)) * 100
	switch {
	case err != nil:
		st.failed++
		st.result.FilesFailed++
		st.recordFailure("%s: %v", path, err)
		switch Classify(err) {
		case ClassConfiguration:
			st.abort = err
		case ClassFatal:
			st.vectorErrs++
		}
	case res.Failed > 0:
		st.failed++
		st.result.FilesFailed++
		o.addSync(st, path, res, false)
		st.recordFailure("%s: %v", path, errors.Join(res.Errors...))
	default:
		st.succeeded++
		o.addSync(st, path, res, false)
	}
	abort := st.abort
	st.mu.Unlock()

	if err != nil {
		logger.Warn("file failed", "path", path, "error", err)
	} else if res.Failed > 0 {
		logger.Warn("file indexed with failed units", "path", path, "failed_units", res.Failed)
	}

	if perr := o.store.Tasks.UpdateProgress(context.WithoutCancel(ctx), task.ID, progress, path); perr != nil {
		logger.Warn("failed to persist progress", "error", perr)
	}
	reporter.OnFileProcessed(path, res, err)

	if abort != nil {
		return abort
	}
	return o.checkFailureRate(st)
}

// addSync adds a successful file outcome to the result. Callers hold st.mu.
func (o *Orchestrator) addSync(st *runState, path string, res FileSync, removed bool) {
	switch {
	case removed || (res.Deleted > 0 && res.Upserted == 0 && res.Unchanged == 0):
		st.result.FilesDeleted++
	case res.Upserted > 0:
		st.result.FilesIndexed++
	default:
		st.result.FilesSkipped++
	}
	st.result.UnitsEmbedded += res.Upserted
	st.result.UnitsUnchanged += res.Unchanged
	st.result.UnitsFailed += res.Failed
	st.result.UnitsDeleted += res.Deleted
}

// checkFailureRate aborts the run once enough files have been attempted and
// the failure share exceeds the configured threshold.
func (o *Orchestrator) checkFailureRate(st *runState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.abort != nil {
		return st.abort
	}
	if st.attempted < minFailureSample || !o.failureRateExceeded(st) {
		return nil
	}
	st.abort = fmt.Errorf("failure rate %.0f%% exceeds %.0f%% after %d files",
		float64(st.failed)/float64(st.attempted)*100, o.cfg.MaxFailureRate*100, st.attempted)
	return st.abort
}

func (o *Orchestrator) failureRateExceeded(st *runState) bool {
	if st.attempted == 0 || o.cfg.MaxFailureRate >= 1 {
		return false
	}
	return float64(st.failed)/float64(st.attempted) > o.cfg.MaxFailureRate
}

// finish persists the terminal status of a run with its result and, when it
// completed, the library statistics.
func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, task *storage.IndexingTask, lib *storage.Library, st *runState, started time.Time, reporter ProgressReporter) {
	persist := context.WithoutCancel(ctx)
	result, abort := st.snapshot()
	result.Duration = time.Since(started)

	st.mu.Lock()
	failedRate := o.failureRateExceeded(st)
	allVectorErrs := st.vectorErrs > 0 && st.succeeded == 0
	failed, attempted := st.failed, st.attempted
	st.mu.Unlock()

	var (
		status storage.TaskStatus
		errMsg string
		stats  *storage.LibraryStats
	)
	switch {
	case abort != nil:
		status, errMsg = storage.TaskFailed, abort.Error()
	case ctx.Err() != nil:
		status, errMsg = storage.TaskCancelled, "cancelled"
	case allVectorErrs:
		status = storage.TaskFailed
		errMsg = fmt.Sprintf("%v: every file failed", ErrVectorStore)
		if len(result.Failures) > 0 {
			errMsg += ": " + result.Failures[0]
		}
	case failedRate:
		status = storage.TaskFailed
		errMsg = fmt.Sprintf("failure rate exceeds %.0f%%: %d of %d failed", o.cfg.MaxFailureRate*100, failed, attempted)
	default:
		status = storage.TaskCompleted
		if result.HasErrors() {
			errMsg = fmt.Sprintf("completed with errors: %d files, %d units, %d events failed",
				result.FilesFailed, result.UnitsFailed, result.EventsFailed)
		}
		files, units, err := o.store.Units.CountForLibrary(persist, lib.ID)
		if err != nil {
			logger.Error("failed to count indexed units", "error", err)
		} else {
			stats = &storage.LibraryStats{
				TotalFiles:   files,
				TotalUnits:   units,
				LastDuration: result.Duration,
				LastUpdated:  time.Now(),
			}
		}
	}

	final, err := o.store.Tasks.FinishIndexing(persist, task.ID, status, result, errMsg, stats)
	if err != nil {
		logger.Error("failed to persist task result", "status", status, "error", err)
		final = task
		final.Status = status
		final.Result = result
		final.Error = errMsg
	}

	logger.Info("indexing finished",
		"status", status,
		"files_indexed", result.FilesIndexed,
		"files_failed", result.FilesFailed,
		"files_deleted", result.FilesDeleted,
		"units_embedded", result.UnitsEmbedded,
		"units_unchanged", result.UnitsUnchanged,
		"events_processed", result.EventsProcessed,
		"duration", result.Duration,
		"error", errMsg)

	reporter.OnComplete(final)

	o.mu.Lock()
	hooks := append([]func(*storage.IndexingTask){}, o.onFinish...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(final)
	}
}
