package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mvp-joe/cortexd/internal/storage"
)

// CorrectionKind names a state-correcting write made by Recovery.
type CorrectionKind string

const (
	CorrectionEventRequeued   CorrectionKind = "event_requeued"
	CorrectionTaskFailed      CorrectionKind = "task_failed"
	CorrectionTaskRestarted   CorrectionKind = "task_restarted"
	CorrectionLibraryReleased CorrectionKind = "library_released"
)

// Correction is one write Recovery applied.
type Correction struct {
	Kind      CorrectionKind
	LibraryID string
	TaskID    string // the interrupted task, or the new task for task_restarted
	EventID   string
	Detail    string
}

const recoveryNote = "interrupted: process exited before the task finished"

// Recovery reconciles persisted state left behind by a process that exited
// mid-run. It must run before watchers and new runs start, and while no other
// process owns the store.
type Recovery struct {
	store  *storage.Store
	orch   *Orchestrator
	logger *slog.Logger
}

// NewRecovery creates a Recovery. With a nil orchestrator interrupted runs
// are marked Failed but not restarted.
func NewRecovery(store *storage.Store, orch *Orchestrator, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{store: store, orch: orch, logger: logger}
}

// Run applies the corrections and returns them. Running it again finds
// nothing left to correct. Runs started by the orchestrator in this process
// are never touched.
func (r *Recovery) Run(ctx context.Context) ([]Correction, error) {
	var corrections []Correction

	events, err := r.store.Events.LoadProcessing(ctx)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := r.store.Events.ResetToPending(ctx, ev.ID); err != nil {
			return corrections, fmt.Errorf("failed to requeue event %s: %w", ev.ID, err)
		}
		corrections = append(corrections, Correction{
			Kind:      CorrectionEventRequeued,
			LibraryID: ev.LibraryID,
			EventID:   ev.ID,
			Detail:    fmt.Sprintf("%s %s", ev.Kind, ev.FilePath),
		})
		r.logger.Info("requeued interrupted event", "event_id", ev.ID, "library_id", ev.LibraryID, "path", ev.FilePath)
	}

	owned := make(map[string]bool)
	if r.orch != nil {
		for _, id := range r.orch.ActiveRuns() {
			owned[id] = true
		}
	}

	tasks, err := r.store.Tasks.ListByStatus(ctx, storage.TaskPending, storage.TaskRunning)
	if err != nil {
		return corrections, err
	}
	for _, task := range tasks {
		if owned[task.ID] {
			continue
		}
		cs, err := r.recoverTask(ctx, task)
		corrections = append(corrections, cs...)
		if err != nil {
			return corrections, err
		}
	}

	// A library left Indexing with no active task cannot be re-entered
	libs, err := r.store.Libraries.ListByStatus(ctx, storage.LibraryIndexing)
	if err != nil {
		return corrections, err
	}
	for _, lib := range libs {
		_, err := r.store.Tasks.ActiveForLibrary(ctx, lib.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return corrections, err
		}
		err = r.store.Libraries.TransitionStatus(ctx, lib.ID, []storage.LibraryStatus{storage.LibraryIndexing}, storage.LibraryFailed)
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return corrections, err
		}
		corrections = append(corrections, Correction{Kind: CorrectionLibraryReleased, LibraryID: lib.ID, Detail: "no active task"})
	}

	return corrections, nil
}

func (r *Recovery) recoverTask(ctx context.Context, task *storage.IndexingTask) ([]Correction, error) {
	logger := r.logger.With("task_id", task.ID, "library_id", task.LibraryID, "kind", task.Kind)
	result := task.Result

	if !task.Kind.Exclusive() {
		if _, err := r.store.Tasks.Finish(ctx, task.ID, storage.TaskFailed, result, recoveryNote); err != nil {
			return nil, err
		}
		logger.Info("failed interrupted task")
		return []Correction{{Kind: CorrectionTaskFailed, LibraryID: task.LibraryID, TaskID: task.ID, Detail: recoveryNote}}, nil
	}

	lib, err := r.store.Libraries.Get(ctx, task.LibraryID)
	if err != nil {
		return nil, err
	}

	restartable := r.orch != nil
	note := recoveryNote
	if info, err := os.Stat(lib.RootPath); err != nil || !info.IsDir() {
		restartable = false
		note = fmt.Sprintf("%s; root %s is no longer available", recoveryNote, lib.RootPath)
	}

	_, err = r.store.Tasks.FinishIndexing(ctx, task.ID, storage.TaskFailed, result, note, nil)
	if errors.Is(err, storage.ErrConflict) {
		// Library already released; finish the task alone
		_, err = r.store.Tasks.Finish(ctx, task.ID, storage.TaskFailed, result, note)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fail interrupted task %s: %w", task.ID, err)
	}
	corrections := []Correction{{Kind: CorrectionTaskFailed, LibraryID: lib.ID, TaskID: task.ID, Detail: note}}
	logger.Info("failed interrupted task", "note", note)

	if !restartable {
		return corrections, nil
	}

	// Rebuild dropped the collection before it was interrupted; restart it as a
	// rebuild so every file is re-embedded. Anything else becomes a full scan,
	// which also covers events the interrupted run consumed.
	start := r.orch.StartIndex
	if task.Kind == storage.TaskRebuild {
		start = r.orch.StartRebuild
	}
	next, err := start(ctx, lib.ID, StartOptions{Priority: task.Priority})
	if err != nil {
		logger.Warn("failed to restart interrupted task", "error", err)
		return corrections, nil
	}
	logger.Info("restarted interrupted task", "new_task_id", next.ID)
	return append(corrections, Correction{
		Kind:      CorrectionTaskRestarted,
		LibraryID: lib.ID,
		TaskID:    next.ID,
		Detail:    fmt.Sprintf("restarts %s", task.ID),
	}), nil
}
