package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mvp-joe/cortexd/internal/storage"
)

// PurgeEvents removes a library's Completed and Expired change events older
// than age, recording the work as a Maintenance task. Maintenance does not
// own the library and may run alongside an indexing run.
func (o *Orchestrator) PurgeEvents(ctx context.Context, libraryID string, age time.Duration) (*storage.IndexingTask, error) {
	if age < 0 {
		return nil, configError("older than", fmt.Errorf("negative age %s", age))
	}
	if _, err := o.store.Libraries.Get(ctx, libraryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, libraryID)
		}
		return nil, err
	}

	task, err := o.store.Tasks.Create(ctx, &storage.IndexingTask{
		LibraryID: libraryID,
		Kind:      storage.TaskMaintenance,
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.store.Tasks.Start(ctx, task.ID); err != nil {
		return nil, err
	}

	started := time.Now()
	cutoff := started.Add(-age)
	n, purgeErr := o.store.Events.PurgeLibraryOlderThan(ctx, libraryID, cutoff, storage.EventCompleted, storage.EventExpired)

	result := storage.TaskResult{EventsPurged: n, Duration: time.Since(started)}
	status, errMsg := storage.TaskCompleted, ""
	if purgeErr != nil {
		status, errMsg = storage.TaskFailed, purgeErr.Error()
	}
	final, err := o.store.Tasks.Finish(context.WithoutCancel(ctx), task.ID, status, result, errMsg)
	if err != nil {
		return nil, err
	}

	o.logger.Info("purged change events", "library_id", libraryID, "task_id", task.ID, "purged", n, "cutoff", cutoff)
	if purgeErr != nil {
		return final, purgeErr
	}
	return final, nil
}

// PurgeAllEvents runs PurgeEvents for every library.
func (o *Orchestrator) PurgeAllEvents(ctx context.Context, age time.Duration) (int, error) {
	libs, err := o.store.Libraries.List(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, lib := range libs {
		task, err := o.PurgeEvents(ctx, lib.ID, age)
		if err != nil {
			errs = append(errs, fmt.Errorf("library %s: %w", lib.Name, err))
			continue
		}
		total += task.Result.EventsPurged
	}
	return total, errors.Join(errs...)
}
