package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var taskColumns = []string{
	"id", "library_id", "kind", "status", "progress", "current_file", "priority",
	"config_snapshot", "result", "error_message", "created_at", "started_at", "completed_at",
}

// TaskStore persists IndexingTask records. Every state change is written
// before the caller proceeds, so the last known state survives a restart.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTaskStore creates a TaskStore.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, now: time.Now}
}

// Create inserts a task in Pending status. Use BeginIndexing for exclusive kinds
// so the library status moves with the task.
func (s *TaskStore) Create(ctx context.Context, task *IndexingTask) (*IndexingTask, error) {
	var created *IndexingTask
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		created, err = insertTask(ctx, tx, task, s.now())
		return err
	})
	return created, err
}

// BeginIndexing atomically moves a library into Indexing and records a Pending
// task of the given kind for it.
//
// The library transition is conditional on the library not already being
// Indexing, so two concurrent callers cannot both succeed: the loser gets
// ErrConflict and nothing is written.
func (s *TaskStore) BeginIndexing(ctx context.Context, libraryID string, kind TaskKind, priority int, snapshot string) (*IndexingTask, error) {
	if !kind.Exclusive() {
		return nil, fmt.Errorf("task kind %s does not own the library", kind)
	}

	var task *IndexingTask
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.now()
		from := []LibraryStatus{LibraryPending, LibraryCompleted, LibraryFailed, LibraryCancelled}
		if err := transitionLibrary(ctx, tx, libraryID, from, LibraryIndexing, now); err != nil {
			return err
		}

		var err error
		task, err = insertTask(ctx, tx, &IndexingTask{
			LibraryID:      libraryID,
			Kind:           kind,
			Priority:       priority,
			ConfigSnapshot: snapshot,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Start moves a Pending task to Running and records its start time.
func (s *TaskStore) Start(ctx context.Context, id string) (*IndexingTask, error) {
	var task *IndexingTask
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := sq.Update("indexing_tasks").
			Set("status", string(TaskRunning)).
			Set("started_at", now).
			Where(sq.Eq{"id": id, "status": string(TaskPending)}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to start task: %w", err)
		}

		task, err = getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s is %s", ErrConflict, id, task.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateProgress records progress (0-100) and the file currently being processed.
// Only Running tasks are updated; progress on a finished task is ignored.
func (s *TaskStore) UpdateProgress(ctx context.Context, id string, progress float64, currentFile string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := sq.Update("indexing_tasks").
		Set("progress", progress).
		Set("current_file", currentFile).
		Where(sq.Eq{"id": id, "status": string(TaskRunning)}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// Finish moves a non-terminal task to a terminal status with its result.
// For exclusive kinds use FinishIndexing so the library is released too.
func (s *TaskStore) Finish(ctx context.Context, id string, status TaskStatus, result TaskResult, errMsg string) (*IndexingTask, error) {
	var task *IndexingTask
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		task, err = finishTask(ctx, tx, id, status, result, errMsg, s.now())
		return err
	})
	return task, err
}

// FinishIndexing finishes an exclusive task and releases its library in one
// transaction. The library status follows the task status (Completed, Failed,
// Cancelled). Statistics are written only when stats is non-nil.
func (s *TaskStore) FinishIndexing(ctx context.Context, id string, status TaskStatus, result TaskResult, errMsg string, stats *LibraryStats) (*IndexingTask, error) {
	var libStatus LibraryStatus
	switch status {
	case TaskCompleted:
		libStatus = LibraryCompleted
	case TaskFailed:
		libStatus = LibraryFailed
	case TaskCancelled:
		libStatus = LibraryCancelled
	default:
		return nil, fmt.Errorf("task status %s is not terminal", status)
	}

	var task *IndexingTask
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.now()
		var err error
		task, err = finishTask(ctx, tx, id, status, result, errMsg, now)
		if err != nil {
			return err
		}

		if err := transitionLibrary(ctx, tx, task.LibraryID, []LibraryStatus{LibraryIndexing}, libStatus, now); err != nil {
			return err
		}
		if stats != nil {
			return updateLibraryStats(ctx, tx, task.LibraryID, *stats, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*IndexingTask, error) {
	return getTask(ctx, s.db, id)
}

// ListByLibrary returns a library's tasks, newest first. limit <= 0 means no limit.
func (s *TaskStore) ListByLibrary(ctx context.Context, libraryID string, limit int) ([]*IndexingTask, error) {
	b := sq.Select(taskColumns...).
		From("indexing_tasks").
		Where(sq.Eq{"library_id": libraryID}).
		OrderBy("created_at DESC", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return queryTasks(ctx, s.db, b)
}

// ListByStatus returns tasks in any of the given statuses, oldest first.
func (s *TaskStore) ListByStatus(ctx context.Context, statuses ...TaskStatus) ([]*IndexingTask, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	b := sq.Select(taskColumns...).
		From("indexing_tasks").
		Where(sq.Eq{"status": strs}).
		OrderBy("created_at", "id")
	return queryTasks(ctx, s.db, b)
}

// ActiveForLibrary returns the library's Pending or Running exclusive task.
func (s *TaskStore) ActiveForLibrary(ctx context.Context, libraryID string) (*IndexingTask, error) {
	b := sq.Select(taskColumns...).
		From("indexing_tasks").
		Where(sq.Eq{
			"library_id": libraryID,
			"status":     []string{string(TaskPending), string(TaskRunning)},
			"kind":       []string{string(TaskIndexing), string(TaskRebuild), string(TaskFileUpdate)},
		}).
		Limit(1)
	tasks, err := queryTasks(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("active task for library %s: %w", libraryID, ErrNotFound)
	}
	return tasks[0], nil
}

func insertTask(ctx context.Context, tx *sql.Tx, task *IndexingTask, now time.Time) (*IndexingTask, error) {
	created := *task
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.ConfigSnapshot == "" {
		created.ConfigSnapshot = "{}"
	}
	created.Status = TaskPending
	created.CreatedAt = parseTime(formatTime(now))

	result, err := json.Marshal(created.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task result: %w", err)
	}

	_, err = sq.Insert("indexing_tasks").
		Columns("id", "library_id", "kind", "status", "priority", "config_snapshot", "result", "created_at").
		Values(created.ID, created.LibraryID, string(created.Kind), string(created.Status), created.Priority,
			created.ConfigSnapshot, string(result), formatTime(now)).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, fmt.Errorf("%w: library %s already has an active indexing task", ErrConflict, created.LibraryID)
		case isForeignKeyViolation(err):
			return nil, fmt.Errorf("library %s: %w", created.LibraryID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return &created, nil
}

func finishTask(ctx context.Context, tx *sql.Tx, id string, status TaskStatus, result TaskResult, errMsg string, now time.Time) (*IndexingTask, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("task status %s is not terminal", status)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task result: %w", err)
	}

	b := sq.Update("indexing_tasks").
		Set("status", string(status)).
		Set("result", string(encoded)).
		Set("error_message", errMsg).
		Set("current_file", "").
		Set("completed_at", formatTime(now)).
		Where(sq.Eq{"id": id, "status": []string{string(TaskPending), string(TaskRunning)}})
	if status == TaskCompleted {
		b = b.Set("progress", 100)
	}

	res, err := b.RunWith(tx).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to finish task: %w", err)
	}

	task, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: task %s is already %s", ErrConflict, id, task.Status)
	}
	return task, nil
}

func getTask(ctx context.Context, runner sq.BaseRunner, id string) (*IndexingTask, error) {
	row := sq.Select(taskColumns...).
		From("indexing_tasks").
		Where(sq.Eq{"id": id}).
		RunWith(runner).
		QueryRowContext(ctx)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

func queryTasks(ctx context.Context, runner sq.BaseRunner, b sq.SelectBuilder) ([]*IndexingTask, error) {
	rows, err := b.RunWith(runner).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*IndexingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*IndexingTask, error) {
	var (
		task        IndexingTask
		kind        string
		status      string
		result      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&task.ID, &task.LibraryID, &kind, &status, &task.Progress, &task.CurrentFile,
		&task.Priority, &task.ConfigSnapshot, &result, &task.Error, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	task.Kind = TaskKind(kind)
	task.Status = TaskStatus(status)
	if result != "" {
		if err := json.Unmarshal([]byte(result), &task.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for task %s: %w", task.ID, err)
		}
	}
	task.CreatedAt = parseTime(createdAt)
	task.StartedAt = parseTimePtr(startedAt)
	task.CompletedAt = parseTimePtr(completedAt)
	return &task, nil
}
