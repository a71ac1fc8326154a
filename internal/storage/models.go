package storage

import (
	"errors"
	"time"
)

// Domain models that mirror SQL tables in schema.go.
// These are lightweight data transfer structs, NOT ORM models.

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional state transition does not apply
	// because the record is not in one of the expected states.
	ErrConflict = errors.New("state transition conflict")

	// ErrDuplicateRoot is returned when a library root path is already registered.
	ErrDuplicateRoot = errors.New("library root path already registered")
)

// LibraryStatus is the lifecycle status of a library.
type LibraryStatus string

const (
	LibraryPending   LibraryStatus = "pending"
	LibraryIndexing  LibraryStatus = "indexing"
	LibraryCompleted LibraryStatus = "completed"
	LibraryFailed    LibraryStatus = "failed"
	LibraryCancelled LibraryStatus = "cancelled"
)

// WatchConfig configures filesystem watching and file eligibility for a library.
// Stored as JSON in libraries.watch_config.
type WatchConfig struct {
	Enabled     bool          `json:"enabled"`
	Include     []string      `json:"include"`
	Exclude     []string      `json:"exclude"`
	Debounce    time.Duration `json:"debounce"`
	MaxFileSize int64         `json:"max_file_size"` // bytes, 0 = unlimited
}

// LibraryStats are the statistics recorded after the last successful run.
type LibraryStats struct {
	TotalFiles   int           // total_files: files currently indexed
	TotalUnits   int           // total_units: content units currently indexed
	LastDuration time.Duration // last_duration_ms
	LastUpdated  time.Time     // last_updated (zero = never)
}

// Library is one watched and indexed codebase.
// Maps to the libraries table.
type Library struct {
	ID         string        // id: UUID
	Name       string        // name: display name
	RootPath   string        // root_path: absolute, symlinks resolved, unique
	Collection string        // collection: vector store collection name
	Status     LibraryStatus // status
	Watch      WatchConfig   // watch_config (JSON)
	Stats      LibraryStats
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChangeKind is the kind of an observed file mutation.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed" // path is the rename source; the file is gone from it
)

// Removes reports whether processing this kind removes the file from the index.
func (k ChangeKind) Removes() bool {
	return k == ChangeDeleted || k == ChangeRenamed
}

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreated, ChangeModified, ChangeDeleted, ChangeRenamed:
		return true
	}
	return false
}

// MergeChangeKind folds a later change into an earlier one for the same path and
// returns the net kind of the sequence.
//
//	created  + modified -> created
//	modified + modified -> modified
//	any      + deleted  -> deleted
//	any      + renamed  -> renamed
//	deleted  + created  -> modified (file replaced)
//	renamed  + created  -> modified
func MergeChangeKind(prev, next ChangeKind) ChangeKind {
	if prev == "" {
		return next
	}
	switch next {
	case ChangeDeleted, ChangeRenamed:
		return next
	case ChangeCreated:
		if prev.Removes() || prev == ChangeModified {
			return ChangeModified
		}
		return ChangeCreated
	case ChangeModified:
		if prev == ChangeCreated {
			return ChangeCreated
		}
		return ChangeModified
	}
	return next
}

// EventStatus is the processing status of a change event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventExpired    EventStatus = "expired"
)

// ChangeEvent is one observed (and possibly coalesced) file mutation.
// Maps to the change_events table.
type ChangeEvent struct {
	Seq         int64       // seq: enqueue order, preserved across coalescing
	ID          string      // id: UUID
	LibraryID   string      // library_id: FK to libraries
	FilePath    string      // file_path: slash-separated, relative to library root
	Kind        ChangeKind  // kind: net kind after coalescing
	Status      EventStatus // status
	RetryCount  int         // retry_count: failed processing attempts so far
	LastRetryAt *time.Time  // last_retry_at (nullable)
	Error       string      // error_message
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time // processed_at (nullable)
}

// TaskKind is the kind of an indexing task.
type TaskKind string

const (
	TaskIndexing       TaskKind = "indexing"
	TaskRebuild        TaskKind = "rebuild"
	TaskFileUpdate     TaskKind = "file_update"
	TaskWatcherRestart TaskKind = "watcher_restart"
	TaskMaintenance    TaskKind = "maintenance"
)

// Exclusive reports whether tasks of this kind count against the
// one-active-run-per-library rule.
func (k TaskKind) Exclusive() bool {
	return k == TaskIndexing || k == TaskRebuild || k == TaskFileUpdate
}

// TaskStatus is the lifecycle status of an indexing task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskResult summarizes one run. Stored as JSON in indexing_tasks.result.
type TaskResult struct {
	FilesIndexed    int           `json:"files_indexed"`
	FilesSkipped    int           `json:"files_skipped"`
	FilesFailed     int           `json:"files_failed"`
	FilesDeleted    int           `json:"files_deleted"`
	UnitsEmbedded   int           `json:"units_embedded"`
	UnitsUnchanged  int           `json:"units_unchanged"`
	UnitsFailed     int           `json:"units_failed"`
	UnitsDeleted    int           `json:"units_deleted"`
	EventsProcessed int           `json:"events_processed"`
	EventsFailed    int           `json:"events_failed"`
	EventsPurged    int           `json:"events_purged"`
	Duration        time.Duration `json:"duration"`
	Failures        []string      `json:"failures,omitempty"` // first few per-file/unit failures
}

// HasErrors reports whether the run completed with partial failures.
func (r TaskResult) HasErrors() bool {
	return r.FilesFailed > 0 || r.UnitsFailed > 0 || r.EventsFailed > 0
}

// IndexingTask is one run of bringing a library's index up to date.
// Maps to the indexing_tasks table.
type IndexingTask struct {
	ID             string     // id: UUID
	LibraryID      string     // library_id: FK to libraries
	Kind           TaskKind   // kind
	Status         TaskStatus // status
	Progress       float64    // progress: 0-100
	CurrentFile    string     // current_file
	Priority       int        // priority: higher runs first when slots are contended
	ConfigSnapshot string     // config_snapshot: JSON of the effective configuration
	Result         TaskResult // result (JSON)
	Error          string     // error_message
	CreatedAt      time.Time
	StartedAt      *time.Time // started_at (nullable)
	CompletedAt    *time.Time // completed_at (nullable)
}

// UnitRecord tracks one content unit currently stored in the vector store.
// Maps to the unit_records table.
type UnitRecord struct {
	LibraryID   string // library_id
	FilePath    string // file_path
	UnitID      string // unit_id: stable id derived from (library, path, position)
	Position    int    // position: ordinal within the file
	ContentHash string // content_hash: SHA-256 of the unit text
	StartLine   int
	EndLine     int
	Provider    string // provider: embedding client that produced the stored vector
	UpdatedAt   time.Time
}
