package mcp

import (
	"time"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
)

// WatchView is a library's watch configuration in tool responses.
type WatchView struct {
	Enabled     bool     `json:"enabled"`
	Include     []string `json:"include"`
	Exclude     []string `json:"exclude"`
	Debounce    string   `json:"debounce"`
	MaxFileSize int64    `json:"max_file_size"`
}

// LibraryView is a library in tool responses.
type LibraryView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	RootPath    string     `json:"root_path"`
	Status      string     `json:"status"`
	Watch       WatchView  `json:"watch"`
	TotalFiles  int        `json:"total_files"`
	TotalUnits  int        `json:"total_units"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// TaskView is an indexing task in tool responses.
type TaskView struct {
	ID          string             `json:"id"`
	LibraryID   string             `json:"library_id"`
	Kind        string             `json:"kind"`
	Status      string             `json:"status"`
	Progress    float64            `json:"progress"`
	CurrentFile string             `json:"current_file,omitempty"`
	Result      storage.TaskResult `json:"result"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// SearchResponse is the search tool result.
type SearchResponse struct {
	LibraryID string              `json:"library_id"`
	Query     string              `json:"query"`
	Results   []indexer.SearchHit `json:"results"`
	Total     int                 `json:"total"`
}

// TaskStatusResponse is the task_status tool result. Task is set when a task
// was asked for; Library, ActiveTask, LastTask and Events when a library was.
type TaskStatusResponse struct {
	Task       *TaskView      `json:"task,omitempty"`
	Library    *LibraryView   `json:"library,omitempty"`
	ActiveTask *TaskView      `json:"active_task,omitempty"`
	LastTask   *TaskView      `json:"last_task,omitempty"`
	Events     map[string]int `json:"events,omitempty"`

	CollectionProvider string         `json:"collection_provider,omitempty"`
	Providers          []ProviderView `json:"providers,omitempty"`
}

// ProviderView is one embedding client's health.
type ProviderView struct {
	Name                string `json:"name"`
	Active              bool   `json:"active"`
	Reachable           bool   `json:"reachable"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// ListLibrariesResponse is the list_libraries tool result.
type ListLibrariesResponse struct {
	Libraries []LibraryView `json:"libraries"`
	Total     int           `json:"total"`
}

func libraryView(lib *storage.Library) *LibraryView {
	if lib == nil {
		return nil
	}
	v := &LibraryView{
		ID:       lib.ID,
		Name:     lib.Name,
		RootPath: lib.RootPath,
		Status:   string(lib.Status),
		Watch: WatchView{
			Enabled:     lib.Watch.Enabled,
			Include:     nonNil(lib.Watch.Include),
			Exclude:     nonNil(lib.Watch.Exclude),
			Debounce:    lib.Watch.Debounce.String(),
			MaxFileSize: lib.Watch.MaxFileSize,
		},
		TotalFiles: lib.Stats.TotalFiles,
		TotalUnits: lib.Stats.TotalUnits,
	}
	if !lib.Stats.LastUpdated.IsZero() {
		t := lib.Stats.LastUpdated
		v.LastUpdated = &t
	}
	return v
}

func providerViews(health []embed.ClientHealth) []ProviderView {
	out := make([]ProviderView, len(health))
	for i, h := range health {
		out[i] = ProviderView{
			Name:                h.Name,
			Active:              h.Active,
			Reachable:           h.Reachable,
			ConsecutiveFailures: h.ConsecutiveFailures,
		}
	}
	return out
}

func taskView(task *storage.IndexingTask) *TaskView {
	if task == nil {
		return nil
	}
	return &TaskView{
		ID:          task.ID,
		LibraryID:   task.LibraryID,
		Kind:        string(task.Kind),
		Status:      string(task.Status),
		Progress:    task.Progress,
		CurrentFile: task.CurrentFile,
		Result:      task.Result,
		Error:       task.Error,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
