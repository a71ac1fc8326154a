package indexer

import "github.com/mvp-joe/cortexd/internal/storage"

// ProgressReporter provides callbacks for reporting indexing progress.
// Implementations can display progress bars, log messages, or remain silent.
// Callbacks may be invoked from several goroutines.
type ProgressReporter interface {
	// OnDiscoveryComplete is called when file discovery (or event loading) finishes.
	OnDiscoveryComplete(files, oversized int)

	// OnFileProcessingStart is called before processing files.
	OnFileProcessingStart(totalFiles int)

	// OnEmbeddingProgress is called after each embedded batch with its unit count.
	OnEmbeddingProgress(units int)

	// OnFileProcessed is called after each file is processed.
	OnFileProcessed(path string, result FileSync, err error)

	// OnComplete is called with the finished task.
	OnComplete(task *storage.IndexingTask)
}

// NoOpProgressReporter is a progress reporter that does nothing.
// Used when progress reporting is disabled (e.g., --quiet flag).
type NoOpProgressReporter struct{}

func (NoOpProgressReporter) OnDiscoveryComplete(files, oversized int)                {}
func (NoOpProgressReporter) OnFileProcessingStart(totalFiles int)                    {}
func (NoOpProgressReporter) OnEmbeddingProgress(units int)                           {}
func (NoOpProgressReporter) OnFileProcessed(path string, result FileSync, err error) {}
func (NoOpProgressReporter) OnComplete(task *storage.IndexingTask)                   {}
