package watcher

import (
	"context"

	"github.com/mvp-joe/cortexd/internal/storage"
)

// Change is one debounced change to a file, relative to the watched root.
type Change struct {
	Path string // slash-separated
	Kind storage.ChangeKind
}

// Filter decides which paths under the root are watched.
type Filter interface {
	// Matches reports whether a file path is included.
	Matches(relPath string) bool

	// IgnoreDir reports whether a directory is skipped entirely.
	IgnoreDir(relPath string) bool
}

// FileWatcher monitors a directory tree and reports one coalesced change per
// path after that path has been quiet for the debounce interval.
type FileWatcher interface {
	// Start begins watching, calling sink with each debounced change.
	// sink may be called from several goroutines.
	Start(ctx context.Context, sink func(Change)) error

	// Stop stops the file watcher and cleans up resources.
	Stop() error

	// Pause stops delivering changes but continues coalescing them.
	Pause()

	// Resume resumes delivery. Changes that settled during pause are delivered immediately.
	Resume()

	// Root returns the watched directory.
	Root() string
}
