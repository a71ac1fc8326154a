package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mvp-joe/cortexd/internal/storage"
)

// ErrWatchLost is reported when the underlying watch handle can no longer
// deliver events and the watcher has stopped.
var ErrWatchLost = errors.New("file watch lost")

const (
	DefaultDebounce = 500 * time.Millisecond

	addRetries    = 3
	addRetryDelay = 50 * time.Millisecond
)

// Options configures a FileWatcher.
type Options struct {
	// Debounce is the quiet period per path before its change is delivered.
	Debounce time.Duration

	// Filter selects watched paths; nil watches everything.
	Filter Filter

	// OnLost is called once, from the watch goroutine, when the watch is lost
	// permanently (root removed, event stream closed). The watcher has
	// stopped delivering changes by then.
	OnLost func(error)

	Logger *slog.Logger
}

// pendingChange is the coalescing slot of one path.
type pendingChange struct {
	kind  storage.ChangeKind
	timer *time.Timer
	gen   uint64
}

// fileWatcher implements FileWatcher with fsnotify.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	filter   Filter
	debounce time.Duration
	onLost   func(error)
	logger   *slog.Logger

	sink   func(Change)
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	paused  bool
	gen     uint64
	pending map[string]*pendingChange     // path -> change still inside its debounce window
	settled map[string]storage.ChangeKind // debounced while paused
	dirs    map[string]bool               // watched directories, relative

	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewFileWatcher creates a watcher for the directory tree under root.
func NewFileWatcher(root string, opts Options) (FileWatcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw := &fileWatcher{
		watcher:  watcher,
		root:     root,
		filter:   opts.Filter,
		debounce: opts.Debounce,
		onLost:   opts.OnLost,
		logger:   opts.Logger.With("root", root),
		pending:  make(map[string]*pendingChange),
		settled:  make(map[string]storage.ChangeKind),
		dirs:     make(map[string]bool),
		doneCh:   make(chan struct{}),
	}

	if err := fw.addDirectoriesRecursively(root, false); err != nil {
		watcher.Close()
		return nil, err
	}
	return fw, nil
}

// Root returns the watched directory.
func (fw *fileWatcher) Root() string {
	return fw.root
}

// Start begins watching for file changes.
func (fw *fileWatcher) Start(ctx context.Context, sink func(Change)) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	fw.sink = sink
	fw.ctx, fw.cancel = context.WithCancel(ctx)

	go fw.watch()
	return nil
}

// Stop stops the file watcher. Changes still inside their debounce window
// are dropped.
func (fw *fileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		if fw.cancel != nil {
			fw.cancel()
			<-fw.doneCh
		} else {
			close(fw.doneCh)
		}
		fw.stopTimers()
		err = fw.watcher.Close()
	})
	return err
}

// Pause stops delivering changes but continues coalescing them.
func (fw *fileWatcher) Pause() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.paused = true
}

// Resume delivers changes that settled during pause, in path order.
func (fw *fileWatcher) Resume() {
	fw.mu.Lock()
	wasPaused := fw.paused
	fw.paused = false
	settled := fw.settled
	fw.settled = make(map[string]storage.ChangeKind)
	fw.mu.Unlock()

	if !wasPaused || len(settled) == 0 {
		return
	}
	paths := make([]string, 0, len(settled))
	for p := range settled {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fw.deliver(Change{Path: p, Kind: settled[p]})
	}
}

// watch is the main event loop.
func (fw *fileWatcher) watch() {
	defer close(fw.doneCh)

	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.lost(fmt.Errorf("%w: event stream closed", ErrWatchLost))
				return
			}
			if fw.rootGone(event) {
				fw.lost(fmt.Errorf("%w: root %s removed", ErrWatchLost, fw.root))
				return
			}
			fw.handle(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.lost(fmt.Errorf("%w: error stream closed", ErrWatchLost))
				return
			}
			// Overflow and similar errors lose individual events, not the watch
			fw.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (fw *fileWatcher) rootGone(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(fw.root) {
		return false
	}
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	_, err := os.Stat(fw.root)
	return errors.Is(err, fs.ErrNotExist)
}

func (fw *fileWatcher) lost(err error) {
	fw.logger.Error("file watch lost", "error", err)
	fw.stopTimers()
	if fw.onLost != nil {
		fw.onLost(err)
	}
}

// handle maps one raw notification to a change kind. A rename arrives as a
// Rename on the old path followed by a Create on the new one, so the old
// path becomes Deleted and the new path Created.
func (fw *fileWatcher) handle(event fsnotify.Event) {
	rel, ok := fw.relative(event.Name)
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if fw.filter != nil && fw.filter.IgnoreDir(rel) {
				return
			}
			// Files created before the watch was added would otherwise be missed
			if err := fw.addDirectoriesRecursively(event.Name, true); err != nil {
				fw.logger.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			return
		}
	}

	var kind storage.ChangeKind
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A removed directory is reported as a whole; its files get no events
		if fw.forgetDir(rel) {
			fw.observe(rel, storage.ChangeDeleted)
			return
		}
		kind = storage.ChangeDeleted
	case event.Has(fsnotify.Create):
		kind = storage.ChangeCreated
	case event.Has(fsnotify.Write):
		kind = storage.ChangeModified
	default:
		return
	}

	if fw.filter != nil && !fw.filter.Matches(rel) {
		return
	}
	fw.observe(rel, kind)
}

// observe folds kind into the path's pending slot and restarts its timer.
func (fw *fileWatcher) observe(rel string, kind storage.ChangeKind) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.gen++
	gen := fw.gen

	p, ok := fw.pending[rel]
	if !ok {
		p = &pendingChange{}
		fw.pending[rel] = p
	} else if p.timer != nil {
		p.timer.Stop()
	}
	p.kind = storage.MergeChangeKind(p.kind, kind)
	p.gen = gen
	p.timer = time.AfterFunc(fw.debounce, func() { fw.fire(rel, gen) })
}

// fire delivers a path's change once its debounce window closed. A timer
// superseded by a later observation finds a newer generation and does nothing.
func (fw *fileWatcher) fire(rel string, gen uint64) {
	fw.mu.Lock()
	p, ok := fw.pending[rel]
	if !ok || p.gen != gen {
		fw.mu.Unlock()
		return
	}
	delete(fw.pending, rel)

	if fw.paused {
		fw.settled[rel] = storage.MergeChangeKind(fw.settled[rel], p.kind)
		fw.mu.Unlock()
		return
	}
	fw.mu.Unlock()

	fw.deliver(Change{Path: rel, Kind: p.kind})
}

func (fw *fileWatcher) deliver(c Change) {
	if fw.ctx != nil && fw.ctx.Err() != nil {
		return
	}
	fw.logger.Debug("file changed", "path", c.Path, "change", c.Kind)
	fw.sink(c)
}

func (fw *fileWatcher) stopTimers() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for rel, p := range fw.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(fw.pending, rel)
	}
}

// relative converts an absolute event path to a slash-separated path under root.
func (fw *fileWatcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// addDirectoriesRecursively adds all directories in the tree to the watcher.
// With announce, files already present are reported as Created.
func (fw *fileWatcher) addDirectoriesRecursively(rootPath string, announce bool) error {
	return filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// If it's the root path, fail immediately
			if path == rootPath {
				return err
			}
			fw.logger.Warn("error accessing path", "path", path, "error", err)
			return nil
		}

		rel, ok := fw.relative(path)
		if !d.IsDir() {
			if announce && ok && d.Type().IsRegular() && (fw.filter == nil || fw.filter.Matches(rel)) {
				fw.observe(rel, storage.ChangeCreated)
			}
			return nil
		}
		if ok && fw.filter != nil && fw.filter.IgnoreDir(rel) {
			return filepath.SkipDir
		}

		if err := fw.addWithRetry(path); err != nil {
			if path == rootPath {
				return err
			}
			fw.logger.Warn("failed to watch directory", "path", path, "error", err)
			return nil
		}
		if ok {
			fw.mu.Lock()
			fw.dirs[rel] = true
			fw.mu.Unlock()
		}
		return nil
	})
}

// forgetDir drops a removed directory and everything below it from the
// watched set and reports whether rel was a watched directory.
func (fw *fileWatcher) forgetDir(rel string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.dirs[rel] {
		return false
	}
	for d := range fw.dirs {
		if d == rel || strings.HasPrefix(d, rel+"/") {
			delete(fw.dirs, d)
		}
	}
	return true
}

// addWithRetry retries transient failures adding a directory watch.
func (fw *fileWatcher) addWithRetry(path string) error {
	var err error
	for attempt := 0; attempt < addRetries; attempt++ {
		if err = fw.watcher.Add(path); err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		time.Sleep(addRetryDelay * time.Duration(attempt+1))
	}
	return err
}
