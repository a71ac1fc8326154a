// Package daemon enforces that one cortexd process owns a data directory.
//
// The owner is the only process allowed to mutate the store, run recovery and
// start indexing runs. Ownership is an advisory file lock on <data dir>/cortexd.lock
// which the kernel releases when the process exits, so a crashed owner never
// leaves the directory locked.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// LockFileName is the lock file created inside the data directory.
const LockFileName = "cortexd.lock"

// ErrAlreadyRunning is returned when another process holds the data directory.
var ErrAlreadyRunning = errors.New("another cortexd process owns the data directory")

// DataDirLock is a held lock on a data directory.
type DataDirLock struct {
	dir  string
	lock *flock.Flock
}

// AcquireDataDir creates dir if needed and takes its lock without blocking.
// It returns ErrAlreadyRunning, wrapped with the owner's pid when known, if
// another process holds it.
func AcquireDataDir(dir string) (*DataDirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, LockFileName)
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		if pid := readOwner(path); pid > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return nil, ErrAlreadyRunning
	}

	// The pid is informational only; the lock itself is the flock.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to record owner: %w", err)
	}
	return &DataDirLock{dir: dir, lock: lock}, nil
}

// Dir returns the locked directory.
func (l *DataDirLock) Dir() string {
	return l.dir
}

// Release releases the lock. It is safe to call more than once.
func (l *DataDirLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}

// Owner returns the pid recorded by the process holding dir's lock, or 0 when
// the directory is not locked.
func Owner(dir string) int {
	path := filepath.Join(dir, LockFileName)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return 0
	}
	if locked {
		_ = fl.Unlock()
		return 0
	}
	return readOwner(path)
}

func readOwner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
