package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Plan for DataDirLock:
// - AcquireDataDir creates the directory and records the owner pid
// - A second AcquireDataDir on the same directory fails with ErrAlreadyRunning
// - After Release the directory can be acquired again
// - Release is idempotent and nil-safe
// - Owner reports the pid only while the lock is held
// - Different directories are independent

func TestAcquireDataDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	lock, err := AcquireDataDir(dir)
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, dir, lock.Dir())
	assert.DirExists(t, dir)
	assert.FileExists(t, filepath.Join(dir, LockFileName))
	assert.Equal(t, os.Getpid(), Owner(dir))
}

func TestAcquireDataDir_AlreadyHeld(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := AcquireDataDir(dir)
	require.NoError(t, err)

	_, err = AcquireDataDir(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	require.NoError(t, first.Release())

	second, err := AcquireDataDir(dir)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestDataDirLock_Release(t *testing.T) {
	t.Parallel()

	var nilLock *DataDirLock
	assert.NoError(t, nilLock.Release())

	lock, err := AcquireDataDir(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, lock.Release())
	assert.NoError(t, lock.Release())
}

func TestOwner_NotLocked(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	assert.Equal(t, 0, Owner(dir))

	lock, err := AcquireDataDir(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	assert.Equal(t, 0, Owner(dir), "a stale pid file is not an owner")
}

func TestAcquireDataDir_Independent(t *testing.T) {
	t.Parallel()

	a, err := AcquireDataDir(t.TempDir())
	require.NoError(t, err)
	defer a.Release()

	b, err := AcquireDataDir(t.TempDir())
	require.NoError(t, err)
	defer b.Release()
}
