package watcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAndRelease(t *testing.T) {
	root := t.TempDir()
	lock := NewRootLock(root)

	require.NoError(t, lock.TryAcquire())
	assert.FileExists(t, filepath.Join(root, lockFileName))
	require.NoError(t, lock.Release())

	// releasing twice is a no-op, not an error
	require.NoError(t, lock.Release())
}

func TestTryAcquireFailsWhenAlreadyHeld(t *testing.T) {
	root := t.TempDir()
	first := NewRootLock(root)
	require.NoError(t, first.TryAcquire())
	defer first.Release()

	second := NewRootLock(root)
	err := second.TryAcquire()
	assert.Error(t, err)
}

func TestTryAcquireClearsStaleLockFromDeadPID(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, lockFileName)

	body := lockBody{Pid: 1 << 30, Timestamp: time.Now(), WorkerName: "file-watcher", Hostname: "h"}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lock := NewRootLock(root)
	require.NoError(t, lock.TryAcquire())
	defer lock.Release()

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	var got lockBody
	require.NoError(t, json.Unmarshal(written, &got))
	assert.Equal(t, os.Getpid(), got.Pid)
}

func TestPidAliveCurrentProcess(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
}

func TestPidAliveRejectsNonPositive(t *testing.T) {
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-5))
}
