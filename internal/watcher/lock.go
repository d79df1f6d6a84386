package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/pyindex/pyindexd/internal/errs"
)

// lockFileName is the per-watch-root lock (spec §6: "Worker lock file.
// Path <watch_root>/.file_watcher.lock").
const lockFileName = ".file_watcher.lock"

// lockBody is the JSON diagnostic payload written alongside the
// advisory flock, per spec §6's {pid, timestamp, worker_name, hostname}.
type lockBody struct {
	Pid        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
}

// RootLock guards single-FW-instance-per-watch-root using
// github.com/gofrs/flock for the OS-level advisory lock (pulled from
// Aman-CERP-amanmcp/internal/embed/lock.go's FileLock wrapper) plus the
// spec's own pid-liveness JSON body, so a lock file left behind by a
// process that died without releasing it is still detected as stale
// even on platforms where the flock itself outlives the crash check.
type RootLock struct {
	path   string
	fl     *flock.Flock
	locked bool
}

// NewRootLock constructs the lock for watch root.
func NewRootLock(root string) *RootLock {
	path := filepath.Join(root, lockFileName)
	return &RootLock{path: path, fl: flock.New(path)}
}

// TryAcquire attempts to take the lock, first clearing it if the
// recorded pid is no longer alive (spec §4.3 step 1 / §8: "A lock file
// whose pid is not alive is treated as absent").
func (l *RootLock) TryAcquire() error {
	if body, err := readLockBody(l.path); err == nil && !pidAlive(body.Pid) {
		_ = os.Remove(l.path)
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return errs.Wrap(errs.LockHeld, "acquiring lock "+l.path, err)
	}
	if !ok {
		return errs.New(errs.LockHeld, "lock held by another process: "+l.path)
	}
	l.locked = true

	hostname, _ := os.Hostname()
	body := lockBody{Pid: os.Getpid(), Timestamp: time.Now(), WorkerName: "file-watcher", Hostname: hostname}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("watcher: encoding lock body: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		_ = l.fl.Unlock()
		l.locked = false
		return errs.Wrap(errs.FilesystemError, "writing lock body "+l.path, err)
	}
	return nil
}

// Release drops the lock. Safe to call on an unlocked RootLock.
func (l *RootLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.fl.Unlock(); err != nil {
		return errs.Wrap(errs.FilesystemError, "releasing lock "+l.path, err)
	}
	return nil
}

func readLockBody(path string) (*lockBody, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var body lockBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// pidAlive reports whether pid names a live process, by sending the
// null signal (the standard liveness probe on POSIX systems).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
