package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pyindex/pyindexd/internal/errs"
)

func writePidfile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

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

// CheckSingleInstance guards against two orchestrators racing over the
// same run_dir (spec §6 exit code 3: "pidfile/lock collision"). A
// pidfile whose pid is no longer alive is treated as a leftover from a
// prior crash and is overwritten, the same staleness rule FW's lock
// file uses.
func (s *Supervisor) CheckSingleInstance() error {
	path := s.selfPidPath()
	if pid, err := readPidfile(path); err == nil && pidAlive(pid) {
		return errs.New(errs.LockHeld, fmt.Sprintf("orchestrator already running as pid %d (see %s)", pid, path))
	}
	return writePidfile(path, os.Getpid())
}

// ReleaseSingleInstance removes the orchestrator-level pidfile on clean
// shutdown.
func (s *Supervisor) ReleaseSingleInstance() {
	_ = os.Remove(s.selfPidPath())
}

func (s *Supervisor) selfPidPath() string {
	return s.pidPath("orchestrator")
}
