// Package orchestrator implements the Worker Orchestrator (WO): start,
// supervise, and stop the file-watcher, indexer, and vectorizer
// workers as separate OS processes (spec §4.6).
//
// The supervise/restart-with-backoff shape has no direct analogue in
// the teacher (a CLI tunnel tool with no child-process model), so it
// is grounded on the spec's own process model (§4.6/§5) and written in
// os/exec the way a production Go supervisor is built, logging through
// the same internal/logging wrapper the rest of the system uses.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/storage"
)

// childSpec describes one supervised worker.
type childSpec struct {
	name    string // "file-watcher", "indexer", "vectorizer"
	enabled bool
}

// Supervisor runs WO's process-management loop.
type Supervisor struct {
	binary     string // self path, re-exec'd with "worker <name>" subcommands
	configPath string
	cfg        config.OrchestratorConfig
	workers    config.WorkersConfig
	client     *storage.Client
	log        *logging.Logger
}

// NewSupervisor constructs a Supervisor. binary is the path to the
// current executable (as resolved by os.Executable); configPath is passed to every child
// via --config so each worker loads the identical configuration object
// (spec §4.6 "Config handshake").
func NewSupervisor(binary, configPath string, cfg *config.Config, client *storage.Client, log *logging.Logger) *Supervisor {
	return &Supervisor{
		binary:     binary,
		configPath: configPath,
		cfg:        cfg.Orchestrator,
		workers:    cfg.Workers,
		client:     client,
		log:        log,
	}
}

// Run starts every enabled worker and supervises them until ctx is
// cancelled, at which point it stops all children and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RunDir, 0o755); err != nil {
		return errs.Wrap(errs.ConfigError, "creating orchestrator run_dir", err)
	}

	specs := []childSpec{
		{name: "file-watcher", enabled: s.workers.FileWatcher.Enabled},
		{name: "indexer", enabled: s.workers.Indexer.Enabled},
		{name: "vectorizer", enabled: s.workers.Vectorizer.Enabled},
	}

	var wg sync.WaitGroup
	for _, spec := range specs {
		if !spec.enabled {
			s.log.Infof("worker %s disabled in config, not starting", spec.name)
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.supervise(ctx, name)
		}(spec.name)
	}
	wg.Wait()
	return ctx.Err()
}

// supervise runs name's child process, restarting it with exponential
// backoff capped at max_backoff whenever it exits with an error (spec
// §4.6 "On crash (non-zero exit) WO restarts the worker..."). A clean
// exit (status 0) is treated as an intentional stop and is not restarted.
func (s *Supervisor) supervise(ctx context.Context, name string) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		exitErr := s.runOnce(ctx, name)
		if ctx.Err() != nil {
			return
		}
		if exitErr == nil {
			s.log.Infof("worker %s exited cleanly, not restarting", name)
			return
		}

		s.log.Warnf("worker %s crashed: %v; restarting in %s", name, exitErr, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if maxBackoff := s.cfg.MaxBackoffDuration(); backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce starts name's child process, waits for it to exit or ctx to
// be cancelled (in which case it drives the SIGTERM-then-SIGKILL
// shutdown sequence), and returns the process's exit error (nil for a
// clean exit).
func (s *Supervisor) runOnce(ctx context.Context, name string) error {
	cmd := exec.Command(s.binary, "worker", name, "--config", s.configPath)
	cmd.Env = append(os.Environ(), "PYINDEXD_WORKER="+name)

	logFile, err := os.OpenFile(s.logPath(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warnf("opening log file for %s: %v", name, err)
	} else {
		defer func() { _ = logFile.Close() }()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.ConfigError, "starting worker "+name, err)
	}

	if err := writePidfile(s.pidPath(name), cmd.Process.Pid); err != nil {
		s.log.Warnf("writing pidfile for %s: %v", name, err)
	}
	s.recordEvent(name, "start")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		s.terminate(cmd, done)
		_ = os.Remove(s.pidPath(name))
		s.recordEvent(name, "stop")
		return nil
	case err := <-done:
		_ = os.Remove(s.pidPath(name))
		s.recordEvent(name, "stop")
		return err
	}
}

// terminate sends SIGTERM, waits up to shutdown_timeout, and escalates
// to SIGKILL (spec §4.6 "On shutdown signal, WO sends SIGTERM to
// children, waits up to shutdown_timeout, and escalates to SIGKILL").
func (s *Supervisor) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.Warnf("sending SIGTERM to pid %d: %v", cmd.Process.Pid, err)
	}

	timer := time.NewTimer(s.cfg.ShutdownTimeoutDuration())
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
		s.log.Warnf("pid %d did not exit within shutdown_timeout, sending SIGKILL", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}

func (s *Supervisor) pidPath(name string) string {
	return filepath.Join(s.cfg.RunDir, name+".pid")
}

func (s *Supervisor) logPath(name string) string {
	return filepath.Join(s.cfg.RunDir, name+".log")
}

// recordEvent appends a worker_stats row for a child start/stop (spec
// §4.6 "Per-worker stats"). Failure to record is logged, not fatal:
// losing one audit row must not take down the orchestrator.
func (s *Supervisor) recordEvent(name, event string) {
	if s.client == nil {
		return
	}
	stat := storage.WorkerStat{
		Worker:  "orchestrator",
		CycleID: fmt.Sprintf("%s:%s:%s", name, event, uuid.NewString()),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.RecordWorkerStat(ctx, stat); err != nil {
		s.log.Warnf("recording orchestrator event for %s: %v", name, err)
	}
}
