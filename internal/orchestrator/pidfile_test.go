package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPidfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	require.NoError(t, writePidfile(path, 4242))

	pid, err := readPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestReadPidfileMissing(t *testing.T) {
	_, err := readPidfile(filepath.Join(t.TempDir(), "missing.pid"))
	assert.Error(t, err)
}

func TestReadPidfileTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	require.NoError(t, os.WriteFile(path, []byte("  123\n"), 0o644))

	pid, err := readPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, 123, pid)
}

func TestPidAliveCurrentProcess(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
}

func TestPidAliveInvalidPID(t *testing.T) {
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
}

func TestCheckSingleInstance(t *testing.T) {
	sup := &Supervisor{}
	sup.cfg.RunDir = t.TempDir()

	require.NoError(t, sup.CheckSingleInstance())

	// A second supervisor pointed at the same run_dir must see the
	// live pidfile and refuse to start.
	other := &Supervisor{}
	other.cfg.RunDir = sup.cfg.RunDir
	err := other.CheckSingleInstance()
	require.Error(t, err)

	sup.ReleaseSingleInstance()
	assert.NoError(t, other.CheckSingleInstance())
	other.ReleaseSingleInstance()
}
