package storage

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/logging"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "storage.db"), filepath.Join(dir, "backups"), logging.New(&bytes.Buffer{}, "test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenCreatesSchema(t *testing.T) {
	e := newTestEngine(t)
	val, err := e.Do(context.Background(), func(db *sql.DB) (interface{}, error) {
		return GetSchemaVersion(db)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, val.(string))
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.db")
	log := logging.New(&bytes.Buffer{}, "test")

	e1, err := Open(path, filepath.Join(dir, "backups"), log)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(path, filepath.Join(dir, "backups"), log)
	require.NoError(t, err)
	defer e2.Close()
}

func TestDoRunsAgainstRealDB(t *testing.T) {
	e := newTestEngine(t)
	val, err := e.Do(context.Background(), func(db *sql.DB) (interface{}, error) {
		var one int
		if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
			return nil, err
		}
		return one, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, val)
}

func TestCloseStopsWriterGoroutine(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())
	// a second close must be a no-op, not a panic
	require.NoError(t, e.Close())

	_, err := e.Do(context.Background(), func(db *sql.DB) (interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestSyncNowReportsNoChangesOnFreshlyOpenedDB(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
}

func TestBackupCreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "storage.db")
	backupDir := filepath.Join(dir, "backups")
	e, err := Open(dbPath, backupDir, logging.New(&bytes.Buffer{}, "test"))
	require.NoError(t, err)
	defer e.Close()

	id, err := e.Backup(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(backupDir, id+filepath.Ext(dbPath)))
}

func TestPathReturnsDBPath(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "storage.db")
	e, err := Open(dbPath, filepath.Join(dir, "backups"), logging.New(&bytes.Buffer{}, "test"))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, dbPath, e.Path())
}
