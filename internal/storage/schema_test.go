package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawTestDB(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "storage.db")
	backupDir := filepath.Join(dir, "backups")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, dbPath, backupDir
}

func TestSyncSchemaCreatesFreshCatalog(t *testing.T) {
	db, dbPath, backupDir := openRawTestDB(t)
	cat := CurrentCatalog()

	res, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Applied)
	assert.Equal(t, cat.Version, res.VersionAfter)
	assert.Empty(t, res.ObsoleteTables)
	assert.Empty(t, res.ObsoleteColumns)

	got, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, cat.Version, got)
}

func TestSyncSchemaIsNoopOnSecondRun(t *testing.T) {
	db, dbPath, backupDir := openRawTestDB(t)
	cat := CurrentCatalog()

	_, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)

	res, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.BackupID)
	assert.Equal(t, cat.Version, res.VersionBefore)
	assert.Equal(t, cat.Version, res.VersionAfter)
}

// TestSyncSchemaReportsObsoleteItemsWithoutDropping covers the review
// gap where diffSchema found obsolete tables/columns (step 2) but
// SyncResult never surfaced them to a caller: a legacy table and a
// column the catalog no longer declares must be reported, and neither
// the no-op-for-structural-change path nor the data itself may be
// touched.
func TestSyncSchemaReportsObsoleteItemsWithoutDropping(t *testing.T) {
	db, dbPath, backupDir := openRawTestDB(t)
	cat := CurrentCatalog()

	_, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE legacy_cache (id INTEGER PRIMARY KEY, blob TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`ALTER TABLE projects ADD COLUMN legacy_note TEXT`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO legacy_cache (blob) VALUES ('keep-me')`)
	require.NoError(t, err)

	res, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)

	assert.Contains(t, res.ObsoleteTables, "legacy_cache")
	assert.Contains(t, res.ObsoleteColumns["projects"], "legacy_note")

	var blob string
	require.NoError(t, db.QueryRow(`SELECT blob FROM legacy_cache LIMIT 1`).Scan(&blob))
	assert.Equal(t, "keep-me", blob)
}

// TestSyncSchemaRebuildsTableOnColumnTypeChange covers spec step 4:
// when a column's on-disk type diverges from the catalog, SyncSchema
// must rebuild the table (create/copy/drop/rename) rather than leave
// the divergence in place, while preserving existing rows and any
// obsolete (uncataloged) columns on that same table.
func TestSyncSchemaRebuildsTableOnColumnTypeChange(t *testing.T) {
	db, dbPath, backupDir := openRawTestDB(t)
	cat := CurrentCatalog()

	_, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO watch_dirs (watch_dir_id, path, created_at, updated_at) VALUES ('w1', '/repo', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	// simulate a legacy watch_dirs.path declared with the wrong
	// affinity, plus a column the catalog no longer lists.
	_, err = db.Exec(`ALTER TABLE watch_dirs RENAME TO watch_dirs_legacy`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE watch_dirs (
		watch_dir_id TEXT NOT NULL,
		path INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stale_flag INTEGER,
		UNIQUE(watch_dir_id))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO watch_dirs (watch_dir_id, path, created_at, updated_at, stale_flag)
		SELECT watch_dir_id, path, created_at, updated_at, 1 FROM watch_dirs_legacy`)
	require.NoError(t, err)
	_, err = db.Exec(`DROP TABLE watch_dirs_legacy`)
	require.NoError(t, err)

	res, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)
	assert.Contains(t, res.ObsoleteColumns["watch_dirs"], "stale_flag")

	rows, err := db.Query(`PRAGMA table_info(watch_dirs)`)
	require.NoError(t, err)
	types := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk))
		types[name] = ctype
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, "TEXT", types["path"])
	assert.Contains(t, types, "stale_flag")

	var path string
	var staleFlag int
	require.NoError(t, db.QueryRow(`SELECT path, stale_flag FROM watch_dirs WHERE watch_dir_id = 'w1'`).Scan(&path, &staleFlag))
	assert.Equal(t, "/repo", path)
	assert.Equal(t, 1, staleFlag)
}

// TestSyncSchemaRunsMigrationHook exercises the 1.0.0->1.1.0
// migrationHooks entry: files.original_path/version_dir are added as
// missing columns, then the hook backfills original_path from path.
func TestSyncSchemaRunsMigrationHook(t *testing.T) {
	db, dbPath, backupDir := openRawTestDB(t)
	cat := CurrentCatalog()

	_, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO projects (project_id, root_path, created_at, updated_at) VALUES ('p1', '/repo', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (project_id, path, last_modified, created_at, updated_at) VALUES ('p1', 'pkg/mod.py', 0, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	_, err = db.Exec(`ALTER TABLE files DROP COLUMN original_path`)
	require.NoError(t, err)
	_, err = db.Exec(`ALTER TABLE files DROP COLUMN version_dir`)
	require.NoError(t, err)
	require.NoError(t, setSchemaVersion(db, "1.0.0"))

	res, err := SyncSchema(db, cat, backupDir, dbPath)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.VersionBefore)
	assert.Equal(t, "1.1.0", res.VersionAfter)
	assert.Contains(t, res.Applied, "hook:1.0.0->1.1.0")

	var originalPath string
	require.NoError(t, db.QueryRow(`SELECT original_path FROM files WHERE path = 'pkg/mod.py'`).Scan(&originalPath))
	assert.Equal(t, "pkg/mod.py", originalPath)
}
