package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pyindex/pyindexd/internal/errs"
)

// ColumnDef describes one column of the structured catalog (spec §4.1).
type ColumnDef struct {
	Name    string
	Type    string // SQLite affinity: TEXT, INTEGER, REAL, BLOB
	NotNull bool
	Default string // literal SQL default, empty for none
}

// IndexDef describes a non-primary index.
type IndexDef struct {
	Name    string
	Columns []string
}

// TableDef describes one table of the structured catalog.
type TableDef struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  string // column name, assumed INTEGER PRIMARY KEY for simplicity
	Unique      [][]string
	Checks      []string
	Indexes     []IndexDef
	IsVirtualFTS bool
	FTSSource    string // backing table for a virtual FTS table
	FTSColumns   []string
}

// Catalog is the full structured schema definition for a given version.
type Catalog struct {
	Version string
	Tables  []TableDef
}

// CurrentCatalog is the catalog this build of pyindexd expects (target
// version for SyncSchema). files.original_path/version_dir were added
// in 1.1.0 (see SPEC_FULL.md §3, scenario S5).
func CurrentCatalog() *Catalog {
	return &Catalog{
		Version: "1.1.0",
		Tables: []TableDef{
			{
				Name:       "projects",
				PrimaryKey: "rowid",
				Columns: []ColumnDef{
					{Name: "project_id", Type: "TEXT", NotNull: true},
					{Name: "root_path", Type: "TEXT", NotNull: true},
					{Name: "name", Type: "TEXT"},
					{Name: "watch_dir_id", Type: "TEXT"},
					{Name: "created_at", Type: "TEXT", NotNull: true},
					{Name: "updated_at", Type: "TEXT", NotNull: true},
				},
				Unique: [][]string{{"root_path"}, {"project_id"}},
			},
			{
				Name:       "watch_dirs",
				PrimaryKey: "rowid",
				Columns: []ColumnDef{
					{Name: "watch_dir_id", Type: "TEXT", NotNull: true},
					{Name: "path", Type: "TEXT"},
					{Name: "created_at", Type: "TEXT", NotNull: true},
					{Name: "updated_at", Type: "TEXT", NotNull: true},
				},
				Unique: [][]string{{"watch_dir_id"}},
			},
			{
				Name:       "files",
				PrimaryKey: "file_id",
				Columns: []ColumnDef{
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "project_id", Type: "TEXT", NotNull: true},
					{Name: "path", Type: "TEXT", NotNull: true},
					{Name: "last_modified", Type: "REAL", NotNull: true},
					{Name: "lines", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "has_docstring", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "deleted", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "needs_reparse", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "original_path", Type: "TEXT"},
					{Name: "version_dir", Type: "TEXT"},
					{Name: "failure_count", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "skipped", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "created_at", Type: "TEXT", NotNull: true},
					{Name: "updated_at", Type: "TEXT", NotNull: true},
				},
				Unique: [][]string{{"project_id", "path"}},
				Indexes: []IndexDef{
					{Name: "idx_files_project", Columns: []string{"project_id"}},
					{Name: "idx_files_needs_reparse", Columns: []string{"needs_reparse"}},
					{Name: "idx_files_updated_at", Columns: []string{"updated_at"}},
				},
			},
			{
				Name:       "syntax_trees",
				PrimaryKey: "file_id",
				Columns: []ColumnDef{
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "data", Type: "BLOB", NotNull: true},
					{Name: "hash", Type: "TEXT", NotNull: true},
				},
			},
			{
				Name:       "concrete_trees",
				PrimaryKey: "file_id",
				Columns: []ColumnDef{
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "source", Type: "TEXT", NotNull: true},
					{Name: "hash", Type: "TEXT", NotNull: true},
				},
			},
			{
				Name:       "classes",
				PrimaryKey: "class_id",
				Columns: []ColumnDef{
					{Name: "class_id", Type: "INTEGER", NotNull: true},
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "name", Type: "TEXT", NotNull: true},
					{Name: "qual_name", Type: "TEXT", NotNull: true},
					{Name: "start_line", Type: "INTEGER", NotNull: true},
					{Name: "end_line", Type: "INTEGER", NotNull: true},
					{Name: "docstring", Type: "TEXT"},
				},
				Checks:  []string{"end_line >= start_line"},
				Indexes: []IndexDef{{Name: "idx_classes_file", Columns: []string{"file_id"}}},
			},
			{
				Name:       "methods",
				PrimaryKey: "method_id",
				Columns: []ColumnDef{
					{Name: "method_id", Type: "INTEGER", NotNull: true},
					{Name: "class_id", Type: "INTEGER", NotNull: true},
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "name", Type: "TEXT", NotNull: true},
					{Name: "qual_name", Type: "TEXT", NotNull: true},
					{Name: "start_line", Type: "INTEGER", NotNull: true},
					{Name: "end_line", Type: "INTEGER", NotNull: true},
					{Name: "docstring", Type: "TEXT"},
				},
				Checks:  []string{"end_line >= start_line"},
				Indexes: []IndexDef{{Name: "idx_methods_class", Columns: []string{"class_id"}}, {Name: "idx_methods_file", Columns: []string{"file_id"}}},
			},
			{
				Name:       "functions",
				PrimaryKey: "function_id",
				Columns: []ColumnDef{
					{Name: "function_id", Type: "INTEGER", NotNull: true},
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "name", Type: "TEXT", NotNull: true},
					{Name: "qual_name", Type: "TEXT", NotNull: true},
					{Name: "start_line", Type: "INTEGER", NotNull: true},
					{Name: "end_line", Type: "INTEGER", NotNull: true},
					{Name: "docstring", Type: "TEXT"},
				},
				Checks:  []string{"end_line >= start_line"},
				Indexes: []IndexDef{{Name: "idx_functions_file", Columns: []string{"file_id"}}},
			},
			{
				Name:       "imports",
				PrimaryKey: "import_id",
				Columns: []ColumnDef{
					{Name: "import_id", Type: "INTEGER", NotNull: true},
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "module", Type: "TEXT", NotNull: true},
					{Name: "name", Type: "TEXT"},
					{Name: "start_line", Type: "INTEGER", NotNull: true},
				},
				Indexes: []IndexDef{{Name: "idx_imports_file", Columns: []string{"file_id"}}},
			},
			{
				Name:       "code_chunks",
				PrimaryKey: "chunk_id",
				Columns: []ColumnDef{
					{Name: "chunk_id", Type: "INTEGER", NotNull: true},
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "entity_kind", Type: "TEXT"},
					{Name: "entity_id", Type: "INTEGER"},
					{Name: "ordinal", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "text", Type: "TEXT", NotNull: true},
					{Name: "embedding", Type: "BLOB"},
					{Name: "token_count", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "embedding_model", Type: "TEXT"},
					{Name: "vector_id", Type: "INTEGER"},
				},
				Unique:  [][]string{{"entity_kind", "entity_id", "ordinal"}},
				Indexes: []IndexDef{
					{Name: "idx_chunks_file", Columns: []string{"file_id"}},
					{Name: "idx_chunks_vector_id", Columns: []string{"vector_id"}},
				},
			},
			{
				Name:       "code_chunks_fts",
				IsVirtualFTS: true,
				FTSSource:    "code_chunks",
				FTSColumns:   []string{"text"},
			},
			{
				Name:       "entity_cross_ref",
				PrimaryKey: "cross_ref_id",
				Columns: []ColumnDef{
					{Name: "cross_ref_id", Type: "INTEGER", NotNull: true},
					{Name: "caller_class_id", Type: "INTEGER"},
					{Name: "caller_method_id", Type: "INTEGER"},
					{Name: "caller_function_id", Type: "INTEGER"},
					{Name: "callee_class_id", Type: "INTEGER"},
					{Name: "callee_method_id", Type: "INTEGER"},
					{Name: "callee_function_id", Type: "INTEGER"},
					{Name: "ref_kind", Type: "TEXT", NotNull: true},
					{Name: "file_id", Type: "INTEGER", NotNull: true},
					{Name: "line", Type: "INTEGER", NotNull: true},
				},
				Checks: []string{
					"(CASE WHEN caller_class_id IS NOT NULL THEN 1 ELSE 0 END + " +
						"CASE WHEN caller_method_id IS NOT NULL THEN 1 ELSE 0 END + " +
						"CASE WHEN caller_function_id IS NOT NULL THEN 1 ELSE 0 END) = 1",
					"(CASE WHEN callee_class_id IS NOT NULL THEN 1 ELSE 0 END + " +
						"CASE WHEN callee_method_id IS NOT NULL THEN 1 ELSE 0 END + " +
						"CASE WHEN callee_function_id IS NOT NULL THEN 1 ELSE 0 END) = 1",
				},
				Indexes: []IndexDef{{Name: "idx_xref_file", Columns: []string{"file_id"}}},
			},
			{
				Name:       "db_settings",
				PrimaryKey: "key",
				Columns: []ColumnDef{
					{Name: "key", Type: "TEXT", NotNull: true},
					{Name: "value", Type: "TEXT"},
				},
			},
			{
				Name:       "worker_stats",
				PrimaryKey: "stat_id",
				Columns: []ColumnDef{
					{Name: "stat_id", Type: "INTEGER", NotNull: true},
					{Name: "worker", Type: "TEXT", NotNull: true},
					{Name: "cycle_id", Type: "TEXT", NotNull: true},
					{Name: "scanned", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "added", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "changed", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "deleted", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "errors", Type: "INTEGER", NotNull: true, Default: "0"},
					{Name: "duration_s", Type: "REAL", NotNull: true, Default: "0"},
					{Name: "created_at", Type: "TEXT", NotNull: true},
				},
				Indexes: []IndexDef{{Name: "idx_stats_worker", Columns: []string{"worker"}}},
			},
		},
	}
}

// SchemaDiff is the result of comparing current storage structure
// against a target Catalog (spec §4.1 step 2).
type SchemaDiff struct {
	MissingTables   []string
	MissingColumns  map[string][]string // table -> columns
	MissingIndexes  []string
	ObsoleteTables  []string
	ObsoleteColumns map[string][]string
	ChangedColumns  map[string][]string // table -> columns whose declared type differs from the catalog
}

func (d *SchemaDiff) RequiresChange() bool {
	return len(d.MissingTables) > 0 || len(d.MissingColumns) > 0 || len(d.MissingIndexes) > 0 || len(d.ChangedColumns) > 0
}

// SyncResult is returned by SyncSchema. ObsoleteTables/ObsoleteColumns
// surface step 2's "reported but not auto-dropped" findings (spec
// §4.1) so a caller (storage sync-schema, status) can actually see
// what diffSchema found instead of it being silently discarded.
type SyncResult struct {
	Applied         []string
	BackupID        string
	VersionBefore   string
	VersionAfter    string
	ObsoleteTables  []string
	ObsoleteColumns map[string][]string
}

// diffSchema reads sqlite_master/PRAGMA table_info and compares it
// against the catalog (spec §4.1 steps 1-2).
func diffSchema(db *sql.DB, cat *Catalog) (*SchemaDiff, error) {
	diff := &SchemaDiff{
		MissingColumns:  make(map[string][]string),
		ObsoleteColumns: make(map[string][]string),
		ChangedColumns:  make(map[string][]string),
	}

	existingTables := make(map[string]bool)
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type IN ('table','view')`)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "reading sqlite_master", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, errs.Wrap(errs.StorageError, "scanning sqlite_master", err)
		}
		existingTables[name] = true
	}
	_ = rows.Close()

	existingIndexes := make(map[string]bool)
	rows, err = db.Query(`SELECT name FROM sqlite_master WHERE type = 'index'`)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "reading sqlite_master indexes", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, errs.Wrap(errs.StorageError, "scanning index list", err)
		}
		existingIndexes[name] = true
	}
	_ = rows.Close()

	for _, t := range cat.Tables {
		if t.IsVirtualFTS {
			if !existingTables[t.Name] {
				diff.MissingTables = append(diff.MissingTables, t.Name)
			}
			continue
		}
		if !existingTables[t.Name] {
			diff.MissingTables = append(diff.MissingTables, t.Name)
			continue
		}

		existingCols := make(map[string]bool)
		existingTypes := make(map[string]string)
		colRows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, t.Name))
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "reading table_info for "+t.Name, err)
		}
		for colRows.Next() {
			var cid int
			var name, ctype string
			var notnull int
			var dflt sql.NullString
			var pk int
			if err := colRows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				_ = colRows.Close()
				return nil, errs.Wrap(errs.StorageError, "scanning table_info", err)
			}
			existingCols[name] = true
			existingTypes[name] = ctype
		}
		_ = colRows.Close()

		wantCols := make(map[string]bool)
		for _, c := range t.Columns {
			wantCols[c.Name] = true
			if !existingCols[c.Name] {
				diff.MissingColumns[t.Name] = append(diff.MissingColumns[t.Name], c.Name)
				continue
			}
			// rowid-alias integer primary keys are declared "INTEGER
			// PRIMARY KEY AUTOINCREMENT" on disk, not the bare catalog
			// type, so they are never a "changed" column.
			if c.Name == t.PrimaryKey && c.Type == "INTEGER" {
				continue
			}
			if !strings.EqualFold(existingTypes[c.Name], c.Type) {
				diff.ChangedColumns[t.Name] = append(diff.ChangedColumns[t.Name], c.Name)
			}
		}
		for existing := range existingCols {
			if !wantCols[existing] {
				diff.ObsoleteColumns[t.Name] = append(diff.ObsoleteColumns[t.Name], existing)
			}
		}

		for _, idx := range t.Indexes {
			if !existingIndexes[idx.Name] {
				diff.MissingIndexes = append(diff.MissingIndexes, idx.Name)
			}
		}
	}

	wantTables := make(map[string]bool)
	for _, t := range cat.Tables {
		wantTables[t.Name] = true
	}
	for existing := range existingTables {
		if existing == "sqlite_sequence" {
			continue
		}
		if !wantTables[existing] {
			diff.ObsoleteTables = append(diff.ObsoleteTables, existing)
		}
	}

	return diff, nil
}

func columnDDL(c ColumnDef) string {
	parts := []string{c.Name, c.Type}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.Default != "" {
		parts = append(parts, "DEFAULT "+c.Default)
	}
	return strings.Join(parts, " ")
}

func createTableSQL(t TableDef) string {
	if t.IsVirtualFTS {
		return fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, content='%s', content_rowid='rowid')`,
			t.Name, strings.Join(t.FTSColumns, ", "), t.FTSSource)
	}

	var cols []string
	for _, c := range t.Columns {
		if t.PrimaryKey == c.Name && c.Type == "INTEGER" {
			cols = append(cols, c.Name+" INTEGER PRIMARY KEY AUTOINCREMENT")
			continue
		}
		cols = append(cols, columnDDL(c))
	}
	for _, u := range t.Unique {
		cols = append(cols, fmt.Sprintf("UNIQUE(%s)", strings.Join(u, ", ")))
	}
	for _, chk := range t.Checks {
		cols = append(cols, fmt.Sprintf("CHECK(%s)", chk))
	}

	pk := ""
	hasIntPK := false
	for _, c := range t.Columns {
		if c.Name == t.PrimaryKey && c.Type == "INTEGER" {
			hasIntPK = true
		}
	}
	if t.PrimaryKey != "" && !hasIntPK && t.PrimaryKey != "rowid" {
		pk = fmt.Sprintf(", PRIMARY KEY(%s)", t.PrimaryKey)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s%s)", t.Name, strings.Join(cols, ", "), pk)
}

// rebuildTable implements spec §4.1 step 4's rebuild path for a table
// whose on-disk column types have drifted from the catalog: SQLite has
// no ALTER COLUMN, so the only way to change a column's declared type
// is create a replacement table with the catalog's types, copy the
// data across, drop the original, and rename the replacement into
// place. Columns the catalog no longer lists are carried into the
// replacement, declared BLOB, with their values copied as they are --
// obsolete columns are reported, never auto-dropped (step 2).
func rebuildTable(tx *sql.Tx, t TableDef, obsoleteCols []string) ([]string, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, t.Name))
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "reading table_info for "+t.Name, err)
	}
	var existingCols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return nil, errs.Wrap(errs.StorageError, "scanning table_info for "+t.Name, err)
		}
		existingCols = append(existingCols, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errs.Wrap(errs.StorageError, "reading table_info for "+t.Name, err)
	}
	_ = rows.Close()

	obsoleteSet := make(map[string]bool, len(obsoleteCols))
	for _, c := range obsoleteCols {
		obsoleteSet[c] = true
	}

	tmpName := t.Name + "__rebuild"
	tmpDef := t
	tmpDef.Name = tmpName
	tmpDef.Indexes = nil
	tmpDef.Columns = append([]ColumnDef(nil), t.Columns...)
	for _, name := range existingCols {
		if obsoleteSet[name] {
			tmpDef.Columns = append(tmpDef.Columns, ColumnDef{Name: name, Type: "BLOB"})
		}
	}

	var applied []string

	createStmt := createTableSQL(tmpDef)
	if _, err := tx.Exec(createStmt); err != nil {
		return nil, errs.Wrap(errs.StorageError, "creating rebuild table "+tmpName, err)
	}
	applied = append(applied, createStmt)

	colList := strings.Join(existingCols, ", ")
	copyStmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", tmpName, colList, colList, t.Name)
	if _, err := tx.Exec(copyStmt); err != nil {
		return nil, errs.Wrap(errs.StorageError, "copying data into rebuild table "+tmpName, err)
	}
	applied = append(applied, copyStmt)

	dropStmt := fmt.Sprintf("DROP TABLE %s", t.Name)
	if _, err := tx.Exec(dropStmt); err != nil {
		return nil, errs.Wrap(errs.StorageError, "dropping original table "+t.Name, err)
	}
	applied = append(applied, dropStmt)

	renameStmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmpName, t.Name)
	if _, err := tx.Exec(renameStmt); err != nil {
		return nil, errs.Wrap(errs.StorageError, "renaming rebuild table into place", err)
	}
	applied = append(applied, renameStmt)

	return applied, nil
}

// migrationHooks maps "from->to" version transitions to a function
// run inside the sync transaction, after structural changes apply and
// before the version is persisted (spec §4.1 step 5).
var migrationHooks = map[string]func(*sql.Tx) error{
	"1.0.0->1.1.0": func(tx *sql.Tx) error {
		// historical rows had no original_path; default to path itself.
		_, err := tx.Exec(`UPDATE files SET original_path = path WHERE original_path IS NULL`)
		return err
	},
}

// SyncSchema implements the six-step algorithm of spec §4.1.
func SyncSchema(db *sql.DB, cat *Catalog, backupDir string, dbPath string) (*SyncResult, error) {
	versionBefore, err := GetSchemaVersion(db)
	if err != nil {
		return nil, err
	}

	diff, err := diffSchema(db, cat)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		VersionBefore:   versionBefore,
		VersionAfter:    versionBefore,
		ObsoleteTables:  diff.ObsoleteTables,
		ObsoleteColumns: diff.ObsoleteColumns,
	}

	if !diff.RequiresChange() {
		result.VersionAfter = cat.Version
		if versionBefore != cat.Version {
			if err := setSchemaVersion(db, cat.Version); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	nonEmpty, err := hasUserData(db)
	if err != nil {
		return nil, err
	}
	if nonEmpty {
		backupID, err := backupDatabase(dbPath, backupDir)
		if err != nil {
			return nil, err
		}
		result.BackupID = backupID
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "beginning schema sync transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, name := range diff.MissingTables {
		var t TableDef
		for _, cand := range cat.Tables {
			if cand.Name == name {
				t = cand
				break
			}
		}
		stmt := createTableSQL(t)
		if _, err := tx.Exec(stmt); err != nil {
			return nil, errs.Wrap(errs.SchemaMismatch, "creating table "+name, err)
		}
		result.Applied = append(result.Applied, stmt)
	}

	for table, cols := range diff.MissingColumns {
		var t TableDef
		for _, cand := range cat.Tables {
			if cand.Name == table {
				t = cand
			}
		}
		for _, colName := range cols {
			var col ColumnDef
			for _, c := range t.Columns {
				if c.Name == colName {
					col = c
				}
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDDL(col))
			if _, err := tx.Exec(stmt); err != nil {
				return nil, errs.Wrap(errs.SchemaMismatch, "adding column "+table+"."+colName, err)
			}
			result.Applied = append(result.Applied, stmt)
		}
	}

	for table, cols := range diff.ChangedColumns {
		var t TableDef
		for _, cand := range cat.Tables {
			if cand.Name == table {
				t = cand
			}
		}
		applied, err := rebuildTable(tx, t, diff.ObsoleteColumns[table])
		if err != nil {
			return nil, errs.Wrap(errs.SchemaMismatch, "rebuilding table "+table+" for changed columns "+strings.Join(cols, ", "), err)
		}
		result.Applied = append(result.Applied, applied...)
	}

	for _, t := range cat.Tables {
		for _, idx := range t.Indexes {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				idx.Name, t.Name, strings.Join(idx.Columns, ", "))
			if _, err := tx.Exec(stmt); err != nil {
				return nil, errs.Wrap(errs.SchemaMismatch, "creating index "+idx.Name, err)
			}
			result.Applied = append(result.Applied, stmt)
		}
	}

	transition := versionBefore + "->" + cat.Version
	if hook, ok := migrationHooks[transition]; ok {
		if err := hook(tx); err != nil {
			return nil, errs.Wrap(errs.SchemaMismatch, "running migration hook "+transition, err)
		}
		result.Applied = append(result.Applied, "hook:"+transition)
	}

	if err := setSchemaVersionTx(tx, cat.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.StorageError, "committing schema sync", err)
	}
	committed = true

	result.VersionAfter = cat.Version
	return result, nil
}

func hasUserData(db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&count)
	if err != nil {
		return false, errs.Wrap(errs.StorageError, "counting user tables", err)
	}
	if count == 0 {
		return false, nil
	}
	// at least one table with at least one row counts as non-empty.
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return false, errs.Wrap(errs.StorageError, "listing tables", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		var n int
		if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", name)).Scan(&n); err != nil {
			continue
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetSchemaVersion returns db_settings.schema_version, or "" if unset.
func GetSchemaVersion(db *sql.DB) (string, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='db_settings'`).Scan(&exists)
	if err != nil {
		return "", errs.Wrap(errs.StorageError, "checking db_settings", err)
	}
	if exists == 0 {
		return "", nil
	}
	var v sql.NullString
	err = db.QueryRow(`SELECT value FROM db_settings WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.StorageError, "reading schema_version", err)
	}
	return v.String, nil
}

func setSchemaVersion(db *sql.DB, version string) error {
	_, err := db.Exec(`INSERT INTO db_settings(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, version)
	if err != nil {
		return errs.Wrap(errs.StorageError, "persisting schema_version", err)
	}
	return nil
}

func setSchemaVersionTx(tx *sql.Tx, version string) error {
	_, err := tx.Exec(`INSERT INTO db_settings(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, version)
	if err != nil {
		return errs.Wrap(errs.StorageError, "persisting schema_version", err)
	}
	return nil
}

// backupDatabase copies the primary data file (and any sidecar files,
// e.g. -wal/-shm) into backupDir, named per spec §4.1's backup policy.
func backupDatabase(dbPath, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", errs.Wrap(errs.StorageError, "creating backup dir", err)
	}

	stem := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	id := fmt.Sprintf("database-%s-%s-%s", stem, time.Now().UTC().Format("20060102T150405Z"), uuid.New().String())
	backupBase := filepath.Join(backupDir, id)

	if err := copyFile(dbPath, backupBase+filepath.Ext(dbPath)); err != nil {
		return "", errs.Wrap(errs.StorageError, "copying database file", err)
	}

	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		sidecar := dbPath + suffix
		if _, err := os.Stat(sidecar); err == nil {
			_ = copyFile(sidecar, backupBase+filepath.Ext(dbPath)+suffix)
		}
	}

	return id, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
