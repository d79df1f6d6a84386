package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/pyparse"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting the CRUD
// helpers below run either standalone or inside a caller-supplied
// transaction (spec §4.1's execute/execute_batch semantics).
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Op is one statement of an execute_batch call.
type Op struct {
	SQL    string
	Params []interface{}
}

// OpResult is the outcome of one Op.
type OpResult struct {
	RowsAffected int64
	LastInsertID int64
	Err          error
}

// Execute runs a single statement outside any transaction.
func (e *Engine) Execute(ctx context.Context, sqlText string, params []interface{}) (OpResult, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		return runOp(db, sqlText, params)
	})
	if err != nil {
		return OpResult{}, err
	}
	return val.(OpResult), nil
}

// ExecuteBatch runs ops in order. If transactionID is non-empty, all
// ops run inside that already-open transaction (caller commits later);
// otherwise each op is its own implicit unit and a failure does not
// roll back prior ops in the batch (spec §4.1: "outside a transaction,
// results for individual ops may be reported in order with per-op success").
func (e *Engine) ExecuteBatch(ctx context.Context, ops []Op, transactionID string) ([]OpResult, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		if transactionID != "" {
			tx, err := e.txFor(transactionID)
			if err != nil {
				return nil, err
			}
			results := make([]OpResult, len(ops))
			for i, op := range ops {
				r, err := runOp(tx, op.SQL, op.Params)
				results[i] = r
				if err != nil {
					return results, err
				}
			}
			return results, nil
		}

		results := make([]OpResult, len(ops))
		for i, op := range ops {
			r, _ := runOp(db, op.SQL, op.Params)
			results[i] = r
		}
		return results, nil
	})
	if err != nil && val == nil {
		return nil, err
	}
	if val == nil {
		return nil, err
	}
	return val.([]OpResult), err
}

func runOp(x execer, sqlText string, params []interface{}) (OpResult, error) {
	res, err := x.Exec(sqlText, params...)
	if err != nil {
		return OpResult{Err: err}, errs.Wrap(errs.StorageError, "executing statement", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return OpResult{RowsAffected: affected, LastInsertID: lastID}, nil
}

// --- Project / watch dir CRUD -------------------------------------------------

func (e *Engine) AddProject(ctx context.Context, p Project) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		now := nowUTC()
		_, err := db.Exec(`INSERT INTO projects(project_id, root_path, name, watch_dir_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(root_path) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at`,
			p.ProjectID, p.RootPath, p.Name, p.WatchDirID, now, now)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "inserting project", err)
		}
		return nil, nil
	})
	return err
}

func (e *Engine) RemoveProject(ctx context.Context, projectID string) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.Exec(`DELETE FROM projects WHERE project_id = ?`, projectID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "deleting project", err)
		}
		return nil, nil
	})
	return err
}

func (e *Engine) ListProjects(ctx context.Context) ([]Project, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT project_id, root_path, name, watch_dir_id, created_at, updated_at FROM projects ORDER BY root_path`)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "listing projects", err)
		}
		defer func() { _ = rows.Close() }()
		var out []Project
		for rows.Next() {
			var p Project
			var name, wd, created, updated sql.NullString
			if err := rows.Scan(&p.ProjectID, &p.RootPath, &name, &wd, &created, &updated); err != nil {
				return nil, errs.Wrap(errs.StorageError, "scanning project row", err)
			}
			p.Name = name.String
			p.WatchDirID = wd.String
			p.CreatedAt = scanTime(created.String)
			p.UpdatedAt = scanTime(updated.String)
			out = append(out, p)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]Project), nil
}

// --- File bookkeeping (used by FW) -------------------------------------------

// FileMarker is the minimal (path, last_modified) pair FW compares
// against the filesystem (spec §4.3 step 4).
type FileMarker struct {
	Path         string
	LastModified float64
	Deleted      bool
}

func (e *Engine) ListFileMarkers(ctx context.Context, projectID string) ([]FileMarker, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT path, last_modified, deleted FROM files WHERE project_id = ?`, projectID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "listing file markers", err)
		}
		defer func() { _ = rows.Close() }()
		var out []FileMarker
		for rows.Next() {
			var m FileMarker
			var deleted int
			if err := rows.Scan(&m.Path, &m.LastModified, &deleted); err != nil {
				return nil, errs.Wrap(errs.StorageError, "scanning file marker", err)
			}
			m.Deleted = deleted != 0
			out = append(out, m)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]FileMarker), nil
}

// UpsertFileTouch records a new or changed file from FW: bumps
// last_modified and sets needs_reparse=1 (spec §4.3 step 6).
func (e *Engine) UpsertFileTouch(ctx context.Context, projectID, path string, mtime float64, lines int) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		now := nowUTC()
		_, err := db.Exec(`INSERT INTO files(project_id, path, last_modified, lines, needs_reparse, deleted, original_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, 0, ?, ?, ?)
			ON CONFLICT(project_id, path) DO UPDATE SET
				last_modified = excluded.last_modified,
				lines = excluded.lines,
				needs_reparse = 1,
				deleted = 0,
				updated_at = excluded.updated_at`,
			projectID, path, mtime, lines, path, now, now)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "upserting file touch", err)
		}
		return nil, nil
	})
	return err
}

// MarkFileDeleted flags a file absent from disk (spec §4.3 step 7).
func (e *Engine) MarkFileDeleted(ctx context.Context, projectID, path string) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.Exec(`UPDATE files SET deleted = 1, updated_at = ? WHERE project_id = ? AND path = ?`,
			nowUTC(), projectID, path)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "marking file deleted", err)
		}
		return nil, nil
	})
	return err
}

// --- Indexing worker support --------------------------------------------------

// ProjectsNeedingReparse implements spec §4.4 step 1.
func (e *Engine) ProjectsNeedingReparse(ctx context.Context) ([]string, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT DISTINCT project_id FROM files WHERE (deleted = 0 OR deleted IS NULL) AND needs_reparse = 1`)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "listing projects needing reparse", err)
		}
		defer func() { _ = rows.Close() }()
		var out []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]string), nil
}

// PendingFile is a row selected for re-indexing.
type PendingFile struct {
	FileID       int64
	Path         string
	FailureCount int
}

// FilesNeedingReparse implements spec §4.4 step 2: up to limit files
// of projectID ordered by updated_at ASC, excluding files already
// marked skipped.
func (e *Engine) FilesNeedingReparse(ctx context.Context, projectID string, limit int) ([]PendingFile, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT file_id, path, failure_count FROM files
			WHERE project_id = ? AND (deleted = 0 OR deleted IS NULL) AND needs_reparse = 1 AND skipped = 0
			ORDER BY updated_at ASC LIMIT ?`, projectID, limit)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "selecting files needing reparse", err)
		}
		defer func() { _ = rows.Close() }()
		var out []PendingFile
		for rows.Next() {
			var f PendingFile
			if err := rows.Scan(&f.FileID, &f.Path, &f.FailureCount); err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]PendingFile), nil
}

// RecordFileFailure increments failure_count and, once it reaches
// maxFailures, marks the file skipped (spec §4.4 failure semantics).
func (e *Engine) RecordFileFailure(ctx context.Context, fileID int64, maxFailures int) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.Exec(`UPDATE files SET failure_count = failure_count + 1, updated_at = ? WHERE file_id = ?`, nowUTC(), fileID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "recording file failure", err)
		}
		_, err = db.Exec(`UPDATE files SET skipped = 1 WHERE file_id = ? AND failure_count >= ?`, fileID, maxFailures)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "marking file skipped", err)
		}
		return nil, nil
	})
	return err
}

// ParsedFile is the parser's output for one file, as produced by
// internal/pyparse and consumed by IndexFile.
type ParsedFile struct {
	TreeData  []byte
	TreeHash  string
	Source    string
	Hash      string
	Classes   []pyparse.ClassEntity
	Methods   []pyparse.MethodEntity
	Functions []pyparse.FunctionEntity
	Imports   []pyparse.ImportEntity
	CallSites []pyparse.CallSite
}

// ParseFunc parses a file's on-disk content. It is injected rather
// than imported directly so storage stays decoupled from pyparse's
// tree-sitter runtime during tests.
type ParseFunc func(path string) (*ParsedFile, error)

// IndexFile implements the atomic per-file update of spec §4.1/§4.4:
// clear structural artifacts and chunk rows, re-parse, repopulate,
// build cross-references, clear needs_reparse, all inside one
// transaction.
func (e *Engine) IndexFile(ctx context.Context, fileID int64, projectID, path string, parse ParseFunc) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		var rootPath string
		if err := db.QueryRow(`SELECT root_path FROM projects WHERE project_id = ?`, projectID).Scan(&rootPath); err != nil {
			return nil, errs.Wrap(errs.StorageError, "resolving project root for "+path, err)
		}
		absPath := path
		if !filepath.IsAbs(path) {
			absPath = filepath.Join(rootPath, path)
		}

		parsed, perr := parse(absPath)
		if perr != nil {
			return nil, errs.Wrap(errs.ParseError, "parsing "+path, perr)
		}

		tx, err := db.Begin()
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "beginning index_file transaction", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		for _, table := range []string{"classes", "methods", "functions", "imports", "code_chunks", "entity_cross_ref"} {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE file_id = ?", table), fileID); err != nil {
				return nil, errs.Wrap(errs.StorageError, "clearing "+table, err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM syntax_trees WHERE file_id = ?`, fileID); err != nil {
			return nil, errs.Wrap(errs.StorageError, "clearing syntax_trees", err)
		}
		if _, err := tx.Exec(`DELETE FROM concrete_trees WHERE file_id = ?`, fileID); err != nil {
			return nil, errs.Wrap(errs.StorageError, "clearing concrete_trees", err)
		}

		if _, err := tx.Exec(`INSERT INTO syntax_trees(file_id, data, hash) VALUES (?, ?, ?)`,
			fileID, parsed.TreeData, parsed.TreeHash); err != nil {
			return nil, errs.Wrap(errs.StorageError, "inserting syntax_tree", err)
		}
		if _, err := tx.Exec(`INSERT INTO concrete_trees(file_id, source, hash) VALUES (?, ?, ?)`,
			fileID, parsed.Source, parsed.Hash); err != nil {
			return nil, errs.Wrap(errs.StorageError, "inserting concrete_tree", err)
		}

		classIDs := make(map[string]int64, len(parsed.Classes))
		for _, c := range parsed.Classes {
			res, err := tx.Exec(`INSERT INTO classes(file_id, name, qual_name, start_line, end_line, docstring) VALUES (?, ?, ?, ?, ?, ?)`,
				fileID, c.Name, c.QualName, c.StartLine, c.EndLine, c.Docstring)
			if err != nil {
				return nil, errs.Wrap(errs.StorageError, "inserting class "+c.QualName, err)
			}
			id, _ := res.LastInsertId()
			classIDs[c.QualName] = id
		}

		methodIDs := make(map[string]int64, len(parsed.Methods))
		for _, m := range parsed.Methods {
			classID, ok := classIDs[m.ClassQualName]
			if !ok {
				continue
			}
			res, err := tx.Exec(`INSERT INTO methods(class_id, file_id, name, qual_name, start_line, end_line, docstring) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				classID, fileID, m.Name, m.QualName, m.StartLine, m.EndLine, m.Docstring)
			if err != nil {
				return nil, errs.Wrap(errs.StorageError, "inserting method "+m.QualName, err)
			}
			id, _ := res.LastInsertId()
			methodIDs[m.QualName] = id
		}

		functionIDs := make(map[string]int64, len(parsed.Functions))
		for _, f := range parsed.Functions {
			res, err := tx.Exec(`INSERT INTO functions(file_id, name, qual_name, start_line, end_line, docstring) VALUES (?, ?, ?, ?, ?, ?)`,
				fileID, f.Name, f.QualName, f.StartLine, f.EndLine, f.Docstring)
			if err != nil {
				return nil, errs.Wrap(errs.StorageError, "inserting function "+f.QualName, err)
			}
			id, _ := res.LastInsertId()
			functionIDs[f.QualName] = id
		}

		for _, imp := range parsed.Imports {
			if _, err := tx.Exec(`INSERT INTO imports(file_id, module, name, start_line) VALUES (?, ?, ?, ?)`,
				fileID, imp.Module, imp.Name, imp.StartLine); err != nil {
				return nil, errs.Wrap(errs.StorageError, "inserting import "+imp.Module, err)
			}
		}

		if err := buildCrossReferences(tx, fileID, projectID, parsed, classIDs, methodIDs, functionIDs); err != nil {
			return nil, err
		}

		if _, err := tx.Exec(`UPDATE files SET needs_reparse = 0, failure_count = 0, skipped = 0, updated_at = ? WHERE file_id = ?`,
			nowUTC(), fileID); err != nil {
			return nil, errs.Wrap(errs.StorageError, "clearing needs_reparse", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, errs.Wrap(errs.StorageError, "committing index_file", err)
		}
		committed = true
		return nil, nil
	})
	return err
}
