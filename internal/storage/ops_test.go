package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/pyparse"
)

func addTestProject(t *testing.T, e *Engine, id, root string) {
	t.Helper()
	require.NoError(t, e.AddProject(context.Background(), Project{ProjectID: id, RootPath: root, Name: id}))
}

func TestAddListRemoveProject(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	addTestProject(t, e, "proj-1", "/repo/proj-1")

	projects, err := e.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "proj-1", projects[0].ProjectID)
	assert.Equal(t, "/repo/proj-1", projects[0].RootPath)

	require.NoError(t, e.RemoveProject(ctx, "proj-1"))
	projects, err = e.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestAddProjectUpsertsOnConflictingRootPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.AddProject(ctx, Project{ProjectID: "a", RootPath: "/repo/x", Name: "first"}))
	require.NoError(t, e.AddProject(ctx, Project{ProjectID: "b", RootPath: "/repo/x", Name: "second"}))

	projects, err := e.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "second", projects[0].Name)
}

func TestFileMarkerLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addTestProject(t, e, "proj-1", "/repo/proj-1")

	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "a.py", 100.0, 10))
	markers, err := e.ListFileMarkers(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "a.py", markers[0].Path)
	assert.False(t, markers[0].Deleted)

	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "a.py", 200.0, 12))
	markers, err = e.ListFileMarkers(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, 200.0, markers[0].LastModified)

	require.NoError(t, e.MarkFileDeleted(ctx, "proj-1", "a.py"))
	markers, err = e.ListFileMarkers(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].Deleted)
}

func TestProjectsNeedingReparse(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addTestProject(t, e, "proj-1", "/repo/proj-1")
	addTestProject(t, e, "proj-2", "/repo/proj-2")

	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "a.py", 1, 1))

	ids, err := e.ProjectsNeedingReparse(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-1"}, ids)
}

func TestFilesNeedingReparseExcludesSkippedAndDeleted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addTestProject(t, e, "proj-1", "/repo/proj-1")

	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "a.py", 1, 1))
	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "b.py", 2, 1))
	require.NoError(t, e.MarkFileDeleted(ctx, "proj-1", "b.py"))

	files, err := e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.py", files[0].Path)
}

func TestRecordFileFailureMarksSkippedAtThreshold(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addTestProject(t, e, "proj-1", "/repo/proj-1")
	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "a.py", 1, 1))

	files, err := e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fileID := files[0].FileID

	require.NoError(t, e.RecordFileFailure(ctx, fileID, 3))
	require.NoError(t, e.RecordFileFailure(ctx, fileID, 3))

	// still below threshold: should still show up
	files, err = e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 2, files[0].FailureCount)

	require.NoError(t, e.RecordFileFailure(ctx, fileID, 3))

	// at threshold: marked skipped, drops out of the pending set
	files, err = e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestExecuteRunsSingleStatement(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Execute(context.Background(),
		`INSERT INTO projects(project_id, root_path, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		[]interface{}{"x", "/r/x", "x", nowUTC(), nowUTC()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)
}

func TestExecuteBatchWithoutTransactionContinuesPastFailures(t *testing.T) {
	e := newTestEngine(t)
	results, err := e.ExecuteBatch(context.Background(), []Op{
		{SQL: `INSERT INTO projects(project_id, root_path, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			Params: []interface{}{"ok", "/r/ok", "ok", nowUTC(), nowUTC()}},
		{SQL: `INSERT INTO not_a_table(x) VALUES (?)`, Params: []interface{}{1}},
	}, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Nil(t, results[0].Err)
	assert.NotNil(t, results[1].Err)

	projects, err := e.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestExecuteBatchInTransactionStopsOnFirstFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	txID, err := e.BeginTransaction(ctx)
	require.NoError(t, err)

	_, err = e.ExecuteBatch(ctx, []Op{
		{SQL: `INSERT INTO projects(project_id, root_path, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			Params: []interface{}{"ok", "/r/ok", "ok", nowUTC(), nowUTC()}},
		{SQL: `INSERT INTO not_a_table(x) VALUES (?)`, Params: []interface{}{1}},
	}, txID)
	assert.Error(t, err)

	require.NoError(t, e.Rollback(ctx, txID))
	projects, err := e.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

const indexFileSample = `class Greeter:
    def greet(self, name):
        return format_greeting(name)


def format_greeting(name):
    return helper(name)


def helper(name):
    return name
`

func fakeParseFunc(t *testing.T) ParseFunc {
	t.Helper()
	return func(path string) (*ParsedFile, error) {
		return &ParsedFile{
			TreeData: []byte("tree-bytes"),
			TreeHash: "tree-hash",
			Source:   indexFileSample,
			Hash:     "source-hash",
			Classes: []pyparse.ClassEntity{
				{Name: "Greeter", QualName: "Greeter", StartLine: 1, EndLine: 3},
			},
			Methods: []pyparse.MethodEntity{
				{Name: "greet", QualName: "Greeter.greet", ClassQualName: "Greeter", StartLine: 2, EndLine: 3},
			},
			Functions: []pyparse.FunctionEntity{
				{Name: "format_greeting", QualName: "format_greeting", StartLine: 6, EndLine: 7},
				{Name: "helper", QualName: "helper", StartLine: 10, EndLine: 11},
			},
			Imports: nil,
			CallSites: []pyparse.CallSite{
				{Kind: pyparse.CallSiteCall, TargetName: "format_greeting", Line: 3},
				{Kind: pyparse.CallSiteCall, TargetName: "helper", Line: 7},
			},
		}, nil
	}
}

func TestIndexFilePopulatesEntitiesAndCrossRefs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addTestProject(t, e, "proj-1", t.TempDir())
	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "greeter.py", 1, 11))

	files, err := e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fileID := files[0].FileID

	require.NoError(t, e.IndexFile(ctx, fileID, "proj-1", "greeter.py", fakeParseFunc(t)))

	assert.Equal(t, 1, queryScalar(t, e, `SELECT COUNT(*) FROM classes WHERE file_id = ?`, fileID))
	assert.Equal(t, 1, queryScalar(t, e, `SELECT COUNT(*) FROM methods WHERE file_id = ?`, fileID))
	assert.Equal(t, 2, queryScalar(t, e, `SELECT COUNT(*) FROM functions WHERE file_id = ?`, fileID))
	assert.Equal(t, 2, queryScalar(t, e, `SELECT COUNT(*) FROM entity_cross_ref WHERE file_id = ?`, fileID))

	files, err = e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	assert.Empty(t, files, "needs_reparse must be cleared after a successful IndexFile")
}

func TestIndexFileResolvesRelativePathAgainstProjectRoot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	root := t.TempDir()
	addTestProject(t, e, "proj-1", root)
	require.NoError(t, e.UpsertFileTouch(ctx, "proj-1", "pkg/greeter.py", 1, 11))

	files, err := e.FilesNeedingReparse(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	fileID := files[0].FileID

	var seenPath string
	parse := func(path string) (*ParsedFile, error) {
		seenPath = path
		return &ParsedFile{TreeData: []byte("t"), TreeHash: "h", Source: "s", Hash: "h2"}, nil
	}

	require.NoError(t, e.IndexFile(ctx, fileID, "proj-1", "pkg/greeter.py", parse))
	assert.Equal(t, root+"/pkg/greeter.py", seenPath)
}

func queryScalar(t *testing.T, e *Engine, query string, args ...interface{}) int {
	t.Helper()
	val, err := e.Do(context.Background(), func(db *sql.DB) (interface{}, error) {
		var n int
		if err := db.QueryRow(query, args...).Scan(&n); err != nil {
			return nil, err
		}
		return n, nil
	})
	require.NoError(t, err)
	return val.(int)
}
