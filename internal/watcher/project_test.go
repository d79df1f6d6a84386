package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkProjectDir(t *testing.T, root, name, markerContents string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if markerContents != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, markerFile), []byte(markerContents), 0o644))
	}
	return dir
}

func TestDiscoverProjectsJSONMarker(t *testing.T) {
	root := t.TempDir()
	mkProjectDir(t, root, "svc-a", `{"id":"proj-a","description":"service a"}`)

	projects, err := DiscoverProjects(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "proj-a", projects[0].ProjectID)
	assert.Equal(t, "service a", projects[0].Description)
	assert.Equal(t, filepath.Join(root, "svc-a"), projects[0].RootPath)
}

func TestDiscoverProjectsLegacyUUIDMarker(t *testing.T) {
	root := t.TempDir()
	id := uuid.NewString()
	mkProjectDir(t, root, "svc-b", id+"\n")

	projects, err := DiscoverProjects(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, id, projects[0].ProjectID)
	assert.Empty(t, projects[0].Description)
}

func TestDiscoverProjectsSkipsDirsWithoutMarkerAndNonDirs(t *testing.T) {
	root := t.TempDir()
	mkProjectDir(t, root, "no-marker", "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray-file"), []byte("x"), 0o644))
	mkProjectDir(t, root, "has-marker", `{"id":"proj-c"}`)

	projects, err := DiscoverProjects(root)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "proj-c", projects[0].ProjectID)
}

func TestReadMarkerRejectsMalformedJSON(t *testing.T) {
	root := t.TempDir()
	dir := mkProjectDir(t, root, "bad-json", `{"id": `)
	_, err := readMarker(dir)
	assert.Error(t, err)
}

func TestReadMarkerRejectsJSONWithoutID(t *testing.T) {
	root := t.TempDir()
	dir := mkProjectDir(t, root, "no-id", `{"description":"x"}`)
	_, err := readMarker(dir)
	assert.Error(t, err)
}

func TestReadMarkerRejectsNonUUIDBareString(t *testing.T) {
	root := t.TempDir()
	dir := mkProjectDir(t, root, "not-a-uuid", "not-a-uuid-at-all")
	_, err := readMarker(dir)
	assert.Error(t, err)
}

func TestReadMarkerMissingFile(t *testing.T) {
	root := t.TempDir()
	_, err := readMarker(root)
	assert.True(t, os.IsNotExist(err))
}
