package vectorindex

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/logging"
)

type fakeSource struct {
	ids        []int64
	embeddings map[int64][]float32
}

func (f *fakeSource) VectorIDsForProject(ctx context.Context, projectID string) ([]int64, error) {
	return f.ids, nil
}

func (f *fakeSource) EmbeddingsForProject(ctx context.Context, projectID string) (map[int64][]float32, error) {
	return f.embeddings, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 2, logging.New(&bytes.Buffer{}, "test"))
}

func TestManagerGetCreatesAndCachesIndex(t *testing.T) {
	m := newTestManager(t)
	idx1, err := m.Get("proj-a")
	require.NoError(t, err)
	idx2, err := m.Get("proj-a")
	require.NoError(t, err)
	assert.Same(t, idx1, idx2)
}

func TestManagerReconcileNoOpWhenInSync(t *testing.T) {
	m := newTestManager(t)
	idx, err := m.Get("proj-a")
	require.NoError(t, err)
	id, err := idx.Add([]float32{1, 2})
	require.NoError(t, err)

	src := &fakeSource{ids: []int64{id}}
	require.NoError(t, m.Reconcile(context.Background(), "proj-a", src))
	assert.Equal(t, 1, idx.Count())
}

func TestManagerReconcileRebuildsOnDivergence(t *testing.T) {
	m := newTestManager(t)
	idx, err := m.Get("proj-b")
	require.NoError(t, err)
	_, err = idx.Add([]float32{1, 2})
	require.NoError(t, err)

	src := &fakeSource{
		ids:        []int64{7, 8},
		embeddings: map[int64][]float32{7: {1, 1}, 8: {2, 2}},
	}
	require.NoError(t, m.Reconcile(context.Background(), "proj-b", src))
	assert.Equal(t, 2, idx.Count())
}

func TestManagerSaveAllPersistsEveryOpenIndex(t *testing.T) {
	m := newTestManager(t)
	idx, err := m.Get("proj-c")
	require.NoError(t, err)
	_, err = idx.Add([]float32{1, 2})
	require.NoError(t, err)

	require.NoError(t, m.SaveAll())

	reopened, err := Open(m.pathFor("proj-c"), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
