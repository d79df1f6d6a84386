package vectorizer

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/embedder"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/storage"
	"github.com/pyindex/pyindexd/internal/vectorindex"
)

// harness wires a real Engine behind a real Broker over a unix socket
// in a temp dir, the same topology `cmd/storage.go` sets up in
// production, so phase B can be exercised against the actual client/
// broker/engine stack instead of a mock.
type harness struct {
	engine *storage.Engine
	client *storage.Client
	vi     *vectorindex.Manager
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logging.New(&bytes.Buffer{}, "test")

	engine, err := storage.Open(filepath.Join(dir, "storage.db"), filepath.Join(dir, "backups"), log)
	require.NoError(t, err)

	socketPath := filepath.Join(dir, "storage.sock")
	broker := storage.NewBroker(socketPath, engine, log, func(path string) (*storage.ParsedFile, error) {
		return &storage.ParsedFile{TreeData: []byte("t"), TreeHash: "h", Source: "s", Hash: "h2"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = broker.ListenAndServe(ctx) }()

	client := storage.NewClient(socketPath, 5*time.Second)
	require.NoError(t, client.WaitUntilReady(ctx, 20*time.Millisecond))

	vi := vectorindex.NewManager(filepath.Join(dir, "vectors"), 3, log)

	h := &harness{engine: engine, client: client, vi: vi, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		_ = engine.Close()
	})
	return h
}

func newTestGuardedClient(t *testing.T) *embedder.GuardedClient {
	t.Helper()
	c, err := embedder.New(config.EmbedderConfig{Endpoint: "http://unused.invalid"}, time.Second, "test-model")
	require.NoError(t, err)
	breaker := embedder.NewBreaker(3, time.Minute, logging.New(&bytes.Buffer{}, "test"))
	return embedder.NewGuarded(c, breaker)
}

func TestPhaseBAssignsVectorIDsAndSavesIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.AddProject(ctx, storage.Project{ProjectID: "p1", RootPath: "/repo/p1", Name: "p1"}))
	require.NoError(t, h.engine.UpsertFileTouch(ctx, "p1", "a.py", 1, 1))
	files, err := h.engine.FilesNeedingReparse(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, h.engine.InsertChunks(ctx, []storage.ChunkInput{
		{FileID: files[0].FileID, EntityKind: storage.ChunkFunction, EntityID: 1, Ordinal: 0,
			Text: "does a thing", Embedding: []float32{1, 0, 0}, EmbeddingModel: "test-model"},
	}))

	w := NewWorker(h.client, newTestGuardedClient(t), h.vi, config.VectorizerConfig{FaissBatch: 10}, logging.New(&bytes.Buffer{}, "test"))

	touched, err := w.phaseB(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, touched)

	ids, err := h.client.VectorIDsForProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	idx, err := h.vi.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Count())
}

func TestPhaseBNoOpWhenNothingPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.AddProject(ctx, storage.Project{ProjectID: "p1", RootPath: "/repo/p1", Name: "p1"}))

	w := NewWorker(h.client, newTestGuardedClient(t), h.vi, config.VectorizerConfig{FaissBatch: 10}, logging.New(&bytes.Buffer{}, "test"))
	touched, err := w.phaseB(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestNewWorkerClampsMaxInFlightEmbedToOne(t *testing.T) {
	h := newHarness(t)
	w := NewWorker(h.client, newTestGuardedClient(t), h.vi, config.VectorizerConfig{MaxInFlightEmbed: 0}, logging.New(&bytes.Buffer{}, "test"))
	// a weighted semaphore of size 0 would reject every Acquire(ctx, 1),
	// so NewWorker clamping to 1 means a single acquire must succeed.
	require.NoError(t, w.sem.Acquire(context.Background(), 1))
	w.sem.Release(1)
}
