package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/config"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(config.EmbedderConfig{Endpoint: srv.URL}, 5*time.Second, "test-model")
	require.NoError(t, err)
	return c
}

func TestGetChunksSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chunks", r.URL.Path)
		var req ChunkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "def f(): pass", req.Text)
		assert.Equal(t, KindCode, req.Kind)

		resp := ChunkResponse{
			Chunks: []ChunkResponseItem{
				{Text: "def f(): pass", Embedding: []float32{0.1, 0.2, 0.3}, TokenCount: 4},
			},
			ProcessingTime: 0.05,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.GetChunks(context.Background(), "def f(): pass", KindCode, "python")
	require.NoError(t, err)
	require.Len(t, resp.Chunks, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, resp.Chunks[0].Embedding)
	assert.Equal(t, "test-model", c.Model())
}

func TestGetChunksServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetChunks(context.Background(), "x", KindCode, "python")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EmbedTransientError")
}

func TestGetChunksClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetChunks(context.Background(), "x", KindCode, "python")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EmbedFatalError")
}

func TestGetChunksContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := c.GetChunks(ctx, "x", KindCode, "python")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Timeout")
}
