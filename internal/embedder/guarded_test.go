package embedder

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/logging"
)

func TestGuardedClientFailsFastWhenBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(config.EmbedderConfig{Endpoint: srv.URL}, time.Second, "m")
	require.NoError(t, err)
	breaker := NewBreaker(1, time.Minute, logging.New(&bytes.Buffer{}, "test"))
	guarded := NewGuarded(c, breaker)

	_, err = guarded.GetChunksGuarded(context.Background(), "x", KindCode, "python")
	require.Error(t, err)
	require.Equal(t, BreakerOpen, breaker.State())

	_, err = guarded.GetChunksGuarded(context.Background(), "x", KindCode, "python")
	assert.Same(t, ErrBreakerOpen, err)
}

func TestGuardedClientRecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chunks":[],"processing_time":0}`))
	}))
	defer srv.Close()

	c, err := New(config.EmbedderConfig{Endpoint: srv.URL}, time.Second, "m")
	require.NoError(t, err)
	breaker := NewBreaker(3, time.Minute, logging.New(&bytes.Buffer{}, "test"))
	guarded := NewGuarded(c, breaker)

	_, err = guarded.GetChunksGuarded(context.Background(), "x", KindCode, "python")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, breaker.State())
}
