// Package embedder implements the External Embedder (EE) client used
// by the Chunking/Vectorization Worker's Phase A (spec §6): an HTTP
// transport with optional mutual TLS and a circuit breaker over
// repeated failures.
//
// Grounded on ihavespoons-zrok/internal/embedding/ollama.go for the
// http.Client + context-aware request/decode shape, generalized from
// that file's single /api/embeddings Ollama endpoint to the
// {text, kind, language} -> {chunks, processing_time} contract spec
// §6 defines, and from float64 embeddings to float32 end to end.
package embedder

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/errs"
)

// Kind is the chunk-source hint sent with each request.
type Kind string

const (
	KindDocBlock Kind = "DocBlock"
	KindCode     Kind = "Code"
)

// ChunkRequest is the EE request body (spec §6).
type ChunkRequest struct {
	Text     string `json:"text"`
	Kind     Kind   `json:"kind"`
	Language string `json:"language"`
}

// ChunkResponseItem is one returned chunk.
type ChunkResponseItem struct {
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding"`
	TokenCount int       `json:"token_count"`
}

// ChunkResponse is the EE response body (spec §6).
type ChunkResponse struct {
	Chunks         []ChunkResponseItem `json:"chunks"`
	ProcessingTime float64             `json:"processing_time"`
}

// Client talks to the External Embedder over HTTP, with optional
// mutual TLS per config.EmbedderTLS.
type Client struct {
	endpoint string
	http     *http.Client
	model    string
}

// New constructs a Client from cfg. requestTimeout bounds every call
// (spec §5: "Any EE call may block on the network and is subject to a
// per-call request_timeout").
func New(cfg config.EmbedderConfig, requestTimeout time.Duration, model string) (*Client, error) {
	transport := &http.Transport{}

	if cfg.TLS.Cert != "" || cfg.TLS.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigError, "loading embedder client certificate", err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

		if cfg.TLS.CA != "" {
			caBytes, err := os.ReadFile(cfg.TLS.CA)
			if err != nil {
				return nil, errs.Wrap(errs.ConfigError, "reading embedder CA bundle", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caBytes) {
				return nil, errs.New(errs.ConfigError, "embedder CA bundle contains no usable certificates")
			}
			tlsConfig.RootCAs = pool
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Transport: transport, Timeout: requestTimeout},
		model:    model,
	}, nil
}

// Model returns the embedding model name recorded alongside each chunk.
func (c *Client) Model() string { return c.model }

// GetChunks requests embeddings for text (spec §4.5 step 2 / §6).
func (c *Client) GetChunks(ctx context.Context, text string, kind Kind, language string) (*ChunkResponse, error) {
	body, err := json.Marshal(ChunkRequest{Text: text, Kind: kind, Language: language})
	if err != nil {
		return nil, errs.Wrap(errs.EmbedFatalError, "encoding embedder request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chunks", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.EmbedFatalError, "creating embedder request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, "embedder request timed out", err)
		}
		return nil, errs.Wrap(errs.EmbedTransientError, "calling embedder", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.EmbedTransientError, fmt.Sprintf("embedder returned %d: %s", resp.StatusCode, string(payload)))
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.EmbedFatalError, fmt.Sprintf("embedder returned %d: %s", resp.StatusCode, string(payload)))
	}

	var out ChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.EmbedFatalError, "decoding embedder response", err)
	}
	return &out, nil
}
