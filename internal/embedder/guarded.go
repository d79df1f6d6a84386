package embedder

import "context"

// GuardedClient pairs a Client with a Breaker so callers get one
// GetChunks call that both short-circuits on an open breaker and
// records the outcome, rather than threading breaker bookkeeping
// through every call site.
type GuardedClient struct {
	*Client
	Breaker *Breaker
}

// NewGuarded wraps c with a breaker tracking its consecutive failures.
func NewGuarded(c *Client, b *Breaker) *GuardedClient {
	return &GuardedClient{Client: c, Breaker: b}
}

// GetChunksGuarded calls GetChunks unless the breaker is open, in
// which case it fails fast with ErrBreakerOpen (spec §4.5: "open-
// circuit halts Phase A only").
func (g *GuardedClient) GetChunksGuarded(ctx context.Context, text string, kind Kind, language string) (*ChunkResponse, error) {
	if !g.Breaker.Allow() {
		return nil, ErrBreakerOpen
	}
	resp, err := g.Client.GetChunks(ctx, text, kind, language)
	if err != nil {
		g.Breaker.RecordFailure()
		return nil, err
	}
	g.Breaker.RecordSuccess()
	return resp, nil
}
