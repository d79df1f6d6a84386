package vectorizer

import (
	"context"
	"strings"
	"sync"

	"github.com/pyindex/pyindexd/internal/embedder"
	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/storage"
)

// phaseA implements spec §4.5 Phase A: select files due for chunking,
// embed every docstring-bearing entity's text through EE, and persist
// the results. An open circuit breaker halts Phase A for the rest of
// this cycle only -- Phase B still drains whatever was embedded
// before the trip.
func (w *Worker) phaseA(ctx context.Context, projectID string) (bool, error) {
	if !w.embedder.Breaker.Allow() {
		w.log.Warnf("project %s: embedder circuit open, skipping phase A this cycle", projectID)
		return false, nil
	}

	files, err := w.client.FilesForChunking(ctx, projectID, w.cfg.ChunkBatch)
	if err != nil {
		return false, err
	}

	touched := false
	for _, f := range files {
		if ctx.Err() != nil {
			return touched, ctx.Err()
		}
		if !w.embedder.Breaker.Allow() {
			w.log.Warnf("project %s: embedder circuit opened mid-cycle, stopping phase A", projectID)
			break
		}

		entities, err := w.client.EntitiesWithDocstrings(ctx, f.FileID)
		if err != nil {
			w.log.Warnf("project %s: listing docstrings for %s: %v", projectID, f.Path, err)
			continue
		}

		chunks, halted := w.embedEntities(ctx, f.FileID, entities)
		if len(chunks) > 0 {
			if err := w.client.InsertChunks(ctx, chunks); err != nil {
				return touched, err
			}
			touched = true
		}
		if halted {
			// a transient embedder failure (an open breaker included) cut
			// this file short: leave its
			// needs_reparse flag set so the next cycle retries it whole.
			break
		}

		if err := w.client.ClearReparseFlag(ctx, f.FileID); err != nil {
			return touched, err
		}
	}
	return touched, nil
}

// embedEntities fans entities out across EE calls bounded by
// max_in_flight_embed, returning every chunk produced. halted reports
// whether any call failed with a transient embedder error (an open
// breaker included) so the caller can leave the owning file's reparse
// flag set for retry.
func (w *Worker) embedEntities(ctx context.Context, fileID int64, entities []storage.DocstringEntity) ([]storage.ChunkInput, bool) {
	type outcome struct {
		chunks []storage.ChunkInput
		halted bool
	}

	results := make([]outcome, len(entities))
	var wg sync.WaitGroup

	for i, ent := range entities {
		text := strings.TrimSpace(ent.Docstring)
		if len(text) < w.cfg.MinChunkLength {
			continue
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			break // ctx cancelled while waiting for a slot
		}

		wg.Add(1)
		go func(i int, ent storage.DocstringEntity, text string) {
			defer wg.Done()
			defer w.sem.Release(1)

			resp, err := w.embedder.GetChunksGuarded(ctx, text, embedder.KindDocBlock, "python")
			if err != nil {
				if errs.Is(err, errs.EmbedTransientError) {
					results[i] = outcome{halted: true}
					return
				}
				w.log.Warnf("embedding entity %d: %v", ent.EntityID, err)
				return
			}

			out := make([]storage.ChunkInput, 0, len(resp.Chunks))
			for ordinal, c := range resp.Chunks {
				out = append(out, storage.ChunkInput{
					FileID:         fileID,
					EntityKind:     ent.Kind,
					EntityID:       ent.EntityID,
					Ordinal:        ordinal,
					Text:           c.Text,
					Embedding:      c.Embedding,
					TokenCount:     c.TokenCount,
					EmbeddingModel: w.embedder.Model(),
				})
			}
			results[i] = outcome{chunks: out}
		}(i, ent, text)
	}
	wg.Wait()

	var chunks []storage.ChunkInput
	halted := false
	for _, r := range results {
		chunks = append(chunks, r.chunks...)
		halted = halted || r.halted
	}
	return chunks, halted
}
