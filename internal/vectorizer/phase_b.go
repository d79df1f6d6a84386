package vectorizer

import "context"

// phaseB implements spec §4.5 Phase B: drain embedded-but-unassigned
// chunks into the project's vector index and write the assigned
// vector_id back to storage.
func (w *Worker) phaseB(ctx context.Context, projectID string) (bool, error) {
	pending, err := w.client.ChunksPendingVectorID(ctx, projectID, w.cfg.FaissBatch)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	idx, err := w.vi.Get(projectID)
	if err != nil {
		return false, err
	}

	touched := false
	for _, c := range pending {
		if ctx.Err() != nil {
			return touched, ctx.Err()
		}

		vectorID, err := idx.Add(c.Embedding)
		if err != nil {
			w.log.Warnf("project %s: adding chunk %d to vector index: %v", projectID, c.ChunkID, err)
			continue
		}
		if err := w.client.AssignVectorID(ctx, c.ChunkID, vectorID, w.embedder.Model()); err != nil {
			return touched, err
		}
		touched = true
	}

	// spec §4.5 Phase B step 3: "After the batch, VI.save()."
	if err := idx.Save(); err != nil {
		return touched, err
	}
	return touched, nil
}
