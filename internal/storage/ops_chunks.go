package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/pyindex/pyindexd/internal/errs"
)

// ChunkInput is one chunk the Chunking worker wants persisted during
// Phase A, before a vector_id is assigned (spec §4.5 step 3).
type ChunkInput struct {
	FileID         int64
	EntityKind     ChunkType
	EntityID       int64
	Ordinal        int
	Text           string
	Embedding      []float32 // nil if EE returned no embedding for this chunk
	TokenCount     int
	EmbeddingModel string
}

// InsertChunks persists Phase A output for one file. Chunks whose
// Embedding is nil are stored with embedding=NULL and stay invisible
// to Phase B (spec §4.5 failure semantics) until a later retry fills
// them in via the same upsert.
func (e *Engine) InsertChunks(ctx context.Context, chunks []ChunkInput) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		tx, err := db.Begin()
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "beginning insert_chunks transaction", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		for _, c := range chunks {
			var blob []byte
			if c.Embedding != nil {
				blob = encodeEmbedding(c.Embedding)
			}
			_, err := tx.Exec(`INSERT INTO code_chunks
				(file_id, entity_kind, entity_id, ordinal, text, embedding, token_count, embedding_model, vector_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
				ON CONFLICT(entity_kind, entity_id, ordinal) DO UPDATE SET
					text = excluded.text,
					embedding = excluded.embedding,
					token_count = excluded.token_count,
					embedding_model = excluded.embedding_model`,
				c.FileID, string(c.EntityKind), c.EntityID, c.Ordinal, c.Text, blob, c.TokenCount, c.EmbeddingModel)
			if err != nil {
				return nil, errs.Wrap(errs.StorageError, "inserting chunk", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, errs.Wrap(errs.StorageError, "committing insert_chunks", err)
		}
		committed = true
		return nil, nil
	})
	return err
}

// ClearReparseFlag implements the Phase-A completion marker (spec
// §4.5 step 4): needs_reparse=0 once every chunk for the file has
// been persisted.
func (e *Engine) ClearReparseFlag(ctx context.Context, fileID int64) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.Exec(`UPDATE files SET needs_reparse = 0, updated_at = ? WHERE file_id = ?`, nowUTC(), fileID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "clearing phase-a reparse flag", err)
		}
		return nil, nil
	})
	return err
}

// DocstringFile is a file selected for Phase A chunking.
type DocstringFile struct {
	FileID int64
	Path   string
}

// FilesForChunking implements spec §4.5 Phase A step 1.
func (e *Engine) FilesForChunking(ctx context.Context, projectID string, limit int) ([]DocstringFile, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT DISTINCT f.file_id, f.path FROM files f
			WHERE f.project_id = ?
			  AND (f.deleted = 0 OR f.deleted IS NULL)
			  AND (
			    (f.needs_reparse = 0 AND NOT EXISTS (SELECT 1 FROM code_chunks cc WHERE cc.file_id = f.file_id))
			    OR f.needs_reparse = 1
			  )
			  AND (
			    EXISTS (SELECT 1 FROM classes c WHERE c.file_id = f.file_id AND c.docstring IS NOT NULL AND c.docstring != '')
			    OR EXISTS (SELECT 1 FROM methods m WHERE m.file_id = f.file_id AND m.docstring IS NOT NULL AND m.docstring != '')
			    OR EXISTS (SELECT 1 FROM functions fn WHERE fn.file_id = f.file_id AND fn.docstring IS NOT NULL AND fn.docstring != '')
			  )
			ORDER BY f.updated_at ASC
			LIMIT ?`, projectID, limit)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "selecting files for chunking", err)
		}
		defer func() { _ = rows.Close() }()
		var out []DocstringFile
		for rows.Next() {
			var d DocstringFile
			if err := rows.Scan(&d.FileID, &d.Path); err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]DocstringFile), nil
}

// DocstringEntity is one docstring-bearing entity Phase A walks.
type DocstringEntity struct {
	Kind      ChunkType
	EntityID  int64
	Docstring string
}

// EntitiesWithDocstrings returns every class/method/function belonging
// to fileID that carries a non-empty docstring, for Phase A chunking.
func (e *Engine) EntitiesWithDocstrings(ctx context.Context, fileID int64) ([]DocstringEntity, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		var out []DocstringEntity
		rows, err := db.Query(`SELECT class_id, docstring FROM classes WHERE file_id = ? AND docstring IS NOT NULL AND docstring != ''`, fileID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "selecting class docstrings", err)
		}
		for rows.Next() {
			var d DocstringEntity
			d.Kind = ChunkClass
			if err := rows.Scan(&d.EntityID, &d.Docstring); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		_ = rows.Close()

		rows, err = db.Query(`SELECT method_id, docstring FROM methods WHERE file_id = ? AND docstring IS NOT NULL AND docstring != ''`, fileID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "selecting method docstrings", err)
		}
		for rows.Next() {
			var d DocstringEntity
			d.Kind = ChunkMethod
			if err := rows.Scan(&d.EntityID, &d.Docstring); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		_ = rows.Close()

		rows, err = db.Query(`SELECT function_id, docstring FROM functions WHERE file_id = ? AND docstring IS NOT NULL AND docstring != ''`, fileID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "selecting function docstrings", err)
		}
		for rows.Next() {
			var d DocstringEntity
			d.Kind = ChunkFunction
			if err := rows.Scan(&d.EntityID, &d.Docstring); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		_ = rows.Close()

		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]DocstringEntity), nil
}

// PendingVectorChunk is a chunk with an embedding but no vector_id
// yet assigned (spec §4.5 Phase B step 1).
type PendingVectorChunk struct {
	ChunkID   int64
	Embedding []float32
}

func (e *Engine) ChunksPendingVectorID(ctx context.Context, projectID string, limit int) ([]PendingVectorChunk, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT cc.chunk_id, cc.embedding FROM code_chunks cc
			JOIN files f ON f.file_id = cc.file_id
			WHERE f.project_id = ? AND cc.embedding IS NOT NULL AND cc.vector_id IS NULL
			LIMIT ?`, projectID, limit)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "selecting chunks pending vector id", err)
		}
		defer func() { _ = rows.Close() }()
		var out []PendingVectorChunk
		for rows.Next() {
			var c PendingVectorChunk
			var blob []byte
			if err := rows.Scan(&c.ChunkID, &blob); err != nil {
				return nil, err
			}
			c.Embedding = decodeEmbedding(blob)
			out = append(out, c)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]PendingVectorChunk), nil
}

// AssignVectorID implements spec §4.5 Phase B step 2.
func (e *Engine) AssignVectorID(ctx context.Context, chunkID int64, vectorID int64, embeddingModel string) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.Exec(`UPDATE code_chunks SET vector_id = ?, embedding_model = ? WHERE chunk_id = ?`,
			vectorID, embeddingModel, chunkID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "assigning vector_id", err)
		}
		return nil, nil
	})
	return err
}

// VectorIDsForProject returns every assigned vector_id for projectID,
// used by VI.check_sync (spec §4.2/§4.5).
func (e *Engine) VectorIDsForProject(ctx context.Context, projectID string) ([]int64, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT cc.vector_id FROM code_chunks cc
			JOIN files f ON f.file_id = cc.file_id
			WHERE f.project_id = ? AND cc.vector_id IS NOT NULL`, projectID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "listing vector ids", err)
		}
		defer func() { _ = rows.Close() }()
		var out []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]int64), nil
}

// EmbeddingsForProject streams every (vector_id, embedding) pair
// known to storage for projectID, used by VI.rebuild_from.
func (e *Engine) EmbeddingsForProject(ctx context.Context, projectID string) (map[int64][]float32, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT cc.vector_id, cc.embedding FROM code_chunks cc
			JOIN files f ON f.file_id = cc.file_id
			WHERE f.project_id = ? AND cc.vector_id IS NOT NULL AND cc.embedding IS NOT NULL`, projectID)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "listing embeddings for rebuild", err)
		}
		defer func() { _ = rows.Close() }()
		out := make(map[int64][]float32)
		for rows.Next() {
			var id int64
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				return nil, err
			}
			out[id] = decodeEmbedding(blob)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.(map[int64][]float32), nil
}

// RecordWorkerStat appends one worker_stats row (spec §4.6 "Per-worker stats").
func (e *Engine) RecordWorkerStat(ctx context.Context, s WorkerStat) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		_, err := db.Exec(`INSERT INTO worker_stats(worker, cycle_id, scanned, added, changed, deleted, errors, duration_s, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Worker, s.CycleID, s.Scanned, s.Added, s.Changed, s.Deleted, s.Errors, s.DurationS, nowUTC())
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "recording worker stat", err)
		}
		return nil, nil
	})
	return err
}

// ListWorkerStats returns the most recent worker_stats rows, newest
// first, capped at limit (used by `pyindexd status`).
func (e *Engine) ListWorkerStats(ctx context.Context, limit int) ([]WorkerStat, error) {
	if limit <= 0 {
		limit = 20
	}
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		rows, err := db.Query(`SELECT stat_id, worker, cycle_id, scanned, added, changed, deleted, errors, duration_s, created_at
			FROM worker_stats ORDER BY stat_id DESC LIMIT ?`, limit)
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "listing worker stats", err)
		}
		defer rows.Close()

		out := []WorkerStat{}
		for rows.Next() {
			var s WorkerStat
			if err := rows.Scan(&s.StatID, &s.Worker, &s.CycleID, &s.Scanned, &s.Added, &s.Changed, &s.Deleted, &s.Errors, &s.DurationS, &s.CreatedAt); err != nil {
				return nil, errs.Wrap(errs.StorageError, "scanning worker stat", err)
			}
			out = append(out, s)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return val.([]WorkerStat), nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return v
}
