// Package indexer implements the Indexing Worker (IW): the cycle that
// drains `needs_reparse=1` files through SE's index_file operation
// (spec §4.4), plus the parser adapter wired into the Storage Engine's
// broker so SE can satisfy index_file without importing pyparse
// directly.
//
// Cycle grounded on ihavespoons-zrok/internal/semantic/indexer.go's
// incremental-update worker loop shape (discover pending work, drain a
// batch, sleep, repeat), narrowed from that file's chunk-build loop to
// IW's structural re-parse loop.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/pyparse"
	"github.com/pyindex/pyindexd/internal/storage"
)

// defaultCacheSize bounds the per-worker parsed-tree cache (spec §9
// "Shared-mutable caches": per-worker, bounded, explicit), grounded on
// Aman-CERP-amanmcp/internal/scanner.Scanner's gitignoreCacheSize idiom.
const defaultCacheSize = 256

// NewCachingParseFunc adapts parser into a storage.ParseFunc, the
// shape SE's index_file operation needs (spec §4.1/§4.4). Results are
// cached by content hash so repeated index_file calls against
// unchanged bytes (e.g. a mtime-only touch) skip a full tree-sitter
// pass.
func NewCachingParseFunc(parser *pyparse.Parser, cacheSize int) storage.ParseFunc {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, *storage.ParsedFile](cacheSize)

	return func(path string) (*storage.ParsedFile, error) {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ParseError, "reading "+path, err)
		}

		sum := sha256.Sum256(content)
		key := hex.EncodeToString(sum[:])
		if cached, ok := cache.Get(key); ok {
			return cached, nil
		}

		result, err := parser.ParseSource(string(content))
		if err != nil {
			return nil, errs.Wrap(errs.ParseError, "parsing "+path, err)
		}

		treeData, err := result.Tree.Encode()
		if err != nil {
			return nil, errs.Wrap(errs.ParseError, "encoding structural tree for "+path, err)
		}

		parsed := &storage.ParsedFile{
			TreeData:  treeData,
			TreeHash:  key,
			Source:    result.Source,
			Hash:      result.Hash,
			Classes:   result.Classes,
			Methods:   result.Methods,
			Functions: result.Functions,
			Imports:   result.Imports,
			CallSites: result.CallSites,
		}
		cache.Add(key, parsed)
		return parsed, nil
	}
}

// Worker runs IW's cycle over the storage client (spec §4.4). It never
// parses in its own process: index_file is an SE-side operation, and
// the worker only tells SE which files need it.
type Worker struct {
	client *storage.Client
	cfg    config.IndexerConfig
	log    *logging.Logger
}

// NewWorker constructs a Worker.
func NewWorker(client *storage.Client, cfg config.IndexerConfig, log *logging.Logger) *Worker {
	return &Worker{client: client, cfg: cfg, log: log}
}

// Run drives IW's idle-sleep cycle (spec §4.4 step 4: "If the cycle
// touched any file, sleep short_idle; otherwise sleep long_idle") until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		touched, err := w.cycle(ctx)
		if err != nil {
			w.log.Errorf("indexing cycle aborted: %v", err)
		}

		sleep := w.cfg.LongIdleDuration()
		if touched {
			sleep = w.cfg.ShortIdleDuration()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// cycle implements spec §4.4 steps 1-3. Storage errors abort the
// cycle (so the worker backs off and retries next cycle); parse
// errors skip only the offending file and increment its failure count.
func (w *Worker) cycle(ctx context.Context) (bool, error) {
	projectIDs, err := w.client.ProjectsNeedingReparse(ctx)
	if err != nil {
		return false, err
	}

	touched := false
	for _, projectID := range projectIDs {
		if ctx.Err() != nil {
			return touched, ctx.Err()
		}

		stat := storage.WorkerStat{Worker: "indexer", CycleID: uuid.NewString()}
		start := time.Now()

		files, err := w.client.FilesNeedingReparse(ctx, projectID, w.cfg.BatchSize)
		if err != nil {
			return touched, err
		}
		stat.Scanned = len(files)

		for _, f := range files {
			if ctx.Err() != nil {
				return touched, ctx.Err()
			}

			if err := w.client.IndexFile(ctx, f.FileID, projectID, f.Path); err != nil {
				if errs.Is(err, errs.ParseError) {
					w.log.Warnf("project %s: skipping %s: %v", projectID, f.Path, err)
					stat.Errors++
					if ferr := w.client.RecordFileFailure(ctx, f.FileID, w.cfg.MaxFailuresPerFile); ferr != nil {
						w.log.Warnf("recording failure for file %d: %v", f.FileID, ferr)
					}
					continue
				}
				return touched, err
			}
			touched = true
			stat.Changed++
		}

		stat.DurationS = time.Since(start).Seconds()
		if err := w.client.RecordWorkerStat(ctx, stat); err != nil {
			w.log.Warnf("recording worker stat for project %s: %v", projectID, err)
		}
	}
	return touched, nil
}
