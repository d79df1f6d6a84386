package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/logging"
)

// maxFrameSize bounds a single request/response frame to guard the
// broker against a misbehaving client sending an unbounded length
// prefix.
const maxFrameSize = 64 << 20

// Broker listens on a local stream socket and serves the SE request
// protocol (spec §6): length-prefixed JSON messages, one request per
// operation. Grounded on Aman-CERP-amanmcp/internal/daemon.Server's
// accept-loop/per-connection shape, adapted from that repo's bare
// json.Decoder stream to explicit length-prefixed frames and from its
// single JSON-RPC method set to the SE command table (protocol.go).
type Broker struct {
	socketPath string
	engine     *Engine
	log        *logging.Logger
	parse      ParseFunc

	listener net.Listener
	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewBroker constructs a Broker backed by engine. parse is injected
// for CmdIndexFile so storage stays decoupled from the pyparse runtime.
func NewBroker(socketPath string, engine *Engine, log *logging.Logger, parse ParseFunc) *Broker {
	return &Broker{socketPath: socketPath, engine: engine, log: log, parse: parse}
}

// ListenAndServe starts the broker and blocks until ctx is cancelled.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(b.socketPath)

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return errs.Wrap(errs.StorageError, "listening on "+b.socketPath, err)
	}
	b.listener = listener
	defer func() {
		_ = listener.Close()
		_ = os.Remove(b.socketPath)
	}()

	b.log.Infof("storage broker listening on %s", b.socketPath)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			b.mu.Lock()
			shutdown := b.shutdown
			b.mu.Unlock()
			if shutdown {
				break
			}
			b.log.Warnf("accept error: %v", err)
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(ctx, conn)
		}()
	}

	b.wg.Wait()
	return ctx.Err()
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		req, err := readFrame(conn)
		if err != nil {
			return // client closed, or framing error: connection is done
		}
		var r Request
		if err := json.Unmarshal(req, &r); err != nil {
			_ = writeResponse(conn, errorResponse(ErrCodeInvalidParams, "malformed request"))
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp := b.dispatch(reqCtx, r)
		cancel()

		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, r Request) Response {
	switch r.Command {
	case CmdPing:
		return successResponse(map[string]bool{"ok": true})

	case CmdExecute:
		var p struct {
			SQL    string        `json:"sql"`
			Params []interface{} `json:"params"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		result, err := b.engine.Execute(ctx, p.SQL, p.Params)
		return toResponse(result, err)

	case CmdExecuteBatch:
		var p struct {
			Ops []Op `json:"ops"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		results, err := b.engine.ExecuteBatch(ctx, p.Ops, r.TransactionID)
		return toResponse(results, err)

	case CmdBeginTransaction:
		id, err := b.engine.BeginTransaction(ctx)
		return toResponse(map[string]string{"transaction_id": id}, err)

	case CmdCommit:
		err := b.engine.Commit(ctx, r.TransactionID)
		return toResponse(nil, err)

	case CmdRollback:
		err := b.engine.Rollback(ctx, r.TransactionID)
		return toResponse(nil, err)

	case CmdIndexFile:
		var p struct {
			FileID    int64  `json:"file_id"`
			ProjectID string `json:"project_id"`
			Path      string `json:"path"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		if b.parse == nil {
			return errorResponse(ErrCodeStorageError, "no parser configured")
		}
		err := b.engine.IndexFile(ctx, p.FileID, p.ProjectID, p.Path, b.parse)
		return toResponse(nil, err)

	case CmdSyncSchema:
		result, err := b.engine.SyncNow(ctx)
		return toResponse(result, err)

	case CmdGetSchemaVersion:
		val, err := b.engine.Do(ctx, func(db *sql.DB) (interface{}, error) {
			return GetSchemaVersion(db)
		})
		return toResponse(val, err)

	case CmdAddProject:
		var p Project
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.AddProject(ctx, p)
		return toResponse(nil, err)

	case CmdRemoveProject:
		var p struct {
			ProjectID string `json:"project_id"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.RemoveProject(ctx, p.ProjectID)
		return toResponse(nil, err)

	case CmdListProjects:
		projects, err := b.engine.ListProjects(ctx)
		return toResponse(projects, err)

	case CmdListWorkerStats:
		var p struct {
			Limit int `json:"limit"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		stats, err := b.engine.ListWorkerStats(ctx, p.Limit)
		return toResponse(stats, err)

	case CmdListFileMarkers:
		var p struct {
			ProjectID string `json:"project_id"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		markers, err := b.engine.ListFileMarkers(ctx, p.ProjectID)
		return toResponse(markers, err)

	case CmdUpsertFileTouch:
		var p struct {
			ProjectID string  `json:"project_id"`
			Path      string  `json:"path"`
			Mtime     float64 `json:"mtime"`
			Lines     int     `json:"lines"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.UpsertFileTouch(ctx, p.ProjectID, p.Path, p.Mtime, p.Lines)
		return toResponse(nil, err)

	case CmdMarkFileDeleted:
		var p struct {
			ProjectID string `json:"project_id"`
			Path      string `json:"path"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.MarkFileDeleted(ctx, p.ProjectID, p.Path)
		return toResponse(nil, err)

	case CmdProjectsNeedWork:
		ids, err := b.engine.ProjectsNeedingReparse(ctx)
		return toResponse(ids, err)

	case CmdFilesNeedWork:
		var p struct {
			ProjectID string `json:"project_id"`
			Limit     int    `json:"limit"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		files, err := b.engine.FilesNeedingReparse(ctx, p.ProjectID, p.Limit)
		return toResponse(files, err)

	case CmdRecordFileFailure:
		var p struct {
			FileID      int64 `json:"file_id"`
			MaxFailures int   `json:"max_failures"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.RecordFileFailure(ctx, p.FileID, p.MaxFailures)
		return toResponse(nil, err)

	case CmdRecordWorkerStat:
		var s WorkerStat
		if err := decodeParams(r.Params, &s); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.RecordWorkerStat(ctx, s)
		return toResponse(nil, err)

	case CmdInsertChunks:
		var p struct {
			Chunks []ChunkInput `json:"chunks"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.InsertChunks(ctx, p.Chunks)
		return toResponse(nil, err)

	case CmdClearReparseFlag:
		var p struct {
			FileID int64 `json:"file_id"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.ClearReparseFlag(ctx, p.FileID)
		return toResponse(nil, err)

	case CmdFilesForChunking:
		var p struct {
			ProjectID string `json:"project_id"`
			Limit     int    `json:"limit"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		files, err := b.engine.FilesForChunking(ctx, p.ProjectID, p.Limit)
		return toResponse(files, err)

	case CmdEntityDocstrings:
		var p struct {
			FileID int64 `json:"file_id"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		entities, err := b.engine.EntitiesWithDocstrings(ctx, p.FileID)
		return toResponse(entities, err)

	case CmdChunksPendingVID:
		var p struct {
			ProjectID string `json:"project_id"`
			Limit     int    `json:"limit"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		chunks, err := b.engine.ChunksPendingVectorID(ctx, p.ProjectID, p.Limit)
		return toResponse(chunks, err)

	case CmdAssignVectorID:
		var p struct {
			ChunkID        int64  `json:"chunk_id"`
			VectorID       int64  `json:"vector_id"`
			EmbeddingModel string `json:"embedding_model"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		err := b.engine.AssignVectorID(ctx, p.ChunkID, p.VectorID, p.EmbeddingModel)
		return toResponse(nil, err)

	case CmdVectorIDsForProj:
		var p struct {
			ProjectID string `json:"project_id"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		ids, err := b.engine.VectorIDsForProject(ctx, p.ProjectID)
		return toResponse(ids, err)

	case CmdEmbeddingsForProj:
		var p struct {
			ProjectID string `json:"project_id"`
		}
		if err := decodeParams(r.Params, &p); err != nil {
			return errorResponse(ErrCodeInvalidParams, err.Error())
		}
		embeddings, err := b.engine.EmbeddingsForProject(ctx, p.ProjectID)
		return toResponse(embeddings, err)

	default:
		return errorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", r.Command))
	}
}

func decodeParams(raw any, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}

func toResponse(result any, err error) Response {
	if err != nil {
		kind := errs.KindOf(err)
		if kind == "" {
			kind = errs.StorageError
		}
		return errorResponse(ErrorCode(kind), err.Error())
	}
	return successResponse(result)
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("storage: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}
