package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pyindex/pyindexd/internal/errs"
)

// Client is a thin request/response client over the storage socket,
// used by every out-of-process worker (FW, IW, CVW, WO) the way
// Aman-CERP-amanmcp/internal/daemon.Client is used by its CLI, adapted
// to the length-prefixed framing of protocol.go instead of that
// repo's bare json.Encoder stream.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient constructs a Client dialing socketPath with the given
// per-call timeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call sends one request and decodes its result into dst (which may
// be nil if the caller doesn't need the payload).
func (c *Client) Call(ctx context.Context, command string, params any, transactionID string, dst any) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return errs.Wrap(errs.StorageBusy, "connecting to storage broker", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(deadline); err != nil {
		return errs.Wrap(errs.StorageError, "setting connection deadline", err)
	}

	req := Request{Command: command, Params: params, TransactionID: transactionID}
	data, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.StorageError, "encoding request", err)
	}
	if err := writeFrame(conn, data); err != nil {
		return errs.Wrap(errs.StorageError, "sending request", err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		return errs.Wrap(errs.StorageError, "reading response", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errs.Wrap(errs.StorageError, "decoding response", err)
	}
	if !resp.Success {
		code := errs.StorageError
		if resp.Error != nil {
			code = errs.Kind(resp.Error.Code)
		}
		msg := "storage request failed"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return errs.New(code, msg)
	}

	if dst == nil {
		return nil
	}
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		return errs.Wrap(errs.StorageError, "re-encoding result", err)
	}
	if err := json.Unmarshal(encoded, dst); err != nil {
		return errs.Wrap(errs.StorageError, "decoding result", err)
	}
	return nil
}

// Ping checks whether the broker is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, CmdPing, nil, "", nil)
}

// BeginTransaction starts a transaction and returns its id.
func (c *Client) BeginTransaction(ctx context.Context) (string, error) {
	var out struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := c.Call(ctx, CmdBeginTransaction, nil, "", &out); err != nil {
		return "", err
	}
	return out.TransactionID, nil
}

// Commit commits a transaction previously returned by BeginTransaction.
func (c *Client) Commit(ctx context.Context, transactionID string) error {
	return c.Call(ctx, CmdCommit, nil, transactionID, nil)
}

// Rollback aborts a transaction previously returned by BeginTransaction.
func (c *Client) Rollback(ctx context.Context, transactionID string) error {
	return c.Call(ctx, CmdRollback, nil, transactionID, nil)
}

// IndexFile requests the atomic per-file update for path (spec §4.1/§4.4).
func (c *Client) IndexFile(ctx context.Context, fileID int64, projectID, path string) error {
	params := map[string]any{"file_id": fileID, "project_id": projectID, "path": path}
	return c.Call(ctx, CmdIndexFile, params, "", nil)
}

// ListProjects returns every registered project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.Call(ctx, CmdListProjects, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddProject registers a project with storage.
func (c *Client) AddProject(ctx context.Context, p Project) error {
	return c.Call(ctx, CmdAddProject, p, "", nil)
}

// RemoveProject unregisters a project.
func (c *Client) RemoveProject(ctx context.Context, projectID string) error {
	params := map[string]any{"project_id": projectID}
	return c.Call(ctx, CmdRemoveProject, params, "", nil)
}

// SyncSchema requests the broker run the schema-sync algorithm against
// its current catalog (spec §4.1). Used by 'pyindexd storage sync-schema'.
func (c *Client) SyncSchema(ctx context.Context) (*SyncResult, error) {
	var out SyncResult
	if err := c.Call(ctx, CmdSyncSchema, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSchemaVersion returns the schema_version storage currently reports.
func (c *Client) GetSchemaVersion(ctx context.Context) (string, error) {
	var out string
	if err := c.Call(ctx, CmdGetSchemaVersion, nil, "", &out); err != nil {
		return "", err
	}
	return out, nil
}

// ListFileMarkers returns (path, last_modified) for every file storage
// knows about in projectID, used by FW's delta computation.
func (c *Client) ListFileMarkers(ctx context.Context, projectID string) ([]FileMarker, error) {
	var out []FileMarker
	params := map[string]any{"project_id": projectID}
	if err := c.Call(ctx, CmdListFileMarkers, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertFileTouch records a new/changed file and sets needs_reparse=1.
func (c *Client) UpsertFileTouch(ctx context.Context, projectID, path string, mtime float64, lines int) error {
	params := map[string]any{"project_id": projectID, "path": path, "mtime": mtime, "lines": lines}
	return c.Call(ctx, CmdUpsertFileTouch, params, "", nil)
}

// MarkFileDeleted flags a file absent from disk.
func (c *Client) MarkFileDeleted(ctx context.Context, projectID, path string) error {
	params := map[string]any{"project_id": projectID, "path": path}
	return c.Call(ctx, CmdMarkFileDeleted, params, "", nil)
}

// ProjectsNeedingReparse lists distinct project ids with needs_reparse work.
func (c *Client) ProjectsNeedingReparse(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.Call(ctx, CmdProjectsNeedWork, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FilesNeedingReparse lists up to limit pending files for projectID.
func (c *Client) FilesNeedingReparse(ctx context.Context, projectID string, limit int) ([]PendingFile, error) {
	var out []PendingFile
	params := map[string]any{"project_id": projectID, "limit": limit}
	if err := c.Call(ctx, CmdFilesNeedWork, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordFileFailure increments the failure count for fileID.
func (c *Client) RecordFileFailure(ctx context.Context, fileID int64, maxFailures int) error {
	params := map[string]any{"file_id": fileID, "max_failures": maxFailures}
	return c.Call(ctx, CmdRecordFileFailure, params, "", nil)
}

// RecordWorkerStat appends one worker_stats row.
func (c *Client) RecordWorkerStat(ctx context.Context, s WorkerStat) error {
	return c.Call(ctx, CmdRecordWorkerStat, s, "", nil)
}

// InsertChunks persists Phase A chunking output.
func (c *Client) InsertChunks(ctx context.Context, chunks []ChunkInput) error {
	params := map[string]any{"chunks": chunks}
	return c.Call(ctx, CmdInsertChunks, params, "", nil)
}

// ClearReparseFlag marks Phase A complete for fileID.
func (c *Client) ClearReparseFlag(ctx context.Context, fileID int64) error {
	params := map[string]any{"file_id": fileID}
	return c.Call(ctx, CmdClearReparseFlag, params, "", nil)
}

// FilesForChunking lists files due for Phase A chunking in projectID.
func (c *Client) FilesForChunking(ctx context.Context, projectID string, limit int) ([]DocstringFile, error) {
	var out []DocstringFile
	params := map[string]any{"project_id": projectID, "limit": limit}
	if err := c.Call(ctx, CmdFilesForChunking, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EntitiesWithDocstrings lists docstring-bearing entities for fileID.
func (c *Client) EntitiesWithDocstrings(ctx context.Context, fileID int64) ([]DocstringEntity, error) {
	var out []DocstringEntity
	params := map[string]any{"file_id": fileID}
	if err := c.Call(ctx, CmdEntityDocstrings, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChunksPendingVectorID lists embedded-but-unassigned chunks for projectID.
func (c *Client) ChunksPendingVectorID(ctx context.Context, projectID string, limit int) ([]PendingVectorChunk, error) {
	var out []PendingVectorChunk
	params := map[string]any{"project_id": projectID, "limit": limit}
	if err := c.Call(ctx, CmdChunksPendingVID, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignVectorID writes the VI-assigned vector_id back onto a chunk.
func (c *Client) AssignVectorID(ctx context.Context, chunkID, vectorID int64, embeddingModel string) error {
	params := map[string]any{"chunk_id": chunkID, "vector_id": vectorID, "embedding_model": embeddingModel}
	return c.Call(ctx, CmdAssignVectorID, params, "", nil)
}

// VectorIDsForProject lists every assigned vector_id known to storage.
func (c *Client) VectorIDsForProject(ctx context.Context, projectID string) ([]int64, error) {
	var out []int64
	params := map[string]any{"project_id": projectID}
	if err := c.Call(ctx, CmdVectorIDsForProj, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbeddingsForProject returns every (vector_id, embedding) pair known
// to storage for projectID, used by VI.rebuild_from.
func (c *Client) EmbeddingsForProject(ctx context.Context, projectID string) (map[int64][]float32, error) {
	var out map[int64][]float32
	params := map[string]any{"project_id": projectID}
	if err := c.Call(ctx, CmdEmbeddingsForProj, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListWorkerStats returns the most recent worker_stats rows, newest
// first, capped at limit.
func (c *Client) ListWorkerStats(ctx context.Context, limit int) ([]WorkerStat, error) {
	var out []WorkerStat
	params := map[string]any{"limit": limit}
	if err := c.Call(ctx, CmdListWorkerStats, params, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitUntilReady polls the broker until it accepts connections or ctx
// is cancelled, used by workers on startup before issuing real calls.
func (c *Client) WaitUntilReady(ctx context.Context, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if err := c.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("storage: broker did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
