package vectorindex

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/logging"
)

// StorageSource is the subset of the storage client the Manager needs
// to reconcile an Index against durable state (spec §4.5 "Startup
// reconciliation" and Phase B step 4).
type StorageSource interface {
	VectorIDsForProject(ctx context.Context, projectID string) ([]int64, error)
	EmbeddingsForProject(ctx context.Context, projectID string) (map[int64][]float32, error)
}

// Manager owns one Index per project, keyed by project id, each
// backed by its own file under dir.
type Manager struct {
	dir       string
	dimension int
	log       *logging.Logger

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewManager constructs a Manager rooted at dir.
func NewManager(dir string, dimension int, log *logging.Logger) *Manager {
	return &Manager{dir: dir, dimension: dimension, log: log, indexes: make(map[string]*Index)}
}

func (m *Manager) pathFor(projectID string) string {
	return filepath.Join(m.dir, projectID+".vi")
}

// Get returns (opening if necessary) the Index for projectID.
func (m *Manager) Get(projectID string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.indexes[projectID]; ok {
		return idx, nil
	}
	idx, err := Open(m.pathFor(projectID), m.dimension)
	if err != nil {
		return nil, err
	}
	m.indexes[projectID] = idx
	return idx, nil
}

// Reconcile runs check_sync for projectID against src and, on
// divergence, rebuilds the index from storage's embeddings -- the
// only mechanism that heals a stale or truncated index file (spec
// §4.5 "Startup reconciliation").
func (m *Manager) Reconcile(ctx context.Context, projectID string, src StorageSource) error {
	idx, err := m.Get(projectID)
	if err != nil {
		return err
	}

	storageIDs, err := src.VectorIDsForProject(ctx, projectID)
	if err != nil {
		return err
	}

	report := idx.CheckSync(storageIDs)
	if !report.Diverged() {
		return nil
	}

	m.log.Warnf("vector index for project %s diverged (missing=%d extra=%d count_mismatch=%v); rebuilding",
		projectID, len(report.MissingFromIndex), len(report.ExtraInIndex), report.CountMismatch)

	embeddings, err := src.EmbeddingsForProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := idx.RebuildFrom(embeddings); err != nil {
		return errs.Wrap(errs.VectorIndexMismatch, "rebuilding vector index for "+projectID, err)
	}
	return idx.Save()
}

// SaveAll persists every open index, used at the end of a CVW cycle
// (spec §4.5 Phase B step 3: "After the batch, VI.save()").
func (m *Manager) SaveAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for projectID, idx := range m.indexes {
		if err := idx.Save(); err != nil {
			return errs.Wrap(errs.FilesystemError, "saving vector index for "+projectID, err)
		}
	}
	return nil
}
