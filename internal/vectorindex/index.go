// Package vectorindex implements the Vector Index (VI): an append-only,
// monotonic-id store of fixed-dimension float vectors with brute-force
// cosine nearest-neighbor search, persisted as one binary file per
// project.
//
// Grounded on ihavespoons-zrok/internal/vectordb/hnsw.go: the cosine
// distance helper (vek32-backed dot products) and the header+vectors
// binary layout are carried over almost verbatim, but the neighbor
// graph (that file's simplified HNSW approximation) is dropped in
// favor of a flat map plus brute-force search, because spec §4.2 never
// asks for approximate search and a flat index is the simplest thing
// that satisfies add/search/check_sync/rebuild_from exactly.
package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/pyindex/pyindexd/internal/errs"
)

// Match is one search hit.
type Match struct {
	VectorID int64
	Score    float32
}

// SyncReport is the result of check_sync (spec §4.2).
type SyncReport struct {
	MissingFromIndex []int64
	ExtraInIndex     []int64
	CountMismatch    bool
}

func (r SyncReport) Diverged() bool {
	return len(r.MissingFromIndex) > 0 || len(r.ExtraInIndex) > 0 || r.CountMismatch
}

// Index is one project's vector store.
type Index struct {
	mu        sync.RWMutex
	dimension int
	path      string
	vectors   map[int64][]float32
	nextID    int64
}

// New creates an empty index for the given dimension, persisted at path.
func New(path string, dimension int) *Index {
	return &Index{path: path, dimension: dimension, vectors: make(map[int64][]float32)}
}

// Open loads path if it exists, otherwise returns a fresh empty index.
func Open(path string, dimension int) (*Index, error) {
	idx := New(path, dimension)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return idx, nil
	}
	if err := idx.Load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Add appends vector and returns its new monotonic vector_id (spec
// §4.2: "add is monotonic; the next id is always one greater than the
// maximum stored").
func (idx *Index) Add(vector []float32) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(vector) != idx.dimension {
		return 0, errs.New(errs.VectorIndexMismatch, fmt.Sprintf("embedding dimension mismatch: got %d, expected %d", len(vector), idx.dimension))
	}

	id := idx.nextID
	idx.nextID++
	idx.vectors[id] = vector
	return id, nil
}

// Search returns the k nearest neighbors to query by cosine similarity.
func (idx *Index) Search(query []float32, k int) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.dimension {
		return nil, errs.New(errs.VectorIndexMismatch, fmt.Sprintf("query dimension mismatch: got %d, expected %d", len(query), idx.dimension))
	}

	candidates := make([]Match, 0, len(idx.vectors))
	for id, v := range idx.vectors {
		candidates = append(candidates, Match{VectorID: id, Score: cosineSimilarity(query, v)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// RebuildFrom replaces the index contents wholesale from a supplied
// vector_id -> embedding map (spec §4.2 rebuild_from), re-deriving
// nextID from the maximum id present.
func (idx *Index) RebuildFrom(vectors map[int64][]float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fresh := make(map[int64][]float32, len(vectors))
	var maxID int64 = -1
	for id, v := range vectors {
		if len(v) != idx.dimension {
			return errs.New(errs.VectorIndexMismatch, fmt.Sprintf("rebuild_from: vector %d has dimension %d, expected %d", id, len(v), idx.dimension))
		}
		fresh[id] = v
		if id > maxID {
			maxID = id
		}
	}
	idx.vectors = fresh
	idx.nextID = maxID + 1
	return nil
}

// CheckSync compares the index's known ids against storageIDs (spec
// §4.2 check_sync).
func (idx *Index) CheckSync(storageIDs []int64) SyncReport {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	storageSet := make(map[int64]bool, len(storageIDs))
	for _, id := range storageIDs {
		storageSet[id] = true
	}

	var report SyncReport
	for id := range storageSet {
		if _, ok := idx.vectors[id]; !ok {
			report.MissingFromIndex = append(report.MissingFromIndex, id)
		}
	}
	for id := range idx.vectors {
		if !storageSet[id] {
			report.ExtraInIndex = append(report.ExtraInIndex, id)
		}
	}
	report.CountMismatch = len(idx.vectors) != len(storageSet)
	return report
}

// Count returns the number of vectors currently held.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// fileHeader is 24 bytes: dimension, next_id(lo32), next_id(hi32),
// count, reserved, reserved -- kept deliberately wider than strictly needed
// so a dimension mismatch is always detectable on Load, per spec §4.2
// ("self-describing enough to detect dimension mismatch on load").
type fileHeader struct {
	Dimension uint32
	NextIDLo  uint32
	NextIDHi  uint32
	Count     uint32
	Reserved1 uint32
	Reserved2 uint32
}

// Save persists the index to idx.path (spec §4.2 save()).
func (idx *Index) Save() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.FilesystemError, "creating vector index file", err)
	}

	h := fileHeader{
		Dimension: uint32(idx.dimension),
		NextIDLo:  uint32(uint64(idx.nextID) & 0xffffffff),
		NextIDHi:  uint32(uint64(idx.nextID) >> 32),
		Count:     uint32(len(idx.vectors)),
	}
	headerBuf := make([]byte, 24)
	binary.LittleEndian.PutUint32(headerBuf[0:4], h.Dimension)
	binary.LittleEndian.PutUint32(headerBuf[4:8], h.NextIDLo)
	binary.LittleEndian.PutUint32(headerBuf[8:12], h.NextIDHi)
	binary.LittleEndian.PutUint32(headerBuf[12:16], h.Count)
	binary.LittleEndian.PutUint32(headerBuf[16:20], h.Reserved1)
	binary.LittleEndian.PutUint32(headerBuf[20:24], h.Reserved2)

	if _, err := f.Write(headerBuf); err != nil {
		_ = f.Close()
		return errs.Wrap(errs.FilesystemError, "writing vector index header", err)
	}

	for id, v := range idx.vectors {
		if err := binary.Write(f, binary.LittleEndian, id); err != nil {
			_ = f.Close()
			return errs.Wrap(errs.FilesystemError, "writing vector id", err)
		}
		for _, c := range v {
			if err := binary.Write(f, binary.LittleEndian, c); err != nil {
				_ = f.Close()
				return errs.Wrap(errs.FilesystemError, "writing vector component", err)
			}
		}
	}

	if err := f.Close(); err != nil {
		return errs.Wrap(errs.FilesystemError, "closing vector index file", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return errs.Wrap(errs.FilesystemError, "finalizing vector index file", err)
	}
	return nil
}

// Load restores the index from idx.path (spec §4.2 load()). On
// success, nextID is set to max(file's next_id, max stored id + 1) so
// a partial write never produces a colliding id on the next Add.
func (idx *Index) Load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	f, err := os.Open(idx.path)
	if err != nil {
		return errs.Wrap(errs.FilesystemError, "opening vector index file", err)
	}
	defer func() { _ = f.Close() }()

	headerBuf := make([]byte, 24)
	if _, err := f.Read(headerBuf); err != nil {
		return errs.Wrap(errs.StorageCorruption, "reading vector index header", err)
	}
	dimension := int(binary.LittleEndian.Uint32(headerBuf[0:4]))
	nextIDLo := binary.LittleEndian.Uint32(headerBuf[4:8])
	nextIDHi := binary.LittleEndian.Uint32(headerBuf[8:12])
	count := binary.LittleEndian.Uint32(headerBuf[12:16])

	if dimension != idx.dimension {
		return errs.New(errs.VectorIndexMismatch, fmt.Sprintf("vector index dimension mismatch: file has %d, expected %d", dimension, idx.dimension))
	}
	fileNextID := int64(uint64(nextIDHi)<<32 | uint64(nextIDLo))

	vectors := make(map[int64][]float32, count)
	var maxID int64 = -1
	for i := uint32(0); i < count; i++ {
		var id int64
		if err := binary.Read(f, binary.LittleEndian, &id); err != nil {
			return errs.Wrap(errs.StorageCorruption, "reading vector id", err)
		}
		v := make([]float32, dimension)
		for j := 0; j < dimension; j++ {
			if err := binary.Read(f, binary.LittleEndian, &v[j]); err != nil {
				return errs.Wrap(errs.StorageCorruption, "reading vector component", err)
			}
		}
		vectors[id] = v
		if id > maxID {
			maxID = id
		}
	}

	idx.vectors = vectors
	idx.nextID = fileNextID
	if maxID+1 > idx.nextID {
		idx.nextID = maxID + 1
	}
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	dot := vek32.Dot(a, b)
	normA := float32(math.Sqrt(float64(vek32.Dot(a, a))))
	normB := float32(math.Sqrt(float64(vek32.Dot(b, b))))
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}
