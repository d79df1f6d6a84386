// Package storage implements the Storage Engine (SE): the single-writer
// relational store described in spec §4.1, plus its request broker and
// client. Types in this file mirror spec §3's data model.
package storage

import "time"

// Project is a directory containing a projectid marker (spec §3).
type Project struct {
	ProjectID  string    `json:"project_id"`
	RootPath   string    `json:"root_path"`
	Name       string    `json:"name,omitempty"`
	WatchDirID string    `json:"watch_dir_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WatchDir is a root under which projects are discovered.
type WatchDir struct {
	WatchDirID string    `json:"watch_dir_id"`
	Path       string    `json:"path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// File is one tracked source file (spec §3).
type File struct {
	FileID       int64   `json:"file_id"`
	ProjectID    string  `json:"project_id"`
	Path         string  `json:"path"`
	LastModified float64 `json:"last_modified"`
	Lines        int     `json:"lines"`
	HasDocstring bool    `json:"has_docstring"`
	Deleted      bool    `json:"deleted"`
	NeedsReparse bool    `json:"needs_reparse"`
	OriginalPath string  `json:"original_path,omitempty"`
	VersionDir   string  `json:"version_dir,omitempty"`
	FailureCount int     `json:"failure_count"`
	Skipped      bool    `json:"skipped"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyntaxTree is the serialized structural tree for one file.
type SyntaxTree struct {
	FileID int64  `json:"file_id"`
	Data   []byte `json:"data"`
	Hash   string `json:"hash"`
}

// ConcreteTree is the verbatim source text for one file.
type ConcreteTree struct {
	FileID int64  `json:"file_id"`
	Source string `json:"source"`
	Hash   string `json:"hash"`
}

// Class is an entity row for a Python class.
type Class struct {
	ClassID    int64  `json:"class_id"`
	FileID     int64  `json:"file_id"`
	Name       string `json:"name"`
	QualName   string `json:"qual_name"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Docstring  string `json:"docstring,omitempty"`
}

// Method is an entity row owned by a Class.
type Method struct {
	MethodID  int64  `json:"method_id"`
	ClassID   int64  `json:"class_id"`
	FileID    int64  `json:"file_id"`
	Name      string `json:"name"`
	QualName  string `json:"qual_name"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Docstring string `json:"docstring,omitempty"`
}

// Function is a top-level entity row owned by a File.
type Function struct {
	FunctionID int64  `json:"function_id"`
	FileID     int64  `json:"file_id"`
	Name       string `json:"name"`
	QualName   string `json:"qual_name"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Docstring  string `json:"docstring,omitempty"`
}

// Import is one import statement.
type Import struct {
	ImportID  int64  `json:"import_id"`
	FileID    int64  `json:"file_id"`
	Module    string `json:"module"`
	Name      string `json:"name,omitempty"`
	StartLine int    `json:"start_line"`
}

// ChunkType mirrors the entity kind a CodeChunk was derived from.
type ChunkType string

const (
	ChunkClass    ChunkType = "class"
	ChunkMethod   ChunkType = "method"
	ChunkFunction ChunkType = "function"
	ChunkModule   ChunkType = "module"
)

// CodeChunk is a docstring-derived text chunk with its embedding
// (spec §3). VectorID is nil until CVW Phase B assigns one.
type CodeChunk struct {
	ChunkID        int64     `json:"chunk_id"`
	FileID         int64     `json:"file_id"`
	EntityKind     ChunkType `json:"entity_kind,omitempty"`
	EntityID       int64     `json:"entity_id,omitempty"`
	Ordinal        int       `json:"ordinal"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"embedding,omitempty"`
	TokenCount     int       `json:"token_count"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	VectorID       *int64    `json:"vector_id,omitempty"`
}

// RefKind is the kind of a cross-reference edge (spec §3).
type RefKind string

const (
	RefCall          RefKind = "call"
	RefInstantiation RefKind = "instantiation"
	RefAttribute     RefKind = "attribute"
	RefInherit       RefKind = "inherit"
)

// EntityCrossRef is a caller->callee edge. Exactly one of
// {CallerClassID, CallerMethodID, CallerFunctionID} and exactly one of
// {CalleeClassID, CalleeMethodID, CalleeFunctionID} is non-nil.
type EntityCrossRef struct {
	CrossRefID       int64   `json:"cross_ref_id"`
	CallerClassID    *int64  `json:"caller_class_id,omitempty"`
	CallerMethodID   *int64  `json:"caller_method_id,omitempty"`
	CallerFunctionID *int64  `json:"caller_function_id,omitempty"`
	CalleeClassID    *int64  `json:"callee_class_id,omitempty"`
	CalleeMethodID   *int64  `json:"callee_method_id,omitempty"`
	CalleeFunctionID *int64  `json:"callee_function_id,omitempty"`
	RefKind          RefKind `json:"ref_kind"`
	FileID           int64   `json:"file_id"`
	Line             int     `json:"line"`
}

// WorkerStat is one per-cycle observation row (spec §3).
type WorkerStat struct {
	StatID    int64     `json:"stat_id"`
	Worker    string    `json:"worker"`
	CycleID   string    `json:"cycle_id"`
	Scanned   int       `json:"scanned"`
	Added     int       `json:"added"`
	Changed   int       `json:"changed"`
	Deleted   int       `json:"deleted"`
	Errors    int       `json:"errors"`
	DurationS float64   `json:"duration_s"`
	CreatedAt time.Time `json:"created_at"`
}
