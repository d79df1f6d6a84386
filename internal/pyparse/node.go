// Package pyparse extracts the structural artifacts the Indexing
// Worker needs from Python source: a flat, serializable node list
// (the redesign called for in spec §9, replacing a pointer-graph AST
// with tagged records so the whole tree round-trips through a single
// BLOB column), entities (classes/methods/functions/imports), and
// call-site records for cross-reference resolution.
//
// Grounded on rajajisai-bot-go/internal/parse (tree-sitter wiring)
// and rajajisai-bot-go/internal/model/ast (flat tagged-node model),
// adapted from that repo's multi-language graph to a Python-only,
// storage-ready shape.
package pyparse

import (
	"encoding/json"
	"fmt"
)

// NodeKind tags one entry of a flat structural tree.
type NodeKind string

const (
	NodeModule   NodeKind = "module"
	NodeClass    NodeKind = "class"
	NodeMethod   NodeKind = "method"
	NodeFunction NodeKind = "function"
	NodeImport   NodeKind = "import"
	NodeCallSite NodeKind = "call_site"
)

// Node is one flat, tagged record of the structural tree. Unlike a
// pointer-graph AST, a Node never references another Node directly;
// relationships are reconstructed from ParentID plus line ranges,
// which makes the whole tree trivially serializable to the
// syntax_trees BLOB column.
type Node struct {
	ID        int      `json:"id"`
	ParentID  int      `json:"parent_id"` // -1 for the module root
	Kind      NodeKind `json:"kind"`
	Name      string   `json:"name,omitempty"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Docstring string   `json:"docstring,omitempty"`
}

// Tree is the full flat structural tree for one file.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Encode serializes the tree deterministically (stable field order via
// struct tags, nodes kept in discovery order) for storage in
// syntax_trees.data.
func (t *Tree) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("pyparse: encoding tree: %w", err)
	}
	return data, nil
}

// DecodeTree reverses Encode, used by tooling that inspects a
// previously stored syntax tree without re-parsing.
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("pyparse: decoding tree: %w", err)
	}
	return &t, nil
}

// ClassEntity is one class definition (spec §4.4 parser contract).
type ClassEntity struct {
	Name      string
	QualName  string
	StartLine int
	EndLine   int
	Docstring string
}

// MethodEntity is one method definition owned by a class.
type MethodEntity struct {
	Name          string
	QualName      string
	ClassQualName string
	StartLine     int
	EndLine       int
	Docstring     string
}

// FunctionEntity is one top-level function definition.
type FunctionEntity struct {
	Name      string
	QualName  string
	StartLine int
	EndLine   int
	Docstring string
}

// ImportEntity is one import statement.
type ImportEntity struct {
	Module    string
	Name      string // empty for a bare "import module" form
	StartLine int
}

// CallSiteKind distinguishes the call-site shapes the cross-reference
// builder needs to tell apart (spec §4.4: "ref_kind reflects the
// call-site type").
type CallSiteKind string

const (
	CallSiteCall          CallSiteKind = "call"
	CallSiteInstantiation CallSiteKind = "instantiation"
	CallSiteAttribute     CallSiteKind = "attribute"
	CallSiteInherit       CallSiteKind = "inherit"
)

// CallSite is one call expression found during parsing, not yet
// resolved to a caller/callee entity.
type CallSite struct {
	Kind       CallSiteKind
	TargetName string
	OwnerClass string // non-empty when TargetName is a method call via self/cls
	Line       int
}
