package pyparse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

// Parser walks Python source with tree-sitter and yields the flat
// structural tree plus the entity/call-site records spec §4.4 names,
// grounded on the tree-sitter wiring of rajajisai-bot-go/internal/parse
// (FileParser.CreateTranslatorWithContent) narrowed to a single
// language and flattened to avoid that repo's pointer-graph ast.Node.
type Parser struct {
	ts *tree_sitter.Parser
}

// NewParser constructs a Parser configured for Python.
func NewParser() (*Parser, error) {
	p := tree_sitter.NewParser()
	lang := tree_sitter.NewLanguage(python.Language())
	if err := p.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("pyparse: setting language: %w", err)
	}
	return &Parser{ts: p}, nil
}

// Close releases the underlying tree-sitter parser.
func (p *Parser) Close() { p.ts.Close() }

// Result is everything ops.IndexFile needs from a single parse pass.
type Result struct {
	Tree      *Tree
	Source    string
	Hash      string
	Classes   []ClassEntity
	Methods   []MethodEntity
	Functions []FunctionEntity
	Imports   []ImportEntity
	CallSites []CallSite
}

// ParseFile reads path from disk and parses it.
func (p *Parser) ParseFile(path string) (*Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pyparse: reading %s: %w", path, err)
	}
	return p.ParseSource(string(content))
}

// ParseSource parses already-loaded source text, useful for tests.
func (p *Parser) ParseSource(source string) (*Result, error) {
	content := []byte(source)
	tree := p.ts.Parse(content, nil)
	if tree == nil {
		return nil, fmt.Errorf("pyparse: parser returned no tree")
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("pyparse: no root node")
	}

	w := &walker{src: content}
	w.nodes = append(w.nodes, Node{ID: 0, ParentID: -1, Kind: NodeModule, StartLine: int(root.StartPosition().Row) + 1, EndLine: int(root.EndPosition().Row) + 1})
	w.walkBody(root, 0, "", "")

	sum := sha256.Sum256(content)
	return &Result{
		Tree:      &Tree{Nodes: w.nodes},
		Source:    source,
		Hash:      hex.EncodeToString(sum[:]),
		Classes:   w.classes,
		Methods:   w.methods,
		Functions: w.functions,
		Imports:   w.imports,
		CallSites: w.callSites,
	}, nil
}

type walker struct {
	src        []byte
	nextID     int
	nodes      []Node
	classes    []ClassEntity
	methods    []MethodEntity
	functions  []FunctionEntity
	imports    []ImportEntity
	callSites  []CallSite
}

func (w *walker) text(n *tree_sitter.Node) string {
	return n.Utf8Text(w.src)
}

func (w *walker) allocID() int {
	w.nextID++
	return w.nextID
}

// walkBody walks the direct statement children of a module/class/function
// body, recursing into nested statements to find call sites while
// tracking the owning class (for method vs. function disambiguation).
// ownerQual is the dotted qualname of the innermost enclosing class
// (e.g. "Outer.Inner"), used to qualify nested classes/methods so two
// same-named classes nested under different parents don't collide in
// classIDs (internal/storage/ops.go keys classIDs by QualName).
// ownerName is that same class's bare name, which is what call sites
// reaching self/cls need (internal/storage/crossref.go resolves
// CallSite.OwnerClass against the classes.name column, not QualName).
func (w *walker) walkBody(n *tree_sitter.Node, parentID int, ownerQual, ownerName string) {
	count := int(n.NamedChildCount())
	for i := 0; i < count; i++ {
		child := n.NamedChild(uint(i))
		if child == nil {
			continue
		}
		w.walkStatement(child, parentID, ownerQual, ownerName)
	}
}

func (w *walker) walkStatement(n *tree_sitter.Node, parentID int, ownerQual, ownerName string) {
	switch n.Kind() {
	case "class_definition":
		w.handleClass(n, parentID, ownerQual)
	case "function_definition":
		w.handleFunction(n, parentID, ownerQual, ownerName)
	case "import_statement":
		w.handleImport(n)
	case "import_from_statement":
		w.handleImportFrom(n)
	case "decorated_definition":
		def := n.ChildByFieldName("definition")
		if def != nil {
			w.walkStatement(def, parentID, ownerQual, ownerName)
		}
	default:
		if n.Kind() == "call" {
			w.findCallSites(n, ownerName)
			return
		}
		// descend into compound statements (if/for/while/try/with) that
		// can themselves contain nested defs or call sites; each call
		// expression is recorded once, where the descent reaches it.
		count := int(n.NamedChildCount())
		for i := 0; i < count; i++ {
			child := n.NamedChild(uint(i))
			if child == nil {
				continue
			}
			w.walkStatement(child, parentID, ownerQual, ownerName)
		}
	}
}

func (w *walker) handleClass(n *tree_sitter.Node, parentID int, ownerQual string) {
	nameNode := n.ChildByFieldName("name")
	name := ""
	if nameNode != nil {
		name = w.text(nameNode)
	}
	qual := name
	if ownerQual != "" {
		qual = ownerQual + "." + name
	}
	start := int(n.StartPosition().Row) + 1
	end := int(n.EndPosition().Row) + 1

	id := w.allocID()
	doc := w.docstringOf(n.ChildByFieldName("body"))
	w.nodes = append(w.nodes, Node{ID: id, ParentID: parentID, Kind: NodeClass, Name: name, StartLine: start, EndLine: end, Docstring: doc})
	w.classes = append(w.classes, ClassEntity{Name: name, QualName: qual, StartLine: start, EndLine: end, Docstring: doc})

	// base classes are inheritance call-sites.
	if argList := n.ChildByFieldName("superclasses"); argList != nil {
		count := int(argList.NamedChildCount())
		for i := 0; i < count; i++ {
			arg := argList.NamedChild(uint(i))
			if arg != nil && arg.Kind() == "identifier" {
				w.callSites = append(w.callSites, CallSite{Kind: CallSiteInherit, TargetName: w.text(arg), Line: start})
			}
		}
	}

	if body := n.ChildByFieldName("body"); body != nil {
		w.walkBody(body, id, qual, name)
	}
}

func (w *walker) handleFunction(n *tree_sitter.Node, parentID int, ownerQual, ownerName string) {
	nameNode := n.ChildByFieldName("name")
	name := ""
	if nameNode != nil {
		name = w.text(nameNode)
	}
	start := int(n.StartPosition().Row) + 1
	end := int(n.EndPosition().Row) + 1
	doc := w.docstringOf(n.ChildByFieldName("body"))

	id := w.allocID()
	if ownerQual != "" {
		qual := ownerQual + "." + name
		w.nodes = append(w.nodes, Node{ID: id, ParentID: parentID, Kind: NodeMethod, Name: name, StartLine: start, EndLine: end, Docstring: doc})
		w.methods = append(w.methods, MethodEntity{Name: name, QualName: qual, ClassQualName: ownerQual, StartLine: start, EndLine: end, Docstring: doc})
	} else {
		w.nodes = append(w.nodes, Node{ID: id, ParentID: parentID, Kind: NodeFunction, Name: name, StartLine: start, EndLine: end, Docstring: doc})
		w.functions = append(w.functions, FunctionEntity{Name: name, QualName: name, StartLine: start, EndLine: end, Docstring: doc})
	}

	// a nested def inside a function body is itself a function (never
	// promoted to a method), so clear owner tracking when descending.
	if body := n.ChildByFieldName("body"); body != nil {
		w.walkBody(body, id, "", "")
	}
}

func (w *walker) handleImport(n *tree_sitter.Node) {
	line := int(n.StartPosition().Row) + 1
	count := int(n.NamedChildCount())
	for i := 0; i < count; i++ {
		child := n.NamedChild(uint(i))
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "dotted_name", "identifier":
			mod := w.text(child)
			w.imports = append(w.imports, ImportEntity{Module: mod, StartLine: line})
		case "aliased_import":
			nameNode := child.ChildByFieldName("name")
			if nameNode != nil {
				w.imports = append(w.imports, ImportEntity{Module: w.text(nameNode), StartLine: line})
			}
		}
	}
}

func (w *walker) handleImportFrom(n *tree_sitter.Node) {
	line := int(n.StartPosition().Row) + 1
	moduleNode := n.ChildByFieldName("module_name")
	module := ""
	if moduleNode != nil {
		module = w.text(moduleNode)
	}
	count := int(n.NamedChildCount())
	found := false
	for i := 0; i < count; i++ {
		child := n.NamedChild(uint(i))
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "dotted_name", "identifier":
			if moduleNode != nil && child.StartByte() == moduleNode.StartByte() {
				continue
			}
			w.imports = append(w.imports, ImportEntity{Module: module, Name: w.text(child), StartLine: line})
			found = true
		case "aliased_import":
			nameNode := child.ChildByFieldName("name")
			if nameNode != nil {
				w.imports = append(w.imports, ImportEntity{Module: module, Name: w.text(nameNode), StartLine: line})
				found = true
			}
		case "wildcard_import":
			w.imports = append(w.imports, ImportEntity{Module: module, Name: "*", StartLine: line})
			found = true
		}
	}
	if !found && module != "" {
		w.imports = append(w.imports, ImportEntity{Module: module, StartLine: line})
	}
}

// docstringOf returns the first statement's string literal if body's
// first statement is a bare expression_statement wrapping a string.
func (w *walker) docstringOf(body *tree_sitter.Node) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first == nil || first.Kind() != "expression_statement" {
		return ""
	}
	if first.NamedChildCount() == 0 {
		return ""
	}
	strNode := first.NamedChild(0)
	if strNode == nil || strNode.Kind() != "string" {
		return ""
	}
	raw := w.text(strNode)
	raw = strings.Trim(raw, "\"'")
	raw = strings.TrimPrefix(raw, "\"\"")
	raw = strings.TrimSuffix(raw, "\"\"")
	return strings.TrimSpace(raw)
}

// findCallSites scans n (and its descendants, stopping at a nested
// def/class boundary which walkStatement already handles separately)
// for call and attribute-call expressions.
func (w *walker) findCallSites(n *tree_sitter.Node, ownerClass string) {
	if n == nil {
		return
	}
	switch n.Kind() {
	case "function_definition", "class_definition":
		return
	case "call":
		line := int(n.StartPosition().Row) + 1
		fn := n.ChildByFieldName("function")
		if fn != nil {
			switch fn.Kind() {
			case "identifier":
				name := w.text(fn)
				kind := CallSiteCall
				if len(name) > 0 && strings.ToUpper(name[:1]) == name[:1] {
					kind = CallSiteInstantiation
				}
				w.callSites = append(w.callSites, CallSite{Kind: kind, TargetName: name, OwnerClass: ownerClass, Line: line})
			case "attribute":
				attrNode := fn.ChildByFieldName("attribute")
				objNode := fn.ChildByFieldName("object")
				if attrNode != nil {
					owner := ""
					if objNode != nil && (w.text(objNode) == "self" || w.text(objNode) == "cls") {
						owner = ownerClass
					}
					w.callSites = append(w.callSites, CallSite{Kind: CallSiteAttribute, TargetName: w.text(attrNode), OwnerClass: owner, Line: line})
				}
			}
		}
	}
	count := int(n.NamedChildCount())
	for i := 0; i < count; i++ {
		w.findCallSites(n.NamedChild(uint(i)), ownerClass)
	}
}
