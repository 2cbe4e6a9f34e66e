// jscomplete/treesitter_pipeline.go
// Compiler pipeline producing JavaScript syntax trees with tree-sitter.
package jscomplete

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// ============================================================================
// Pipeline
// ============================================================================

// Pipeline compiles compilation units into CompilerRuns. Every parse uses its
// own tree-sitter parser, so a Pipeline is safe for concurrent use.
type Pipeline struct {
	logger      *slog.Logger
	maxFileSize int64
}

// runGeneration numbers every tree produced by any pipeline.
var runGeneration atomic.Uint64

// NewPipeline creates a pipeline that refuses sources larger than maxFileSize bytes.
func NewPipeline(maxFileSize int64, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSize
	}
	return &Pipeline{
		logger:      logger.With("component", "Pipeline"),
		maxFileSize: maxFileSize,
	}
}

// parse runs a tree-sitter parse of src, reusing oldTree when it is non-nil.
func (p *Pipeline) parse(ctx context.Context, oldTree *sitter.Tree, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())
	tree, err := parser.ParseCtx(ctx, oldTree, src)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, fmt.Errorf("tree-sitter returned no tree")
	}
	return tree, nil
}

// Compile parses unit's current source at full fidelity, records the run as
// the unit's last run, and returns it with the unit's top-level symbols.
func (p *Pipeline) Compile(ctx context.Context, unit *CompilationUnit) (CompilerRun, []string, error) {
	src, version := unit.Source()
	logger := p.logger.With("op", "Compile", "file", unit.File, "version", version)
	if int64(len(src)) > p.maxFileSize {
		logger.Warn("Source exceeds max file size, skipping", "size", len(src), "max", p.maxFileSize)
		return nil, nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrBuildFailed, unit.File, len(src), p.maxFileSize)
	}
	tree, err := p.parse(ctx, nil, src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing %s: %w", ErrBuildFailed, unit.File, err)
	}
	run := &treeSitterRun{
		pipeline:   p,
		unit:       unit,
		tree:       tree,
		src:        src,
		srcVersion: version,
		indexed:    true,
		generation: runGeneration.Add(1),
	}
	symbols := topLevelSymbols(tree.RootNode(), src)
	unit.SetLastRun(run)
	logger.Debug("Compiled unit", "symbols", len(symbols), "has_error", tree.RootNode().HasError())
	return run, symbols, nil
}

// ============================================================================
// Tree-sitter Compiler Run
// ============================================================================

// treeSitterRun is the CompilerRun of a single unit. Trees are released by the
// binding's finalizers once no node refers to them, so replaced trees are never
// closed explicitly.
type treeSitterRun struct {
	pipeline *Pipeline
	unit     *CompilationUnit

	mu         sync.Mutex
	tree       *sitter.Tree
	src        []byte
	srcVersion int64
	indexed    bool // produced by a project build
	generation uint64
}

func (r *treeSitterRun) Fidelity() Fidelity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fidelityLocked()
}

func (r *treeSitterRun) fidelityLocked() Fidelity {
	if r.tree == nil || r.srcVersion != r.unit.Version() {
		return FidelityStale
	}
	if r.indexed {
		return FidelityFull
	}
	return FidelitySyntax
}

func (r *treeSitterRun) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// EnsureFastFidelity brings the tree up to date with the unit's source by an
// incremental reparse of that one file.
func (r *treeSitterRun) EnsureFastFidelity() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fidelityLocked() >= FidelitySyntax {
		return nil
	}
	cur, version := r.unit.Source()
	logger := r.pipeline.logger.With("op", "EnsureFastFidelity", "file", r.unit.File, "from_version", r.srcVersion, "to_version", version)

	var base *sitter.Tree
	if r.tree != nil {
		if edit, ok := computeEdit(r.src, cur); ok {
			base = r.tree.Copy()
			base.Edit(edit)
		} else {
			logger.Debug("Edit offsets not representable, reparsing from scratch")
		}
	}
	tree, err := r.pipeline.parse(context.Background(), base, cur)
	if err != nil {
		return fmt.Errorf("fast compile of %s: %w", r.unit.File, err)
	}
	r.tree = tree
	r.src = cur
	r.srcVersion = version
	r.indexed = false
	r.generation = runGeneration.Add(1)
	logger.Debug("Fast compile complete", "incremental", base != nil)
	return nil
}

func (r *treeSitterRun) NodeAt(unit *CompilationUnit, offset int) SyntaxNode {
	if unit != r.unit {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tree == nil || offset < 0 || offset > len(r.src) {
		return nil
	}
	n := smallestNamedNodeAt(r.tree.RootNode(), offset)
	if n == nil {
		return nil
	}
	return &tsNode{n: n, src: r.src}
}

func (r *treeSitterRun) Root(unit *CompilationUnit) SyntaxNode {
	if unit != r.unit {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tree == nil {
		return nil
	}
	return &tsNode{n: r.tree.RootNode(), src: r.src}
}

// smallestNamedNodeAt descends from root to the innermost named node containing
// offset. A node whose range ends exactly at offset matches only if no sibling
// starts there.
func smallestNamedNodeAt(root *sitter.Node, offset int) *sitter.Node {
	if root == nil || offset < int(root.StartByte()) || offset > int(root.EndByte()) {
		return nil
	}
	cur := root
	for {
		var next, touching *sitter.Node
		for i := 0; i < int(cur.NamedChildCount()); i++ {
			child := cur.NamedChild(i)
			if child == nil {
				continue
			}
			start, end := int(child.StartByte()), int(child.EndByte())
			if start <= offset && offset < end {
				next = child
				break
			}
			if end == offset {
				touching = child
			}
		}
		if next == nil {
			next = touching
		}
		if next == nil {
			return cur
		}
		cur = next
	}
}

// computeEdit describes the change from old to cur as a single replaced span.
func computeEdit(old, cur []byte) (sitter.EditInput, bool) {
	minLen := min(len(old), len(cur))
	prefix := 0
	for prefix < minLen && old[prefix] == cur[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < minLen-prefix && old[len(old)-1-suffix] == cur[len(cur)-1-suffix] {
		suffix++
	}
	start, err1 := safecast.Conv[uint32](prefix)
	oldEnd, err2 := safecast.Conv[uint32](len(old) - suffix)
	newEnd, err3 := safecast.Conv[uint32](len(cur) - suffix)
	if err1 != nil || err2 != nil || err3 != nil {
		return sitter.EditInput{}, false
	}
	return sitter.EditInput{
		StartIndex:  start,
		OldEndIndex: oldEnd,
		NewEndIndex: newEnd,
		StartPoint:  pointAt(old, prefix),
		OldEndPoint: pointAt(old, len(old)-suffix),
		NewEndPoint: pointAt(cur, len(cur)-suffix),
	}, true
}

// pointAt converts a byte offset to a tree-sitter row/column (column in bytes).
func pointAt(src []byte, offset int) sitter.Point {
	head := src[:offset]
	row := bytes.Count(head, []byte{'\n'})
	col := offset - (bytes.LastIndexByte(head, '\n') + 1)
	return sitter.Point{Row: uint32(row), Column: uint32(col)}
}

// ============================================================================
// Syntax Nodes
// ============================================================================

// tsNode adapts a tree-sitter node to SyntaxNode. src is the text the node's tree was parsed from.
type tsNode struct {
	n   *sitter.Node
	src []byte
}

func (t *tsNode) Kind() string     { return t.n.Type() }
func (t *tsNode) StartOffset() int { return int(t.n.StartByte()) }
func (t *tsNode) EndOffset() int   { return int(t.n.EndByte()) }
func (t *tsNode) Text() string     { return t.n.Content(t.src) }

func (t *tsNode) Parent() SyntaxNode {
	p := t.n.Parent()
	if p == nil || p.IsNull() {
		return nil
	}
	return &tsNode{n: p, src: t.src}
}

func (t *tsNode) NamedChildren() []SyntaxNode {
	count := int(t.n.NamedChildCount())
	children := make([]SyntaxNode, 0, count)
	for i := 0; i < count; i++ {
		if c := t.n.NamedChild(i); c != nil {
			children = append(children, &tsNode{n: c, src: t.src})
		}
	}
	return children
}

// field returns the named field child of t, or nil.
func (t *tsNode) field(name string) *tsNode {
	c := t.n.ChildByFieldName(name)
	if c == nil || c.IsNull() {
		return nil
	}
	return &tsNode{n: c, src: t.src}
}

// ============================================================================
// Symbol Extraction
// ============================================================================

// topLevelSymbols lists names declared at the top level of a program,
// including the first segment of top-level namespace assignments (a.b.c = ...).
func topLevelSymbols(root *sitter.Node, src []byte) []string {
	if root == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	program := &tsNode{n: root, src: src}
	for _, child := range program.NamedChildren() {
		stmt := child.(*tsNode)
		if stmt.Kind() == "export_statement" {
			if decl := stmt.field("declaration"); decl != nil {
				stmt = decl
			}
		}
		for _, name := range declaredNames(stmt) {
			add(name)
		}
	}
	return names
}

// declaredNames returns the identifiers a single statement declares.
func declaredNames(stmt *tsNode) []string {
	switch stmt.Kind() {
	case "function_declaration", "generator_function_declaration", "class_declaration":
		if name := stmt.field("name"); name != nil {
			return []string{name.Text()}
		}
	case "lexical_declaration", "variable_declaration":
		var names []string
		for _, d := range stmt.NamedChildren() {
			if d.Kind() != "variable_declarator" {
				continue
			}
			if name := d.(*tsNode).field("name"); name != nil && name.Kind() == "identifier" {
				names = append(names, name.Text())
			}
		}
		return names
	case "expression_statement":
		children := stmt.NamedChildren()
		if len(children) == 0 || children[0].Kind() != "assignment_expression" {
			return nil
		}
		left := children[0].(*tsNode).field("left")
		if left == nil {
			return nil
		}
		for left.Kind() == "member_expression" {
			obj := left.field("object")
			if obj == nil {
				return nil
			}
			left = obj
		}
		if left.Kind() == "identifier" {
			return []string{left.Text()}
		}
	}
	return nil
}
