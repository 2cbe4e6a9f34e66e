// jscomplete/invocation_context.go
// Computes the prefix and qualified path at a caret and maps the caret onto
// the latest compiled syntax tree of the document's file.
package jscomplete

import (
	"fmt"
	"log/slog"
	"strings"
)

// ============================================================================
// Text Buffers & Editor Registry
// ============================================================================

// Document is a read-only view of an editor text buffer. Offsets are byte offsets.
type Document interface {
	// CharAt returns the byte at offset, failing with ErrOutOfRange for invalid offsets.
	CharAt(offset int) (byte, error)
	// Substring returns document[start:end], failing with ErrOutOfRange for invalid bounds.
	Substring(start, end int) (string, error)
	Len() int
}

// EditorRegistry maps open documents to the files they edit.
type EditorRegistry interface {
	FileForDocument(doc Document) (FileID, bool)
}

// TextDocument is an immutable snapshot of a buffer's content.
type TextDocument struct {
	URI     DocumentURI
	Version int
	content string
}

// NewTextDocument creates a snapshot of content.
func NewTextDocument(uri DocumentURI, version int, content []byte) *TextDocument {
	return &TextDocument{URI: uri, Version: version, content: string(content)}
}

func (d *TextDocument) Len() int { return len(d.content) }

func (d *TextDocument) CharAt(offset int) (byte, error) {
	if offset < 0 || offset >= len(d.content) {
		return 0, fmt.Errorf("%w: char at %d (length %d)", ErrOutOfRange, offset, len(d.content))
	}
	return d.content[offset], nil
}

func (d *TextDocument) Substring(start, end int) (string, error) {
	if start < 0 || end < start || end > len(d.content) {
		return "", fmt.Errorf("%w: substring [%d:%d] (length %d)", ErrOutOfRange, start, end, len(d.content))
	}
	return d.content[start:end], nil
}

// Text returns the full content.
func (d *TextDocument) Text() string { return d.content }

// ============================================================================
// Invocation Context
// ============================================================================

// InvocationContext describes the caret at which completion was invoked:
//
//	foo.bar.zo
//	^       ^ ^
//	|       | invocation offset
//	|       prefix offset
//	path offset
//
// It is transient and never cached.
type InvocationContext struct {
	Document         Document
	InvocationOffset int
	PrefixOffset     int
	PathOffset       int

	prefix string
	path   []string
	run    CompilerRun
	unit   *CompilationUnit
	node   SyntaxNode
}

// Prefix is the identifier fragment immediately before the caret.
func (c *InvocationContext) Prefix() string { return c.prefix }

// QualifiedPath is the dotted name before the prefix, split into segments.
func (c *InvocationContext) QualifiedPath() []string { return append([]string{}, c.path...) }

// HasNode reports whether a compiler run was available to query. It does not
// imply that Node returns a non-nil node.
func (c *InvocationContext) HasNode() bool { return c.run != nil }

// Node returns the tree node containing the prefix offset, or nil.
func (c *InvocationContext) Node() SyntaxNode { return c.node }

// Run returns the compiler run used for node resolution, or nil.
func (c *InvocationContext) Run() CompilerRun { return c.run }

// Unit returns the compilation unit of the document's file, or nil.
func (c *InvocationContext) Unit() *CompilationUnit { return c.unit }

// ============================================================================
// Resolver
// ============================================================================

// Resolver builds InvocationContexts. It is safe for concurrent use.
type Resolver struct {
	registry EditorRegistry
	store    *AnalysisStateStore
	logger   *slog.Logger
}

// NewResolver creates a resolver reading units from store. registry may be nil,
// in which case no node is ever resolved.
func NewResolver(registry EditorRegistry, store *AnalysisStateStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		store:    store,
		logger:   logger.With("component", "Resolver"),
	}
}

// Resolve computes the invocation context of doc at invocationOffset. It never
// fails: out-of-range offsets and storage errors degrade to an empty prefix,
// an empty path, or no node.
//
// A negative offset is treated as offset 0, so 0 <= PathOffset <= PrefixOffset
// <= InvocationOffset holds for every context.
func (r *Resolver) Resolve(doc Document, invocationOffset int) *InvocationContext {
	invocationOffset = max(invocationOffset, 0)
	ctx := &InvocationContext{Document: doc, InvocationOffset: invocationOffset}
	ctx.PrefixOffset, ctx.PathOffset = scanPrefixAndPath(doc, invocationOffset)
	ctx.prefix = substringOrEmpty(doc, ctx.PrefixOffset, invocationOffset)
	ctx.path = qualifiedPath(doc, ctx.PathOffset, ctx.PrefixOffset)
	r.resolveNode(ctx)
	return ctx
}

func (r *Resolver) resolveNode(ctx *InvocationContext) {
	if r.registry == nil || r.store == nil || ctx.Document == nil {
		return
	}
	file, ok := r.registry.FileForDocument(ctx.Document)
	if !ok {
		return
	}
	logger := r.logger.With("op", "Resolve", "file", file, "prefix_offset", ctx.PrefixOffset)
	unit := r.store.CompilationUnitOrNil(file)
	if unit == nil {
		logger.Debug("No compilation unit for file")
		return
	}
	run := unit.LastRun()
	if run == nil {
		logger.Debug("No compiler run available for unit")
		return
	}
	ctx.unit = unit
	ctx.run = ensureFastFidelity(run, logger)
	ctx.node, _ = nodeAt(ctx.run, unit, ctx.PrefixOffset, logger)
	logger.Debug("Resolved invocation node", "node", describeNode(ctx.node), "fidelity", ctx.run.Fidelity())
}

// isPrefixChar reports whether c may appear in an identifier prefix.
func isPrefixChar(c byte) bool {
	return c == '_' ||
		c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9'
}

func isPathChar(c byte) bool {
	return c == '.' || isPrefixChar(c)
}

// scanPrefixAndPath walks backward from offset over prefix characters, then over
// path characters. An offset past the end of the document yields offset for
// both, and a negative one yields 0.
func scanPrefixAndPath(doc Document, offset int) (prefixOffset, pathOffset int) {
	if offset < 0 {
		return 0, 0
	}
	if doc == nil || offset > doc.Len() {
		return offset, offset
	}
	prefixOffset = offset
	for prefixOffset > 0 {
		c, err := doc.CharAt(prefixOffset - 1)
		if err != nil || !isPrefixChar(c) {
			break
		}
		prefixOffset--
	}
	pathOffset = prefixOffset
	for pathOffset > 0 {
		c, err := doc.CharAt(pathOffset - 1)
		if err != nil || !isPathChar(c) {
			break
		}
		pathOffset--
	}
	return prefixOffset, pathOffset
}

func substringOrEmpty(doc Document, start, end int) string {
	if doc == nil || start >= end {
		return ""
	}
	s, err := doc.Substring(start, end)
	if err != nil {
		return ""
	}
	return s
}

// qualifiedPath splits document[pathOffset, prefixOffset-1) on '.'. The byte at
// prefixOffset-1 is the separator before the prefix and is excluded.
func qualifiedPath(doc Document, pathOffset, prefixOffset int) []string {
	if prefixOffset == pathOffset {
		return []string{}
	}
	text := substringOrEmpty(doc, pathOffset, prefixOffset-1)
	if text == "" {
		return []string{}
	}
	return strings.Split(text, ".")
}
