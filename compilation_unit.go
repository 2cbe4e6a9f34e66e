// jscomplete/compilation_unit.go
// Compilation units, compiler runs, and the thin facade the resolver uses to query them.
package jscomplete

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ============================================================================
// Compiler Collaborator Interfaces
// ============================================================================

// SyntaxNode is a node of a compiled syntax tree. Offsets are byte offsets into
// the source the tree was produced from.
type SyntaxNode interface {
	Kind() string
	StartOffset() int
	EndOffset() int
	Text() string
	Parent() SyntaxNode // nil for the root
	NamedChildren() []SyntaxNode
}

// CompilerRun is a snapshot of compiler output for one unit at some Fidelity.
// A run may be shared between the pipeline and several units, and may be stale.
type CompilerRun interface {
	// Fidelity reports the analysis depth the run currently reflects.
	Fidelity() Fidelity
	// EnsureFastFidelity upgrades the run to at least FidelitySyntax. It is
	// synchronous and bounded: only the run's own unit is re-analyzed.
	EnsureFastFidelity() error
	// NodeAt returns the smallest named node of unit whose range contains offset, or nil.
	NodeAt(unit *CompilationUnit, offset int) SyntaxNode
	// Root returns the root node of unit's tree, or nil.
	Root(unit *CompilationUnit) SyntaxNode
	// Generation changes every time the run's tree is replaced.
	Generation() uint64
}

// ============================================================================
// Compilation Unit
// ============================================================================

// CompilationUnit is the analysis-facing representation of one source file.
type CompilationUnit struct {
	File FileID

	mu      sync.RWMutex
	source  []byte // never mutated in place; replaced on update
	version int64
	lastRun CompilerRun
	open    bool // an editor owns the source
}

// NewCompilationUnit creates an empty unit for f.
func NewCompilationUnit(f FileID) *CompilationUnit {
	return &CompilationUnit{File: f}
}

// Source returns the unit's current source and its version. The slice must not be modified.
func (u *CompilationUnit) Source() ([]byte, int64) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.source, u.version
}

// Version returns the current source version.
func (u *CompilationUnit) Version() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.version
}

// UpdateSource replaces the unit's source and returns the new version. Runs
// produced from an older version become stale.
func (u *CompilationUnit) UpdateSource(content []byte) int64 {
	src := make([]byte, len(content))
	copy(src, content)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.source = src
	u.version++
	return u.version
}

// SetOpen marks whether an editor buffer owns the unit's source. Builds do
// not replace the source of open units with disk content.
func (u *CompilationUnit) SetOpen(open bool) {
	u.mu.Lock()
	u.open = open
	u.mu.Unlock()
}

// IsOpen reports the flag set by SetOpen.
func (u *CompilationUnit) IsOpen() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.open
}

// LastRun returns the most recent compiler run covering the unit, or nil.
func (u *CompilationUnit) LastRun() CompilerRun {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastRun
}

// SetLastRun records run as the most recent run covering the unit.
func (u *CompilationUnit) SetLastRun(run CompilerRun) {
	u.mu.Lock()
	u.lastRun = run
	u.mu.Unlock()
}

// ============================================================================
// Facade
// ============================================================================

// ensureFastFidelity upgrades run to at least FidelitySyntax and returns it.
// It is a no-op for runs already at or above that level. Failures and panics
// from the compiler are logged; the (possibly stale) run is still returned.
func ensureFastFidelity(run CompilerRun, logger *slog.Logger) (out CompilerRun) {
	out = run
	if run == nil || run.Fidelity() >= FidelitySyntax {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered during fast compile", "panic_value", r, "stack", string(debug.Stack()))
		}
	}()
	if err := run.EnsureFastFidelity(); err != nil {
		logger.Warn("Fast compile failed, using stale tree", "error", err)
	}
	return out
}

// nodeAt looks up the node containing offset in run's tree for unit.
func nodeAt(run CompilerRun, unit *CompilationUnit, offset int, logger *slog.Logger) (node SyntaxNode, found bool) {
	if run == nil || unit == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered during node lookup", "offset", offset, "panic_value", r, "stack", string(debug.Stack()))
			node, found = nil, false
		}
	}()
	node = run.NodeAt(unit, offset)
	return node, node != nil
}

// describeNode renders a node for logs and CLI output.
func describeNode(n SyntaxNode) string {
	if n == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s[%d:%d]", n.Kind(), n.StartOffset(), n.EndOffset())
}
