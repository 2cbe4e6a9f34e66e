// jscomplete/analysis_state.go
// Per-project and per-file analysis state shared between builds and editing.
package jscomplete

import (
	"fmt"
	"hash/maphash"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// symbolsEpoch advances whenever any project's symbol table changes.
var symbolsEpoch atomic.Uint64

// ============================================================================
// Project Analysis Handle
// ============================================================================

// ProjectAnalysis is the analysis handle of one project. It is owned by the
// AnalysisStateStore and created at most once per project until cleared.
type ProjectAnalysis struct {
	Project ProjectID
	Created time.Time

	mu      sync.RWMutex
	symbols map[string]FileID // top-level declaration name -> declaring file
	root    string
}

func newProjectAnalysis(p ProjectID) *ProjectAnalysis {
	return &ProjectAnalysis{
		Project: p,
		Created: time.Now(),
		symbols: make(map[string]FileID),
	}
}

// Root returns the project's root directory, if known.
func (pa *ProjectAnalysis) Root() string {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	return pa.root
}

func (pa *ProjectAnalysis) setRoot(root string) {
	pa.mu.Lock()
	pa.root = root
	pa.mu.Unlock()
}

// SetFileSymbols replaces the top-level symbols contributed by file.
func (pa *ProjectAnalysis) SetFileSymbols(file FileID, names []string) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	defer symbolsEpoch.Add(1)
	for name, owner := range pa.symbols {
		if owner == file {
			delete(pa.symbols, name)
		}
	}
	for _, name := range names {
		if _, taken := pa.symbols[name]; !taken {
			pa.symbols[name] = file
		}
	}
}

// Symbols returns a sorted snapshot of the project's top-level symbol names and their files.
func (pa *ProjectAnalysis) Symbols() ([]string, map[string]FileID) {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	names := make([]string, 0, len(pa.symbols))
	owners := make(map[string]FileID, len(pa.symbols))
	for name, f := range pa.symbols {
		names = append(names, name)
		owners[name] = f
	}
	sort.Strings(names)
	return names, owners
}

// ============================================================================
// Analysis State Store
// ============================================================================

// AnalysisStateStore gives typed access to analysis state kept in a PropertyStore.
// Get-or-create operations construct at most one value per key under concurrent
// first access, using a per-resource lock so unrelated resources never contend.
type AnalysisStateStore struct {
	props  PropertyStore
	locks  [creationLockStripes]sync.Mutex
	seed   maphash.Seed
	logger *slog.Logger
}

// creationLockStripes bounds the number of creation mutexes regardless of how
// many resources a session touches. Resources sharing a stripe only serialize
// their get-or-create slow paths.
const creationLockStripes = 64

// NewAnalysisStateStore creates a store over props.
func NewAnalysisStateStore(props PropertyStore, logger *slog.Logger) *AnalysisStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisStateStore{
		props:  props,
		seed:   maphash.MakeSeed(),
		logger: logger.With("component", "AnalysisStateStore"),
	}
}

// lockFor returns the mutex guarding creation on res. The same resource always
// maps to the same mutex.
func (s *AnalysisStateStore) lockFor(res ResourceID) *sync.Mutex {
	return &s.locks[maphash.String(s.seed, string(res))%creationLockStripes]
}

func (s *AnalysisStateStore) set(res ResourceID, key PropertyKey, value any) error {
	if err := s.props.SetProperty(res, key, value); err != nil {
		return fmt.Errorf("%w: setting %s: %w", ErrStorageAccess, key, err)
	}
	return nil
}

func (s *AnalysisStateStore) get(res ResourceID, key PropertyKey) (any, error) {
	v, err := s.props.Property(res, key)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrStorageAccess, key, err)
	}
	return v, nil
}

// --- Project analysis ---

// SetProjectState binds (or, with nil, clears) the analysis handle of p.
func (s *AnalysisStateStore) SetProjectState(p ProjectID, pa *ProjectAnalysis) error {
	if pa == nil {
		return s.set(projectResource(p), keyProjectAnalysis, nil)
	}
	return s.set(projectResource(p), keyProjectAnalysis, pa)
}

// GetProjectState returns the analysis handle of p, or nil if there is none.
func (s *AnalysisStateStore) GetProjectState(p ProjectID) (*ProjectAnalysis, error) {
	v, err := s.get(projectResource(p), keyProjectAnalysis)
	if err != nil {
		return nil, err
	}
	pa, _ := v.(*ProjectAnalysis)
	return pa, nil
}

// GetOrCreateProjectState returns the analysis handle of p, creating it if needed.
func (s *AnalysisStateStore) GetOrCreateProjectState(p ProjectID) (*ProjectAnalysis, error) {
	pa, err := s.GetProjectState(p)
	if err != nil || pa != nil {
		return pa, err
	}
	mu := s.lockFor(projectResource(p))
	mu.Lock()
	defer mu.Unlock()
	// Re-check: another caller may have created it while we waited.
	if pa, err = s.GetProjectState(p); err != nil || pa != nil {
		return pa, err
	}
	pa = newProjectAnalysis(p)
	if err := s.SetProjectState(p, pa); err != nil {
		return nil, err
	}
	s.logger.Debug("Created project analysis", "project", p)
	return pa, nil
}

// --- Member files ---

// SetMemberFiles records the JavaScript files analyzed as part of p. Nil clears them.
func (s *AnalysisStateStore) SetMemberFiles(p ProjectID, files []FileID) error {
	if files == nil {
		return s.set(projectResource(p), keyMemberFiles, nil)
	}
	return s.set(projectResource(p), keyMemberFiles, append([]FileID(nil), files...))
}

// MemberFiles returns the files of p, or nil if none were recorded.
func (s *AnalysisStateStore) MemberFiles(p ProjectID) ([]FileID, error) {
	v, err := s.get(projectResource(p), keyMemberFiles)
	if err != nil {
		return nil, err
	}
	files, ok := v.([]FileID)
	if !ok {
		return nil, nil
	}
	return append([]FileID(nil), files...), nil
}

// --- Referenced projects ---

// SetReferencedProjects records the projects transitively referenced from p.
func (s *AnalysisStateStore) SetReferencedProjects(p ProjectID, projects []ProjectID) error {
	if projects == nil {
		return s.set(projectResource(p), keyReferencedProjects, nil)
	}
	return s.set(projectResource(p), keyReferencedProjects, append([]ProjectID(nil), projects...))
}

// ReferencedProjects returns the projects transitively referenced from p.
// Unlike the other getters it never returns nil: an unset value is an empty slice.
func (s *AnalysisStateStore) ReferencedProjects(p ProjectID) ([]ProjectID, error) {
	v, err := s.get(projectResource(p), keyReferencedProjects)
	if err != nil {
		return []ProjectID{}, err
	}
	projects, ok := v.([]ProjectID)
	if !ok {
		return []ProjectID{}, nil
	}
	return append([]ProjectID{}, projects...), nil
}

// --- Generated-by-compiler marker ---

// SetGeneratedByCompiler marks whether the state of p was produced by a compiler build.
func (s *AnalysisStateStore) SetGeneratedByCompiler(p ProjectID, generated bool) error {
	if !generated {
		return s.set(projectResource(p), keyGeneratedByCompiler, nil)
	}
	return s.set(projectResource(p), keyGeneratedByCompiler, true)
}

// GeneratedByCompiler reports the marker set by SetGeneratedByCompiler.
func (s *AnalysisStateStore) GeneratedByCompiler(p ProjectID) (bool, error) {
	v, err := s.get(projectResource(p), keyGeneratedByCompiler)
	if err != nil {
		return false, err
	}
	generated, _ := v.(bool)
	return generated, nil
}

// --- Compilation units ---

// SetCompilationUnit binds (or, with nil, clears) the compilation unit of f.
func (s *AnalysisStateStore) SetCompilationUnit(f FileID, unit *CompilationUnit) error {
	if unit == nil {
		return s.set(fileResource(f), keyCompilationUnit, nil)
	}
	return s.set(fileResource(f), keyCompilationUnit, unit)
}

// CompilationUnit returns the compilation unit of f, or nil if there is none.
func (s *AnalysisStateStore) CompilationUnit(f FileID) (*CompilationUnit, error) {
	v, err := s.get(fileResource(f), keyCompilationUnit)
	if err != nil {
		return nil, err
	}
	unit, _ := v.(*CompilationUnit)
	return unit, nil
}

// CompilationUnitOrNil is the best-effort form of CompilationUnit: storage
// errors are logged and reported as "no unit".
func (s *AnalysisStateStore) CompilationUnitOrNil(f FileID) *CompilationUnit {
	unit, err := s.CompilationUnit(f)
	if err != nil {
		s.logger.Debug("Compilation unit lookup failed, treating as absent", "file", f, "error", err)
		return nil
	}
	return unit
}

// GetOrCreateCompilationUnit returns the compilation unit of f, creating an empty one if needed.
func (s *AnalysisStateStore) GetOrCreateCompilationUnit(f FileID) (*CompilationUnit, error) {
	unit, err := s.CompilationUnit(f)
	if err != nil || unit != nil {
		return unit, err
	}
	mu := s.lockFor(fileResource(f))
	mu.Lock()
	defer mu.Unlock()
	if unit, err = s.CompilationUnit(f); err != nil || unit != nil {
		return unit, err
	}
	unit = NewCompilationUnit(f)
	if err := s.SetCompilationUnit(f, unit); err != nil {
		return nil, err
	}
	return unit, nil
}

// --- Clearing ---

// ClearProject clears the compilation unit of every member file of p, then the
// member files and the analysis handle. It is a no-op if p has no state.
func (s *AnalysisStateStore) ClearProject(p ProjectID) error {
	logger := s.logger.With("op", "ClearProject", "project", p)
	files, err := s.MemberFiles(p)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.SetCompilationUnit(f, nil); err != nil {
			return err
		}
	}
	if err := s.SetMemberFiles(p, nil); err != nil {
		return err
	}
	if err := s.SetProjectState(p, nil); err != nil {
		return err
	}
	symbolsEpoch.Add(1)
	logger.Debug("Cleared project analysis state", "files_cleared", len(files))
	return nil
}
