// jscomplete/builder.go
// Project builds: manifest loading, reference resolution, parallel compilation,
// and population of the analysis state store.
package jscomplete

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BuildResult summarizes one project build or restore.
type BuildResult struct {
	Project    ProjectID
	Root       string
	Files      []FileID
	References []ProjectID // transitive, excluding Project itself
	FileErrors []error     // per-file compile failures; the build still succeeds
	Restored   bool        // state came from the project index
	Duration   time.Duration
}

// Builder turns projects on disk into analysis state.
type Builder struct {
	store    *AnalysisStateStore
	pipeline *Pipeline
	index    *ProjectIndex // nil disables persistence

	manifestName string
	extensions   []string
	parallelism  int

	buildLocks sync.Map // root -> *sync.Mutex
	logger     *slog.Logger
}

// NewBuilder creates a builder. index may be nil.
func NewBuilder(cfg Config, store *AnalysisStateStore, pipeline *Pipeline, index *ProjectIndex, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := cfg.MaxParallelBuilds
	if parallelism <= 0 {
		parallelism = defaultMaxParallelBuilds
	}
	manifestName := cfg.ManifestName
	if manifestName == "" {
		manifestName = defaultManifestName
	}
	extensions := cfg.FileExtensions
	if len(extensions) == 0 {
		extensions = []string{".js"}
	}
	return &Builder{
		store:        store,
		pipeline:     pipeline,
		index:        index,
		manifestName: manifestName,
		extensions:   slices.Clone(extensions),
		parallelism:  parallelism,
		logger:       logger.With("component", "Builder"),
	}
}

// ============================================================================
// Build
// ============================================================================

// BuildProject builds the project rooted at root and, first, every project it
// references. Reference cycles are tolerated.
func (b *Builder) BuildProject(ctx context.Context, root string) (*BuildResult, error) {
	return b.buildProject(ctx, root, make(map[string]*BuildResult))
}

func (b *Builder) buildProject(ctx context.Context, root string, visited map[string]*BuildResult) (*BuildResult, error) {
	start := time.Now()
	manifest, err := LoadProjectManifest(root, b.manifestName)
	if err != nil {
		return nil, err
	}
	if prev, seen := visited[manifest.Root]; seen {
		if prev == nil {
			// Cycle: the project is being built further up the stack.
			return &BuildResult{Project: manifest.ID(), Root: manifest.Root}, nil
		}
		return prev, nil
	}
	visited[manifest.Root] = nil

	id := manifest.ID()
	logger := b.logger.With("op", "BuildProject", "project", id, "root", manifest.Root)

	refs, err := b.buildReferences(ctx, manifest, visited, logger)
	if err != nil {
		return nil, err
	}

	// Held only for this project's own files so that concurrent builds of
	// mutually referencing projects cannot deadlock.
	mu := b.lockFor(manifest.Root)
	mu.Lock()
	defer mu.Unlock()

	files, err := manifest.DiscoverFiles(b.extensions)
	if err != nil {
		return nil, err
	}
	logger.Info("Building project", "files", len(files), "references", len(refs))

	pa, err := b.store.GetOrCreateProjectState(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	pa.setRoot(manifest.Root)

	if err := b.dropRemovedFiles(id, pa, files); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	if err := b.store.SetMemberFiles(id, files); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	if err := b.store.SetReferencedProjects(id, refs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	hashes, fileErrs, err := b.compileAll(ctx, pa, files)
	if err != nil {
		return nil, err
	}
	if err := b.store.SetGeneratedByCompiler(id, true); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	result := &BuildResult{
		Project:    id,
		Root:       manifest.Root,
		Files:      files,
		References: refs,
		FileErrors: fileErrs,
		Duration:   time.Since(start),
	}
	visited[manifest.Root] = result

	if b.index != nil {
		_, owners := pa.Symbols()
		entry := IndexEntry{
			Project:      id,
			Root:         manifest.Root,
			ManifestHash: calculateManifestHash(manifest),
			Files:        files,
			FileHashes:   hashes,
			References:   refs,
			Symbols:      owners,
			BuiltAt:      time.Now(),
		}
		if err := b.index.Put(entry); err != nil {
			logger.Warn("Failed to persist project index entry", "error", err)
		}
	}
	logger.Info("Project build complete", "files", len(files), "file_errors", len(fileErrs), "duration", result.Duration)
	return result, nil
}

func (b *Builder) lockFor(root string) *sync.Mutex {
	mu, _ := b.buildLocks.LoadOrStore(root, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// buildReferences builds every referenced project and returns the transitive
// set of referenced project IDs, in first-seen order.
func (b *Builder) buildReferences(ctx context.Context, manifest *ProjectManifest, visited map[string]*BuildResult, logger *slog.Logger) ([]ProjectID, error) {
	self := manifest.ID()
	seen := map[ProjectID]struct{}{self: {}}
	refs := []ProjectID{}
	add := func(p ProjectID) {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			refs = append(refs, p)
		}
	}
	for _, refRoot := range manifest.ReferencedRoots() {
		res, err := b.buildProject(ctx, refRoot, visited)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			logger.Warn("Referenced project failed to build, skipping", "reference", refRoot, "error", err)
			continue
		}
		add(res.Project)
		for _, p := range res.References {
			add(p)
		}
	}
	return refs, nil
}

// dropRemovedFiles clears the units of files that left the project since the last build.
func (b *Builder) dropRemovedFiles(id ProjectID, pa *ProjectAnalysis, files []FileID) error {
	previous, err := b.store.MemberFiles(id)
	if err != nil {
		return err
	}
	for _, f := range previous {
		if _, still := slices.BinarySearch(files, f); still {
			continue
		}
		if err := b.store.SetCompilationUnit(f, nil); err != nil {
			return err
		}
		pa.SetFileSymbols(f, nil)
	}
	return nil
}

// compileAll compiles files with bounded parallelism. Per-file failures are
// collected; only cancellation aborts the build.
func (b *Builder) compileAll(ctx context.Context, pa *ProjectAnalysis, files []FileID) (map[FileID]string, []error, error) {
	var (
		mu       sync.Mutex
		hashes   = make(map[FileID]string, len(files))
		fileErrs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(b.parallelism, len(files))))
	for _, f := range files {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			hash, err := b.compileFile(gctx, pa, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fileErrs = append(fileErrs, err)
				return nil
			}
			hashes[f] = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	return hashes, fileErrs, nil
}

// compileFile refreshes f's unit from disk (unless an editor owns it), compiles
// it, and records its symbols. It returns the hash of the compiled source.
func (b *Builder) compileFile(ctx context.Context, pa *ProjectAnalysis, f FileID) (string, error) {
	unit, err := b.store.GetOrCreateCompilationUnit(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", f, err)
	}
	if !unit.IsOpen() {
		content, err := os.ReadFile(f.Path())
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %w", ErrBuildFailed, f, err)
		}
		if cur, _ := unit.Source(); cur == nil || !bytes.Equal(cur, content) {
			unit.UpdateSource(content)
		}
	}
	_, symbols, err := b.pipeline.Compile(ctx, unit)
	if err != nil {
		return "", err
	}
	if pa != nil {
		pa.SetFileSymbols(f, symbols)
	}
	src, _ := unit.Source()
	return hashBytes(src), nil
}

// CompileUnit compiles a single unit outside a project build, updating the
// symbols of project p when p has analysis state.
func (b *Builder) CompileUnit(ctx context.Context, p ProjectID, unit *CompilationUnit) error {
	_, symbols, err := b.pipeline.Compile(ctx, unit)
	if err != nil {
		return err
	}
	if p == "" {
		return nil
	}
	pa, err := b.store.GetProjectState(p)
	if err != nil {
		return err
	}
	if pa != nil {
		pa.SetFileSymbols(unit.File, symbols)
	}
	return nil
}

// ============================================================================
// Restore & Clean
// ============================================================================

// RestoreProject repopulates the analysis state of the project at root from
// the project index without compiling. It reports false when there is no index
// or the entry is missing or stale. Units are created empty; they are compiled
// when an editor opens them.
func (b *Builder) RestoreProject(ctx context.Context, root string) (*BuildResult, bool, error) {
	if b.index == nil {
		return nil, false, nil
	}
	return b.restoreProject(ctx, root, make(map[string]struct{}))
}

// restoreProject restores root after its referenced projects. visiting holds
// the roots on the current path and breaks reference cycles.
func (b *Builder) restoreProject(ctx context.Context, root string, visiting map[string]struct{}) (*BuildResult, bool, error) {
	start := time.Now()
	manifest, err := LoadProjectManifest(root, b.manifestName)
	if err != nil {
		return nil, false, err
	}
	id := manifest.ID()
	logger := b.logger.With("op", "RestoreProject", "project", id)

	entry, found, err := b.index.Get(id)
	if err != nil {
		logger.Warn("Project index read failed", "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if err := b.validateEntry(ctx, manifest, entry, logger); err != nil {
		logger.Info("Project index entry is stale, rebuild required", "reason", err)
		return nil, false, nil
	}

	visiting[manifest.Root] = struct{}{}
	for _, ref := range entry.References {
		refEntry, found, err := b.index.Get(ref)
		if err != nil || !found {
			logger.Info("Referenced project missing from index, rebuild required", "reference", ref, "error", err)
			return nil, false, nil
		}
		if _, busy := visiting[refEntry.Root]; busy {
			continue
		}
		if generated, _ := b.store.GeneratedByCompiler(ref); generated {
			continue
		}
		if _, ok, err := b.restoreProject(ctx, refEntry.Root, visiting); err != nil || !ok {
			return nil, false, err
		}
	}

	pa, err := b.store.GetOrCreateProjectState(id)
	if err != nil {
		return nil, false, err
	}
	pa.setRoot(manifest.Root)
	byFile := make(map[FileID][]string)
	for name, f := range entry.Symbols {
		byFile[f] = append(byFile[f], name)
	}
	for _, f := range entry.Files {
		names := byFile[f]
		slices.Sort(names)
		pa.SetFileSymbols(f, names)
		if _, err := b.store.GetOrCreateCompilationUnit(f); err != nil {
			return nil, false, err
		}
	}
	if err := b.store.SetMemberFiles(id, entry.Files); err != nil {
		return nil, false, err
	}
	if err := b.store.SetReferencedProjects(id, entry.References); err != nil {
		return nil, false, err
	}
	if err := b.store.SetGeneratedByCompiler(id, true); err != nil {
		return nil, false, err
	}
	logger.Info("Restored project from index", "files", len(entry.Files), "built_at", entry.BuiltAt)
	return &BuildResult{
		Project:    id,
		Root:       manifest.Root,
		Files:      slices.Clone(entry.Files),
		References: slices.Clone(entry.References),
		Restored:   true,
		Duration:   time.Since(start),
	}, true, nil
}

// validateEntry checks the manifest hash, the file list, and every file hash.
func (b *Builder) validateEntry(ctx context.Context, manifest *ProjectManifest, entry IndexEntry, logger *slog.Logger) error {
	if entry.ManifestHash != calculateManifestHash(manifest) {
		return fmt.Errorf("%w: manifest changed", errIndexStale)
	}
	files, err := manifest.DiscoverFiles(b.extensions)
	if err != nil {
		return err
	}
	if !slices.Equal(files, entry.Files) {
		return fmt.Errorf("%w: file set changed", errIndexStale)
	}
	current := make(map[FileID]string, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := hashFileContent(f.Path())
		if err != nil {
			return fmt.Errorf("%w: %w", errIndexStale, err)
		}
		current[f] = hash
	}
	if !compareFileHashes(current, entry.FileHashes, logger) {
		return fmt.Errorf("%w: file contents changed", errIndexStale)
	}
	return nil
}

// CleanProject removes all analysis state of p, including the generated
// marker, its referenced projects, and its index entry.
func (b *Builder) CleanProject(p ProjectID) error {
	logger := b.logger.With("op", "CleanProject", "project", p)
	var errs []error
	if err := b.store.ClearProject(p); err != nil {
		errs = append(errs, err)
	}
	if err := b.store.SetGeneratedByCompiler(p, false); err != nil {
		errs = append(errs, err)
	}
	if err := b.store.SetReferencedProjects(p, nil); err != nil {
		errs = append(errs, err)
	}
	if b.index != nil {
		if err := b.index.Delete(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("Project cleaned")
	return nil
}

// referencedSymbols merges the symbols of the given projects' analysis state.
func (b *Builder) referencedSymbols(projects []ProjectID) map[string]FileID {
	out := make(map[string]FileID)
	for _, p := range projects {
		pa, err := b.store.GetProjectState(p)
		if err != nil || pa == nil {
			continue
		}
		_, owners := pa.Symbols()
		for name, f := range owners {
			if _, taken := out[name]; !taken {
				out[name] = f
			}
		}
	}
	return out
}
