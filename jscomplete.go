// jscomplete/jscomplete.go
// The Completer service: wires the analysis state store, the compiler pipeline,
// project builds and the resolver behind one API used by the LSP server and CLI.
package jscomplete

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// Document Registry
// ============================================================================

// DocumentRegistry is the EditorRegistry of documents opened through a Completer.
type DocumentRegistry struct {
	mu   sync.RWMutex
	docs map[DocumentURI]FileID
}

func newDocumentRegistry() *DocumentRegistry {
	return &DocumentRegistry{docs: make(map[DocumentURI]FileID)}
}

// Register associates uri with file.
func (r *DocumentRegistry) Register(uri DocumentURI, file FileID) {
	r.mu.Lock()
	r.docs[uri] = file
	r.mu.Unlock()
}

// Unregister removes uri.
func (r *DocumentRegistry) Unregister(uri DocumentURI) {
	r.mu.Lock()
	delete(r.docs, uri)
	r.mu.Unlock()
}

// FileForDocument implements EditorRegistry for *TextDocument snapshots.
func (r *DocumentRegistry) FileForDocument(doc Document) (FileID, bool) {
	td, ok := doc.(*TextDocument)
	if !ok || td == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.docs[td.URI]
	return f, ok
}

// ============================================================================
// Completer Service
// ============================================================================

// Completer is the main entry point for completion requests.
type Completer struct {
	config   Config
	configMu sync.RWMutex

	props    *SessionPropertyStore
	store    *AnalysisStateStore
	builder  *Builder
	index    *ProjectIndex
	registry *DocumentRegistry
	resolver *Resolver

	cacheMu     sync.RWMutex
	memoryCache *ristretto.Cache

	rootsMu sync.RWMutex
	roots   map[string]ProjectID // project root -> project

	logger *stdslog.Logger
}

// NewCompleter creates a Completer from the configuration files in the standard locations.
func NewCompleter(logger *stdslog.Logger) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Completer")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	if configErr != nil {
		serviceLogger.Warn("Config loaded with non-fatal issues", "error", configErr)
	}
	return NewCompleterWithConfig(cfg, logger)
}

// NewCompleterWithConfig creates a Completer with a specific config.
func NewCompleterWithConfig(config Config, logger *stdslog.Logger) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Completer")
	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	props := NewSessionPropertyStore(serviceLogger)
	store := NewAnalysisStateStore(props, serviceLogger)
	pipeline := NewPipeline(config.MaxFileSize, serviceLogger)

	var index *ProjectIndex
	if config.UseProjectIndex {
		path := config.IndexPath
		var err error
		if path == "" {
			path, err = DefaultIndexPath()
		}
		if err == nil {
			index, err = OpenProjectIndex(path, serviceLogger)
		}
		if err != nil {
			serviceLogger.Warn("Project index unavailable, builds will not be persisted", "error", err)
			index = nil
		}
	}

	memCache, cacheErr := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     64 << 20, // 64MB
		BufferItems: 64,
		Metrics:     true,
	})
	if cacheErr != nil {
		serviceLogger.Warn("Failed to create ristretto memory cache, in-memory caching disabled.", "error", cacheErr)
		memCache = nil
	}

	registry := newDocumentRegistry()
	c := &Completer{
		config:      config,
		props:       props,
		store:       store,
		builder:     NewBuilder(config, store, pipeline, index, serviceLogger),
		index:       index,
		registry:    registry,
		resolver:    NewResolver(registry, store, serviceLogger),
		memoryCache: memCache,
		roots:       make(map[string]ProjectID),
		logger:      serviceLogger,
	}
	return c, nil
}

// Close releases the index, the memory cache and the session store.
func (c *Completer) Close() error {
	c.logger.Info("Closing Completer service")
	var closeErrors []error
	if err := c.index.Close(); err != nil {
		closeErrors = append(closeErrors, err)
	}
	c.cacheMu.Lock()
	if c.memoryCache != nil {
		c.memoryCache.Close()
		c.memoryCache = nil
	}
	c.cacheMu.Unlock()
	c.props.Close()
	return errors.Join(closeErrors...)
}

// UpdateConfig validates and applies newConfig. Pipeline limits, build settings
// and cache TTLs take effect for subsequent requests; the index location does not change.
func (c *Completer) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(c.logger); err != nil {
		c.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}
	pipeline := NewPipeline(newConfig.MaxFileSize, c.logger)

	c.configMu.Lock()
	c.config = newConfig
	c.builder = NewBuilder(newConfig, c.store, pipeline, c.index, c.logger)
	c.configMu.Unlock()

	c.logger.Info("Completer configuration updated",
		stdslog.Group("new_config",
			stdslog.String("log_level", newConfig.LogLevel),
			stdslog.Int("max_parallel_builds", newConfig.MaxParallelBuilds),
			stdslog.String("manifest_name", newConfig.ManifestName),
			stdslog.Any("file_extensions", newConfig.FileExtensions),
			stdslog.Int64("max_file_size", newConfig.MaxFileSize),
			stdslog.Int("max_proposals", newConfig.MaxProposals),
			stdslog.Int("memory_cache_ttl_seconds", newConfig.MemoryCacheTTLSeconds),
		),
	)
	return nil
}

// GetCurrentConfig returns a thread-safe copy of the current configuration.
func (c *Completer) GetCurrentConfig() Config {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	cfgCopy := c.config
	cfgCopy.FileExtensions = append([]string(nil), c.config.FileExtensions...)
	return cfgCopy
}

func (c *Completer) currentBuilder() *Builder {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.builder
}

// Store returns the analysis state store.
func (c *Completer) Store() *AnalysisStateStore { return c.store }

// Registry returns the registry of open documents.
func (c *Completer) Registry() *DocumentRegistry { return c.registry }

// ============================================================================
// Projects
// ============================================================================

// OpenProject makes the project at root available for completion, restoring it
// from the project index when possible and building it otherwise.
func (c *Completer) OpenProject(ctx context.Context, root string) (*BuildResult, error) {
	builder := c.currentBuilder()
	res, restored, err := builder.RestoreProject(ctx, root)
	if err != nil {
		c.logger.Warn("Project restore failed, building instead", "root", root, "error", err)
	}
	if !restored {
		if res, err = builder.BuildProject(ctx, root); err != nil {
			return nil, err
		}
	}
	c.rememberRoot(res.Root, res.Project)
	return res, nil
}

// BuildProject rebuilds the project at root, ignoring the project index.
func (c *Completer) BuildProject(ctx context.Context, root string) (*BuildResult, error) {
	res, err := c.currentBuilder().BuildProject(ctx, root)
	if err != nil {
		return nil, err
	}
	c.rememberRoot(res.Root, res.Project)
	return res, nil
}

// CleanProject drops all analysis state of p.
func (c *Completer) CleanProject(p ProjectID) error {
	c.rootsMu.Lock()
	for root, id := range c.roots {
		if id == p {
			delete(c.roots, root)
		}
	}
	c.rootsMu.Unlock()
	return c.currentBuilder().CleanProject(p)
}

// IndexedProjects lists the projects persisted in the project index. It
// returns nil when the index is disabled or unavailable.
func (c *Completer) IndexedProjects() ([]ProjectID, error) {
	if c.index == nil {
		return nil, nil
	}
	return c.index.Projects()
}

func (c *Completer) rememberRoot(root string, p ProjectID) {
	c.rootsMu.Lock()
	c.roots[root] = p
	c.rootsMu.Unlock()
}

// ProjectForFile returns the open project whose root is the longest prefix of f's path.
func (c *Completer) ProjectForFile(f FileID) (ProjectID, bool) {
	path := f.Path()
	c.rootsMu.RLock()
	defer c.rootsMu.RUnlock()
	var best ProjectID
	bestLen := -1
	for root, id := range c.roots {
		if len(root) <= bestLen {
			continue
		}
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			best, bestLen = id, len(root)
		}
	}
	return best, bestLen >= 0
}

// EnsureProjectForFile opens the project containing f if it is not open yet.
// The project is found by walking up from f's directory to the nearest manifest.
func (c *Completer) EnsureProjectForFile(ctx context.Context, f FileID) (ProjectID, error) {
	if p, ok := c.ProjectForFile(f); ok {
		return p, nil
	}
	manifestPath, found, err := FindProjectManifest(filepath.Dir(f.Path()), c.GetCurrentConfig().ManifestName)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	res, err := c.OpenProject(ctx, filepath.Dir(manifestPath))
	if err != nil {
		return "", err
	}
	return res.Project, nil
}

// ============================================================================
// Documents
// ============================================================================

// OpenDocument registers an editor buffer for uri and compiles it if its unit
// has no compiler run yet.
func (c *Completer) OpenDocument(ctx context.Context, uri DocumentURI, version int, content []byte) (*TextDocument, error) {
	path, err := ValidateAndGetFilePath(string(uri), c.logger)
	if err != nil {
		return nil, err
	}
	file := FileIDFromPath(path)
	unit, err := c.store.GetOrCreateCompilationUnit(file)
	if err != nil {
		return nil, err
	}
	unit.SetOpen(true)
	if current, _ := unit.Source(); current == nil || !bytes.Equal(current, content) {
		unit.UpdateSource(content)
	}
	c.registry.Register(uri, file)

	if unit.LastRun() == nil {
		project, _ := c.ProjectForFile(file)
		if err := c.currentBuilder().CompileUnit(ctx, project, unit); err != nil {
			c.logger.Warn("Initial compile of opened document failed", "file", file, "error", err)
		}
	}
	return NewTextDocument(uri, version, content), nil
}

// UpdateDocument replaces the content of an open document. The unit's last
// run becomes stale and is brought up to date on the next resolve. A unit
// cleared while the document was open is recreated and compiled again.
func (c *Completer) UpdateDocument(ctx context.Context, uri DocumentURI, version int, content []byte) (*TextDocument, error) {
	doc := NewTextDocument(uri, version, content)
	file, ok := c.registry.FileForDocument(doc)
	if !ok {
		return nil, fmt.Errorf("document %s is not open", uri)
	}
	unit, err := c.store.GetOrCreateCompilationUnit(file)
	if err != nil {
		return nil, err
	}
	unit.SetOpen(true)
	unit.UpdateSource(content)

	if unit.LastRun() == nil {
		project, _ := c.ProjectForFile(file)
		if err := c.currentBuilder().CompileUnit(ctx, project, unit); err != nil {
			c.logger.Warn("Compile of updated document failed", "file", file, "error", err)
		}
	}
	return doc, nil
}

// CloseDocument releases the editor's ownership of uri. The unit keeps its source.
func (c *Completer) CloseDocument(uri DocumentURI) {
	file, ok := c.registry.FileForDocument(&TextDocument{URI: uri})
	c.registry.Unregister(uri)
	if !ok {
		return
	}
	if unit := c.store.CompilationUnitOrNil(file); unit != nil {
		unit.SetOpen(false)
	}
}

// ============================================================================
// Completion
// ============================================================================

// Resolve computes the invocation context of doc at offset.
func (c *Completer) Resolve(doc Document, offset int) *InvocationContext {
	return c.resolver.Resolve(doc, offset)
}

// Complete resolves the invocation context at offset and returns the
// proposals for it. Results are memoized per tree generation.
func (c *Completer) Complete(ctx context.Context, doc Document, offset int) ([]Proposal, *InvocationContext, error) {
	opLogger := c.logger.With("op", "Complete", "offset", offset)
	ictx := c.Resolve(doc, offset)
	if err := ctx.Err(); err != nil {
		return nil, ictx, err
	}
	cfg := c.GetCurrentConfig()

	compute := func() ([]Proposal, error) {
		src := proposalSource{ictx: ictx, maxProposals: cfg.MaxProposals}
		if unit := ictx.Unit(); unit != nil {
			if p, ok := c.ProjectForFile(unit.File); ok {
				src.projectSyms, src.referenceSyms = c.projectSymbols(p)
			}
		}
		return computeProposals(src), nil
	}
	if !ictx.HasNode() {
		proposals, err := compute()
		return proposals, ictx, err
	}
	cacheKey := generateCacheKey("proposals", ictx)
	proposals, hit, err := withMemoryCache(c, cacheKey, 0, cfg.MemoryCacheTTL, compute, opLogger)
	if err != nil {
		return nil, ictx, err
	}
	opLogger.Debug("Computed proposals", "count", len(proposals), "cache_hit", hit, "prefix", ictx.Prefix(), "path", ictx.QualifiedPath())
	return proposals, ictx, nil
}

func (c *Completer) projectSymbols(p ProjectID) (own, referenced map[string]FileID) {
	if pa, err := c.store.GetProjectState(p); err == nil && pa != nil {
		_, own = pa.Symbols()
	}
	refs, err := c.store.ReferencedProjects(p)
	if err != nil {
		c.logger.Debug("Referenced projects unavailable", "project", p, "error", err)
	}
	return own, c.currentBuilder().referencedSymbols(refs)
}

// ============================================================================
// Memory Cache
// ============================================================================

// GetMemoryCache returns the cached value for key.
func (c *Completer) GetMemoryCache(key string) (any, bool) {
	c.cacheMu.RLock()
	cache := c.memoryCache
	c.cacheMu.RUnlock()
	if cache == nil {
		return nil, false
	}
	return cache.Get(key)
}

// SetMemoryCache stores value under key with the given cost and TTL.
func (c *Completer) SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool {
	c.cacheMu.RLock()
	cache := c.memoryCache
	c.cacheMu.RUnlock()
	if cache == nil {
		return false
	}
	return cache.SetWithTTL(key, value, cost, ttl)
}

// MemoryCacheEnabled returns true if the Ristretto cache is initialized and available.
func (c *Completer) MemoryCacheEnabled() bool {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.memoryCache != nil
}

// GetMemoryCacheMetrics returns the performance metrics collected by Ristretto.
func (c *Completer) GetMemoryCacheMetrics() *ristretto.Metrics {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if c.memoryCache != nil {
		return c.memoryCache.Metrics
	}
	return nil
}
