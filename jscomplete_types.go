// jscomplete/jscomplete_types.go
// Contains core type definitions used throughout the jscomplete package.
package jscomplete

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultLogLevel           = "info"           // Default log level.
	defaultMemoryCacheTTLSecs = 300              // Default TTL for memory cache items (5 minutes).
	defaultMaxParallelBuilds  = 4                // Default number of files compiled concurrently.
	defaultManifestName       = "jsproject.toml" // Default project manifest file name.
	defaultMaxFileSize        = 4 << 20          // Files larger than this are not compiled (4MB).
	defaultMaxProposals       = 200              // Default cap on completion proposals.
	defaultConfigFileName     = "config.json"    // Default config file name.
	configDirName             = "jscomplete"     // Subdirectory name for config/data.
	indexSchemaVersion        = 1                // Used to invalidate the project index if its format changes.
)

// Config holds the active configuration for the completion service.
type Config struct {
	LogLevel              string        `json:"log_level"`                // Log level (debug, info, warn, error).
	MemoryCacheTTLSeconds int           `json:"memory_cache_ttl_seconds"` // TTL for memory cache items.
	MaxParallelBuilds     int           `json:"max_parallel_builds"`      // Concurrent file compiles per project build.
	ManifestName          string        `json:"manifest_name"`            // File name of the project manifest.
	FileExtensions        []string      `json:"file_extensions"`          // Extensions treated as JavaScript sources.
	MaxFileSize           int64         `json:"max_file_size"`            // Max bytes of a compiled source file.
	UseProjectIndex       bool          `json:"use_project_index"`        // Persist project membership in bbolt.
	IndexPath             string        `json:"index_path"`               // Index database file; empty uses the user cache dir.
	MaxProposals          int           `json:"max_proposals"`            // Max proposals returned per request.
	MemoryCacheTTL        time.Duration `json:"-"`                        // Derived duration, not from file.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	LogLevel              *string   `json:"log_level"`
	MemoryCacheTTLSeconds *int      `json:"memory_cache_ttl_seconds"`
	MaxParallelBuilds     *int      `json:"max_parallel_builds"`
	ManifestName          *string   `json:"manifest_name"`
	FileExtensions        *[]string `json:"file_extensions"`
	MaxFileSize           *int64    `json:"max_file_size"`
	UseProjectIndex       *bool     `json:"use_project_index"`
	IndexPath             *string   `json:"index_path"`
	MaxProposals          *int      `json:"max_proposals"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		LogLevel:              defaultLogLevel,
		MemoryCacheTTLSeconds: defaultMemoryCacheTTLSecs,
		MaxParallelBuilds:     defaultMaxParallelBuilds,
		ManifestName:          defaultManifestName,
		FileExtensions:        []string{".js"},
		MaxFileSize:           defaultMaxFileSize,
		UseProjectIndex:       true,
		MaxProposals:          defaultMaxProposals,
		MemoryCacheTTL:        time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return getDefaultConfig() }

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if c.MemoryCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: memory_cache_ttl_seconds is not positive, applying default.", "configured_value", c.MemoryCacheTTLSeconds, "default", tempDefault.MemoryCacheTTLSeconds)
		c.MemoryCacheTTLSeconds = tempDefault.MemoryCacheTTLSeconds
	}
	c.MemoryCacheTTL = time.Duration(c.MemoryCacheTTLSeconds) * time.Second

	if c.MaxParallelBuilds <= 0 {
		logger.Warn("Config validation: max_parallel_builds is not positive, applying default.", "configured_value", c.MaxParallelBuilds, "default", tempDefault.MaxParallelBuilds)
		c.MaxParallelBuilds = tempDefault.MaxParallelBuilds
	}
	if c.MaxFileSize <= 0 {
		logger.Warn("Config validation: max_file_size is not positive, applying default.", "configured_value", c.MaxFileSize, "default", tempDefault.MaxFileSize)
		c.MaxFileSize = tempDefault.MaxFileSize
	}
	if c.MaxProposals <= 0 {
		logger.Warn("Config validation: max_proposals is not positive, applying default.", "configured_value", c.MaxProposals, "default", tempDefault.MaxProposals)
		c.MaxProposals = tempDefault.MaxProposals
	}

	if strings.TrimSpace(c.ManifestName) == "" {
		logger.Warn("Config validation: manifest_name is empty, applying default.", "default", tempDefault.ManifestName)
		c.ManifestName = tempDefault.ManifestName
	} else if strings.ContainsAny(c.ManifestName, `/\`) {
		validationErrors = append(validationErrors, fmt.Errorf("manifest_name '%s' must be a bare file name", c.ManifestName))
		c.ManifestName = tempDefault.ManifestName
	}

	if len(c.FileExtensions) == 0 {
		logger.Warn("Config validation: file_extensions is empty, applying default.", "default", tempDefault.FileExtensions)
		c.FileExtensions = append([]string(nil), tempDefault.FileExtensions...)
	} else {
		for i, ext := range c.FileExtensions {
			if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
				validationErrors = append(validationErrors, fmt.Errorf("file extension '%s' must start with '.'", ext))
				continue
			}
			c.FileExtensions[i] = strings.ToLower(ext)
		}
	}

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// mergeFileConfig copies every field set in fileCfg onto cfg and reports how many were set.
func mergeFileConfig(cfg *Config, fileCfg FileConfig) int {
	merged := 0
	if fileCfg.LogLevel != nil {
		cfg.LogLevel = *fileCfg.LogLevel
		merged++
	}
	if fileCfg.MemoryCacheTTLSeconds != nil {
		cfg.MemoryCacheTTLSeconds = *fileCfg.MemoryCacheTTLSeconds
		merged++
	}
	if fileCfg.MaxParallelBuilds != nil {
		cfg.MaxParallelBuilds = *fileCfg.MaxParallelBuilds
		merged++
	}
	if fileCfg.ManifestName != nil {
		cfg.ManifestName = *fileCfg.ManifestName
		merged++
	}
	if fileCfg.FileExtensions != nil {
		cfg.FileExtensions = append([]string(nil), (*fileCfg.FileExtensions)...)
		merged++
	}
	if fileCfg.MaxFileSize != nil {
		cfg.MaxFileSize = *fileCfg.MaxFileSize
		merged++
	}
	if fileCfg.UseProjectIndex != nil {
		cfg.UseProjectIndex = *fileCfg.UseProjectIndex
		merged++
	}
	if fileCfg.IndexPath != nil {
		cfg.IndexPath = *fileCfg.IndexPath
		merged++
	}
	if fileCfg.MaxProposals != nil {
		cfg.MaxProposals = *fileCfg.MaxProposals
		merged++
	}
	return merged
}

// =============================================================================
// Resource Identity
// =============================================================================

// ProjectID identifies a project. Projects built from a manifest use the manifest's name.
type ProjectID string

// FileID identifies a source file by its absolute, slash-separated path.
type FileID string

// =============================================================================
// Compiler Fidelity
// =============================================================================

// Fidelity is the depth of analysis a compiled-tree snapshot reflects.
type Fidelity int

const (
	// FidelityStale means the unit's source changed after the tree was produced.
	FidelityStale Fidelity = iota
	// FidelitySyntax means the tree reflects the unit's current source. This is the "fast" level.
	FidelitySyntax
	// FidelityFull means the tree was produced by a project build and indexed.
	FidelityFull
)

func (f Fidelity) String() string {
	switch f {
	case FidelityStale:
		return "stale"
	case FidelitySyntax:
		return "syntax"
	case FidelityFull:
		return "full"
	default:
		return fmt.Sprintf("fidelity(%d)", int(f))
	}
}

// =============================================================================
// Proposal Types
// =============================================================================

// ProposalKind classifies a completion proposal.
type ProposalKind string

const (
	ProposalVariable ProposalKind = "variable"
	ProposalFunction ProposalKind = "function"
	ProposalClass    ProposalKind = "class"
	ProposalProperty ProposalKind = "property"
	ProposalGlobal   ProposalKind = "global" // Top-level symbol of another project file.
)

// Proposal is one completion candidate derived from an InvocationContext.
type Proposal struct {
	Label  string
	Kind   ProposalKind
	Detail string // e.g. the declaring file for project globals.
}
