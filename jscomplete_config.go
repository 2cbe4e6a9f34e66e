// jscomplete/jscomplete_config.go
// Configuration loading, merging and persistence.
package jscomplete

import (
	"encoding/json"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig loads configuration from standard locations, merges with defaults,
// validates, and attempts to write a default config if needed.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	candidates := []string{primaryPath}
	if secondaryPath != primaryPath {
		candidates = append(candidates, secondaryPath)
	}
	for _, path := range candidates {
		if path == "" || loadedFromFile {
			continue
		}
		logger.Debug("Attempting to load config", "path", path)
		loaded, loadErr := LoadAndMergeConfig(path, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil && strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", path, loadErr))
			logger.Warn("Failed to load or merge config", "path", path, "error", loadErr)
			continue
		}
		if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", path)
		}
	}

	if !loadedFromFile || configParseError != nil {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		if writePath != "" {
			if configParseError != nil {
				logger.Warn("Existing config file failed to parse. Attempting to write default.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
			}
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		} else {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			logger.Error("FATAL: Default config definition is invalid", "error", valErr)
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// GetConfigPaths returns the primary ($XDG_CONFIG_HOME) and secondary (~/.config) config file paths.
func GetConfigPaths(logger *stdslog.Logger) (primary string, secondary string, err error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	var cfgErr, homeErr error

	userConfigDir, cfgErr := os.UserConfigDir()
	if cfgErr == nil {
		primary = filepath.Join(userConfigDir, configDirName, defaultConfigFileName)
	} else {
		logger.Warn("Could not determine user config directory", "error", cfgErr)
	}

	homeDir, homeErr := os.UserHomeDir()
	if homeErr == nil {
		secondary = filepath.Join(homeDir, ".config", configDirName, defaultConfigFileName)
	} else {
		logger.Warn("Could not determine user home directory", "error", homeErr)
	}

	if primary == "" && secondary != "" {
		primary = secondary
	}
	if primary == "" && secondary == "" {
		err = fmt.Errorf("cannot determine config paths: %w", errors.Join(cfgErr, homeErr))
	}
	return primary, secondary, err
}

// LoadAndMergeConfig reads the JSON config at path and merges set fields into cfg.
// Returns false with a nil error if the file does not exist.
func LoadAndMergeConfig(path string, cfg *Config, logger *stdslog.Logger) (bool, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Config file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		logger.Warn("Config file is empty, ignoring", "path", path)
		return false, nil
	}

	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return false, fmt.Errorf("parsing config file JSON %s: %w", path, err)
	}
	merged := mergeFileConfig(cfg, fileCfg)
	logger.Debug("Merged config file", "path", path, "fields_merged", merged)
	return true, nil
}

// WriteDefaultConfig writes cfg as indented JSON to path, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *stdslog.Logger) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing default config to %s: %w", path, err)
	}
	logger.Info("Wrote default config", "path", path)
	return nil
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a slog.Level.
func ParseLogLevel(level string) (stdslog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return stdslog.LevelDebug, nil
	case "info":
		return stdslog.LevelInfo, nil
	case "warn", "warning":
		return stdslog.LevelWarn, nil
	case "error", "err":
		return stdslog.LevelError, nil
	default:
		return stdslog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
