// jscomplete/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events (e.g., configuration changes).
package jscomplete

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration handles configuration changes from the client.
// Settings are read from the "jscomplete" section, or from the top level when
// the client sends them flat.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	logger.Info("Handling workspace/didChangeConfiguration")

	fileCfg, err := decodeSettings(params.Settings)
	if err != nil {
		logger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", err, "raw_settings", string(params.Settings))
		return nil, nil
	}

	newConfig := s.completer.GetCurrentConfig()
	mergedFields := mergeFileConfig(&newConfig, fileCfg)
	if mergedFields == 0 {
		logger.Debug("No relevant configuration changes found in workspace/didChangeConfiguration notification")
		return nil, nil
	}

	logger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
	if err := s.completer.UpdateConfig(newConfig); err != nil {
		logger.Error("Failed to apply updated configuration", "error", err)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return nil, nil
	}
	s.config = s.completer.GetCurrentConfig()

	if s.levelVar != nil {
		newLevel, parseErr := ParseLogLevel(s.config.LogLevel)
		if parseErr != nil {
			logger.Warn("Cannot update logger level due to parse error", "level_string", s.config.LogLevel, "error", parseErr)
		} else if newLevel != s.levelVar.Level() {
			s.levelVar.Set(newLevel)
			logger.Info("Log level updated", "new_level", newLevel)
		}
	}
	logger.Info("Server configuration updated successfully via workspace/didChangeConfiguration")
	return nil, nil
}

// decodeSettings extracts a FileConfig from didChangeConfiguration settings.
func decodeSettings(raw json.RawMessage) (FileConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return FileConfig{}, nil
	}
	var nested struct {
		JSComplete *FileConfig `json:"jscomplete"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.JSComplete != nil {
		return *nested.JSComplete, nil
	}
	var direct FileConfig
	if err := json.Unmarshal(raw, &direct); err != nil {
		return FileConfig{}, err
	}
	return direct, nil
}
