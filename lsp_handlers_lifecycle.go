// jscomplete/lsp_handlers_lifecycle.go
// Contains LSP method handlers related to the server lifecycle (initialize, shutdown, exit).
package jscomplete

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Lifecycle Method Handlers
// ============================================================================

// handleInitialize handles the 'initialize' request.
// It stores client capabilities, opens the workspace projects in the
// background, and returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	clientName, clientVersion := "", ""
	if params.ClientInfo != nil {
		clientName, clientVersion = params.ClientInfo.Name, params.ClientInfo.Version
	}
	logger.Info("Handling initialize request", "client_name", clientName, "client_version", clientVersion)

	serverCapabilities := ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    TextDocumentSyncKindFull,
		},
		CompletionProvider: &CompletionOptions{
			TriggerCharacters: []string{"."},
		},
	}
	result := InitializeResult{
		Capabilities: serverCapabilities,
		ServerInfo:   s.serverInfo,
	}

	s.clientCaps = params.Capabilities
	s.initParams = &params

	roots := make([]DocumentURI, 0, len(params.WorkspaceFolders)+1)
	for _, folder := range params.WorkspaceFolders {
		roots = append(roots, folder.URI)
	}
	if len(roots) == 0 && params.RootURI != "" {
		roots = append(roots, params.RootURI)
	}
	for _, rootURI := range roots {
		s.openWorkspaceRoot(rootURI, logger)
	}

	logger.Info("Initialization successful", "server_capabilities", result.Capabilities, "workspace_roots", len(roots))
	return result, nil
}

// openWorkspaceRoot opens the project at a workspace root in the background
// when the root carries a project manifest.
func (s *Server) openWorkspaceRoot(rootURI DocumentURI, logger *slog.Logger) {
	root, err := ValidateAndGetFilePath(string(rootURI), logger)
	if err != nil {
		logger.Warn("Ignoring invalid workspace root", "uri", rootURI, "error", err)
		return
	}
	manifestName := s.completer.GetCurrentConfig().ManifestName
	s.goBackground(func(ctx context.Context) {
		manifestPath, found, err := FindProjectManifest(root, manifestName)
		if err != nil || !found {
			logger.Debug("No project manifest for workspace root", "root", root, "error", err)
			return
		}
		res, err := s.completer.OpenProject(ctx, filepath.Dir(manifestPath))
		if err != nil {
			logger.Warn("Failed to open workspace project", "root", root, "error", err)
			return
		}
		logger.Info("Workspace project ready", "project", res.Project, "files", len(res.Files), "restored", res.Restored)
	})
}

// handleShutdown handles the 'shutdown' request.
// The server stops accepting requests and background builds are cancelled,
// but the process does not exit until 'exit'.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	s.shutdown.Store(true)
	s.stopBackground()
	return nil, nil
}

// handleExit handles the 'exit' notification.
// Closing the connection signals the Run loop to return.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification")
	if s.conn != nil {
		s.conn.Close()
	}
	return nil, nil
}

// ShutdownRequested reports whether the client sent 'shutdown' before 'exit'.
func (s *Server) ShutdownRequested() bool {
	return s.shutdown.Load()
}
