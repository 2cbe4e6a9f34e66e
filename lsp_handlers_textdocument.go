// jscomplete/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and
// completion (didOpen, didChange, didClose, completion).
package jscomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

const completionTimeout = 5 * time.Second

// ============================================================================
// LSP Text Document Method Handlers
// ============================================================================

// handleDidOpen handles the 'textDocument/didOpen' notification.
// It registers the buffer with the completer and opens the enclosing project
// in the background.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	content := []byte(params.TextDocument.Text)
	openLogger := logger.With("uri", uri, "version", version, "size", len(content))
	openLogger.Info("Handling textDocument/didOpen")

	doc, err := s.completer.OpenDocument(ctx, uri, version, content)
	if err != nil {
		openLogger.Error("Failed to open document", "error", err)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Invalid document: %v", err))
		return nil, nil
	}
	s.setDocument(doc)

	path, _ := ValidateAndGetFilePath(string(uri), openLogger)
	file := FileIDFromPath(path)
	if _, known := s.completer.ProjectForFile(file); !known {
		s.goBackground(func(bgCtx context.Context) {
			project, err := s.completer.EnsureProjectForFile(bgCtx, file)
			if err != nil {
				openLogger.Warn("Failed to open project for document", "error", err)
				return
			}
			if project != "" {
				openLogger.Info("Project ready for document", "project", project)
			}
		})
	}
	return nil, nil
}

// handleDidChange handles the 'textDocument/didChange' notification.
// Only full sync is supported; the last change carries the whole document.
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newContent := []byte(params.ContentChanges[len(params.ContentChanges)-1].Text)
	changeLogger.Debug("Handling textDocument/didChange", "new_size", len(newContent))

	if current, exists := s.document(uri); exists && version <= current.Version {
		changeLogger.Warn("Ignoring out-of-order didChange notification", "received_version", version, "current_version", current.Version)
		return nil, nil
	}
	doc, err := s.completer.UpdateDocument(ctx, uri, version, newContent)
	if err != nil {
		changeLogger.Warn("Failed to apply document change", "error", err)
		return nil, nil
	}
	s.setDocument(doc)
	return nil, nil
}

// handleDidClose handles the 'textDocument/didClose' notification.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	logger.Info("Handling textDocument/didClose", "uri", uri)
	s.completer.CloseDocument(uri)
	s.removeDocument(uri)
	return nil, nil
}

// handleCompletion resolves the invocation context at the requested position
// and returns the matching proposals.
func (s *Server) handleCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CompletionParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	lspPos := params.Position
	completionLogger := logger.With("uri", uri, "lsp_line", lspPos.Line, "lsp_char", lspPos.Character)
	completionLogger.Debug("Handling textDocument/completion")

	doc, ok := s.document(uri)
	if !ok {
		completionLogger.Warn("Completion request for unknown file")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("document not open: %s", uri)}
	}
	content := []byte(doc.Text())

	_, _, offset, posErr := LspPositionToBytePosition(content, lspPos, completionLogger)
	if posErr != nil {
		completionLogger.Error("Failed to convert LSP position to byte position", "error", posErr)
		return CompletionList{IsIncomplete: false, Items: []CompletionItem{}}, nil
	}

	completionCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	start := time.Now()
	proposals, ictx, err := s.completer.Complete(completionCtx, doc, offset)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			completionLogger.Info("Completion request cancelled")
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Completion request cancelled"}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			completionLogger.Warn("Completion request timed out")
			return CompletionList{IsIncomplete: true, Items: []CompletionItem{}}, nil
		}
		completionLogger.Error("Completion failed", "error", err)
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: fmt.Sprintf("completion failed: %v", err)}
	}

	items := proposalsToCompletionItems(proposals, ictx, content, completionLogger)
	completionLogger.Info("Completion successful",
		"items", len(items),
		"prefix", ictx.Prefix(),
		"has_node", ictx.HasNode(),
		"duration", time.Since(start),
	)
	return CompletionList{IsIncomplete: false, Items: items}, nil
}
