// jscomplete/lsp_server.go
// Implements the Language Server Protocol (LSP) server loop, request routing,
// cancellation tracking and expvar metrics.
package jscomplete

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// Server represents the LSP server instance.
type Server struct {
	conn           *jsonrpc2.Conn
	logger         *slog.Logger
	levelVar       *slog.LevelVar // nil when the log level is fixed
	completer      *Completer
	docs           map[DocumentURI]*TextDocument
	docsMu         sync.RWMutex
	config         Config
	clientCaps     ClientCapabilities
	serverInfo     *ServerInfo
	initParams     *InitializeParams
	requestTracker *RequestTracker

	bgCtx    context.Context // cancelled on shutdown; parents background builds
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	shutdown atomic.Bool
}

// NewServer creates a new LSP server instance. levelVar, if non-nil, is the
// level of logger's handler and follows log_level configuration changes.
func NewServer(completer *Completer, logger *slog.Logger, levelVar *slog.LevelVar, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		logger:    logger.With("component", "LSPServer"),
		levelVar:  levelVar,
		completer: completer,
		docs:      make(map[DocumentURI]*TextDocument),
		config:    completer.GetCurrentConfig(),
		serverInfo: &ServerInfo{
			Name:    "jscomplete LSP",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
		bgCtx:          bgCtx,
		bgCancel:       bgCancel,
	}
	publishExpvarMetrics(s)
	return s
}

// Run serves LSP over r/w until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting LSP server run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewBufferedStream(stream, jsonrpc2.VSCodeObjectCodec{})
	handler := jsonrpc2.HandlerWithError(s.handle)

	// Requests are handled in arrival order so that edits are applied before later completions.
	s.conn = jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.logger.Info("JSON-RPC connection established")

	<-s.conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")
	s.stopBackground()
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	if !req.Notif {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", stack)

			panicData, marshalErr := json.Marshal(fmt.Sprintf("Panic: %v", r))
			if marshalErr != nil {
				panicData = json.RawMessage(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)
			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	if !req.Notif {
		ctx = s.requestTracker.Add(req.ID, ctx)
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default:
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}

	if s.shutdown.Load() && req.Method != "exit" {
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server is shutting down"}
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal initialize params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid initialize params: %v", err)}
		}
		return s.handleInitialize(ctx, conn, req, params, methodLogger)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		return s.handleShutdown(ctx, conn, req, methodLogger)

	case "exit":
		return s.handleExit(ctx, conn, req, methodLogger)

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil
		}
		return s.handleDidOpen(ctx, conn, req, params, methodLogger)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil
		}
		return s.handleDidChange(ctx, conn, req, params, methodLogger)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil
		}
		return s.handleDidClose(ctx, conn, req, params, methodLogger)

	case "textDocument/completion":
		var params CompletionParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal completion params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid completion params: %v", err)}
		}
		return s.handleCompletion(ctx, conn, req, params, methodLogger)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params, methodLogger)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Debug("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		if req.Notif {
			methodLogger.Debug("Ignoring unhandled notification")
			return nil, nil
		}
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// ============================================================================
// Open Documents
// ============================================================================

func (s *Server) document(uri DocumentURI) (*TextDocument, bool) {
	s.docsMu.RLock()
	defer s.docsMu.RUnlock()
	doc, ok := s.docs[uri]
	return doc, ok
}

func (s *Server) setDocument(doc *TextDocument) {
	s.docsMu.Lock()
	s.docs[doc.URI] = doc
	s.docsMu.Unlock()
}

func (s *Server) removeDocument(uri DocumentURI) {
	s.docsMu.Lock()
	delete(s.docs, uri)
	s.docsMu.Unlock()
}

// goBackground runs fn with the server's background context.
func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic recovered in background task", "panic_value", r, "stack", string(debug.Stack()))
			}
		}()
		fn(s.bgCtx)
	}()
}

func (s *Server) stopBackground() {
	s.bgCancel()
	s.bgWG.Wait()
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(msgType MessageType, message string) {
	if s.conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := s.conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	}
}

// ============================================================================
// Metrics
// ============================================================================

var (
	metricsOnce   sync.Once
	metricsServer atomic.Pointer[Server]
)

// publishExpvarMetrics publishes server metrics once per process; the values
// always reflect the most recently created server.
func publishExpvarMetrics(s *Server) {
	metricsServer.Store(s)
	metricsOnce.Do(func() {
		startTime := time.Now()
		current := func() *Server { return metricsServer.Load() }
		cacheMetric := func(pick func(*ristretto.Metrics) uint64) expvar.Func {
			return func() any {
				srv := current()
				if srv == nil || srv.completer == nil {
					return 0
				}
				m := srv.completer.GetMemoryCacheMetrics()
				if m == nil {
					return 0
				}
				return pick(m)
			}
		}

		expvar.Publish("serverInfo", expvar.Func(func() any {
			if srv := current(); srv != nil {
				return srv.serverInfo
			}
			return nil
		}))
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		expvar.Publish("lsp.openFiles", expvar.Func(func() any {
			srv := current()
			if srv == nil {
				return 0
			}
			srv.docsMu.RLock()
			defer srv.docsMu.RUnlock()
			return len(srv.docs)
		}))
		expvar.Publish("lsp.pendingRequests", expvar.Func(func() any {
			if srv := current(); srv != nil {
				return srv.requestTracker.Count()
			}
			return 0
		}))
		expvar.Publish("cache.memory.hits", cacheMetric((*ristretto.Metrics).Hits))
		expvar.Publish("cache.memory.misses", cacheMetric((*ristretto.Metrics).Misses))
		expvar.Publish("cache.memory.costAdded", cacheMetric((*ristretto.Metrics).CostAdded))
		expvar.Publish("cache.memory.costEvicted", cacheMetric((*ristretto.Metrics).CostEvicted))
		expvar.Publish("cache.memory.keysAdded", cacheMetric((*ristretto.Metrics).KeysAdded))
		expvar.Publish("cache.memory.keysEvicted", cacheMetric((*ristretto.Metrics).KeysEvicted))
	})
	s.logger.Debug("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing LSP requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers a request ID and returns a context cancelled by Cancel(id).
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prev, dup := rt.requests[id]; dup {
		prev()
	}
	rt.requests[id] = cancel
	return reqCtx
}

// Remove deregisters a request ID and releases its context.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	delete(rt.requests, id)
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Cancel finds the cancel function for a request ID and calls it.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		slog.Debug("Calling cancel function for request", "id", id)
		cancel()
	} else {
		slog.Debug("Cancel function not found for request ID", "id", id)
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
