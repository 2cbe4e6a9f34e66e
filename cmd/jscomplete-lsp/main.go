package main

import (
	"errors"
	"expvar"
	"io"
	stlog "log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/jscomplete"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

var rootCmd = &cobra.Command{
	Use:          "jscomplete-lsp",
	Short:        "JavaScript completion language server",
	Long:         "jscomplete-lsp serves JavaScript completion over the Language Server Protocol on stdin/stdout.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runServer,
}

func main() {
	rootCmd.Version = appVersion
	rootCmd.Flags().String("log-file", "jscomplete-lsp.log", "file receiving server logs in addition to stderr")
	rootCmd.Flags().String("debug-addr", "localhost:6061", "address of the pprof/expvar server (empty disables it)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	logPath, err := cmd.Flags().GetString("log-file")
	if err != nil {
		return err
	}
	debugAddr, err := cmd.Flags().GetString("debug-addr")
	if err != nil {
		return err
	}

	// --- Basic Setup ---
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	logWriter := io.MultiWriter(os.Stderr, logFile)

	// The level starts at info and follows the configuration once it is loaded.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true}))
	slog.SetDefault(logger)

	// --- Initialize Core Service ---
	completer, initErr := jscomplete.NewCompleter(logger)
	if initErr != nil {
		logger.Error("Failed to initialize Completer service", "error", initErr)
		if !errors.Is(initErr, jscomplete.ErrConfig) || completer == nil {
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing Completer service...")
		if err := completer.Close(); err != nil {
			slog.Error("Error closing completer", "error", err)
		}
	}()

	initialConfig := completer.GetCurrentConfig()
	logLevel, parseLevelErr := jscomplete.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	levelVar.Set(logLevel)

	slog.Info("jscomplete LSP server starting...", "version", appVersion, "log_level", logLevel.String())

	// --- Setup Profiling & Metrics ---
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	if debugAddr != "" {
		startDebugServer(debugAddr)
	}

	// --- Initialize and Run LSP Server ---
	lspServer := jscomplete.NewServer(completer, logger, levelVar, appVersion)
	lspServer.Run(os.Stdin, os.Stdout)

	if !lspServer.ShutdownRequested() {
		slog.Warn("Connection closed without a shutdown request")
		// Deferred Close does not run after os.Exit.
		if err := completer.Close(); err != nil {
			slog.Error("Error closing completer", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("LSP server has shut down gracefully.")
	return nil
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer(addr string) {
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", addr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/cmdline", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/profile", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/symbol", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/trace", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(addr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
