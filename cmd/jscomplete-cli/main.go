package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shehackedyou/jscomplete"
)

// Set at build time
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "jscomplete",
	Short:         "JavaScript completion from the command line",
	Long:          `jscomplete resolves completion contexts and manages the analysis state of JavaScript projects.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	labelColor  = color.New(color.FgGreen)
	detailColor = color.New(color.Faint)
	errorColor  = color.New(color.FgRed, color.Bold)
)

func main() {
	rootCmd.Version = version

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(indexCmd)

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")

	if err := rootCmd.Execute(); err != nil {
		_, _ = errorColor.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newCompleter loads the configuration, sets up the default logger from the
// --log-level flag or the config, and applies the --color flag.
func newCompleter(cmd *cobra.Command) (*jscomplete.Completer, error) {
	colorMode, err := cmd.Flags().GetString("color")
	if err != nil {
		return nil, err
	}
	switch colorMode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto":
	default:
		return nil, fmt.Errorf("invalid --color value %q (want auto|on|off)", colorMode)
	}

	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	completer, initErr := jscomplete.NewCompleter(tempLogger)
	if initErr != nil && !errors.Is(initErr, jscomplete.ErrConfig) {
		return nil, fmt.Errorf("initializing completer: %w", initErr)
	}
	if completer == nil {
		return nil, errors.New("completer initialization returned nil")
	}

	chosenLevel := completer.GetCurrentConfig().LogLevel
	flagLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		completer.Close()
		return nil, err
	}
	if flagLevel != "" {
		chosenLevel = flagLevel
	}
	logLevel, parseErr := jscomplete.ParseLogLevel(chosenLevel)
	if parseErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLevel, "error", parseErr)
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	if initErr != nil {
		slog.Warn("Completer initialized with configuration warnings", "error", initErr)
	}
	return completer, nil
}

// closeCompleter closes c, logging failures.
func closeCompleter(c *jscomplete.Completer) {
	if err := c.Close(); err != nil {
		slog.Error("Error closing completer", "error", err)
	}
}

// projectRoot resolves the project root for a path argument: the directory
// holding the nearest manifest, or the directory itself when there is none.
func projectRoot(arg, manifestName string) (string, error) {
	if arg == "" {
		arg = "."
	}
	dir, err := jscomplete.ValidateAndGetFilePath(arg, nil)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		dir = parentDir(dir)
	}
	manifestPath, found, err := jscomplete.FindProjectManifest(dir, manifestName)
	if err != nil {
		return "", err
	}
	if !found {
		return dir, nil
	}
	return parentDir(manifestPath), nil
}
