package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/jscomplete"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve --file <path> (--offset N | --line L --col C)",
	Short: "Resolve the completion context at a position and list proposals",
	Long: `Resolve opens the project containing the file, resolves the invocation
context at the given position and prints the prefix, the qualified path, the
syntax node under the caret and the completion proposals.`,
	Args: cobra.NoArgs,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().String("file", "", "JavaScript file to complete in (required)")
	resolveCmd.Flags().Int("offset", -1, "0-based byte offset of the caret")
	resolveCmd.Flags().Int("line", 0, "1-based line of the caret")
	resolveCmd.Flags().Int("col", 0, "1-based byte column of the caret")
	resolveCmd.Flags().Duration("timeout", time.Minute, "maximum time for the project build and completion")
	_ = resolveCmd.MarkFlagRequired("file")
}

func runResolve(cmd *cobra.Command, _ []string) error {
	filePath, err := cmd.Flags().GetString("file")
	if err != nil {
		return err
	}
	offset, err := cmd.Flags().GetInt("offset")
	if err != nil {
		return err
	}
	line, err := cmd.Flags().GetInt("line")
	if err != nil {
		return err
	}
	col, err := cmd.Flags().GetInt("col")
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	if offset >= 0 && (line != 0 || col != 0) {
		return errors.New("--offset cannot be combined with --line/--col")
	}
	if offset < 0 && (line <= 0 || col <= 0) {
		return errors.New("either --offset or positive --line and --col are required")
	}

	completer, err := newCompleter(cmd)
	if err != nil {
		return err
	}
	defer closeCompleter(completer)

	absPath, err := jscomplete.ValidateAndGetFilePath(filePath, slog.Default())
	if err != nil {
		return err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", absPath, err)
	}
	if offset < 0 {
		if offset, err = lineColToOffset(content, line, col); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	project, err := completer.EnsureProjectForFile(ctx, jscomplete.FileIDFromPath(absPath))
	if err != nil {
		slog.Warn("Project unavailable, completing from the file alone", "error", err)
	}
	uri, err := jscomplete.PathToURI(absPath)
	if err != nil {
		return err
	}
	doc, err := completer.OpenDocument(ctx, jscomplete.DocumentURI(uri), 0, content)
	if err != nil {
		return err
	}
	defer completer.CloseDocument(doc.URI)

	proposals, ictx, err := completer.Complete(ctx, doc, offset)
	if err != nil {
		return err
	}
	printContext(cmd.OutOrStdout(), project, ictx)
	printProposals(cmd.OutOrStdout(), proposals)
	return nil
}

// lineColToOffset converts a 1-based line and byte column into a byte offset.
// A column past the end of the line is clamped to the line end.
func lineColToOffset(content []byte, line, col int) (int, error) {
	start := 0
	for l := 1; l < line; l++ {
		nl := bytes.IndexByte(content[start:], '\n')
		if nl < 0 {
			return 0, fmt.Errorf("line %d is past the end of the file (%d lines)", line, l)
		}
		start += nl + 1
	}
	end := len(content)
	if nl := bytes.IndexByte(content[start:], '\n'); nl >= 0 {
		end = start + nl
	}
	return min(start+col-1, end), nil
}

func printContext(out io.Writer, project jscomplete.ProjectID, ictx *jscomplete.InvocationContext) {
	_, _ = headerColor.Fprintln(out, "context")
	if project != "" {
		fmt.Fprintf(out, "  project:  %s\n", project)
	}
	fmt.Fprintf(out, "  offset:   %d (prefix %d, path %d)\n", ictx.InvocationOffset, ictx.PrefixOffset, ictx.PathOffset)
	fmt.Fprintf(out, "  prefix:   %q\n", ictx.Prefix())
	fmt.Fprintf(out, "  path:     %s\n", strings.Join(ictx.QualifiedPath(), "."))
	if !ictx.HasNode() {
		fmt.Fprintf(out, "  node:     %s\n", detailColor.Sprint("unavailable"))
		return
	}
	if node := ictx.Node(); node != nil {
		fmt.Fprintf(out, "  node:     %s [%d,%d)\n", node.Kind(), node.StartOffset(), node.EndOffset())
	} else {
		fmt.Fprintf(out, "  node:     %s\n", detailColor.Sprint("none"))
	}
	fmt.Fprintf(out, "  fidelity: %s\n", ictx.Run().Fidelity())
}

func printProposals(out io.Writer, proposals []jscomplete.Proposal) {
	_, _ = headerColor.Fprintf(out, "proposals (%d)\n", len(proposals))
	for _, p := range proposals {
		fmt.Fprintf(out, "  %s %s", labelColor.Sprint(p.Label), detailColor.Sprintf("%s", p.Kind))
		if p.Detail != "" {
			fmt.Fprintf(out, " %s", detailColor.Sprint(p.Detail))
		}
		fmt.Fprintln(out)
	}
}
