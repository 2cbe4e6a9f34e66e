package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build [path]",
	Short: "Build a JavaScript project and record it in the project index",
	Long:  "Compile every source file of the project containing path, its referenced projects first.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().Bool("restore", false, "reuse the project index entry when it is still valid")
}

func runBuild(cmd *cobra.Command, args []string) error {
	restore, err := cmd.Flags().GetBool("restore")
	if err != nil {
		return err
	}
	completer, err := newCompleter(cmd)
	if err != nil {
		return err
	}
	defer closeCompleter(completer)

	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	root, err := projectRoot(arg, completer.GetCurrentConfig().ManifestName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	build := completer.BuildProject
	if restore {
		build = completer.OpenProject
	}
	res, err := build(ctx, root)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = headerColor.Fprintf(out, "%s", res.Project)
	fmt.Fprintf(out, " %s\n", res.Root)
	fmt.Fprintf(out, "  files:      %d\n", len(res.Files))
	if len(res.References) > 0 {
		fmt.Fprintf(out, "  references: %v\n", res.References)
	}
	if res.Restored {
		fmt.Fprintf(out, "  restored from index\n")
	}
	fmt.Fprintf(out, "  duration:   %s\n", res.Duration)
	for _, fileErr := range res.FileErrors {
		_, _ = errorColor.Fprint(out, "  error: ")
		fmt.Fprintln(out, fileErr)
	}
	if len(res.FileErrors) > 0 {
		return fmt.Errorf("%d file(s) failed to compile", len(res.FileErrors))
	}
	return nil
}
