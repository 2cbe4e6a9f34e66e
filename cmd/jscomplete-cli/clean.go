package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/jscomplete"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [path]",
	Short: "Remove a project's analysis state from the project index",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClean,
}

func runClean(cmd *cobra.Command, args []string) error {
	completer, err := newCompleter(cmd)
	if err != nil {
		return err
	}
	defer closeCompleter(completer)

	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	manifestName := completer.GetCurrentConfig().ManifestName
	root, err := projectRoot(arg, manifestName)
	if err != nil {
		return err
	}
	manifest, err := jscomplete.LoadProjectManifest(root, manifestName)
	if err != nil {
		return err
	}
	if err := completer.CleanProject(manifest.ID()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", manifest.ID())
	return nil
}

func parentDir(path string) string { return filepath.Dir(path) }
