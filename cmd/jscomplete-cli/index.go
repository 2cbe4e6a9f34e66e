package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "List the projects recorded in the project index",
	Args:  cobra.NoArgs,
	RunE:  runIndex,
}

func runIndex(cmd *cobra.Command, _ []string) error {
	completer, err := newCompleter(cmd)
	if err != nil {
		return err
	}
	defer closeCompleter(completer)

	projects, err := completer.IndexedProjects()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(projects) == 0 {
		fmt.Fprintln(out, "no indexed projects")
		return nil
	}
	for _, p := range projects {
		_, _ = labelColor.Fprintln(out, p)
	}
	return nil
}
