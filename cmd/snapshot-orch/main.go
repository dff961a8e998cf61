package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "snapshot-orch",
		Short: "PR Snapshot Orchestrator - visual diffs for pull requests",
		Long: `PR Snapshot Orchestrator runs a coding agent in an isolated sandbox for
each triggered pull request. The agent boots the changed application,
captures screenshots of the affected routes, and the orchestrator posts
them back to the PR as a comment.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
