// Package main implements the tmuxagent CLI.
//
// tmuxagent drives AI agents running in tmux sessions: every poll it reads
// each tracked branch's terminal, asks a decision provider what to do next
// and dispatches the resulting commands back into the session.
//
// Usage:
//
//	# Run the loop with the HTTP API
//	tmuxagent run --config .tmuxagent/orchestrator.yaml
//
//	# Inspect a running orchestrator
//	tmuxagent status
//	tmuxagent watch
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the orchestrator config file; empty probes the defaults.
	configPath string
	// dryRun forces dry-run mode regardless of the config file.
	dryRun bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tmuxagent",
		Short: "Orchestrate AI agents running in tmux sessions",
		Long: `tmuxagent reconciles git branches against the tmux sessions working on them.

Each cycle it captures terminal output, resolves finished commands, asks the
configured decision provider for next steps and dispatches them with
per-session cooldowns, approvals and failure suppression.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .tmuxagent/orchestrator.yaml)")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "decide but never send commands")

	root.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newReplayCmd(),
		newApproveCmd(),
		newRegisterCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tmuxagent\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
