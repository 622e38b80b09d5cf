package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haizhouyuan/tmuxagent/internal/audit"
)

func newReplayCmd() *cobra.Command {
	var (
		branch string
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Summarize the audit log",
		Long: `Summarize the JSONL audit log: event counts, the last command and summary,
the deepest queue and the most recent samples.

Examples:
  tmuxagent replay
  tmuxagent replay --branch feature/login
  tmuxagent replay --audit /tmp/audit.jsonl --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Audit.Path
			}
			events, err := audit.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read audit log %s: %w", path, err)
			}
			if branch != "" {
				events = audit.Filter(events, branch)
			}
			summary := audit.Summarize(events)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			source := path
			if branch != "" {
				source = path + " (" + branch + ")"
			}
			return summary.Render(cmd.OutOrStdout(), source)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "only replay events for this branch")
	cmd.Flags().StringVar(&path, "audit", "", "audit log path (default audit.path from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}
