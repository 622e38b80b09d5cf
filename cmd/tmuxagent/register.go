package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

func newRegisterCmd() *cobra.Command {
	var (
		branch       string
		session      string
		title        string
		phases       []string
		dependsOn    []string
		requirements string
		remove       bool
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Track a branch and the tmux session working on it",
		Long: `Register a branch in the state store so the loop tracks it alongside
the tasks listed in the config file. Re-registering updates the session and
plan without touching history. --remove stops tracking the branch.

Examples:
  tmuxagent register --branch feature/login --session agent-login
  tmuxagent register --branch feature/api --session agent-api \
    --phases planning,build,review,done --depends-on feature/login
  tmuxagent register --branch feature/api --remove`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			branch = strings.TrimSpace(branch)
			if branch == "" {
				return fmt.Errorf("--branch is required")
			}
			if !remove && strings.TrimSpace(session) == "" {
				return fmt.Errorf("--session is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			out := cmd.OutOrStdout()
			if remove {
				if err := a.store.Delete(ctx, branch); err != nil {
					return fmt.Errorf("failed to remove %s: %w", branch, err)
				}
				fmt.Fprintf(out, "removed %s\n", branch)
				return nil
			}

			bs, err := a.store.Update(ctx, branch, func(bs *state.BranchState) error {
				bs.Session = strings.TrimSpace(session)
				if bs.Status == "" || bs.Status == "missing" {
					bs.Status = "active"
				}
				meta := &bs.Metadata
				if title != "" {
					meta.Title = title
				}
				if len(phases) > 0 {
					meta.PhasePlan = phases
				}
				if len(dependsOn) > 0 {
					meta.DependsOn = dependsOn
				}
				if requirements != "" {
					meta.RequirementsDoc = requirements
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to register %s: %w", branch, err)
			}
			fmt.Fprintf(out, "registered %s on session %s\n", bs.Branch, bs.Session)
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch name")
	cmd.Flags().StringVar(&session, "session", "", "tmux session running the agent")
	cmd.Flags().StringVar(&title, "title", "", "human-readable task title")
	cmd.Flags().StringSliceVar(&phases, "phases", nil, "planned phases, in order")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "branches that must complete first")
	cmd.Flags().StringVar(&requirements, "requirements", "", "requirements document to decompose into steps")
	cmd.Flags().BoolVar(&remove, "remove", false, "stop tracking the branch")
	return cmd
}
