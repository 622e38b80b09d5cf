package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/haizhouyuan/tmuxagent/internal/config"
	api "github.com/haizhouyuan/tmuxagent/internal/http"
	"github.com/haizhouyuan/tmuxagent/internal/monitor"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// serverURL is the orchestrator API base URL; empty derives it from config.
var serverURL string

func apiURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	return "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func newStatusCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a table of tracked branches",
		Long: `Print a table of tracked branches with phase, in-flight command and blockers.

By default the running orchestrator's API is queried. --local reads the
state store directly, which works while the orchestrator is stopped.

Examples:
  tmuxagent status
  tmuxagent status --local
  tmuxagent status --server http://127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var branches []api.BranchSummary
			header := ""
			if local {
				branches, err = localBranches(ctx, cfg)
				header = "store: " + cfg.Store.Backend
			} else {
				client := monitor.NewClient(apiURL(cfg))
				var status api.StatusResponse
				status, err = client.Status(ctx)
				if err == nil {
					header = fmt.Sprintf("cycle %d  state %s  branches %d", status.Cycle, status.State, status.Counts.Total)
					branches, err = client.Branches(ctx)
				}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, header)
			if len(branches) == 0 {
				fmt.Fprintln(out, "no tracked branches")
				return nil
			}
			fmt.Fprintln(out, monitor.RenderBranchTable(branches, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read the state store instead of the API")
	cmd.Flags().StringVar(&serverURL, "server", "", "orchestrator API URL (default from server.host/port)")
	return cmd
}

// localBranches summarizes the state store without a running orchestrator.
func localBranches(ctx context.Context, cfg *config.Config) ([]api.BranchSummary, error) {
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	defer a.Close(ctx)
	return summarizeStore(ctx, a.store)
}

func summarizeStore(ctx context.Context, store state.Store) ([]api.BranchSummary, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	out := make([]api.BranchSummary, 0, len(all))
	for _, bs := range all {
		out = append(out, api.SummarizeBranch(bs))
	}
	return out, nil
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the live dashboard",
		Long: `Open a terminal dashboard that polls the orchestrator API.

Keys: q quits, r refreshes immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := tea.NewProgram(monitor.NewModel(apiURL(cfg), interval), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().StringVar(&serverURL, "server", "", "orchestrator API URL (default from server.host/port)")
	return cmd
}
