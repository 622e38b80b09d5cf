package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/config"
)

func newApproveCmd() *cobra.Command {
	var (
		command string
		via     string
	)
	cmd := &cobra.Command{
		Use:   "approve <branch> [approve|deny|clear]",
		Short: "Answer held commands or clear failure blockers",
		Long: `Send an operator response to the running orchestrator.

approve releases held commands, deny drops them and clear lifts failure
blockers. --command limits the response to one held command; without it
every held command on the branch is answered. The action defaults to approve.

Responses travel over NATS when approvals.nats is enabled, otherwise
through the HTTP API.

Examples:
  tmuxagent approve feature/login
  tmuxagent approve feature/login deny --command "git push --force"
  tmuxagent approve feature/login clear --via http`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resp := approval.Response{
				Branch:  args[0],
				Action:  approval.ActionApprove,
				Command: command,
				Source:  "cli",
				At:      time.Now().UTC(),
			}
			if len(args) == 2 {
				resp.Action = approval.Action(args[1])
			}
			resp = resp.Normalize()
			if err := resp.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			submit, closeFn, err := approvalSubmitter(cfg, via)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := submit(ctx, resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s for %s\n", resp.Action, resp.Branch)
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "only answer the held command with this text")
	cmd.Flags().StringVar(&via, "via", "", "transport: nats or http (default from approvals.nats)")
	cmd.Flags().StringVar(&serverURL, "server", "", "orchestrator API URL for --via http")
	return cmd
}

// approvalSubmitter picks the transport that reaches the orchestrator's inbox.
func approvalSubmitter(cfg *config.Config, via string) (func(context.Context, approval.Response) error, func(), error) {
	if via == "" {
		via = "http"
		if cfg.Approvals.NATS {
			via = "nats"
		}
	}
	switch via {
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("tmuxagent-approve"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		submit := func(ctx context.Context, r approval.Response) error {
			return approval.Publish(ctx, nc, cfg.Approvals.Subject, r)
		}
		return submit, nc.Close, nil
	case "http":
		client := &http.Client{Timeout: 10 * time.Second}
		base := apiURL(cfg)
		submit := func(ctx context.Context, r approval.Response) error {
			return approval.Post(ctx, client, base, r)
		}
		return submit, func() {}, nil
	default:
		return nil, nil, errors.New("--via must be nats or http")
	}
}
