package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var via string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve orchestrator tools over MCP stdio",
		Long: `Serve branch inspection, insights, approvals and audit replay as MCP tools
on stdin/stdout. Logs go to stderr.

Register with an MCP client, for example:
  {"command": "tmuxagent", "args": ["mcp", "--config", ".tmuxagent/orchestrator.yaml"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var approver mcp.Approver
			submit, closeFn, err := approvalSubmitter(cfg, via)
			if err != nil {
				a.logger.Warn(ctx, "approvals disabled", zap.Error(err))
			} else {
				defer closeFn()
				approver = mcp.ApproverFunc(submit)
			}

			srv, err := mcp.NewServer(&mcp.Config{
				Name:      "tmuxagent",
				Version:   version,
				Logger:    a.logger.Named("mcp"),
				AuditPath: cfg.Audit.Path,
			}, a.store, approver, a.redactor)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&via, "via", "", "approval transport: nats or http (default from approvals.nats)")
	cmd.Flags().StringVar(&serverURL, "server", "", "orchestrator API URL for http approvals")
	return cmd
}
