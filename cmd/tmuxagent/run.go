package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	api "github.com/haizhouyuan/tmuxagent/internal/http"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop",
		Long: `Run the reconciliation loop until interrupted.

The HTTP API (health, metrics, status, approvals) is served alongside the
loop when server.enabled is true. SIGINT or SIGTERM stops the loop and
shuts the server down gracefully.

Examples:
  # Run with the project config
  tmuxagent run

  # Decide without sending anything
  tmuxagent run --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLoop(ctx)
		},
	}
}

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			if err := a.buildLoop(ctx); err != nil {
				return err
			}
			return a.loop.RunOnce(ctx)
		},
	}
}

// runLoop blocks until ctx is cancelled or the HTTP server fails.
func runLoop(ctx context.Context) error {
	started := time.Now()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.buildLoop(ctx); err != nil {
		return err
	}
	logger := a.logger

	logger.Info(ctx, "starting tmuxagent",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.String("decision_provider", cfg.Decision.Provider),
		zap.Int("tasks", len(cfg.Tasks)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Prompts.Watch {
		go func() {
			if err := a.prompts.Watch(ctx, logger, nil); err != nil {
				logger.Warn(ctx, "prompt watcher stopped", zap.Error(err))
			}
		}()
	}

	serverErr := make(chan error, 1)
	var srv *api.Server
	if cfg.Server.Enabled {
		srv, err = api.NewServer(api.Deps{
			Store:    a.store,
			Loop:     a.loop,
			Inbox:    a.inbox,
			Gatherer: a.registry,
			Redactor: a.redactor,
			Metrics:  api.NewAPIMetrics(logger),
			Logger:   logger.Named("http"),
		}, &api.Config{
			Host:       cfg.Server.Host,
			Port:       cfg.Server.Port,
			StaleAfter: 3 * cfg.Orchestrator.PollInterval.Duration(),
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("failed to create http server: %w", err)
		}
		go func() {
			if err := srv.Start(); err != nil {
				serverErr <- err
			}
		}()
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- a.loop.Run(ctx) }()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
		cancel()
		<-loopErr
	case err := <-loopErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "http server shutdown failed", zap.Error(err))
		}
	}
	logger.Info(context.Background(), "tmuxagent stopped", zap.Duration("uptime", time.Since(started)))
	return runErr
}
