package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/decision"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/metrics"
	"github.com/haizhouyuan/tmuxagent/internal/notify"
	"github.com/haizhouyuan/tmuxagent/internal/orchestrator"
	"github.com/haizhouyuan/tmuxagent/internal/prompt"
	"github.com/haizhouyuan/tmuxagent/internal/redact"
	"github.com/haizhouyuan/tmuxagent/internal/state"
	"github.com/haizhouyuan/tmuxagent/internal/telemetry"
	"github.com/haizhouyuan/tmuxagent/internal/terminal"
	"github.com/haizhouyuan/tmuxagent/internal/workspace"
)

// app holds the wired dependencies of one command invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	nc       *nats.Conn
	store    state.Store
	redactor *redact.Redactor

	// Populated by buildLoop.
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	auditLog    *audit.FileLog
	inbox       *approval.Inbox
	prompts     *prompt.Library
	loop        *orchestrator.Loop
	approvalSub *nats.Subscription
}

// loadConfig reads the config file and applies global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.Orchestrator.DryRun = true
	}
	return cfg, nil
}

// needsNATS reports whether any configured component talks to NATS.
func needsNATS(cfg *config.Config) bool {
	return cfg.Store.Backend == "nats" || cfg.Notify.NATS || cfg.Approvals.NATS || cfg.Audit.MirrorNATS
}

// newApp wires logging, telemetry, NATS and the state store.
// stderrLogs keeps stdout free for commands that own it.
func newApp(ctx context.Context, cfg *config.Config, stderrLogs bool) (*app, error) {
	a := &app{cfg: cfg}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if stderrLogs {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger

	if needsNATS(cfg) {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("tmuxagent"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.nc = nc
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	store, err := openStore(cfg, a.nc)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store = store

	if cfg.Redact.Enabled {
		allow, err := redact.LoadAllowlist(cfg.Redact.Allowlist)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to load redaction allowlist: %w", err)
		}
		a.redactor, err = redact.New(redact.Options{Allowlist: allow, Gitleaks: cfg.Redact.Gitleaks})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to build redactor: %w", err)
		}
	}
	return a, nil
}

func openStore(cfg *config.Config, nc *nats.Conn) (state.Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		store, err := state.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open state file %s: %w", cfg.Store.Path, err)
		}
		return store, nil
	case "nats":
		if nc == nil {
			return nil, errors.New("nats store backend requires a NATS connection")
		}
		store, err := state.NewKVStore(nc, cfg.Store.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open KV bucket %s: %w", cfg.Store.Bucket, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildLoop wires the reconciliation loop on top of newApp's dependencies.
func (a *app) buildLoop(ctx context.Context) error {
	cfg := a.cfg
	o := cfg.Orchestrator

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	var sinks audit.Tee
	if cfg.Audit.Path != "" {
		log, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		a.auditLog = log
		sinks = append(sinks, log)
	}
	if cfg.Audit.MirrorNATS && a.nc != nil {
		sinks = append(sinks, audit.NewNATSMirror(a.nc, "orchestrator.audit"))
	}
	var sink audit.Sink = audit.Nop{}
	if len(sinks) > 0 {
		sink = sinks
	}

	var pub notify.Publisher
	if a.nc != nil {
		pub = a.nc
	}
	notifier := notify.FromConfig(cfg.Notify, pub, a.logger)

	a.inbox = approval.NewInbox()
	if cfg.Approvals.NATS && a.nc != nil {
		sub, err := approval.Subscribe(a.nc, cfg.Approvals.Subject, a.inbox, a.logger)
		if err != nil {
			return fmt.Errorf("failed to subscribe to approvals: %w", err)
		}
		a.approvalSub = sub
	}

	lib, err := prompt.NewLibrary(cfg.Prompts)
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}
	a.prompts = lib
	builder := prompt.NewBuilder(lib, prompt.Options{
		DefaultPhase:    o.DefaultPhase,
		Delegate:        o.Delegate,
		Model:           cfg.Decision.Model,
		MaxExcerptChars: cfg.Prompts.MaxExcerptChars,
		HistoryCount:    cfg.Prompts.HistoryCount,
	})

	provider, err := decision.New(cfg.Decision)
	if err != nil {
		return fmt.Errorf("failed to create decision provider: %w", err)
	}

	host := terminal.NewTmux(
		terminal.WithTimeout(o.TerminalTimeout.Duration()),
		terminal.WithCaptureLines(o.HistoryLines),
	)

	var prober orchestrator.WorkspaceProber
	if cfg.Workspace.GitProbe {
		var prs *workspace.PRProbe
		if cfg.Workspace.GitHubOwner != "" && cfg.Workspace.GitHubRepo != "" {
			prs, err = workspace.NewPRProbe(ctx, cfg.Workspace.GitHubOwner, cfg.Workspace.GitHubRepo, cfg.Workspace.GitHubToken)
			if err != nil {
				return fmt.Errorf("failed to create pull request probe: %w", err)
			}
		}
		prober = workspace.NewProber(prs, o.PollInterval.Duration()*3)
	}

	scheduler := orchestrator.NewScheduler(orchestrator.SchedulerConfigFrom(o), host, a.store,
		orchestrator.WithAudit(sink),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.logger.Named("scheduler")),
	)
	collector := orchestrator.NewCollector(orchestrator.CollectorConfig{
		HistoryLines:  o.HistoryLines,
		HistoryLimit:  o.HistoryLimit,
		SummaryLimit:  o.SummaryLimit,
		WorkspaceRoot: cfg.Workspace.Root,
	}, host, a.store, orchestrator.CollectorDeps{
		Redactor: a.redactor,
		Prober:   prober,
		Audit:    sink,
		Metrics:  a.metrics,
		Logger:   a.logger.Named("collector"),
	})

	baseDir := cfg.Workspace.Root
	if baseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			baseDir = wd
		}
	}

	loop, err := orchestrator.NewLoop(cfg, orchestrator.LoopDeps{
		Store:     a.store,
		Scheduler: scheduler,
		Collector: collector,
		Provider:  provider,
		Prompts:   builder,
		Notifier:  notifier,
		Inbox:     a.inbox,
		Audit:     sink,
		Metrics:   a.metrics,
		Logger:    a.logger.Named("orchestrator"),
		Tracer:    a.tel.Tracer("github.com/haizhouyuan/tmuxagent/internal/orchestrator"),
		BaseDir:   baseDir,
	})
	if err != nil {
		return err
	}
	a.loop = loop
	return nil
}

// Close releases everything newApp and buildLoop opened.
func (a *app) Close(ctx context.Context) {
	if a.approvalSub != nil {
		_ = a.approvalSub.Unsubscribe()
	}
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "failed to close audit log", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tel.Shutdown(shutdownCtx)
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync on shutdown
	}
}
