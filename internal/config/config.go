// Package config provides configuration loading for tmuxagent.
//
// Configuration is read from a YAML or TOML file and overlaid with
// TMUXAGENT_* environment variables. Every field has a default, so an
// empty or missing file yields a runnable orchestrator.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete tmuxagent configuration.
type Config struct {
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Decision     DecisionConfig     `koanf:"decision"`
	Prompts      PromptConfig       `koanf:"prompts"`
	Store        StoreConfig        `koanf:"store"`
	Audit        AuditConfig        `koanf:"audit"`
	Notify       NotifyConfig       `koanf:"notify"`
	Approvals    ApprovalConfig     `koanf:"approvals"`
	NATS         NATSConfig         `koanf:"nats"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Redact       RedactConfig       `koanf:"redact"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
	Tasks        []TaskSpec         `koanf:"tasks"`
}

// OrchestratorConfig controls the reconciliation loop and dispatch scheduler.
type OrchestratorConfig struct {
	PollInterval             Duration `koanf:"poll_interval"`
	Cooldown                 Duration `koanf:"cooldown"`
	SessionCooldown          Duration `koanf:"session_cooldown"`
	DispatchBackoff          Duration `koanf:"dispatch_backoff"` // 0 means equal to SessionCooldown
	MaxCommandsPerCycle      int      `koanf:"max_commands_per_cycle"`
	QueueLimit               int      `koanf:"queue_limit"`
	WorkerCount              int      `koanf:"worker_count"`
	HistoryLines             int      `koanf:"history_lines"`
	HistoryLimit             int      `koanf:"history_limit"`
	SummaryLimit             int      `koanf:"summary_limit"`
	DefaultPhase             string   `koanf:"default_phase"`
	CompletionPhase          string   `koanf:"completion_phase"`
	StallTimeout             Duration `koanf:"stall_timeout"`
	StallRetriesBeforeNotify int      `koanf:"stall_retries_before_notify"`
	FailureAlertThreshold    int      `koanf:"failure_alert_threshold"`
	CommandTimeout           Duration `koanf:"command_timeout"`
	NotifyOnlyOnConfirmation bool     `koanf:"notify_only_on_confirmation"`
	DryRun                   bool     `koanf:"dry_run"`
	Delegate                 bool     `koanf:"delegate"`
	TerminalTimeout          Duration `koanf:"terminal_timeout"`
}

// DecisionConfig selects and configures the decision provider.
type DecisionConfig struct {
	Provider string            `koanf:"provider"` // "cli" or "llm"
	Bin      string            `koanf:"bin"`
	Args     []string          `koanf:"args"`
	Env      map[string]string `koanf:"env"`
	Timeout  Duration          `koanf:"timeout"`
	Model    string            `koanf:"model"`
	BaseURL  string            `koanf:"base_url"`
	APIKey   Secret            `koanf:"api_key"`
}

// PromptConfig locates prompt templates.
type PromptConfig struct {
	Dir             string            `koanf:"dir"`
	Phases          map[string]string `koanf:"phases"` // phase -> template file
	Delegate        string            `koanf:"delegate"`
	Watch           bool              `koanf:"watch"`
	MaxExcerptChars int               `koanf:"max_excerpt_chars"`
	HistoryCount    int               `koanf:"history_count"`
}

// StoreConfig selects the durable branch state backend.
type StoreConfig struct {
	Backend string `koanf:"backend"` // "file" or "nats"
	Path    string `koanf:"path"`
	Bucket  string `koanf:"bucket"`
}

// AuditConfig controls the append-only audit log.
type AuditConfig struct {
	Path       string `koanf:"path"`
	MirrorNATS bool   `koanf:"mirror_nats"`
}

// NotifyConfig controls notification sinks and throttling.
type NotifyConfig struct {
	WebhookURL     Secret   `koanf:"webhook_url"`
	NATS           bool     `koanf:"nats"`
	Subject        string   `koanf:"subject"`
	ThrottleWindow Duration `koanf:"throttle_window"`
	ThrottleBurst  int      `koanf:"throttle_burst"`
}

// ApprovalConfig controls how approval responses reach the orchestrator.
type ApprovalConfig struct {
	NATS    bool   `koanf:"nats"`
	Subject string `koanf:"subject"`
}

// NATSConfig holds the shared NATS connection settings.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"`
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`
	SampleRate    float64 `koanf:"sample_rate"`
}

// RedactConfig controls secret scrubbing of captured terminal output.
type RedactConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Gitleaks  bool   `koanf:"gitleaks"`
	Allowlist string `koanf:"allowlist"`
}

// WorkspaceConfig controls the git and pull request probes.
type WorkspaceConfig struct {
	Root        string `koanf:"root"`
	GitProbe    bool   `koanf:"git_probe"`
	GitHubOwner string `koanf:"github_owner"`
	GitHubRepo  string `koanf:"github_repo"`
	GitHubToken Secret `koanf:"github_token"`
}

// TaskSpec is a static task definition used for dependency planning.
type TaskSpec struct {
	Branch          string         `koanf:"branch"`
	Session         string         `koanf:"session"`
	Title           string         `koanf:"title"`
	Phases          []string       `koanf:"phases"`
	DependsOn       []string       `koanf:"depends_on"`
	Responsible     string         `koanf:"responsible"`
	Tags            []string       `koanf:"tags"`
	RequirementsDoc string         `koanf:"requirements_doc"`
	Worktree        string         `koanf:"worktree"`
	Fallback        []FallbackStep `koanf:"fallback"`
}

// FallbackStep is a canned instruction sent when no usable decision exists.
type FallbackStep struct {
	Text  string   `koanf:"text"`
	Keys  []string `koanf:"keys"`
	Enter *bool    `koanf:"enter"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			PollInterval:             Duration(10 * time.Second),
			Cooldown:                 Duration(120 * time.Second),
			SessionCooldown:          Duration(10 * time.Second),
			MaxCommandsPerCycle:      2,
			QueueLimit:               8,
			WorkerCount:              4,
			HistoryLines:             400,
			HistoryLimit:             20,
			SummaryLimit:             10,
			DefaultPhase:             "planning",
			CompletionPhase:          "done",
			StallTimeout:             Duration(300 * time.Second),
			StallRetriesBeforeNotify: 2,
			FailureAlertThreshold:    3,
			CommandTimeout:           Duration(45 * time.Second),
			NotifyOnlyOnConfirmation: true,
			TerminalTimeout:          Duration(5 * time.Second),
		},
		Decision: DecisionConfig{
			Provider: "cli",
			Bin:      "codex",
			Args:     []string{"exec", "--json", "-"},
			Timeout:  Duration(120 * time.Second),
			Model:    "gpt-4o-mini",
		},
		Prompts: PromptConfig{
			Dir:             ".tmuxagent/prompts",
			MaxExcerptChars: 6000,
			HistoryCount:    5,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    ".tmuxagent/state.json",
			Bucket:  "tmuxagent_branches",
		},
		Audit: AuditConfig{
			Path: ".tmuxagent/audit.jsonl",
		},
		Notify: NotifyConfig{
			Subject:        "orchestrator.notify",
			ThrottleWindow: Duration(5 * time.Minute),
			ThrottleBurst:  3,
		},
		Approvals: ApprovalConfig{
			Subject: "orchestrator.approvals",
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            9464,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Protocol:   "grpc",
			Insecure:   true,
			SampleRate: 1.0,
		},
		Redact: RedactConfig{
			Enabled: true,
		},
		Workspace: WorkspaceConfig{
			GitProbe: true,
		},
	}
}

// EffectiveDispatchBackoff returns the pause after a failed terminal send.
func (o OrchestratorConfig) EffectiveDispatchBackoff() time.Duration {
	if o.DispatchBackoff > 0 {
		return o.DispatchBackoff.Duration()
	}
	return o.SessionCooldown.Duration()
}

// Task returns the task spec for branch, if configured.
func (c *Config) Task(branch string) (TaskSpec, bool) {
	for _, t := range c.Tasks {
		if t.Branch == branch {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	o := c.Orchestrator
	if o.PollInterval.Duration() <= 0 {
		errs = append(errs, errors.New("orchestrator.poll_interval must be positive"))
	}
	if o.MaxCommandsPerCycle < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_commands_per_cycle must be >= 1, got %d", o.MaxCommandsPerCycle))
	}
	if o.QueueLimit < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.queue_limit must be >= 1, got %d", o.QueueLimit))
	}
	if o.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.worker_count must be >= 1, got %d", o.WorkerCount))
	}
	if o.HistoryLimit < 1 {
		errs = append(errs, errors.New("orchestrator.history_limit must be >= 1"))
	}
	if o.CompletionPhase == "" {
		errs = append(errs, errors.New("orchestrator.completion_phase is required"))
	}
	if o.StallTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("orchestrator.stall_timeout must be positive"))
	}
	if o.FailureAlertThreshold < 1 {
		errs = append(errs, errors.New("orchestrator.failure_alert_threshold must be >= 1"))
	}

	switch c.Decision.Provider {
	case "cli":
		if c.Decision.Bin == "" {
			errs = append(errs, errors.New("decision.bin is required for the cli provider"))
		}
	case "llm":
		if c.Decision.Model == "" {
			errs = append(errs, errors.New("decision.model is required for the llm provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("decision.provider must be 'cli' or 'llm', got %q", c.Decision.Provider))
	}
	if c.Decision.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("decision.timeout must be positive"))
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file backend"))
		}
	case "nats":
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be 'file' or 'nats', got %q", c.Store.Backend))
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.Branch == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].branch is required", i))
			continue
		}
		if seen[t.Branch] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate branch %q", i, t.Branch))
		}
		seen[t.Branch] = true
	}
	return errors.Join(errs...)
}

// expandPaths resolves relative paths against base.
func (c *Config) expandPaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Prompts.Dir = resolve(c.Prompts.Dir)
	c.Prompts.Delegate = resolve(c.Prompts.Delegate)
	for phase, p := range c.Prompts.Phases {
		c.Prompts.Phases[phase] = resolve(p)
	}
	c.Store.Path = resolve(c.Store.Path)
	c.Audit.Path = resolve(c.Audit.Path)
	c.Redact.Allowlist = resolve(c.Redact.Allowlist)
	c.Workspace.Root = resolve(c.Workspace.Root)
	for i := range c.Tasks {
		c.Tasks[i].RequirementsDoc = resolve(c.Tasks[i].RequirementsDoc)
		c.Tasks[i].Worktree = resolve(c.Tasks[i].Worktree)
	}
}
