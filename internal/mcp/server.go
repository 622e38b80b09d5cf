package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/redact"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// Approver forwards an operator response to the running orchestrator.
type Approver interface {
	Submit(ctx context.Context, r approval.Response) error
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, r approval.Response) error

// Submit calls f.
func (f ApproverFunc) Submit(ctx context.Context, r approval.Response) error { return f(ctx, r) }

// InboxApprover pushes responses straight into an in-process inbox.
func InboxApprover(inbox *approval.Inbox) Approver {
	return ApproverFunc(func(_ context.Context, r approval.Response) error {
		return inbox.Push(r)
	})
}

// Server is the orchestrator's MCP server.
type Server struct {
	mcp          *mcp.Server
	store        state.Store
	approver     Approver
	redactor     *redact.Redactor
	auditPath    string
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *logging.Logger
	now          func() time.Time
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "tmuxagent")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *logging.Logger

	// AuditPath is the JSONL audit log read by audit_replay. Empty disables the tool.
	AuditPath string

	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tmuxagent",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server over store. approver and redactor are optional.
func NewServer(cfg *Config, store state.Store, approver Approver, redactor *redact.Redactor) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Name == "" {
		cfg.Name = "tmuxagent"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:          mcpServer,
		store:        store,
		approver:     approver,
		redactor:     redactor,
		auditPath:    cfg.AuditPath,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Logger),
		logger:       cfg.Logger,
		now:          cfg.Now,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool metadata registry.
func (s *Server) Registry() *ToolRegistry { return s.toolRegistry }

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves on t until the client disconnects or ctx is done.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	s.logger.Info(ctx, "starting MCP server")
	if err := s.mcp.Run(ctx, t); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// scrub masks secrets in text bound for a client.
func (s *Server) scrub(text string) string {
	if s.redactor == nil {
		return text
	}
	out, report := s.redactor.Redact(text)
	s.metrics.RecordRedactions(context.Background(), report.Total)
	return out
}
