package mcp

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/logging"
)

const instrumentationName = "github.com/haizhouyuan/tmuxagent/internal/mcp"

// Metrics records tool traffic from MCP clients.
type Metrics struct {
	calls     metric.Int64Counter
	duration  metric.Float64Histogram
	approvals metric.Int64Counter
	redacted  metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(logger *logging.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Metrics{}
	var err error
	check := func(name string) {
		if err != nil {
			logger.Warn(context.Background(), "failed to create mcp instrument", zap.String("name", name), zap.Error(err))
		}
	}

	m.calls, err = meter.Int64Counter("tmuxagent.mcp.tool.calls",
		metric.WithDescription("MCP tool calls by tool, category and result."),
		metric.WithUnit("{call}"))
	check("tmuxagent.mcp.tool.calls")

	m.duration, err = meter.Float64Histogram("tmuxagent.mcp.tool.duration",
		metric.WithDescription("MCP tool handler time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5))
	check("tmuxagent.mcp.tool.duration")

	m.approvals, err = meter.Int64Counter("tmuxagent.mcp.approvals",
		metric.WithDescription("Approval responses forwarded from MCP clients, by action."),
		metric.WithUnit("{response}"))
	check("tmuxagent.mcp.approvals")

	m.redacted, err = meter.Int64Counter("tmuxagent.mcp.redactions",
		metric.WithDescription("Secrets masked in tool output."),
		metric.WithUnit("{finding}"))
	check("tmuxagent.mcp.redactions")
	return m
}

// RecordCall records one finished tool call. result is "ok" or the error
// category from categorizeError.
func (m *Metrics) RecordCall(ctx context.Context, tool string, category ToolCategory, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = categorizeError(err)
	}
	if m.calls != nil {
		m.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("category", string(category)),
			attribute.String("result", result),
		))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// RecordApproval counts a forwarded approval response.
func (m *Metrics) RecordApproval(ctx context.Context, action string) {
	if m == nil || m.approvals == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordRedactions adds n masked findings.
func (m *Metrics) RecordRedactions(ctx context.Context, n int) {
	if m == nil || m.redacted == nil || n <= 0 {
		return
	}
	m.redacted.Add(ctx, int64(n))
}

// categorizeError maps a tool error to a bounded result label.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "required"):
		return "validation_error"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "store") || strings.Contains(errStr, "audit log"):
		return "storage_error"
	case strings.Contains(errStr, "approval"):
		return "approval_error"
	default:
		return "internal_error"
	}
}
