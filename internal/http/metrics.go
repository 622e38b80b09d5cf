package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/redact"
)

const apiInstrumentationName = "github.com/haizhouyuan/tmuxagent/internal/http"

// branchRoute is the label for every single-branch lookup.
const branchRoute = "/api/v1/branches/:branch"

// APIMetrics records OpenTelemetry metrics for the operator API. A nil
// *APIMetrics records nothing.
type APIMetrics struct {
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
	approvals metric.Int64Counter
	findings  metric.Int64Counter
}

// NewAPIMetrics creates instruments on the global meter provider, so
// telemetry must be installed first.
func NewAPIMetrics(logger *logging.Logger) *APIMetrics {
	return newAPIMetrics(otel.Meter(apiInstrumentationName), logger)
}

func newAPIMetrics(meter metric.Meter, logger *logging.Logger) *APIMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn(context.Background(), "failed to create api instrument", zap.String("name", name), zap.Error(err))
		}
	}

	m := &APIMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("tmuxagent.api.requests",
		metric.WithDescription("Operator API requests by route, method and status class."),
		metric.WithUnit("{request}"))
	warn("tmuxagent.api.requests", err)

	m.latency, err = meter.Float64Histogram("tmuxagent.api.request.duration",
		metric.WithDescription("Operator API handler time by route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	warn("tmuxagent.api.request.duration", err)

	m.approvals, err = meter.Int64Counter("tmuxagent.api.approvals",
		metric.WithDescription("Approval responses posted to the API, by action and result."),
		metric.WithUnit("{response}"))
	warn("tmuxagent.api.approvals", err)

	m.findings, err = meter.Int64Counter("tmuxagent.api.redaction.findings",
		metric.WithDescription("Secrets masked by the redact endpoint, by rule."),
		metric.WithUnit("{finding}"))
	warn("tmuxagent.api.redaction.findings", err)
	return m
}

// Middleware counts and times every request against its route pattern.
func (m *APIMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			// The error handler writes the status after the middleware chain
			// returns, so take it from the error when there is one.
			code := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			}
			route := routeLabel(c.Path())
			ctx := c.Request().Context()
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(
					attribute.String("route", route),
					attribute.String("method", c.Request().Method),
					attribute.String("code", statusClass(code)),
				))
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(),
					metric.WithAttributes(attribute.String("route", route)))
			}
			return err
		}
	}
}

// RecordApproval counts one posted approval response.
func (m *APIMetrics) RecordApproval(ctx context.Context, action string, accepted bool) {
	if m == nil || m.approvals == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	switch approval.Action(action) {
	case approval.ActionApprove, approval.ActionDeny, approval.ActionClear:
	default:
		action = "invalid"
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("result", result),
	))
}

// RecordRedaction adds the findings of one redact call.
func (m *APIMetrics) RecordRedaction(ctx context.Context, report redact.Report) {
	if m == nil || m.findings == nil {
		return
	}
	for rule, n := range report.ByRule {
		m.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("rule", rule)))
	}
}

// routeLabel maps echo's route pattern to a bounded label. Branch names
// live in the wildcard tail, so they never reach the label.
func routeLabel(path string) string {
	switch path {
	case "":
		return "unmatched"
	case "/api/v1/branches/*":
		return branchRoute
	}
	return path
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}
