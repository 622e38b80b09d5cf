// Package http serves the orchestrator's health, metrics, branch and
// approval endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/orchestrator"
	"github.com/haizhouyuan/tmuxagent/internal/redact"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// LoopView is the read-only part of the orchestrator loop the server reports on.
type LoopView interface {
	State() orchestrator.CycleState
	Cycle() uint64
	LastCycle() time.Time
	Sessions() []orchestrator.SessionView
	DryRun() bool
	Delegate() bool
}

// Deps are the server's collaborators. Store and Logger are required.
type Deps struct {
	Store    state.Store
	Loop     LoopView
	Inbox    *approval.Inbox
	Gatherer prometheus.Gatherer
	Redactor *redact.Redactor
	Metrics  *APIMetrics
	Logger   *logging.Logger
	Now      func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// StaleAfter is the heartbeat age after which /health reports "stale".
	StaleAfter time.Duration
	Version    string
}

// Server provides HTTP endpoints for tmuxagent.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9464}
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Metrics != nil {
		e.Use(deps.Metrics.Middleware())
	}
	logger := deps.Logger
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, deps: deps, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/branches", s.handleBranches)
	// Branch names contain slashes, so the name is the wildcard tail.
	v1.GET("/branches/*", s.handleBranch)
	v1.POST("/approvals", s.handleApproval)
	v1.POST("/redact", s.handleRedact)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.deps.Loop == nil {
		return c.JSON(http.StatusOK, resp)
	}
	resp.Cycle = s.deps.Loop.Cycle()
	last := s.deps.Loop.LastCycle()
	if last.IsZero() {
		resp.Status = "starting"
		return c.JSON(http.StatusOK, resp)
	}
	age := s.deps.Now().Sub(last)
	resp.LastCycle = last.UTC()
	resp.HeartbeatAge = age.Seconds()
	if age > s.config.StaleAfter {
		resp.Status = "stale"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		State:   string(orchestrator.CycleIdle),
		Counts:  CountBranches(ctx, s.deps.Store),
	}
	if s.deps.Loop != nil {
		resp.State = string(s.deps.Loop.State())
		resp.Cycle = s.deps.Loop.Cycle()
		resp.DryRun = s.deps.Loop.DryRun()
		resp.Delegate = s.deps.Loop.Delegate()
		resp.Sessions = s.deps.Loop.Sessions()
	}
	if resp.Counts.Total < 0 {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBranches(c echo.Context) error {
	all, err := s.deps.Store.List(c.Request().Context())
	if err != nil {
		s.deps.Logger.Warn(c.Request().Context(), "list branches failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list branches failed")
	}
	out := make([]BranchSummary, 0, len(all))
	for _, bs := range all {
		out = append(out, SummarizeBranch(bs))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleBranch(c echo.Context) error {
	name := strings.Trim(c.Param("*"), "/")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "branch is required")
	}
	bs, err := s.deps.Store.Get(c.Request().Context(), name)
	if errors.Is(err, state.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("branch %q not found", name))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "read branch failed")
	}
	return c.JSON(http.StatusOK, bs)
}

func (s *Server) handleApproval(c echo.Context) error {
	if s.deps.Inbox == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "approvals are not accepted by this instance")
	}
	ctx := c.Request().Context()
	var req approval.Response
	if err := c.Bind(&req); err != nil {
		s.deps.Metrics.RecordApproval(ctx, "", false)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Source == "" {
		req.Source = "http"
	}
	req = req.Normalize()
	if err := s.deps.Inbox.Push(req); err != nil {
		s.deps.Metrics.RecordApproval(ctx, string(req.Action), false)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.deps.Metrics.RecordApproval(ctx, string(req.Action), true)
	s.deps.Logger.Info(ctx, "approval received",
		zap.String("branch", req.Branch),
		zap.String("action", string(req.Action)),
		zap.String("source", req.Source))
	return c.JSON(http.StatusAccepted, ApprovalAccepted{
		Branch: req.Branch,
		Action: string(req.Action),
		Queued: s.deps.Inbox.Len(),
	})
}

func (s *Server) handleRedact(c echo.Context) error {
	if s.deps.Redactor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "redaction is disabled")
	}
	var req RedactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}
	out, report := s.deps.Redactor.Redact(req.Content)
	s.deps.Metrics.RecordRedaction(c.Request().Context(), report)
	return c.JSON(http.StatusOK, RedactResponse{
		Content:       out,
		FindingsCount: report.Total,
		ByRule:        report.ByRule,
	})
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.deps.Logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
