package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/orchestrator"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// catalog is the metadata of every tool the server registers.
var catalog = []*ToolMetadata{
	{
		Name:        "branch_list",
		Description: "List tracked branches with phase, summary, blockers and in-flight command",
		Category:    CategoryBranches,
		Keywords:    []string{"status", "phase", "blockers", "sessions"},
	},
	{
		Name:         "branch_get",
		Description:  "Get the full persisted state of one branch",
		Category:     CategoryBranches,
		DeferLoading: true,
		Keywords:     []string{"state", "history", "metadata"},
	},
	{
		Name:         "branch_insights",
		Description:  "Recommend next actions for a branch from its current state",
		Category:     CategoryBranches,
		DeferLoading: true,
		Keywords:     []string{"recommendations", "next", "actions"},
	},
	{
		Name:        "approval_submit",
		Description: "Approve, deny or clear held commands and failure blockers on a branch",
		Category:    CategoryApprovals,
		Keywords:    []string{"confirm", "deny", "clear", "high risk"},
	},
	{
		Name:         "audit_replay",
		Description:  "Summarize the audit log, optionally for a single branch",
		Category:     CategoryAudit,
		DeferLoading: true,
		Keywords:     []string{"events", "history", "replay"},
	},
	{
		Name:        "tool_search",
		Description: "Search available tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "find"},
	},
	{
		Name:        "tool_list",
		Description: "List all available tools with their metadata",
		Category:    CategorySearch,
	},
}

func (s *Server) registerTools() error {
	for _, tool := range catalog {
		if err := s.toolRegistry.Register(tool); err != nil {
			return err
		}
	}
	s.registerBranchTools()
	s.registerApprovalTools()
	s.registerAuditTools()
	s.registerSearchTools()
	return nil
}

// track instruments one tool call. The returned func records the outcome.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	var category ToolCategory
	if meta, ok := s.toolRegistry.Get(tool); ok {
		category = meta.Category
	}
	return func(err error) {
		s.metrics.RecordCall(ctx, tool, category, time.Since(start), err)
	}
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ===== branches =====

type branchListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only return branches with this status (active, missing, done)"`
}

type branchItem struct {
	Branch    string   `json:"branch"`
	Session   string   `json:"session"`
	Status    string   `json:"status"`
	Phase     string   `json:"phase"`
	Summary   string   `json:"summary"`
	Blockers  []string `json:"blockers"`
	Pending   string   `json:"pending"`
	Held      int      `json:"held"`
	Queued    int      `json:"queued"`
	LastError string   `json:"last_error"`
	Heartbeat string   `json:"heartbeat"`
}

type branchListOutput struct {
	Branches []branchItem `json:"branches"`
	Count    int          `json:"count"`
}

type branchGetInput struct {
	Branch string `json:"branch" jsonschema:"Branch name, e.g. feature/login"`
}

type branchGetOutput struct {
	Branch  string `json:"branch"`
	Session string `json:"session"`
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	// State is the full branch record encoded as JSON.
	State string `json:"state"`
}

type branchInsightsInput struct {
	Branch string `json:"branch" jsonschema:"Branch name"`
}

type recommendationItem struct {
	Priority string `json:"priority"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
}

type branchInsightsOutput struct {
	Branch          string               `json:"branch"`
	Recommendations []recommendationItem `json:"recommendations"`
	Confidence      float64              `json:"confidence"`
	Steps           []string             `json:"steps"`
}

func (s *Server) registerBranchTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "branch_list",
		Description: "List tracked branches with phase, summary, blockers and in-flight command",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args branchListInput) (*mcp.CallToolResult, branchListOutput, error) {
		var toolErr error
		done := s.track(ctx, "branch_list")
		defer func() { done(toolErr) }()

		all, err := s.store.List(ctx)
		if err != nil {
			toolErr = fmt.Errorf("list branches from store: %w", err)
			return nil, branchListOutput{}, toolErr
		}
		out := branchListOutput{Branches: []branchItem{}}
		for _, bs := range all {
			if args.Status != "" && !strings.EqualFold(bs.Status, args.Status) {
				continue
			}
			out.Branches = append(out.Branches, s.toItem(bs))
		}
		out.Count = len(out.Branches)
		return textResult("%d branch(es)", out.Count), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "branch_get",
		Description: "Get the full persisted state of one branch",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args branchGetInput) (*mcp.CallToolResult, branchGetOutput, error) {
		var toolErr error
		done := s.track(ctx, "branch_get")
		defer func() { done(toolErr) }()

		bs, err := s.getBranch(ctx, args.Branch)
		if err != nil {
			toolErr = err
			return nil, branchGetOutput{}, err
		}
		raw, err := json.Marshal(bs)
		if err != nil {
			toolErr = fmt.Errorf("encode branch state: %w", err)
			return nil, branchGetOutput{}, toolErr
		}
		out := branchGetOutput{
			Branch:  bs.Branch,
			Session: bs.Session,
			Status:  bs.Status,
			Phase:   bs.Metadata.Phase,
			State:   s.scrub(string(raw)),
		}
		return textResult("Branch %s is in phase %q", out.Branch, out.Phase), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "branch_insights",
		Description: "Recommend next actions for a branch from its current state",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args branchInsightsInput) (*mcp.CallToolResult, branchInsightsOutput, error) {
		var toolErr error
		done := s.track(ctx, "branch_insights")
		defer func() { done(toolErr) }()

		bs, err := s.getBranch(ctx, args.Branch)
		if err != nil {
			toolErr = err
			return nil, branchInsightsOutput{}, err
		}
		ins := orchestrator.BuildInsights(&bs.Metadata, s.now())
		out := branchInsightsOutput{Branch: bs.Branch, Confidence: ins.Confidence, Steps: []string{}}
		for _, r := range ins.Recommendations {
			out.Recommendations = append(out.Recommendations, recommendationItem{
				Priority: r.Priority,
				Title:    r.Title,
				Detail:   s.scrub(r.Detail),
			})
		}
		if d := bs.Metadata.TaskDecomposition; d != nil {
			for _, step := range d.Steps {
				out.Steps = append(out.Steps, step.Description)
			}
		}
		top := "keep monitoring"
		if len(out.Recommendations) > 0 {
			top = out.Recommendations[0].Title
		}
		return textResult("%s: %s", bs.Branch, top), out, nil
	})
}

func (s *Server) getBranch(ctx context.Context, branch string) (*state.BranchState, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, errors.New("branch is required")
	}
	bs, err := s.store.Get(ctx, branch)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("branch %q not found", branch)
	}
	if err != nil {
		return nil, fmt.Errorf("read branch from store: %w", err)
	}
	return bs, nil
}

func (s *Server) toItem(bs *state.BranchState) branchItem {
	meta := &bs.Metadata
	item := branchItem{
		Branch:   bs.Branch,
		Session:  bs.Session,
		Status:   bs.Status,
		Phase:    meta.Phase,
		Summary:  s.scrub(meta.Summary),
		Blockers: meta.Blockers(),
		Held:     len(meta.PendingConfirmation),
		Queued:   len(meta.QueuedCommands),
	}
	if item.Blockers == nil {
		item.Blockers = []string{}
	}
	if rec, ok := meta.PendingCommand(); ok {
		item.Pending = s.scrub(rec.Text)
	}
	if e := meta.LastError; e != nil {
		item.LastError = e.Kind + ": " + s.scrub(e.Message)
	}
	if !meta.Heartbeat.IsZero() {
		item.Heartbeat = meta.Heartbeat.UTC().Format(time.RFC3339)
	}
	return item
}

// ===== approvals =====

type approvalSubmitInput struct {
	Branch  string `json:"branch" jsonschema:"Branch whose held commands or blockers are addressed"`
	Action  string `json:"action" jsonschema:"approve, deny or clear (synonyms such as yes and no are accepted)"`
	Command string `json:"command,omitempty" jsonschema:"Limit the response to the held command with this text"`
}

type approvalSubmitOutput struct {
	Branch string `json:"branch"`
	Action string `json:"action"`
	Source string `json:"source"`
}

func (s *Server) registerApprovalTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "approval_submit",
		Description: "Approve, deny or clear held commands and failure blockers on a branch",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args approvalSubmitInput) (*mcp.CallToolResult, approvalSubmitOutput, error) {
		var toolErr error
		done := s.track(ctx, "approval_submit")
		defer func() { done(toolErr) }()

		if s.approver == nil {
			toolErr = errors.New("approval transport is not configured")
			return nil, approvalSubmitOutput{}, toolErr
		}
		resp := approval.Response{
			Branch:  args.Branch,
			Action:  approval.Action(args.Action),
			Command: args.Command,
			Source:  "mcp",
			At:      s.now().UTC(),
		}.Normalize()
		if err := resp.Validate(); err != nil {
			toolErr = err
			return nil, approvalSubmitOutput{}, err
		}
		if err := s.approver.Submit(ctx, resp); err != nil {
			toolErr = fmt.Errorf("submit approval: %w", err)
			return nil, approvalSubmitOutput{}, toolErr
		}
		s.metrics.RecordApproval(ctx, string(resp.Action))
		out := approvalSubmitOutput{Branch: resp.Branch, Action: string(resp.Action), Source: resp.Source}
		return textResult("Sent %s for %s", out.Action, out.Branch), out, nil
	})
}

// ===== audit =====

type auditReplayInput struct {
	Branch string `json:"branch,omitempty" jsonschema:"Only replay events for this branch"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Number of recent events to return (default 5)"`
}

type eventItem struct {
	TS        string `json:"ts"`
	Branch    string `json:"branch"`
	Event     string `json:"event"`
	CommandID string `json:"command_id"`
	// Payload is the event payload encoded as JSON.
	Payload string `json:"payload"`
}

type eventCount struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}

type auditReplayOutput struct {
	Samples       int          `json:"samples"`
	Counts        []eventCount `json:"counts"`
	LastCommand   string       `json:"last_command"`
	LastSummary   string       `json:"last_summary"`
	MaxQueueDepth int          `json:"max_queue_depth"`
	DurationSecs  float64      `json:"duration_seconds"`
	Recent        []eventItem  `json:"recent"`
}

func (s *Server) registerAuditTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "audit_replay",
		Description: "Summarize the audit log, optionally for a single branch",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args auditReplayInput) (*mcp.CallToolResult, auditReplayOutput, error) {
		var toolErr error
		done := s.track(ctx, "audit_replay")
		defer func() { done(toolErr) }()

		if s.auditPath == "" {
			toolErr = errors.New("audit log path is not configured")
			return nil, auditReplayOutput{}, toolErr
		}
		events, err := audit.ReadFile(s.auditPath)
		if err != nil {
			toolErr = fmt.Errorf("read audit log: %w", err)
			return nil, auditReplayOutput{}, toolErr
		}
		if args.Branch != "" {
			events = audit.Filter(events, args.Branch)
		}
		sum := audit.Summarize(events)

		out := auditReplayOutput{
			Samples:       sum.Samples,
			Counts:        []eventCount{},
			LastCommand:   s.scrub(sum.LastCommand),
			LastSummary:   s.scrub(sum.LastSummary),
			MaxQueueDepth: sum.MaxQueueDepth,
			DurationSecs:  sum.Duration.Seconds(),
			Recent:        []eventItem{},
		}
		for name, n := range sum.Counts {
			out.Counts = append(out.Counts, eventCount{Event: name, Count: n})
		}
		sort.Slice(out.Counts, func(i, j int) bool { return out.Counts[i].Event < out.Counts[j].Event })

		recent := sum.Recent
		if args.Limit > len(recent) && args.Limit <= len(events) {
			recent = events[len(events)-args.Limit:]
		} else if args.Limit > 0 && args.Limit < len(recent) {
			recent = recent[len(recent)-args.Limit:]
		}
		for _, ev := range recent {
			payload, _ := json.Marshal(ev.Payload)
			out.Recent = append(out.Recent, eventItem{
				TS:        ev.TS.UTC().Format(time.RFC3339),
				Branch:    ev.Branch,
				Event:     ev.Event,
				CommandID: ev.CommandID,
				Payload:   s.scrub(string(payload)),
			})
		}
		return textResult("Replayed %d event(s)", out.Samples), out, nil
	})
}
