package http

import (
	"time"

	"github.com/haizhouyuan/tmuxagent/internal/orchestrator"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string    `json:"status"` // "ok", "starting" or "stale"
	Cycle        uint64    `json:"cycle"`
	LastCycle    time.Time `json:"last_cycle,omitzero"`
	HeartbeatAge float64   `json:"heartbeat_age_seconds,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string                     `json:"status"`
	Version  string                     `json:"version,omitempty"`
	State    string                     `json:"state"`
	Cycle    uint64                     `json:"cycle"`
	DryRun   bool                       `json:"dry_run"`
	Delegate bool                       `json:"delegate"`
	Counts   BranchCounts               `json:"counts"`
	Sessions []orchestrator.SessionView `json:"sessions,omitempty"`
}

// BranchSummary is one row of GET /api/v1/branches.
type BranchSummary struct {
	Branch    string    `json:"branch"`
	Session   string    `json:"session"`
	Status    string    `json:"status,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Blockers  []string  `json:"blockers,omitempty"`
	Pending   string    `json:"pending_command,omitempty"`
	Held      int       `json:"pending_confirmations"`
	Queued    int       `json:"queued"`
	LastError string    `json:"last_error,omitempty"`
	Heartbeat time.Time `json:"heartbeat,omitzero"`
}

// SummarizeBranch flattens bs into a BranchSummary.
func SummarizeBranch(bs *state.BranchState) BranchSummary {
	m := &bs.Metadata
	s := BranchSummary{
		Branch:    bs.Branch,
		Session:   bs.Session,
		Status:    bs.Status,
		Phase:     m.Phase,
		Summary:   m.Summary,
		Blockers:  m.Blockers(),
		Held:      len(m.PendingConfirmation),
		Queued:    len(m.QueuedCommands),
		Heartbeat: m.Heartbeat,
	}
	if rec, ok := m.PendingCommand(); ok {
		s.Pending = rec.Text
	}
	if m.LastError != nil {
		s.LastError = m.LastError.Kind + ": " + m.LastError.Message
	}
	return s
}

// ApprovalAccepted is the response body for POST /api/v1/approvals.
type ApprovalAccepted struct {
	Branch string `json:"branch"`
	Action string `json:"action"`
	Queued int    `json:"queued"`
}

// RedactRequest is the request body for POST /api/v1/redact.
type RedactRequest struct {
	Content string `json:"content"`
}

// RedactResponse is the response body for POST /api/v1/redact.
type RedactResponse struct {
	Content       string         `json:"content"`
	FindingsCount int            `json:"findings_count"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}
