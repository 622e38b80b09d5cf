// Package state holds the durable per-branch metadata shared by the
// orchestrator, the HTTP API, and the dashboard.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandStatus is the lifecycle state of a dispatched command.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusSucceeded CommandStatus = "succeeded"
	StatusFailed    CommandStatus = "failed"
	StatusStalled   CommandStatus = "stalled"
)

// DispatchFailedExitCode marks a record whose terminal send failed.
const DispatchFailedExitCode = -1

// Bounds applied when a Metadata field is trimmed.
const (
	DefaultHistoryLimit  = 20
	DefaultSummaryLimit  = 10
	PhaseHistoryLimit    = 10
	ResponseLimit        = 10
	LastCommandsLimit    = 10
	DecisionBlockerLimit = 10
)

// CommandRecord is one entry in a session's bounded command history.
type CommandRecord struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Session      string        `json:"session,omitempty"`
	RiskLevel    string        `json:"risk_level,omitempty"`
	Queued       bool          `json:"queued,omitempty"`
	DispatchedAt time.Time     `json:"dispatched_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	Status       CommandStatus `json:"status"`
}

// HistorySummary is the compact form of a record trimmed from CommandHistory.
type HistorySummary struct {
	CommandID string        `json:"command_id"`
	Text      string        `json:"text"`
	Status    CommandStatus `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	At        time.Time     `json:"at"`
}

// FailureBlocker blocks re-dispatch of one command text after a failure streak.
type FailureBlocker struct {
	Text     string    `json:"text"`
	Streak   int       `json:"streak"`
	Phase    string    `json:"phase,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// QueuedCommand mirrors an in-memory queue entry for external readers.
type QueuedCommand struct {
	Text       string    `json:"text"`
	Session    string    `json:"session"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PendingCommand is a suggestion held until an operator approves it.
type PendingCommand struct {
	Text        string    `json:"text,omitempty"`
	Session     string    `json:"session"`
	PressEnter  bool      `json:"press_enter"`
	Keys        []string  `json:"keys,omitempty"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	RiskLevel   string    `json:"risk_level,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ConfirmationResponse records an operator decision on pending commands.
type ConfirmationResponse struct {
	Action  string    `json:"action"`
	Command string    `json:"command,omitempty"`
	Source  string    `json:"source,omitempty"`
	Matched int       `json:"matched"`
	At      time.Time `json:"at"`
}

// ErrorInfo is the last decision or pipeline error seen for a branch.
type ErrorInfo struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Payload string    `json:"payload,omitempty"`
	Count   int       `json:"count"`
	At      time.Time `json:"at"`
}

// StallState tracks repeated stall detections for one pending command.
type StallState struct {
	CommandID  string     `json:"command_id"`
	Attempt    int        `json:"attempt"`
	LastBucket int64      `json:"last_bucket"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// DecompositionStep is one step extracted from a requirements document.
type DecompositionStep struct {
	Type        string `json:"type"`
	Section     string `json:"section,omitempty"`
	Target      string `json:"target,omitempty"`
	Command     string `json:"command,omitempty"`
	Language    string `json:"language,omitempty"`
	Lines       int    `json:"lines,omitempty"`
	Description string `json:"description"`
}

// Decomposition caches the steps of a requirements document keyed by mtime.
type Decomposition struct {
	Source      string              `json:"source"`
	SourceMTime int64               `json:"source_mtime"`
	Steps       []DecompositionStep `json:"steps"`
}

// Recommendation is one suggested next action for a branch.
type Recommendation struct {
	Priority string `json:"priority"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// Insights is the derived next-action view for dashboards.
type Insights struct {
	Recommendations []Recommendation `json:"recommendations"`
	Confidence      float64          `json:"confidence"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Metadata is the typed metadata bag of a branch.
//
// Known keys get explicit fields; Extra carries passthrough keys written by
// other tools so they survive a read-modify-write.
type Metadata struct {
	Phase        string   `json:"phase,omitempty"`
	PhasePlan    []string `json:"phase_plan,omitempty"`
	PhaseHistory []string `json:"phase_history,omitempty"`
	Title        string   `json:"title,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Responsible  string   `json:"responsible,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Worktree     string   `json:"worktree,omitempty"`

	DependencyBlockers []string         `json:"dependency_blockers,omitempty"`
	FailureBlockers    []FailureBlocker `json:"failure_blockers,omitempty"`
	DecisionBlockers   []string         `json:"decision_blockers,omitempty"`
	// FailureClearedAt marks a manual or phase-change clear. Records resolved
	// at or before it no longer count toward a failure streak.
	FailureClearedAt *time.Time `json:"failure_cleared_at,omitempty"`

	CommandHistory        []CommandRecord        `json:"command_history,omitempty"`
	HistorySummaries      []HistorySummary       `json:"history_summaries,omitempty"`
	QueuedCommands        []QueuedCommand        `json:"queued_commands,omitempty"`
	PendingConfirmation   []PendingCommand       `json:"pending_confirmation,omitempty"`
	ConfirmationResponses []ConfirmationResponse `json:"confirmation_responses,omitempty"`
	DelegateSuggestions   []string               `json:"delegate_suggestions,omitempty"`
	LastCommands          []string               `json:"last_commands,omitempty"`

	Summary        string      `json:"summary,omitempty"`
	Heartbeat      time.Time   `json:"heartbeat,omitzero"`
	LastDecisionAt time.Time   `json:"last_decision_at,omitzero"`
	LastError      *ErrorInfo  `json:"last_error,omitempty"`
	Stall          *StallState `json:"stall,omitempty"`
	OutputOffset   int64       `json:"output_offset,omitempty"`
	FallbackIndex  int         `json:"fallback_index,omitempty"`
	FallbackActive bool        `json:"fallback_active,omitempty"`

	RequirementsDoc   string         `json:"requirements_doc,omitempty"`
	TaskDecomposition *Decomposition `json:"task_decomposition,omitempty"`
	NextActions       *Insights      `json:"next_actions,omitempty"`

	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// BranchState is the durable record of one tracked branch.
type BranchState struct {
	Branch    string    `json:"branch"`
	Session   string    `json:"session"`
	Status    string    `json:"status,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *BranchState) Clone() *BranchState {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("state: marshal branch %q: %v", s.Branch, err))
	}
	var out BranchState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("state: unmarshal branch %q: %v", s.Branch, err))
	}
	return &out
}
