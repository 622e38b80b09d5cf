package orchestrator

import (
	"time"

	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/metrics"
	"github.com/haizhouyuan/tmuxagent/internal/state"
	"github.com/haizhouyuan/tmuxagent/internal/terminal"
	"github.com/haizhouyuan/tmuxagent/internal/workspace"
)

// CycleState is the loop's position within one reconciliation cycle.
type CycleState string

const (
	CycleIdle        CycleState = "idle"
	CycleCollecting  CycleState = "collecting"
	CycleDeciding    CycleState = "deciding"
	CycleDispatching CycleState = "dispatching"
)

// Outcome is the result of handing a command to the scheduler.
type Outcome string

const (
	OutcomeDispatched          Outcome = metrics.OutcomeDispatched
	OutcomeQueued              Outcome = metrics.OutcomeQueued
	OutcomeDroppedDuplicate    Outcome = metrics.OutcomeDroppedDuplicate
	OutcomeSuppressed          Outcome = metrics.OutcomeSuppressed
	OutcomeDryRun              Outcome = metrics.OutcomeDryRun
	OutcomeFailed              Outcome = metrics.OutcomeFailed
	OutcomePendingConfirmation Outcome = metrics.OutcomePending
)

// Branch status values written to state.BranchState.Status.
const (
	BranchActive  = "active"
	BranchMissing = "missing"
	BranchDone    = "done"
)

// TrackedBranch is one branch the loop supervises this cycle.
type TrackedBranch struct {
	Branch  string
	Session string
	// Task is the static plan entry, nil for branches registered only in
	// the store.
	Task *config.TaskSpec
}

// Snapshot is the per-cycle view of one branch.
type Snapshot struct {
	Branch      string
	Session     string
	Status      string
	Handle      *terminal.SessionHandle
	LogExcerpt  string
	State       *state.BranchState
	Task        *config.TaskSpec
	Workspace   *workspace.Status
	Resolved    []state.CommandRecord
	Stale       bool
	StaleReason string
	CollectedAt time.Time
}

// Metadata returns the snapshot's metadata, never nil.
func (s *Snapshot) Metadata() *state.Metadata {
	if s.State == nil {
		s.State = &state.BranchState{Branch: s.Branch, Session: s.Session}
	}
	return &s.State.Metadata
}

// Command is a request to type text (and keys) into a session.
type Command struct {
	Branch     string
	Session    string
	Text       string
	PressEnter bool
	Keys       []string
	WorkingDir string
	RiskLevel  string
	Notes      string
	Phase      string
	// Source names what produced the command: decision, approval or fallback.
	Source string
}

// IsKeysOnly reports whether cmd sends keystrokes without a command line.
func (c Command) IsKeysOnly() bool { return c.Text == "" && len(c.Keys) > 0 }

// QueueEntry is a command waiting for its session to become ready.
type QueueEntry struct {
	SessionKey string
	Payload    Command
	EnqueuedAt time.Time
}

// DispatchResult reports what the scheduler did with a command.
type DispatchResult struct {
	Outcome    Outcome
	Command    Command
	CommandID  string
	Sent       string
	QueueDepth int
	FromQueue  bool
	Err        error
}

// Command sources.
const (
	SourceDecision = "decision"
	SourceApproval = "approval"
	SourceFallback = "fallback"
)
