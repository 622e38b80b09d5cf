package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// HoldSeverity says whether a hold skips the whole decision or only dispatch.
type HoldSeverity string

const (
	// HoldSkip means the branch is not decided this cycle.
	HoldSkip HoldSeverity = "skip"
	// HoldDone means the branch has nothing left to do.
	HoldDone HoldSeverity = "done"
)

// Hold is one reason a branch is not ready for a decision.
type Hold struct {
	Gate     string
	Reason   string
	Severity HoldSeverity
}

// GateInput is what a readiness gate inspects.
type GateInput struct {
	Snapshot        *Snapshot
	Task            ResolvedTask
	CompletionPhase string
	CooldownUntil   time.Time
	Now             time.Time
}

// Gate decides whether a branch may be handed to the decision provider.
type Gate interface {
	Name() string
	Check(ctx context.Context, in *GateInput) ([]Hold, error)
}

// DefaultGates returns the readiness gates run every cycle, in order.
func DefaultGates() []Gate {
	return []Gate{
		NewCompletionGate(),
		NewSessionGate(),
		NewDependencyGate(),
		NewConfirmationGate(),
		NewPendingCommandGate(),
		NewCooldownGate(),
	}
}

// CheckGates runs gates in order and returns every hold raised.
func CheckGates(ctx context.Context, gates []Gate, in *GateInput) ([]Hold, error) {
	var holds []Hold
	for _, g := range gates {
		h, err := g.Check(ctx, in)
		if err != nil {
			return holds, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		holds = append(holds, h...)
	}
	return holds, nil
}

// DescribeHolds joins hold reasons for logging.
func DescribeHolds(holds []Hold) string {
	parts := make([]string, 0, len(holds))
	for _, h := range holds {
		parts = append(parts, h.Gate+": "+h.Reason)
	}
	return strings.Join(parts, "; ")
}

// CompletionGate holds branches already in the completion phase.
type CompletionGate struct{}

// NewCompletionGate creates a completion gate.
func NewCompletionGate() *CompletionGate {
	return &CompletionGate{}
}

// Name returns the gate identifier
func (g *CompletionGate) Name() string {
	return "completion"
}

// Check holds when the branch phase equals the completion phase.
func (g *CompletionGate) Check(ctx context.Context, in *GateInput) ([]Hold, error) {
	if in.CompletionPhase == "" || in.Snapshot.Metadata().Phase != in.CompletionPhase {
		return nil, nil
	}
	return []Hold{{Gate: g.Name(), Reason: "branch reached " + in.CompletionPhase, Severity: HoldDone}}, nil
}

// SessionGate holds branches whose session could not be read this cycle.
type SessionGate struct{}

// NewSessionGate creates a session gate.
func NewSessionGate() *SessionGate {
	return &SessionGate{}
}

// Name returns the gate identifier
func (g *SessionGate) Name() string {
	return "session"
}

// Check holds stale snapshots.
func (g *SessionGate) Check(ctx context.Context, in *GateInput) ([]Hold, error) {
	if !in.Snapshot.Stale {
		return nil, nil
	}
	reason := in.Snapshot.StaleReason
	if reason == "" {
		reason = "snapshot stale"
	}
	return []Hold{{Gate: g.Name(), Reason: reason, Severity: HoldSkip}}, nil
}

// DependencyGate holds branches whose dependencies are not completed.
type DependencyGate struct{}

// NewDependencyGate creates a dependency gate.
func NewDependencyGate() *DependencyGate {
	return &DependencyGate{}
}

// Name returns the gate identifier
func (g *DependencyGate) Name() string {
	return "dependencies"
}

// Check holds when the resolved task is not eligible.
func (g *DependencyGate) Check(ctx context.Context, in *GateInput) ([]Hold, error) {
	if in.Task.Eligible {
		return nil, nil
	}
	reason := "waiting on " + strings.Join(in.Task.Blockers, ", ")
	if in.Task.OnCycle {
		reason = CircularDependency
	}
	return []Hold{{Gate: g.Name(), Reason: reason, Severity: HoldSkip}}, nil
}

// ConfirmationGate holds branches with commands awaiting approval.
type ConfirmationGate struct{}

// NewConfirmationGate creates a confirmation gate.
func NewConfirmationGate() *ConfirmationGate {
	return &ConfirmationGate{}
}

// Name returns the gate identifier
func (g *ConfirmationGate) Name() string {
	return "confirmation"
}

// Check holds while PendingConfirmation is non-empty.
func (g *ConfirmationGate) Check(ctx context.Context, in *GateInput) ([]Hold, error) {
	n := len(in.Snapshot.Metadata().PendingConfirmation)
	if n == 0 {
		return nil, nil
	}
	return []Hold{{Gate: g.Name(), Reason: fmt.Sprintf("%d command(s) awaiting approval", n), Severity: HoldSkip}}, nil
}

// PendingCommandGate holds branches with a command still running.
type PendingCommandGate struct{}

// NewPendingCommandGate creates a pending command gate.
func NewPendingCommandGate() *PendingCommandGate {
	return &PendingCommandGate{}
}

// Name returns the gate identifier
func (g *PendingCommandGate) Name() string {
	return "pending-command"
}

// Check holds while a pending record exists.
func (g *PendingCommandGate) Check(ctx context.Context, in *GateInput) ([]Hold, error) {
	rec, ok := in.Snapshot.Metadata().PendingCommand()
	if !ok {
		return nil, nil
	}
	return []Hold{{Gate: g.Name(), Reason: "waiting for " + rec.ID, Severity: HoldSkip}}, nil
}

// CooldownGate holds branches decided too recently.
type CooldownGate struct{}

// NewCooldownGate creates a cooldown gate.
func NewCooldownGate() *CooldownGate {
	return &CooldownGate{}
}

// Name returns the gate identifier
func (g *CooldownGate) Name() string {
	return "cooldown"
}

// Check holds until CooldownUntil has passed.
func (g *CooldownGate) Check(ctx context.Context, in *GateInput) ([]Hold, error) {
	if in.CooldownUntil.IsZero() || !in.Now.Before(in.CooldownUntil) {
		return nil, nil
	}
	left := in.CooldownUntil.Sub(in.Now).Round(time.Second)
	return []Hold{{Gate: g.Name(), Reason: "cooling down for " + left.String(), Severity: HoldSkip}}, nil
}
