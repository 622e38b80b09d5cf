package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// applyApprovals drains the approval inbox. Approved confirmations are
// dispatched straight away, bypassing the confirmation hold.
func (l *Loop) applyApprovals(ctx context.Context) []DispatchResult {
	if l.inbox == nil {
		return nil
	}
	var results []DispatchResult
	for _, resp := range l.inbox.Drain() {
		results = append(results, l.applyApproval(ctx, resp)...)
	}
	return results
}

func (l *Loop) applyApproval(ctx context.Context, resp approval.Response) []DispatchResult {
	ctx = logging.WithBranch(ctx, resp.Branch)
	if _, err := l.store.Get(ctx, resp.Branch); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			l.logger.Warn(ctx, "approval for unknown branch", zap.String("action", string(resp.Action)))
		} else {
			l.logger.Warn(ctx, "approval lookup failed", zap.Error(err))
		}
		return nil
	}

	var (
		approved  []state.PendingCommand
		matched   int
		remaining int
	)
	_, err := l.store.Update(ctx, resp.Branch, func(bs *state.BranchState) error {
		approved, matched = nil, 0
		meta := &bs.Metadata
		switch resp.Action {
		case approval.ActionApprove, approval.ActionDeny:
			keep := meta.PendingConfirmation[:0:0]
			for _, p := range meta.PendingConfirmation {
				if !resp.Matches(p.Text) {
					keep = append(keep, p)
					continue
				}
				matched++
				if resp.Action == approval.ActionApprove {
					approved = append(approved, p)
				}
			}
			if len(keep) == 0 {
				keep = nil
			}
			meta.PendingConfirmation = keep
		case approval.ActionClear:
			matched = len(meta.FailureBlockers)
			meta.ResetFailures(l.now())
		}
		remaining = len(meta.PendingConfirmation)
		meta.AddResponse(state.ConfirmationResponse{
			Action:  string(resp.Action),
			Command: resp.Command,
			Source:  resp.Source,
			Matched: matched,
			At:      resp.At,
		})
		return nil
	})
	if err != nil {
		l.logger.Warn(ctx, "apply approval failed", zap.Error(err))
		return nil
	}

	l.metrics.SetPendingConfirmations(resp.Branch, remaining)
	l.record(ctx, audit.Event{
		Branch: resp.Branch,
		Event:  audit.EventConfirmation,
		Payload: map[string]any{
			"action":  string(resp.Action),
			"command": resp.Command,
			"source":  resp.Source,
			"matched": matched,
		},
	})
	l.logger.Info(ctx, "approval applied",
		zap.String("action", string(resp.Action)),
		zap.Int("matched", matched),
		zap.Int("remaining", remaining))

	results := make([]DispatchResult, 0, len(approved))
	for _, p := range approved {
		results = append(results, l.scheduler.Dispatch(ctx, Command{
			Branch:     resp.Branch,
			Session:    p.Session,
			Text:       p.Text,
			PressEnter: p.PressEnter,
			Keys:       p.Keys,
			WorkingDir: p.WorkingDir,
			RiskLevel:  p.RiskLevel,
			Notes:      p.Notes,
			Phase:      p.Phase,
			Source:     SourceApproval,
		}))
	}
	return results
}
