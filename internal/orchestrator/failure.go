package orchestrator

import (
	"time"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// CheckFailureStreak counts the trailing run of failed records. The run
// ends at the first succeeded or pending record; stalled records are
// skipped.
func CheckFailureStreak(history []state.CommandRecord) int {
	n, _ := failureRun(history, nil)
	return n
}

// failureRun returns the streak length and its distinct texts, oldest first.
// The run also ends at the first record resolved at or before clearedAt.
func failureRun(history []state.CommandRecord, clearedAt *time.Time) (int, []string) {
	count := 0
	var texts []string
scan:
	for i := len(history) - 1; i >= 0; i-- {
		if clearedAt != nil && !resolvedAt(history[i]).After(*clearedAt) {
			break
		}
		switch history[i].Status {
		case state.StatusFailed:
			count++
			texts = append(texts, history[i].Text)
		case state.StatusStalled:
		default:
			break scan
		}
	}
	seen := make(map[string]bool, len(texts))
	distinct := make([]string, 0, len(texts))
	for i := len(texts) - 1; i >= 0; i-- {
		if !seen[texts[i]] {
			seen[texts[i]] = true
			distinct = append(distinct, texts[i])
		}
	}
	return count, distinct
}

// FailureVerdict is the outcome of one failure check.
type FailureVerdict struct {
	Streak int
	// Raised is set when the streak crossed the threshold and blockers
	// were added for the first time.
	Raised  bool
	Added   []string
	Cleared bool
}

// FailureMonitor escalates repeated command failures.
type FailureMonitor struct {
	Threshold int
}

// Apply updates the failure blockers in meta. Blockers clear once a command
// resolved after they were raised has succeeded.
func (m FailureMonitor) Apply(meta *state.Metadata, phase string, now time.Time) FailureVerdict {
	if len(meta.FailureBlockers) > 0 && succeededSince(meta.CommandHistory, latestRaise(meta.FailureBlockers)) {
		meta.ClearFailureBlockers()
		return FailureVerdict{Cleared: true}
	}

	streak, texts := failureRun(meta.CommandHistory, meta.FailureClearedAt)
	v := FailureVerdict{Streak: streak}
	if m.Threshold < 1 || streak < m.Threshold {
		return v
	}
	hadBlockers := len(meta.FailureBlockers) > 0
	for _, text := range texts {
		if meta.AddFailureBlocker(state.FailureBlocker{Text: text, Streak: streak, Phase: phase, RaisedAt: now}) {
			v.Added = append(v.Added, text)
		}
	}
	v.Raised = !hadBlockers && len(v.Added) > 0
	return v
}

func latestRaise(blockers []state.FailureBlocker) time.Time {
	var t time.Time
	for _, b := range blockers {
		if b.RaisedAt.After(t) {
			t = b.RaisedAt
		}
	}
	return t
}

func succeededSince(history []state.CommandRecord, since time.Time) bool {
	for _, r := range history {
		if r.Status != state.StatusSucceeded {
			continue
		}
		if resolvedAt(r).After(since) {
			return true
		}
	}
	return false
}

func resolvedAt(r state.CommandRecord) time.Time {
	if r.ResolvedAt != nil {
		return *r.ResolvedAt
	}
	return r.DispatchedAt
}
