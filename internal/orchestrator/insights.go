package orchestrator

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// Recommendation priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// BuildInsights derives next-action recommendations from meta.
func BuildInsights(meta *state.Metadata, now time.Time) *state.Insights {
	var recs []state.Recommendation

	if blockers := meta.Blockers(); len(blockers) > 0 {
		recs = append(recs, state.Recommendation{
			Priority: PriorityHigh, Title: "resolve blocker", Detail: strings.Join(blockers, "; "),
		})
	}
	if n := len(meta.PendingConfirmation); n > 0 {
		texts := make([]string, 0, n)
		for _, p := range meta.PendingConfirmation {
			texts = append(texts, p.Text)
		}
		recs = append(recs, state.Recommendation{
			Priority: PriorityMedium, Title: "approve pending command", Detail: strings.Join(texts, "; "),
		})
	}
	if rec, ok := meta.PendingCommand(); ok {
		recs = append(recs, state.Recommendation{
			Priority: PriorityMedium, Title: "waiting for command to complete", Detail: rec.Text,
		})
	}
	if next := nextPlannedPhase(meta); next != "" {
		recs = append(recs, state.Recommendation{
			Priority: PriorityMedium, Title: "advance phase", Detail: "next planned phase: " + next,
		})
	}
	if resolved := meta.ResolvedHistory(); len(resolved) > 0 {
		if last := resolved[len(resolved)-1]; last.Status == state.StatusFailed {
			recs = append(recs, state.Recommendation{
				Priority: PriorityHigh, Title: "review failed command", Detail: last.Text,
			})
		}
	}
	if len(recs) == 0 {
		recs = append(recs, state.Recommendation{Priority: PriorityLow, Title: "keep monitoring"})
	}

	confidence := math.Min(1, 0.3+0.2*float64(len(recs)))
	return &state.Insights{
		Recommendations: recs,
		Confidence:      math.Round(confidence*100) / 100,
		GeneratedAt:     now.UTC(),
	}
}

// nextPlannedPhase returns the first planned phase that is neither current
// nor already visited.
func nextPlannedPhase(meta *state.Metadata) string {
	for _, p := range meta.PhasePlan {
		if p != meta.Phase && !slices.Contains(meta.PhaseHistory, p) {
			return p
		}
	}
	return ""
}
