package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

func titles(in *state.Insights) []string {
	out := make([]string, 0, len(in.Recommendations))
	for _, r := range in.Recommendations {
		out = append(out, r.Title)
	}
	return out
}

func TestBuildInsights_KeepMonitoring(t *testing.T) {
	now := newTestClock().Now()
	got := BuildInsights(&state.Metadata{}, now)
	require.Len(t, got.Recommendations, 1)
	assert.Equal(t, "keep monitoring", got.Recommendations[0].Title)
	assert.Equal(t, PriorityLow, got.Recommendations[0].Priority)
	assert.Equal(t, 0.5, got.Confidence)
	assert.Equal(t, now, got.GeneratedAt)
}

func TestBuildInsights_Recommendations(t *testing.T) {
	meta := &state.Metadata{
		Phase:               "build",
		PhasePlan:           []string{"planning", "build", "review"},
		PhaseHistory:        []string{"planning"},
		DependencyBlockers:  []string{"db"},
		PendingConfirmation: []state.PendingCommand{{Text: "git push"}},
		CommandHistory: []state.CommandRecord{
			{ID: "cmd-1", Text: "make", Status: state.StatusSucceeded},
			{ID: "cmd-2", Text: "make test", Status: state.StatusFailed},
			{ID: "cmd-3", Text: "make lint", Status: state.StatusPending},
		},
	}
	got := BuildInsights(meta, newTestClock().Now())

	assert.Equal(t, []string{
		"resolve blocker",
		"approve pending command",
		"waiting for command to complete",
		"advance phase",
		"review failed command",
	}, titles(got))
	assert.Equal(t, "next planned phase: review", got.Recommendations[3].Detail)
	assert.Equal(t, "make test", got.Recommendations[4].Detail)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestBuildInsights_Confidence(t *testing.T) {
	meta := &state.Metadata{DecisionBlockers: []string{"needs api key"}, PhasePlan: []string{"planning"}}
	got := BuildInsights(meta, newTestClock().Now())
	assert.Equal(t, []string{"resolve blocker", "advance phase"}, titles(got))
	assert.Equal(t, 0.7, got.Confidence)
}
