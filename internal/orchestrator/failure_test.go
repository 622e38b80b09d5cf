package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

func records(at time.Time, statuses ...state.CommandStatus) []state.CommandRecord {
	out := make([]state.CommandRecord, 0, len(statuses))
	for i, st := range statuses {
		ts := at.Add(time.Duration(i) * time.Minute)
		rec := state.CommandRecord{ID: "cmd-" + string(rune('a'+i)), Text: "make test", DispatchedAt: ts, Status: st}
		if st == state.StatusFailed || st == state.StatusSucceeded {
			resolved := ts.Add(time.Second)
			rec.ResolvedAt = &resolved
		}
		out = append(out, rec)
	}
	return out
}

func TestCheckFailureStreak(t *testing.T) {
	at := newTestClock().Now()
	tests := []struct {
		name     string
		statuses []state.CommandStatus
		want     int
	}{
		{"empty", nil, 0},
		{"trailing failures", []state.CommandStatus{state.StatusSucceeded, state.StatusFailed, state.StatusFailed}, 2},
		{"stalled skipped", []state.CommandStatus{state.StatusFailed, state.StatusStalled, state.StatusFailed, state.StatusFailed}, 3},
		{"ends at pending", []state.CommandStatus{state.StatusFailed, state.StatusFailed, state.StatusPending}, 0},
		{"ends at success", []state.CommandStatus{state.StatusFailed, state.StatusSucceeded}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckFailureStreak(records(at, tt.statuses...)))
		})
	}
}

func TestFailureMonitor_RaisesOncePerStreak(t *testing.T) {
	now := newTestClock().Now()
	meta := &state.Metadata{CommandHistory: records(now.Add(-time.Hour), state.StatusFailed, state.StatusFailed, state.StatusFailed)}
	meta.CommandHistory[2].Text = "go vet ./..."
	m := FailureMonitor{Threshold: 3}

	v := m.Apply(meta, "build", now)
	assert.True(t, v.Raised)
	assert.Equal(t, 3, v.Streak)
	assert.Equal(t, []string{"make test", "go vet ./..."}, v.Added)
	assert.True(t, meta.HasFailureBlocker("make test"))
	assert.Equal(t, "build", meta.FailureBlockers[0].Phase)

	v = m.Apply(meta, "build", now.Add(time.Minute))
	assert.False(t, v.Raised)
	assert.Empty(t, v.Added)
	assert.Len(t, meta.FailureBlockers, 2)
}

func TestFailureMonitor_BelowThreshold(t *testing.T) {
	now := newTestClock().Now()
	meta := &state.Metadata{CommandHistory: records(now.Add(-time.Hour), state.StatusFailed, state.StatusFailed)}
	v := FailureMonitor{Threshold: 3}.Apply(meta, "", now)
	assert.False(t, v.Raised)
	assert.Equal(t, 2, v.Streak)
	assert.Empty(t, meta.FailureBlockers)
}

func TestFailureMonitor_ClearsAfterLaterSuccess(t *testing.T) {
	now := newTestClock().Now()
	meta := &state.Metadata{CommandHistory: records(now.Add(-time.Hour), state.StatusFailed, state.StatusFailed, state.StatusFailed)}
	m := FailureMonitor{Threshold: 3}
	assert.True(t, m.Apply(meta, "", now).Raised)

	resolved := now.Add(2 * time.Minute)
	meta.CommandHistory = append(meta.CommandHistory, state.CommandRecord{
		ID: "cmd-ok", Text: "make lint", DispatchedAt: now.Add(time.Minute), ResolvedAt: &resolved, Status: state.StatusSucceeded,
	})
	v := m.Apply(meta, "", now.Add(3*time.Minute))
	assert.True(t, v.Cleared)
	assert.Empty(t, meta.FailureBlockers)
}

func TestFailureMonitor_IgnoresRecordsBeforeClear(t *testing.T) {
	now := newTestClock().Now()
	meta := &state.Metadata{CommandHistory: records(now.Add(-time.Hour), state.StatusFailed, state.StatusFailed, state.StatusFailed)}
	m := FailureMonitor{Threshold: 3}
	assert.True(t, m.Apply(meta, "", now).Raised)

	assert.True(t, meta.ResetFailures(now.Add(time.Minute)))
	v := m.Apply(meta, "", now.Add(2*time.Minute))
	assert.False(t, v.Raised)
	assert.Zero(t, v.Streak)
	assert.Empty(t, meta.FailureBlockers)

	t.Run("failures after the clear count again", func(t *testing.T) {
		later := records(now.Add(5*time.Minute), state.StatusFailed, state.StatusFailed, state.StatusFailed)
		meta.CommandHistory = append(meta.CommandHistory, later...)
		v := m.Apply(meta, "", now.Add(10*time.Minute))
		assert.True(t, v.Raised)
		assert.Equal(t, 3, v.Streak)
	})
}
