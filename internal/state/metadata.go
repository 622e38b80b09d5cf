package state

import (
	"slices"
	"time"
)

// Blockers returns the merged blocker view: dependency, failure, then
// decision blockers, deduplicated in that order.
func (m *Metadata) Blockers() []string {
	out := make([]string, 0, len(m.DependencyBlockers)+len(m.FailureBlockers)+len(m.DecisionBlockers))
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, b := range m.DependencyBlockers {
		add(b)
	}
	for _, b := range m.FailureBlockers {
		add(FailureBlockerLabel(b.Text))
	}
	for _, b := range m.DecisionBlockers {
		add(b)
	}
	return out
}

// FailureBlockerLabel is the human form of a failure blocker.
func FailureBlockerLabel(text string) string {
	return "command failed repeatedly: " + text
}

// PendingCommand returns the newest pending record, if any.
func (m *Metadata) PendingCommand() (*CommandRecord, bool) {
	for i := len(m.CommandHistory) - 1; i >= 0; i-- {
		if m.CommandHistory[i].Status == StatusPending {
			return &m.CommandHistory[i], true
		}
	}
	return nil, false
}

// PendingFor returns the pending record targeting session. Records without
// a session match any session.
func (m *Metadata) PendingFor(session string) (*CommandRecord, bool) {
	for i := len(m.CommandHistory) - 1; i >= 0; i-- {
		rec := &m.CommandHistory[i]
		if rec.Status == StatusPending && (rec.Session == "" || session == "" || rec.Session == session) {
			return rec, true
		}
	}
	return nil, false
}

// HasPending reports whether any record is still pending.
func (m *Metadata) HasPending() bool {
	_, ok := m.PendingCommand()
	return ok
}

// FindCommand returns the record with id.
func (m *Metadata) FindCommand(id string) (*CommandRecord, bool) {
	for i := range m.CommandHistory {
		if m.CommandHistory[i].ID == id {
			return &m.CommandHistory[i], true
		}
	}
	return nil, false
}

// AppendCommand adds rec to the history. When the history exceeds
// historyLimit the oldest records move into HistorySummaries, which is in
// turn bounded by summaryLimit.
func (m *Metadata) AppendCommand(rec CommandRecord, historyLimit, summaryLimit int) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if summaryLimit <= 0 {
		summaryLimit = DefaultSummaryLimit
	}
	m.CommandHistory = append(m.CommandHistory, rec)
	for len(m.CommandHistory) > historyLimit {
		old := m.CommandHistory[0]
		m.CommandHistory = m.CommandHistory[1:]
		at := old.DispatchedAt
		if old.ResolvedAt != nil {
			at = *old.ResolvedAt
		}
		m.HistorySummaries = append(m.HistorySummaries, HistorySummary{
			CommandID: old.ID,
			Text:      old.Text,
			Status:    old.Status,
			ExitCode:  old.ExitCode,
			At:        at,
		})
	}
	if n := len(m.HistorySummaries); n > summaryLimit {
		m.HistorySummaries = m.HistorySummaries[n-summaryLimit:]
	}
	m.LastCommands = appendBounded(m.LastCommands, rec.Text, LastCommandsLimit)
}

// ResolveCommand marks the pending or stalled record id with exitCode. It
// returns the resolved record, or false when id is unknown or already
// resolved.
func (m *Metadata) ResolveCommand(id string, exitCode int, at time.Time) (*CommandRecord, bool) {
	rec, ok := m.FindCommand(id)
	if !ok || (rec.Status != StatusPending && rec.Status != StatusStalled) {
		return nil, false
	}
	code := exitCode
	ts := at
	rec.ExitCode = &code
	rec.ResolvedAt = &ts
	if exitCode == 0 {
		rec.Status = StatusSucceeded
	} else {
		rec.Status = StatusFailed
	}
	return rec, true
}

// ResolvedHistory returns resolved records oldest first.
func (m *Metadata) ResolvedHistory() []CommandRecord {
	out := make([]CommandRecord, 0, len(m.CommandHistory))
	for _, r := range m.CommandHistory {
		if r.Status == StatusSucceeded || r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// HasFailureBlocker reports whether text is blocked by a failure streak.
func (m *Metadata) HasFailureBlocker(text string) bool {
	return slices.ContainsFunc(m.FailureBlockers, func(b FailureBlocker) bool { return b.Text == text })
}

// AddFailureBlocker records a blocker for text. It returns false when one
// already exists, in which case only its streak is refreshed.
func (m *Metadata) AddFailureBlocker(b FailureBlocker) bool {
	for i := range m.FailureBlockers {
		if m.FailureBlockers[i].Text == b.Text {
			m.FailureBlockers[i].Streak = b.Streak
			return false
		}
	}
	m.FailureBlockers = append(m.FailureBlockers, b)
	return true
}

// ClearFailureBlockers drops every failure blocker and reports whether any existed.
func (m *Metadata) ClearFailureBlockers() bool {
	had := len(m.FailureBlockers) > 0
	m.FailureBlockers = nil
	return had
}

// ResetFailures clears the failure blockers and records at as the point
// before which failed records are forgiven.
func (m *Metadata) ResetFailures(at time.Time) bool {
	at = at.UTC()
	m.FailureClearedAt = &at
	return m.ClearFailureBlockers()
}

// SetDependencyBlockers replaces the dependency blockers and reports whether
// the set changed.
func (m *Metadata) SetDependencyBlockers(blockers []string) bool {
	if slices.Equal(m.DependencyBlockers, blockers) {
		return false
	}
	if len(blockers) == 0 {
		m.DependencyBlockers = nil
	} else {
		m.DependencyBlockers = slices.Clone(blockers)
	}
	return true
}

// SetDecisionBlockers replaces the decision blockers.
func (m *Metadata) SetDecisionBlockers(blockers []string) {
	if len(blockers) == 0 {
		m.DecisionBlockers = nil
		return
	}
	if len(blockers) > DecisionBlockerLimit {
		blockers = blockers[:DecisionBlockerLimit]
	}
	m.DecisionBlockers = slices.Clone(blockers)
}

// PushPhase sets phase and records the previous one in PhaseHistory.
// It reports whether the phase changed.
func (m *Metadata) PushPhase(phase string) bool {
	if phase == "" || phase == m.Phase {
		return false
	}
	if m.Phase != "" {
		m.PhaseHistory = appendBounded(m.PhaseHistory, m.Phase, PhaseHistoryLimit)
	}
	m.Phase = phase
	return true
}

// AddResponse appends an operator response, keeping the newest entries.
func (m *Metadata) AddResponse(r ConfirmationResponse) {
	m.ConfirmationResponses = append(m.ConfirmationResponses, r)
	if n := len(m.ConfirmationResponses); n > ResponseLimit {
		m.ConfirmationResponses = m.ConfirmationResponses[n-ResponseLimit:]
	}
}

// RecordError stores err as the last error, counting repeats of the same kind.
func (m *Metadata) RecordError(kind, message, payload string, at time.Time) {
	count := 1
	if m.LastError != nil && m.LastError.Kind == kind {
		count = m.LastError.Count + 1
	}
	m.LastError = &ErrorInfo{Kind: kind, Message: message, Payload: payload, Count: count, At: at}
}

func appendBounded(list []string, v string, limit int) []string {
	list = append(list, v)
	if n := len(list); n > limit {
		list = list[n-limit:]
	}
	return list
}
