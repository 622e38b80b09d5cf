package orchestrator

import (
	"time"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// StallVerdict is the result of one stall check.
type StallVerdict struct {
	IsStalled      bool
	Command        *state.CommandRecord
	ElapsedSeconds int
	Attempt        int
	// Incremented is set when this check advanced the attempt counter.
	Incremented bool
	Notify      bool
	// Released is set when the record was marked stalled by this check.
	Released bool
}

// StallDetector flags commands that have been pending for too long.
type StallDetector struct {
	Timeout             time.Duration
	Bucket              time.Duration
	RetriesBeforeNotify int
}

// NewStallDetector builds a detector from the loop settings. The attempt
// bucket is the poll interval.
func NewStallDetector(timeout, pollInterval time.Duration, retries int) StallDetector {
	return StallDetector{Timeout: timeout, Bucket: pollInterval, RetriesBeforeNotify: retries}
}

// target returns the record being watched: the newest pending command, or
// the stalled command still tracked in meta.Stall.
func (d StallDetector) target(meta *state.Metadata) *state.CommandRecord {
	if rec, ok := meta.PendingCommand(); ok {
		return rec
	}
	if meta.Stall != nil {
		if rec, ok := meta.FindCommand(meta.Stall.CommandID); ok && rec.Status == state.StatusStalled {
			return rec
		}
	}
	return nil
}

// Check inspects meta at now and updates meta.Stall. Repeated checks inside
// one bucket never advance the attempt counter twice.
func (d StallDetector) Check(meta *state.Metadata, now time.Time) StallVerdict {
	rec := d.target(meta)
	if rec == nil {
		meta.Stall = nil
		return StallVerdict{}
	}
	elapsed := now.Sub(rec.DispatchedAt)
	v := StallVerdict{Command: rec, ElapsedSeconds: int(elapsed / time.Second)}
	if d.Timeout <= 0 || elapsed < d.Timeout {
		if meta.Stall != nil && meta.Stall.CommandID != rec.ID {
			meta.Stall = nil
		}
		return v
	}
	v.IsStalled = true

	bucket := int64(0)
	if d.Bucket > 0 {
		bucket = int64((elapsed - d.Timeout) / d.Bucket)
	}
	st := meta.Stall
	switch {
	case st == nil || st.CommandID != rec.ID:
		st = &state.StallState{CommandID: rec.ID, Attempt: 1, LastBucket: bucket}
		meta.Stall = st
		v.Incremented = true
	case bucket > st.LastBucket:
		st.Attempt++
		st.LastBucket = bucket
		v.Incremented = true
	}
	v.Attempt = st.Attempt

	every := max(d.RetriesBeforeNotify, 1)
	if v.Incremented && st.Attempt >= every && st.Attempt%every == 0 {
		v.Notify = true
		at := now
		st.NotifiedAt = &at
	}
	if st.Attempt >= every && rec.Status == state.StatusPending {
		rec.Status = state.StatusStalled
		v.Released = true
	}
	return v
}
