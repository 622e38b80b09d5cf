package http

import (
	"context"

	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// BranchCounts aggregates branch states for the status endpoint.
type BranchCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Missing  int `json:"missing"`
	Done     int `json:"done"`
	Pending  int `json:"pending_commands"`
	Held     int `json:"pending_confirmations"`
	Blocked  int `json:"blocked"`
	Erroring int `json:"erroring"`
}

// CountBranches tallies the branches in store.
//
// Returns a zero BranchCounts with Total -1 when store is nil or listing
// fails, so callers can tell "unknown" from "empty".
func CountBranches(ctx context.Context, store state.Store) BranchCounts {
	if store == nil {
		return BranchCounts{Total: -1}
	}
	all, err := store.List(ctx)
	if err != nil {
		return BranchCounts{Total: -1}
	}

	var c BranchCounts
	for _, bs := range all {
		c.Total++
		switch bs.Status {
		case "done":
			c.Done++
		case "missing":
			c.Missing++
		default:
			c.Active++
		}
		m := &bs.Metadata
		if m.HasPending() {
			c.Pending++
		}
		c.Held += len(m.PendingConfirmation)
		if len(m.Blockers()) > 0 {
			c.Blocked++
		}
		if m.LastError != nil {
			c.Erroring++
		}
	}
	return c
}
