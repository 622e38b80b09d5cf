package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/instrument"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/metrics"
	"github.com/haizhouyuan/tmuxagent/internal/redact"
	"github.com/haizhouyuan/tmuxagent/internal/state"
	"github.com/haizhouyuan/tmuxagent/internal/terminal"
	"github.com/haizhouyuan/tmuxagent/internal/workspace"
)

// WorkspaceProber inspects the worktree behind a branch.
type WorkspaceProber interface {
	Probe(ctx context.Context, branch, dir string) (*workspace.Status, error)
}

// CollectorConfig tunes snapshot collection.
type CollectorConfig struct {
	HistoryLines  int
	HistoryLimit  int
	SummaryLimit  int
	WorkspaceRoot string
}

// Collector builds per-cycle snapshots and resolves exit markers.
type Collector struct {
	cfg      CollectorConfig
	host     terminal.Host
	store    state.Store
	redactor *redact.Redactor
	prober   WorkspaceProber
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	tails map[string][]string
}

// CollectorDeps are the optional collaborators of a Collector.
type CollectorDeps struct {
	Redactor *redact.Redactor
	Prober   WorkspaceProber
	Audit    audit.Sink
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Now      func() time.Time
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig, host terminal.Host, store state.Store, deps CollectorDeps) *Collector {
	if cfg.HistoryLines < 1 {
		cfg.HistoryLines = 400
	}
	c := &Collector{
		cfg:      cfg,
		host:     host,
		store:    store,
		redactor: deps.Redactor,
		prober:   deps.Prober,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		tails:    make(map[string][]string),
	}
	if c.audit == nil {
		c.audit = audit.Nop{}
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Collect snapshots every branch through pool. The result is in branch
// order; a failing branch yields a stale snapshot instead of an error.
func (c *Collector) Collect(ctx context.Context, branches []TrackedBranch, pool *Pool) []*Snapshot {
	handles, listErr := c.host.ListSessions(ctx)
	if listErr != nil {
		c.logger.Warn(ctx, "list sessions failed", zap.Error(listErr))
	}
	out := make([]*Snapshot, len(branches))
	pool.Each(ctx, len(branches), func(ctx context.Context, i int) {
		tb := branches[i]
		ctx = logging.WithSession(logging.WithBranch(ctx, tb.Branch), tb.Session)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error(ctx, "collector panic", zap.Any("panic", r))
				out[i] = &Snapshot{Branch: tb.Branch, Session: tb.Session, Task: tb.Task, Stale: true,
					StaleReason: fmt.Sprintf("panic: %v", r), CollectedAt: c.now()}
			}
		}()
		out[i] = c.collectOne(ctx, tb, handles, listErr)
	})
	for i, snap := range out {
		if snap == nil {
			tb := branches[i]
			out[i] = &Snapshot{Branch: tb.Branch, Session: tb.Session, Task: tb.Task, Stale: true,
				StaleReason: "collection canceled", CollectedAt: c.now()}
		}
	}
	return out
}

func (c *Collector) collectOne(ctx context.Context, tb TrackedBranch, handles []terminal.SessionHandle, listErr error) *Snapshot {
	now := c.now()
	snap := &Snapshot{Branch: tb.Branch, Session: tb.Session, Task: tb.Task, CollectedAt: now}
	markStale := func(reason string) {
		if !snap.Stale {
			snap.Stale = true
			snap.StaleReason = reason
		}
	}

	cur, err := c.store.Get(ctx, tb.Branch)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		c.logger.Warn(ctx, "read branch state failed", zap.Error(err))
		markStale("state: " + err.Error())
		snap.State = &state.BranchState{Branch: tb.Branch, Session: tb.Session}
		return snap
	}

	var handle terminal.SessionHandle
	found := false
	switch {
	case listErr != nil:
		markStale("list sessions: " + listErr.Error())
	case tb.Session == "":
		markStale("no session registered")
	default:
		handle, found = terminal.FindSession(handles, tb.Session)
		if !found {
			markStale("session not found")
		}
	}

	var (
		text      string
		newOffset int64
		captured  bool
	)
	if found {
		snap.Handle = &handle
		since := int64(0)
		if cur != nil && c.hasTail(tb.Branch) {
			since = cur.Metadata.OutputOffset
		}
		text, newOffset, err = c.host.CaptureOutput(ctx, handle, since)
		if err != nil {
			c.logger.Warn(ctx, "capture output failed", zap.Error(err))
			markStale("capture: " + err.Error())
		} else {
			captured = true
		}
	}

	markers := instrument.ParseMarkers(text)
	status := BranchActive
	if !found {
		status = BranchMissing
	}
	var resolved []state.CommandRecord
	next, err := c.store.Update(ctx, tb.Branch, func(bs *state.BranchState) error {
		resolved = resolved[:0]
		changed := false
		if tb.Session != "" && bs.Session != tb.Session {
			bs.Session = tb.Session
			changed = true
		}
		if bs.Status != status && bs.Status != BranchDone {
			bs.Status = status
			changed = true
		}
		if captured && bs.Metadata.OutputOffset != newOffset {
			bs.Metadata.OutputOffset = newOffset
			changed = true
		}
		for _, m := range markers {
			if rec, ok := bs.Metadata.ResolveCommand(m.ID, m.ExitCode, now.UTC()); ok {
				resolved = append(resolved, *rec)
				changed = true
			}
		}
		if !changed {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		c.logger.Warn(ctx, "persist snapshot failed", zap.Error(err))
		markStale("state: " + err.Error())
		next = cur
	}
	if next == nil {
		next = &state.BranchState{Branch: tb.Branch, Session: tb.Session, Status: status}
	}
	snap.State = next
	snap.Status = next.Status
	snap.Resolved = resolved

	for _, rec := range resolved {
		c.metrics.RecordResult(string(rec.Status))
		code := 0
		if rec.ExitCode != nil {
			code = *rec.ExitCode
		}
		c.record(ctx, audit.Event{
			TS: now.UTC(), Branch: tb.Branch, Session: rec.Session, Event: audit.EventResult, CommandID: rec.ID,
			Payload: map[string]any{"text": rec.Text, "status": string(rec.Status), "exit_code": code},
		})
		c.logger.Info(logging.WithCommandID(ctx, rec.ID), "command resolved",
			zap.String("status", string(rec.Status)), zap.Int("exit_code", code))
	}

	if captured {
		c.appendTail(tb.Branch, c.redactor.String(instrument.Sanitize(text)))
	}
	snap.LogExcerpt = c.excerpt(tb.Branch)
	snap.Workspace = c.probe(ctx, tb, &next.Metadata)
	return snap
}

func (c *Collector) probe(ctx context.Context, tb TrackedBranch, meta *state.Metadata) *workspace.Status {
	if c.prober == nil {
		return nil
	}
	dir := meta.Worktree
	if dir == "" && tb.Task != nil {
		dir = tb.Task.Worktree
	}
	if dir == "" {
		dir = c.cfg.WorkspaceRoot
	}
	if dir == "" {
		return nil
	}
	st, err := c.prober.Probe(ctx, tb.Branch, dir)
	if err != nil {
		c.logger.Debug(ctx, "workspace probe failed", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	return st
}

func (c *Collector) hasTail(branch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tails[branch]
	return ok
}

// appendTail adds text to the rolling tail of branch, keeping HistoryLines.
func (c *Collector) appendTail(branch, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail := c.tails[branch]
	if tail == nil {
		tail = []string{}
	}
	text = strings.TrimRight(text, "\n")
	if text != "" {
		tail = append(tail, strings.Split(text, "\n")...)
	}
	if n := len(tail); n > c.cfg.HistoryLines {
		tail = append([]string(nil), tail[n-c.cfg.HistoryLines:]...)
	}
	c.tails[branch] = tail
}

func (c *Collector) excerpt(branch string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.tails[branch], "\n")
}

// Forget drops the in-memory tail of branch.
func (c *Collector) Forget(branch string) {
	c.mu.Lock()
	delete(c.tails, branch)
	c.mu.Unlock()
}

func (c *Collector) record(ctx context.Context, ev audit.Event) {
	if err := c.audit.Record(ctx, ev); err != nil {
		c.logger.Warn(ctx, "audit write failed", zap.String("event", ev.Event), zap.Error(err))
	}
}
