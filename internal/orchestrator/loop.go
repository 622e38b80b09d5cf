package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/decision"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/metrics"
	"github.com/haizhouyuan/tmuxagent/internal/notify"
	"github.com/haizhouyuan/tmuxagent/internal/prompt"
	"github.com/haizhouyuan/tmuxagent/internal/state"
)

// LoopDeps are the collaborators of a Loop. Store, Scheduler, Collector,
// Provider and Prompts are required.
type LoopDeps struct {
	Store     state.Store
	Scheduler *Scheduler
	Collector *Collector
	Provider  decision.Provider
	Prompts   *prompt.Builder
	Notifier  notify.Notifier
	Inbox     *approval.Inbox
	Audit     audit.Sink
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Tracer    trace.Tracer
	Gates     []Gate
	Now       func() time.Time
	// BaseDir resolves relative requirements documents.
	BaseDir string
}

// Loop is the reconciliation loop.
type Loop struct {
	cfg             config.OrchestratorConfig
	tasks           []config.TaskSpec
	decisionTimeout time.Duration
	baseDir         string

	store     state.Store
	scheduler *Scheduler
	collector *Collector
	provider  decision.Provider
	prompts   *prompt.Builder
	notifier  notify.Notifier
	inbox     *approval.Inbox
	audit     audit.Sink
	metrics   *metrics.Metrics
	logger    *logging.Logger
	tracer    trace.Tracer
	gates     []Gate
	now       func() time.Time

	stall    StallDetector
	failures FailureMonitor
	throttle *notify.Throttle
	pool     *Pool

	mu        sync.Mutex
	state     CycleState
	cycle     uint64
	lastCycle time.Time
	cooldowns map[string]time.Time
}

// NewLoop wires a loop from cfg and deps.
func NewLoop(cfg *config.Config, deps LoopDeps) (*Loop, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if deps.Scheduler == nil {
		errs = append(errs, errors.New("scheduler is required"))
	}
	if deps.Collector == nil {
		errs = append(errs, errors.New("collector is required"))
	}
	if deps.Provider == nil {
		errs = append(errs, errors.New("decision provider is required"))
	}
	if deps.Prompts == nil {
		errs = append(errs, errors.New("prompt builder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := cfg.Orchestrator
	l := &Loop{
		cfg:             o,
		tasks:           cfg.Tasks,
		decisionTimeout: cfg.Decision.Timeout.Duration(),
		baseDir:         deps.BaseDir,
		store:           deps.Store,
		scheduler:       deps.Scheduler,
		collector:       deps.Collector,
		provider:        deps.Provider,
		prompts:         deps.Prompts,
		notifier:        deps.Notifier,
		inbox:           deps.Inbox,
		audit:           deps.Audit,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		tracer:          deps.Tracer,
		gates:           deps.Gates,
		now:             deps.Now,
		stall:           NewStallDetector(o.StallTimeout.Duration(), o.PollInterval.Duration(), o.StallRetriesBeforeNotify),
		failures:        FailureMonitor{Threshold: o.FailureAlertThreshold},
		pool:            NewPool(o.WorkerCount),
		state:           CycleIdle,
		cooldowns:       make(map[string]time.Time),
	}
	if l.notifier == nil {
		l.notifier = notify.Log{Logger: logging.NewNop()}
	}
	if l.audit == nil {
		l.audit = audit.Nop{}
	}
	if l.logger == nil {
		l.logger = logging.NewNop()
	}
	if l.tracer == nil {
		l.tracer = noop.NewTracerProvider().Tracer("tmuxagent/orchestrator")
	}
	if l.gates == nil {
		l.gates = DefaultGates()
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.throttle = notify.NewThrottle(cfg.Notify.ThrottleWindow.Duration(), cfg.Notify.ThrottleBurst, l.now)
	return l, nil
}

// State reports where the loop is within the current cycle.
func (l *Loop) State() CycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Cycle returns the number of the last started cycle.
func (l *Loop) Cycle() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycle
}

// LastCycle returns when the last cycle completed, or zero.
func (l *Loop) LastCycle() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCycle
}

// Scheduler returns the dispatch scheduler driven by the loop.
func (l *Loop) Scheduler() *Scheduler { return l.scheduler }

// Sessions returns the scheduler's live per-session view.
func (l *Loop) Sessions() []SessionView { return l.scheduler.Sessions() }

// DryRun reports whether dispatch is simulated.
func (l *Loop) DryRun() bool { return l.cfg.DryRun }

// Delegate reports whether commands are only suggested.
func (l *Loop) Delegate() bool { return l.cfg.Delegate }

func (l *Loop) setState(s CycleState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run executes cycles every poll interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info(ctx, "orchestrator loop started",
		zap.Duration("poll_interval", interval),
		zap.Int("workers", l.pool.Size()),
		zap.Bool("dry_run", l.cfg.DryRun),
		zap.Bool("delegate", l.cfg.Delegate))
	for {
		if err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error(ctx, "cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.logger.Info(ctx, "orchestrator loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// branchPlan is the per-branch output of the decide stage.
type branchPlan struct {
	snap     *Snapshot
	commands []Command
}

// RunOnce runs one reconciliation cycle.
func (l *Loop) RunOnce(ctx context.Context) error {
	start := l.now()
	l.mu.Lock()
	l.cycle++
	cycle := l.cycle
	l.mu.Unlock()

	ctx = logging.WithCycle(ctx, cycle)
	ctx, span := l.tracer.Start(ctx, "orchestrator.cycle", trace.WithAttributes(attribute.Int64("cycle", int64(cycle))))
	defer span.End()
	defer l.setState(CycleIdle)

	l.scheduler.Tick(ctx)
	l.applyApprovals(ctx)

	l.setState(CycleCollecting)
	branches, phases, err := l.trackedBranches(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list branches")
		return fmt.Errorf("list branches: %w", err)
	}
	snaps := l.collector.Collect(ctx, branches, l.pool)
	for _, snap := range snaps {
		for _, rec := range snap.Resolved {
			l.scheduler.Release(ctx, sessionOf(rec.Session, snap.Session))
		}
		phases[snap.Branch] = snap.Metadata().Phase
	}
	graph := Resolve(l.tasks, phases, l.cfg.CompletionPhase)

	l.setState(CycleDeciding)
	plans := make([]branchPlan, len(snaps))
	l.pool.Each(ctx, len(snaps), func(ctx context.Context, i int) {
		snap := snaps[i]
		rt, ok := graph[snap.Branch]
		if !ok {
			rt = ResolvedTask{Branch: snap.Branch, Eligible: true}
		}
		plans[i] = branchPlan{snap: snap, commands: l.processBranch(ctx, snap, rt)}
	})

	l.setState(CycleDispatching)
	for _, p := range plans {
		if p.snap != nil {
			l.dispatchPlan(ctx, p)
		}
	}

	finished := l.now()
	l.finishCycle(ctx, snaps, finished)
	l.metrics.ObserveCycle(finished.Sub(start), finished, len(snaps))
	l.mu.Lock()
	l.lastCycle = finished
	l.mu.Unlock()
	span.SetAttributes(attribute.Int("branches", len(snaps)))
	return nil
}

// trackedBranches returns the config tasks followed by branches that exist
// only in the store, plus the known phase of every stored branch.
func (l *Loop) trackedBranches(ctx context.Context) ([]TrackedBranch, map[string]string, error) {
	stored, err := l.store.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	byBranch := make(map[string]*state.BranchState, len(stored))
	phases := make(map[string]string, len(stored))
	for _, bs := range stored {
		byBranch[bs.Branch] = bs
		phases[bs.Branch] = bs.Metadata.Phase
	}

	var out []TrackedBranch
	seen := make(map[string]bool, len(l.tasks))
	for i := range l.tasks {
		task := &l.tasks[i]
		if task.Branch == "" || seen[task.Branch] {
			continue
		}
		seen[task.Branch] = true
		session := task.Session
		if bs, ok := byBranch[task.Branch]; ok && session == "" {
			session = bs.Session
		}
		out = append(out, TrackedBranch{Branch: task.Branch, Session: session, Task: task})
	}
	var extra []TrackedBranch
	for _, bs := range stored {
		if !seen[bs.Branch] {
			extra = append(extra, TrackedBranch{Branch: bs.Branch, Session: bs.Session})
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Branch < extra[j].Branch })
	return append(out, extra...), phases, nil
}

func sessionOf(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

// processBranch runs the per-branch pipeline and returns the commands to
// dispatch. A panic is contained to the branch.
func (l *Loop) processBranch(ctx context.Context, snap *Snapshot, rt ResolvedTask) (commands []Command) {
	ctx = logging.WithSession(logging.WithBranch(ctx, snap.Branch), snap.Session)
	ctx, span := l.tracer.Start(ctx, "orchestrator.branch", trace.WithAttributes(
		attribute.String("branch", snap.Branch),
		attribute.String("session", snap.Session),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			l.branchError(ctx, snap, "panic", err)
			commands = nil
		}
	}()

	now := l.now()
	if !l.prepare(ctx, snap, rt, now) {
		return nil
	}

	holds, err := CheckGates(ctx, l.gates, &GateInput{
		Snapshot:        snap,
		Task:            rt,
		CompletionPhase: l.cfg.CompletionPhase,
		CooldownUntil:   l.cooldownUntil(snap.Branch),
		Now:             now,
	})
	if err != nil {
		l.branchError(ctx, snap, "gate", err)
		return nil
	}
	if len(holds) > 0 {
		span.SetAttributes(attribute.String("held", DescribeHolds(holds)))
		if holds[0].Severity == HoldDone {
			l.markDone(ctx, snap)
		}
		l.logger.Debug(ctx, "branch held", zap.String("holds", DescribeHolds(holds)))
		return nil
	}

	payload, err := l.prompts.Build(prompt.Input{
		Branch:     snap.Branch,
		Session:    snap.Session,
		Status:     snap.Status,
		LogExcerpt: snap.LogExcerpt,
		Metadata:   *snap.Metadata(),
		Workspace:  snap.Workspace,
	})
	if err != nil {
		l.branchError(ctx, snap, "prompt", err)
		return nil
	}

	started := time.Now()
	dec, err := l.provider.Decide(ctx, decision.Request{
		Branch:   snap.Branch,
		Template: payload.Template,
		Prompt:   payload.Text,
	}, l.decisionTimeout)
	l.metrics.ObserveDecisionLatency(time.Since(started))
	if err != nil {
		span.RecordError(err)
		return l.decisionFailed(ctx, snap, err)
	}
	return l.applyDecision(ctx, snap, dec)
}

// prepare merges the task plan, refreshes the requirements decomposition
// and runs the stall and failure checks. It returns false when the branch
// state could not be written.
func (l *Loop) prepare(ctx context.Context, snap *Snapshot, rt ResolvedTask, now time.Time) bool {
	var (
		stallV  StallVerdict
		failV   FailureVerdict
		docErr  error
		depsNew bool
	)
	next, err := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
		docErr = nil
		meta := &bs.Metadata
		if snap.Task != nil {
			MergeTask(meta, *snap.Task)
		}
		if _, err := RefreshDecomposition(meta, l.baseDir); err != nil {
			docErr = err
		}
		stallV = l.stall.Check(meta, now)
		failV = l.failures.Apply(meta, meta.Phase, now)
		depsNew = meta.SetDependencyBlockers(rt.Blockers)
		return nil
	})
	if err != nil {
		l.branchError(ctx, snap, "state", err)
		return false
	}
	snap.State = next
	if docErr != nil {
		l.logger.Warn(ctx, "requirements decomposition failed", zap.Error(docErr))
	}
	if depsNew {
		l.logger.Info(ctx, "dependency blockers changed", zap.Strings("blockers", rt.Blockers))
	}

	if stallV.IsStalled && stallV.Notify {
		l.metrics.RecordStall()
		l.record(ctx, audit.Event{
			Branch:    snap.Branch,
			Session:   snap.Session,
			Event:     audit.EventStall,
			CommandID: stallV.Command.ID,
			Payload: map[string]any{
				"text":            stallV.Command.Text,
				"elapsed_seconds": stallV.ElapsedSeconds,
				"attempt":         stallV.Attempt,
			},
		})
		l.send(ctx, notify.Message{
			Title:    "Command stalled on " + snap.Branch,
			Body:     fmt.Sprintf("%q has been running for %ds (attempt %d)", stallV.Command.Text, stallV.ElapsedSeconds, stallV.Attempt),
			Severity: notify.SeverityWarning,
			Metadata: map[string]string{"branch": snap.Branch, "command_id": stallV.Command.ID},
		})
	}
	if stallV.Released {
		l.logger.Warn(logging.WithCommandID(ctx, stallV.Command.ID), "command marked stalled",
			zap.Int("elapsed_seconds", stallV.ElapsedSeconds))
		l.scheduler.Release(ctx, sessionOf(stallV.Command.Session, snap.Session))
	}

	if failV.Raised {
		l.metrics.RecordFailureAlert()
		l.record(ctx, audit.Event{
			Branch:  snap.Branch,
			Session: snap.Session,
			Event:   audit.EventFailureStreak,
			Payload: map[string]any{"streak": failV.Streak, "texts": failV.Added},
		})
		l.send(ctx, notify.Message{
			Title:    "Repeated failures on " + snap.Branch,
			Body:     fmt.Sprintf("%d consecutive failures; blocked: %s", failV.Streak, strings.Join(failV.Added, ", ")),
			Severity: notify.SeverityCritical,
			Metadata: map[string]string{"branch": snap.Branch},
		})
	}
	if failV.Cleared {
		l.logger.Info(ctx, "failure blockers cleared by a later success")
	}
	return true
}

// decisionFailed records err and returns the next fallback step, if any.
func (l *Loop) decisionFailed(ctx context.Context, snap *Snapshot, err error) []Command {
	if decision.KindOf(err) == decision.KindCanceled {
		// Shutdown; the branch is retried on the next run.
		l.logger.Info(ctx, "decision canceled", zap.String("branch", snap.Branch))
		return nil
	}
	kind := string(decision.KindOf(err))
	if kind == "" {
		kind = "error"
	}
	var payload string
	var de *decision.Error
	if errors.As(err, &de) {
		payload = de.Payload
	}

	l.metrics.RecordDecisionError(kind)
	now := l.now()
	if next, uerr := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
		bs.Metadata.RecordError(kind, err.Error(), payload, now.UTC())
		return nil
	}); uerr == nil {
		snap.State = next
	} else {
		l.logger.Warn(ctx, "record decision error failed", zap.Error(uerr))
	}
	l.record(ctx, audit.Event{
		Branch:  snap.Branch,
		Session: snap.Session,
		Event:   audit.EventDecisionError,
		Payload: map[string]any{"kind": kind, "error": err.Error()},
	})

	v := l.throttle.Observe(snap.Branch + ":" + kind)
	l.logger.Warn(ctx, "decision failed",
		zap.String("kind", kind),
		zap.Int("occurrence", v.Count),
		zap.Bool("notified", v.Notify),
		zap.Error(err))
	if v.Notify {
		l.send(ctx, notify.Message{
			Title:    "Decision failed on " + snap.Branch,
			Body:     err.Error(),
			Severity: notify.SeverityWarning,
			Metadata: map[string]string{"branch": snap.Branch, "kind": kind},
		})
	}
	return l.fallback(ctx, snap, "decision_error")
}

// fallback returns the next unused fallback step of the branch's task.
func (l *Loop) fallback(ctx context.Context, snap *Snapshot, reason string) []Command {
	if snap.Task == nil || len(snap.Task.Fallback) == 0 {
		return nil
	}
	steps := snap.Task.Fallback
	var (
		step config.FallbackStep
		idx  int
		ok   bool
	)
	next, err := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
		idx = bs.Metadata.FallbackIndex
		if idx < 0 || idx >= len(steps) {
			ok = false
			return state.ErrNoChange
		}
		ok = true
		step = steps[idx]
		bs.Metadata.FallbackIndex = idx + 1
		bs.Metadata.FallbackActive = true
		return nil
	})
	if err != nil {
		l.logger.Warn(ctx, "advance fallback failed", zap.Error(err))
		return nil
	}
	snap.State = next
	if !ok {
		l.logger.Debug(ctx, "fallback steps exhausted", zap.Int("steps", len(steps)))
		return nil
	}

	press := true
	if step.Enter != nil {
		press = *step.Enter
	}
	l.record(ctx, audit.Event{
		Branch:  snap.Branch,
		Session: snap.Session,
		Event:   audit.EventFallback,
		Payload: map[string]any{"index": idx, "text": step.Text, "keys": step.Keys, "reason": reason},
	})
	return []Command{{
		Branch:     snap.Branch,
		Session:    snap.Session,
		Text:       step.Text,
		Keys:       step.Keys,
		PressEnter: press,
		Phase:      snap.Metadata().Phase,
		Source:     SourceFallback,
	}}
}

// applyDecision folds dec into the branch metadata and returns the
// commands cleared for dispatch.
func (l *Loop) applyDecision(ctx context.Context, snap *Snapshot, dec *decision.Decision) []Command {
	now := l.now()
	var (
		ready        []Command
		held         []state.PendingCommand
		suggestions  []string
		phaseChanged bool
		prevPhase    string
		cleared      bool
		pendingCount int
	)
	next, err := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
		ready, held, suggestions = nil, nil, nil
		meta := &bs.Metadata
		prevPhase = meta.Phase
		if s := strings.TrimSpace(dec.Summary); s != "" {
			meta.Summary = s
		}
		phaseChanged = meta.PushPhase(dec.Phase)
		cleared = phaseChanged && meta.ResetFailures(now)
		meta.SetDecisionBlockers(dec.Blockers)
		meta.LastDecisionAt = now.UTC()
		meta.LastError = nil
		if dec.HasCommands() {
			meta.FallbackIndex = 0
			meta.FallbackActive = false
		}

		for _, c := range dec.Commands {
			cmd := Command{
				Branch:     bs.Branch,
				Session:    sessionOf(c.Session, snap.Session),
				Text:       strings.TrimSpace(c.Text),
				PressEnter: c.PressEnter,
				Keys:       c.Keys,
				WorkingDir: c.WorkingDir,
				RiskLevel:  c.RiskLevel,
				Notes:      c.Notes,
				Phase:      meta.Phase,
				Source:     SourceDecision,
			}
			if cmd.Text == "" && len(cmd.Keys) == 0 {
				continue
			}
			switch {
			case l.cfg.Delegate:
				suggestions = append(suggestions, describeCommand(cmd))
			case dec.RequiresConfirmation || c.HighRisk():
				held = append(held, state.PendingCommand{
					Text:        cmd.Text,
					Session:     cmd.Session,
					PressEnter:  cmd.PressEnter,
					Keys:        cmd.Keys,
					WorkingDir:  cmd.WorkingDir,
					RiskLevel:   cmd.RiskLevel,
					Notes:       cmd.Notes,
					Phase:       cmd.Phase,
					RequestedAt: now.UTC(),
				})
			default:
				ready = append(ready, cmd)
			}
		}
		if l.cfg.Delegate {
			meta.DelegateSuggestions = suggestions
		}
		for _, p := range held {
			if !hasPendingConfirmation(meta.PendingConfirmation, p) {
				meta.PendingConfirmation = append(meta.PendingConfirmation, p)
			}
		}
		pendingCount = len(meta.PendingConfirmation)
		return nil
	})
	if err != nil {
		l.branchError(ctx, snap, "state", err)
		return nil
	}
	snap.State = next
	for _, k := range decisionKinds {
		l.throttle.Reset(snap.Branch + ":" + string(k))
	}

	if dec.Summary != "" {
		l.record(ctx, audit.Event{Branch: snap.Branch, Session: snap.Session, Event: audit.EventSummary,
			Payload: map[string]any{"summary": dec.Summary}})
	}
	if phaseChanged {
		l.record(ctx, audit.Event{Branch: snap.Branch, Session: snap.Session, Event: audit.EventPhase,
			Payload: map[string]any{"from": prevPhase, "to": dec.Phase}})
		l.logger.Info(ctx, "phase changed", zap.String("from", prevPhase), zap.String("to", dec.Phase),
			zap.Bool("failure_blockers_cleared", cleared))
	}
	for _, s := range suggestions {
		l.record(ctx, audit.Event{Branch: snap.Branch, Session: snap.Session, Event: audit.EventDelegate,
			Payload: map[string]any{"text": s}})
	}
	for _, p := range held {
		l.metrics.RecordCommand(string(OutcomePendingConfirmation))
		l.record(ctx, audit.Event{Branch: snap.Branch, Session: p.Session, Event: audit.EventPendingConfirmation,
			Payload: map[string]any{"text": p.Text, "risk_level": p.RiskLevel}})
	}
	l.metrics.SetPendingConfirmations(snap.Branch, pendingCount)
	l.notifyDecision(ctx, snap, dec, held)

	if l.cfg.Delegate {
		return nil
	}
	if !dec.HasCommands() {
		return l.fallback(ctx, snap, "no_commands")
	}
	limit := l.cfg.MaxCommandsPerCycle
	if limit > 0 && len(ready) > limit {
		l.logger.Debug(ctx, "decision truncated", zap.Int("suggested", len(ready)), zap.Int("limit", limit))
		ready = ready[:limit]
	}
	return ready
}

// notifyDecision forwards the decision's notify text. With
// notify_only_on_confirmation it is sent only alongside held commands.
func (l *Loop) notifyDecision(ctx context.Context, snap *Snapshot, dec *decision.Decision, held []state.PendingCommand) {
	body := strings.TrimSpace(dec.Notify)
	if len(held) == 0 {
		if body == "" || l.cfg.NotifyOnlyOnConfirmation {
			return
		}
		l.send(ctx, notify.Message{
			Title:    "Update from " + snap.Branch,
			Body:     body,
			Severity: notify.SeverityInfo,
			Metadata: map[string]string{"branch": snap.Branch},
		})
		return
	}
	texts := make([]string, 0, len(held))
	for _, p := range held {
		texts = append(texts, p.Text)
	}
	if body == "" {
		body = "Approval required"
	}
	l.send(ctx, notify.Message{
		Title:    "Approval required on " + snap.Branch,
		Body:     body + "\n" + strings.Join(texts, "\n"),
		Severity: notify.SeverityWarning,
		Metadata: map[string]string{"branch": snap.Branch, "pending": fmt.Sprint(len(held))},
	})
}

var decisionKinds = []decision.Kind{
	decision.KindTimeout,
	decision.KindNonZeroExit,
	decision.KindMalformedOutput,
	decision.KindEmptyOutput,
}

func hasPendingConfirmation(list []state.PendingCommand, p state.PendingCommand) bool {
	for _, q := range list {
		if q.Text == p.Text && q.Session == p.Session && strings.Join(q.Keys, " ") == strings.Join(p.Keys, " ") {
			return true
		}
	}
	return false
}

func describeCommand(c Command) string {
	if c.Text != "" {
		return c.Text
	}
	return "keys: " + strings.Join(c.Keys, " ")
}

// dispatchPlan hands the planned commands of one branch to the scheduler
// and starts the branch cooldown when anything went out.
func (l *Loop) dispatchPlan(ctx context.Context, p branchPlan) {
	if len(p.commands) == 0 {
		return
	}
	ctx = logging.WithSession(logging.WithBranch(ctx, p.snap.Branch), p.snap.Session)
	started := false
	for _, cmd := range p.commands {
		res := l.scheduler.Dispatch(ctx, cmd)
		switch res.Outcome {
		case OutcomeDispatched, OutcomeQueued, OutcomeDryRun:
			started = true
		}
	}
	if started && l.cfg.Cooldown.Duration() > 0 {
		l.mu.Lock()
		l.cooldowns[p.snap.Branch] = l.now().Add(l.cfg.Cooldown.Duration())
		l.mu.Unlock()
	}
}

func (l *Loop) cooldownUntil(branch string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldowns[branch]
}

func (l *Loop) markDone(ctx context.Context, snap *Snapshot) {
	if snap.Status == BranchDone {
		return
	}
	next, err := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
		if bs.Status == BranchDone {
			return state.ErrNoChange
		}
		bs.Status = BranchDone
		return nil
	})
	if err != nil {
		l.logger.Warn(ctx, "mark branch done failed", zap.Error(err))
		return
	}
	snap.State = next
	snap.Status = BranchDone
	l.logger.Info(ctx, "branch completed")
}

// finishCycle stamps the heartbeat, the insights and the queue mirror of
// every collected branch.
func (l *Loop) finishCycle(ctx context.Context, snaps []*Snapshot, finished time.Time) {
	for _, snap := range snaps {
		queued := l.scheduler.QueuedFor(snap.Branch)
		_, err := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
			bs.Metadata.Heartbeat = finished.UTC()
			bs.Metadata.NextActions = BuildInsights(&bs.Metadata, finished)
			if !l.cfg.DryRun {
				bs.Metadata.QueuedCommands = queued
			}
			return nil
		})
		if err != nil {
			l.logger.Warn(logging.WithBranch(ctx, snap.Branch), "heartbeat write failed", zap.Error(err))
		}
	}
}

// branchError records a per-branch pipeline failure; other branches keep
// running.
func (l *Loop) branchError(ctx context.Context, snap *Snapshot, kind string, err error) {
	l.logger.Error(ctx, "branch processing failed", zap.String("kind", kind), zap.Error(err))
	l.metrics.RecordBranchError(kind)
	l.record(ctx, audit.Event{
		Branch:  snap.Branch,
		Session: snap.Session,
		Event:   audit.EventBranchError,
		Payload: map[string]any{"kind": kind, "error": err.Error()},
	})
	now := l.now()
	if _, uerr := l.store.Update(ctx, snap.Branch, func(bs *state.BranchState) error {
		bs.Metadata.RecordError(kind, err.Error(), "", now.UTC())
		return nil
	}); uerr != nil {
		l.logger.Warn(ctx, "record branch error failed", zap.Error(uerr))
	}
}

func (l *Loop) send(ctx context.Context, msg notify.Message) {
	if err := l.notifier.Send(ctx, msg); err != nil {
		l.logger.Warn(ctx, "notification failed", zap.String("title", msg.Title), zap.Error(err))
	}
}

func (l *Loop) record(ctx context.Context, ev audit.Event) {
	if ev.TS.IsZero() {
		ev.TS = l.now().UTC()
	}
	if err := l.audit.Record(ctx, ev); err != nil {
		l.logger.Warn(ctx, "audit write failed", zap.String("event", ev.Event), zap.Error(err))
	}
}
