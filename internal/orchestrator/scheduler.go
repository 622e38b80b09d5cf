package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/instrument"
	"github.com/haizhouyuan/tmuxagent/internal/logging"
	"github.com/haizhouyuan/tmuxagent/internal/metrics"
	"github.com/haizhouyuan/tmuxagent/internal/state"
	"github.com/haizhouyuan/tmuxagent/internal/terminal"
)

// ErrEmptyCommand is returned for commands with neither text nor keys.
var ErrEmptyCommand = errors.New("empty command")

// SchedulerConfig tunes the dispatch scheduler.
type SchedulerConfig struct {
	SessionCooldown time.Duration
	DispatchBackoff time.Duration
	CommandTimeout  time.Duration
	QueueLimit      int
	HistoryLimit    int
	SummaryLimit    int
	DryRun          bool
}

// SchedulerConfigFrom maps the loop settings onto a SchedulerConfig.
func SchedulerConfigFrom(o config.OrchestratorConfig) SchedulerConfig {
	return SchedulerConfig{
		SessionCooldown: o.SessionCooldown.Duration(),
		DispatchBackoff: o.EffectiveDispatchBackoff(),
		CommandTimeout:  o.CommandTimeout.Duration(),
		QueueLimit:      o.QueueLimit,
		HistoryLimit:    o.HistoryLimit,
		SummaryLimit:    o.SummaryLimit,
		DryRun:          o.DryRun,
	}
}

// Scheduler owns the per-session dispatch state machine.
//
// A session is READY when it is neither sending nor cooling down. A READY
// session with no durable pending command dispatches immediately and then
// cools for SessionCooldown; commands arriving meanwhile wait in a bounded
// FIFO. Tick and Release return cooled sessions to READY and dispatch the
// queue head. The scheduler is held in memory only; the pending record in
// the store is what guarantees one command in flight per session across
// restarts.
type Scheduler struct {
	cfg     SchedulerConfig
	host    terminal.Host
	store   state.Store
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionSlot
}

type sessionSlot struct {
	cooling      bool
	coolingUntil time.Time
	sending      bool
	inflight     string
	queue        []QueueEntry
}

func (s *sessionSlot) queued(text string) bool {
	return slices.ContainsFunc(s.queue, func(e QueueEntry) bool { return e.Payload.Text == text })
}

func (s *sessionSlot) coolingAt(now time.Time) bool {
	return s.cooling && now.Before(s.coolingUntil)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithAudit sets the audit sink.
func WithAudit(sink audit.Sink) SchedulerOption {
	return func(s *Scheduler) { s.audit = sink }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates an empty scheduler.
func NewScheduler(cfg SchedulerConfig, host terminal.Host, store state.Store, opts ...SchedulerOption) *Scheduler {
	if cfg.QueueLimit < 1 {
		cfg.QueueLimit = 8
	}
	if cfg.DispatchBackoff <= 0 {
		cfg.DispatchBackoff = cfg.SessionCooldown
	}
	s := &Scheduler{
		cfg:      cfg,
		host:     host,
		store:    store,
		audit:    audit.Nop{},
		logger:   logging.NewNop(),
		now:      time.Now,
		sessions: make(map[string]*sessionSlot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) slot(key string) *sessionSlot {
	sl, ok := s.sessions[key]
	if !ok {
		sl = &sessionSlot{}
		s.sessions[key] = sl
	}
	return sl
}

// Dispatch hands cmd to its session.
func (s *Scheduler) Dispatch(ctx context.Context, cmd Command) DispatchResult {
	if cmd.Text == "" && len(cmd.Keys) == 0 {
		return DispatchResult{Outcome: OutcomeFailed, Command: cmd, Err: ErrEmptyCommand}
	}
	key := cmd.Session
	pendingText := s.pendingText(ctx, cmd.Branch, key)
	now := s.now()

	s.mu.Lock()
	sl := s.slot(key)
	if cmd.Text != "" && (sl.inflight == cmd.Text || pendingText == cmd.Text || sl.queued(cmd.Text)) {
		s.mu.Unlock()
		return s.finish(ctx, DispatchResult{Outcome: OutcomeDroppedDuplicate, Command: cmd})
	}
	if sl.sending || sl.coolingAt(now) || len(sl.queue) > 0 {
		depth, dropped := s.enqueueLocked(sl, key, cmd, now, false)
		s.mu.Unlock()
		s.overflow(ctx, key, dropped)
		return s.finish(ctx, DispatchResult{Outcome: OutcomeQueued, Command: cmd, QueueDepth: depth})
	}
	sl.sending = true
	sl.inflight = cmd.Text
	s.mu.Unlock()

	return s.send(ctx, key, cmd, false)
}

// Release returns session to READY and dispatches the head of its queue.
func (s *Scheduler) Release(ctx context.Context, session string) (DispatchResult, bool) {
	s.mu.Lock()
	sl := s.slot(session)
	wasCooling := sl.cooling
	sl.cooling = false
	sl.coolingUntil = time.Time{}
	s.mu.Unlock()
	if wasCooling {
		s.record(ctx, audit.Event{Session: session, Event: audit.EventReady, Payload: map[string]any{"reason": "release"}})
	}
	return s.flush(ctx, session)
}

// Tick expires cooldowns at the current time and flushes ready queues.
func (s *Scheduler) Tick(ctx context.Context) []DispatchResult {
	now := s.now()
	var ready, flush []string
	s.mu.Lock()
	for key, sl := range s.sessions {
		if sl.cooling && !now.Before(sl.coolingUntil) {
			sl.cooling = false
			ready = append(ready, key)
		}
		if !sl.sending && !sl.cooling && len(sl.queue) > 0 {
			flush = append(flush, key)
		}
	}
	s.mu.Unlock()

	sort.Strings(ready)
	sort.Strings(flush)
	for _, key := range ready {
		s.record(ctx, audit.Event{Session: key, Event: audit.EventReady, Payload: map[string]any{"reason": "cooldown_expired"}})
	}
	var results []DispatchResult
	for _, key := range flush {
		if res, ok := s.flush(ctx, key); ok {
			results = append(results, res)
		}
	}
	return results
}

func (s *Scheduler) flush(ctx context.Context, key string) (DispatchResult, bool) {
	now := s.now()
	s.mu.Lock()
	sl := s.slot(key)
	if sl.sending || sl.coolingAt(now) || len(sl.queue) == 0 {
		s.mu.Unlock()
		return DispatchResult{}, false
	}
	head := sl.queue[0]
	sl.queue = sl.queue[1:]
	sl.sending = true
	sl.inflight = head.Payload.Text
	depth := len(sl.queue)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(key, depth)
	return s.send(ctx, key, head.Payload, true), true
}

type reservation int

const (
	reserved reservation = iota
	reserveSuppressed
	reserveDuplicate
	reserveBusy
)

func (s *Scheduler) send(ctx context.Context, key string, cmd Command, fromQueue bool) DispatchResult {
	now := s.now()
	res := DispatchResult{Command: cmd, FromQueue: fromQueue}
	if cmd.Text != "" {
		res.Sent, res.CommandID = instrument.Instrument(instrument.Harden(cmd.Text, s.cfg.CommandTimeout))
	}
	ctx = logging.WithCommandID(ctx, res.CommandID)

	if s.cfg.DryRun {
		s.settle(key, now, s.cfg.SessionCooldown)
		res.Outcome = OutcomeDryRun
		return s.finish(ctx, res)
	}

	if res.CommandID != "" {
		verdict, err := s.reserve(ctx, key, cmd, res.CommandID, fromQueue, now)
		if err != nil {
			s.settle(key, now, s.cfg.DispatchBackoff)
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("record pending command: %w", err)
			return s.finish(ctx, res)
		}
		switch verdict {
		case reserveSuppressed:
			s.settle(key, now, 0)
			res.Outcome = OutcomeSuppressed
			return s.finish(ctx, res)
		case reserveDuplicate:
			s.settle(key, now, 0)
			res.Outcome = OutcomeDroppedDuplicate
			return s.finish(ctx, res)
		case reserveBusy:
			res.QueueDepth = s.requeue(ctx, key, cmd, fromQueue, now)
			res.Outcome = OutcomeQueued
			res.Sent, res.CommandID = "", ""
			if fromQueue {
				// Still waiting at the head; it was counted when first queued.
				s.metrics.SetQueueDepth(key, res.QueueDepth)
				s.logger.Debug(ctx, "queued command still waiting",
					zap.String("text", cmd.Text),
					zap.Int("queue_depth", res.QueueDepth))
				return res
			}
			return s.finish(ctx, res)
		}
	}

	if err := s.deliver(ctx, key, cmd, res.Sent); err != nil {
		if res.CommandID != "" {
			s.markFailed(ctx, cmd.Branch, res.CommandID)
		}
		s.settle(key, now, s.cfg.DispatchBackoff)
		res.Outcome = OutcomeFailed
		res.Err = err
		return s.finish(ctx, res)
	}
	s.settle(key, now, s.cfg.SessionCooldown)
	res.Outcome = OutcomeDispatched
	return s.finish(ctx, res)
}

// reserve appends the pending record unless the session already has one or
// the text is blocked by a failure streak.
func (s *Scheduler) reserve(ctx context.Context, key string, cmd Command, id string, fromQueue bool, now time.Time) (reservation, error) {
	var verdict reservation
	_, err := s.store.Update(ctx, cmd.Branch, func(bs *state.BranchState) error {
		m := &bs.Metadata
		if m.HasFailureBlocker(cmd.Text) {
			verdict = reserveSuppressed
			return state.ErrNoChange
		}
		if rec, ok := m.PendingFor(key); ok {
			verdict = reserveBusy
			if rec.Text == cmd.Text {
				verdict = reserveDuplicate
			}
			return state.ErrNoChange
		}
		verdict = reserved
		if bs.Session == "" {
			bs.Session = key
		}
		m.AppendCommand(state.CommandRecord{
			ID:           id,
			Text:         cmd.Text,
			Session:      key,
			RiskLevel:    cmd.RiskLevel,
			Queued:       fromQueue,
			DispatchedAt: now.UTC(),
			Status:       state.StatusPending,
		}, s.cfg.HistoryLimit, s.cfg.SummaryLimit)
		return nil
	})
	return verdict, err
}

func (s *Scheduler) deliver(ctx context.Context, key string, cmd Command, text string) error {
	handles, err := s.host.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	h, ok := terminal.FindSession(handles, key)
	if !ok {
		return fmt.Errorf("%w: %s", terminal.ErrSessionNotFound, key)
	}
	if text != "" {
		if err := s.host.SendText(ctx, h, text, cmd.PressEnter); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	for _, k := range cmd.Keys {
		if err := s.host.SendKeystroke(ctx, h, k); err != nil {
			return fmt.Errorf("send key %q: %w", k, err)
		}
	}
	return nil
}

func (s *Scheduler) markFailed(ctx context.Context, branch, id string) {
	now := s.now().UTC()
	_, err := s.store.Update(ctx, branch, func(bs *state.BranchState) error {
		if _, ok := bs.Metadata.ResolveCommand(id, state.DispatchFailedExitCode, now); !ok {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to mark command failed", zap.Error(err))
	}
}

// settle ends a send and starts a cooldown of d.
func (s *Scheduler) settle(key string, now time.Time, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(key)
	sl.sending = false
	sl.inflight = ""
	if d > 0 {
		sl.cooling = true
		sl.coolingUntil = now.Add(d)
	}
}

func (s *Scheduler) requeue(ctx context.Context, key string, cmd Command, front bool, now time.Time) int {
	s.mu.Lock()
	sl := s.slot(key)
	sl.sending = false
	sl.inflight = ""
	depth, dropped := s.enqueueLocked(sl, key, cmd, now, front)
	s.mu.Unlock()
	s.overflow(ctx, key, dropped)
	return depth
}

// enqueueLocked adds cmd to the session queue, dropping the oldest entry
// when the queue is full. s.mu must be held.
func (s *Scheduler) enqueueLocked(sl *sessionSlot, key string, cmd Command, now time.Time, front bool) (int, *QueueEntry) {
	entry := QueueEntry{SessionKey: key, Payload: cmd, EnqueuedAt: now.UTC()}
	var dropped *QueueEntry
	if len(sl.queue) >= s.cfg.QueueLimit {
		oldest := sl.queue[0]
		dropped = &oldest
		sl.queue = sl.queue[1:]
	}
	if front {
		sl.queue = append([]QueueEntry{entry}, sl.queue...)
	} else {
		sl.queue = append(sl.queue, entry)
	}
	return len(sl.queue), dropped
}

func (s *Scheduler) overflow(ctx context.Context, key string, dropped *QueueEntry) {
	if dropped == nil {
		return
	}
	s.metrics.RecordCommand(metrics.OutcomeDroppedOverflow)
	s.logger.Warn(ctx, "queue overflow, dropped oldest command",
		zap.String("session", key),
		zap.String("text", dropped.Payload.Text),
	)
	s.record(ctx, audit.Event{
		Branch:  dropped.Payload.Branch,
		Session: key,
		Event:   audit.EventQueueOverflow,
		Payload: map[string]any{"text": dropped.Payload.Text, "enqueued_at": dropped.EnqueuedAt},
	})
}

func (s *Scheduler) pendingText(ctx context.Context, branch, key string) string {
	bs, err := s.store.Get(ctx, branch)
	if err != nil {
		return ""
	}
	if rec, ok := bs.Metadata.PendingFor(key); ok {
		return rec.Text
	}
	return ""
}

var outcomeEvents = map[Outcome]string{
	OutcomeDispatched:       audit.EventDispatched,
	OutcomeQueued:           audit.EventQueued,
	OutcomeDroppedDuplicate: audit.EventDroppedDuplicate,
	OutcomeSuppressed:       audit.EventSuppressed,
	OutcomeDryRun:           audit.EventDryRun,
	OutcomeFailed:           audit.EventDispatchFailed,
}

// finish records res in the audit log, metrics and queue mirror.
func (s *Scheduler) finish(ctx context.Context, res DispatchResult) DispatchResult {
	cmd := res.Command
	key := cmd.Session
	depth := s.QueueDepth(key)
	if res.QueueDepth == 0 {
		res.QueueDepth = depth
	}

	payload := map[string]any{
		"text":        cmd.Text,
		"source":      cmd.Source,
		"from_queue":  res.FromQueue,
		"queue_depth": depth,
	}
	if res.Sent != "" {
		payload["sent"] = res.Sent
	}
	if len(cmd.Keys) > 0 {
		payload["keys"] = cmd.Keys
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	s.record(ctx, audit.Event{
		Branch:    cmd.Branch,
		Session:   key,
		Event:     outcomeEvents[res.Outcome],
		CommandID: res.CommandID,
		Payload:   payload,
	})
	s.metrics.RecordCommand(string(res.Outcome))
	s.metrics.SetQueueDepth(key, depth)

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("text", cmd.Text),
		zap.Int("queue_depth", depth),
	}
	switch res.Outcome {
	case OutcomeFailed:
		s.logger.Warn(ctx, "dispatch failed", append(fields, zap.Error(res.Err))...)
	case OutcomeDispatched, OutcomeDryRun:
		s.logger.Info(ctx, "command dispatched", fields...)
	default:
		s.logger.Debug(ctx, "command not dispatched", fields...)
	}

	if res.Outcome == OutcomeQueued || res.FromQueue {
		s.mirrorQueue(ctx, cmd.Branch)
	}
	return res
}

func (s *Scheduler) record(ctx context.Context, ev audit.Event) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn(ctx, "audit write failed", zap.String("event", ev.Event), zap.Error(err))
	}
}

// mirrorQueue copies the queued commands of branch into its metadata so
// the API and dashboard can show them.
func (s *Scheduler) mirrorQueue(ctx context.Context, branch string) {
	if s.cfg.DryRun {
		return
	}
	queued := s.QueuedFor(branch)
	_, err := s.store.Update(ctx, branch, func(bs *state.BranchState) error {
		if slices.EqualFunc(bs.Metadata.QueuedCommands, queued, func(a, b state.QueuedCommand) bool {
			return a.Text == b.Text && a.Session == b.Session && a.EnqueuedAt.Equal(b.EnqueuedAt)
		}) {
			return state.ErrNoChange
		}
		bs.Metadata.QueuedCommands = queued
		return nil
	})
	if err != nil {
		s.logger.Debug(ctx, "queue mirror failed", zap.Error(err))
	}
}

// QueueDepth returns the number of commands queued for session.
func (s *Scheduler) QueueDepth(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.sessions[session]; ok {
		return len(sl.queue)
	}
	return 0
}

// QueuedFor returns the queued commands belonging to branch, across
// sessions, in session then FIFO order.
func (s *Scheduler) QueuedFor(branch string) []state.QueuedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []state.QueuedCommand
	for _, k := range keys {
		for _, e := range s.sessions[k].queue {
			if e.Payload.Branch == branch {
				out = append(out, state.QueuedCommand{Text: e.Payload.Text, Session: k, EnqueuedAt: e.EnqueuedAt})
			}
		}
	}
	return out
}

// SessionView is a read-only view of one session slot.
type SessionView struct {
	Session      string    `json:"session"`
	Ready        bool      `json:"ready"`
	Sending      bool      `json:"sending"`
	CoolingUntil time.Time `json:"cooling_until,omitzero"`
	Queue        []string  `json:"queue,omitempty"`
}

// Sessions lists every known session slot, sorted by name.
func (s *Scheduler) Sessions() []SessionView {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionView, 0, len(s.sessions))
	for key, sl := range s.sessions {
		v := SessionView{Session: key, Sending: sl.sending, Ready: !sl.sending && !sl.coolingAt(now)}
		if sl.coolingAt(now) {
			v.CoolingUntil = sl.coolingUntil
		}
		for _, e := range sl.queue {
			v.Queue = append(v.Queue, e.Payload.Text)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}
