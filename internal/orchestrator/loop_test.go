package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haizhouyuan/tmuxagent/internal/approval"
	"github.com/haizhouyuan/tmuxagent/internal/audit"
	"github.com/haizhouyuan/tmuxagent/internal/config"
	"github.com/haizhouyuan/tmuxagent/internal/decision"
	"github.com/haizhouyuan/tmuxagent/internal/instrument"
	"github.com/haizhouyuan/tmuxagent/internal/metrics"
	"github.com/haizhouyuan/tmuxagent/internal/notify"
	"github.com/haizhouyuan/tmuxagent/internal/prompt"
	"github.com/haizhouyuan/tmuxagent/internal/state"
	"github.com/haizhouyuan/tmuxagent/internal/telemetry"
	"github.com/haizhouyuan/tmuxagent/internal/terminal"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Decide(_ context.Context, req decision.Request, _ time.Duration) (*decision.Decision, error) {
	args := m.Called(req.Branch)
	d, _ := args.Get(0).(*decision.Decision)
	return d, args.Error(1)
}

type loopFixture struct {
	cfg      *config.Config
	clock    *testClock
	host     *terminal.Fake
	store    *state.FileStore
	sink     *memSink
	notes    *memNotifier
	m        *metrics.Metrics
	inbox    *approval.Inbox
	provider *mockProvider
	tel      *telemetry.TestTelemetry
	loop     *Loop
}

func newLoopFixture(t *testing.T, mutate func(cfg *config.Config)) *loopFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Prompts = config.PromptConfig{MaxExcerptChars: 2000, HistoryCount: 5}
	cfg.Tasks = []config.TaskSpec{{Branch: "feature/a", Session: "agent-a", Phases: []string{"planning", "build", "done"}}}
	if mutate != nil {
		mutate(cfg)
	}

	f := &loopFixture{
		cfg:      cfg,
		clock:    newTestClock(),
		host:     terminal.NewFake("agent-a", "agent-b"),
		store:    newTestStore(t),
		sink:     &memSink{},
		notes:    &memNotifier{},
		m:        metrics.New(prometheus.NewRegistry()),
		inbox:    approval.NewInbox(),
		provider: &mockProvider{},
		tel:      telemetry.NewTestTelemetry(),
	}

	lib, err := prompt.NewLibrary(cfg.Prompts)
	require.NoError(t, err)
	builder := prompt.NewBuilder(lib, prompt.Options{
		DefaultPhase:    cfg.Orchestrator.DefaultPhase,
		Delegate:        cfg.Orchestrator.Delegate,
		MaxExcerptChars: cfg.Prompts.MaxExcerptChars,
		HistoryCount:    cfg.Prompts.HistoryCount,
		Now:             f.clock.Now,
	})
	sched := NewScheduler(SchedulerConfigFrom(cfg.Orchestrator), f.host, f.store,
		WithClock(f.clock.Now), WithAudit(f.sink), WithMetrics(f.m))
	coll := NewCollector(CollectorConfig{HistoryLines: cfg.Orchestrator.HistoryLines}, f.host, f.store,
		CollectorDeps{Audit: f.sink, Metrics: f.m, Now: f.clock.Now})

	f.loop, err = NewLoop(cfg, LoopDeps{
		Store:     f.store,
		Scheduler: sched,
		Collector: coll,
		Provider:  f.provider,
		Prompts:   builder,
		Notifier:  f.notes,
		Inbox:     f.inbox,
		Audit:     f.sink,
		Metrics:   f.m,
		Tracer:    f.tel.Tracer("orchestrator-test"),
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

func (f *loopFixture) runOnce(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.RunOnce(context.Background()))
}

func decide(summary string, cmds ...decision.CommandSuggestion) *decision.Decision {
	return &decision.Decision{Summary: summary, Commands: cmds}
}

func TestLoop_DispatchesInstrumentedCommand(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.provider.On("Decide", "feature/a").
		Return(decide("list the files", decision.CommandSuggestion{Text: "ls", PressEnter: true}), nil).Once()

	f.runOnce(t)

	sent := f.host.SentTexts("agent-a")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "ls;")
	assert.Contains(t, sent[0], instrument.Sentinel)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CommandsTotal.WithLabelValues(metrics.OutcomeDispatched)))

	bs := mustGet(t, f.store, "feature/a")
	rec, ok := bs.Metadata.PendingCommand()
	require.True(t, ok)
	assert.Equal(t, "ls", rec.Text)
	assert.Equal(t, "list the files", bs.Metadata.Summary)
	assert.Equal(t, []string{"planning", "build", "done"}, bs.Metadata.PhasePlan)
	assert.WithinDuration(t, f.clock.Now(), bs.Metadata.Heartbeat, 0)
	require.NotNil(t, bs.Metadata.NextActions)
	assert.Equal(t, "waiting for command to complete", bs.Metadata.NextActions.Recommendations[0].Title)

	assert.Len(t, f.sink.Named(audit.EventDispatched), 1)
	assert.Len(t, f.sink.Named(audit.EventSummary), 1)
	assert.Equal(t, CycleIdle, f.loop.State())
	assert.Equal(t, uint64(1), f.loop.Cycle())
	assert.Equal(t, float64(f.clock.Now().Unix()), testutil.ToFloat64(f.m.Heartbeat))
	f.tel.AssertSpanExists(t, "orchestrator.cycle")
	f.tel.AssertSpanExists(t, "orchestrator.branch")

	// The pending command holds the branch: no second decision.
	f.clock.Advance(10 * time.Second)
	f.runOnce(t)
	assert.Len(t, f.host.SentTexts("agent-a"), 1)
	f.provider.AssertNumberOfCalls(t, "Decide", 1)
}

func TestLoop_TimeoutNotifiesOnce(t *testing.T) {
	f := newLoopFixture(t, nil)
	timeout := &decision.Error{Kind: decision.KindTimeout, Message: "decision timed out"}
	f.provider.On("Decide", "feature/a").Return(nil, timeout)

	for i := 0; i < 3; i++ {
		f.runOnce(t)
		f.clock.Advance(10 * time.Second)
	}

	f.provider.AssertNumberOfCalls(t, "Decide", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.m.DecisionErrorsTotal.WithLabelValues(string(decision.KindTimeout))))

	var failures int
	for _, msg := range f.notes.Messages() {
		if strings.HasPrefix(msg.Title, "Decision failed") {
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	bs := mustGet(t, f.store, "feature/a")
	require.NotNil(t, bs.Metadata.LastError)
	assert.Equal(t, "timeout", bs.Metadata.LastError.Kind)
	assert.Equal(t, 3, bs.Metadata.LastError.Count)
	assert.Len(t, f.sink.Named(audit.EventDecisionError), 3)
	assert.Empty(t, f.host.Sent())
}

func TestLoop_CanceledDecisionIsQuiet(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) {
		cfg.Tasks[0].Fallback = []config.FallbackStep{{Text: "continue"}}
	})
	canceled := &decision.Error{Kind: decision.KindCanceled, Message: "codex canceled", Err: context.Canceled}
	f.provider.On("Decide", "feature/a").Return(nil, canceled).Once()

	f.runOnce(t)

	assert.Empty(t, f.notes.Messages())
	assert.Equal(t, 0, testutil.CollectAndCount(f.m.DecisionErrorsTotal))
	assert.Empty(t, f.sink.Named(audit.EventDecisionError))
	assert.Empty(t, f.host.Sent())
	bs := mustGet(t, f.store, "feature/a")
	assert.Nil(t, bs.Metadata.LastError)
	assert.Equal(t, 0, bs.Metadata.FallbackIndex)
}

func TestLoop_FallbackOnDecisionError(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) {
		cfg.Tasks[0].Fallback = []config.FallbackStep{{Text: "continue"}}
	})
	f.provider.On("Decide", "feature/a").Return(nil, &decision.Error{Kind: decision.KindEmptyOutput, Message: "no output"})

	f.runOnce(t)

	sent := f.host.SentTexts("agent-a")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "continue;")
	bs := mustGet(t, f.store, "feature/a")
	assert.Equal(t, 1, bs.Metadata.FallbackIndex)
	assert.True(t, bs.Metadata.FallbackActive)
	assert.Len(t, f.sink.Named(audit.EventFallback), 1)
}

func TestLoop_ResolveAndAdvance(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.host.OnSend(func(session, text string) string {
		if _, id, ok := instrument.Extract(text); ok {
			return "ok\n" + instrument.Sentinel + " " + id + " 0\n"
		}
		return ""
	})
	f.provider.On("Decide", "feature/a").
		Return(decide("build it", decision.CommandSuggestion{Text: "make", PressEnter: true}), nil).Once()
	done := &decision.Decision{Summary: "finished", Phase: "done"}
	f.provider.On("Decide", "feature/a").Return(done, nil).Once()

	f.runOnce(t)
	require.Len(t, f.host.SentTexts("agent-a"), 1)

	// Within the branch cooldown the branch is not decided again.
	f.clock.Advance(30 * time.Second)
	f.runOnce(t)
	f.provider.AssertNumberOfCalls(t, "Decide", 1)
	bs := mustGet(t, f.store, "feature/a")
	assert.False(t, bs.Metadata.HasPending())
	assert.Equal(t, state.StatusSucceeded, bs.Metadata.CommandHistory[0].Status)

	f.clock.Advance(2 * time.Minute)
	f.runOnce(t)
	f.provider.AssertNumberOfCalls(t, "Decide", 2)
	bs = mustGet(t, f.store, "feature/a")
	assert.Equal(t, "done", bs.Metadata.Phase)
	assert.Len(t, f.sink.Named(audit.EventPhase), 1)

	f.clock.Advance(time.Minute)
	f.runOnce(t)
	f.provider.AssertNumberOfCalls(t, "Decide", 2)
	assert.Equal(t, BranchDone, mustGet(t, f.store, "feature/a").Status)
}

func TestLoop_HighRiskWaitsForApproval(t *testing.T) {
	f := newLoopFixture(t, nil)
	d := decide("clean up", decision.CommandSuggestion{Text: "rm -rf dist", PressEnter: true, RiskLevel: "high"})
	d.Notify = "please confirm the cleanup"
	f.provider.On("Decide", "feature/a").Return(d, nil).Once()

	f.runOnce(t)
	assert.Empty(t, f.host.Sent())
	bs := mustGet(t, f.store, "feature/a")
	require.Len(t, bs.Metadata.PendingConfirmation, 1)
	assert.Equal(t, "rm -rf dist", bs.Metadata.PendingConfirmation[0].Text)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.PendingConfirmations.WithLabelValues("feature/a")))
	msgs := f.notes.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "please confirm the cleanup")

	// Held commands keep the branch out of the decision stage.
	f.clock.Advance(10 * time.Second)
	f.runOnce(t)
	f.provider.AssertNumberOfCalls(t, "Decide", 1)

	require.NoError(t, f.inbox.Push(approval.Response{Branch: "feature/a", Action: "yes", Source: "test"}))
	f.clock.Advance(10 * time.Second)
	f.runOnce(t)

	sent := f.host.SentTexts("agent-a")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "rm -rf dist")
	bs = mustGet(t, f.store, "feature/a")
	assert.Empty(t, bs.Metadata.PendingConfirmation)
	require.Len(t, bs.Metadata.ConfirmationResponses, 1)
	assert.Equal(t, "approve", bs.Metadata.ConfirmationResponses[0].Action)
	assert.Equal(t, 1, bs.Metadata.ConfirmationResponses[0].Matched)
	assert.Len(t, f.sink.Named(audit.EventConfirmation), 1)
	f.provider.AssertNumberOfCalls(t, "Decide", 1)
}

func TestLoop_DenyDropsConfirmation(t *testing.T) {
	f := newLoopFixture(t, nil)
	d := decide("push", decision.CommandSuggestion{Text: "git push --force"})
	d.RequiresConfirmation = true
	f.provider.On("Decide", "feature/a").Return(d, nil)

	f.runOnce(t)
	require.NoError(t, f.inbox.Push(approval.Response{Branch: "feature/a", Action: approval.ActionDeny, Command: "git push --force"}))
	f.clock.Advance(10 * time.Second)
	f.runOnce(t)

	assert.Empty(t, f.host.Sent())
	bs := mustGet(t, f.store, "feature/a")
	require.NotEmpty(t, bs.Metadata.ConfirmationResponses)
	assert.Equal(t, "deny", bs.Metadata.ConfirmationResponses[0].Action)
}

func TestLoop_ClearDropsFailureBlockers(t *testing.T) {
	f := newLoopFixture(t, nil)
	seed(t, f.store, "feature/a", func(bs *state.BranchState) {
		bs.Session = "agent-a"
		for i := 0; i < 3; i++ {
			at := f.clock.Now().Add(time.Duration(i-10) * time.Minute)
			done := at.Add(time.Second)
			code := 1
			bs.Metadata.AppendCommand(state.CommandRecord{
				ID: fmt.Sprintf("cmd-f%d", i), Text: "make test", DispatchedAt: at,
				ResolvedAt: &done, ExitCode: &code, Status: state.StatusFailed,
			}, 0, 0)
		}
		bs.Metadata.AddFailureBlocker(state.FailureBlocker{Text: "make test", Streak: 3, RaisedAt: f.clock.Now().Add(-time.Minute)})
	})
	f.provider.On("Decide", "feature/a").Return(decide("retry", decision.CommandSuggestion{Text: "make test"}), nil).Once()
	require.NoError(t, f.inbox.Push(approval.Response{Branch: "feature/a", Action: approval.ActionClear}))

	f.runOnce(t)

	bs := mustGet(t, f.store, "feature/a")
	assert.Empty(t, bs.Metadata.FailureBlockers)
	require.NotNil(t, bs.Metadata.FailureClearedAt)
	for _, msg := range f.notes.Messages() {
		assert.NotEqual(t, notify.SeverityCritical, msg.Severity)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(f.m.CommandsTotal.WithLabelValues(metrics.OutcomeSuppressed)))
	assert.Empty(t, f.sink.Named(audit.EventFailureStreak))
	require.Len(t, f.host.SentTexts("agent-a"), 1)
	assert.Contains(t, f.host.SentTexts("agent-a")[0], "make test")
}

func TestLoop_FailureStreakSuppresses(t *testing.T) {
	f := newLoopFixture(t, nil)
	seed(t, f.store, "feature/a", func(bs *state.BranchState) {
		bs.Session = "agent-a"
		for i := 0; i < 3; i++ {
			at := f.clock.Now().Add(time.Duration(i-10) * time.Minute)
			done := at.Add(time.Second)
			code := 1
			bs.Metadata.AppendCommand(state.CommandRecord{
				ID: fmt.Sprintf("cmd-f%d", i), Text: "make test", DispatchedAt: at,
				ResolvedAt: &done, ExitCode: &code, Status: state.StatusFailed,
			}, 0, 0)
		}
	})
	f.provider.On("Decide", "feature/a").Return(decide("again",
		decision.CommandSuggestion{Text: "make test"},
		decision.CommandSuggestion{Text: "make lint"},
	), nil).Once()

	f.runOnce(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.FailureAlertsTotal))
	var critical int
	for _, msg := range f.notes.Messages() {
		if msg.Severity == notify.SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CommandsTotal.WithLabelValues(metrics.OutcomeSuppressed)))
	sent := f.host.SentTexts("agent-a")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "make lint")
	assert.Len(t, f.sink.Named(audit.EventFailureStreak), 1)
}

func TestLoop_DependencyBlocksBranch(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) {
		cfg.Tasks = append(cfg.Tasks, config.TaskSpec{Branch: "feature/b", Session: "agent-b", DependsOn: []string{"feature/a"}})
	})
	f.provider.On("Decide", "feature/a").Return(decide("nothing to do"), nil)

	f.runOnce(t)

	f.provider.AssertNotCalled(t, "Decide", "feature/b")
	bs := mustGet(t, f.store, "feature/b")
	assert.Equal(t, []string{"feature/a"}, bs.Metadata.DependencyBlockers)
	require.NotNil(t, bs.Metadata.NextActions)
	assert.Equal(t, "resolve blocker", bs.Metadata.NextActions.Recommendations[0].Title)
}

func TestLoop_DelegateRecordsSuggestions(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) { cfg.Orchestrator.Delegate = true })
	f.provider.On("Decide", "feature/a").Return(decide("suggest", decision.CommandSuggestion{Text: "go test ./..."}), nil).Once()

	f.runOnce(t)

	assert.Empty(t, f.host.Sent())
	bs := mustGet(t, f.store, "feature/a")
	assert.Equal(t, []string{"go test ./..."}, bs.Metadata.DelegateSuggestions)
	assert.Len(t, f.sink.Named(audit.EventDelegate), 1)
}

func TestLoop_DryRun(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) { cfg.Orchestrator.DryRun = true })
	f.provider.On("Decide", "feature/a").Return(decide("list", decision.CommandSuggestion{Text: "ls"}), nil).Once()

	f.runOnce(t)

	assert.Empty(t, f.host.Sent())
	assert.False(t, mustGet(t, f.store, "feature/a").Metadata.HasPending())
	assert.Len(t, f.sink.Named(audit.EventDryRun), 1)
}

func TestLoop_RegisteredBranchesAreTracked(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) { cfg.Tasks = nil })
	seed(t, f.store, "feature/b", func(bs *state.BranchState) { bs.Session = "agent-b" })
	f.provider.On("Decide", "feature/b").Return(decide("hi", decision.CommandSuggestion{Text: "pwd"}), nil).Once()

	f.runOnce(t)

	require.Len(t, f.host.SentTexts("agent-b"), 1)
	assert.Contains(t, f.host.SentTexts("agent-b")[0], "pwd")
}

func TestLoop_PanicIsContained(t *testing.T) {
	f := newLoopFixture(t, func(cfg *config.Config) {
		cfg.Tasks = append(cfg.Tasks, config.TaskSpec{Branch: "feature/b", Session: "agent-b"})
	})
	f.provider.On("Decide", "feature/a").Run(func(mock.Arguments) { panic("boom") })
	f.provider.On("Decide", "feature/b").Return(decide("ok", decision.CommandSuggestion{Text: "pwd"}), nil)

	f.runOnce(t)

	assert.Len(t, f.host.SentTexts("agent-b"), 1)
	assert.Len(t, f.sink.Named(audit.EventBranchError), 1)
	bs := mustGet(t, f.store, "feature/a")
	require.NotNil(t, bs.Metadata.LastError)
	assert.Equal(t, "panic", bs.Metadata.LastError.Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.BranchErrorsTotal.WithLabelValues("panic")))
	assert.Equal(t, 0, testutil.CollectAndCount(f.m.DecisionErrorsTotal))
}

func TestNewLoop_RequiresDeps(t *testing.T) {
	_, err := NewLoop(config.Default(), LoopDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "decision provider is required")
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.provider.On("Decide", "feature/a").Return(decide("idle"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
