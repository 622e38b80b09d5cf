// Package metrics defines the Prometheus instruments exported by the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tmuxagent"

// Command outcome labels for CommandsTotal.
const (
	OutcomeDispatched       = "dispatched"
	OutcomeQueued           = "queued"
	OutcomeDroppedDuplicate = "dropped_duplicate"
	OutcomeDroppedOverflow  = "dropped_overflow"
	OutcomeSuppressed       = "suppressed"
	OutcomeDryRun           = "dry_run"
	OutcomeFailed           = "failed"
	OutcomePending          = "pending_confirmation"
)

// Metrics holds the orchestrator's Prometheus instruments.
//
// All metrics are prefixed with "tmuxagent_":
//   - commands_total{outcome} - dispatch outcomes
//   - command_results_total{status} - resolved exit markers
//   - decision_errors_total{kind} - decision provider failures
//   - branch_errors_total{stage} - per-branch pipeline failures outside the decision call
//   - decision_latency_seconds - decision provider call time
//   - queue_depth{session} - queued commands per session
//   - pending_confirmations{branch} - commands awaiting approval
//   - stalls_total - stall detections that notified
//   - failure_streak_alerts_total - failure streak escalations
//   - cycle_duration_seconds - full loop iteration time
//   - heartbeat_timestamp_seconds - end of the last completed cycle
type Metrics struct {
	CommandsTotal        *prometheus.CounterVec
	CommandResultsTotal  *prometheus.CounterVec
	DecisionErrorsTotal  *prometheus.CounterVec
	BranchErrorsTotal    *prometheus.CounterVec
	DecisionLatency      prometheus.Histogram
	QueueDepth           *prometheus.GaugeVec
	PendingConfirmations *prometheus.GaugeVec
	StallsTotal          prometheus.Counter
	FailureAlertsTotal   prometheus.Counter
	CycleDuration        prometheus.Histogram
	Heartbeat            prometheus.Gauge
	BranchesTracked      prometheus.Gauge
}

// New registers the orchestrator metrics on reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by the dispatch scheduler, by outcome.",
		}, []string{"outcome"}),
		CommandResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_results_total",
			Help:      "Command exit markers observed, by resolved status.",
		}, []string{"status"}),
		DecisionErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_errors_total",
			Help:      "Decision provider failures, by kind.",
		}, []string{"kind"}),
		BranchErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_errors_total",
			Help:      "Branch pipeline failures outside the decision call, by stage.",
		}, []string{"stage"}),
		DecisionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_seconds",
			Help:      "Wall time of decision provider calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120, 180},
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands waiting in a session's dispatch queue.",
		}, []string{"session"}),
		PendingConfirmations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_confirmations",
			Help:      "Commands held for operator approval.",
		}, []string{"branch"}),
		StallsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Stalled commands that triggered a notification.",
		}),
		FailureAlertsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_streak_alerts_total",
			Help:      "Failure streak escalations.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full reconciliation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		Heartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_timestamp_seconds",
			Help:      "Unix time at which the last cycle completed.",
		}),
		BranchesTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branches_tracked",
			Help:      "Branches collected in the last cycle.",
		}),
	}
}

// RecordCommand increments the outcome counter.
func (m *Metrics) RecordCommand(outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(outcome).Inc()
}

// RecordDecisionError increments the decision error counter for kind.
func (m *Metrics) RecordDecisionError(kind string) {
	if m == nil {
		return
	}
	m.DecisionErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordBranchError increments the branch pipeline error counter for stage.
func (m *Metrics) RecordBranchError(stage string) {
	if m == nil {
		return
	}
	m.BranchErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveDecisionLatency records one decision call.
func (m *Metrics) ObserveDecisionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.DecisionLatency.Observe(d.Seconds())
}

// SetQueueDepth publishes a session's queue length.
func (m *Metrics) SetQueueDepth(session string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(session).Set(float64(depth))
}

// SetPendingConfirmations publishes a branch's approval backlog.
func (m *Metrics) SetPendingConfirmations(branch string, n int) {
	if m == nil {
		return
	}
	m.PendingConfirmations.WithLabelValues(branch).Set(float64(n))
}

// RecordResult counts a resolved exit marker.
func (m *Metrics) RecordResult(status string) {
	if m == nil {
		return
	}
	m.CommandResultsTotal.WithLabelValues(status).Inc()
}

// RecordStall counts a stall notification.
func (m *Metrics) RecordStall() {
	if m == nil {
		return
	}
	m.StallsTotal.Inc()
}

// RecordFailureAlert counts a failure streak escalation.
func (m *Metrics) RecordFailureAlert() {
	if m == nil {
		return
	}
	m.FailureAlertsTotal.Inc()
}

// ObserveCycle records a cycle's duration and stamps the heartbeat.
func (m *Metrics) ObserveCycle(d time.Duration, finished time.Time, branches int) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
	m.Heartbeat.Set(float64(finished.Unix()))
	m.BranchesTracked.Set(float64(branches))
}
