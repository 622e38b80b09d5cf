// Package orchestrator reconciles AI agent sessions running in tmux.
//
// # Overview
//
// Each tracked branch has a terminal session where an agent works. Every
// cycle the loop reads what the session printed, asks a decision provider
// what to do next, and types the answer back into the session. Commands
// are instrumented with a result marker so their exit codes come back in
// the terminal output.
//
// # Cycle
//
// One cycle moves through these states:
//
//	Idle → Collecting → Deciding → Dispatching → Idle
//
// Collecting snapshots every branch and resolves exit markers. Deciding
// runs the per-branch pipeline in a bounded worker pool. Dispatching hands
// the resulting commands to the Scheduler.
//
// # Key Components
//
// ## Collector
//
// The Collector captures new terminal output since the stored cursor,
// strips escape sequences, redacts secrets and resolves pending command
// records from result markers. A branch whose session cannot be read is
// marked stale and skipped for the cycle.
//
// ## Readiness Gates
//
// Gates decide whether a branch may be decided this cycle:
//   - CompletionGate: the branch reached the completion phase
//   - SessionGate: the snapshot is stale
//   - DependencyGate: a dependency is not completed, or lies on a cycle
//   - ConfirmationGate: commands are awaiting operator approval
//   - PendingCommandGate: a dispatched command has not reported back
//   - CooldownGate: the branch was dispatched to recently
//
// ## Scheduler
//
// The Scheduler keeps at most one command in flight per session. A session
// cools down after each send; commands arriving meanwhile wait in a bounded
// FIFO. Identical text already pending or queued is dropped, and text
// blocked by a failure streak is suppressed.
//
// ## Monitors
//
// StallDetector flags commands pending past the stall timeout and, after
// enough attempts, releases the session so a diagnostic can run.
// FailureMonitor blocks the texts of a failure streak until a later
// success, a phase change, or an operator clear.
//
// # Usage Example
//
//	sched := orchestrator.NewScheduler(orchestrator.SchedulerConfigFrom(cfg.Orchestrator), host, store)
//	coll := orchestrator.NewCollector(orchestrator.CollectorConfig{HistoryLines: 400}, host, store, orchestrator.CollectorDeps{})
//	loop, err := orchestrator.NewLoop(cfg, orchestrator.LoopDeps{
//		Store:     store,
//		Scheduler: sched,
//		Collector: coll,
//		Provider:  provider,
//		Prompts:   builder,
//	})
//	if err != nil {
//		return err
//	}
//	return loop.Run(ctx)
package orchestrator
