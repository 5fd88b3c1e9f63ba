// Package metrics registers the orchestrator's prometheus instruments. All
// instruments live on the default registry; the runner mux and the core admin
// listener both expose promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts inbound chat messages handled by the router,
	// by outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_messages_processed_total",
		Help: "Inbound chat messages processed by the message loop.",
	}, []string{"outcome"})

	// ProposalsDecided counts approval decisions.
	ProposalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_proposals_decided_total",
		Help: "Proposal decisions by terminal status.",
	}, []string{"decision"})

	// Dispatches counts outbound dispatch attempts by result.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_dispatches_total",
		Help: "Webhook dispatches by result.",
	}, []string{"result"})

	// DispatchDuration observes webhook round-trip time.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nanoclaw_dispatch_duration_seconds",
		Help:    "Webhook dispatch round-trip duration.",
		Buckets: prometheus.DefBuckets,
	})

	// ActionsExecuted counts runner action executions by type and status.
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_actions_executed_total",
		Help: "Runner action executions by action type and status.",
	}, []string{"type", "status"})

	// RunTransitions counts background run lifecycle transitions.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_run_transitions_total",
		Help: "Background run lifecycle transitions by new status.",
	}, []string{"status"})

	// IPCFiles counts IPC files consumed by disposition.
	IPCFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_ipc_files_total",
		Help: "IPC files consumed by the watcher, by disposition.",
	}, []string{"kind", "disposition"})

	// ScheduledTaskRuns counts scheduler firings by outcome.
	ScheduledTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_scheduled_task_runs_total",
		Help: "Scheduled task firings by outcome.",
	}, []string{"outcome"})

	// PlannerCalls counts planner invocations by outcome.
	PlannerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_planner_calls_total",
		Help: "Planner invocations by outcome.",
	}, []string{"outcome"})
)
