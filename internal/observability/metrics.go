// Package observability exposes Prometheus metrics for the sandbox control plane.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SandboxesCreated counts fresh sandbox container creations by shell type.
	SandboxesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_sandboxes_created_total",
		Help: "Total number of sandbox containers created",
	}, []string{"shell_type"})

	// SandboxesReused counts create requests satisfied by a live sandbox.
	SandboxesReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wegent_sandboxes_reused_total",
		Help: "Total number of sandbox create requests served by reuse",
	})

	// SandboxesFailed counts sandboxes that ended in FAILED by reason.
	SandboxesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_sandboxes_failed_total",
		Help: "Total number of sandboxes marked failed",
	}, []string{"reason"}) // start_error, heartbeat_lost, oom, exit_code

	// SandboxesTerminated counts clean terminations (user request or GC).
	SandboxesTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_sandboxes_terminated_total",
		Help: "Total number of sandboxes terminated",
	}, []string{"cause"}) // request, gc

	// ActiveSandboxes tracks the current size of the active set.
	ActiveSandboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wegent_active_sandboxes",
		Help: "Current number of sandboxes in the active set",
	})

	// ExecutionsStarted counts executions dispatched to executors.
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wegent_executions_started_total",
		Help: "Total number of executions dispatched",
	})

	// ExecutionsFinished counts executions by terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_executions_finished_total",
		Help: "Total number of executions reaching a terminal status",
	}, []string{"status"}) // completed, failed, cancelled

	// ExecutionDuration tracks wall time from dispatch to terminal callback.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wegent_execution_duration_seconds",
		Help:    "Execution wall time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	})

	// CallbacksReceived counts callbacks by task type.
	CallbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_callbacks_received_total",
		Help: "Total number of callbacks received from executors",
	}, []string{"task_type"})

	// HeartbeatSweeps counts per-entry sweep verdicts.
	HeartbeatSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_heartbeat_sweeps_total",
		Help: "Total number of heartbeat sweep verdicts",
	}, []string{"kind", "outcome"}) // kind: sandbox, task; outcome: alive, running_container, benign, dead, lock_busy

	// SweepDuration tracks the duration of periodic sweeps.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wegent_sweep_duration_seconds",
		Help:    "Duration of periodic sweep jobs",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// GCCollected counts sandboxes collected by the expiry sweep.
	GCCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wegent_gc_collected_total",
		Help: "Total number of sandboxes collected by the expiry sweep",
	}, []string{"kind"}) // orphan, expired
)
