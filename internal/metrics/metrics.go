package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cascade_guard"

var (
	// PolicyEvaluations counts Evaluate calls by operation kind and reason code.
	PolicyEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_evaluations_total",
		Help:      "Policy evaluations by operation kind and reason code.",
	}, []string{"kind", "reason"})

	// RateLimitHits counts attempts refused by a locked rate-limit window.
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_hits_total",
		Help:      "Attempts refused by a locked rate-limit window.",
	}, []string{"counter"})

	// SuspiciousFlags counts sessions flagged for suspicious activity.
	SuspiciousFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspicious_flags_total",
		Help:      "Sessions flagged for suspicious activity.",
	}, []string{"source"})

	// SessionRefreshes counts session refresh outcomes.
	SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_refreshes_total",
		Help:      "Session refresh attempts by result.",
	}, []string{"result"})

	// VerificationOutcomes counts terminal verification workflow states.
	VerificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verification_outcomes_total",
		Help:      "Terminal verification workflow states by operation kind.",
	}, []string{"kind", "outcome"})

	// VerificationStepFailures counts failed step submissions.
	VerificationStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verification_step_failures_total",
		Help:      "Failed verification step submissions.",
	}, []string{"step"})

	// TokensIssued counts verification tokens issued.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Verification tokens issued.",
	})

	// TokensRejected counts verification tokens refused at consumption.
	TokensRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_rejected_total",
		Help:      "Verification tokens refused at consumption.",
	}, []string{"reason"})

	// OptimisticUpdates counts speculative cache mutations applied.
	OptimisticUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "optimistic_updates_total",
		Help:      "Speculative cache mutations applied.",
	}, []string{"action"})

	// Rollbacks counts operation rollbacks by result.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Operation rollbacks by result.",
	}, []string{"result"})

	// ActiveOperations tracks deletions currently in flight.
	ActiveOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_operations",
		Help:      "Deletions currently in flight.",
	})

	// OperationDuration records time from execute to completion.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Deletion duration from execute to terminal event in seconds.",
		Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"outcome"})

	// TransportState is 1 for the current realtime connection state, 0 otherwise.
	TransportState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_state",
		Help:      "Realtime connection state (1 = current).",
	}, []string{"state"})

	// TransportReconnects counts reconnect attempts.
	TransportReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_reconnects_total",
		Help:      "Realtime reconnect attempts by result.",
	}, []string{"result"})

	// TransportMessages counts realtime frames.
	TransportMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_messages_total",
		Help:      "Realtime frames by direction and type.",
	}, []string{"direction", "type"})

	// TransportQueueDepth tracks outbound frames queued while disconnected.
	TransportQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_queue_depth",
		Help:      "Outbound frames queued while disconnected.",
	})

	// APICalls counts raw backend API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw backend API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records backend API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Backend API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// AuthErrors counts session refresh calls that failed.
	AuthErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_errors_total",
		Help:      "Backend session refresh calls that failed.",
	})

	// JobsEnqueued counts jobs placed into the audit delivery channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"kind"})

	// JobsDropped counts jobs discarded without delivery.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without delivery.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"kind", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)
