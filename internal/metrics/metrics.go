package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "identity_isolation"

var (
	// IPAllocations counts allocation attempts by outcome (assigned, shared, exhausted, error).
	IPAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_allocations_total",
		Help:      "IP allocation attempts by outcome.",
	}, []string{"result"})

	// ClaimConflicts counts conditional claims lost to a concurrent claimant.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_claim_conflicts_total",
		Help:      "IP claims lost to a concurrent claimant.",
	})

	// IPReleases counts IPs returned to the pool.
	IPReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_releases_total",
		Help:      "IP releases.",
	})

	// IPFailures counts reported proxy failures by type.
	IPFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_failures_total",
		Help:      "Reported proxy failures by failure type.",
	}, []string{"type"})

	// IPBans counts IPs moved to banned by trigger (failure, threshold, manual).
	IPBans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_bans_total",
		Help:      "IPs banned by trigger.",
	}, []string{"trigger"})

	// IPPoolSize is a gauge for pooled IPs per status.
	IPPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ip_pool_size",
		Help:      "Pooled IPs per status.",
	}, []string{"status"})

	// ActiveAssignments tracks current user→IP assignments.
	ActiveAssignments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_assignments",
		Help:      "Current user to IP assignments.",
	})

	// SessionsCreated counts new browser profile directories.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Browser profile directories created.",
	})

	// SessionsDeleted counts removed profile directories by reason (rotate, clear, expired, orphan).
	SessionsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_deleted_total",
		Help:      "Browser profile directories removed by reason.",
	}, []string{"reason"})

	// UnsafeDeletes counts deletions refused because the path escaped the base directory.
	UnsafeDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unsafe_deletes_total",
		Help:      "Session deletions refused for paths outside the base directory.",
	})

	// ActiveSessions tracks current session records.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Current session records.",
	})

	// UserAgentRotations counts user-agent rotations.
	UserAgentRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "user_agent_rotations_total",
		Help:      "User-agent rotations.",
	})

	// RiskEvents counts detection-risk reports by level and resulting action.
	RiskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_events_total",
		Help:      "Detection risk reports by level and action.",
	}, []string{"level", "action"})

	// IdentityRotations counts full identity rotations by outcome.
	IdentityRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_rotations_total",
		Help:      "Full identity rotations by outcome.",
	}, []string{"result"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs that could not be queued.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs that could not be queued.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// APIRequests counts HTTP API requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})

	// APIDuration records HTTP API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "HTTP API latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"route"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// JanitorDuration records housekeeping pass duration.
	JanitorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "janitor_duration_seconds",
		Help:      "Housekeeping pass duration in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 5.0, 30.0},
	})
)
