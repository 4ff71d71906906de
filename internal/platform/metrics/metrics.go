package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HeartbeatMetrics instruments the heartbeat ingestor: ingest volume,
// latency, classification outcomes, and the dedup-window hit rate.
type HeartbeatMetrics struct {
	ReceivedTotal        *prometheus.CounterVec
	DedupedTotal         prometheus.Counter
	ProcessingDuration   prometheus.Histogram
	ClassificationsTotal *prometheus.CounterVec
	AutoRegisteredTotal  prometheus.Counter
}

func newHeartbeatMetrics(namespace string) *HeartbeatMetrics {
	return &HeartbeatMetrics{
		ReceivedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Total number of heartbeats received.",
		}, []string{"status"}),
		DedupedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "deduped_total",
			Help:      "Total number of heartbeats discarded by the dedup window.",
		}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "processing_duration_seconds",
			Help:      "Time to classify and persist a single heartbeat.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ClassificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "classifications_total",
			Help:      "Total number of drift classifications produced, by outcome.",
		}, []string{"outcome"}),
		AutoRegisteredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "auto_registered_total",
			Help:      "Total number of ApplicationServices auto-registered from a first heartbeat.",
		}),
	}
}

// DriftMetrics instruments the drift engine: open/close volume and the
// current count of open drift events by severity.
type DriftMetrics struct {
	OpenedTotal   *prometheus.CounterVec
	ClosedTotal   *prometheus.CounterVec
	OpenGauge     *prometheus.GaugeVec
}

func newDriftMetrics(namespace string) *DriftMetrics {
	return &DriftMetrics{
		OpenedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drift",
			Name:      "opened_total",
			Help:      "Total number of drift events opened, by severity.",
		}, []string{"severity"}),
		ClosedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drift",
			Name:      "closed_total",
			Help:      "Total number of drift events closed, by resolution reason.",
		}, []string{"reason"}),
		OpenGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drift",
			Name:      "open",
			Help:      "Current number of open drift events, by severity.",
		}, []string{"severity"}),
	}
}

// AccessMetrics instruments the ABAC access evaluator: decisions by
// outcome and the permissions-cache hit ratio.
type AccessMetrics struct {
	DecisionsTotal *prometheus.CounterVec
	CacheHitsTotal *prometheus.CounterVec
	EvalDuration   prometheus.Histogram
}

func newAccessMetrics(namespace string) *AccessMetrics {
	return &AccessMetrics{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Total number of access-control decisions, by matched rule and outcome.",
		}, []string{"rule", "outcome"}),
		CacheHitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "cache_hits_total",
			Help:      "Total number of permissions-cache lookups, by hit/miss.",
		}, []string{"result"}),
		EvalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "eval_duration_seconds",
			Help:      "Time to evaluate a single access-control decision.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
}

// ApprovalMetrics instruments the multi-gate approval state machine.
type ApprovalMetrics struct {
	RequestsTotal       *prometheus.CounterVec
	DecisionsTotal      *prometheus.CounterVec
	CASRetriesTotal      prometheus.Counter
	SideEffectRetriesTotal prometheus.Counter
}

func newApprovalMetrics(namespace string) *ApprovalMetrics {
	return &ApprovalMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "requests_total",
			Help:      "Total number of approval requests created, by type.",
		}, []string{"type"}),
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Total number of gate decisions recorded, by gate and decision.",
		}, []string{"gate", "decision"}),
		CASRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "cas_retries_total",
			Help:      "Total number of optimistic-concurrency retries on ApprovalRequest writes.",
		}),
		SideEffectRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "side_effect_retries_total",
			Help:      "Total number of compensating retries of the post-approval ownership side effect.",
		}),
	}
}

// CacheMetrics instruments the two-tier cache fabric.
type CacheMetrics struct {
	HitsTotal      *prometheus.CounterVec
	MissesTotal    *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	InvalidationsTotal *prometheus.CounterVec
	WarmedTotal    prometheus.Counter
}

func newCacheMetrics(namespace string) *CacheMetrics {
	return &CacheMetrics{
		HitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits, by cache name and tier.",
		}, []string{"cache", "tier"}),
		MissesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses, by cache name.",
		}, []string{"cache"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total number of cache errors, by cache name and tier.",
		}, []string{"cache", "tier"}),
		InvalidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Total number of cache invalidations processed, by cache name and origin.",
		}, []string{"cache", "origin"}),
		WarmedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "warmed_total",
			Help:      "Total number of entries populated by the startup pre-warmer.",
		}),
	}
}

// RepositoryMetrics instruments the repository ports.
type RepositoryMetrics struct {
	QueryDuration *prometheus.HistogramVec
	ErrorsTotal   *prometheus.CounterVec
}

func newRepositoryMetrics(namespace string) *RepositoryMetrics {
	return &RepositoryMetrics{
		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "query_duration_seconds",
			Help:      "Duration of repository operations in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"entity", "operation", "status"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "errors_total",
			Help:      "Total number of repository errors, by entity, operation and error kind.",
		}, []string{"entity", "operation", "kind"}),
	}
}

// BusMetrics instruments the refresh publisher, including circuit breaker
// state transitions.
type BusMetrics struct {
	PublishedTotal  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	BreakerTripsTotal prometheus.Counter
}

func newBusMetrics(namespace string) *BusMetrics {
	return &BusMetrics{
		PublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Total number of refresh notifications published, by outcome.",
		}, []string{"outcome"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),
		BreakerTripsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "breaker_trips_total",
			Help:      "Total number of times the refresh-publisher circuit breaker opened.",
		}),
	}
}

// ReaperMetrics instruments the stale-instance reaper.
type ReaperMetrics struct {
	RunsTotal        prometheus.Counter
	MarkedStaleTotal prometheus.Counter
	DeletedTotal     prometheus.Counter
	RunDuration      prometheus.Histogram
}

func newReaperMetrics(namespace string) *ReaperMetrics {
	return &ReaperMetrics{
		RunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "runs_total",
			Help:      "Total number of reaper sweeps executed.",
		}),
		MarkedStaleTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "marked_stale_total",
			Help:      "Total number of stale instances marked UNHEALTHY.",
		}),
		DeletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "deleted_total",
			Help:      "Total number of instances deleted after the delete threshold.",
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "run_duration_seconds",
			Help:      "Duration of a single reaper sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// PrewarmMetrics instruments the startup cache pre-warmer.
type PrewarmMetrics struct {
	RunDuration  prometheus.Histogram
	EntriesTotal prometheus.Counter
}

func newPrewarmMetrics(namespace string) *PrewarmMetrics {
	return &PrewarmMetrics{
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prewarm",
			Name:      "run_duration_seconds",
			Help:      "Duration of the startup cache pre-warm pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		EntriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prewarm",
			Name:      "entries_total",
			Help:      "Total number of cache entries populated during pre-warm.",
		}),
	}
}

// RetryMetrics instruments the retry and circuit-breaker decorators shared
// by every outbound adapter (refresh publisher, CSoT client, IdP client).
type RetryMetrics struct {
	AttemptsTotal   *prometheus.CounterVec
	DurationSeconds *prometheus.HistogramVec
	BackoffSeconds  *prometheus.HistogramVec
}

func newRetryMetrics(namespace string) *RetryMetrics {
	return &RetryMetrics{
		AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retry attempts, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		DurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "duration_seconds",
			Help:      "Duration of a retried operation from first attempt to completion.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}),
		BackoffSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff delay observed between retry attempts.",
			Buckets:   []float64{.001, .01, .05, .1, .2, .5, 1, 2, 5},
		}, []string{"operation"}),
	}
}

// RecordAttempt records one retry attempt.
func (m *RetryMetrics) RecordAttempt(operation, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(operation, outcome).Inc()
	m.DurationSeconds.WithLabelValues(operation, outcome).Observe(durationSeconds)
}

// RecordBackoff records a single backoff delay before a retry attempt.
func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	if m == nil {
		return
	}
	m.BackoffSeconds.WithLabelValues(operation).Observe(delaySeconds)
}

// HTTPMetrics instruments the minimal operational-surface router.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func newHTTPMetrics(namespace string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests, by route and status.",
		}, []string{"route", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// OrchestratorMetrics instruments the ingest worker pool's queueing and
// backpressure behavior.
type OrchestratorMetrics struct {
	QueueDepth      prometheus.Gauge
	SubmittedTotal  *prometheus.CounterVec
	QueueWaitSeconds prometheus.Histogram
}

func newOrchestratorMetrics(namespace string) *OrchestratorMetrics {
	return &OrchestratorMetrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Current number of heartbeats waiting in the ingest worker pool queue.",
		}),
		SubmittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "submitted_total",
			Help:      "Total number of heartbeats submitted to the ingest worker pool, by outcome.",
		}, []string{"outcome"}),
		QueueWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "queue_wait_seconds",
			Help:      "Time a heartbeat spent queued before a worker picked it up.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
