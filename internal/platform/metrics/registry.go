// Package metrics provides the control plane's Prometheus instrumentation,
// organized by the components named in the service's architecture: the
// heartbeat ingestor, drift engine, access evaluator, approval state
// machine, cache fabric, repository ports, refresh publisher, and the
// reaper/pre-warmer background workers.
//
// All metrics follow the naming convention:
// controlplane_<subsystem>_<metric_name>_<unit>
package metrics

import "sync"

// Registry is the central holder of all Prometheus collectors for a control
// plane replica. Each subsystem group is lazily initialized on first access
// so a component that is never constructed (e.g. the registry discovery
// port, when disabled) never registers its collectors.
type Registry struct {
	namespace string

	heartbeat *HeartbeatMetrics
	drift     *DriftMetrics
	access    *AccessMetrics
	approval  *ApprovalMetrics
	cache     *CacheMetrics
	repo      *RepositoryMetrics
	bus       *BusMetrics
	reaper    *ReaperMetrics
	prewarm   *PrewarmMetrics
	http      *HTTPMetrics
	retry     *RetryMetrics
	orchestrator *OrchestratorMetrics

	heartbeatOnce sync.Once
	driftOnce     sync.Once
	accessOnce    sync.Once
	approvalOnce  sync.Once
	cacheOnce     sync.Once
	repoOnce      sync.Once
	busOnce       sync.Once
	reaperOnce    sync.Once
	prewarmOnce   sync.Once
	httpOnce      sync.Once
	retryOnce     sync.Once
	orchestratorOnce sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry under the
// "controlplane" namespace. Safe for concurrent use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("controlplane")
	})
	return defaultRegistry
}

// NewRegistry creates a Registry under namespace. Tests that want isolated
// collectors (to avoid duplicate-registration panics against the default
// Prometheus registry) should pass a unique namespace per test.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "controlplane"
	}
	return &Registry{namespace: namespace}
}

// Namespace returns the configured Prometheus namespace.
func (r *Registry) Namespace() string { return r.namespace }

// Heartbeat returns the heartbeat-ingestor metrics, initializing them on
// first access.
func (r *Registry) Heartbeat() *HeartbeatMetrics {
	r.heartbeatOnce.Do(func() { r.heartbeat = newHeartbeatMetrics(r.namespace) })
	return r.heartbeat
}

// Drift returns the drift-engine metrics.
func (r *Registry) Drift() *DriftMetrics {
	r.driftOnce.Do(func() { r.drift = newDriftMetrics(r.namespace) })
	return r.drift
}

// Access returns the access-evaluator metrics.
func (r *Registry) Access() *AccessMetrics {
	r.accessOnce.Do(func() { r.access = newAccessMetrics(r.namespace) })
	return r.access
}

// Approval returns the approval-state-machine metrics.
func (r *Registry) Approval() *ApprovalMetrics {
	r.approvalOnce.Do(func() { r.approval = newApprovalMetrics(r.namespace) })
	return r.approval
}

// Cache returns the cache-fabric metrics.
func (r *Registry) Cache() *CacheMetrics {
	r.cacheOnce.Do(func() { r.cache = newCacheMetrics(r.namespace) })
	return r.cache
}

// Repository returns the repository-port metrics.
func (r *Registry) Repository() *RepositoryMetrics {
	r.repoOnce.Do(func() { r.repo = newRepositoryMetrics(r.namespace) })
	return r.repo
}

// Bus returns the refresh-publisher metrics.
func (r *Registry) Bus() *BusMetrics {
	r.busOnce.Do(func() { r.bus = newBusMetrics(r.namespace) })
	return r.bus
}

// Reaper returns the stale-instance-reaper metrics.
func (r *Registry) Reaper() *ReaperMetrics {
	r.reaperOnce.Do(func() { r.reaper = newReaperMetrics(r.namespace) })
	return r.reaper
}

// Prewarm returns the cache-pre-warmer metrics.
func (r *Registry) Prewarm() *PrewarmMetrics {
	r.prewarmOnce.Do(func() { r.prewarm = newPrewarmMetrics(r.namespace) })
	return r.prewarm
}

// HTTP returns the operational-surface HTTP metrics.
func (r *Registry) HTTP() *HTTPMetrics {
	r.httpOnce.Do(func() { r.http = newHTTPMetrics(r.namespace) })
	return r.http
}

// Retry returns the resilience-decorator (retry/circuit-breaker) metrics
// shared by every outbound adapter the retry and breaker middleware wraps.
func (r *Registry) Retry() *RetryMetrics {
	r.retryOnce.Do(func() { r.retry = newRetryMetrics(r.namespace) })
	return r.retry
}

// Orchestrator returns the ingest-worker-pool metrics.
func (r *Registry) Orchestrator() *OrchestratorMetrics {
	r.orchestratorOnce.Do(func() { r.orchestrator = newOrchestratorMetrics(r.namespace) })
	return r.orchestrator
}
