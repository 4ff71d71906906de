// Package heartbeat implements the ingest pipeline: resolve the reporting
// service, compare the applied configuration hash against the expected
// one, keep the ServiceInstance projection and DriftEvent ledger current,
// and trigger a targeted refresh the moment drift is newly detected.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/configplane/controlplane/internal/bus"
	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/registry"
	"github.com/configplane/controlplane/internal/repository"
)

// Status values of IngestResult and the ServiceInstance projection.
const (
	StatusHealthy domain.InstanceStatus = domain.InstanceHealthy
	StatusDrift   domain.InstanceStatus = domain.InstanceDrift
	StatusUnknown domain.InstanceStatus = domain.InstanceUnknown
)

// Payload is the inbound heartbeat request body.
type Payload struct {
	ServiceName string            `json:"serviceName" validate:"required"`
	InstanceID  string            `json:"instanceId" validate:"required"`
	ConfigHash  string            `json:"configHash" validate:"required"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	Environment string            `json:"environment" validate:"required"`
	Version     string            `json:"version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IngestResult is the outcome of a single Ingest call.
type IngestResult struct {
	Status        domain.InstanceStatus `json:"status"`
	DriftDetected bool                  `json:"driftDetected"`
}

// CSoTPort resolves the expected configuration hash for a service and
// environment from the external configuration source-of-truth.
type CSoTPort interface {
	GetExpectedHash(ctx context.Context, serviceID, environment string) (string, error)
}

// ExpectedHashCacheKey builds the expected-hash and csot-fallback cache
// key for (serviceID, environment), shared with internal/prewarm so both
// packages populate and read the same entries.
func ExpectedHashCacheKey(serviceID, environment string) string {
	return serviceID + ":" + environment
}

type dedupEntry struct {
	Hash   string       `json:"hash"`
	Result IngestResult `json:"result"`
}

// Service is the heartbeat ingestor.
type Service struct {
	services  repository.ApplicationServiceRepository
	instances repository.ServiceInstanceRepository
	drift     repository.DriftEventRepository
	csot      CSoTPort
	publisher bus.Publisher
	registry  registry.Registry
	cacheMgr  *cache.Manager
	cfg       config.HeartbeatConfig
	cacheCfg  config.CacheTTLConfig
	metrics   *metrics.HeartbeatMetrics
	drifts    *metrics.DriftMetrics
	validate  *validator.Validate
	logger    *slog.Logger
	locks     *shardedLocks
}

// NewService constructs a heartbeat ingestor. reg may be nil to skip
// service-registry label enrichment entirely.
func NewService(
	services repository.ApplicationServiceRepository,
	instances repository.ServiceInstanceRepository,
	drift repository.DriftEventRepository,
	csot CSoTPort,
	publisher bus.Publisher,
	reg registry.Registry,
	cacheMgr *cache.Manager,
	cfg config.HeartbeatConfig,
	cacheCfg config.CacheTTLConfig,
	m *metrics.Registry,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var hm *metrics.HeartbeatMetrics
	var dm *metrics.DriftMetrics
	if m != nil {
		hm = m.Heartbeat()
		dm = m.Drift()
	}
	return &Service{
		services:  services,
		instances: instances,
		drift:     drift,
		csot:      csot,
		publisher: publisher,
		registry:  reg,
		cacheMgr:  cacheMgr,
		cfg:       cfg,
		cacheCfg:  cacheCfg,
		metrics:   hm,
		drifts:    dm,
		validate:  validator.New(),
		logger:    logger,
		locks:     newShardedLocks(256),
	}
}

// Ingest runs the algorithm of the heartbeat contract: resolve, fetch the
// expected hash, upsert the instance, classify drift, and publish a
// refresh on newly-detected drift.
func (s *Service) Ingest(ctx context.Context, payload Payload) (IngestResult, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := s.validate.Struct(payload); err != nil {
		s.recordReceived("invalid")
		return IngestResult{}, domainerr.Wrap(domainerr.KindInvalidInput, "invalid heartbeat payload", err)
	}

	svc, err := s.resolveService(ctx, payload.ServiceName)
	if err != nil {
		s.recordReceived("unknown_service")
		return IngestResult{}, err
	}

	lock := s.locks.For(svc.ID + "/" + payload.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	if result, hit := s.checkDedup(ctx, svc.ID, payload.InstanceID, payload.ConfigHash); hit {
		if s.metrics != nil {
			s.metrics.DedupedTotal.Inc()
		}
		return result, nil
	}

	expectedHash, hashErr := s.resolveExpectedHash(ctx, svc.ID, payload.Environment)

	now := time.Now()
	inst := &domain.ServiceInstance{
		ServiceID:    svc.ID,
		InstanceID:   payload.InstanceID,
		Host:         payload.Host,
		Port:         payload.Port,
		Environment:  payload.Environment,
		Version:      payload.Version,
		AppliedHash:  payload.ConfigHash,
		ExpectedHash: expectedHash,
		Metadata:     s.enrichMetadata(ctx, payload),
		LastSeenAt:   now,
	}

	result, classifyErr := s.classify(ctx, svc, inst, hashErr != nil)
	if classifyErr != nil {
		s.recordReceived("error")
		return IngestResult{}, classifyErr
	}

	s.recordDedup(ctx, svc.ID, payload.InstanceID, payload.ConfigHash, result)
	s.recordReceived("accepted")
	return result, nil
}

// resolveService resolves serviceName to an ApplicationService, consulting
// the service-resolution cache first and auto-registering a new service
// when enabled and no match exists.
func (s *Service) resolveService(ctx context.Context, serviceName string) (*domain.ApplicationService, error) {
	resCache, cacheErr := s.cacheMgr.Named(cache.NameServiceResolution)
	if cacheErr == nil {
		var serviceID string
		if err := resCache.Get(ctx, serviceName, &serviceID); err == nil {
			if svc, err := s.services.Get(ctx, serviceID); err == nil {
				return svc, nil
			}
		}
	}

	svc, err := s.services.GetByDisplayName(ctx, serviceName)
	if err == nil {
		if resCache != nil {
			if err := resCache.Set(ctx, serviceName, svc.ID, s.cacheCfg.ServiceResolutionTTL); err != nil {
				s.logger.Warn("failed to populate service resolution cache", "service_name", serviceName, "error", err)
			}
		}
		return svc, nil
	}
	if domainerr.KindOf(err) != domainerr.KindNotFound {
		return nil, domainerr.Wrap(domainerr.KindInternal, "resolve service name", err)
	}

	if !s.cfg.AutoRegisterOnFirstHeartbeat {
		return nil, domainerr.ErrUnknownService
	}

	newSvc := &domain.ApplicationService{
		ID:           uuid.NewString(),
		DisplayName:  serviceName,
		Environments: []string{},
		Lifecycle:    domain.LifecycleActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		CreatedBy:    "heartbeat-ingestor",
		UpdatedBy:    "heartbeat-ingestor",
	}
	if err := s.services.Create(ctx, newSvc); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AutoRegisteredTotal.Inc()
	}
	s.logger.Info("auto-registered application service from first heartbeat", "service_name", serviceName, "service_id", newSvc.ID)
	return newSvc, nil
}

// resolveExpectedHash reads the expected hash through L1 -> L2 -> CSoT
// adapter, per spec, persisting a CSoT hit to both the expected-hash cache
// and the long-lived csot-fallback cache. On CSoT failure it falls back to
// csot-fallback; if that also misses it reports ErrCSoTUnavailable, a
// degraded-soft condition the caller must not treat as a hard failure.
func (s *Service) resolveExpectedHash(ctx context.Context, serviceID, environment string) (string, error) {
	key := ExpectedHashCacheKey(serviceID, environment)

	expectedCache, err := s.cacheMgr.Named(cache.NameExpectedHash)
	if err == nil {
		var hash string
		if err := expectedCache.Get(ctx, key, &hash); err == nil {
			return hash, nil
		}
	}

	if s.csot != nil {
		hash, err := s.csot.GetExpectedHash(ctx, serviceID, environment)
		if err == nil {
			if expectedCache != nil {
				_ = expectedCache.Set(ctx, key, hash, s.cacheCfg.ExpectedHashTTL)
			}
			if fallbackCache, ferr := s.cacheMgr.Named(cache.NameCSoTFallback); ferr == nil {
				_ = fallbackCache.Set(ctx, key, hash, s.cacheCfg.CSoTFallbackTTL)
			}
			return hash, nil
		}
		s.logger.Warn("csot lookup failed, falling back to cache", "service_id", serviceID, "environment", environment, "error", err)
	}

	fallbackCache, err := s.cacheMgr.Named(cache.NameCSoTFallback)
	if err == nil {
		var hash string
		if err := fallbackCache.Get(ctx, key, &hash); err == nil {
			return hash, nil
		}
	}
	return "", domainerr.ErrCSoTUnavailable
}

// classify upserts inst and derives its drift status, opening, updating,
// or resolving a DriftEvent as needed. hashUnavailable short-circuits
// straight to UNKNOWN per the CSOT_UNAVAILABLE degraded-soft contract.
func (s *Service) classify(ctx context.Context, svc *domain.ApplicationService, inst *domain.ServiceInstance, hashUnavailable bool) (IngestResult, error) {
	open, err := s.drift.FindOpenByInstance(ctx, svc.ID, inst.InstanceID)
	if err != nil {
		return IngestResult{}, domainerr.Wrap(domainerr.KindInternal, "find open drift event", err)
	}

	switch {
	case hashUnavailable:
		inst.Status = StatusUnknown
		inst.HasDrift = open != nil
		stored, err := s.instances.Upsert(ctx, inst)
		if err != nil {
			return IngestResult{}, err
		}
		s.recordClassification("unknown")
		return IngestResult{Status: stored.Status, DriftDetected: false}, nil

	case inst.AppliedHash == inst.ExpectedHash:
		inst.Status = StatusHealthy
		inst.HasDrift = false
		inst.DriftDetectedAt = nil
		if open != nil {
			now := time.Now()
			open.Status = domain.DriftResolved
			open.ResolvedAt = &now
			open.ResolvedBy = "system"
			open.AppliedHash = inst.AppliedHash
			if err := s.drift.Update(ctx, open); err != nil {
				return IngestResult{}, domainerr.Wrap(domainerr.KindInternal, "resolve drift event", err)
			}
			s.recordDriftClosed("config_matched", open.Severity)
		}
		stored, err := s.instances.Upsert(ctx, inst)
		if err != nil {
			return IngestResult{}, err
		}
		s.recordClassification("healthy")
		return IngestResult{Status: stored.Status, DriftDetected: false}, nil

	default:
		inst.Status = StatusDrift
		inst.HasDrift = true
		now := time.Now()
		inst.DriftDetectedAt = &now
		newlyDetected := open == nil
		if open == nil {
			evt := &domain.DriftEvent{
				ID:           uuid.NewString(),
				ServiceID:    svc.ID,
				InstanceID:   inst.InstanceID,
				TeamID:       svc.OwnerTeamID,
				ExpectedHash: inst.ExpectedHash,
				AppliedHash:  inst.AppliedHash,
				Severity:     severityFor(svc, inst.Environment, s.cfg),
				Status:       domain.DriftDetected,
				DetectedAt:   now,
				DetectedBy:   "heartbeat-ingestor",
			}
			if err := s.drift.Create(ctx, evt); err != nil {
				return IngestResult{}, domainerr.Wrap(domainerr.KindInternal, "create drift event", err)
			}
			s.recordDriftOpened(evt.Severity)
		} else {
			open.AppliedHash = inst.AppliedHash
			if err := s.drift.Update(ctx, open); err != nil {
				return IngestResult{}, domainerr.Wrap(domainerr.KindInternal, "update drift event", err)
			}
		}

		stored, err := s.instances.Upsert(ctx, inst)
		if err != nil {
			return IngestResult{}, err
		}
		s.recordClassification("drift")

		if newlyDetected && s.publisher != nil {
			if err := s.publisher.Publish(ctx, bus.Instance(svc.ID, inst.InstanceID)); err != nil {
				s.logger.Warn("refresh publish failed", "service_id", svc.ID, "instance_id", inst.InstanceID, "error", err)
			}
		}
		return IngestResult{Status: stored.Status, DriftDetected: newlyDetected}, nil
	}
}

// severityFor derives a DriftEvent's severity from the service's declared
// environment name, defaulting HIGH for production and MEDIUM elsewhere.
func severityFor(svc *domain.ApplicationService, environment string, cfg config.HeartbeatConfig) domain.DriftSeverity {
	prodName := cfg.ProdEnvironmentName
	if prodName == "" {
		prodName = "prod"
	}
	if environment == prodName {
		if cfg.ProdSeverity != "" {
			return domain.DriftSeverity(cfg.ProdSeverity)
		}
		return domain.SeverityHigh
	}
	if cfg.DefaultSeverity != "" {
		return domain.DriftSeverity(cfg.DefaultSeverity)
	}
	return domain.SeverityMedium
}

// enrichMetadata best-effort enriches payload.Metadata with service
// registry labels observed for payload's host/port; a registry miss or
// error leaves the payload's own metadata untouched.
func (s *Service) enrichMetadata(ctx context.Context, payload Payload) map[string]string {
	metadata := payload.Metadata
	if s.registry == nil || payload.Host == "" {
		return metadata
	}
	labels, err := s.registry.Labels(ctx, payload.Environment, payload.Host, payload.Port)
	if err != nil || len(labels) == 0 {
		return metadata
	}
	merged := make(map[string]string, len(metadata)+len(labels))
	for k, v := range metadata {
		merged[k] = v
	}
	for k, v := range labels {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

func (s *Service) checkDedup(ctx context.Context, serviceID, instanceID, hash string) (IngestResult, bool) {
	dedupCache, err := s.cacheMgr.Named(cache.NameHeartbeatDedup)
	if err != nil {
		return IngestResult{}, false
	}
	var entry dedupEntry
	if err := dedupCache.Get(ctx, serviceID+"/"+instanceID, &entry); err != nil {
		return IngestResult{}, false
	}
	if entry.Hash != hash {
		return IngestResult{}, false
	}
	return entry.Result, true
}

func (s *Service) recordDedup(ctx context.Context, serviceID, instanceID, hash string, result IngestResult) {
	dedupCache, err := s.cacheMgr.Named(cache.NameHeartbeatDedup)
	if err != nil {
		return
	}
	if err := dedupCache.Set(ctx, serviceID+"/"+instanceID, dedupEntry{Hash: hash, Result: result}, s.cfg.DedupWindow); err != nil {
		s.logger.Warn("failed to populate dedup cache", "instance_id", instanceID, "error", err)
	}
}

func (s *Service) recordReceived(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ReceivedTotal.WithLabelValues(status).Inc()
}

func (s *Service) recordClassification(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ClassificationsTotal.WithLabelValues(outcome).Inc()
}

func (s *Service) recordDriftOpened(severity domain.DriftSeverity) {
	if s.drifts == nil {
		return
	}
	s.drifts.OpenedTotal.WithLabelValues(string(severity)).Inc()
	s.drifts.OpenGauge.WithLabelValues(string(severity)).Inc()
}

func (s *Service) recordDriftClosed(reason string, severity domain.DriftSeverity) {
	if s.drifts == nil {
		return
	}
	s.drifts.ClosedTotal.WithLabelValues(reason).Inc()
	s.drifts.OpenGauge.WithLabelValues(string(severity)).Dec()
}
