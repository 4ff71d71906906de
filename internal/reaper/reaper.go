// Package reaper implements the stale-instance sweep: periodically
// marking instances that have stopped reporting heartbeats UNHEALTHY,
// then deleting them (and force-resolving any open drift) once they
// have been silent long enough that they are presumed decommissioned.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

// reapedBy is recorded as DriftEvent.ResolvedBy for drift episodes closed
// by a reap sweep rather than a human or a converging heartbeat.
const reapedBy = "system-reap"

// Reaper is the background stale-instance sweep.
type Reaper struct {
	instances repository.ServiceInstanceRepository
	drift     repository.DriftEventRepository
	cfg       config.ReaperConfig
	metrics   *metrics.ReaperMetrics
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Reaper. cfg.Interval/StaleThreshold/DeleteThreshold
// default to 60s/90s/1h respectively when unset.
func New(instances repository.ServiceInstanceRepository, drift repository.DriftEventRepository, cfg config.ReaperConfig, m *metrics.Registry, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 90 * time.Second
	}
	if cfg.DeleteThreshold <= 0 {
		cfg.DeleteThreshold = time.Hour
	}
	var rm *metrics.ReaperMetrics
	if m != nil {
		rm = m.Reaper()
	}
	return &Reaper{instances: instances, drift: drift, cfg: cfg, metrics: rm, logger: logger, stopCh: make(chan struct{})}
}

// Start begins the periodic sweep in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the sweep to exit and waits for it to finish.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep marks instances silent for longer than StaleThreshold UNHEALTHY,
// then deletes (and force-resolves drift for) instances silent for
// longer than DeleteThreshold.
func (r *Reaper) Sweep(ctx context.Context) {
	start := time.Now()
	defer r.recordRun(start)

	now := time.Now()

	stale, err := r.instances.ListStale(ctx, now, r.cfg.StaleThreshold)
	if err != nil {
		r.logger.Warn("reaper failed to list stale instances", "error", err)
		return
	}
	for _, inst := range stale {
		if inst.IsStale(now, r.cfg.DeleteThreshold) {
			r.reap(ctx, inst)
			continue
		}
		if inst.Status == domain.InstanceUnhealthy {
			continue
		}
		if err := r.instances.MarkStatus(ctx, inst.ServiceID, inst.InstanceID, domain.InstanceUnhealthy); err != nil {
			r.logger.Warn("reaper failed to mark instance unhealthy", "service_id", inst.ServiceID, "instance_id", inst.InstanceID, "error", err)
			continue
		}
		r.recordMarkedStale()
		r.logger.Info("marked instance unhealthy", "service_id", inst.ServiceID, "instance_id", inst.InstanceID)
	}
}

func (r *Reaper) reap(ctx context.Context, inst *domain.ServiceInstance) {
	if err := r.forceResolveDrift(ctx, inst); err != nil {
		r.logger.Warn("reaper failed to force-resolve drift", "service_id", inst.ServiceID, "instance_id", inst.InstanceID, "error", err)
	}
	if err := r.instances.Delete(ctx, inst.ServiceID, inst.InstanceID); err != nil {
		r.logger.Warn("reaper failed to delete instance", "service_id", inst.ServiceID, "instance_id", inst.InstanceID, "error", err)
		return
	}
	r.recordDeleted()
	r.logger.Info("deleted long-silent instance", "service_id", inst.ServiceID, "instance_id", inst.InstanceID)
}

func (r *Reaper) forceResolveDrift(ctx context.Context, inst *domain.ServiceInstance) error {
	open, err := r.drift.FindOpenByInstance(ctx, inst.ServiceID, inst.InstanceID)
	if err != nil {
		return err
	}
	if open == nil {
		return nil
	}
	now := time.Now()
	open.Status = domain.DriftResolved
	open.ResolvedAt = &now
	open.ResolvedBy = reapedBy
	open.Notes = "instance deleted by reaper before drift was remediated"
	return r.drift.Update(ctx, open)
}

func (r *Reaper) recordRun(start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RunsTotal.Inc()
	r.metrics.RunDuration.Observe(time.Since(start).Seconds())
}

func (r *Reaper) recordMarkedStale() {
	if r.metrics != nil {
		r.metrics.MarkedStaleTotal.Inc()
	}
}

func (r *Reaper) recordDeleted() {
	if r.metrics != nil {
		r.metrics.DeletedTotal.Inc()
	}
}
