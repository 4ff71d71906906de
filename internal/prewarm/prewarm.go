// Package prewarm implements the startup cache pre-warmer: once, after a
// warmup delay, it walks every ApplicationService x environment pair and
// populates the expected-hash cache from CSoT, so the first heartbeat of
// a freshly started replica doesn't pay a cold CSoT round trip.
package prewarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/heartbeat"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

// Warmer runs the startup pre-warm pass.
type Warmer struct {
	services repository.ApplicationServiceRepository
	csot     heartbeat.CSoTPort
	cacheMgr *cache.Manager
	cacheCfg config.CacheTTLConfig
	metrics  *metrics.PrewarmMetrics
	logger   *slog.Logger
}

// New constructs a Warmer.
func New(services repository.ApplicationServiceRepository, csot heartbeat.CSoTPort, cacheMgr *cache.Manager, cacheCfg config.CacheTTLConfig, m *metrics.Registry, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	var pm *metrics.PrewarmMetrics
	if m != nil {
		pm = m.Prewarm()
	}
	return &Warmer{services: services, csot: csot, cacheMgr: cacheMgr, cacheCfg: cacheCfg, metrics: pm, logger: logger}
}

// Run waits WarmupDelay (0 runs immediately) then performs one pre-warm
// pass, returning early if ctx is cancelled first. Failures populating
// individual entries are logged and do not stop the pass or the caller's
// readiness.
func (w *Warmer) Run(ctx context.Context) {
	if w.cacheCfg.WarmupDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cacheCfg.WarmupDelay):
		}
	}

	start := time.Now()
	defer w.recordRun(start)

	services, err := w.services.List(ctx, repository.Criteria{Unrestricted: true})
	if err != nil {
		w.logger.Warn("prewarm failed to list application services", "error", err)
		return
	}

	expectedCache, err := w.cacheMgr.Named(cache.NameExpectedHash)
	if err != nil {
		w.logger.Warn("prewarm cannot reach expected-hash cache", "error", err)
		return
	}

	count := 0
	for _, svc := range services {
		for _, env := range svc.Environments {
			hash, err := w.csot.GetExpectedHash(ctx, svc.ID, env)
			if err != nil {
				w.logger.Warn("prewarm failed to fetch expected hash", "service_id", svc.ID, "environment", env, "error", err)
				continue
			}
			key := heartbeat.ExpectedHashCacheKey(svc.ID, env)
			if err := expectedCache.Set(ctx, key, hash, w.cacheCfg.ExpectedHashTTL); err != nil {
				w.logger.Warn("prewarm failed to populate expected-hash cache", "service_id", svc.ID, "environment", env, "error", err)
				continue
			}
			count++
		}
	}
	w.recordEntries(count)
	w.logger.Info("cache pre-warm complete", "entries", count)
}

func (w *Warmer) recordRun(start time.Time) {
	if w.metrics != nil {
		w.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}
}

func (w *Warmer) recordEntries(n int) {
	if w.metrics != nil {
		w.metrics.EntriesTotal.Add(float64(n))
	}
}
