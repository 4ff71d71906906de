package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
)

// Named cache identifiers, matching the cache/clear operational
// endpoint's cacheName selector.
const (
	NameExpectedHash      = "expected_hash"
	NameServiceResolution = "service_resolution"
	NamePermissions       = "permissions"
	NameCSoTFallback      = "csot_fallback"
	NameIdPFallback       = "idp_fallback"
	NameHeartbeatDedup    = "heartbeat_dedup"
)

// Manager owns every named Fabric in the cache fabric and is the single
// construction point used by cmd/server.
type Manager struct {
	fabrics map[string]*Fabric
}

// NewManager builds every named cache from cfg. l2 is nil when
// cfg.Redis.Addr is empty, producing an L1-only fabric throughout.
func NewManager(cfg *config.Config, l2 *redis.Client, m *metrics.Registry, logger *slog.Logger) (*Manager, error) {
	cm := m.Cache()
	mgr := &Manager{fabrics: make(map[string]*Fabric)}

	build := func(name string, ttl time.Duration) error {
		f, err := NewFabric(name, cfg.Cache.L1MaxEntries, ttl, l2, cfg.Cache.WriteThrough, cm, logger)
		if err != nil {
			return fmt.Errorf("construct %s cache: %w", name, err)
		}
		mgr.fabrics[name] = f
		return nil
	}

	if err := build(NameExpectedHash, cfg.Cache.ExpectedHashTTL); err != nil {
		return nil, err
	}
	if err := build(NameServiceResolution, cfg.Cache.ServiceResolutionTTL); err != nil {
		return nil, err
	}
	if err := build(NamePermissions, cfg.Cache.PermissionsTTL); err != nil {
		return nil, err
	}
	if err := build(NameCSoTFallback, cfg.Cache.CSoTFallbackTTL); err != nil {
		return nil, err
	}
	if err := build(NameIdPFallback, cfg.Cache.IdPFallbackTTL); err != nil {
		return nil, err
	}
	if err := build(NameHeartbeatDedup, cfg.Heartbeat.DedupWindow); err != nil {
		return nil, err
	}

	return mgr, nil
}

// Named returns the cache registered under name, or an error if unknown.
func (m *Manager) Named(name string) (*Fabric, error) {
	f, ok := m.fabrics[name]
	if !ok {
		return nil, fmt.Errorf("unknown cache %q", name)
	}
	return f, nil
}

// Clear flushes the named cache (both tiers) for the cache/clear admin
// endpoint.
func (m *Manager) Clear(ctx context.Context, name string) error {
	f, err := m.Named(name)
	if err != nil {
		return err
	}
	return f.Flush(ctx)
}

// ListenForInvalidations starts every fabric's Redis pub/sub listener and
// blocks until ctx is cancelled.
func (m *Manager) ListenForInvalidations(ctx context.Context) {
	for _, f := range m.fabrics {
		go func(f *Fabric) {
			_ = f.ListenForInvalidations(ctx)
		}(f)
	}
	<-ctx.Done()
}
