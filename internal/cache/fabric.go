// Package cache implements the control plane's two-tier cache fabric: an
// in-process LRU L1 (hashicorp/golang-lru) in front of an optional
// distributed L2 (Redis), with Redis pub/sub fanning out L1 invalidation
// across replicas whenever a local write or delete happens.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/metrics"
)

// Cache is the read-through/write-through contract exposed to the rest of
// the control plane. Every named cache in the fabric implements it.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

type entry struct {
	Data      []byte
	ExpiresAt time.Time
}

func (e entry) expired() bool { return time.Now().After(e.ExpiresAt) }

// Fabric is a single named cache: an L1 LRU of bounded size, with an
// optional L2 Redis tier behind it. When l2 is nil the fabric runs
// L1-only.
type Fabric struct {
	name         string
	l1           *lru.Cache[string, entry]
	l2           *redis.Client
	defaultTTL   time.Duration
	writeThrough bool
	metrics      *metrics.CacheMetrics
	logger       *slog.Logger
}

// NewFabric constructs a named Fabric. l2 may be nil to run L1-only.
func NewFabric(name string, l1Size int, defaultTTL time.Duration, l2 *redis.Client, writeThrough bool, m *metrics.CacheMetrics, logger *slog.Logger) (*Fabric, error) {
	if l1Size <= 0 {
		l1Size = 1000
	}
	l1, err := lru.New[string, entry](l1Size)
	if err != nil {
		return nil, newError("failed to construct L1 cache", "CONFIG_ERROR", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		name:         name,
		l1:           l1,
		l2:           l2,
		defaultTTL:   defaultTTL,
		writeThrough: writeThrough,
		metrics:      m,
		logger:       logger,
	}, nil
}

// Name returns the cache's name, used as the operational "cacheName"
// selector and as the metrics label.
func (f *Fabric) Name() string { return f.name }

// Get attempts L1 first, then L2 (promoting into L1 on a hit), returning
// ErrNotFound when absent from both tiers or expired.
func (f *Fabric) Get(ctx context.Context, key string, dest interface{}) error {
	if e, ok := f.l1.Get(key); ok {
		if !e.expired() {
			f.recordHit("l1")
			return json.Unmarshal(e.Data, dest)
		}
		f.l1.Remove(key)
	}

	if f.l2 == nil {
		f.recordMiss()
		return ErrNotFound
	}

	val, err := f.l2.Get(ctx, f.l2Key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			f.recordMiss()
			return ErrNotFound
		}
		f.recordError("l2")
		return newError("L2 get failed", "GET_ERROR", err)
	}

	ttl := f.defaultTTL
	if remaining, err := f.l2.TTL(ctx, f.l2Key(key)).Result(); err == nil && remaining > 0 {
		ttl = remaining
	}
	f.l1.Add(key, entry{Data: val, ExpiresAt: time.Now().Add(ttl)})
	f.recordHit("l2")
	return json.Unmarshal(val, dest)
}

// Set writes to L1 and, when writeThrough is enabled, to L2, then
// publishes an invalidation so sibling replicas drop their stale L1
// entry for key.
func (f *Fabric) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = f.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return newError("failed to marshal cache value", "MARSHAL_ERROR", err)
	}

	f.l1.Add(key, entry{Data: data, ExpiresAt: time.Now().Add(ttl)})

	if f.l2 != nil && f.writeThrough {
		if err := f.l2.Set(ctx, f.l2Key(key), data, ttl).Err(); err != nil {
			f.recordError("l2")
			return newError("L2 set failed", "SET_ERROR", err)
		}
	}

	f.publishInvalidation(ctx, key)
	return nil
}

// Delete removes key from both tiers and notifies sibling replicas.
func (f *Fabric) Delete(ctx context.Context, key string) error {
	f.l1.Remove(key)
	if f.l2 != nil {
		if err := f.l2.Del(ctx, f.l2Key(key)).Err(); err != nil {
			f.recordError("l2")
			return newError("L2 delete failed", "DELETE_ERROR", err)
		}
	}
	f.publishInvalidation(ctx, key)
	return nil
}

// Flush clears the entire named cache, both tiers, for the operational
// "cache/clear" admin endpoint.
func (f *Fabric) Flush(ctx context.Context) error {
	f.l1.Purge()
	if f.l2 != nil {
		iter := f.l2.Scan(ctx, 0, f.l2Key("*"), 0).Iterator()
		for iter.Next(ctx) {
			if err := f.l2.Del(ctx, iter.Val()).Err(); err != nil {
				f.recordError("l2")
				return newError("L2 flush failed", "FLUSH_ERROR", err)
			}
		}
		if err := iter.Err(); err != nil {
			return newError("L2 scan failed during flush", "FLUSH_ERROR", err)
		}
	}
	f.publishInvalidation(ctx, "*")
	return nil
}

func (f *Fabric) l2Key(key string) string {
	return "cp:cache:" + f.name + ":" + key
}

func (f *Fabric) invalidationChannel() string {
	return "cp:cache:invalidate:" + f.name
}

func (f *Fabric) publishInvalidation(ctx context.Context, key string) {
	if f.metrics != nil {
		f.metrics.InvalidationsTotal.WithLabelValues(f.name, "local").Inc()
	}
	if f.l2 == nil {
		return
	}
	if err := f.l2.Publish(ctx, f.invalidationChannel(), key).Err(); err != nil {
		f.logger.Warn("failed to publish cache invalidation", "cache", f.name, "key", key, "error", err)
	}
}

// ListenForInvalidations subscribes to this cache's invalidation channel
// and evicts the corresponding L1 entries as they arrive from sibling
// replicas. It blocks until ctx is cancelled or the subscription fails.
func (f *Fabric) ListenForInvalidations(ctx context.Context) error {
	if f.l2 == nil {
		<-ctx.Done()
		return domainerr.FromContext(ctx)
	}
	sub := f.l2.Subscribe(ctx, f.invalidationChannel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return domainerr.FromContext(ctx)
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == "*" {
				f.l1.Purge()
			} else {
				f.l1.Remove(msg.Payload)
			}
			if f.metrics != nil {
				f.metrics.InvalidationsTotal.WithLabelValues(f.name, "remote").Inc()
			}
		}
	}
}

func (f *Fabric) recordHit(tier string) {
	if f.metrics != nil {
		f.metrics.HitsTotal.WithLabelValues(f.name, tier).Inc()
	}
}

func (f *Fabric) recordMiss() {
	if f.metrics != nil {
		f.metrics.MissesTotal.WithLabelValues(f.name).Inc()
	}
}

func (f *Fabric) recordError(tier string) {
	if f.metrics != nil {
		f.metrics.ErrorsTotal.WithLabelValues(f.name, tier).Inc()
	}
}
