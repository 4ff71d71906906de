package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configplane/controlplane/internal/platform/metrics"
)

type widget struct {
	Name string `json:"name"`
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestFabricL1OnlyRoundTrip(t *testing.T) {
	f, err := NewFabric("test_l1", 10, time.Minute, nil, false, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Set(ctx, "k1", widget{Name: "a"}, 0))

	var out widget
	require.NoError(t, f.Get(ctx, "k1", &out))
	assert.Equal(t, "a", out.Name)

	require.NoError(t, f.Delete(ctx, "k1"))
	err = f.Get(ctx, "k1", &out)
	assert.True(t, IsNotFound(err))
}

func TestFabricL2PromotesIntoL1(t *testing.T) {
	rdb := newTestRedis(t)
	m := metrics.NewRegistry("test_fabric_l2").Cache()
	f, err := NewFabric("test_l2", 10, time.Minute, rdb, true, m, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Set(ctx, "k2", widget{Name: "b"}, 0))

	// Force an L1 miss by evicting directly, L2 should still serve it.
	f.l1.Remove("k2")

	var out widget
	require.NoError(t, f.Get(ctx, "k2", &out))
	assert.Equal(t, "b", out.Name)

	// Promoted back into L1.
	_, ok := f.l1.Get("k2")
	assert.True(t, ok)
}

func TestFabricMissReturnsNotFound(t *testing.T) {
	rdb := newTestRedis(t)
	f, err := NewFabric("test_miss", 10, time.Minute, rdb, true, nil, nil)
	require.NoError(t, err)

	var out widget
	err = f.Get(context.Background(), "absent", &out)
	assert.True(t, IsNotFound(err))
}

func TestFabricFlushPurgesBothTiers(t *testing.T) {
	rdb := newTestRedis(t)
	f, err := NewFabric("test_flush", 10, time.Minute, rdb, true, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Set(ctx, "k3", widget{Name: "c"}, 0))
	require.NoError(t, f.Flush(ctx))

	var out widget
	err = f.Get(ctx, "k3", &out)
	assert.True(t, IsNotFound(err))
}

func TestFabricExpiredL1EntryFallsThrough(t *testing.T) {
	f, err := NewFabric("test_expiry", 10, time.Millisecond, nil, false, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Set(ctx, "k4", widget{Name: "d"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var out widget
	err = f.Get(ctx, "k4", &out)
	assert.True(t, IsNotFound(err))
}
