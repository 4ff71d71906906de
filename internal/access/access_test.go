package access

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
)

type stubShareRepo struct {
	shares []*domain.ServiceShare
}

func (s *stubShareRepo) Create(ctx context.Context, share *domain.ServiceShare) error { return nil }
func (s *stubShareRepo) Get(ctx context.Context, id string) (*domain.ServiceShare, error) {
	return nil, nil
}
func (s *stubShareRepo) Delete(ctx context.Context, id string) error { return nil }
func (s *stubShareRepo) ListByService(ctx context.Context, serviceID string) ([]*domain.ServiceShare, error) {
	return s.shares, nil
}
func (s *stubShareRepo) ListEffectiveForPrincipal(ctx context.Context, userID string, teamIDs []string, now time.Time) ([]*domain.ServiceShare, error) {
	return s.shares, nil
}

func newTestCacheManager(t *testing.T) *cache.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{
		Cache: config.CacheTTLConfig{
			ExpectedHashTTL:      time.Minute,
			ServiceResolutionTTL: time.Minute,
			PermissionsTTL:       30 * time.Second,
			CSoTFallbackTTL:      time.Hour,
			IdPFallbackTTL:       time.Hour,
			L1MaxEntries:         1000,
			WriteThrough:         true,
		},
	}
	mgr, err := cache.NewManager(cfg, client, metrics.NewRegistry(""), nil)
	require.NoError(t, err)
	return mgr
}

func TestAllowSysAdminAlwaysWins(t *testing.T) {
	e := NewEvaluator(&stubShareRepo{}, newTestCacheManager(t), 30*time.Second, nil, nil)
	actor := domain.UserContext{UserID: "u1", Roles: []string{domain.SysAdminRole}}

	allowed, err := e.Allow(context.Background(), actor, domain.PermAdmin, Resource{ServiceID: "svc"})
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowOwnershipGrantsReadEditAdmin(t *testing.T) {
	e := NewEvaluator(&stubShareRepo{}, newTestCacheManager(t), 30*time.Second, nil, nil)
	team := "team-a"
	actor := domain.UserContext{UserID: "u1", TeamIDs: []string{team}}

	for _, perm := range []domain.Permission{domain.PermViewService, domain.PermEdit, domain.PermAdmin} {
		allowed, err := e.Allow(context.Background(), actor, perm, Resource{ServiceID: "svc", OwnerTeamID: &team})
		require.NoError(t, err)
		require.True(t, allowed, perm)
	}
}

func TestAllowShareGrantsScopedPermission(t *testing.T) {
	share := &domain.ServiceShare{
		ServiceID:    "svc",
		GranteeType:  domain.GranteeUser,
		GranteeID:    "u1",
		Permissions:  []domain.Permission{domain.PermViewService},
		Environments: []string{"prod"},
	}
	e := NewEvaluator(&stubShareRepo{shares: []*domain.ServiceShare{share}}, newTestCacheManager(t), 30*time.Second, nil, nil)
	actor := domain.UserContext{UserID: "u1"}

	allowed, err := e.Allow(context.Background(), actor, domain.PermViewService, Resource{ServiceID: "svc", Environment: "prod"})
	require.NoError(t, err)
	require.True(t, allowed)

	deniedWrongEnv, err := e.Allow(context.Background(), actor, domain.PermViewService, Resource{ServiceID: "svc", Environment: "staging"})
	require.NoError(t, err)
	require.False(t, deniedWrongEnv)
}

func TestAllowDeniesWithoutOwnershipOrShare(t *testing.T) {
	e := NewEvaluator(&stubShareRepo{}, newTestCacheManager(t), 30*time.Second, nil, nil)
	actor := domain.UserContext{UserID: "u1", TeamIDs: []string{"other-team"}}

	allowed, err := e.Allow(context.Background(), actor, domain.PermViewService, Resource{ServiceID: "svc"})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCriteriaUnrestrictedForSysAdmin(t *testing.T) {
	e := NewEvaluator(&stubShareRepo{}, newTestCacheManager(t), 30*time.Second, nil, nil)
	actor := domain.UserContext{UserID: "u1", Roles: []string{domain.SysAdminRole}}

	crit, err := e.Criteria(context.Background(), actor)
	require.NoError(t, err)
	require.True(t, crit.Unrestricted)
}

func TestCriteriaScopedForOrdinaryUser(t *testing.T) {
	share := &domain.ServiceShare{ServiceID: "svc-2", GranteeType: domain.GranteeUser, GranteeID: "u1", Permissions: []domain.Permission{domain.PermViewService}}
	e := NewEvaluator(&stubShareRepo{shares: []*domain.ServiceShare{share}}, newTestCacheManager(t), 30*time.Second, nil, nil)
	actor := domain.UserContext{UserID: "u1", TeamIDs: []string{"team-a"}}

	crit, err := e.Criteria(context.Background(), actor)
	require.NoError(t, err)
	require.False(t, crit.Unrestricted)
	require.Equal(t, []string{"team-a"}, crit.OwnerTeamIDs)
	require.Equal(t, []string{"svc-2"}, crit.SharedServiceIDs)
}
