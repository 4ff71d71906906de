package share

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/configplane/controlplane/internal/access"
	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/identity"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

type fakeShareRepo struct {
	shares map[string]*domain.ServiceShare
}

func newFakeShareRepo() *fakeShareRepo {
	return &fakeShareRepo{shares: map[string]*domain.ServiceShare{}}
}

func (f *fakeShareRepo) Create(ctx context.Context, share *domain.ServiceShare) error {
	f.shares[share.ID] = share
	return nil
}

func (f *fakeShareRepo) Get(ctx context.Context, id string) (*domain.ServiceShare, error) {
	s, ok := f.shares[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	return s, nil
}

func (f *fakeShareRepo) Delete(ctx context.Context, id string) error {
	delete(f.shares, id)
	return nil
}

func (f *fakeShareRepo) ListByService(ctx context.Context, serviceID string) ([]*domain.ServiceShare, error) {
	var out []*domain.ServiceShare
	for _, s := range f.shares {
		if s.ServiceID == serviceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeShareRepo) ListEffectiveForPrincipal(ctx context.Context, userID string, teamIDs []string, now time.Time) ([]*domain.ServiceShare, error) {
	var out []*domain.ServiceShare
	for _, s := range f.shares {
		if !s.IsEffective(now) {
			continue
		}
		if s.GranteeType == domain.GranteeUser && s.GranteeID == userID {
			out = append(out, s)
			continue
		}
		if s.GranteeType == domain.GranteeTeam {
			for _, t := range teamIDs {
				if t == s.GranteeID {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out, nil
}

type fakeServiceRepo struct {
	services map[string]*domain.ApplicationService
}

func (f *fakeServiceRepo) Get(ctx context.Context, id string) (*domain.ApplicationService, error) {
	svc, ok := f.services[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	return svc, nil
}
func (f *fakeServiceRepo) GetByDisplayName(ctx context.Context, displayName string) (*domain.ApplicationService, error) {
	return nil, domainerr.New(domainerr.KindNotFound, "not found")
}
func (f *fakeServiceRepo) Create(ctx context.Context, svc *domain.ApplicationService) error {
	f.services[svc.ID] = svc
	return nil
}
func (f *fakeServiceRepo) CompareAndSwapOwner(ctx context.Context, id string, newOwnerTeamID *string, expectedVersion int64) error {
	return nil
}
func (f *fakeServiceRepo) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ApplicationService, error) {
	return nil, nil
}
func (f *fakeServiceRepo) Delete(ctx context.Context, id string) error { return nil }

type fakeIdentityPort struct {
	teams map[string]*domain.IamTeam
}

func (f *fakeIdentityPort) GetUser(ctx context.Context, userID string) (*domain.IamUser, error) {
	return nil, domainerr.New(domainerr.KindNotFound, "not used")
}
func (f *fakeIdentityPort) GetTeam(ctx context.Context, teamID string) (*domain.IamTeam, error) {
	team, ok := f.teams[teamID]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "no such team")
	}
	return team, nil
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

func newFixture(t *testing.T) (*Service, *fakeShareRepo) {
	t.Helper()
	ownerTeam := "team-a"
	shares := newFakeShareRepo()
	services := &fakeServiceRepo{services: map[string]*domain.ApplicationService{
		"svc-1": {ID: "svc-1", OwnerTeamID: &ownerTeam, Lifecycle: domain.LifecycleActive},
	}}
	cacheMgr := newTestCacheManager(t)
	evaluator := access.NewEvaluator(shares, cacheMgr, 30*time.Second, nil, nil)
	port := &fakeIdentityPort{teams: map[string]*domain.IamTeam{
		"team-b": {TeamID: "team-b", MemberIDs: []string{"u1", "u2"}},
	}}
	idProjector := identity.NewProjector(port, cacheMgr, nil)
	return NewService(shares, services, evaluator, idProjector, nil), shares
}

func TestGrantRequiresAdmin(t *testing.T) {
	svc, _ := newFixture(t)
	_, err := svc.Grant(context.Background(), domain.UserContext{UserID: "outsider"}, &domain.ServiceShare{
		ServiceID: "svc-1", GranteeType: domain.GranteeUser, GranteeID: "u1", Permissions: []domain.Permission{domain.PermViewService},
	})
	require.Error(t, err)
	require.Equal(t, domainerr.KindUnauthorized, domainerr.KindOf(err))
}

func TestGrantByOwnerSucceeds(t *testing.T) {
	svc, repo := newFixture(t)
	owner := domain.UserContext{UserID: "owner-1", TeamIDs: []string{"team-a"}}
	share, err := svc.Grant(context.Background(), owner, &domain.ServiceShare{
		ServiceID: "svc-1", GranteeType: domain.GranteeTeam, GranteeID: "team-b", Permissions: []domain.Permission{domain.PermViewService},
	})
	require.NoError(t, err)
	require.NotEmpty(t, share.ID)
	require.Len(t, repo.shares, 1)
}

func TestGrantBySysAdminSucceeds(t *testing.T) {
	svc, _ := newFixture(t)
	admin := domain.UserContext{UserID: "admin-1", Roles: []string{domain.SysAdminRole}}
	_, err := svc.Grant(context.Background(), admin, &domain.ServiceShare{
		ServiceID: "svc-1", GranteeType: domain.GranteeUser, GranteeID: "u1", Permissions: []domain.Permission{domain.PermEdit},
	})
	require.NoError(t, err)
}

func TestRevokeDeletesShare(t *testing.T) {
	svc, repo := newFixture(t)
	owner := domain.UserContext{UserID: "owner-1", TeamIDs: []string{"team-a"}}
	share, err := svc.Grant(context.Background(), owner, &domain.ServiceShare{
		ServiceID: "svc-1", GranteeType: domain.GranteeUser, GranteeID: "u1", Permissions: []domain.Permission{domain.PermViewService},
	})
	require.NoError(t, err)

	err = svc.Revoke(context.Background(), owner, share.ID)
	require.NoError(t, err)
	require.Empty(t, repo.shares)
}
