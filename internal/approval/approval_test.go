package approval

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

type fakeIdentityPort struct {
	users map[string]*domain.IamUser
	teams map[string]*domain.IamTeam
}

func (f *fakeIdentityPort) GetUser(ctx context.Context, userID string) (*domain.IamUser, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "no such user")
	}
	return u, nil
}

func (f *fakeIdentityPort) GetTeam(ctx context.Context, teamID string) (*domain.IamTeam, error) {
	team, ok := f.teams[teamID]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "no such team")
	}
	return team, nil
}

type fakeRequestRepo struct {
	requests map[string]*domain.ApprovalRequest
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{requests: map[string]*domain.ApprovalRequest{}}
}

func (f *fakeRequestRepo) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	cp := *req
	f.requests[req.ID] = &cp
	return nil
}

func (f *fakeRequestRepo) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequestRepo) CompareAndSwap(ctx context.Context, req *domain.ApprovalRequest, expectedVersion int64) error {
	current, ok := f.requests[req.ID]
	if !ok {
		return domainerr.New(domainerr.KindNotFound, "not found")
	}
	if current.Version != expectedVersion {
		return domainerr.ErrConflict
	}
	cp := *req
	cp.Version = expectedVersion + 1
	f.requests[req.ID] = &cp
	return nil
}

func (f *fakeRequestRepo) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ApprovalRequest, error) {
	out := make([]*domain.ApprovalRequest, 0, len(f.requests))
	for _, req := range f.requests {
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

type fakeDecisionRepo struct {
	decisions []*domain.ApprovalDecision
}

func (f *fakeDecisionRepo) Create(ctx context.Context, decision *domain.ApprovalDecision) error {
	for _, d := range f.decisions {
		if d.RequestID == decision.RequestID && d.ApproverUserID == decision.ApproverUserID && d.Gate == decision.Gate {
			return domainerr.ErrDuplicateDecision
		}
	}
	f.decisions = append(f.decisions, decision)
	return nil
}

func (f *fakeDecisionRepo) ListByRequest(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error) {
	var out []*domain.ApprovalDecision
	for _, d := range f.decisions {
		if d.RequestID == requestID {
			out = append(out, d)
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
	cp := *svc
	return &cp, nil
}

func (f *fakeServiceRepo) GetByDisplayName(ctx context.Context, displayName string) (*domain.ApplicationService, error) {
	return nil, domainerr.New(domainerr.KindNotFound, "not found")
}

func (f *fakeServiceRepo) Create(ctx context.Context, svc *domain.ApplicationService) error {
	f.services[svc.ID] = svc
	return nil
}

func (f *fakeServiceRepo) CompareAndSwapOwner(ctx context.Context, id string, newOwnerTeamID *string, expectedVersion int64) error {
	svc, ok := f.services[id]
	if !ok {
		return domainerr.New(domainerr.KindNotFound, "not found")
	}
	if svc.Version != expectedVersion {
		return domainerr.ErrConflict
	}
	svc.OwnerTeamID = newOwnerTeamID
	svc.Version++
	return nil
}

func (f *fakeServiceRepo) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ApplicationService, error) {
	return nil, nil
}

func (f *fakeServiceRepo) Delete(ctx context.Context, id string) error { return nil }

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

type fixture struct {
	svc       *Service
	requests  *fakeRequestRepo
	decisions *fakeDecisionRepo
	services  *fakeServiceRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ownerTeam := "team-eng"
	port := &fakeIdentityPort{
		users: map[string]*domain.IamUser{
			"requester-1": {UserID: "requester-1", TeamIDs: []string{"team-payments"}, ManagerID: "manager-1"},
			"sysadmin-1":  {UserID: "sysadmin-1", Roles: []string{domain.SysAdminRole}},
			"manager-1":   {UserID: "manager-1"},
			"stranger-1":  {UserID: "stranger-1"},
		},
		teams: map[string]*domain.IamTeam{
			"team-payments": {TeamID: "team-payments", MemberIDs: []string{"requester-1"}},
			"team-eng":      {TeamID: "team-eng", MemberIDs: []string{"eng-1", "eng-2"}},
		},
	}
	cacheMgr := newTestCacheManager(t)
	idProjector := identity.NewProjector(port, cacheMgr, nil)
	evaluator := access.NewEvaluator(nil, cacheMgr, 30*time.Second, nil, nil)

	requests := newFakeRequestRepo()
	decisions := &fakeDecisionRepo{}
	services := &fakeServiceRepo{services: map[string]*domain.ApplicationService{
		"svc-1": {ID: "svc-1", DisplayName: "checkout", OwnerTeamID: &ownerTeam, Lifecycle: domain.LifecycleActive, Version: 0},
	}}

	svc := NewService(requests, decisions, services, idProjector, evaluator, config.ApprovalConfig{MaxCASRetries: 5}, nil, nil)
	return &fixture{svc: svc, requests: requests, decisions: decisions, services: services}
}

func TestCreateRequestRequiresTeamMembership(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.CreateRequest(context.Background(), "stranger-1", "svc-1", "team-payments")
	require.Error(t, err)
	require.Equal(t, domainerr.KindUnauthorized, domainerr.KindOf(err))
}

func TestCreateRequestSucceedsForTeamMember(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalPending, req.Status)
	require.Equal(t, "manager-1", req.Snapshot.ManagerID)
}

func TestDecideApprovesAfterBothGatesAndTransfersOwnership(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)

	_, err = fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "manager-1"}, domain.GateLineManager, domain.DecisionApprove)
	require.NoError(t, err)

	final, err := fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "sysadmin-1", Roles: []string{domain.SysAdminRole}}, domain.GateSysAdmin, domain.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalApproved, final.Status)
	require.True(t, final.OwnershipSideEffectApplied)

	svc, err := fx.services.Get(context.Background(), "svc-1")
	require.NoError(t, err)
	require.Equal(t, "team-payments", *svc.OwnerTeamID)
}

func TestDecideRejectShortCircuits(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)

	final, err := fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "manager-1"}, domain.GateLineManager, domain.DecisionReject)
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalRejected, final.Status)

	_, err = fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "sysadmin-1", Roles: []string{domain.SysAdminRole}}, domain.GateSysAdmin, domain.DecisionApprove)
	require.Error(t, err)
	require.Equal(t, domainerr.ErrAlreadyTerminal, err)
}

func TestDecideRejectsDuplicateVote(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)

	_, err = fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "manager-1"}, domain.GateLineManager, domain.DecisionApprove)
	require.NoError(t, err)

	_, err = fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "manager-1"}, domain.GateLineManager, domain.DecisionApprove)
	require.Error(t, err)
	require.Equal(t, domainerr.ErrDuplicateDecision, err)
}

func TestDecideRejectsUnauthorizedGate(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)

	_, err = fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "stranger-1"}, domain.GateLineManager, domain.DecisionApprove)
	require.Error(t, err)
	require.Equal(t, domainerr.ErrUnauthorizedGate, err)

	_, err = fx.svc.Decide(context.Background(), req.ID, domain.UserContext{UserID: "stranger-1"}, domain.GateSysAdmin, domain.DecisionApprove)
	require.Error(t, err)
	require.Equal(t, domainerr.ErrUnauthorizedGate, err)
}

func TestCancelByRequesterSucceeds(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)

	cancelled, err := fx.svc.Cancel(context.Background(), req.ID, domain.UserContext{UserID: "requester-1"})
	require.NoError(t, err)
	require.Equal(t, domain.ApprovalCancelled, cancelled.Status)
}

func TestCancelByNonRequesterDenied(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.svc.CreateRequest(context.Background(), "requester-1", "svc-1", "team-payments")
	require.NoError(t, err)

	_, err = fx.svc.Cancel(context.Background(), req.ID, domain.UserContext{UserID: "stranger-1"})
	require.Error(t, err)
	require.Equal(t, domainerr.KindUnauthorized, domainerr.KindOf(err))
}
