package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

type fakeServices struct {
	mu       sync.Mutex
	byID     map[string]*domain.ApplicationService
	byName   map[string]*domain.ApplicationService
	created  int
}

func newFakeServices(svcs ...*domain.ApplicationService) *fakeServices {
	f := &fakeServices{byID: map[string]*domain.ApplicationService{}, byName: map[string]*domain.ApplicationService{}}
	for _, s := range svcs {
		f.byID[s.ID] = s
		f.byName[s.DisplayName] = s
	}
	return f
}

func (f *fakeServices) Get(ctx context.Context, id string) (*domain.ApplicationService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.byID[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	return svc, nil
}

func (f *fakeServices) GetByDisplayName(ctx context.Context, displayName string) (*domain.ApplicationService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.byName[displayName]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	return svc, nil
}

func (f *fakeServices) Create(ctx context.Context, svc *domain.ApplicationService) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[svc.ID] = svc
	f.byName[svc.DisplayName] = svc
	f.created++
	return nil
}

func (f *fakeServices) CompareAndSwapOwner(ctx context.Context, id string, newOwnerTeamID *string, expectedVersion int64) error {
	return nil
}
func (f *fakeServices) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ApplicationService, error) {
	return nil, nil
}
func (f *fakeServices) Delete(ctx context.Context, id string) error { return nil }

type fakeInstances struct {
	mu    sync.Mutex
	store map[string]*domain.ServiceInstance
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{store: map[string]*domain.ServiceInstance{}}
}

func (f *fakeInstances) key(serviceID, instanceID string) string { return serviceID + "/" + instanceID }

func (f *fakeInstances) Get(ctx context.Context, serviceID, instanceID string) (*domain.ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.store[f.key(serviceID, instanceID)]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	return inst, nil
}

func (f *fakeInstances) Upsert(ctx context.Context, inst *domain.ServiceInstance) (*domain.ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *inst
	f.store[f.key(inst.ServiceID, inst.InstanceID)] = &cp
	return &cp, nil
}

func (f *fakeInstances) ListStale(ctx context.Context, now time.Time, threshold time.Duration) ([]*domain.ServiceInstance, error) {
	return nil, nil
}
func (f *fakeInstances) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ServiceInstance, error) {
	return nil, nil
}
func (f *fakeInstances) Delete(ctx context.Context, serviceID, instanceID string) error { return nil }

func (f *fakeInstances) MarkStatus(ctx context.Context, serviceID, instanceID string, status domain.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.store[f.key(serviceID, instanceID)]
	if !ok {
		return domainerr.New(domainerr.KindNotFound, "not found")
	}
	inst.Status = status
	return nil
}

type fakeDrift struct {
	mu   sync.Mutex
	open map[string]*domain.DriftEvent
}

func newFakeDrift() *fakeDrift {
	return &fakeDrift{open: map[string]*domain.DriftEvent{}}
}

func (f *fakeDrift) key(serviceID, instanceID string) string { return serviceID + "/" + instanceID }

func (f *fakeDrift) Create(ctx context.Context, evt *domain.DriftEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[f.key(evt.ServiceID, evt.InstanceID)] = evt
	return nil
}
func (f *fakeDrift) Get(ctx context.Context, id string) (*domain.DriftEvent, error) { return nil, nil }
func (f *fakeDrift) FindOpenByInstance(ctx context.Context, serviceID, instanceID string) (*domain.DriftEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.open[f.key(serviceID, instanceID)]
	if !ok {
		return nil, nil
	}
	return evt, nil
}
func (f *fakeDrift) Update(ctx context.Context, evt *domain.DriftEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if evt.Status.IsTerminal() {
		delete(f.open, f.key(evt.ServiceID, evt.InstanceID))
	} else {
		f.open[f.key(evt.ServiceID, evt.InstanceID)] = evt
	}
	return nil
}
func (f *fakeDrift) List(ctx context.Context, criteria repository.Criteria) ([]*domain.DriftEvent, error) {
	return nil, nil
}
func (f *fakeDrift) Statistics(ctx context.Context, criteria repository.Criteria) (*domain.DriftStatistics, error) {
	return nil, nil
}

type fakeCSoT struct {
	hash string
	err  error
}

func (f *fakeCSoT) GetExpectedHash(ctx context.Context, serviceID, environment string) (string, error) {
	return f.hash, f.err
}

type fakePublisher struct {
	mu           sync.Mutex
	destinations []string
}

func (p *fakePublisher) Publish(ctx context.Context, destination string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destinations = append(p.destinations, destination)
	return nil
}

func newTestManager(t *testing.T) *cache.Manager {
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
		Heartbeat: config.HeartbeatConfig{
			DedupWindow:         5 * time.Second,
			ProdEnvironmentName: "prod",
			ProdSeverity:        "HIGH",
			DefaultSeverity:     "MEDIUM",
		},
	}
	mgr, err := cache.NewManager(cfg, client, metrics.NewRegistry(""), nil)
	require.NoError(t, err)
	return mgr
}

func newTestService(t *testing.T, svc *domain.ApplicationService, csot CSoTPort, pub *fakePublisher) (*Service, *fakeInstances, *fakeDrift) {
	instances := newFakeInstances()
	drift := newFakeDrift()
	svcRepo := newFakeServices(svc)
	cfg := config.HeartbeatConfig{
		DedupWindow:         5 * time.Second,
		ProdEnvironmentName: "prod",
		ProdSeverity:        "HIGH",
		DefaultSeverity:     "MEDIUM",
	}
	cacheCfg := config.CacheTTLConfig{
		ExpectedHashTTL: time.Minute,
		CSoTFallbackTTL: time.Hour,
	}
	svc2 := NewService(svcRepo, instances, drift, csot, pub, nil, newTestManager(t), cfg, cacheCfg, nil, nil)
	return svc2, instances, drift
}

func testService() *domain.ApplicationService {
	team := "team-a"
	return &domain.ApplicationService{
		ID:           "svc-1",
		DisplayName:  "checkout",
		OwnerTeamID:  &team,
		Environments: []string{"prod"},
		Lifecycle:    domain.LifecycleActive,
	}
}

func TestIngestHealthyWhenHashesMatch(t *testing.T) {
	pub := &fakePublisher{}
	svc, instances, _ := newTestService(t, testService(), &fakeCSoT{hash: "abc"}, pub)

	result, err := svc.Ingest(context.Background(), Payload{
		ServiceName: "checkout", InstanceID: "i1", ConfigHash: "abc", Environment: "prod",
	})
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, result.Status)
	require.False(t, result.DriftDetected)

	stored, err := instances.Get(context.Background(), "svc-1", "i1")
	require.NoError(t, err)
	require.Equal(t, domain.InstanceHealthy, stored.Status)
	require.Empty(t, pub.destinations)
}

func TestIngestOpensDriftOnMismatch(t *testing.T) {
	pub := &fakePublisher{}
	svc, _, drift := newTestService(t, testService(), &fakeCSoT{hash: "expected"}, pub)

	result, err := svc.Ingest(context.Background(), Payload{
		ServiceName: "checkout", InstanceID: "i1", ConfigHash: "applied", Environment: "prod",
	})
	require.NoError(t, err)
	require.Equal(t, StatusDrift, result.Status)
	require.True(t, result.DriftDetected)

	open, err := drift.FindOpenByInstance(context.Background(), "svc-1", "i1")
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, domain.SeverityHigh, open.Severity)
	require.Equal(t, []string{"svc-1:i1"}, pub.destinations)
}

func TestIngestKeepsDriftOpenWhileHashesMismatch(t *testing.T) {
	pub := &fakePublisher{}
	svc, _, drift := newTestService(t, testService(), &fakeCSoT{hash: "expected"}, pub)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, Payload{ServiceName: "checkout", InstanceID: "i1", ConfigHash: "applied", Environment: "prod"})
	require.NoError(t, err)

	result, err := svc.Ingest(ctx, Payload{ServiceName: "checkout", InstanceID: "i1", ConfigHash: "expected-but-deduped", Environment: "prod"})
	require.NoError(t, err)
	_ = result

	open, err := drift.FindOpenByInstance(ctx, "svc-1", "i1")
	require.NoError(t, err)
	require.NotNil(t, open, "second heartbeat still mismatches so drift stays open")
}

func TestIngestDedupsWithinWindow(t *testing.T) {
	pub := &fakePublisher{}
	svc, _, _ := newTestService(t, testService(), &fakeCSoT{hash: "abc"}, pub)
	ctx := context.Background()

	payload := Payload{ServiceName: "checkout", InstanceID: "i1", ConfigHash: "abc", Environment: "prod"}
	first, err := svc.Ingest(ctx, payload)
	require.NoError(t, err)

	second, err := svc.Ingest(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestIngestUnknownServiceWithoutAutoRegister(t *testing.T) {
	svc, _, _ := newTestService(t, testService(), &fakeCSoT{hash: "abc"}, &fakePublisher{})

	_, err := svc.Ingest(context.Background(), Payload{
		ServiceName: "does-not-exist", InstanceID: "i1", ConfigHash: "abc", Environment: "prod",
	})
	require.Error(t, err)
	require.Equal(t, domainerr.KindNotFound, domainerr.KindOf(err))
}

func TestIngestDegradesToUnknownWhenCSoTUnavailable(t *testing.T) {
	svc, instances, _ := newTestService(t, testService(), &fakeCSoT{err: domainerr.ErrCSoTUnavailable}, &fakePublisher{})

	result, err := svc.Ingest(context.Background(), Payload{
		ServiceName: "checkout", InstanceID: "i1", ConfigHash: "abc", Environment: "prod",
	})
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, result.Status)
	require.False(t, result.DriftDetected)

	stored, err := instances.Get(context.Background(), "svc-1", "i1")
	require.NoError(t, err)
	require.Equal(t, "abc", stored.AppliedHash)
	require.True(t, stored.LastSeenAt.After(time.Time{}))
}
