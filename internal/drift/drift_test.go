package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/repository"
)

type fakeRepo struct {
	events map[string]*domain.DriftEvent
}

func newFakeRepo(events ...*domain.DriftEvent) *fakeRepo {
	f := &fakeRepo{events: map[string]*domain.DriftEvent{}}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeRepo) Create(ctx context.Context, evt *domain.DriftEvent) error {
	f.events[evt.ID] = evt
	return nil
}
func (f *fakeRepo) Get(ctx context.Context, id string) (*domain.DriftEvent, error) {
	evt, ok := f.events[id]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "not found")
	}
	cp := *evt
	return &cp, nil
}
func (f *fakeRepo) FindOpenByInstance(ctx context.Context, serviceID, instanceID string) (*domain.DriftEvent, error) {
	return nil, nil
}
func (f *fakeRepo) Update(ctx context.Context, evt *domain.DriftEvent) error {
	f.events[evt.ID] = evt
	return nil
}
func (f *fakeRepo) List(ctx context.Context, criteria repository.Criteria) ([]*domain.DriftEvent, error) {
	return nil, nil
}
func (f *fakeRepo) Statistics(ctx context.Context, criteria repository.Criteria) (*domain.DriftStatistics, error) {
	return &domain.DriftStatistics{Total: len(f.events)}, nil
}

func TestAcknowledgeRequiresDetectedStatus(t *testing.T) {
	repo := newFakeRepo(&domain.DriftEvent{ID: "d1", Status: domain.DriftDetected, Severity: domain.SeverityMedium})
	svc := NewService(repo, nil, nil)

	evt, err := svc.Acknowledge(context.Background(), "d1", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.DriftAcknowledged, evt.Status)

	_, err = svc.Acknowledge(context.Background(), "d1", "alice")
	require.Error(t, err)
}

func TestIgnoreFailsOnTerminalEvent(t *testing.T) {
	repo := newFakeRepo(&domain.DriftEvent{ID: "d1", Status: domain.DriftResolved, Severity: domain.SeverityLow})
	svc := NewService(repo, nil, nil)

	_, err := svc.Ignore(context.Background(), "d1", "alice", "accepted deviation")
	require.Error(t, err)
	require.Equal(t, domainerr.KindAlreadyTerminal, domainerr.KindOf(err))
}

func TestResolveSetsResolvedFields(t *testing.T) {
	repo := newFakeRepo(&domain.DriftEvent{ID: "d1", Status: domain.DriftDetected, Severity: domain.SeverityHigh})
	svc := NewService(repo, nil, nil)

	evt, err := svc.Resolve(context.Background(), "d1", "alice", "fixed manually")
	require.NoError(t, err)
	require.Equal(t, domain.DriftResolved, evt.Status)
	require.Equal(t, "alice", evt.ResolvedBy)
	require.NotNil(t, evt.ResolvedAt)
}

func TestStatisticsDelegatesToRepository(t *testing.T) {
	repo := newFakeRepo(&domain.DriftEvent{ID: "d1"}, &domain.DriftEvent{ID: "d2"})
	svc := NewService(repo, nil, nil)

	stats, err := svc.Statistics(context.Background(), repository.Criteria{Unrestricted: true})
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
}

type recordingNotifier struct {
	events []*domain.DriftEvent
}

func (r *recordingNotifier) NotifyDriftTransition(evt *domain.DriftEvent) {
	r.events = append(r.events, evt)
}

func TestTransitionNotifiesOnStatusChange(t *testing.T) {
	repo := newFakeRepo(&domain.DriftEvent{ID: "d1", Status: domain.DriftDetected, Severity: domain.SeverityLow})
	svc := NewService(repo, nil, nil)
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)

	_, err := svc.Acknowledge(context.Background(), "d1", "alice")
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
	require.Equal(t, domain.DriftAcknowledged, notifier.events[0].Status)
}

func TestTransitionDoesNotNotifyWhenRejected(t *testing.T) {
	repo := newFakeRepo(&domain.DriftEvent{ID: "d1", Status: domain.DriftResolved, Severity: domain.SeverityLow})
	svc := NewService(repo, nil, nil)
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)

	_, err := svc.Ignore(context.Background(), "d1", "alice", "n/a")
	require.Error(t, err)
	require.Empty(t, notifier.events)
}
