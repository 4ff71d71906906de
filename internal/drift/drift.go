// Package drift exposes the operator-facing side of the drift ledger:
// acknowledging, manually resolving, and ignoring DriftEvents opened by
// the heartbeat ingestor, plus the statistics rollup. The ingestor owns
// DETECTED/RESOLVED transitions; this package owns every transition an
// operator triggers by hand.
package drift

import (
	"context"
	"log/slog"
	"time"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

// Notifier receives every drift status transition this package applies,
// for a live push channel (e.g. internal/transport/ws) alongside the
// polled statistics endpoint. Optional: a Service with no Notifier set
// behaves exactly as before.
type Notifier interface {
	NotifyDriftTransition(evt *domain.DriftEvent)
}

// Service is the drift-ledger operator surface.
type Service struct {
	repo     repository.DriftEventRepository
	metrics  *metrics.DriftMetrics
	logger   *slog.Logger
	notifier Notifier
}

// NewService constructs a Service backed by repo.
func NewService(repo repository.DriftEventRepository, m *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var dm *metrics.DriftMetrics
	if m != nil {
		dm = m.Drift()
	}
	return &Service{repo: repo, metrics: dm, logger: logger}
}

// SetNotifier attaches n so every subsequent transition is pushed to it.
// Not part of NewService's signature since it is an optional transport
// concern, not a domain dependency.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Get returns the DriftEvent by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.DriftEvent, error) {
	return s.repo.Get(ctx, id)
}

// List returns DriftEvents visible to criteria.
func (s *Service) List(ctx context.Context, criteria repository.Criteria) ([]*domain.DriftEvent, error) {
	return s.repo.List(ctx, criteria)
}

// Statistics aggregates drift counts visible to criteria, for
// `GET drift/statistics`.
func (s *Service) Statistics(ctx context.Context, criteria repository.Criteria) (*domain.DriftStatistics, error) {
	return s.repo.Statistics(ctx, criteria)
}

// Acknowledge transitions a DETECTED event to ACKNOWLEDGED, recording
// that an operator has seen it but has not yet started remediation.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*domain.DriftEvent, error) {
	return s.transition(ctx, id, func(evt *domain.DriftEvent) error {
		if evt.Status != domain.DriftDetected {
			return domainerr.New(domainerr.KindInvalidInput, "event is not in DETECTED status")
		}
		evt.Status = domain.DriftAcknowledged
		return nil
	})
}

// BeginResolving transitions an ACKNOWLEDGED event to RESOLVING, marking
// that remediation (e.g. a pushed refresh or manual fix) is in flight.
func (s *Service) BeginResolving(ctx context.Context, id, actor string) (*domain.DriftEvent, error) {
	return s.transition(ctx, id, func(evt *domain.DriftEvent) error {
		if evt.Status != domain.DriftAcknowledged {
			return domainerr.New(domainerr.KindInvalidInput, "event is not in ACKNOWLEDGED status")
		}
		evt.Status = domain.DriftResolving
		return nil
	})
}

// Ignore marks a non-terminal event IGNORED with notes explaining why
// remediation will not happen, e.g. an accepted deviation.
func (s *Service) Ignore(ctx context.Context, id, actor, notes string) (*domain.DriftEvent, error) {
	return s.transition(ctx, id, func(evt *domain.DriftEvent) error {
		if evt.Status.IsTerminal() {
			return domainerr.ErrAlreadyTerminal
		}
		now := time.Now()
		evt.Status = domain.DriftIgnored
		evt.ResolvedAt = &now
		evt.ResolvedBy = actor
		evt.Notes = notes
		return nil
	})
}

// Resolve manually closes a non-terminal event, for remediation
// confirmed out-of-band rather than detected by a converging heartbeat.
func (s *Service) Resolve(ctx context.Context, id, actor, notes string) (*domain.DriftEvent, error) {
	return s.transition(ctx, id, func(evt *domain.DriftEvent) error {
		if evt.Status.IsTerminal() {
			return domainerr.ErrAlreadyTerminal
		}
		now := time.Now()
		evt.Status = domain.DriftResolved
		evt.ResolvedAt = &now
		evt.ResolvedBy = actor
		evt.Notes = notes
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id string, mutate func(*domain.DriftEvent) error) (*domain.DriftEvent, error) {
	evt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	previousStatus := evt.Status
	if err := mutate(evt); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, evt); err != nil {
		return nil, err
	}
	if previousStatus != evt.Status && evt.Status.IsTerminal() {
		s.recordClosed(evt)
	}
	if previousStatus != evt.Status && s.notifier != nil {
		s.notifier.NotifyDriftTransition(evt)
	}
	return evt, nil
}

func (s *Service) recordClosed(evt *domain.DriftEvent) {
	if s.metrics == nil {
		return
	}
	reason := "manual"
	if evt.Status == domain.DriftIgnored {
		reason = "ignored"
	}
	s.metrics.ClosedTotal.WithLabelValues(reason).Inc()
	s.metrics.OpenGauge.WithLabelValues(string(evt.Severity)).Dec()
}
