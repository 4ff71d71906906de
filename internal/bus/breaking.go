package bus

import (
	"context"
	"log/slog"

	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/resilience"
)

// BreakingPublisher wraps a Publisher with a circuit breaker: on repeated
// publish failures the breaker opens and further publishes are dropped
// (counted, not returned as an error) until the cooldown elapses. Drift
// events remain recorded regardless, so an operator can retry manually
// via the refresh operational endpoint.
type BreakingPublisher struct {
	inner   Publisher
	breaker *resilience.Breaker
	metrics *metrics.BusMetrics
	logger  *slog.Logger
}

// NewBreakingPublisher wraps inner with a breaker configured per cfg.
func NewBreakingPublisher(inner Publisher, cfg resilience.BreakerConfig, logger *slog.Logger) *BreakingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakingPublisher{
		inner:   inner,
		breaker: resilience.NewBreaker(cfg),
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Publish attempts delivery through the breaker. A breaker-open or
// publish failure is logged and counted but never returned to the
// caller — refresh publishing is best-effort by design.
func (p *BreakingPublisher) Publish(ctx context.Context, destination string) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.inner.Publish(ctx, destination)
	})
	if err != nil {
		p.logger.Warn("refresh publish dropped", "destination", destination, "error", err)
		p.recordOutcome("dropped")
		return nil
	}
	p.recordOutcome("published")
	return nil
}

func (p *BreakingPublisher) recordOutcome(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishedTotal.WithLabelValues(outcome).Inc()
}
