package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/configplane/controlplane/internal/platform/metrics"
)

// BreakerConfig configures a circuit breaker guarding an outbound adapter
// call; the refresh publisher is the one adapter wrapped by it.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	Metrics     *metrics.BusMetrics
}

// Breaker wraps gobreaker.CircuitBreaker with the project's metrics and a
// context-aware Execute method.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.BusMetrics
	name    string
}

// NewBreaker constructs a Breaker from cfg. MaxFailures defaults to 5 and
// OpenTimeout to 10s when unset.
func NewBreaker(cfg BreakerConfig) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}

	b := &Breaker{metrics: cfg.Metrics, name: cfg.Name}

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.metrics != nil {
				b.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
				if to == gobreaker.StateOpen {
					b.metrics.BreakerTripsTotal.Inc()
				}
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs operation through the breaker. A context already cancelled
// or past its deadline short-circuits without counting against the breaker.
func (b *Breaker) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// State returns the breaker's current state (closed/half-open/open).
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
