package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test-breaker", MaxFailures: 2, OpenTimeout: 20 * time.Millisecond})

	failing := func(ctx context.Context) error { return errors.New("boom") }

	require.Error(t, b.Execute(context.Background(), failing))
	require.Error(t, b.Execute(context.Background(), failing))

	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.Error(t, err, "breaker should short-circuit while open")
}

func TestBreakerClosesAgainAfterTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "recover-breaker", MaxFailures: 1, OpenTimeout: 5 * time.Millisecond})

	require.Error(t, b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(10 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerRespectsCancelledContext(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "cancel-breaker"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
