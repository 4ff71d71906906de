package bus

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/configplane/controlplane/internal/resilience"
)

func TestValidDestination(t *testing.T) {
	cases := map[string]bool{
		"svc-1":        true,
		"svc-1:inst-2": true,
		"*":            true,
		"svc-1:*":      true,
		"*:inst-2":     true,
		"":             false,
		"svc 1":        false,
		"svc:inst:x":   false,
	}
	for destination, want := range cases {
		require.Equal(t, want, ValidDestination(destination), destination)
	}
}

func TestDestinationBuilders(t *testing.T) {
	require.Equal(t, "svc-1:inst-2", Instance("svc-1", "inst-2"))
	require.Equal(t, "svc-1:*", Service("svc-1"))
	require.Equal(t, "*", All())
}

type stubPublisher struct {
	err   error
	calls int
}

func (s *stubPublisher) Publish(ctx context.Context, destination string) error {
	s.calls++
	return s.err
}

func TestBreakingPublisherPassesThroughWhenClosed(t *testing.T) {
	inner := &stubPublisher{}
	p := NewBreakingPublisher(inner, resilience.BreakerConfig{Name: "test"}, slog.Default())

	err := p.Publish(context.Background(), Service("svc-1"))
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
}

func TestBreakingPublisherDropsAfterBreakerOpens(t *testing.T) {
	inner := &stubPublisher{err: errors.New("broker unreachable")}
	cfg := resilience.BreakerConfig{Name: "test-trip", MaxFailures: 2, OpenTimeout: time.Minute}
	p := NewBreakingPublisher(inner, cfg, slog.Default())

	for i := 0; i < 2; i++ {
		err := p.Publish(context.Background(), Service("svc-1"))
		require.NoError(t, err)
	}
	require.Equal(t, 2, inner.calls)

	err := p.Publish(context.Background(), Service("svc-1"))
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls, "breaker should be open and skip the inner call")
}
