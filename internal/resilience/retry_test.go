package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultRetryPolicy(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesTransientFailure(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ErrorChecker: &NeverRetryChecker{}}
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, policy, func() error {
		return errors.New("always fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithRetryFuncReturnsResult(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	result, err := WithRetryFunc(context.Background(), policy, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestDefaultErrorCheckerRetriesTimeouts(t *testing.T) {
	checker := &DefaultErrorChecker{}
	assert.True(t, checker.IsRetryable(errors.New("context deadline exceeded")))
	assert.False(t, checker.IsRetryable(nil))
	assert.False(t, checker.IsRetryable(errors.Join(ErrNonRetryable, errors.New("bad input"))))
}

func TestChainedErrorCheckerRetriesIfAnyMatch(t *testing.T) {
	chained := &ChainedErrorChecker{Checkers: []RetryableErrorChecker{&NeverRetryChecker{}, &DefaultErrorChecker{}}}
	assert.True(t, chained.IsRetryable(errors.New("some error")))
}
