package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSONStdout(t *testing.T) {
	l := New(Config{Level: "info"})
	require.NotNil(t, l)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]bool{
		"debug":   true,
		"warn":    true,
		"warning": true,
		"error":   true,
		"info":    true,
		"":        true,
		"bogus":   true,
	}
	for in := range cases {
		assert.NotPanics(t, func() { parseLevel(in) })
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", CorrelationID(ctx))

	id := NewCorrelationID()
	require.NotEmpty(t, id)

	ctx = WithCorrelationID(ctx, id)
	assert.Equal(t, id, CorrelationID(ctx))
}

func TestFromContextAnnotatesWithCorrelationID(t *testing.T) {
	base := New(Config{Level: "info"})
	ctx := WithCorrelationID(context.Background(), "req_test")
	annotated := FromContext(ctx, base)
	require.NotNil(t, annotated)
}
