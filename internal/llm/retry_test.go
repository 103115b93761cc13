package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flaky fails n times, then succeeds.
type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "ok", nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &flaky{failures: 2, err: fmt.Errorf("%w: 503", ErrUpstream)}
	gw := NewRetryGateway(inner, RetryConfig{
		MaxRetries:      2,
		PerCallTimeout:  time.Second,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())

	out, err := gw.Generate(context.Background(), "p", Options{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryExhaustsAndReturnsLastError(t *testing.T) {
	inner := &flaky{failures: 10, err: fmt.Errorf("%w: slow", ErrTimeout)}
	gw := NewRetryGateway(inner, RetryConfig{
		MaxRetries:      2,
		PerCallTimeout:  time.Second,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())

	_, err := gw.Generate(context.Background(), "p", Options{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, inner.calls) // initial + 2 retries
}

func TestRetryStopsOnCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := GatewayFunc(func(ctx context.Context, prompt string, opts Options) (string, error) {
		cancel()
		return "", fmt.Errorf("%w: reset", ErrUpstream)
	})
	gw := NewRetryGateway(inner, RetryConfig{
		MaxRetries:      5,
		PerCallTimeout:  time.Second,
		InitialInterval: time.Millisecond,
	}, zap.NewNop())

	_, err := gw.Generate(ctx, "p", Options{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestClassifyErrorMapsDeadline(t *testing.T) {
	err := classifyError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
}
