// Package llm is the model gateway: a uniform call interface to the language
// model backend with retry, timeout, and rate limiting. Everything above it
// treats Generate as an opaque function that may fail; callers own their
// fallback behavior.
package llm

import (
	"context"
	"errors"
)

// Options are per-call generation parameters.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Gateway is the boundary every role, the classifier, and the aggregator call
// through. Implementations must be safe for concurrent use.
type Gateway interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Failure taxonomy at the gateway boundary. Callers match with errors.Is.
var (
	ErrTimeout     = errors.New("model gateway: timeout")
	ErrRateLimited = errors.New("model gateway: rate limited")
	ErrUpstream    = errors.New("model gateway: upstream error")
)

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, prompt string, opts Options) (string, error)

func (f GatewayFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}
