package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/refinelab/refinery/internal/metrics"
)

// RetryConfig tunes the retry/timeout wrapper around a raw gateway.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first call.
	MaxRetries int
	// PerCallTimeout bounds a single attempt.
	PerCallTimeout time.Duration
	// RequestsPerMinute enables a client-side limiter when > 0.
	RequestsPerMinute int
	// InitialInterval seeds the exponential backoff; zero uses the default.
	InitialInterval time.Duration
}

// RetryGateway wraps a Gateway with bounded exponential-backoff retries, a
// per-attempt timeout, and an optional client-side rate limiter. Timeouts and
// rate limits are retried; context cancellation is not.
type RetryGateway struct {
	inner   Gateway
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRetryGateway(inner Gateway, cfg RetryConfig, logger *zap.Logger) *RetryGateway {
	if cfg.PerCallTimeout == 0 {
		cfg.PerCallTimeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &RetryGateway{inner: inner, cfg: cfg, limiter: limiter, logger: logger}
}

func (g *RetryGateway) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	var out string
	attempt := 0
	operation := func() error {
		if attempt > 0 {
			metrics.GatewayRetries.Inc()
		}
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.PerCallTimeout)
		defer cancel()

		start := time.Now()
		text, err := g.inner.Generate(callCtx, prompt, opts)
		metrics.GatewayLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			// The parent being done means the caller went away; stop retrying.
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			g.logger.Warn("gateway attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		out = text
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if g.cfg.InitialInterval > 0 {
		bo.InitialInterval = g.cfg.InitialInterval
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(g.cfg.MaxRetries)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		metrics.GatewayCalls.WithLabelValues(outcomeLabel(err)).Inc()
		return "", err
	}
	metrics.GatewayCalls.WithLabelValues("ok").Inc()
	return out, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "upstream_error"
	}
}
