package aggregate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/roles"
)

var downGateway = llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return "", errors.New("unreachable")
})

func TestGatewayAnswerPreferred(t *testing.T) {
	gw := llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
		return "reconciled: ship the multi-step flow", nil
	})
	a := New(gw, llm.Options{Model: "m"}, zap.NewNop())

	out, err := a.Aggregate(context.Background(), "q", map[roles.Name]string{roles.Domain: "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, "reconciled: ship the multi-step flow", out)
}

func TestPromptInstructsAdjudicatorPreference(t *testing.T) {
	var captured string
	gw := llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
		captured = prompt
		return "ok", nil
	})
	a := New(gw, llm.Options{Model: "m"}, zap.NewNop())

	analyses := map[roles.Name]string{
		roles.Experience:   "single page",
		roles.Architecture: "multi-step, revised after adjudication",
	}
	_, err := a.Aggregate(context.Background(), "q", analyses, roles.Architecture)
	require.NoError(t, err)
	assert.Contains(t, captured, "resolve in favor of the Technical Architect")
	assert.Contains(t, captured, "Never restate both contradictory recommendations")
}

func TestFallbackConcatenationLabeledByRole(t *testing.T) {
	a := New(downGateway, llm.Options{Model: "m"}, zap.NewNop())

	analyses := map[roles.Name]string{
		roles.Domain:  "domain constraints",
		roles.Revenue: "subscription first",
	}
	out, err := a.Aggregate(context.Background(), "pricing", analyses, "")
	require.NoError(t, err)
	assert.Contains(t, out, "## Domain Expert")
	assert.Contains(t, out, "domain constraints")
	assert.Contains(t, out, "## Revenue Model Analyst")
	assert.True(t, strings.Index(out, "Domain Expert") < strings.Index(out, "Revenue Model Analyst"))
}

func TestFallbackLeadsWithAdjudicator(t *testing.T) {
	a := New(downGateway, llm.Options{Model: "m"}, zap.NewNop())

	analyses := map[roles.Name]string{
		roles.Experience:   "single page",
		roles.Architecture: "multi-step wins: payment latency",
	}
	out, err := a.Aggregate(context.Background(), "checkout", analyses, roles.Architecture)
	require.NoError(t, err)
	assert.Contains(t, out, "Technical Architect (adjudicated resolution)")
	assert.True(t,
		strings.Index(out, "Technical Architect") < strings.Index(out, "UX/UI Specialist"),
		"adjudicated resolution must lead")
}

func TestNothingToAggregateIsFatal(t *testing.T) {
	a := New(downGateway, llm.Options{Model: "m"}, zap.NewNop())
	_, err := a.Aggregate(context.Background(), "q", nil, "")
	assert.ErrorIs(t, err, ErrNothingToAggregate)
}

func TestIdempotentWithFixedGateway(t *testing.T) {
	gw := llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
		return "fixed answer", nil
	})
	a := New(gw, llm.Options{Model: "m"}, zap.NewNop())
	analyses := map[roles.Name]string{roles.Domain: "x"}

	first, err := a.Aggregate(context.Background(), "q", analyses, "")
	require.NoError(t, err)
	second, err := a.Aggregate(context.Background(), "q", analyses, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
