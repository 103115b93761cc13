package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/task"
)

func TestKeywordClassification(t *testing.T) {
	c := New(nil, llm.Options{}, zap.NewNop())

	cases := []struct {
		query string
		want  task.Category
	}{
		{"how should billing and subscription pricing work", task.CategoryRevenue},
		{"improve accessibility and onboarding in the interface design", task.CategoryExperience},
		{"what database and api architecture handles this scalability", task.CategoryArchitecture},
		{"which compliance regulation binds the stakeholder workflow process", task.CategoryDomain},
	}
	for _, tc := range cases {
		res := c.Classify(context.Background(), tc.query)
		assert.Equal(t, tc.want, res.Category, "query %q", tc.query)
	}
}

func TestAmbiguousQueryFallsBackToGeneral(t *testing.T) {
	c := New(nil, llm.Options{}, zap.NewNop())
	res := c.Classify(context.Background(), "make it better")
	assert.Equal(t, task.CategoryGeneral, res.Category)
	assert.False(t, res.DebateFlag)
}

func TestDebateKeywordSetsFlag(t *testing.T) {
	c := New(nil, llm.Options{}, zap.NewNop())

	res := c.Classify(context.Background(), "there is a disagreement about the roadmap")
	assert.True(t, res.DebateFlag)

	res = c.Classify(context.Background(), "should checkout be a single page or multi-step form?")
	assert.True(t, res.DebateFlag)
}

func TestGatewayRefinementBreaksAmbiguity(t *testing.T) {
	gw := llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
		return "revenue", nil
	})
	c := New(gw, llm.Options{Model: "m"}, zap.NewNop())

	res := c.Classify(context.Background(), "make it better")
	assert.Equal(t, task.CategoryRevenue, res.Category)
}

func TestGatewayFailureIsNeverFatal(t *testing.T) {
	gw := llm.GatewayFunc(func(ctx context.Context, prompt string, opts llm.Options) (string, error) {
		return "", errors.New("gateway down")
	})
	c := New(gw, llm.Options{Model: "m"}, zap.NewNop())

	res := c.Classify(context.Background(), "make it better")
	assert.Equal(t, task.CategoryGeneral, res.Category)
	assert.False(t, res.DebateFlag)
}
