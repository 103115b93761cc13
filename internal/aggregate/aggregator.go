// Package aggregate consolidates specialist analyses into one final answer.
// The gateway writes the answer; when it cannot, a deterministic labeled
// concatenation guarantees the run still terminates with something.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/metrics"
	"github.com/refinelab/refinery/internal/roles"
)

// ErrNothingToAggregate is the only fatal error in the system: no analyses
// exist and the gateway is unreachable, so no answer of any kind can be
// produced.
var ErrNothingToAggregate = errors.New("aggregate: no analyses available and model gateway unreachable")

// Aggregator builds the consolidated answer.
type Aggregator struct {
	gw     llm.Gateway
	opts   llm.Options
	logger *zap.Logger
}

func New(gw llm.Gateway, opts llm.Options, logger *zap.Logger) *Aggregator {
	return &Aggregator{gw: gw, opts: opts, logger: logger}
}

// Aggregate consolidates all non-empty analysis slots. When adjudicator is
// set, the prompt instructs resolution of the flagged conflict in favor of
// that role's revised analysis; the fallback path honors the same preference
// by leading with it.
func (a *Aggregator) Aggregate(ctx context.Context, query string, analyses map[roles.Name]string, adjudicator roles.Name) (string, error) {
	filled := filledRoles(analyses)

	if a.gw != nil {
		text, err := a.gw.Generate(ctx, a.prompt(query, analyses, adjudicator), a.opts)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if err != nil {
			a.logger.Warn("aggregation via gateway failed, using deterministic fallback", zap.Error(err))
		}
	}

	if len(filled) == 0 {
		return "", ErrNothingToAggregate
	}
	metrics.AggregationFallbacks.Inc()
	return a.fallback(query, analyses, adjudicator), nil
}

func (a *Aggregator) prompt(query string, analyses map[roles.Name]string, adjudicator roles.Name) string {
	var b strings.Builder
	b.WriteString("You are the moderator of a product requirements panel. ")
	b.WriteString("Consolidate the specialist analyses below into one structured answer: ")
	b.WriteString("a summary, a short section per specialist, and a single reconciled recommendation.\n\n")

	if adjudicator != "" {
		d, _ := roles.Describe(adjudicator)
		fmt.Fprintf(&b,
			"A disagreement was adjudicated by the %s. Where analyses conflict, resolve in favor of the %s's revised analysis. Never restate both contradictory recommendations as the outcome.\n\n",
			d.Title, d.Title)
	}

	fmt.Fprintf(&b, "Query:\n%s\n\n", query)
	for _, n := range roles.Priority {
		if text, ok := analyses[n]; ok && text != "" {
			d, _ := roles.Describe(n)
			fmt.Fprintf(&b, "--- %s ---\n%s\n\n", d.Title, text)
		}
	}
	return b.String()
}

// fallback is the deterministic path: analyses labeled by role, adjudicator
// first so its resolution reads as the governing recommendation.
func (a *Aggregator) fallback(query string, analyses map[roles.Name]string, adjudicator roles.Name) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consolidated requirements for: %s\n\n", query)

	order := make([]roles.Name, 0, len(roles.Priority))
	if adjudicator != "" && analyses[adjudicator] != "" {
		order = append(order, adjudicator)
	}
	for _, n := range roles.Priority {
		if n != adjudicator {
			order = append(order, n)
		}
	}

	for _, n := range order {
		text := analyses[n]
		if text == "" {
			continue
		}
		d, _ := roles.Describe(n)
		title := d.Title
		if n == adjudicator {
			title += " (adjudicated resolution)"
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", title, text)
	}
	return strings.TrimSpace(b.String())
}

func filledRoles(analyses map[roles.Name]string) []roles.Name {
	var out []roles.Name
	for _, n := range roles.Priority {
		if analyses[n] != "" {
			out = append(out, n)
		}
	}
	return out
}
