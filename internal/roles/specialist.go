package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/metrics"
)

// Unavailable is the sentinel analysis substituted when the gateway fails
// after its retry policy is exhausted. A single role's failure never aborts
// the run; the slot is treated as filled with low-confidence content.
const Unavailable = "[analysis unavailable] the specialist could not be reached; treat this perspective as low confidence"

// Request carries everything a specialist needs for one analysis.
type Request struct {
	Query         string
	ThreadContext string
	// Existing analyses from other roles, injected for cross-role awareness.
	Existing map[Name]string
	// Conflict, when non-empty, frames a detected disagreement the role must
	// adjudicate; the resulting analysis replaces the role's earlier one.
	Conflict string
}

// Specialist is one of the four analysis roles. It is a stateless transform
// from task context to analysis text; it never mutates task state itself.
type Specialist struct {
	name   Name
	gw     llm.Gateway
	opts   llm.Options
	logger *zap.Logger
}

func NewSpecialist(name Name, gw llm.Gateway, opts llm.Options, logger *zap.Logger) *Specialist {
	return &Specialist{name: name, gw: gw, opts: opts, logger: logger}
}

func (s *Specialist) Name() Name { return s.name }

// Analyze produces the role's analysis. The returned text is always usable:
// on gateway failure it is the Unavailable sentinel and the error is returned
// alongside so the coordinator can record the outcome in the audit trail.
func (s *Specialist) Analyze(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := s.gw.Generate(ctx, s.prompt(req), s.opts)
	metrics.RoleDuration.WithLabelValues(string(s.name)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RoleExecutions.WithLabelValues(string(s.name), "fallback").Inc()
		s.logger.Warn("specialist falling back to unavailable sentinel",
			zap.String("role", string(s.name)),
			zap.Error(err),
		)
		return Unavailable, err
	}
	if strings.TrimSpace(text) == "" {
		metrics.RoleExecutions.WithLabelValues(string(s.name), "fallback").Inc()
		return Unavailable, fmt.Errorf("specialist %s: empty analysis", s.name)
	}
	metrics.RoleExecutions.WithLabelValues(string(s.name), "ok").Inc()
	return text, nil
}

func (s *Specialist) prompt(req Request) string {
	d, _ := Describe(s.name)

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on a product requirements panel.\n", d.Title)
	fmt.Fprintf(&b, "Your focus: %s.\n\n", d.Focus)

	if req.ThreadContext != "" {
		fmt.Fprintf(&b, "Previous conversation context:\n%s\n\n", req.ThreadContext)
	}

	// Earlier roles' output, in dispatch order, so later analyses can build on
	// established constraints.
	if len(req.Existing) > 0 {
		b.WriteString("Analyses already produced by other specialists:\n")
		for _, n := range Priority {
			if n == s.name {
				continue
			}
			if a, ok := req.Existing[n]; ok && a != "" {
				other, _ := Describe(n)
				fmt.Fprintf(&b, "--- %s ---\n%s\n", other.Title, a)
			}
		}
		b.WriteString("\n")
	}

	if req.Conflict != "" {
		fmt.Fprintf(&b, "A disagreement between specialists needs your adjudication:\n%s\n", req.Conflict)
		b.WriteString("Re-analyze the query with this conflict framed explicitly. ")
		b.WriteString("State a single recommendation and why the competing position loses.\n\n")
	}

	fmt.Fprintf(&b, "Product requirements query:\n%s\n\n", req.Query)
	b.WriteString("Produce a focused analysis: key requirements, concerns, and a clear recommendation from your perspective.")
	return b.String()
}
