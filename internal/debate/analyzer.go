// Package debate detects multi-party disagreement and names the specialist
// that should adjudicate it. The detection is a keyword heuristic, isolated
// here so it can be replaced without touching the coordinator.
package debate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/roles"
)

// contradictionMarkers signal a genuine disagreement inside a query or
// between analyses, as opposed to benign hedging.
var contradictionMarkers = []string{
	"disagree", "conflict", "contradict", "dispute", "controversy",
	"instead of", "rather than", "mutually exclusive", "argument",
}

// Analyzer scans content for disagreement and scores which role's domain the
// disagreement belongs to. It does not resolve the conflict itself.
type Analyzer struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Detect reports whether the query plus the produced analyses carry
// contradiction signals worth adjudicating.
func (a *Analyzer) Detect(query string, analyses map[roles.Name]string) bool {
	if containsMarker(query) {
		return true
	}
	hits := 0
	for _, text := range analyses {
		if containsMarker(text) {
			hits++
		}
	}
	// One analysis mentioning conflict is enough; it is describing a clash
	// with another position.
	return hits > 0
}

// Analyze names the adjudicating role and explains the choice. Selection is
// by domain vocabulary match count over the query and all analyses; exact
// ties fall to the fixed precedence Architecture > Domain > Experience >
// Revenue.
func (a *Analyzer) Analyze(query string, analyses map[roles.Name]string) (roles.Name, string) {
	corpus := strings.ToLower(query)
	for _, text := range analyses {
		corpus += "\n" + strings.ToLower(text)
	}

	scores := make(map[roles.Name]int, len(roles.Priority))
	for _, n := range roles.Priority {
		for _, kw := range roles.Keywords(n) {
			scores[n] += strings.Count(corpus, kw)
		}
	}

	best := roles.DebatePrecedence[0]
	for _, n := range roles.DebatePrecedence {
		if scores[n] > scores[best] {
			best = n
		}
	}

	d, _ := roles.Describe(best)
	reasoning := fmt.Sprintf(
		"disagreement maps to %s vocabulary (score %d); adjudication assigned to %s",
		best, scores[best], d.Title,
	)
	a.logger.Debug("debate adjudicator selected",
		zap.String("role", string(best)),
		zap.Int("score", scores[best]),
	)
	return best, reasoning
}

// Frame renders the conflict description injected into the adjudicator's
// prompt: the analyses that clash, labeled by role.
func (a *Analyzer) Frame(query string, analyses map[roles.Name]string) string {
	var b strings.Builder
	b.WriteString("The query and the positions below are in tension:\n")
	for _, n := range roles.Priority {
		if text, ok := analyses[n]; ok && text != "" {
			d, _ := roles.Describe(n)
			fmt.Fprintf(&b, "- %s: %s\n", d.Title, firstLine(text))
		}
	}
	return b.String()
}

func containsMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range contradictionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
