// Package classify produces the initial routing category and debate flag for
// a query. Classification failure is never fatal to a run: every path here
// degrades to CategoryGeneral rather than returning an error.
package classify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/roles"
	"github.com/refinelab/refinery/internal/task"
)

// debateKeywords flag a query as carrying a disagreement that needs
// adjudication before aggregation.
var debateKeywords = []string{
	"debate", "conflict", "disagreement", "argument", "dispute", "controversy",
	" vs ", "versus", " or ", "disagree",
}

var categoryByRole = map[roles.Name]task.Category{
	roles.Domain:       task.CategoryDomain,
	roles.Experience:   task.CategoryExperience,
	roles.Architecture: task.CategoryArchitecture,
	roles.Revenue:      task.CategoryRevenue,
}

// Result is the classifier output.
type Result struct {
	Category   task.Category
	DebateFlag bool
}

// Classifier matches the query against each role's vocabulary and, when the
// keyword pass is ambiguous, consults the model gateway to break the tie.
type Classifier struct {
	gw     llm.Gateway
	opts   llm.Options
	logger *zap.Logger
}

// New builds a classifier. gw may be nil; the keyword pass then stands alone.
func New(gw llm.Gateway, opts llm.Options, logger *zap.Logger) *Classifier {
	return &Classifier{gw: gw, opts: opts, logger: logger}
}

// Classify never fails. On gateway failure it keeps the keyword result, or
// CategoryGeneral when the keywords were inconclusive.
func (c *Classifier) Classify(ctx context.Context, query string) Result {
	lower := strings.ToLower(query)

	res := Result{Category: task.CategoryGeneral}
	for _, kw := range debateKeywords {
		if strings.Contains(lower, kw) {
			res.DebateFlag = true
			break
		}
	}

	best, bestCount, tied := c.scoreVocabulary(lower)
	switch {
	case bestCount > 0 && !tied:
		res.Category = categoryByRole[best]
	case c.gw != nil:
		if cat, ok := c.refine(ctx, query); ok {
			res.Category = cat
		}
	}
	return res
}

// scoreVocabulary counts role keyword hits; tied reports an exact tie at the top.
func (c *Classifier) scoreVocabulary(lower string) (best roles.Name, bestCount int, tied bool) {
	for _, n := range roles.Priority {
		count := 0
		for _, kw := range roles.Keywords(n) {
			if strings.Contains(lower, kw) {
				count++
			}
		}
		switch {
		case count > bestCount:
			best, bestCount, tied = n, count, false
		case count == bestCount && count > 0:
			tied = true
		}
	}
	return best, bestCount, tied
}

// refine asks the gateway for a single category token. Any failure or
// unparseable response keeps the keyword verdict.
func (c *Classifier) refine(ctx context.Context, query string) (task.Category, bool) {
	prompt := "Classify this product requirements query into exactly one category: " +
		"domain, experience, architecture, revenue, or general. " +
		"Reply with the single category word only.\n\nQuery: " + query
	text, err := c.gw.Generate(ctx, prompt, c.opts)
	if err != nil {
		c.logger.Warn("classification refinement failed, keeping keyword verdict", zap.Error(err))
		return task.CategoryGeneral, false
	}
	switch {
	case containsWord(text, "domain"):
		return task.CategoryDomain, true
	case containsWord(text, "experience"):
		return task.CategoryExperience, true
	case containsWord(text, "architecture"):
		return task.CategoryArchitecture, true
	case containsWord(text, "revenue"):
		return task.CategoryRevenue, true
	case containsWord(text, "general"):
		return task.CategoryGeneral, true
	}
	return task.CategoryGeneral, false
}

func containsWord(text, word string) bool {
	return strings.Contains(strings.ToLower(text), word)
}
