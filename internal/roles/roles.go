// Package roles defines the fixed specialist vocabulary and the specialist
// implementations that turn task context into one analysis artifact each.
package roles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Name identifies a specialist role. The set is fixed; routing and debate
// adjudication only ever select from these four.
type Name string

const (
	Domain       Name = "domain_expert"
	Experience   Name = "ux_ui_specialist"
	Architecture Name = "technical_architect"
	Revenue      Name = "revenue_model_analyst"
)

// Priority is the dispatch order: business constraints before UX, UX before
// implementation feasibility, feasibility before monetization. Later roles
// receive earlier roles' output as context.
var Priority = []Name{Domain, Experience, Architecture, Revenue}

// DebatePrecedence breaks exact ties when selecting an adjudicator.
// Architectural constraints most often bound the other three.
var DebatePrecedence = []Name{Architecture, Domain, Experience, Revenue}

// Valid reports whether n is one of the four specialists.
func Valid(n Name) bool {
	switch n {
	case Domain, Experience, Architecture, Revenue:
		return true
	}
	return false
}

// Description is the static metadata served by the roles endpoint and used to
// build prompts.
type Description struct {
	Name     Name     `yaml:"name" json:"name"`
	Title    string   `yaml:"title" json:"title"`
	Focus    string   `yaml:"focus" json:"focus"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

var defaultDescriptions = []Description{
	{
		Name:  Domain,
		Title: "Domain Expert",
		Focus: "business rules, domain constraints, regulatory and workflow requirements",
		Keywords: []string{
			"business", "domain", "workflow", "process", "compliance", "regulation",
			"policy", "industry", "stakeholder", "requirement",
		},
	},
	{
		Name:  Experience,
		Title: "UX/UI Specialist",
		Focus: "user experience, interface design, accessibility, and usability concerns",
		Keywords: []string{
			"user", "ux", "ui", "design", "usability", "accessibility", "interface",
			"flow", "onboarding", "friction", "page", "form",
		},
	},
	{
		Name:  Architecture,
		Title: "Technical Architect",
		Focus: "system architecture, feasibility, scalability, and performance constraints",
		Keywords: []string{
			"architecture", "technical", "performance", "scalability", "latency",
			"infrastructure", "api", "database", "integration", "security", "system",
		},
	},
	{
		Name:  Revenue,
		Title: "Revenue Model Analyst",
		Focus: "monetization strategy, pricing, and revenue impact of requirements",
		Keywords: []string{
			"revenue", "pricing", "monetization", "subscription", "billing", "cost",
			"conversion", "upsell", "margin", "payment",
		},
	},
}

// Descriptions returns the built-in role metadata.
func Descriptions() []Description {
	out := make([]Description, len(defaultDescriptions))
	copy(out, defaultDescriptions)
	return out
}

// Describe returns the metadata for a single role.
func Describe(n Name) (Description, bool) {
	for _, d := range defaultDescriptions {
		if d.Name == n {
			return d, true
		}
	}
	return Description{}, false
}

// Keywords returns the domain vocabulary for a role, used for classification
// and debate scoring.
func Keywords(n Name) []string {
	d, ok := Describe(n)
	if !ok {
		return nil
	}
	return d.Keywords
}

// LoadDescriptions replaces the built-in role metadata from a YAML file.
// All four roles must be present; unknown roles are rejected.
func LoadDescriptions(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read role descriptions: %w", err)
	}
	var loaded []Description
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parse role descriptions: %w", err)
	}
	seen := map[Name]bool{}
	for _, d := range loaded {
		if !Valid(d.Name) {
			return fmt.Errorf("unknown role %q in %s", d.Name, path)
		}
		seen[d.Name] = true
	}
	for _, n := range Priority {
		if !seen[n] {
			return fmt.Errorf("role %q missing from %s", n, path)
		}
	}
	defaultDescriptions = loaded
	return nil
}
