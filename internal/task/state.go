// Package task holds the single mutable record for one refinement run and the
// enums the coordinator routes on. The state is owned exclusively by its run's
// coordinator; nothing here is safe for cross-run sharing.
package task

import (
	"encoding/json"
	"time"

	"github.com/refinelab/refinery/internal/roles"
)

// Category is the initial routing classification of a query.
type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryDomain       Category = "domain"
	CategoryExperience   Category = "experience"
	CategoryArchitecture Category = "architecture"
	CategoryRevenue      Category = "revenue"
)

// Decision is a coordinator routing decision.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionDebate   Decision = "debate"
	DecisionEnd      Decision = "end"
)

// Phase is the coordinator state machine phase.
type Phase string

const (
	PhaseClassifying Phase = "classifying"
	PhaseRouting     Phase = "routing"
	PhaseSpecialist  Phase = "specialist_active"
	PhaseDebate      Phase = "debate_active"
	PhaseAggregating Phase = "aggregating"
	PhaseDone        Phase = "done"
)

// DefaultStepBudget bounds a run when no budget is configured.
const DefaultStepBudget = 10

// HistoryEntry is one append-only audit record: a coordinator decision or a
// role completion. Entries are never mutated retroactively.
type HistoryEntry struct {
	Step      int       `json:"step"`
	Role      string    `json:"role"`
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

// State tracks one refinement run end to end.
type State struct {
	RunID    string
	ThreadID string
	Query    string

	Category   Category
	DebateFlag bool
	// DebateRole is the adjudicator named by the debate analyzer; empty until
	// the analyzer has run for the current flag.
	DebateRole roles.Name
	// DebateResolved is set once the named role has produced its post-debate
	// analysis.
	DebateResolved bool

	Analyses    map[roles.Name]string
	Aggregation string
	FinalAnswer string

	ActiveRole    roles.Name
	LastDecision  Decision
	LastReasoning string
	History       []HistoryEntry

	StepCount  int
	StepBudget int

	Phase    Phase
	Complete bool

	// ThreadContext summarizes prior runs on the same thread, injected into
	// prompts; empty for fresh threads.
	ThreadContext string

	StartedAt time.Time
}

// New creates the state for a fresh run.
func New(runID, threadID, query string, stepBudget int) *State {
	if stepBudget <= 0 {
		stepBudget = DefaultStepBudget
	}
	return &State{
		RunID:      runID,
		ThreadID:   threadID,
		Query:      query,
		Category:   CategoryGeneral,
		Analyses:   make(map[roles.Name]string),
		StepBudget: stepBudget,
		Phase:      PhaseClassifying,
		StartedAt:  time.Now(),
	}
}

// Append records one audit entry. A completed run's history is frozen.
func (s *State) Append(role string, decision Decision, reasoning string) {
	if s.Complete {
		return
	}
	s.History = append(s.History, HistoryEntry{
		Step:      s.StepCount,
		Role:      role,
		Decision:  string(decision),
		Reasoning: reasoning,
		Timestamp: time.Now(),
	})
}

// RelevantRoles maps a category to the specialists that must produce an
// analysis before the run may end. A general query convenes the full panel; a
// focused query gets its focused specialist. Debate routing may still pull in
// any role afterwards.
func RelevantRoles(c Category) []roles.Name {
	switch c {
	case CategoryDomain:
		return []roles.Name{roles.Domain}
	case CategoryExperience:
		return []roles.Name{roles.Experience}
	case CategoryArchitecture:
		return []roles.Name{roles.Architecture}
	case CategoryRevenue:
		return []roles.Name{roles.Revenue}
	default:
		out := make([]roles.Name, len(roles.Priority))
		copy(out, roles.Priority)
		return out
	}
}

// Unfilled returns the relevant roles with no analysis yet, in dispatch order.
func (s *State) Unfilled() []roles.Name {
	var out []roles.Name
	for _, n := range RelevantRoles(s.Category) {
		if s.Analyses[n] == "" {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot is the JSON-serializable form handed to the persistence boundary.
type Snapshot struct {
	RunID       string            `json:"run_id"`
	ThreadID    string            `json:"thread_id"`
	Query       string            `json:"query"`
	Category    Category          `json:"category"`
	DebateFlag  bool              `json:"debate_flag"`
	DebateRole  roles.Name        `json:"debate_role,omitempty"`
	Analyses    map[string]string `json:"analyses,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"`
	FinalAnswer string            `json:"final_answer,omitempty"`
	History     []HistoryEntry    `json:"history"`
	StepCount   int               `json:"step_count"`
	StepBudget  int               `json:"step_budget"`
	Phase       Phase             `json:"phase"`
	Complete    bool              `json:"is_complete"`
	TakenAt     time.Time         `json:"taken_at"`
}

// Snapshot captures the current state for persistence.
func (s *State) Snapshot() Snapshot {
	analyses := make(map[string]string, len(s.Analyses))
	for n, a := range s.Analyses {
		analyses[string(n)] = a
	}
	history := make([]HistoryEntry, len(s.History))
	copy(history, s.History)
	return Snapshot{
		RunID:       s.RunID,
		ThreadID:    s.ThreadID,
		Query:       s.Query,
		Category:    s.Category,
		DebateFlag:  s.DebateFlag,
		DebateRole:  s.DebateRole,
		Analyses:    analyses,
		Aggregation: s.Aggregation,
		FinalAnswer: s.FinalAnswer,
		History:     history,
		StepCount:   s.StepCount,
		StepBudget:  s.StepBudget,
		Phase:       s.Phase,
		Complete:    s.Complete,
		TakenAt:     time.Now(),
	}
}

// Marshal renders the snapshot for the store.
func (sn Snapshot) Marshal() ([]byte, error) { return json.Marshal(sn) }
