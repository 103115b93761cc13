// Package supervisor is the coordinator: the state machine that owns task
// state, decides the next action, enforces the step budget, and records the
// audit trail. Routing is a fixed deterministic policy; the model backend is
// consulted only to refine classification and debate detection, never to
// choose control flow.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/refinelab/refinery/internal/aggregate"
	"github.com/refinelab/refinery/internal/classify"
	"github.com/refinelab/refinery/internal/debate"
	"github.com/refinelab/refinery/internal/metrics"
	"github.com/refinelab/refinery/internal/roles"
	"github.com/refinelab/refinery/internal/task"
)

// Deps are the collaborators a coordinator drives. All are required except
// Parallel, which gates fan-out within a CONTINUE step.
type Deps struct {
	Classifier  *classify.Classifier
	Specialists map[roles.Name]*roles.Specialist
	Analyzer    *debate.Analyzer
	Aggregator  *aggregate.Aggregator
	Parallel    bool
	// DebateTimeout bounds one adjudication dispatch wall-clock; zero means
	// the caller's context is the only bound.
	DebateTimeout time.Duration
	Logger        *zap.Logger
}

// Coordinator advances one task at a time. An instance may be shared across
// runs; all mutable state lives in the task.State it is handed.
type Coordinator struct {
	deps Deps
}

func New(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{deps: deps}
}

// StepReport describes what one Step did, for progress events.
type StepReport struct {
	Phase    task.Phase    // phase after the step
	Decision task.Decision // routing decision taken, if any
	Roles    []roles.Name  // roles dispatched during the step
	Note     string        // human-readable summary for the event stream
}

// Step executes one state-machine transition. The caller loops until the
// phase is PhaseDone. Only aggregation can return an error, and only in the
// fatal nothing-to-aggregate case.
func (c *Coordinator) Step(ctx context.Context, st *task.State) (StepReport, error) {
	switch st.Phase {
	case task.PhaseClassifying:
		return c.stepClassify(ctx, st), nil
	case task.PhaseRouting, task.PhaseSpecialist, task.PhaseDebate:
		return c.stepRoute(ctx, st), nil
	case task.PhaseAggregating:
		return c.stepAggregate(ctx, st)
	default:
		return StepReport{Phase: st.Phase, Note: "run already terminal"}, nil
	}
}

func (c *Coordinator) stepClassify(ctx context.Context, st *task.State) StepReport {
	res := c.deps.Classifier.Classify(ctx, st.Query)
	st.Category = res.Category
	st.DebateFlag = res.DebateFlag
	if res.DebateFlag {
		metrics.DebatesDetected.Inc()
	}

	note := fmt.Sprintf("classified as %s (debate=%t)", res.Category, res.DebateFlag)
	st.Append("classifier", task.DecisionContinue, note)
	st.Phase = task.PhaseRouting

	c.deps.Logger.Info("query classified",
		zap.String("run_id", st.RunID),
		zap.String("category", string(res.Category)),
		zap.Bool("debate", res.DebateFlag),
	)
	return StepReport{Phase: st.Phase, Note: note}
}

// stepRoute makes one routing decision and, for CONTINUE/DEBATE, performs the
// dispatch before returning to ROUTING. Any internal panic converts to
// decision END with a diagnostic: the coordinator never leaves a task in a
// non-terminal, non-auditable state.
func (c *Coordinator) stepRoute(ctx context.Context, st *task.State) (report StepReport) {
	defer func() {
		if r := recover(); r != nil {
			note := fmt.Sprintf("internal routing error, terminating: %v", r)
			c.deps.Logger.Error("routing panic recovered", zap.String("run_id", st.RunID), zap.Any("panic", r))
			st.LastDecision = task.DecisionEnd
			st.LastReasoning = note
			st.ActiveRole = ""
			st.Append("supervisor", task.DecisionEnd, note)
			st.Phase = task.PhaseAggregating
			report = StepReport{Phase: st.Phase, Decision: task.DecisionEnd, Note: note}
		}
	}()

	decision, reasoning := c.route(ctx, st)
	st.LastDecision = decision
	st.LastReasoning = reasoning
	// The decision lands in the audit trail before dispatch, END included, so
	// the trail always explains termination.
	st.Append("supervisor", decision, reasoning)

	switch decision {
	case task.DecisionEnd:
		st.Phase = task.PhaseAggregating
		return StepReport{Phase: st.Phase, Decision: decision, Note: reasoning}
	case task.DecisionDebate:
		dispatched := c.dispatchDebate(ctx, st)
		st.Phase = task.PhaseRouting
		return StepReport{Phase: st.Phase, Decision: decision, Roles: dispatched, Note: reasoning}
	default:
		dispatched := c.dispatchSpecialists(ctx, st)
		st.Phase = task.PhaseRouting
		return StepReport{Phase: st.Phase, Decision: decision, Roles: dispatched, Note: reasoning}
	}
}

// route is the decision policy. Order matters: cancellation, budget,
// completion, debate, continue.
func (c *Coordinator) route(ctx context.Context, st *task.State) (task.Decision, string) {
	if err := ctx.Err(); err != nil {
		return task.DecisionEnd, "cancelled by caller"
	}

	if st.StepCount >= st.StepBudget {
		return task.DecisionEnd, fmt.Sprintf(
			"step budget exhausted (%d/%d); terminating with best answer available",
			st.StepCount, st.StepBudget)
	}

	unfilled := st.Unfilled()
	if len(unfilled) == 0 {
		// All relevant slots are filled. Before ending, check whether the
		// produced analyses themselves carry an unflagged disagreement.
		if !st.DebateFlag && !st.DebateResolved && c.deps.Analyzer.Detect(st.Query, st.Analyses) {
			st.DebateFlag = true
			metrics.DebatesDetected.Inc()
			return task.DecisionDebate, "analyses carry contradiction signals; routing to adjudication"
		}
		if st.DebateFlag && !st.DebateResolved {
			return task.DecisionDebate, "debate flagged and unresolved; routing to adjudication"
		}
		return task.DecisionEnd, fmt.Sprintf(
			"all relevant analyses complete for category %s; no unresolved debate", st.Category)
	}

	if st.DebateFlag && !st.DebateResolved {
		return task.DecisionDebate, "debate flagged; adjudication precedes further analysis"
	}

	names := make([]string, len(unfilled))
	for i, n := range unfilled {
		names[i] = string(n)
	}
	return task.DecisionContinue, "dispatching unfilled specialists: " + strings.Join(names, ", ")
}

// dispatchDebate runs the debate analyzer (once per flag) and then the named
// role with the conflict framed explicitly. The revised analysis overwrites
// the role's slot; this is the one sanctioned re-trigger of a role.
func (c *Coordinator) dispatchDebate(ctx context.Context, st *task.State) []roles.Name {
	if st.DebateRole == "" {
		target, reasoning := c.deps.Analyzer.Analyze(st.Query, st.Analyses)
		st.DebateRole = target
		st.Append("debate_analyzer", task.DecisionDebate, reasoning)
	}

	sp, ok := c.deps.Specialists[st.DebateRole]
	if !ok {
		panic(fmt.Sprintf("no specialist registered for debate role %q", st.DebateRole))
	}

	st.ActiveRole = st.DebateRole
	st.StepCount++

	// Adjudication gets its own wall-clock ceiling: a debate that cannot
	// resolve in time degrades to the sentinel instead of stalling the run.
	dctx := ctx
	if c.deps.DebateTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.deps.DebateTimeout)
		defer cancel()
	}

	existing := snapshotAnalyses(st)
	text, err := sp.Analyze(dctx, roles.Request{
		Query:         st.Query,
		ThreadContext: st.ThreadContext,
		Existing:      existing,
		Conflict:      c.deps.Analyzer.Frame(st.Query, existing),
	})
	st.Analyses[st.DebateRole] = text
	st.DebateResolved = true
	st.ActiveRole = ""

	note := "post-debate analysis recorded"
	if err != nil {
		note = fmt.Sprintf("post-debate analysis unavailable, sentinel recorded: %v", err)
	}
	st.Append(string(st.DebateRole), task.DecisionDebate, note)
	return []roles.Name{st.DebateRole}
}

// dispatchSpecialists runs the next unfilled role, or all of them
// concurrently when fan-out applies. Analyses land on disjoint keys; the
// coordinator applies step count and history after the fan-in point.
func (c *Coordinator) dispatchSpecialists(ctx context.Context, st *task.State) []roles.Name {
	unfilled := st.Unfilled()
	if len(unfilled) == 0 {
		return nil
	}

	batch := unfilled[:1]
	if c.deps.Parallel && !st.DebateFlag && len(unfilled) > 1 {
		n := len(unfilled)
		if remaining := st.StepBudget - st.StepCount; n > remaining {
			n = remaining
		}
		batch = unfilled[:n]
	}

	existing := snapshotAnalyses(st)

	if len(batch) == 1 {
		target := batch[0]
		st.Phase = task.PhaseSpecialist
		st.ActiveRole = target
		st.StepCount++
		text, err := c.deps.Specialists[target].Analyze(ctx, roles.Request{
			Query:         st.Query,
			ThreadContext: st.ThreadContext,
			Existing:      existing,
		})
		st.Analyses[target] = text
		st.ActiveRole = ""
		st.Append(string(target), task.DecisionContinue, completionNote(err))
		return batch
	}

	// Fan-out: one goroutine per role, join all before touching shared state.
	st.Phase = task.PhaseSpecialist
	results := make([]string, len(batch))
	errs := make([]error, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range batch {
		g.Go(func() error {
			text, err := c.deps.Specialists[target].Analyze(gctx, roles.Request{
				Query:         st.Query,
				ThreadContext: st.ThreadContext,
				Existing:      existing,
			})
			results[i] = text
			errs[i] = err
			// Role failures degrade to sentinels; never abort the group.
			return nil
		})
	}
	_ = g.Wait()

	// Fan-in: state updates applied by the single owner, in batch order so
	// the audit trail is deterministic.
	for i, target := range batch {
		st.Analyses[target] = results[i]
		st.StepCount++
		st.Append(string(target), task.DecisionContinue, completionNote(errs[i]))
	}
	return batch
}

func (c *Coordinator) stepAggregate(ctx context.Context, st *task.State) (StepReport, error) {
	var adjudicator roles.Name
	if st.DebateResolved {
		adjudicator = st.DebateRole
	}

	answer, err := c.deps.Aggregator.Aggregate(ctx, st.Query, st.Analyses, adjudicator)
	if err != nil {
		// The only fatal path: nothing to aggregate and no gateway. The trail
		// still records why the run ended.
		note := fmt.Sprintf("aggregation failed fatally: %v", err)
		st.Append("moderator", task.DecisionEnd, note)
		st.Phase = task.PhaseDone
		return StepReport{Phase: st.Phase, Note: note}, err
	}

	st.Aggregation = answer
	st.FinalAnswer = answer
	st.Append("moderator", task.DecisionEnd, "aggregation complete")
	st.Complete = true
	st.Phase = task.PhaseDone

	c.deps.Logger.Info("run complete",
		zap.String("run_id", st.RunID),
		zap.Int("steps", st.StepCount),
		zap.Int("history_len", len(st.History)),
	)
	return StepReport{Phase: st.Phase, Note: "aggregation complete"}, nil
}

func completionNote(err error) string {
	if err != nil {
		return fmt.Sprintf("analysis unavailable, sentinel recorded: %v", err)
	}
	return "analysis recorded"
}

func snapshotAnalyses(st *task.State) map[roles.Name]string {
	out := make(map[roles.Name]string, len(st.Analyses))
	for n, a := range st.Analyses {
		out[n] = a
	}
	return out
}
