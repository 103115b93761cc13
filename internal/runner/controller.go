// Package runner is the public entry point for refinement runs. It drives
// the coordinator loop synchronously to completion, emits one progress event
// per state transition, and persists thread snapshots best-effort.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/memory"
	"github.com/refinelab/refinery/internal/metrics"
	"github.com/refinelab/refinery/internal/roles"
	"github.com/refinelab/refinery/internal/streaming"
	"github.com/refinelab/refinery/internal/supervisor"
	"github.com/refinelab/refinery/internal/task"
	"github.com/refinelab/refinery/internal/tracing"
)

// threadContextRuns bounds how many prior snapshots seed a resumed thread.
const threadContextRuns = 5

// RunResult is what a completed run hands back to the delivery surface.
type RunResult struct {
	RunID          string                `json:"run_id"`
	ThreadID       string                `json:"thread_id,omitempty"`
	Category       task.Category         `json:"category"`
	DebateFlag     bool                  `json:"debate_flag"`
	DebateRole     roles.Name            `json:"debate_role,omitempty"`
	FinalAnswer    string                `json:"final_answer"`
	Analyses       map[roles.Name]string `json:"analyses"`
	History        []task.HistoryEntry   `json:"history"`
	StepCount      int                   `json:"step_count"`
	ProcessingTime time.Duration         `json:"processing_time"`
}

// Controller owns the run loop. One controller serves all runs; per-run state
// lives in the task.State it creates.
type Controller struct {
	coordinator *supervisor.Coordinator
	store       memory.ThreadStore
	events      *streaming.Manager
	stepBudget  int
	logger      *zap.Logger
}

func New(coordinator *supervisor.Coordinator, store memory.ThreadStore, events *streaming.Manager, stepBudget int, logger *zap.Logger) *Controller {
	if store == nil {
		store = memory.Noop{}
	}
	return &Controller{
		coordinator: coordinator,
		store:       store,
		events:      events,
		stepBudget:  stepBudget,
		logger:      logger,
	}
}

// Run executes one refinement end to end. Cancellation of ctx between steps
// forces a normal END decision and still returns a partial answer; the only
// error returned is the fatal nothing-to-aggregate case.
func (c *Controller) Run(ctx context.Context, query, threadID string) (*RunResult, error) {
	runID := uuid.NewString()
	metrics.RunsStarted.Inc()
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "refinery.run",
		attribute.String("run_id", runID),
		attribute.String("thread_id", threadID),
	)
	defer span.End()

	st := task.New(runID, threadID, query, c.stepBudget)
	c.seedThreadContext(ctx, st)

	c.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("thread_id", threadID),
	)

	for st.Phase != task.PhaseDone {
		report, err := c.step(ctx, st)
		if err != nil {
			metrics.RunsCompleted.WithLabelValues("fatal").Inc()
			c.publish(st, report)
			return nil, fmt.Errorf("run %s failed: %w", runID, err)
		}
		c.publish(st, report)
		c.persist(st)
	}

	elapsed := time.Since(start)
	metrics.RunsCompleted.WithLabelValues("ok").Inc()
	metrics.RunDuration.Observe(elapsed.Seconds())
	metrics.StepsPerRun.Observe(float64(st.StepCount))

	return &RunResult{
		RunID:          runID,
		ThreadID:       threadID,
		Category:       st.Category,
		DebateFlag:     st.DebateFlag,
		DebateRole:     st.DebateRole,
		FinalAnswer:    st.FinalAnswer,
		Analyses:       st.Analyses,
		History:        st.History,
		StepCount:      st.StepCount,
		ProcessingTime: elapsed,
	}, nil
}

// step runs one coordinator transition. Aggregation always gets a live
// context so a cancelled run still produces its partial answer.
func (c *Controller) step(ctx context.Context, st *task.State) (supervisor.StepReport, error) {
	stepCtx := ctx
	if st.Phase == task.PhaseAggregating && ctx.Err() != nil {
		stepCtx = context.WithoutCancel(ctx)
	}
	return c.coordinator.Step(stepCtx, st)
}

func (c *Controller) publish(st *task.State, report supervisor.StepReport) {
	if c.events == nil {
		return
	}
	evt := streaming.Event{
		RunID:     st.RunID,
		Phase:     string(report.Phase),
		Decision:  string(report.Decision),
		Content:   report.Note,
		Timestamp: time.Now(),
	}
	if len(report.Roles) == 1 {
		evt.Role = string(report.Roles[0])
	}
	c.events.Publish(st.RunID, evt)
	// fan-out steps additionally emit one event per completed role
	if len(report.Roles) > 1 {
		for _, r := range report.Roles {
			c.events.Publish(st.RunID, streaming.Event{
				RunID:     st.RunID,
				Phase:     string(report.Phase),
				Role:      string(r),
				Content:   "analysis recorded",
				Timestamp: time.Now(),
			})
		}
	}
}

// persist writes the current snapshot; persistence is best-effort and never
// blocks a run.
func (c *Controller) persist(st *task.State) {
	if st.ThreadID == "" {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.store.Save(saveCtx, st.ThreadID, st.Snapshot()); err != nil {
		c.logger.Warn("thread snapshot save failed",
			zap.String("thread_id", st.ThreadID),
			zap.Error(err),
		)
	}
}

// seedThreadContext summarizes recent snapshots for a known thread into the
// context string injected into prompts. Best-effort: a store failure leaves
// the run with a fresh context.
func (c *Controller) seedThreadContext(ctx context.Context, st *task.State) {
	if st.ThreadID == "" {
		return
	}
	snaps, err := c.store.History(ctx, st.ThreadID, threadContextRuns)
	if err != nil {
		c.logger.Warn("thread history load failed",
			zap.String("thread_id", st.ThreadID),
			zap.Error(err),
		)
		return
	}
	if len(snaps) == 0 {
		return
	}

	var summary strings.Builder
	for _, snap := range snaps {
		fmt.Fprintf(&summary, "- (%s, %d steps) %s", snap.Category, snap.StepCount, snap.Query)
		if snap.FinalAnswer != "" {
			summary.WriteString(" [answered]")
		}
		summary.WriteString("\n")
	}
	st.ThreadContext = "Previous queries on this thread:\n" + summary.String()
}
