package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/budget"
	"github.com/forager-labs/forager/internal/dispatch"
	"github.com/forager-labs/forager/internal/gap"
	"github.com/forager-labs/forager/internal/hitl"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/task"
	"github.com/forager-labs/forager/internal/telemetry"
)

// Detector finds knowledge gaps for the current goal.
type Detector interface {
	Detect(ctx context.Context, goal, question string) (gap.Result, error)
}

// Planner turns gaps into a priority-ordered task queue.
type Planner interface {
	Prioritize(ctx context.Context, goal string, gaps []gap.Gap, budgetRemaining float64) ([]task.ResearchTask, error)
}

// Executor runs one research task.
type Executor interface {
	Execute(ctx context.Context, t task.ResearchTask) (task.Observation, error)
}

// Memorizer persists observations into versioned memory.
type Memorizer interface {
	Upsert(ctx context.Context, cand memory.Candidate) (memory.UpsertResult, error)
}

// Orchestrator drives the perceive-plan-act-memorize cycle for a run. Every
// state transition is saved before the next step so an interrupted run
// resumes exactly where it stopped.
type Orchestrator struct {
	detector Detector
	planner  Planner
	executor Executor
	// executorFactory, when set, builds a fresh executor per run so
	// per-run tier quotas start clean.
	executorFactory func() (Executor, error)
	memory          Memorizer
	approver        hitl.Approver
	states          StateStore
	cfg             config.OrchestrateConfig
	telemetry       *telemetry.Telemetry
	logger          *log.Logger
	tracer          trace.Tracer
}

func NewOrchestrator(detector Detector, planner Planner, executor Executor, mem Memorizer, approver hitl.Approver, states StateStore, cfg config.OrchestrateConfig, tel *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &Orchestrator{
		detector:  detector,
		planner:   planner,
		executor:  executor,
		memory:    mem,
		approver:  approver,
		states:    states,
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
		tracer:    otel.Tracer("forager/agent"),
	}
}

// SetExecutorFactory makes each run build its own executor.
func (o *Orchestrator) SetExecutorFactory(f func() (Executor, error)) {
	o.executorFactory = f
}

// Prepare creates and persists a new run without driving it, so callers can
// hand the run id back before the loop starts.
func (o *Orchestrator) Prepare(ctx context.Context, goal string, budgetLimit float64) (*State, error) {
	if budgetLimit <= 0 {
		budgetLimit = o.cfg.DefaultBudget
	}
	st := NewState(goal, budgetLimit)
	st.Record("run_started", goal)
	if err := o.states.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("saving initial state: %w", err)
	}
	return st, nil
}

// Drive runs a prepared run to a terminal state.
func (o *Orchestrator) Drive(ctx context.Context, st *State) error {
	return o.loop(ctx, st)
}

// Run starts a new research run and drives it to a terminal or paused state.
func (o *Orchestrator) Run(ctx context.Context, goal string, budgetLimit float64) (*State, error) {
	st, err := o.Prepare(ctx, goal, budgetLimit)
	if err != nil {
		return nil, err
	}
	return st, o.loop(ctx, st)
}

// Resume continues a previously saved run. Terminal runs are returned as-is.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*State, error) {
	st, err := o.states.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if st.Terminal() {
		return st, nil
	}
	st.Status = StatusRunning
	st.PendingApproval = nil
	st.Record("run_resumed", "")
	if err := o.states.Save(ctx, st); err != nil {
		return nil, err
	}
	err = o.loop(ctx, st)
	return st, err
}

func (o *Orchestrator) loop(ctx context.Context, st *State) error {
	exec := o.executor
	if o.executorFactory != nil {
		e, err := o.executorFactory()
		if err != nil {
			return o.fail(ctx, st, fmt.Errorf("building executor: %w", err))
		}
		exec = e
	}

	mon := budget.NewMonitor(budget.FromMax(st.BudgetLimit))
	if st.SpentCost > 0 || st.SpentTokens > 0 {
		if err := mon.Spend(st.SpentCost, st.SpentTokens); err != nil {
			return o.completeBudget(ctx, st, err)
		}
	}

	noProgress := 0
	for st.Cycle < o.cfg.MaxCycles {
		select {
		case <-ctx.Done():
			return o.fail(ctx, st, ctx.Err())
		default:
		}
		st.Cycle++
		progressed, done, err := o.cycle(ctx, st, mon, exec)
		if err != nil || done {
			return err
		}
		if progressed {
			noProgress = 0
		} else {
			noProgress++
			if o.cfg.NoProgressLimit > 0 && noProgress >= o.cfg.NoProgressLimit {
				st.Record("stalled", fmt.Sprintf("%d cycles without progress", noProgress))
				return o.fail(ctx, st, fmt.Errorf("no progress after %d consecutive cycles", noProgress))
			}
		}
	}
	st.Record("max_cycles", "")
	return o.fail(ctx, st, fmt.Errorf("gaps still open after %d cycles", o.cfg.MaxCycles))
}

// cycle runs one perceive-plan-act-memorize pass. It reports whether any
// gap was closed and whether the run reached a terminal state.
func (o *Orchestrator) cycle(ctx context.Context, st *State, mon *budget.Monitor, exec Executor) (progressed, done bool, err error) {
	cctx, span := o.tracer.Start(ctx, "agent.cycle",
		trace.WithAttributes(
			attribute.String("run_id", st.RunID),
			attribute.Int("cycle", st.Cycle),
		))
	defer span.End()

	// Perceive
	res, err := o.detector.Detect(cctx, st.Goal, o.question(st))
	if err != nil {
		return false, true, o.fail(ctx, st, fmt.Errorf("gap detection: %w", err))
	}
	if !o.spend(st, mon, res.Cost, res.Tokens) {
		return false, true, o.completeBudget(ctx, st, nil)
	}
	if res.Degraded {
		st.Record("detector_degraded", "heuristics only this cycle")
	}

	actionable := st.OpenGaps[:0:0]
	for _, g := range res.Gaps {
		if g.ConfidenceDeficit >= o.cfg.MaterialityFloor {
			actionable = append(actionable, g)
		}
	}
	st.OpenGaps = actionable
	if err := o.states.Save(ctx, st); err != nil {
		return false, true, err
	}
	if len(actionable) == 0 {
		st.Record("goal_satisfied", "no material gaps remain")
		o.telemetry.RecordCycle("goal_satisfied")
		return true, true, o.complete(ctx, st)
	}

	// Plan
	planned, err := o.planner.Prioritize(cctx, st.Goal, actionable, st.BudgetRemaining())
	if err != nil {
		return false, true, o.fail(ctx, st, fmt.Errorf("prioritizing gaps: %w", err))
	}
	start := len(st.Tasks)
	st.Tasks = append(st.Tasks, planned...)
	if err := o.states.Save(ctx, st); err != nil {
		return false, true, err
	}

	// Act + Memorize: strictly one dispatch per cycle so history keeps a
	// total causal order.
	for i := start; i < len(st.Tasks); i++ {
		t := &st.Tasks[i]
		if t.Status != task.StatusPending {
			continue
		}
		if !mon.CanAfford(t.EstimatedCost) {
			t.Status = task.StatusDeferred
			st.Record("task_deferred", t.Question)
			continue
		}
		if o.needsApproval(*t) {
			proceed, err := o.seekApproval(ctx, st, t)
			if err != nil {
				return progressed, true, err
			}
			if !proceed {
				// a human decision consumed this cycle's action
				break
			}
			// revalidate after the pause: approval can take long enough
			// for concurrent spend or a resume to change the picture
			if !mon.CanAfford(t.EstimatedCost) {
				t.Status = task.StatusDeferred
				st.Record("task_deferred", "budget changed while awaiting approval")
				continue
			}
		}

		obs, err := exec.Execute(cctx, *t)
		if err != nil {
			t.Status = task.StatusFailed
			var toolErr *dispatch.ToolExecutionError
			if errors.As(err, &toolErr) {
				recordAttempts(st, t, toolErr.Attempts)
				st.Record("task_failed", toolErr.Error())
			} else {
				st.Record("task_failed", err.Error())
			}
			if err := o.states.Save(ctx, st); err != nil {
				return progressed, true, err
			}
			break
		}

		// Every attempt goes into history before the memory write so a
		// replay reconstructs what was tried, escalations included.
		recordAttempts(st, t, obs.Attempts)
		st.Record("task_executed", fmt.Sprintf("%s tier=%s source=%s", t.Question, obs.Tier, obs.SourceURI))
		budgetOK := o.spend(st, mon, obs.Cost, obs.Tokens)
		escalated, memErr := o.memorize(cctx, st, obs)
		if memErr != nil {
			// the capture is lost, so the gap stays open for a later cycle
			t.Status = task.StatusFailed
			if err := o.states.Save(ctx, st); err != nil {
				return progressed, true, err
			}
			if !budgetOK {
				return progressed, true, o.completeBudget(ctx, st, nil)
			}
			break
		}
		t.Status = task.StatusDone
		st.OpenGaps = removeGap(st.OpenGaps, t.GapID)
		progressed = true
		if err := o.states.Save(ctx, st); err != nil {
			return progressed, true, err
		}
		if !budgetOK {
			return progressed, true, o.completeBudget(ctx, st, nil)
		}
		if escalated {
			// Hard pause until the conflict is decided through the API;
			// Resume re-plans from the persisted state.
			st.Status = StatusAwaitingHuman
			st.Record("paused", "memory conflict awaiting human resolution")
			o.telemetry.RecordCycle("awaiting_human")
			return progressed, true, o.states.Save(ctx, st)
		}
		break
	}

	o.telemetry.RecordCycle("continue")
	return progressed, false, o.states.Save(ctx, st)
}

// question is what the detector probes: the goal plus any operator feedback
// from revised approvals.
func (o *Orchestrator) question(st *State) string {
	if len(st.Feedback) == 0 {
		return st.Goal
	}
	return st.Goal + "\nOperator guidance: " + strings.Join(st.Feedback, "; ")
}

func (o *Orchestrator) needsApproval(t task.ResearchTask) bool {
	if t.Tier == task.TierInteractive {
		return true
	}
	return o.cfg.AutoApproveCeiling > 0 && t.EstimatedCost > o.cfg.AutoApproveCeiling
}

// seekApproval pauses the run until a human decides. The pause is persisted
// as awaiting_human before blocking, so a restart finds the run paused
// rather than mid-action.
func (o *Orchestrator) seekApproval(ctx context.Context, st *State, t *task.ResearchTask) (bool, error) {
	req := hitl.NewRequest(st.RunID, hitl.KindTaskApproval,
		fmt.Sprintf("execute %s task: %s", t.Tier, t.Question),
		t.EstimatedCost,
		map[string]any{"task_id": t.ID, "tier": t.Tier.String()})
	st.Status = StatusAwaitingHuman
	st.PendingApproval = &req
	st.Record("approval_requested", req.Summary)
	if err := o.states.Save(ctx, st); err != nil {
		return false, err
	}

	d, err := o.approver.RequestApproval(ctx, req)
	st.Status = StatusRunning
	st.PendingApproval = nil
	if err != nil {
		var timeout *hitl.ErrTimeout
		if errors.As(err, &timeout) {
			t.Status = task.StatusFailed
			st.Record("human_timeout", req.Summary)
			return false, o.fail(ctx, st, fmt.Errorf("approval timed out: %s", req.Summary))
		}
		return false, o.fail(ctx, st, fmt.Errorf("awaiting approval: %w", err))
	}

	switch d.Verdict {
	case hitl.VerdictApproved:
		st.Record("approved", req.Summary)
		return true, o.states.Save(ctx, st)
	case hitl.VerdictRevised:
		if d.Feedback != "" {
			st.Feedback = append(st.Feedback, d.Feedback)
		}
		t.Status = task.StatusFailed
		st.Record("revised", d.Feedback)
		return false, o.states.Save(ctx, st)
	default:
		t.Status = task.StatusFailed
		st.Record("rejected", req.Summary)
		return false, o.states.Save(ctx, st)
	}
}

// memorize writes the observation into versioned memory. It reports whether
// an unresolved conflict was escalated to a human.
func (o *Orchestrator) memorize(ctx context.Context, st *State, obs task.Observation) (bool, error) {
	res, err := o.memory.Upsert(ctx, memory.Candidate{
		Content:     obs.Content,
		SourceURI:   obs.SourceURI,
		Topic:       topicFor(st.Goal),
		ContentHash: obs.ContentHash,
		CapturedAt:  obs.CapturedAt,
	})
	if err != nil {
		st.Record("memorize_failed", err.Error())
		o.logger.Printf("run %s: memorize failed: %v", st.RunID, err)
		return false, err
	}
	if res.Conflict != nil {
		o.telemetry.RecordConflict(string(res.Conflict.Resolution))
		if !res.Conflict.Resolved() {
			st.Record("conflict_escalated", obs.SourceURI)
			return true, nil
		}
	}
	st.Record("memorized", fmt.Sprintf("%s (%s)", obs.SourceURI, res.Outcome))
	return false, nil
}

func recordAttempts(st *State, t *task.ResearchTask, attempts []task.Attempt) {
	for _, a := range attempts {
		if a.OK {
			st.Record("task_attempt", fmt.Sprintf("%s tier=%s ok", t.Question, a.Tier))
		} else {
			st.Record("task_attempt", fmt.Sprintf("%s tier=%s failed: %s", t.Question, a.Tier, a.Error))
		}
	}
}

func (o *Orchestrator) spend(st *State, mon *budget.Monitor, cost float64, tokens int64) bool {
	if cost == 0 && tokens == 0 {
		return true
	}
	st.SpentCost += cost
	st.SpentTokens += tokens
	o.telemetry.AddCost(cost, tokens)
	return mon.Spend(cost, tokens) == nil
}

// completeBudget ends the run as completed, not failed: running out of
// budget is a normal outcome of bounded research.
func (o *Orchestrator) completeBudget(ctx context.Context, st *State, err error) error {
	detail := "budget exhausted"
	if err != nil {
		detail = err.Error()
	}
	st.Record("budget_exhausted", detail)
	o.telemetry.RecordCycle("budget_exhausted")
	return o.complete(ctx, st)
}

func (o *Orchestrator) complete(ctx context.Context, st *State) error {
	st.Status = StatusCompleted
	return o.states.Save(ctx, st)
}

func (o *Orchestrator) fail(ctx context.Context, st *State, cause error) error {
	st.Status = StatusFailed
	st.Error = cause.Error()
	st.Record("run_failed", cause.Error())
	o.telemetry.RecordCycle("failed")
	if err := o.states.Save(ctx, st); err != nil {
		o.logger.Printf("run %s: saving failed state: %v", st.RunID, err)
	}
	return cause
}

func removeGap(gaps []gap.Gap, gapID string) []gap.Gap {
	out := gaps[:0]
	for _, g := range gaps {
		if g.ID != gapID {
			out = append(out, g)
		}
	}
	return out
}

// topicFor reduces a goal to a short slug used in memory subject keys.
func topicFor(goal string) string {
	tokens := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	if len(tokens) > 6 {
		tokens = tokens[:6]
	}
	return strings.Join(tokens, "-")
}
