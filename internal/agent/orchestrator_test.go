package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/gap"
	"github.com/forager-labs/forager/internal/hitl"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/task"
)

type scriptedDetector struct {
	results []gap.Result
	calls   int
}

func (d *scriptedDetector) Detect(ctx context.Context, goal, question string) (gap.Result, error) {
	i := d.calls
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	d.calls++
	return d.results[i], nil
}

type stubPlanner struct {
	tier task.Tier
	cost float64
}

func (p stubPlanner) Prioritize(ctx context.Context, goal string, gaps []gap.Gap, remaining float64) ([]task.ResearchTask, error) {
	out := make([]task.ResearchTask, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, task.ResearchTask{
			ID:            g.ID + "-task",
			GapID:         g.ID,
			Question:      g.Description,
			EstimatedCost: p.cost,
			Tier:          p.tier,
			TierCeiling:   task.TierInteractive,
			Status:        task.StatusPending,
			GapCreatedAt:  g.CreatedAt,
			CreatedAt:     time.Now().UTC(),
		})
	}
	return out, nil
}

type stubExecutor struct {
	cost     float64
	err      error
	attempts []task.Attempt
	calls    int
}

func (e *stubExecutor) Execute(ctx context.Context, t task.ResearchTask) (task.Observation, error) {
	e.calls++
	if e.err != nil {
		return task.Observation{}, e.err
	}
	return task.Observation{
		TaskID:      t.ID,
		Content:     "observed: " + t.Question,
		SourceURI:   "https://example.com/a",
		ContentHash: "h1",
		CapturedAt:  time.Now().UTC(),
		Tier:        t.Tier,
		Cost:        e.cost,
		Attempts:    e.attempts,
	}, nil
}

type stubMemorizer struct {
	calls  int
	result memory.UpsertResult
	err    error
}

func (m *stubMemorizer) Upsert(ctx context.Context, cand memory.Candidate) (memory.UpsertResult, error) {
	m.calls++
	if m.err != nil {
		return memory.UpsertResult{}, m.err
	}
	return m.result, nil
}

type stubApprover struct {
	verdict  hitl.Verdict
	feedback string
	err      error
	calls    int
}

func (a *stubApprover) RequestApproval(ctx context.Context, req hitl.Request) (hitl.Decision, error) {
	a.calls++
	if a.err != nil {
		return hitl.Decision{}, a.err
	}
	return hitl.Decision{RequestID: req.ID, Verdict: a.verdict, Feedback: a.feedback, DecidedAt: time.Now().UTC()}, nil
}

func testOrchestrateConfig() config.OrchestrateConfig {
	return config.OrchestrateConfig{
		MaxCycles:          5,
		MaterialityFloor:   0.1,
		AutoApproveCeiling: 10,
		NoProgressLimit:    3,
		ApprovalTimeout:    time.Second,
		DefaultBudget:      100,
	}
}

func oneGap(desc string) gap.Result {
	return gap.Result{Gaps: []gap.Gap{gap.New(desc, gap.SourceUncertainty, 0.8)}}
}

func hasEvent(st *State, eventType string) bool {
	for _, e := range st.History {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func newTestOrchestrator(det Detector, planner Planner, exec Executor, mem Memorizer, approver hitl.Approver, cfg config.OrchestrateConfig) (*Orchestrator, *InMemoryStateStore) {
	states := NewInMemoryStateStore()
	o := NewOrchestrator(det, planner, exec, mem, approver, states, cfg, nil, log.New(io.Discard, "", 0))
	return o, states
}

func TestRunCompletesWhenNoGaps(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{{}}}
	o, states := newTestOrchestrator(det, stubPlanner{cost: 1}, &stubExecutor{}, &stubMemorizer{}, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "anything material about alpha?", 50)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	if !hasEvent(st, "goal_satisfied") {
		t.Fatalf("missing goal_satisfied event: %+v", st.History)
	}
	saved, err := states.Load(context.Background(), st.RunID)
	if err != nil || saved.Status != StatusCompleted {
		t.Fatalf("persisted state wrong: %v %+v", err, saved)
	}
}

func TestRunClosesGapThenCompletes(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("when did alpha ship?"), {}}}
	exec := &stubExecutor{cost: 1}
	mem := &stubMemorizer{result: memory.UpsertResult{Outcome: memory.OutcomeAccepted}}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, mem, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	if exec.calls != 1 || mem.calls != 1 {
		t.Fatalf("executor calls = %d, memorizer calls = %d", exec.calls, mem.calls)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].Status != task.StatusDone {
		t.Fatalf("task ledger wrong: %+v", st.Tasks)
	}
	if !hasEvent(st, "memorized") {
		t.Fatalf("missing memorized event: %+v", st.History)
	}
	if len(st.OpenGaps) != 0 {
		t.Fatalf("gap not closed: %+v", st.OpenGaps)
	}
}

func TestBudgetExhaustionCompletesRun(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("q")}}
	exec := &stubExecutor{cost: 50}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, &stubMemorizer{}, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("budget exhaustion must complete, not fail: %s", st.Status)
	}
	if !hasEvent(st, "budget_exhausted") {
		t.Fatalf("missing budget_exhausted event: %+v", st.History)
	}
}

func TestMaxCyclesTerminates(t *testing.T) {
	cfg := testOrchestrateConfig()
	cfg.MaxCycles = 3
	cfg.NoProgressLimit = 0
	det := &scriptedDetector{results: []gap.Result{oneGap("q")}}
	exec := &stubExecutor{err: errors.New("tool down")}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, &stubMemorizer{}, &stubApprover{verdict: hitl.VerdictApproved}, cfg)

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err == nil {
		t.Fatal("exhausting max cycles with open gaps must surface an error")
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	if st.Cycle != 3 {
		t.Fatalf("cycles = %d", st.Cycle)
	}
	if !hasEvent(st, "max_cycles") {
		t.Fatalf("missing max_cycles event: %+v", st.History)
	}
}

func TestNoProgressStallsRun(t *testing.T) {
	cfg := testOrchestrateConfig()
	cfg.NoProgressLimit = 2
	det := &scriptedDetector{results: []gap.Result{oneGap("q")}}
	exec := &stubExecutor{err: errors.New("tool down")}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, &stubMemorizer{}, &stubApprover{verdict: hitl.VerdictApproved}, cfg)

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err == nil {
		t.Fatal("a stalled run must surface an error")
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	if st.Cycle != 2 {
		t.Fatalf("expected stall after 2 cycles, got %d", st.Cycle)
	}
	if !hasEvent(st, "stalled") {
		t.Fatalf("missing stalled event: %+v", st.History)
	}
}

func TestInteractiveTaskGatedOnApproval(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("q"), {}}}
	exec := &stubExecutor{cost: 1}
	approver := &stubApprover{verdict: hitl.VerdictRejected}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1, tier: task.TierInteractive}, exec, &stubMemorizer{}, approver, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if approver.calls != 1 {
		t.Fatalf("approver calls = %d", approver.calls)
	}
	if exec.calls != 0 {
		t.Fatal("rejected task must not execute")
	}
	if !hasEvent(st, "rejected") {
		t.Fatalf("missing rejected event: %+v", st.History)
	}
	if st.Status == StatusFailed {
		t.Fatal("rejection must not fail the run")
	}
}

func TestRevisedVerdictFoldsFeedback(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("q"), {}}}
	approver := &stubApprover{verdict: hitl.VerdictRevised, feedback: "only use the staging env"}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 20}, &stubExecutor{}, &stubMemorizer{}, approver, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 90)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.Feedback) != 1 || st.Feedback[0] != "only use the staging env" {
		t.Fatalf("feedback = %+v", st.Feedback)
	}
	if o.question(st) == st.Goal {
		t.Fatal("feedback should alter the probed question")
	}
}

func TestApprovalTimeoutFailsRun(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("q"), {}}}
	approver := &stubApprover{err: &hitl.ErrTimeout{RequestID: "r", Waited: time.Second}}
	exec := &stubExecutor{cost: 1}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 20}, exec, &stubMemorizer{}, approver, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 90)
	if err == nil {
		t.Fatal("approval timeout must surface an error")
	}
	if exec.calls != 0 {
		t.Fatal("timed-out approval must not execute")
	}
	if !hasEvent(st, "human_timeout") {
		t.Fatalf("missing human_timeout event: %+v", st.History)
	}
	if st.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
	if len(st.OpenGaps) == 0 {
		t.Fatal("gaps must stay persisted for resumption")
	}
}

func TestOneDispatchPerCycle(t *testing.T) {
	twoGaps := gap.Result{Gaps: []gap.Gap{
		gap.New("first question", gap.SourceUncertainty, 0.8),
		gap.New("second question", gap.SourceUncertainty, 0.7),
	}}
	det := &scriptedDetector{results: []gap.Result{twoGaps, {}}}
	exec := &stubExecutor{cost: 1}
	mem := &stubMemorizer{result: memory.UpsertResult{Outcome: memory.OutcomeAccepted}}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, mem, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want exactly one dispatch per cycle", exec.calls)
	}
}

func TestMemorizeFailureKeepsGapOpen(t *testing.T) {
	cfg := testOrchestrateConfig()
	cfg.NoProgressLimit = 1
	det := &scriptedDetector{results: []gap.Result{oneGap("q")}}
	exec := &stubExecutor{cost: 1}
	mem := &stubMemorizer{err: errors.New("store unavailable")}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, mem, &stubApprover{verdict: hitl.VerdictApproved}, cfg)

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err == nil {
		t.Fatal("a run that cannot persist captures must not complete")
	}
	if mem.calls != 1 {
		t.Fatalf("memorizer calls = %d", mem.calls)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].Status != task.StatusFailed {
		t.Fatalf("task must fail when its capture is lost: %+v", st.Tasks)
	}
	if len(st.OpenGaps) != 1 {
		t.Fatalf("gap must stay open: %+v", st.OpenGaps)
	}
	if !hasEvent(st, "memorize_failed") {
		t.Fatalf("missing memorize_failed event: %+v", st.History)
	}
}

func TestEscalationAttemptsRecorded(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("q"), {}}}
	exec := &stubExecutor{cost: 1, attempts: []task.Attempt{
		{Tier: task.TierStructured, Error: "fetch blocked"},
		{Tier: task.TierInteractive, OK: true},
	}}
	mem := &stubMemorizer{result: memory.UpsertResult{Outcome: memory.OutcomeAccepted}}
	o, _ := newTestOrchestrator(det, stubPlanner{cost: 1, tier: task.TierStructured}, exec, mem, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var attempts []string
	for _, e := range st.History {
		if e.Type == "task_attempt" {
			attempts = append(attempts, e.Detail)
		}
	}
	if len(attempts) != 2 {
		t.Fatalf("attempt events = %+v, want both tiers", attempts)
	}
	if !strings.Contains(attempts[0], "failed") || !strings.Contains(attempts[1], "ok") {
		t.Fatalf("attempt detail wrong: %+v", attempts)
	}
}

func TestEscalatedConflictPausesRun(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{oneGap("q"), {}}}
	exec := &stubExecutor{cost: 1}
	mem := &stubMemorizer{result: memory.UpsertResult{
		Outcome:  memory.OutcomeConflict,
		Conflict: &memory.ConflictRecord{ID: "c1", Resolution: memory.ResolutionEscalated},
	}}
	o, states := newTestOrchestrator(det, stubPlanner{cost: 1}, exec, mem, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st, err := o.Run(context.Background(), "track alpha", 50)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Status != StatusAwaitingHuman {
		t.Fatalf("status = %s, want awaiting_human", st.Status)
	}
	if !hasEvent(st, "conflict_escalated") {
		t.Fatalf("missing conflict_escalated event: %+v", st.History)
	}
	saved, err := states.Load(context.Background(), st.RunID)
	if err != nil || saved.Status != StatusAwaitingHuman {
		t.Fatalf("pause not persisted: %v %+v", err, saved)
	}
}

func TestResumeContinuesPausedRun(t *testing.T) {
	det := &scriptedDetector{results: []gap.Result{{}}}
	o, states := newTestOrchestrator(det, stubPlanner{cost: 1}, &stubExecutor{}, &stubMemorizer{}, &stubApprover{verdict: hitl.VerdictApproved}, testOrchestrateConfig())

	st := NewState("track alpha", 50)
	st.Status = StatusAwaitingHuman
	st.SpentCost = 5
	if err := states.Save(context.Background(), st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resumed, err := o.Resume(context.Background(), st.RunID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("status = %s", resumed.Status)
	}
	if !hasEvent(resumed, "run_resumed") {
		t.Fatalf("missing run_resumed event: %+v", resumed.History)
	}
	if resumed.SpentCost != 5 {
		t.Fatalf("spend not carried over: %f", resumed.SpentCost)
	}
}
