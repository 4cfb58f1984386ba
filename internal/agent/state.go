package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forager-labs/forager/internal/gap"
	"github.com/forager-labs/forager/internal/hitl"
	"github.com/forager-labs/forager/internal/task"
)

// Status is the run lifecycle. awaiting_human is a hard pause: nothing
// executes until the pending request resolves, and the pause survives a
// process restart through the state store.
type Status string

const (
	StatusRunning       Status = "running"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Event is one entry in the run's append-only history.
type Event struct {
	Cycle  int       `json:"cycle"`
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// State is the full persisted condition of one research run. It is saved
// after every transition so a crashed or paused run can resume where it
// stopped.
type State struct {
	RunID           string              `json:"run_id"`
	Goal            string              `json:"goal"`
	Status          Status              `json:"status"`
	Cycle           int                 `json:"cycle"`
	OpenGaps        []gap.Gap           `json:"open_gaps,omitempty"`
	Tasks           []task.ResearchTask `json:"tasks,omitempty"`
	History         []Event             `json:"history,omitempty"`
	BudgetLimit     float64             `json:"budget_limit"`
	SpentCost       float64             `json:"spent_cost"`
	SpentTokens     int64               `json:"spent_tokens"`
	PendingApproval *hitl.Request       `json:"pending_approval,omitempty"`
	Feedback        []string            `json:"feedback,omitempty"` // operator revisions folded into later cycles
	Error           string              `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewState starts a run in the running status.
func NewState(goal string, budgetLimit float64) *State {
	now := time.Now().UTC()
	return &State{
		RunID:       uuid.New().String(),
		Goal:        goal,
		Status:      StatusRunning,
		BudgetLimit: budgetLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Record appends a history event.
func (s *State) Record(eventType, detail string) {
	s.History = append(s.History, Event{
		Cycle:  s.Cycle,
		Type:   eventType,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// BudgetRemaining is what is left to spend, never negative.
func (s *State) BudgetRemaining() float64 {
	r := s.BudgetLimit - s.SpentCost
	if r < 0 {
		return 0
	}
	return r
}

// Terminal reports whether the run can make no further transitions.
func (s *State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// StateStore persists run state. Save is called after every transition;
// implementations must store a consistent snapshot.
type StateStore interface {
	Save(ctx context.Context, st *State) error
	Load(ctx context.Context, runID string) (*State, error)
	List(ctx context.Context, limit int) ([]*State, error)
}

// InMemoryStateStore keeps runs in a map. Used by ephemeral CLI runs and
// tests; the server uses the Postgres store.
type InMemoryStateStore struct {
	mu   sync.RWMutex
	runs map[string]State
}

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{runs: make(map[string]State)}
}

func (s *InMemoryStateStore) Save(ctx context.Context, st *State) error {
	st.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.runs[st.RunID] = *st
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStateStore) Load(ctx context.Context, runID string) (*State, error) {
	s.mu.RLock()
	st, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return &st, nil
}

func (s *InMemoryStateStore) List(ctx context.Context, limit int) ([]*State, error) {
	s.mu.RLock()
	out := make([]*State, 0, len(s.runs))
	for _, st := range s.runs {
		st := st
		out = append(out, &st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
