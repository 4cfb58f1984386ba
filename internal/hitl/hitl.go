package hitl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes why a human is being interrupted.
type Kind string

const (
	KindTaskApproval       Kind = "task_approval"       // spend above the auto-approve ceiling or a Tier-2 action
	KindConflictResolution Kind = "conflict_resolution" // memory conflict escalated past auto-resolution
)

// Verdict is the human's answer to an approval request.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	// VerdictRevised rejects the proposed action but supplies feedback the
	// agent folds into the next cycle.
	VerdictRevised Verdict = "revised"
)

// Request is one pending question for a human operator.
type Request struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	Kind          Kind           `json:"kind"`
	Summary       string         `json:"summary"`
	EstimatedCost float64        `json:"estimated_cost,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Decision resolves a request.
type Decision struct {
	RequestID string    `json:"request_id"`
	Verdict   Verdict   `json:"verdict"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ErrTimeout reports that no human answered inside the approval window. The
// orchestrator fails the run on timeout so an unattended run never hangs on
// a question nobody will answer.
type ErrTimeout struct {
	RequestID string
	Waited    time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("approval request %s unanswered after %s", e.RequestID, e.Waited)
}

// Approver blocks until a human (or policy) decides the request.
type Approver interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// NewRequest fills in id and timestamp.
func NewRequest(runID string, kind Kind, summary string, cost float64, detail map[string]any) Request {
	return Request{
		ID:            uuid.New().String(),
		RunID:         runID,
		Kind:          kind,
		Summary:       summary,
		EstimatedCost: cost,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
}
