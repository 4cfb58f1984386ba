package hitl

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// PendingApprover parks requests in memory until something (normally the
// HTTP API) resolves them. Each request gets its own channel so concurrent
// runs can wait independently.
type PendingApprover struct {
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	pending map[string]pendingRequest
}

type pendingRequest struct {
	req  Request
	done chan Decision
}

func NewPendingApprover(timeout time.Duration, logger *log.Logger) *PendingApprover {
	if logger == nil {
		logger = log.New(log.Writer(), "[HITL] ", log.LstdFlags)
	}
	return &PendingApprover{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]pendingRequest),
	}
}

// RequestApproval blocks until the request is resolved, the window elapses,
// or the context is canceled.
func (p *PendingApprover) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	done := make(chan Decision, 1)
	p.mu.Lock()
	p.pending[req.ID] = pendingRequest{req: req, done: done}
	p.mu.Unlock()
	p.logger.Printf("approval requested: %s (%s) %s", req.ID, req.Kind, req.Summary)

	defer func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case d := <-done:
		return d, nil
	case <-timer.C:
		return Decision{}, &ErrTimeout{RequestID: req.ID, Waited: p.timeout}
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision to a waiting request.
func (p *PendingApprover) Resolve(d Decision) error {
	p.mu.Lock()
	pr, ok := p.pending[d.RequestID]
	if ok {
		delete(p.pending, d.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval %s", d.RequestID)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	pr.done <- d
	return nil
}

// Pending lists requests still waiting on a decision.
func (p *PendingApprover) Pending() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, 0, len(p.pending))
	for _, pr := range p.pending {
		out = append(out, pr.req)
	}
	return out
}

// AutoApprover approves everything below its ceiling and rejects the rest.
// Used by ephemeral CLI runs where no operator is attached.
type AutoApprover struct {
	Ceiling float64
}

func (a AutoApprover) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	verdict := VerdictApproved
	if a.Ceiling > 0 && req.EstimatedCost > a.Ceiling {
		verdict = VerdictRejected
	}
	return Decision{
		RequestID: req.ID,
		Verdict:   verdict,
		DecidedBy: "auto",
		DecidedAt: time.Now().UTC(),
	}, nil
}
