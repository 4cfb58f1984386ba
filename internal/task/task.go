package task

import "time"

// Tier is an execution strategy for a research action, ordered by cost and
// risk.
type Tier int

const (
	// TierLookup answers simple fact lookups through a search API.
	TierLookup Tier = iota
	// TierStructured fetches a known-shape resource over plain HTTP.
	TierStructured
	// TierInteractive drives a headless browser; the most expensive and
	// most failure-prone tier, gated by a stricter per-run quota.
	TierInteractive
)

func (t Tier) String() string {
	switch t {
	case TierLookup:
		return "lookup"
	case TierStructured:
		return "structured"
	case TierInteractive:
		return "interactive"
	default:
		return "unknown"
	}
}

// Status tracks a research task through its life. A task is immutable once
// done.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDeferred Status = "deferred" // estimated cost exceeds remaining budget; kept, not discarded
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// ResearchTask is an actionable unit of research derived from a knowledge
// gap. GapID is a back-reference, not ownership.
type ResearchTask struct {
	ID               string    `json:"id"`
	GapID            string    `json:"gap_id"`
	Question         string    `json:"question"`
	SourceURI        string    `json:"source_uri,omitempty"` // set when the gap names a specific resource
	EstimatedCost    float64   `json:"estimated_cost"`
	EstimatedBenefit float64   `json:"estimated_benefit"`
	Priority         float64   `json:"priority_score"`
	Tier             Tier      `json:"tier"`
	TierCeiling      Tier      `json:"tier_ceiling"`
	Status           Status    `json:"status"`
	GapCreatedAt     time.Time `json:"gap_created_at"` // FIFO tie-break on equal priority
	CreatedAt        time.Time `json:"created_at"`
}

// Attempt records one tier execution within a dispatch, kept so run history
// shows escalations and not just the final outcome.
type Attempt struct {
	Tier  Tier   `json:"tier"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Observation is the normalized result of executing a research task.
type Observation struct {
	TaskID      string    `json:"task_id"`
	Content     string    `json:"content"`
	SourceURI   string    `json:"source_uri"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
	Tier        Tier      `json:"tier"`
	Cost        float64   `json:"cost"`
	Tokens      int64     `json:"tokens"`
	Attempts    []Attempt `json:"attempts,omitempty"`
}
