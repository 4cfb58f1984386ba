package gap

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies which analyzer emitted a gap.
type Source string

const (
	SourceUncertainty Source = "uncertainty"
	SourceProbing     Source = "probing"
	SourceHeuristic   Source = "heuristic"
)

// Gap is a detected hole in the agent's current knowledge. ConfidenceDeficit
// is in [0,1]; higher means closing the gap matters more.
type Gap struct {
	ID                string    `json:"id"`
	Description       string    `json:"description"`
	Source            Source    `json:"source"`
	ConfidenceDeficit float64   `json:"confidence_deficit"`
	ContextRefs       []string  `json:"context_refs,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// New builds a gap with a fresh id and clamped deficit.
func New(description string, source Source, deficit float64, refs ...string) Gap {
	if deficit < 0 {
		deficit = 0
	}
	if deficit > 1 {
		deficit = 1
	}
	return Gap{
		ID:                uuid.New().String(),
		Description:       description,
		Source:            source,
		ConfidenceDeficit: deficit,
		ContextRefs:       refs,
		CreatedAt:         time.Now().UTC(),
	}
}
