package budget

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Monitor tracks actual usage against configured limits during a run.
type Monitor struct {
	config     Config
	costUsed   float64
	tokensUsed int64
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
	}
}

// Spend records incremental cost and tokens, returning ErrExceeded if any
// limit is breached.
func (m *Monitor) Spend(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	if m.config.MaxCost != nil && m.costUsed > *m.config.MaxCost {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.config.MaxCost),
		}
	}
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// CanAfford reports whether a task with the given estimated cost fits inside
// what remains of the cost ceiling. With no ceiling everything is affordable.
func (m *Monitor) CanAfford(estimatedCost float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxCost == nil {
		return true
	}
	return m.costUsed+estimatedCost <= *m.config.MaxCost
}

// Remaining returns the unspent portion of the cost ceiling. Without a
// ceiling it reports +Inf so callers can treat it as unbounded.
func (m *Monitor) Remaining() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxCost == nil {
		return math.Inf(1)
	}
	r := *m.config.MaxCost - m.costUsed
	if r < 0 {
		return 0
	}
	return r
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, time.Since(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
