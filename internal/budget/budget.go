package budget

import "fmt"

// Config defines spending guardrails for a single orchestration run.
type Config struct {
	MaxCost            *float64
	MaxTokens          *int64
	MaxTimeSeconds     *int64
	AutoApproveCeiling *float64 // per-task cost above this requires human approval
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	if c.AutoApproveCeiling != nil {
		if *c.AutoApproveCeiling < 0 {
			return fmt.Errorf("auto_approve_ceiling cannot be negative")
		}
		if c.MaxCost != nil && *c.AutoApproveCeiling > *c.MaxCost {
			return fmt.Errorf("auto_approve_ceiling cannot exceed max_cost")
		}
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{}
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	if c.AutoApproveCeiling != nil {
		v := *c.AutoApproveCeiling
		clone.AutoApproveCeiling = &v
	}
	return clone
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	return c.MaxCost == nil && c.MaxTokens == nil && c.MaxTimeSeconds == nil && c.AutoApproveCeiling == nil
}

// RequiresApproval reports whether a task at the given estimated cost needs a
// human decision before dispatch.
func RequiresApproval(cfg Config, estimatedCost float64) bool {
	return cfg.AutoApproveCeiling != nil && estimatedCost > *cfg.AutoApproveCeiling
}

// FromMax builds a config with only a cost ceiling, the common CLI case.
func FromMax(maxCost float64) Config {
	return Config{MaxCost: &maxCost}
}
