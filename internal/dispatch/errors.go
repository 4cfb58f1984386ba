package dispatch

import (
	"fmt"

	"github.com/forager-labs/forager/internal/task"
)

// ToolExecutionError is the terminal failure of a research task: the
// selected tier failed and the single one-tier escalation either failed too
// or was not possible.
type ToolExecutionError struct {
	TaskID    string
	Tier      task.Tier // tier originally selected
	FinalTier task.Tier // tier of the last attempt
	Attempts  []task.Attempt
	Err       error
}

func (e *ToolExecutionError) Error() string {
	if e.Tier == e.FinalTier {
		return fmt.Sprintf("task %s failed at tier %s: %v", e.TaskID, e.Tier, e.Err)
	}
	return fmt.Sprintf("task %s failed at tier %s after escalating from %s: %v",
		e.TaskID, e.FinalTier, e.Tier, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// QuotaExceededError marks a tier whose per-run attempt cap is spent.
type QuotaExceededError struct {
	Tier  task.Tier
	Quota int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tier %s quota of %d attempts exhausted", e.Tier, e.Quota)
}
