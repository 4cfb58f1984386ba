package budget

import "fmt"

// ErrExceeded is returned when usage surpasses configured limits. Per the
// control-loop contract this terminates a run as completed-with-open-gaps,
// not failed.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s", e.Kind, e.Usage)
}

// ErrApprovalRequired indicates that a task needs a human decision before it
// may be dispatched.
type ErrApprovalRequired struct {
	TaskID        string
	EstimatedCost float64
	Ceiling       float64
}

func (e ErrApprovalRequired) Error() string {
	return fmt.Sprintf("task %s: estimated cost $%.4f exceeds auto-approve ceiling $%.4f", e.TaskID, e.EstimatedCost, e.Ceiling)
}
