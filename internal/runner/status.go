package runner

// Status is a task's position in the execution state machine:
//
//	undone -> doing -> validating -> done
//	                \-> execution-failed  -> undone (retry) | permanently-failed
//	     validating -> validation-failed  -> undone (retry) | permanently-failed
//
// done is terminal; permanently-failed is terminal for the task itself and
// triggers rollback of its dependents.
type Status string

const (
	StatusUndone            Status = "undone"
	StatusDoing             Status = "doing"
	StatusValidating        Status = "validating"
	StatusDone              Status = "done"
	StatusExecutionFailed   Status = "execution-failed"
	StatusValidationFailed  Status = "validation-failed"
	StatusPermanentlyFailed Status = "permanently-failed"
)

// Terminal reports whether no further transitions happen for this status
// short of a rollback reset.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusPermanentlyFailed
}

// Outcome is a run's final result.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Result summarizes a finished run.
type Result struct {
	Outcome   Outcome
	Completed int
	Total     int
}
