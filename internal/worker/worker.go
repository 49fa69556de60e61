// Package worker defines the contracts for the external collaborators that
// do the actual work: the execution call that produces a task's artifact and
// the validation call that accepts or rejects it. The runner treats both as
// opaque; implementations range from mock probability models to real agents.
package worker

import (
	"context"

	"github.com/planweave/planweave/internal/plan"
)

// ExecRequest carries everything the execution collaborator needs for one
// attempt: the task description, its input/output specs, and the resolved
// input values keyed by each dependency's declared artifact name.
type ExecRequest struct {
	PlanID         string
	TaskID         string
	Description    string
	Input          *plan.InputSpec
	Output         *plan.OutputSpec
	ResolvedInputs map[string]any
}

// ExecResult is the artifact produced by a successful execution call.
type ExecResult struct {
	Artifact map[string]any
}

// Executor is the external execution collaborator.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ValidationRequest carries an artifact and the criteria to check it against.
type ValidationRequest struct {
	PlanID     string
	TaskID     string
	Artifact   map[string]any
	Output     *plan.OutputSpec
	Validation *plan.ValidationSpec
}

// ValidationResult is the validator's verdict. Reasons explain a rejection
// (or document the passed checks) for the UI and logs.
type ValidationResult struct {
	Passed  bool
	Reasons []string
}

// Validator is the external validation collaborator. A returned error means
// the call itself failed; a rejection is Passed=false with a nil error.
type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error)
}
