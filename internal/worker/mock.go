package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// MockExecutor simulates the execution collaborator: it succeeds with a fixed
// probability and produces a placeholder artifact. Used in mock mode and in
// tests; pass probability 1.0 makes it deterministic.
type MockExecutor struct {
	mu              sync.Mutex
	rng             *rand.Rand
	passProbability float64
}

// NewMockExecutor creates a mock executor with the given pass probability.
// A seed of 0 seeds the generator from a fixed default; tests pass their own
// seed for reproducibility.
func NewMockExecutor(passProbability float64, seed int64) *MockExecutor {
	if seed == 0 {
		seed = 1
	}
	return &MockExecutor{
		rng:             rand.New(rand.NewSource(seed)),
		passProbability: passProbability,
	}
}

// Execute returns a placeholder artifact or a simulated execution error.
func (m *MockExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}

	m.mu.Lock()
	pass := m.rng.Float64() < m.passProbability
	m.mu.Unlock()

	if !pass {
		return ExecResult{}, fmt.Errorf("mock execution failed for task %s", req.TaskID)
	}

	return ExecResult{Artifact: map[string]any{
		"content": fmt.Sprintf("mock output for task %s: %s", req.TaskID, req.Description),
	}}, nil
}

// MockValidator simulates the validation collaborator with a fixed pass
// probability.
type MockValidator struct {
	mu              sync.Mutex
	rng             *rand.Rand
	passProbability float64
}

// NewMockValidator creates a mock validator with the given pass probability.
func NewMockValidator(passProbability float64, seed int64) *MockValidator {
	if seed == 0 {
		seed = 1
	}
	return &MockValidator{
		rng:             rand.New(rand.NewSource(seed)),
		passProbability: passProbability,
	}
}

// Validate passes or fails at random, reporting the verdict in Reasons.
func (m *MockValidator) Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return ValidationResult{}, err
	}

	m.mu.Lock()
	pass := m.rng.Float64() < m.passProbability
	m.mu.Unlock()

	verdict := "PASS"
	if !pass {
		verdict = "FAIL"
	}
	return ValidationResult{
		Passed: pass,
		Reasons: []string{
			fmt.Sprintf("mock validation of task %s: %s", req.TaskID, verdict),
		},
	}, nil
}
