// Package store persists plans, execution graphs, chain-cache snapshots, and
// task artifacts, keyed by plan id then task id. Two implementations: a
// file-backed JSON store matching the on-disk layout consumed by external
// tooling, and a SQLite store for durable queryable history.
package store

import (
	"context"
	"errors"

	"github.com/planweave/planweave/internal/plan"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TaskRecord is one task's entry in a persisted chain-cache snapshot.
type TaskRecord struct {
	TaskID       string   `json:"task_id"`
	Dependencies []string `json:"dependencies"`
	Status       string   `json:"status"`
	FailureCount int      `json:"failure_count"`
	Stage        int      `json:"stage"`
}

// ExecutionRecord is a full chain-cache snapshot for one plan.
type ExecutionRecord struct {
	Tasks []TaskRecord `json:"tasks"`
}

// GraphTaskRecord is one atomic task of a persisted execution graph.
type GraphTaskRecord struct {
	TaskID       string               `json:"task_id"`
	Description  string               `json:"description,omitempty"`
	Dependencies []string             `json:"dependencies"`
	Stage        int                  `json:"stage"`
	Input        *plan.InputSpec      `json:"input,omitempty"`
	Output       *plan.OutputSpec     `json:"output,omitempty"`
	Validation   *plan.ValidationSpec `json:"validation,omitempty"`
}

// GraphRecord is a persisted execution graph.
type GraphRecord struct {
	PlanID string            `json:"plan_id"`
	Tasks  []GraphTaskRecord `json:"tasks"`
}

// Store is the persistence interface shared by the engine and the runner.
// Implementations must make writes atomic: a failed write never corrupts a
// previously durable record.
type Store interface {
	// Execution graph
	SaveGraph(ctx context.Context, planID string, g *GraphRecord) error
	GetGraph(ctx context.Context, planID string) (*GraphRecord, error)

	// Chain-cache snapshots
	SaveExecution(ctx context.Context, planID string, exec *ExecutionRecord) error
	GetExecution(ctx context.Context, planID string) (*ExecutionRecord, error)

	// Task artifacts
	SaveArtifact(ctx context.Context, planID, taskID string, artifact map[string]any) error
	GetArtifact(ctx context.Context, planID, taskID string) (map[string]any, error)
	DeleteArtifact(ctx context.Context, planID, taskID string) error

	// DeletePlan removes every record belonging to a plan.
	DeletePlan(ctx context.Context, planID string) error

	Close() error
}
