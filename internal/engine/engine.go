// Package engine is the external surface of the system: it turns finalized
// decomposition trees into persisted execution graphs, activates a plan for
// execution, and runs or inspects the active plan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/events"
	"github.com/planweave/planweave/internal/graph"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/runner"
	"github.com/planweave/planweave/internal/store"
	"github.com/planweave/planweave/internal/worker"
)

// ErrNoActivePlan is returned by Run and Status when no plan is activated.
var ErrNoActivePlan = errors.New("no active plan")

// Engine wires the graph builder, store, event bus, and runner together.
type Engine struct {
	cfg       *config.Config
	store     store.Store
	bus       *events.Bus
	executor  worker.Executor
	validator worker.Validator

	mu     sync.Mutex
	active *runner.Runner
}

// New creates an engine. The executor and validator are shared by every plan
// it activates.
func New(cfg *config.Config, st store.Store, bus *events.Bus, exec worker.Executor, val worker.Validator) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		executor:  exec,
		validator: val,
	}
}

// BuildGraph derives the execution graph from a decomposition tree and
// persists it. Build errors are fatal for the plan; nothing is persisted on
// failure.
func (e *Engine) BuildGraph(ctx context.Context, tree *plan.Tree) (*graph.Graph, error) {
	g, err := graph.Build(tree)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveGraph(ctx, g.PlanID, graphRecord(g)); err != nil {
		return nil, fmt.Errorf("persisting graph for plan %s: %w", g.PlanID, err)
	}
	return g, nil
}

// LoadGraph reassembles a previously persisted execution graph.
func (e *Engine) LoadGraph(ctx context.Context, planID string) (*graph.Graph, error) {
	rec, err := e.store.GetGraph(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("loading graph for plan %s: %w", planID, err)
	}

	tasks := make([]*graph.Task, 0, len(rec.Tasks))
	for _, tr := range rec.Tasks {
		tasks = append(tasks, &graph.Task{
			ID:          tr.TaskID,
			Description: tr.Description,
			Input:       tr.Input,
			Output:      tr.Output,
			Validation:  tr.Validation,
			DependsOn:   tr.Dependencies,
			Stage:       tr.Stage,
		})
	}
	return graph.Restore(rec.PlanID, tasks)
}

// Activate makes a plan the run target. The chain cache starts with every
// task undone and is restored from the persisted snapshot when one exists, so
// a later Run resumes instead of starting over.
func (e *Engine) Activate(ctx context.Context, g *graph.Graph) error {
	cache := runner.NewChainCache(g)
	rec, err := e.store.GetExecution(ctx, g.PlanID)
	switch {
	case err == nil:
		cache.Restore(rec)
	case errors.Is(err, store.ErrNotFound):
		// Fresh plan.
	default:
		return fmt.Errorf("loading execution state for plan %s: %w", g.PlanID, err)
	}

	r := runner.New(e.runnerConfig(), g, cache, e.store, e.bus, e.executor, e.validator)

	e.mu.Lock()
	e.active = r
	e.mu.Unlock()
	return nil
}

// Run starts or resumes the active plan and blocks until it finishes.
func (e *Engine) Run(ctx context.Context) (runner.Result, error) {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r == nil {
		return runner.Result{}, ErrNoActivePlan
	}
	return r.Run(ctx)
}

// ActivePlan returns the activated plan's id, or "" when none is active.
func (e *Engine) ActivePlan() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.Cache().PlanID()
}

// Status returns the per-task status snapshot for a plan. The active plan is
// read live from its chain cache; any other plan from its persisted snapshot.
func (e *Engine) Status(ctx context.Context, planID string) (map[string]runner.Status, error) {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()

	if r != nil && r.Cache().PlanID() == planID {
		return r.Statuses(), nil
	}

	rec, err := e.store.GetExecution(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("loading execution state for plan %s: %w", planID, err)
	}
	out := make(map[string]runner.Status, len(rec.Tasks))
	for _, tr := range rec.Tasks {
		out[tr.TaskID] = runner.Status(tr.Status)
	}
	return out, nil
}

// ClearPlan removes every persisted record of a plan. If the plan is the
// active one it is deactivated first.
func (e *Engine) ClearPlan(ctx context.Context, planID string) error {
	e.mu.Lock()
	if e.active != nil && e.active.Cache().PlanID() == planID {
		e.active = nil
	}
	e.mu.Unlock()

	if err := e.store.DeletePlan(ctx, planID); err != nil {
		return fmt.Errorf("clearing plan %s: %w", planID, err)
	}
	return nil
}

func (e *Engine) runnerConfig() runner.Config {
	rc := runner.Config{}
	if e.cfg.Pools != nil {
		rc.ExecutorSlots = e.cfg.Pools.Executors
		rc.ValidatorSlots = e.cfg.Pools.Validators
	}
	if e.cfg.Execution != nil {
		rc.MaxFailures = e.cfg.Execution.MaxFailures
		rc.CallTimeout = time.Duration(e.cfg.Execution.CallTimeoutSeconds) * time.Second
	}
	return rc
}

func graphRecord(g *graph.Graph) *store.GraphRecord {
	rec := &store.GraphRecord{PlanID: g.PlanID}
	for _, t := range g.Tasks() {
		rec.Tasks = append(rec.Tasks, store.GraphTaskRecord{
			TaskID:       t.ID,
			Description:  t.Description,
			Dependencies: t.DependsOn,
			Stage:        t.Stage,
			Input:        t.Input,
			Output:       t.Output,
			Validation:   t.Validation,
		})
	}
	return rec
}
