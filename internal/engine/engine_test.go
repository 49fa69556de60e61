package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/events"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/runner"
	"github.com/planweave/planweave/internal/store"
	"github.com/planweave/planweave/internal/worker"
)

type passExecutor struct{}

func (passExecutor) Execute(ctx context.Context, req worker.ExecRequest) (worker.ExecResult, error) {
	return worker.ExecResult{Artifact: map[string]any{"content": "output for " + req.TaskID}}, nil
}

type passValidator struct{}

func (passValidator) Validate(ctx context.Context, req worker.ValidationRequest) (worker.ValidationResult, error) {
	return worker.ValidationResult{Passed: true}, nil
}

func testTree(t *testing.T) *plan.Tree {
	t.Helper()
	nodes := []*plan.Node{
		{ID: "1", Atomic: true, Output: &plan.OutputSpec{Artifact: "out_1"}},
		{ID: "2", Atomic: true, Output: &plan.OutputSpec{Artifact: "out_2"}},
		{ID: "3", Atomic: true, Dependencies: []string{"1", "2"}, Output: &plan.OutputSpec{Artifact: "out_3"}},
	}
	tree, err := plan.NewTree("engine-plan", nodes)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(config.DefaultConfig(), st, bus, passExecutor{}, passValidator{}), st
}

func TestEngineBuildGraphPersists(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	g, err := e.BuildGraph(ctx, testTree(t))
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Len() != 3 {
		t.Errorf("graph has %d tasks, want 3", g.Len())
	}

	rec, err := st.GetGraph(ctx, g.PlanID)
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	if len(rec.Tasks) != 3 {
		t.Errorf("persisted graph has %d tasks, want 3", len(rec.Tasks))
	}
}

func TestEngineBuildGraphRejectsCycle(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	nodes := []*plan.Node{
		{ID: "1", Atomic: true, Dependencies: []string{"2"}},
		{ID: "2", Atomic: true, Dependencies: []string{"1"}},
	}
	tree, err := plan.NewTree("cyclic-plan", nodes)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	if _, err := e.BuildGraph(ctx, tree); err == nil {
		t.Fatal("BuildGraph accepted a cyclic plan")
	}
	// Nothing persisted for a failed build.
	if _, err := st.GetGraph(ctx, "cyclic-plan"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetGraph after failed build: err = %v, want ErrNotFound", err)
	}
}

func TestEngineRunWithoutActivePlan(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Run(context.Background()); !errors.Is(err, ErrNoActivePlan) {
		t.Errorf("Run error = %v, want ErrNoActivePlan", err)
	}
}

func TestEngineActivateAndRun(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	g, err := e.BuildGraph(ctx, testTree(t))
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if err := e.Activate(ctx, g); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := e.ActivePlan(); got != g.PlanID {
		t.Errorf("ActivePlan = %q, want %q", got, g.PlanID)
	}

	result, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != runner.OutcomeSucceeded || result.Completed != 3 {
		t.Errorf("result = %+v, want succeeded 3/3", result)
	}

	statuses, err := e.Status(ctx, g.PlanID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for id, s := range statuses {
		if s != runner.StatusDone {
			t.Errorf("task %s status = %v, want done", id, s)
		}
	}
}

func TestEngineLoadGraphAndResume(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	built, err := e.BuildGraph(ctx, testTree(t))
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if err := e.Activate(ctx, built); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Reload the persisted graph and reactivate, as a fresh process would.
	loaded, err := e.LoadGraph(ctx, built.PlanID)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if loaded.Len() != built.Len() {
		t.Fatalf("loaded graph has %d tasks, want %d", loaded.Len(), built.Len())
	}
	if err := e.Activate(ctx, loaded); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	result, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Everything was already done; the resumed run completes immediately.
	if result.Outcome != runner.OutcomeSucceeded || result.Completed != 3 {
		t.Errorf("resumed result = %+v, want succeeded 3/3", result)
	}
}

func TestEngineClearPlan(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	g, err := e.BuildGraph(ctx, testTree(t))
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if err := e.Activate(ctx, g); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := e.ClearPlan(ctx, g.PlanID); err != nil {
		t.Fatalf("ClearPlan: %v", err)
	}

	if _, err := st.GetGraph(ctx, g.PlanID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetGraph after clear: err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetExecution(ctx, g.PlanID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetExecution after clear: err = %v, want ErrNotFound", err)
	}

	// Clearing the active plan deactivates it.
	if got := e.ActivePlan(); got != "" {
		t.Errorf("ActivePlan after clear = %q, want empty", got)
	}
	if _, err := e.Run(ctx); !errors.Is(err, ErrNoActivePlan) {
		t.Errorf("Run after clear: err = %v, want ErrNoActivePlan", err)
	}
}

func TestEngineStatusOfInactivePlan(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.SaveExecution(ctx, "other-plan", &store.ExecutionRecord{Tasks: []store.TaskRecord{
		{TaskID: "1", Status: "done"},
		{TaskID: "2", Status: "undone"},
	}}); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	statuses, err := e.Status(ctx, "other-plan")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if statuses["1"] != runner.StatusDone || statuses["2"] != runner.StatusUndone {
		t.Errorf("statuses = %v", statuses)
	}
}
