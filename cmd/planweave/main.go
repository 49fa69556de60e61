// Command planweave builds execution graphs from decomposed task plans and
// runs them to completion.
//
// Usage:
//
//	planweave build <plan.json>      build and persist the execution graph
//	planweave run <plan.json>        build, activate, and execute a plan
//	planweave resume <plan-id>       resume a previously started plan
//	planweave status <plan-id>       print per-task statuses
//	planweave clear <plan-id>        remove every persisted record of a plan
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/engine"
	"github.com/planweave/planweave/internal/events"
	"github.com/planweave/planweave/internal/graph"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/runner"
	"github.com/planweave/planweave/internal/store"
	"github.com/planweave/planweave/internal/worker"
)

// errRunFailed marks a run that finished with permanently failed tasks, as
// opposed to a run the tool could not perform at all.
var errRunFailed = errors.New("run finished with failures")

func main() {
	// Deferred cleanup lives in run; os.Exit here would skip it.
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 3 {
		usage()
		return 2
	}

	// Signal-aware context for graceful shutdown. Interrupted runs persist
	// their state and can be resumed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	eng := engine.New(cfg, st, bus, buildExecutor(cfg), buildValidator(cfg))

	command, arg := os.Args[1], os.Args[2]
	switch command {
	case "build":
		err = runBuild(ctx, eng, arg)
	case "run":
		err = runPlan(ctx, eng, bus, arg)
	case "resume":
		err = resumePlan(ctx, eng, bus, arg)
	case "status":
		err = printStatus(ctx, eng, arg)
	case "clear":
		err = clearPlan(ctx, eng, arg)
	default:
		usage()
		return 2
	}
	switch {
	case errors.Is(err, errRunFailed):
		// Outcome already reported by execute.
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: planweave <build|run|resume|status|clear> <plan.json|plan-id>")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Storage != nil && cfg.Storage.Backend == "sqlite" {
		return store.NewSQLiteStore(ctx, cfg.Storage.Path)
	}
	path := ".planweave/state"
	if cfg.Storage != nil && cfg.Storage.Path != "" {
		path = cfg.Storage.Path
	}
	return store.NewFileStore(path)
}

func buildExecutor(cfg *config.Config) worker.Executor {
	pass, seed := config.DefaultPassProbability, int64(0)
	if cfg.Mock != nil {
		pass, seed = cfg.Mock.ExecutorPassProbability, cfg.Mock.Seed
	}
	breakers := worker.NewBreakerRegistry()
	return worker.NewResilientExecutor(
		worker.NewMockExecutor(pass, seed),
		breakers.Get("executor"),
		worker.DefaultRetryConfig(),
	)
}

func buildValidator(cfg *config.Config) worker.Validator {
	// The criteria-driven validator is the default; the probabilistic mock
	// must be opted into.
	if cfg.Validation != nil && cfg.Validation.Strategy == "mock" {
		pass, seed := config.DefaultPassProbability, int64(0)
		if cfg.Mock != nil {
			pass, seed = cfg.Mock.ValidatorPassProbability, cfg.Mock.Seed
		}
		return worker.NewMockValidator(pass, seed)
	}
	return worker.NewSpecValidator()
}

func runBuild(ctx context.Context, eng *engine.Engine, path string) error {
	g, err := buildFromFile(ctx, eng, path)
	if err != nil {
		return err
	}
	fmt.Printf("plan %s: %d tasks in %d stages\n", g.PlanID, g.Len(), len(g.Stages()))
	for stage, ids := range g.Stages() {
		fmt.Printf("  stage %d: %v\n", stage, ids)
	}
	return nil
}

func runPlan(ctx context.Context, eng *engine.Engine, bus *events.Bus, path string) error {
	g, err := buildFromFile(ctx, eng, path)
	if err != nil {
		return err
	}
	return execute(ctx, eng, bus, g)
}

func resumePlan(ctx context.Context, eng *engine.Engine, bus *events.Bus, planID string) error {
	g, err := eng.LoadGraph(ctx, planID)
	if err != nil {
		return err
	}
	return execute(ctx, eng, bus, g)
}

func buildFromFile(ctx context.Context, eng *engine.Engine, path string) (*graph.Graph, error) {
	tree, err := plan.Load(plan.NewPlanID(), path)
	if err != nil {
		return nil, err
	}
	return eng.BuildGraph(ctx, tree)
}

func execute(ctx context.Context, eng *engine.Engine, bus *events.Bus, g *graph.Graph) error {
	if err := eng.Activate(ctx, g); err != nil {
		return err
	}

	// Stream transition events to the log while the run is in progress.
	taskEvents := bus.Subscribe(events.TopicTask, 0)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		for ev := range taskEvents {
			if te, ok := ev.(events.TaskTransitionEvent); ok {
				log.Printf("task %s: %s -> %s", te.TaskID, te.OldStatus, te.NewStatus)
			}
		}
	}()

	result, err := eng.Run(ctx)
	bus.Close()
	<-logDone
	if err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}

	fmt.Printf("plan %s %s: %d/%d tasks done\n", g.PlanID, result.Outcome, result.Completed, result.Total)
	if result.Outcome != runner.OutcomeSucceeded {
		return errRunFailed
	}
	return nil
}

func clearPlan(ctx context.Context, eng *engine.Engine, planID string) error {
	if err := eng.ClearPlan(ctx, planID); err != nil {
		return err
	}
	fmt.Printf("plan %s cleared\n", planID)
	return nil
}

func printStatus(ctx context.Context, eng *engine.Engine, planID string) error {
	statuses, err := eng.Status(ctx, planID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return plan.CompareIDs(ids[i], ids[j]) < 0 })

	for _, id := range ids {
		fmt.Printf("%-12s %s\n", id, statuses[id])
	}
	return nil
}
