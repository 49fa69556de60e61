// Package runner drives an execution graph to completion: it owns the chain
// cache, schedules ready tasks onto the executor and validator pools, applies
// the retry and rollback policy, and emits a notification for every status
// transition.
package runner

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/planweave/planweave/internal/events"
	"github.com/planweave/planweave/internal/graph"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/pool"
	"github.com/planweave/planweave/internal/store"
	"github.com/planweave/planweave/internal/worker"
)

// ErrAlreadyRunning is returned when Run is called while a run is active.
var ErrAlreadyRunning = errors.New("execution is already running")

// Config holds the runner's tunables.
type Config struct {
	MaxFailures    int           // retry ceiling per task (default 3)
	ExecutorSlots  int           // executor pool capacity (default 7)
	ValidatorSlots int           // validator pool capacity (default 5)
	CallTimeout    time.Duration // per external call; 0 disables
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ExecutorSlots <= 0 {
		c.ExecutorSlots = 7
	}
	if c.ValidatorSlots <= 0 {
		c.ValidatorSlots = 5
	}
	return c
}

// Runner executes one plan's graph. Create a fresh Runner per plan; the chain
// cache it owns is not shared across runs of different plans.
type Runner struct {
	cfg        Config
	graph      *graph.Graph
	cache      *ChainCache
	store      store.Store
	bus        *events.Bus
	resolver   *ArtifactResolver
	executor   worker.Executor
	validator  worker.Validator
	executors  *pool.Pool
	validators *pool.Pool

	persistMu sync.Mutex // serializes chain-cache snapshot writes

	mu       sync.Mutex
	running  bool
	waiting  map[string]int  // task id -> unfinished dependency count
	ready    []string        // dispatchable task ids, sorted on dispatch
	inflight map[string]bool // task ids with an active attempt
	discard  map[string]bool // in-flight tasks rolled back mid-attempt
}

// New creates a Runner for one graph. The cache should come from
// NewChainCache, optionally Restored from a persisted snapshot.
func New(cfg Config, g *graph.Graph, cache *ChainCache, st store.Store, bus *events.Bus, exec worker.Executor, val worker.Validator) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:        cfg,
		graph:      g,
		cache:      cache,
		store:      st,
		bus:        bus,
		resolver:   NewArtifactResolver(st, g, cache),
		executor:   exec,
		validator:  val,
		executors:  pool.New(pool.RoleExecutor, cfg.ExecutorSlots),
		validators: pool.New(pool.RoleValidator, cfg.ValidatorSlots),
	}
}

// Cache exposes the chain cache for status queries.
func (r *Runner) Cache() *ChainCache {
	return r.cache
}

type attemptKind int

const (
	attemptSucceeded attemptKind = iota
	attemptExecFailed
	attemptValidationFailed
	attemptAborted
)

type attemptResult struct {
	taskID string
	kind   attemptKind
}

// Run executes the graph until every task is terminal or no further progress
// is possible. It is resumable: tasks already done in the chain cache are
// never re-executed. Returns the run result, or the context error if the run
// was cancelled.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	resumed := r.initState()
	r.persist(ctx)

	total := r.cache.Len()
	r.bus.Publish(events.TopicRun, events.RunStartedEvent{
		Plan:      r.graph.PlanID,
		Total:     total,
		Resumed:   resumed,
		Timestamp: time.Now(),
	})

	// Buffered so attempts never block reporting, even during shutdown.
	results := make(chan attemptResult, total)
	wake := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)

	for {
		r.dispatch(gctx, g, results, wake)

		r.mu.Lock()
		inflight := len(r.inflight)
		pending := len(r.ready)
		r.mu.Unlock()

		if inflight == 0 && pending == 0 {
			break
		}

		// Ready tasks with nothing in flight still mean a slot release (and
		// its wake signal) is pending from a finished attempt's cleanup.
		select {
		case res := <-results:
			r.handle(ctx, res)
		case <-wake:
		case <-gctx.Done():
		}

		if gctx.Err() != nil {
			// Let in-flight attempts observe cancellation and finish.
			_ = g.Wait()
			for {
				select {
				case res := <-results:
					r.handle(context.Background(), res)
					continue
				default:
				}
				break
			}
			r.persist(context.Background())
			return Result{}, gctx.Err()
		}
	}

	_ = g.Wait()

	completed := r.cache.CountStatus(StatusDone)
	outcome := OutcomeFailed
	if completed == total {
		outcome = OutcomeSucceeded
	}
	result := Result{Outcome: outcome, Completed: completed, Total: total}

	r.bus.Publish(events.TopicRun, events.RunFinishedEvent{
		Plan:      r.graph.PlanID,
		Result:    string(outcome),
		Completed: completed,
		Total:     total,
		Timestamp: time.Now(),
	})
	return result, nil
}

// initState derives the waiting counters and initial ready set from the
// chain cache. Returns the number of tasks already done (resume case).
func (r *Runner) initState() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting = make(map[string]int, r.cache.Len())
	r.ready = nil
	r.inflight = make(map[string]bool)
	r.discard = make(map[string]bool)

	resumed := 0
	for _, t := range r.cache.Snapshot() {
		if t.Status == StatusDone {
			resumed++
			continue
		}
		remaining := 0
		for _, depID := range t.Dependencies {
			if dep, ok := r.cache.Get(depID); !ok || dep.Status != StatusDone {
				remaining++
			}
		}
		r.waiting[t.TaskID] = remaining
		if remaining == 0 {
			r.ready = append(r.ready, t.TaskID)
		}
	}
	return resumed
}

// dispatch pops ready tasks in priority order (ascending stage, then natural
// id) while executor slots are free, launching one attempt per task.
func (r *Runner) dispatch(ctx context.Context, g *errgroup.Group, results chan<- attemptResult, wake chan<- struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		if len(r.ready) == 0 {
			r.mu.Unlock()
			return
		}
		sort.Slice(r.ready, func(i, j int) bool { return r.less(r.ready[i], r.ready[j]) })
		id := r.ready[0]
		r.mu.Unlock()

		slot, ok := r.executors.TryAcquire(id)
		if !ok {
			return
		}

		r.mu.Lock()
		r.ready = r.ready[1:]
		r.inflight[id] = true
		r.mu.Unlock()

		task, ok := r.graph.Task(id)
		if !ok {
			// Cache and graph disagree; should be unreachable.
			log.Printf("ERROR: ready task %q not present in graph", id)
			r.executors.Release(slot)
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
			continue
		}

		g.Go(func() error {
			r.attempt(ctx, task, slot, results, wake)
			return nil
		})
	}
}

func (r *Runner) less(a, b string) bool {
	sa, _ := r.cache.Get(a)
	sb, _ := r.cache.Get(b)
	if sa.Stage != sb.Stage {
		return sa.Stage < sb.Stage
	}
	return plan.CompareIDs(a, b) < 0
}

// attempt runs one full execution+validation cycle for a task. It enters
// holding an executor slot; the validator slot is acquired before the
// executor slot is released so neither pool bound is ever exceeded.
func (r *Runner) attempt(ctx context.Context, t *graph.Task, execSlot int, results chan<- attemptResult, wake chan<- struct{}) {
	execReleased := false
	releaseExecutor := func() {
		if execReleased {
			return
		}
		execReleased = true
		r.executors.Release(execSlot)
		r.publishPoolStats(r.executors)
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	defer releaseExecutor()

	abort := func() {
		r.transition(context.Background(), t.ID, StatusUndone)
		results <- attemptResult{taskID: t.ID, kind: attemptAborted}
	}

	r.transition(ctx, t.ID, StatusDoing)
	r.publishPoolStats(r.executors)

	resolved, err := r.resolver.Resolve(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			abort()
			return
		}
		log.Printf("ERROR: resolving inputs for task %q: %v", t.ID, err)
		r.transition(ctx, t.ID, StatusExecutionFailed)
		results <- attemptResult{taskID: t.ID, kind: attemptExecFailed}
		return
	}

	execResult, err := r.callExecute(ctx, t, resolved)
	if err != nil {
		if ctx.Err() != nil {
			abort()
			return
		}
		log.Printf("WARNING: execution failed for task %q: %v", t.ID, err)
		r.transition(ctx, t.ID, StatusExecutionFailed)
		results <- attemptResult{taskID: t.ID, kind: attemptExecFailed}
		return
	}

	if err := r.store.SaveArtifact(ctx, r.graph.PlanID, t.ID, execResult.Artifact); err != nil {
		if ctx.Err() != nil {
			abort()
			return
		}
		log.Printf("ERROR: persisting artifact for task %q: %v", t.ID, err)
		r.transition(ctx, t.ID, StatusExecutionFailed)
		results <- attemptResult{taskID: t.ID, kind: attemptExecFailed}
		return
	}

	valSlot, err := r.validators.Acquire(ctx, t.ID)
	if err != nil {
		abort()
		return
	}
	defer func() {
		r.validators.Release(valSlot)
		r.publishPoolStats(r.validators)
	}()

	r.transition(ctx, t.ID, StatusValidating)
	releaseExecutor()
	r.publishPoolStats(r.validators)

	verdict, err := r.callValidate(ctx, t, execResult.Artifact)
	if err != nil {
		if ctx.Err() != nil {
			abort()
			return
		}
		log.Printf("WARNING: validation call failed for task %q: %v", t.ID, err)
		r.transition(ctx, t.ID, StatusValidationFailed)
		results <- attemptResult{taskID: t.ID, kind: attemptValidationFailed}
		return
	}
	if !verdict.Passed {
		log.Printf("WARNING: validator rejected task %q: %v", t.ID, verdict.Reasons)
		r.transition(ctx, t.ID, StatusValidationFailed)
		results <- attemptResult{taskID: t.ID, kind: attemptValidationFailed}
		return
	}

	r.transition(ctx, t.ID, StatusDone)
	results <- attemptResult{taskID: t.ID, kind: attemptSucceeded}
}

func (r *Runner) callExecute(ctx context.Context, t *graph.Task, resolved map[string]any) (worker.ExecResult, error) {
	callCtx := ctx
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}
	return r.executor.Execute(callCtx, worker.ExecRequest{
		PlanID:         r.graph.PlanID,
		TaskID:         t.ID,
		Description:    t.Description,
		Input:          t.Input,
		Output:         t.Output,
		ResolvedInputs: resolved,
	})
}

func (r *Runner) callValidate(ctx context.Context, t *graph.Task, artifact map[string]any) (worker.ValidationResult, error) {
	callCtx := ctx
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}
	return r.validator.Validate(callCtx, worker.ValidationRequest{
		PlanID:     r.graph.PlanID,
		TaskID:     t.ID,
		Artifact:   artifact,
		Output:     t.Output,
		Validation: t.Validation,
	})
}

// handle applies the bookkeeping for a finished attempt: ready-set updates on
// success, the retry/permanent-failure rule otherwise.
func (r *Runner) handle(ctx context.Context, res attemptResult) {
	id := res.taskID

	r.mu.Lock()
	delete(r.inflight, id)
	discarded := r.discard[id]
	delete(r.discard, id)
	r.mu.Unlock()

	if discarded {
		// Rolled back while the attempt was in flight: drop the result.
		if err := r.store.DeleteArtifact(ctx, r.graph.PlanID, id); err != nil {
			log.Printf("WARNING: discarding artifact of rolled-back task %q: %v", id, err)
		}
		r.cache.ResetFailure(id)
		r.transition(ctx, id, StatusUndone)
		return
	}

	switch res.kind {
	case attemptSucceeded:
		r.cache.ResetFailure(id)
		r.mu.Lock()
		for _, depID := range r.graph.Dependents(id) {
			if _, tracked := r.waiting[depID]; !tracked {
				continue
			}
			r.waiting[depID]--
			if r.waiting[depID] == 0 && !r.inflight[depID] {
				if state, ok := r.cache.Get(depID); ok && state.Status == StatusUndone {
					r.ready = append(r.ready, depID)
				}
			}
		}
		r.mu.Unlock()

	case attemptExecFailed, attemptValidationFailed:
		failures := r.cache.IncFailure(id)
		if failures >= r.cfg.MaxFailures {
			r.transition(ctx, id, StatusPermanentlyFailed)
			r.rollback(ctx, id)
		} else {
			r.transition(ctx, id, StatusUndone)
			r.mu.Lock()
			r.ready = append(r.ready, id)
			r.mu.Unlock()
		}

	case attemptAborted:
		// Status already reset by the attempt; nothing to reschedule.
	}
}

// rollback resets the permanently failed task's forward closure: every task
// transitively depending on it returns to undone with its artifact discarded
// and its failure count cleared. In-flight closure tasks are flagged for
// discard instead of being preempted.
func (r *Runner) rollback(ctx context.Context, failedID string) {
	closure := r.forwardClosure(failedID)
	if len(closure) == 0 {
		return
	}
	log.Printf("WARNING: task %q permanently failed; rolling back %d dependent task(s)", failedID, len(closure))

	var resettable []string
	r.mu.Lock()
	for _, id := range closure {
		if r.inflight[id] {
			r.discard[id] = true
			continue
		}
		resettable = append(resettable, id)
	}
	r.mu.Unlock()

	for _, id := range resettable {
		if err := r.store.DeleteArtifact(ctx, r.graph.PlanID, id); err != nil {
			log.Printf("WARNING: discarding artifact of task %q: %v", id, err)
		}
		r.cache.ResetFailure(id)
		if state, ok := r.cache.Get(id); ok && state.Status != StatusUndone {
			r.transition(ctx, id, StatusUndone)
		}
	}

	r.reindex()
}

// forwardClosure returns every task reachable from id over the reverse
// dependency index, excluding id itself.
func (r *Runner) forwardClosure(id string) []string {
	visited := map[string]bool{id: true}
	queue := r.graph.Dependents(id)
	var closure []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		closure = append(closure, next)
		queue = append(queue, r.graph.Dependents(next)...)
	}
	return closure
}

// reindex rebuilds the waiting counters and ready set from the chain cache.
// Only used after rollback; the steady-state path updates incrementally.
func (r *Runner) reindex() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiting = make(map[string]int, r.cache.Len())
	r.ready = nil
	for _, t := range r.cache.Snapshot() {
		if t.Status == StatusDone || t.Status == StatusPermanentlyFailed {
			continue
		}
		remaining := 0
		for _, depID := range t.Dependencies {
			if dep, ok := r.cache.Get(depID); !ok || dep.Status != StatusDone {
				remaining++
			}
		}
		r.waiting[t.TaskID] = remaining
		if remaining == 0 && !r.inflight[t.TaskID] && t.Status == StatusUndone {
			r.ready = append(r.ready, t.TaskID)
		}
	}
}

// transition moves one task to a new status, persists the chain cache, and
// publishes the transition event.
func (r *Runner) transition(ctx context.Context, id string, to Status) {
	old, ok := r.cache.SetStatus(id, to)
	if !ok || old == to {
		return
	}
	r.persist(ctx)

	state, _ := r.cache.Get(id)
	r.bus.Publish(events.TopicTask, events.TaskTransitionEvent{
		Plan:         r.graph.PlanID,
		TaskID:       id,
		OldStatus:    string(old),
		NewStatus:    string(to),
		FailureCount: state.FailureCount,
		Timestamp:    time.Now(),
	})
}

// persist writes the current chain-cache snapshot. Serialized so concurrent
// transitions never overwrite each other with stale data.
func (r *Runner) persist(ctx context.Context) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if err := r.store.SaveExecution(ctx, r.graph.PlanID, r.cache.Record()); err != nil {
		log.Printf("WARNING: failed to persist execution state: %v", err)
	}
}

func (r *Runner) publishPoolStats(p *pool.Pool) {
	r.bus.Publish(events.TopicPool, events.PoolStatsEvent{
		Plan:      r.graph.PlanID,
		Stats:     p.Stats(),
		Timestamp: time.Now(),
	})
}

// Statuses returns the current per-task status snapshot as a map.
func (r *Runner) Statuses() map[string]Status {
	out := make(map[string]Status, r.cache.Len())
	for _, t := range r.cache.Snapshot() {
		out[t.TaskID] = t.Status
	}
	return out
}
