package runner

import (
	"sync"

	"github.com/planweave/planweave/internal/graph"
	"github.com/planweave/planweave/internal/store"
)

// TaskState is the chain cache's per-task projection: the only runtime state
// that mutates during a run.
type TaskState struct {
	TaskID       string
	Dependencies []string
	Stage        int
	Status       Status
	FailureCount int
}

// ChainCache is the externally visible live state for one plan's run. It is
// owned by a single Runner instance and mutated only through it; readers get
// consistent copies.
type ChainCache struct {
	mu     sync.RWMutex
	planID string
	tasks  map[string]*TaskState
	order  []string // ascending stage, then natural id
}

// NewChainCache initializes a cache from an execution graph with every task
// undone.
func NewChainCache(g *graph.Graph) *ChainCache {
	c := &ChainCache{
		planID: g.PlanID,
		tasks:  make(map[string]*TaskState, g.Len()),
	}
	for _, t := range g.Tasks() {
		c.tasks[t.ID] = &TaskState{
			TaskID:       t.ID,
			Dependencies: t.DependsOn,
			Stage:        t.Stage,
			Status:       StatusUndone,
		}
		c.order = append(c.order, t.ID)
	}
	return c
}

// Restore applies a persisted snapshot: done tasks stay done, anything caught
// mid-flight by a crash or stop returns to undone. Failure counts survive.
func (c *ChainCache) Restore(exec *store.ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range exec.Tasks {
		t, ok := c.tasks[rec.TaskID]
		if !ok {
			continue
		}
		t.FailureCount = rec.FailureCount
		if Status(rec.Status) == StatusDone {
			t.Status = StatusDone
		} else {
			t.Status = StatusUndone
		}
	}
}

// PlanID returns the owning plan's id.
func (c *ChainCache) PlanID() string {
	return c.planID
}

// Get returns a copy of one task's state.
func (c *ChainCache) Get(id string) (TaskState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// SetStatus transitions one task and returns its previous status.
func (c *ChainCache) SetStatus(id string, status Status) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return "", false
	}
	old := t.Status
	t.Status = status
	return old, true
}

// IncFailure increments and returns a task's failure count.
func (c *ChainCache) IncFailure(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return 0
	}
	t.FailureCount++
	return t.FailureCount
}

// ResetFailure zeroes a task's failure count. Rollback grants dependents a
// fresh slate.
func (c *ChainCache) ResetFailure(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[id]; ok {
		t.FailureCount = 0
	}
}

// CountStatus returns how many tasks currently hold the given status.
func (c *ChainCache) CountStatus(status Status) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, t := range c.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Len returns the number of tasks.
func (c *ChainCache) Len() int {
	return len(c.order)
}

// Snapshot returns a consistent copy of every task's state, in ascending
// stage then natural id order.
func (c *ChainCache) Snapshot() []TaskState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TaskState, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.tasks[id])
	}
	return out
}

// Record converts the current state into a persistable snapshot.
func (c *ChainCache) Record() *store.ExecutionRecord {
	snapshot := c.Snapshot()
	rec := &store.ExecutionRecord{Tasks: make([]store.TaskRecord, 0, len(snapshot))}
	for _, t := range snapshot {
		rec.Tasks = append(rec.Tasks, store.TaskRecord{
			TaskID:       t.TaskID,
			Dependencies: t.Dependencies,
			Status:       string(t.Status),
			FailureCount: t.FailureCount,
			Stage:        t.Stage,
		})
	}
	return rec
}
