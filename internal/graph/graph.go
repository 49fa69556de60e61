// Package graph builds the execution graph: the flat DAG of atomic tasks
// derived from a decomposition tree, with sibling dependencies sunk down to
// atomic descendants and a stage assigned to every task.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/planweave/planweave/internal/plan"
)

// ErrCycle is returned when the resolved dependency relation contains a cycle.
var ErrCycle = errors.New("dependency cycle")

// ErrMissingReference is returned when a declared dependency id does not
// exist in the tree.
var ErrMissingReference = errors.New("missing dependency reference")

// ErrNonSiblingDependency is returned when a node declares a dependency
// outside its own parent's children. Dependencies are declared only between
// siblings; cross-subtree edges arise through sinking, never directly.
var ErrNonSiblingDependency = errors.New("dependency must reference a sibling")

// Task is an atomic unit of work in the execution graph. DependsOn holds
// fully resolved dependencies referencing only other atomic task ids.
type Task struct {
	ID          string
	Description string
	Input       *plan.InputSpec
	Output      *plan.OutputSpec
	Validation  *plan.ValidationSpec
	DependsOn   []string
	Stage       int
}

// Graph is the immutable execution graph for one plan. Topology never changes
// after Build; runtime status lives in the runner's chain cache, not here.
type Graph struct {
	PlanID     string
	tasks      map[string]*Task
	stages     [][]string
	dependents map[string][]string
}

// Build derives an execution graph from a finalized decomposition tree.
// Returns ErrMissingReference for dangling dependency ids and ErrCycle when
// the resolved relation is not acyclic. No partial graph is ever returned.
func Build(tree *plan.Tree) (*Graph, error) {
	b := &builder{tree: tree, atomicDesc: make(map[string][]string)}

	resolved, err := b.resolveDependencies()
	if err != nil {
		return nil, err
	}

	stages, err := computeStages(resolved)
	if err != nil {
		return nil, err
	}

	// Whole-graph acyclicity check on top of the DFS above. Catches nothing
	// the staging pass missed, but keeps the edge list honest.
	if err := validateOrder(resolved); err != nil {
		return nil, err
	}

	g := &Graph{
		PlanID:     tree.PlanID,
		tasks:      make(map[string]*Task, len(resolved)),
		dependents: make(map[string][]string),
	}

	for _, n := range tree.Nodes {
		if !n.Atomic {
			continue
		}
		deps := sortedIDs(resolved[n.ID])
		g.tasks[n.ID] = &Task{
			ID:          n.ID,
			Description: n.Description,
			Input:       n.Input,
			Output:      n.Output,
			Validation:  n.Validation,
			DependsOn:   deps,
			Stage:       stages[n.ID],
		}
		for _, depID := range deps {
			g.dependents[depID] = append(g.dependents[depID], n.ID)
		}
	}

	// Group task ids by stage, ordered naturally within each stage.
	maxStage := -1
	for _, s := range stages {
		if s > maxStage {
			maxStage = s
		}
	}
	g.stages = make([][]string, maxStage+1)
	for id, s := range stages {
		g.stages[s] = append(g.stages[s], id)
	}
	for _, ids := range g.stages {
		sort.Slice(ids, func(i, j int) bool { return plan.CompareIDs(ids[i], ids[j]) < 0 })
	}
	for _, ids := range g.dependents {
		sort.Slice(ids, func(i, j int) bool { return plan.CompareIDs(ids[i], ids[j]) < 0 })
	}

	return g, nil
}

// Restore reassembles a graph from previously built tasks, re-deriving the
// stage grouping and the reverse-adjacency index. Dependencies must reference
// tasks in the list; no staging or cycle analysis is repeated.
func Restore(planID string, tasks []*Task) (*Graph, error) {
	g := &Graph{
		PlanID:     planID,
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	maxStage := -1
	for _, t := range tasks {
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = cloneTask(t)
		if t.Stage > maxStage {
			maxStage = t.Stage
		}
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, ok := g.tasks[depID]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown id %q", ErrMissingReference, t.ID, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	g.stages = make([][]string, maxStage+1)
	for id, t := range g.tasks {
		g.stages[t.Stage] = append(g.stages[t.Stage], id)
	}
	for _, ids := range g.stages {
		sort.Slice(ids, func(i, j int) bool { return plan.CompareIDs(ids[i], ids[j]) < 0 })
	}
	for _, ids := range g.dependents {
		sort.Slice(ids, func(i, j int) bool { return plan.CompareIDs(ids[i], ids[j]) < 0 })
	}
	return g, nil
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Tasks returns copies of all tasks, in ascending stage then natural id order.
func (g *Graph) Tasks() []*Task {
	tasks := make([]*Task, 0, len(g.tasks))
	for _, ids := range g.stages {
		for _, id := range ids {
			tasks = append(tasks, cloneTask(g.tasks[id]))
		}
	}
	return tasks
}

// Stages returns the stage-grouped task ids. Index equals stage number.
func (g *Graph) Stages() [][]string {
	out := make([][]string, len(g.stages))
	for i, ids := range g.stages {
		out[i] = append([]string(nil), ids...)
	}
	return out
}

// Dependents returns the ids of tasks that directly depend on id. This is the
// reverse-adjacency index used for rollback traversal.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Len returns the number of atomic tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	return &cp
}

type builder struct {
	tree       *plan.Tree
	atomicDesc map[string][]string // memoized atomic descendants per subtree root
}

// resolveDependencies sinks every declared dependency down to atomic ids:
// the atomic descendants of the depending node each inherit an edge to the
// terminal atomic descendants of the depended-on node.
func (b *builder) resolveDependencies() (map[string]map[string]bool, error) {
	resolved := make(map[string]map[string]bool)
	for _, n := range b.tree.Nodes {
		if n.Atomic {
			resolved[n.ID] = make(map[string]bool)
		}
	}

	for _, n := range b.tree.Nodes {
		if len(n.Dependencies) == 0 {
			continue
		}

		sources := b.atomicDescendants(n.ID)
		for _, depID := range n.Dependencies {
			if depID == n.ID {
				continue
			}
			if _, ok := b.tree.Get(depID); !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown id %q", ErrMissingReference, n.ID, depID)
			}
			// A dependency on an ancestor is structural nesting, not an edge.
			if plan.InSubtree(n.ID, depID) {
				continue
			}
			if plan.ParentID(depID) != plan.ParentID(n.ID) {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrNonSiblingDependency, n.ID, depID)
			}

			targets := b.terminalAtomicDescendants(depID)
			for _, src := range sources {
				for _, dst := range targets {
					if src != dst {
						resolved[src][dst] = true
					}
				}
			}
		}
	}

	return resolved, nil
}

// atomicDescendants returns the atomic tasks within id's subtree, id included
// when it is itself atomic.
func (b *builder) atomicDescendants(id string) []string {
	if cached, ok := b.atomicDesc[id]; ok {
		return cached
	}

	var out []string
	if n, ok := b.tree.Get(id); ok && n.Atomic {
		out = append(out, id)
	}
	for _, n := range b.tree.Nodes {
		if n.Atomic && plan.InSubtree(n.ID, id) {
			out = append(out, n.ID)
		}
	}

	b.atomicDesc[id] = out
	return out
}

// terminalAtomicDescendants returns the "leaf outputs" of id's subtree: its
// atomic descendants not consumed by a declared dependency within the same
// subtree. For an atomic id that is the id itself.
func (b *builder) terminalAtomicDescendants(id string) []string {
	all := b.atomicDescendants(id)
	if n, ok := b.tree.Get(id); ok && n.Atomic {
		return []string{id}
	}
	if len(all) == 0 {
		return nil
	}

	consumed := make(map[string]bool)
	for _, n := range b.tree.Nodes {
		if !plan.InSubtree(n.ID, id) {
			continue
		}
		for _, depID := range n.Dependencies {
			if !plan.InSubtree(depID, id) {
				continue
			}
			for _, a := range b.atomicDescendants(depID) {
				consumed[a] = true
			}
		}
	}

	terminal := make([]string, 0, len(all))
	for _, a := range all {
		if !consumed[a] {
			terminal = append(terminal, a)
		}
	}
	if len(terminal) == 0 {
		// Fully interconnected subtree; every atomic descendant is a leaf output.
		return all
	}
	return terminal
}

// computeStages assigns stage(t) = 0 for dependency-free tasks, else
// 1 + max(stage(dep)), via memoized DFS. The in-progress marker set doubles
// as the cycle detector.
func computeStages(resolved map[string]map[string]bool) (map[string]int, error) {
	stages := make(map[string]int, len(resolved))
	inProgress := make(map[string]bool)

	var visit func(id string) (int, error)
	visit = func(id string) (int, error) {
		if s, ok := stages[id]; ok {
			return s, nil
		}
		if inProgress[id] {
			return 0, fmt.Errorf("%w involving task %q", ErrCycle, id)
		}
		inProgress[id] = true
		defer delete(inProgress, id)

		stage := 0
		for depID := range resolved[id] {
			depStage, err := visit(depID)
			if err != nil {
				return 0, err
			}
			if depStage+1 > stage {
				stage = depStage + 1
			}
		}
		stages[id] = stage
		return stage, nil
	}

	ids := make([]string, 0, len(resolved))
	for id := range resolved {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return plan.CompareIDs(ids[i], ids[j]) < 0 })

	for _, id := range ids {
		if _, err := visit(id); err != nil {
			return nil, err
		}
	}
	return stages, nil
}

// validateOrder runs a full topological sort over the resolved edges and
// verifies no task was lost.
func validateOrder(resolved map[string]map[string]bool) error {
	var edges []toposort.Edge
	for id, deps := range resolved {
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for depID := range deps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}

	count := 0
	for _, id := range sorted {
		if id != nil {
			count++
		}
	}
	if count != len(resolved) {
		return fmt.Errorf("topological sort lost %d tasks", len(resolved)-count)
	}
	return nil
}

func sortedIDs(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return plan.CompareIDs(out[i], out[j]) < 0 })
	return out
}
