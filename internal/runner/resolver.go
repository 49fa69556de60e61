package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/planweave/planweave/internal/graph"
	"github.com/planweave/planweave/internal/store"
)

// ErrMissingArtifact reports a scheduling invariant violation: a task was
// dispatched while a dependency's artifact is unavailable. It fails the
// attempt rather than being retried blindly.
var ErrMissingArtifact = errors.New("missing dependency artifact")

// ArtifactResolver fetches the persisted output artifacts of a task's
// resolved dependencies ahead of an execution call.
type ArtifactResolver struct {
	store store.Store
	graph *graph.Graph
	cache *ChainCache
}

// NewArtifactResolver creates a resolver bound to one plan's graph and cache.
func NewArtifactResolver(s store.Store, g *graph.Graph, c *ChainCache) *ArtifactResolver {
	return &ArtifactResolver{store: s, graph: g, cache: c}
}

// Resolve returns the input values for a task, keyed by each dependency's
// declared artifact name. Every dependency must be done with a persisted
// artifact; anything else is ErrMissingArtifact.
func (r *ArtifactResolver) Resolve(ctx context.Context, task *graph.Task) (map[string]any, error) {
	if len(task.DependsOn) == 0 {
		return map[string]any{}, nil
	}

	resolved := make(map[string]any, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		state, ok := r.cache.Get(depID)
		if !ok || state.Status != StatusDone {
			return nil, fmt.Errorf("%w: dependency %s of task %s is not done", ErrMissingArtifact, depID, task.ID)
		}

		dep, ok := r.graph.Task(depID)
		if !ok {
			return nil, fmt.Errorf("%w: dependency %s of task %s not in graph", ErrMissingArtifact, depID, task.ID)
		}
		if dep.Output == nil || dep.Output.Artifact == "" {
			// Dependency declares no artifact; nothing to feed downstream.
			continue
		}

		value, err := r.store.GetArtifact(ctx, r.graph.PlanID, depID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: artifact of %s absent for task %s", ErrMissingArtifact, depID, task.ID)
			}
			return nil, fmt.Errorf("loading artifact of %s for task %s: %w", depID, task.ID, err)
		}
		resolved[dep.Output.Artifact] = value
	}
	return resolved, nil
}
