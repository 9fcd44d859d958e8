package worker

import (
	"context"

	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/orchestrator"
)

// TaskLookup is the read-only task view the provider needs. *orchestrator.Loop
// satisfies it.
type TaskLookup interface {
	Task(id string) (*graph.Task, bool)
	CurrentPhase() string
}

// BundleProvider assembles context bundles from the loop's query surface:
// the task itself, results of its completed dependencies, and the active
// phase.
type BundleProvider struct {
	lookup TaskLookup
}

// NewBundleProvider creates a provider over the given task view.
func NewBundleProvider(lookup TaskLookup) *BundleProvider {
	return &BundleProvider{lookup: lookup}
}

// BuildContext gathers everything a worker needs to act on a task without
// querying the orchestrator back.
func (b *BundleProvider) BuildContext(_ context.Context, task *graph.Task) (orchestrator.ContextBundle, error) {
	bundle := orchestrator.ContextBundle{
		Task:         task,
		Phase:        b.lookup.CurrentPhase(),
		Dependencies: make(map[string]string, len(task.DependsOn)),
	}
	for _, depID := range task.DependsOn {
		dep, ok := b.lookup.Task(depID)
		if !ok {
			continue
		}
		if dep.Status == graph.StatusCompleted || dep.Status == graph.StatusSkipped {
			bundle.Dependencies[depID] = dep.Result
		}
	}
	return bundle, nil
}
