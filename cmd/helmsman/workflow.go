package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/orchestrator"
)

// workflowFile is the on-disk task list. Phase structure lives in the
// separate phase plan; this file only declares the work itself.
type workflowFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	ID             string   `yaml:"id"`
	Title          string   `yaml:"title"`
	Role           string   `yaml:"role"`
	Priority       int      `yaml:"priority,omitempty"`
	DependsOn      []string `yaml:"depends_on,omitempty"`
	Phase          string   `yaml:"phase,omitempty"`
	Group          string   `yaml:"group,omitempty"`
	Risky          bool     `yaml:"risky,omitempty"`
	ReviewRequired bool     `yaml:"review_required,omitempty"`
}

// seedWorkflow admits the file's tasks into the loop, skipping tasks that
// already exist from a recovered run. Dependencies are added only for newly
// admitted tasks, after all tasks exist, so forward references work.
func seedWorkflow(loop *orchestrator.Loop, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading workflow %s: %w", path, err)
	}
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("decoding workflow %s: %w", path, err)
	}
	if len(wf.Tasks) == 0 {
		return fmt.Errorf("workflow %s declares no tasks", path)
	}

	added := make(map[string]bool, len(wf.Tasks))
	for _, spec := range wf.Tasks {
		if spec.ID == "" {
			return fmt.Errorf("workflow %s: task with empty id", path)
		}
		if _, exists := loop.Task(spec.ID); exists {
			continue
		}
		if err := loop.AddTask(&graph.Task{
			ID:             spec.ID,
			Title:          spec.Title,
			Role:           spec.Role,
			Priority:       spec.Priority,
			Phase:          spec.Phase,
			Group:          spec.Group,
			Risky:          spec.Risky,
			ReviewRequired: spec.ReviewRequired,
		}); err != nil {
			return fmt.Errorf("adding task %q: %w", spec.ID, err)
		}
		added[spec.ID] = true
	}

	for _, spec := range wf.Tasks {
		if !added[spec.ID] {
			continue
		}
		for _, depID := range spec.DependsOn {
			if err := loop.AddDependency(spec.ID, depID); err != nil {
				return fmt.Errorf("dependency %q -> %q: %w", spec.ID, depID, err)
			}
		}
	}
	return nil
}
