package graph

import (
	"sort"

	"github.com/gammazero/toposort"
)

// CriticalPath returns the longest chain of unfinished tasks through the
// dependency graph, dependency-first. Ties are broken deterministically by
// task ID. An empty graph or fully terminal graph yields an empty path.
func (g *Graph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topoOrderLocked()
	if err != nil {
		// The graph never admits cycles, so this only trips on internal
		// corruption; report no path rather than guessing.
		return nil
	}

	weight := func(t *Task) int {
		if t.Status.Terminal() {
			return 0
		}
		return 1
	}

	// Longest chain ending at each task, walking in topological order.
	length := make(map[string]int, len(g.tasks))
	prev := make(map[string]string, len(g.tasks))
	for _, id := range order {
		task := g.tasks[id]
		best := 0
		bestDep := ""
		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)
		for _, depID := range deps {
			if length[depID] > best {
				best = length[depID]
				bestDep = depID
			}
		}
		length[id] = best + weight(task)
		prev[id] = bestDep
	}

	endID := ""
	endLen := 0
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if length[id] > endLen {
			endLen = length[id]
			endID = id
		}
	}
	if endLen == 0 {
		return []string{}
	}

	// Reconstruct, dropping terminal tasks that contribute no weight.
	var path []string
	for id := endID; id != ""; id = prev[id] {
		if !g.tasks[id].Status.Terminal() {
			path = append(path, id)
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// topoOrderLocked returns task IDs in dependency order.
func (g *Graph) topoOrderLocked() ([]string, error) {
	var edges []toposort.Edge
	for taskID, task := range g.tasks {
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
