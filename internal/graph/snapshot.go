package graph

// Snapshot is the deterministic serializable form of the graph, used by the
// checkpoint coordinator and the persistence layer. Tasks are ordered by
// insertion so that identical graphs produce identical snapshots.
type Snapshot struct {
	Tasks []*Task `json:"tasks"`
}

// Snapshot captures a deep copy of the current graph state.
func (g *Graph) Snapshot() *Snapshot {
	return &Snapshot{Tasks: g.Tasks()}
}

// Restore replaces the graph's state with the snapshot, rebuilding the
// pending-dependency counters and the insertion order.
func (g *Graph) Restore(snap *Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tasks = make(map[string]*Task, len(snap.Tasks))
	g.pendingDeps = make(map[string]int, len(snap.Tasks))
	g.seq = 0

	ordered := make([]*Task, 0, len(snap.Tasks))
	for _, task := range snap.Tasks {
		cp := cloneTask(task)
		cp.Blocks = nil
		g.seq++
		cp.seq = g.seq
		g.tasks[cp.ID] = cp
		ordered = append(ordered, cp)
	}

	// The inverse edges are derived, not trusted from the snapshot: a
	// snapshot loaded from storage carries forward edges only. Insertion
	// order keeps the rebuild deterministic.
	for _, task := range ordered {
		pending := 0
		for _, depID := range task.DependsOn {
			dep := g.tasks[depID]
			if dep != nil {
				dep.Blocks = append(dep.Blocks, task.ID)
			}
			if dep == nil || !dep.Status.Resolved() {
				pending++
			}
		}
		g.pendingDeps[task.ID] = pending
	}
}
