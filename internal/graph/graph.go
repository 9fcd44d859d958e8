package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// RemovePolicy controls what happens to dependents when a task is removed.
type RemovePolicy int

const (
	RemoveBlock         RemovePolicy = iota // Refuse removal if active dependents exist
	RemoveCascadeCancel                     // Cancel active dependents transitively
	RemoveReparent                          // Dependents inherit the removed task's dependencies
)

// CancelPolicy controls how cancellation propagates to exclusive dependents.
type CancelPolicy int

const (
	CancelCascade CancelPolicy = iota // Cancel dependents that only depend on the cancelled task
	CancelSkip                        // Mark such dependents skipped instead
)

// Graph owns tasks and their dependency edges. It computes ready/blocked
// sets incrementally via per-task pending-dependency counters and rejects
// any edge that would introduce a cycle.
//
// The orchestrator loop is the single writer; the RWMutex exists for the
// side-effect-free query surface, which may be read from other goroutines.
type Graph struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	pendingDeps map[string]int // taskID -> count of unresolved dependencies
	seq         int            // monotonically increasing insertion counter
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		tasks:       make(map[string]*Task),
		pendingDeps: make(map[string]int),
	}
}

// AddTask adds a task to the graph. Dependencies listed on the task must
// already exist; edges are admitted through the same cycle check as
// AddDependency. Returns ErrDuplicate if the ID is taken.
func (g *Graph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, task.ID)
	}

	for _, depID := range task.DependsOn {
		if _, exists := g.tasks[depID]; !exists {
			return fmt.Errorf("%w: dependency %q of %q", ErrNotFound, depID, task.ID)
		}
	}

	cp := cloneTask(task)
	deps := cp.DependsOn
	cp.DependsOn = nil
	cp.Blocks = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	g.seq++
	cp.seq = g.seq
	g.tasks[cp.ID] = cp
	g.pendingDeps[cp.ID] = 0

	// A brand-new node cannot close a cycle, so its declared edges are safe.
	for _, depID := range deps {
		g.linkLocked(cp.ID, depID)
	}

	return nil
}

// AddDependency records that task from depends on task to. The edge is
// validated against the full edge set before being admitted; on a cycle the
// call fails with ErrCycle and the graph is byte-for-byte unchanged.
func (g *Graph) AddDependency(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromTask, exists := g.tasks[from]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, from)
	}
	if _, exists := g.tasks[to]; !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, to)
	}
	if from == to {
		return fmt.Errorf("%w: %q depends on itself", ErrCycle, from)
	}
	for _, depID := range fromTask.DependsOn {
		if depID == to {
			return nil // Edge already present
		}
	}

	if err := g.validateWithEdge(from, to); err != nil {
		return err
	}

	g.linkLocked(from, to)
	return nil
}

// linkLocked wires both directions of an edge and maintains the pending
// counter. Caller holds the write lock and has validated the edge.
func (g *Graph) linkLocked(from, to string) {
	fromTask := g.tasks[from]
	toTask := g.tasks[to]

	fromTask.DependsOn = append(fromTask.DependsOn, to)
	toTask.Blocks = append(toTask.Blocks, from)

	if !toTask.Status.Resolved() {
		g.pendingDeps[from]++
	}
}

// validateWithEdge runs topological sort over the current edge set plus the
// candidate edge (from depends on to).
func (g *Graph) validateWithEdge(from, to string) error {
	var edges []toposort.Edge
	for taskID, task := range g.tasks {
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}
	edges = append(edges, toposort.Edge{to, from})

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: adding %q -> %q: %v", ErrCycle, from, to, err)
	}
	return nil
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	return tasks
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Ready returns pending tasks whose dependencies are all resolved, ordered
// by priority descending with creation order as the tie-break. Computed from
// the incrementally maintained counters, not a graph scan per dependency.
func (g *Graph) Ready() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := []*Task{}
	for _, task := range g.tasks {
		if task.Status == StatusPending && g.pendingDeps[task.ID] == 0 {
			ready = append(ready, cloneTask(task))
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].seq < ready[j].seq
	})
	return ready
}

// Blocked returns pending tasks with at least one unresolved dependency.
func (g *Graph) Blocked() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	blocked := []*Task{}
	for _, task := range g.tasks {
		if task.Status == StatusPending && g.pendingDeps[task.ID] > 0 {
			blocked = append(blocked, cloneTask(task))
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].seq < blocked[j].seq })
	return blocked
}

// InProgress returns tasks currently executing on a worker.
func (g *Graph) InProgress() []*Task {
	return g.byStatus(StatusInProgress)
}

// NeedsReview returns tasks waiting on a review gate.
func (g *Graph) NeedsReview() []*Task {
	return g.byStatus(StatusNeedsReview)
}

func (g *Graph) byStatus(status Status) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []*Task{}
	for _, task := range g.tasks {
		if task.Status == status {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Start marks a task in-progress and records the assigned worker.
func (g *Graph) Start(taskID, worker string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if !transitionAllowed(task.Status, StatusInProgress) {
		return fmt.Errorf("%w: %q %s -> in_progress", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = StatusInProgress
	task.Worker = worker
	task.Attempts++
	task.StartedAt = time.Now()
	return nil
}

// CompleteTask marks a task completed, stores its result, and decrements the
// pending counter of every dependent, potentially making them ready.
func (g *Graph) CompleteTask(taskID, result string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveLocked(taskID, StatusCompleted, result, "")
}

// SkipTask marks a task skipped; for dependency resolution this counts the
// same as completion.
func (g *Graph) SkipTask(taskID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveLocked(taskID, StatusSkipped, "", reason)
}

func (g *Graph) resolveLocked(taskID string, status Status, result, reason string) error {
	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if !transitionAllowed(task.Status, status) {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, taskID, task.Status, status)
	}

	wasResolved := task.Status.Resolved()
	task.Status = status
	task.Result = result
	task.Reason = reason
	task.FinishedAt = time.Now()

	if !wasResolved {
		for _, depID := range task.Blocks {
			g.pendingDeps[depID]--
		}
	}
	return nil
}

// MarkNeedsReview parks an in-progress task at its review gate.
func (g *Graph) MarkNeedsReview(taskID, result string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if !transitionAllowed(task.Status, StatusNeedsReview) {
		return fmt.Errorf("%w: %q %s -> needs_review", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = StatusNeedsReview
	task.Result = result
	return nil
}

// FailTask marks a task failed. Dependents stay blocked; unblocking them is
// the failure router's job (corrective task or escalation).
func (g *Graph) FailTask(taskID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if !transitionAllowed(task.Status, StatusFailed) {
		return fmt.Errorf("%w: %q %s -> failed", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = StatusFailed
	task.Reason = reason
	task.FinishedAt = time.Now()
	return nil
}

// RetryTask returns a failed task to pending so it can be dispatched again.
func (g *Graph) RetryTask(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if task.Status != StatusFailed {
		return fmt.Errorf("%w: %q %s -> pending", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = StatusPending
	task.Reason = ""
	return nil
}

// CancelTask cancels a task and propagates to exclusive dependents (tasks
// whose every dependency path runs through the cancelled task) according to
// the policy. Cancellation of running tasks is cooperative; the graph only
// records the state.
func (g *Graph) CancelTask(taskID, reason string, policy CancelPolicy) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: %q %s -> cancelled", ErrInvalidTransition, taskID, task.Status)
	}

	var affected []string
	g.cancelLocked(task, reason, policy, &affected)
	return affected, nil
}

func (g *Graph) cancelLocked(task *Task, reason string, policy CancelPolicy, affected *[]string) {
	if task.Status.Terminal() {
		return
	}

	if policy == CancelSkip && len(*affected) > 0 {
		// Dependents are skipped rather than cancelled, resolving their
		// own dependents in turn.
		wasResolved := task.Status.Resolved()
		task.Status = StatusSkipped
		task.Reason = reason
		task.FinishedAt = time.Now()
		if !wasResolved {
			for _, depID := range task.Blocks {
				g.pendingDeps[depID]--
			}
		}
		*affected = append(*affected, task.ID)
		return
	}

	task.Status = StatusCancelled
	task.Reason = reason
	task.FinishedAt = time.Now()
	*affected = append(*affected, task.ID)

	for _, depID := range task.Blocks {
		dep := g.tasks[depID]
		if dep == nil || dep.Status.Terminal() {
			continue
		}
		if g.exclusivelyBlockedLocked(dep, task.ID) {
			g.cancelLocked(dep, fmt.Sprintf("dependency %s cancelled", task.ID), policy, affected)
		}
	}
}

// exclusivelyBlockedLocked reports whether every unresolved dependency of
// dep is the given task (i.e. nothing else could still unblock it).
func (g *Graph) exclusivelyBlockedLocked(dep *Task, taskID string) bool {
	for _, depID := range dep.DependsOn {
		if depID == taskID {
			continue
		}
		other := g.tasks[depID]
		if other != nil && !other.Status.Resolved() && other.Status != StatusCancelled {
			return false
		}
	}
	return true
}

// Remove deletes a task. With RemoveBlock (the default policy) the call
// fails if any non-terminal dependents exist, reporting them in the error.
// RemoveCascadeCancel cancels dependents first; RemoveReparent re-attaches
// dependents to the removed task's own dependencies. The returned IDs are
// the dependents the policy touched (cancelled or reparented), so callers
// can persist and announce the follow-on changes.
func (g *Graph) Remove(taskID string, policy RemovePolicy) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}

	blocks := append([]string(nil), task.Blocks...)
	dependsOn := append([]string(nil), task.DependsOn...)

	var active []string
	for _, depID := range blocks {
		if dep := g.tasks[depID]; dep != nil && !dep.Status.Terminal() {
			active = append(active, depID)
		}
	}

	var affected []string
	switch policy {
	case RemoveBlock:
		if len(active) > 0 {
			sort.Strings(active)
			return nil, fmt.Errorf("%w: %q blocks %v", ErrHasDependents, taskID, active)
		}
	case RemoveCascadeCancel:
		for _, depID := range active {
			if dep := g.tasks[depID]; dep != nil && !dep.Status.Terminal() {
				g.cancelLocked(dep, fmt.Sprintf("dependency %s removed", taskID), CancelCascade, &affected)
			}
		}
	case RemoveReparent:
		for _, depID := range blocks {
			dep := g.tasks[depID]
			if dep == nil {
				continue
			}
			g.unlinkLocked(dep, task)
			for _, grandID := range dependsOn {
				if g.hasDepLocked(dep, grandID) || grandID == dep.ID {
					continue
				}
				g.linkLocked(dep.ID, grandID)
			}
			affected = append(affected, dep.ID)
		}
	}

	// Detach from remaining neighbours and drop the node.
	for _, depID := range blocks {
		if dep := g.tasks[depID]; dep != nil {
			g.unlinkLocked(dep, task)
		}
	}
	for _, depID := range dependsOn {
		if dep := g.tasks[depID]; dep != nil {
			dep.Blocks = removeString(dep.Blocks, taskID)
		}
	}
	delete(g.tasks, taskID)
	delete(g.pendingDeps, taskID)
	return affected, nil
}

// unlinkLocked removes the edge dep -> removed from both sides and fixes the
// pending counter.
func (g *Graph) unlinkLocked(dep, removed *Task) {
	before := len(dep.DependsOn)
	dep.DependsOn = removeString(dep.DependsOn, removed.ID)
	if len(dep.DependsOn) < before && !removed.Status.Resolved() {
		g.pendingDeps[dep.ID]--
	}
	removed.Blocks = removeString(removed.Blocks, dep.ID)
}

func (g *Graph) hasDepLocked(task *Task, depID string) bool {
	for _, id := range task.DependsOn {
		if id == depID {
			return true
		}
	}
	return false
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// SetPriority overwrites a task's priority. Cascade semantics live in the
// priority manager; the graph only stores the value.
func (g *Graph) SetPriority(taskID string, priority int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, taskID)
	}
	task.Priority = priority
	return nil
}
