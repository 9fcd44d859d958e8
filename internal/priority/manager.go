// Package priority cascades priority promotions to blockers and corrects
// priority inversions, recording every raise as a reversible decision.
package priority

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/helmsman-dev/helmsman/internal/decision"
	"github.com/helmsman-dev/helmsman/internal/graph"
)

// ErrCascadeOverflow is returned when the inversion-correction pass exceeds
// its iteration cap. The raises applied so far remain in place; the
// condition is surfaced, never silently truncated.
var ErrCascadeOverflow = errors.New("priority cascade exceeded iteration cap")

// DefaultIterationCap bounds the correction pass. The termination bound is
// a required safety property; the value itself is configurable.
const DefaultIterationCap = 64

// Change records a single applied priority raise.
type Change struct {
	TaskID     string
	Old        int
	New        int
	DecisionID string
}

// Manager owns priority semantics over the task graph. It is driven by the
// orchestrator loop (single writer).
type Manager struct {
	graph        *graph.Graph
	log          *decision.Log
	iterationCap int
}

// NewManager creates a priority manager. cap <= 0 selects
// DefaultIterationCap.
func NewManager(g *graph.Graph, log *decision.Log, iterationCap int) *Manager {
	if iterationCap <= 0 {
		iterationCap = DefaultIterationCap
	}
	return &Manager{graph: g, log: log, iterationCap: iterationCap}
}

// Update sets a task's priority. With cascade, every transitive
// not-yet-completed blocker is raised to at least the new priority. An
// inversion-correction pass always runs afterwards. All applied raises are
// returned; ErrCascadeOverflow reports a correction pass that hit its cap.
func (m *Manager) Update(taskID string, newPriority int, cascade bool) ([]Change, error) {
	task, ok := m.graph.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", graph.ErrNotFound, taskID)
	}

	var changes []Change
	if task.Priority != newPriority {
		changes = append(changes, m.apply(task.ID, task.Priority, newPriority,
			fmt.Sprintf("set priority of %s to %d", taskID, newPriority),
			"explicit priority update"))
	}

	if cascade {
		changes = append(changes, m.cascadeBlockers(taskID, newPriority)...)
	}

	corrections, err := m.CorrectInversions()
	changes = append(changes, corrections...)
	return changes, err
}

// cascadeBlockers raises every transitive incomplete blocker of taskID to at
// least floor. Cascades only ever raise.
func (m *Manager) cascadeBlockers(taskID string, floor int) []Change {
	var changes []Change
	visited := map[string]bool{taskID: true}
	queue := []string{taskID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		task, ok := m.graph.Get(id)
		if !ok {
			continue
		}
		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)
		for _, depID := range deps {
			if visited[depID] {
				continue
			}
			visited[depID] = true

			dep, ok := m.graph.Get(depID)
			if !ok || dep.Status.Resolved() {
				continue
			}
			if dep.Priority < floor {
				changes = append(changes, m.apply(dep.ID, dep.Priority, floor,
					fmt.Sprintf("raise blocker %s to %d?", dep.ID, floor),
					fmt.Sprintf("transitive blocker of %s after cascade update", taskID)))
			}
			queue = append(queue, depID)
		}
	}
	return changes
}

// CorrectInversions repeatedly raises any incomplete blocker whose priority
// is strictly below a task it blocks, to blocked-priority + 1, until a
// fixpoint or the iteration cap. Hitting the cap returns
// ErrCascadeOverflow with the raises applied so far.
func (m *Manager) CorrectInversions() ([]Change, error) {
	var changes []Change

	for iter := 0; ; iter++ {
		if iter >= m.iterationCap {
			return changes, fmt.Errorf("%w (cap %d)", ErrCascadeOverflow, m.iterationCap)
		}

		raised := false
		for _, task := range m.graph.Tasks() {
			if task.Status.Terminal() {
				continue
			}
			deps := append([]string(nil), task.DependsOn...)
			sort.Strings(deps)
			for _, depID := range deps {
				dep, ok := m.graph.Get(depID)
				if !ok || dep.Status.Resolved() {
					continue
				}
				if dep.Priority < task.Priority {
					changes = append(changes, m.apply(dep.ID, dep.Priority, task.Priority+1,
						fmt.Sprintf("raise blocker %s above %s?", dep.ID, task.ID),
						fmt.Sprintf("priority inversion: %s (priority %d) blocks %s (priority %d)",
							dep.ID, dep.Priority, task.ID, task.Priority),
						task.ID))
					raised = true
				}
			}
		}

		if !raised {
			return changes, nil
		}
	}
}

// Inversions returns the currently unresolved inversions without mutating
// anything: pairs of (blocked task, lower-priority incomplete blocker).
func (m *Manager) Inversions() [][2]string {
	var out [][2]string
	for _, task := range m.graph.Tasks() {
		if task.Status.Terminal() {
			continue
		}
		for _, depID := range task.DependsOn {
			dep, ok := m.graph.Get(depID)
			if !ok || dep.Status.Resolved() {
				continue
			}
			if dep.Priority < task.Priority {
				out = append(out, [2]string{task.ID, depID})
			}
		}
	}
	return out
}

// apply performs the raise on the graph and records the decision. extra task
// IDs are added to the decision's affected set (e.g. the blocked task that
// motivated an inversion raise).
func (m *Manager) apply(taskID string, old, new int, question, rationale string, extra ...string) Change {
	_ = m.graph.SetPriority(taskID, new)

	d := m.log.Record(&decision.Decision{
		Question:      question,
		Choice:        fmt.Sprintf("priority %d -> %d", old, new),
		Rationale:     rationale,
		Alternatives:  []string{"leave priority unchanged"},
		AffectedTasks: append([]string{taskID}, extra...),
		Reversible:    true,
		Original:      map[string]string{taskID: strconv.Itoa(old)},
	})

	return Change{TaskID: taskID, Old: old, New: new, DecisionID: d.ID}
}
