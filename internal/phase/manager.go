package phase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/helmsman-dev/helmsman/internal/graph"
)

// TaskStates is the view of task state the manager needs. *graph.Graph
// satisfies it.
type TaskStates interface {
	Get(taskID string) (*graph.Task, bool)
}

// TransitionKind labels a phase transition produced by Evaluate.
type TransitionKind int

const (
	TransitionStarted TransitionKind = iota
	TransitionBlocked
	TransitionCompleted
)

// Transition records one phase state change.
type Transition struct {
	Kind  TransitionKind
	Phase string
	Unmet []string // Unmet required criteria for TransitionBlocked
	Warn  []string // Unmet advisory criteria, reported but not blocking
}

// Manager owns the ordered phase list. Phases execute in declared order:
// phase n+1 cannot start until phase n's checkpoint criteria are satisfied
// or explicitly waived.
type Manager struct {
	mu      sync.RWMutex
	phases  []*Phase
	index   map[string]*Phase
	current int
}

// NewManager creates a manager from an ordered phase list.
func NewManager(phases []*Phase) (*Manager, error) {
	m := &Manager{index: make(map[string]*Phase, len(phases))}
	for _, p := range phases {
		if p.ID == "" {
			return nil, fmt.Errorf("phase with empty ID")
		}
		if _, dup := m.index[p.ID]; dup {
			return nil, fmt.Errorf("duplicate phase ID %q", p.ID)
		}
		cp := clonePhase(p)
		if err := validateGroups(cp); err != nil {
			return nil, err
		}
		m.phases = append(m.phases, cp)
		m.index[cp.ID] = cp
	}
	return m, nil
}

func validateGroups(p *Phase) error {
	inPhase := make(map[string]bool, len(p.Tasks))
	for _, id := range p.Tasks {
		inPhase[id] = true
	}
	groups := make(map[string]bool, len(p.Groups))
	for _, gr := range p.Groups {
		if groups[gr.ID] {
			return fmt.Errorf("phase %q: duplicate group %q", p.ID, gr.ID)
		}
		groups[gr.ID] = true
		for _, taskID := range gr.Tasks {
			if !inPhase[taskID] {
				return fmt.Errorf("phase %q: group %q references task %q outside the phase", p.ID, gr.ID, taskID)
			}
		}
	}
	for _, gr := range p.Groups {
		for _, depID := range gr.DependsOn {
			if !groups[depID] {
				return fmt.Errorf("phase %q: group %q depends on unknown group %q", p.ID, gr.ID, depID)
			}
		}
	}
	return nil
}

// Current returns a copy of the phase the workflow is currently in, or nil
// when there are no phases.
func (m *Manager) Current() *Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.phases) == 0 {
		return nil
	}
	return clonePhase(m.phases[m.current])
}

// Phase returns a copy of a phase by ID.
func (m *Manager) Phase(id string) (*Phase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.index[id]
	if !ok {
		return nil, false
	}
	return clonePhase(p), true
}

// Phases returns copies of all phases in declared order.
func (m *Manager) Phases() []*Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Phase, 0, len(m.phases))
	for _, p := range m.phases {
		out = append(out, clonePhase(p))
	}
	return out
}

// Evaluate advances the phase state machine as far as current task state
// allows: activates the current phase when its preconditions hold, blocks
// it when tasks are terminal but required criteria are unmet, completes it
// when criteria pass, and activates the successor. Returns the transitions
// that occurred, in order.
func (m *Manager) Evaluate(tasks TaskStates) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var transitions []Transition
	for {
		if len(m.phases) == 0 {
			return transitions
		}
		p := m.phases[m.current]

		switch p.Status {
		case StatusPending:
			if !m.preconditionsMetLocked(p, tasks) {
				return transitions
			}
			p.Status = StatusActive
			p.StartedAt = time.Now()
			transitions = append(transitions, Transition{Kind: TransitionStarted, Phase: p.ID})

		case StatusActive, StatusBlocked:
			if !allTerminal(p, tasks) {
				return transitions
			}
			unmet, warn := criteriaState(p, tasks)
			if len(unmet) > 0 {
				if p.Status != StatusBlocked {
					p.Status = StatusBlocked
					transitions = append(transitions, Transition{Kind: TransitionBlocked, Phase: p.ID, Unmet: unmet, Warn: warn})
					return transitions
				}
				// Already blocked; re-check found no change.
				return transitions
			}
			p.Status = StatusComplete
			transitions = append(transitions, Transition{Kind: TransitionCompleted, Phase: p.ID, Warn: warn})
			if m.current == len(m.phases)-1 {
				return transitions
			}
			m.current++

		case StatusComplete:
			if m.current == len(m.phases)-1 {
				return transitions
			}
			m.current++
		}
	}
}

// preconditionsMetLocked checks a phase's preconditions against phase and
// task state.
func (m *Manager) preconditionsMetLocked(p *Phase, tasks TaskStates) bool {
	for _, pre := range p.Preconditions {
		if pre.RequiresPhase != "" {
			prior, ok := m.index[pre.RequiresPhase]
			if !ok || prior.Status != StatusComplete {
				return false
			}
		}
		if pre.RequiresTask != "" {
			task, ok := tasks.Get(pre.RequiresTask)
			if !ok || task.Status != graph.StatusCompleted {
				return false
			}
		}
	}
	return true
}

func allTerminal(p *Phase, tasks TaskStates) bool {
	for _, taskID := range p.Tasks {
		task, ok := tasks.Get(taskID)
		if !ok || !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// criteriaState evaluates checkpoint criteria, returning unmet required
// criterion IDs and unmet advisory ones.
func criteriaState(p *Phase, tasks TaskStates) (unmet, warn []string) {
	for i := range p.Criteria {
		c := &p.Criteria[i]
		if criterionMet(c, tasks) {
			continue
		}
		if c.Required {
			unmet = append(unmet, c.ID)
		} else {
			warn = append(warn, c.ID)
		}
	}
	return unmet, warn
}

func criterionMet(c *Criterion, tasks TaskStates) bool {
	if c.Waived {
		return true
	}
	switch c.Method {
	case MethodManual:
		return c.Approved
	case MethodArtifact:
		task, ok := tasks.Get(c.TargetTask)
		if !ok || task.Status != graph.StatusCompleted {
			return false
		}
		return strings.Contains(task.Result, c.Contains)
	case MethodDelegated:
		task, ok := tasks.Get(c.TargetTask)
		return ok && task.Status == graph.StatusCompleted
	}
	return false
}

// Approve records a manual approval for a criterion.
func (m *Manager) Approve(phaseID, criterionID string) error {
	return m.setCriterion(phaseID, criterionID, func(c *Criterion) error {
		if c.Method != MethodManual {
			return fmt.Errorf("criterion %q of phase %q is not manual", criterionID, phaseID)
		}
		c.Approved = true
		return nil
	})
}

// Waive explicitly waives a criterion, required or not.
func (m *Manager) Waive(phaseID, criterionID string) error {
	return m.setCriterion(phaseID, criterionID, func(c *Criterion) error {
		c.Waived = true
		return nil
	})
}

func (m *Manager) setCriterion(phaseID, criterionID string, fn func(*Criterion) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.index[phaseID]
	if !ok {
		return fmt.Errorf("phase %q not found", phaseID)
	}
	for i := range p.Criteria {
		if p.Criteria[i].ID == criterionID {
			return fn(&p.Criteria[i])
		}
	}
	return fmt.Errorf("criterion %q not found in phase %q", criterionID, phaseID)
}

// Dispatchable filters the given candidate task IDs down to those the
// active phase and its parallel groups allow right now. Tasks of other
// phases, or in groups whose dependency groups are not fully terminal, are
// held back. Grouped tasks of a dispatchable group come out together.
func (m *Manager) Dispatchable(candidates []string, tasks TaskStates) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.phases) == 0 {
		// No phase plan: everything is dispatchable.
		return candidates
	}
	p := m.phases[m.current]
	if p.Status != StatusActive {
		return nil
	}

	inPhase := make(map[string]bool, len(p.Tasks))
	for _, id := range p.Tasks {
		inPhase[id] = true
	}
	groupOf := make(map[string]*Group)
	groupByID := make(map[string]*Group, len(p.Groups))
	for i := range p.Groups {
		gr := &p.Groups[i]
		groupByID[gr.ID] = gr
		for _, taskID := range gr.Tasks {
			groupOf[taskID] = gr
		}
	}

	var out []string
	for _, id := range candidates {
		if !inPhase[id] {
			continue
		}
		gr, grouped := groupOf[id]
		if !grouped {
			out = append(out, id)
			continue
		}
		if groupDepsTerminal(gr, groupByID, tasks) {
			out = append(out, id)
		}
	}
	return out
}

// groupDepsTerminal reports whether every group gr depends on is fully
// terminal.
func groupDepsTerminal(gr *Group, groups map[string]*Group, tasks TaskStates) bool {
	for _, depID := range gr.DependsOn {
		dep := groups[depID]
		if dep == nil {
			return false
		}
		for _, taskID := range dep.Tasks {
			task, ok := tasks.Get(taskID)
			if !ok || !task.Status.Terminal() {
				return false
			}
		}
	}
	return true
}

// Progress reports per-phase task counts in declared order.
func (m *Manager) Progress(tasks TaskStates) []Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Progress, 0, len(m.phases))
	for _, p := range m.phases {
		prog := Progress{Phase: p.ID, Status: p.Status.String(), Total: len(p.Tasks)}
		for _, taskID := range p.Tasks {
			task, ok := tasks.Get(taskID)
			if !ok {
				continue
			}
			switch task.Status {
			case graph.StatusCompleted, graph.StatusSkipped:
				prog.Completed++
			case graph.StatusFailed, graph.StatusCancelled:
				prog.Failed++
			case graph.StatusInProgress, graph.StatusNeedsReview:
				prog.InProgress++
			default:
				prog.Pending++
			}
		}
		out = append(out, prog)
	}
	return out
}

// Snapshot captures the full phase state for checkpointing.
type Snapshot struct {
	Phases  []*Phase `json:"phases"`
	Current int      `json:"current"`
}

// Snapshot returns a deep copy of the manager state.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{Current: m.current}
	for _, p := range m.phases {
		snap.Phases = append(snap.Phases, clonePhase(p))
	}
	return snap
}

// Restore replaces the manager state with the snapshot.
func (m *Manager) Restore(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phases = nil
	m.index = make(map[string]*Phase, len(snap.Phases))
	for _, p := range snap.Phases {
		cp := clonePhase(p)
		m.phases = append(m.phases, cp)
		m.index[cp.ID] = cp
	}
	m.current = snap.Current
	if m.current >= len(m.phases) {
		m.current = 0
	}
}
