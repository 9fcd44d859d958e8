// Package phase groups tasks into ordered phases gated by review
// checkpoints, and into parallel dispatch groups within a phase.
package phase

import "time"

// Status represents the current state of a phase.
type Status int

const (
	StatusPending  Status = iota // Preconditions not yet checked or unmet
	StatusActive                 // Preconditions hold, tasks may dispatch
	StatusBlocked                // Tasks terminal but required criteria unmet
	StatusComplete               // Criteria satisfied or waived
)

// String returns the wire/storage name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusBlocked:
		return "blocked"
	case StatusComplete:
		return "complete"
	}
	return "unknown"
}

// Method is how a checkpoint criterion is verified.
type Method string

const (
	MethodManual    Method = "manual"    // A human approves via directive
	MethodArtifact  Method = "artifact"  // A produced task result must contain an assertion string
	MethodDelegated Method = "delegated" // A designated review task must complete
)

// Criterion is one checkpoint criterion of a phase. Required criteria block
// progression; advisory ones only warn.
type Criterion struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Method      Method `yaml:"method" json:"method"`
	Required    bool   `yaml:"required" json:"required"`
	// TargetTask names the task whose result is asserted (artifact) or
	// whose completion is awaited (delegated).
	TargetTask string `yaml:"target_task,omitempty" json:"target_task,omitempty"`
	// Contains is the assertion substring for artifact criteria.
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`

	Approved bool `yaml:"-" json:"approved,omitempty"` // Manual approval received
	Waived   bool `yaml:"-" json:"waived,omitempty"`   // Explicitly waived by a human
}

// Precondition must hold before a phase may activate.
type Precondition struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// RequiresPhase names a phase that must be complete.
	RequiresPhase string `yaml:"requires_phase,omitempty" json:"requires_phase,omitempty"`
	// RequiresTask names a task that must be completed (a prior artifact
	// or piece of state that must exist).
	RequiresTask string `yaml:"requires_task,omitempty" json:"requires_task,omitempty"`
}

// Group is a parallel dispatch group: its tasks dispatch together once
// every group it depends on is fully terminal.
type Group struct {
	ID        string   `yaml:"id" json:"id"`
	Tasks     []string `yaml:"tasks" json:"tasks"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Phase is an ordered group of tasks gated by a review checkpoint.
type Phase struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name,omitempty" json:"name,omitempty"`
	Tasks         []string       `yaml:"tasks" json:"tasks"`
	Preconditions []Precondition `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Criteria      []Criterion    `yaml:"criteria,omitempty" json:"criteria,omitempty"`
	Groups        []Group        `yaml:"groups,omitempty" json:"groups,omitempty"`

	Status    Status    `yaml:"-" json:"status"`
	StartedAt time.Time `yaml:"-" json:"started_at,omitzero"`
}

// Progress summarizes task outcomes within one phase.
type Progress struct {
	Phase      string `json:"phase"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	InProgress int    `json:"in_progress"`
	Pending    int    `json:"pending"`
}

func clonePhase(p *Phase) *Phase {
	cp := *p
	cp.Tasks = append([]string(nil), p.Tasks...)
	cp.Preconditions = append([]Precondition(nil), p.Preconditions...)
	cp.Criteria = append([]Criterion(nil), p.Criteria...)
	cp.Groups = make([]Group, len(p.Groups))
	for i, gr := range p.Groups {
		cp.Groups[i] = Group{
			ID:        gr.ID,
			Tasks:     append([]string(nil), gr.Tasks...),
			DependsOn: append([]string(nil), gr.DependsOn...),
		}
	}
	return &cp
}
