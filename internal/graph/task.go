package graph

import "time"

// Status represents the current state of a task.
type Status int

const (
	StatusPending     Status = iota // Waiting for dependencies or dispatch
	StatusInProgress                // Handed to a worker, outcome not yet reported
	StatusNeedsReview               // Work finished, awaiting a review gate
	StatusCompleted                 // Finished successfully
	StatusFailed                    // Finished with an error
	StatusCancelled                 // Cancelled before or during execution
	StatusSkipped                   // Intentionally not run
)

// String returns the wire/storage name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusNeedsReview:
		return "needs_review"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Resolved reports whether a dependency in this status no longer blocks
// its dependents.
func (s Status) Resolved() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Task represents a unit of delegated work in the graph.
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Role           string    `json:"role"` // Worker role, keys per-role concurrency ceilings
	Status         Status    `json:"status"`
	Priority       int       `json:"priority"` // Higher is more urgent
	DependsOn      []string  `json:"depends_on"`
	Blocks         []string  `json:"blocks"` // Inverse of DependsOn, kept consistent by the graph
	Worker         string    `json:"worker,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	Group          string    `json:"group,omitempty"` // Parallel group within the phase
	Result         string    `json:"result,omitempty"`
	Reason         string    `json:"reason,omitempty"` // Failure or cancellation reason
	ReviewRequired bool      `json:"review_required,omitempty"`
	Risky          bool      `json:"risky,omitempty"` // Triggers a checkpoint before dispatch
	Attempts       int       `json:"attempts,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`

	seq int // Insertion order, tie-break for dispatch selection
}

// validTransitions encodes the task state machine. A transition absent from
// this table is rejected with ErrInvalidTransition.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusInProgress, StatusCompleted, StatusCancelled, StatusSkipped},
	StatusInProgress:  {StatusNeedsReview, StatusCompleted, StatusFailed, StatusCancelled},
	StatusNeedsReview: {StatusCompleted, StatusFailed, StatusCancelled},
	// Failed tasks may be retried after a corrective task lands.
	StatusFailed: {StatusPending, StatusInProgress},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Blocks != nil {
		cp.Blocks = append([]string(nil), task.Blocks...)
	}
	return &cp
}
