package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Event type constants. Each type is its own topic on the bus, so FIFO
// ordering holds within a type but not across types.
const (
	EventTypeTaskCreated   = "task.created"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskProgress  = "task.progress"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeTaskStuck     = "task.stuck"
	EventTypeTaskSuggested = "task.suggested"

	EventTypePhaseStarted  = "phase.started"
	EventTypePhaseBlocked  = "phase.blocked"
	EventTypePhaseAdvanced = "phase.advanced"

	EventTypeCheckpointCreated = "checkpoint.created"
	EventTypeCheckpointRestore = "checkpoint.restored"
	EventTypeCheckpointPartial = "checkpoint.partial_failure"

	EventTypeDecisionRecorded = "decision.recorded"
	EventTypePriorityChanged  = "priority.changed"

	EventTypeFailureClassified = "failure.classified"
	EventTypeFailureEscalated  = "failure.escalated"

	EventTypeWorkflowState = "workflow.state"
)

// TaskCreatedEvent is published when a task enters the graph.
type TaskCreatedEvent struct {
	ID        string
	Title     string
	Role      string
	Priority  int
	Timestamp time.Time
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task is dispatched to a worker.
type TaskStartedEvent struct {
	ID        string
	Title     string
	Role      string
	Worker    string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskProgressEvent is published when a worker reports a progress signal.
type TaskProgressEvent struct {
	ID        string
	Note      string
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled, including
// cascade cancellations.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskStuckEvent is published when an in-progress task exceeds the stuck
// threshold with no progress signal.
type TaskStuckEvent struct {
	ID        string
	Since     time.Time
	Timestamp time.Time
}

func (e TaskStuckEvent) EventType() string { return EventTypeTaskStuck }
func (e TaskStuckEvent) TaskID() string    { return e.ID }

// TaskSuggestedEvent is published when a worker proposes a task that still
// needs approval.
type TaskSuggestedEvent struct {
	ID        string
	Title     string
	Proposer  string
	Timestamp time.Time
}

func (e TaskSuggestedEvent) EventType() string { return EventTypeTaskSuggested }
func (e TaskSuggestedEvent) TaskID() string    { return e.ID }

// PhaseStartedEvent is published when a phase's preconditions pass and it
// becomes active.
type PhaseStartedEvent struct {
	Phase     string
	Timestamp time.Time
}

func (e PhaseStartedEvent) EventType() string { return EventTypePhaseStarted }
func (e PhaseStartedEvent) TaskID() string    { return "" }

// PhaseBlockedEvent is published when a phase's tasks are terminal but
// required checkpoint criteria are unmet.
type PhaseBlockedEvent struct {
	Phase     string
	Unmet     []string
	Timestamp time.Time
}

func (e PhaseBlockedEvent) EventType() string { return EventTypePhaseBlocked }
func (e PhaseBlockedEvent) TaskID() string    { return "" }

// PhaseAdvancedEvent is published when a phase completes and the next one
// (if any) may start.
type PhaseAdvancedEvent struct {
	Completed string
	Next      string
	Timestamp time.Time
}

func (e PhaseAdvancedEvent) EventType() string { return EventTypePhaseAdvanced }
func (e PhaseAdvancedEvent) TaskID() string    { return "" }

// CheckpointCreatedEvent is published when a checkpoint is assembled.
type CheckpointCreatedEvent struct {
	CheckpointID string
	Trigger      string
	Workers      []string
	Timestamp    time.Time
}

func (e CheckpointCreatedEvent) EventType() string { return EventTypeCheckpointCreated }
func (e CheckpointCreatedEvent) TaskID() string    { return "" }

// CheckpointRestoredEvent is published after a successful restore.
type CheckpointRestoredEvent struct {
	CheckpointID string
	Timestamp    time.Time
}

func (e CheckpointRestoredEvent) EventType() string { return EventTypeCheckpointRestore }
func (e CheckpointRestoredEvent) TaskID() string    { return "" }

// CheckpointPartialEvent is published when one or more workers failed to
// snapshot or restore.
type CheckpointPartialEvent struct {
	CheckpointID  string
	FailedWorkers []string
	Timestamp     time.Time
}

func (e CheckpointPartialEvent) EventType() string { return EventTypeCheckpointPartial }
func (e CheckpointPartialEvent) TaskID() string    { return "" }

// DecisionRecordedEvent is published for every recorded decision.
type DecisionRecordedEvent struct {
	DecisionID string
	Question   string
	Choice     string
	Timestamp  time.Time
}

func (e DecisionRecordedEvent) EventType() string { return EventTypeDecisionRecorded }
func (e DecisionRecordedEvent) TaskID() string    { return "" }

// PriorityChangedEvent is published for every priority raise, including
// cascade corrections.
type PriorityChangedEvent struct {
	ID        string
	Old       int
	New       int
	Cascade   bool
	Timestamp time.Time
}

func (e PriorityChangedEvent) EventType() string { return EventTypePriorityChanged }
func (e PriorityChangedEvent) TaskID() string    { return e.ID }

// FailureClassifiedEvent is published when the classifier produces a result.
type FailureClassifiedEvent struct {
	ID         string
	Class      string
	Confidence float64
	Action     string
	Timestamp  time.Time
}

func (e FailureClassifiedEvent) EventType() string { return EventTypeFailureClassified }
func (e FailureClassifiedEvent) TaskID() string    { return e.ID }

// FailureEscalatedEvent is published when a failure is handed to a human
// operator instead of being auto-remediated.
type FailureEscalatedEvent struct {
	ID        string
	Class     string
	Reason    string
	Timestamp time.Time
}

func (e FailureEscalatedEvent) EventType() string { return EventTypeFailureEscalated }
func (e FailureEscalatedEvent) TaskID() string    { return e.ID }

// WorkflowStateEvent is published on every workflow state machine
// transition.
type WorkflowStateEvent struct {
	From      string
	To        string
	Timestamp time.Time
}

func (e WorkflowStateEvent) EventType() string { return EventTypeWorkflowState }
func (e WorkflowStateEvent) TaskID() string    { return "" }
