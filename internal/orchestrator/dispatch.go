package orchestrator

import (
	"context"
	"time"

	"github.com/helmsman-dev/helmsman/internal/graph"
)

// ContextBundle is the working context handed to a worker with a task:
// everything the worker needs to act without querying the loop back.
type ContextBundle struct {
	Task         *graph.Task
	Phase        string            // Active phase ID, if a plan is loaded
	Dependencies map[string]string // Dependency ID -> its recorded result
	Notes        []string          // Free-form operator nudges since the last dispatch
}

// Dispatcher hands a task to a worker. Dispatch must not block on the
// worker finishing: the outcome comes back later through the intake queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *graph.Task, bundle ContextBundle) error
}

// ContextProvider assembles the context bundle for a task before dispatch.
type ContextProvider interface {
	BuildContext(ctx context.Context, task *graph.Task) (ContextBundle, error)
}

// WorkerEventKind discriminates intake events.
type WorkerEventKind int

const (
	WorkerProgress   WorkerEventKind = iota // Liveness/progress signal
	WorkerCompleted                         // Task finished successfully
	WorkerFailed                            // Task finished with an error
	WorkerSuggestion                        // Worker proposes a new task
)

// WorkerEvent is one report from a worker, queued into the loop's intake.
type WorkerEvent struct {
	Kind     WorkerEventKind
	TaskID   string
	Worker   string
	Note     string      // Progress note
	Result   string      // Completion result
	Output   string      // Raw output for failure classification
	Err      string      // Error text for failure classification
	TimedOut bool        // The worker's own execution deadline expired
	Proposed *graph.Task // Suggested task for WorkerSuggestion
	At       time.Time
}
