package failure

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/graph"
)

// Escalation is a failure handed to a human operator.
type Escalation struct {
	TaskID string
	Class  Class
	Reason string
}

// Outcome is the router's verdict on a classified failure. Exactly one of
// Corrective/Escalation is set; RetryOriginal tells the loop to return the
// failed task to pending once the corrective task (if any) completes.
type Outcome struct {
	Corrective    *graph.Task
	RetryOriginal bool
	Escalation    *Escalation
}

// RouterConfig configures routing behavior.
type RouterConfig struct {
	CorrectivePriority int // Priority assigned to corrective tasks (default 100)
	MaxAttempts        int // Attempts before any failure escalates (default 3)
}

// DefaultRouterConfig returns the default routing configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CorrectivePriority: 100,
		MaxAttempts:        3,
	}
}

// handler converts one classified failure into an outcome.
type handler func(r *Router, cls Classification, failedRole string) Outcome

// Router converts classifications into corrective tasks or escalations
// through an explicit handler table keyed by class.
type Router struct {
	cfg      RouterConfig
	handlers map[Class]handler
}

// NewRouter creates a router with the default handler table.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.CorrectivePriority <= 0 {
		cfg.CorrectivePriority = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	r := &Router{cfg: cfg}
	r.handlers = map[Class]handler{
		ClassAssertion: func(r *Router, cls Classification, role string) Outcome {
			return r.corrective(cls, role, "Fix implementation for %s")
		},
		ClassContract: func(r *Router, cls Classification, role string) Outcome {
			return r.corrective(cls, role, "Reconcile specification/tests for %s")
		},
		ClassEnvironment: func(r *Router, cls Classification, role string) Outcome {
			return r.corrective(cls, role, "Repair environment for %s")
		},
		ClassStyle: func(r *Router, cls Classification, role string) Outcome {
			return r.corrective(cls, role, "Auto-fix style issues in %s")
		},
		ClassTimeout:    escalateHandler,
		ClassPermission: escalateHandler,
		ClassUnknown:    escalateHandler,
	}
	return r
}

func escalateHandler(r *Router, cls Classification, _ string) Outcome {
	return Outcome{Escalation: &Escalation{
		TaskID: cls.TaskID,
		Class:  cls.Class,
		Reason: fmt.Sprintf("%s (confidence %.2f) has no safe automatic remediation", cls.Class, cls.Confidence),
	}}
}

// Route converts a classification into an outcome. attempts is how many
// times the failed task has already run; past the attempt cap everything
// escalates. A classification whose action is escalate (including every
// low-confidence verdict) never produces an automatic fix.
func (r *Router) Route(cls Classification, failedRole string, attempts int) Outcome {
	if attempts >= r.cfg.MaxAttempts {
		return Outcome{Escalation: &Escalation{
			TaskID: cls.TaskID,
			Class:  cls.Class,
			Reason: fmt.Sprintf("attempt limit reached (%d/%d)", attempts, r.cfg.MaxAttempts),
		}}
	}
	if cls.Action == ActionEscalate {
		return escalateHandler(r, cls, failedRole)
	}

	h, ok := r.handlers[cls.Class]
	if !ok {
		return escalateHandler(r, cls, failedRole)
	}
	return h(r, cls, failedRole)
}

// corrective builds a high-priority corrective task for the failed task.
// The loop wires the failed task to depend on it and retries.
func (r *Router) corrective(cls Classification, role, titleFormat string) Outcome {
	return Outcome{
		Corrective: &graph.Task{
			ID:        "fix-" + uuid.NewString(),
			Title:     fmt.Sprintf(titleFormat, cls.TaskID),
			Role:      role,
			Priority:  r.cfg.CorrectivePriority,
			CreatedAt: time.Now(),
		},
		RetryOriginal: true,
	}
}
