package failure

import (
	"strings"
	"testing"
)

func TestRouteCorrectiveClasses(t *testing.T) {
	r := NewRouter(DefaultRouterConfig())

	tests := []struct {
		name      string
		class     Class
		action    Action
		wantTitle string
	}{
		{"assertion", ClassAssertion, ActionFixImplementation, "Fix implementation"},
		{"contract", ClassContract, ActionFixSpec, "Reconcile specification"},
		{"environment", ClassEnvironment, ActionRepairEnvironment, "Repair environment"},
		{"style", ClassStyle, ActionAutoFixStyle, "Auto-fix style"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Route(Classification{
				TaskID:     "task-1",
				Class:      tt.class,
				Confidence: 0.9,
				Action:     tt.action,
			}, "builder", 1)

			if out.Corrective == nil {
				t.Fatal("expected corrective task")
			}
			if out.Escalation != nil {
				t.Error("unexpected escalation")
			}
			if !out.RetryOriginal {
				t.Error("expected retry of the original task")
			}
			if !strings.Contains(out.Corrective.Title, tt.wantTitle) {
				t.Errorf("Title = %q, want contains %q", out.Corrective.Title, tt.wantTitle)
			}
			if out.Corrective.Priority != DefaultRouterConfig().CorrectivePriority {
				t.Errorf("Priority = %d, want %d", out.Corrective.Priority, DefaultRouterConfig().CorrectivePriority)
			}
			if out.Corrective.Role != "builder" {
				t.Errorf("Role = %q, want builder", out.Corrective.Role)
			}
			if out.Corrective.ID == "" {
				t.Error("corrective task needs an ID")
			}
		})
	}
}

func TestRouteEscalatingClasses(t *testing.T) {
	r := NewRouter(DefaultRouterConfig())

	for _, class := range []Class{ClassTimeout, ClassPermission, ClassUnknown} {
		t.Run(class.String(), func(t *testing.T) {
			out := r.Route(Classification{
				TaskID: "task-1",
				Class:  class,
				Action: ActionEscalate,
			}, "builder", 0)

			if out.Escalation == nil {
				t.Fatal("expected escalation")
			}
			if out.Corrective != nil || out.RetryOriginal {
				t.Error("escalation must not carry an automatic fix")
			}
			if out.Escalation.TaskID != "task-1" || out.Escalation.Class != class {
				t.Errorf("escalation = %+v", out.Escalation)
			}
		})
	}
}

// TestRouteLowConfidenceNeverAutoFixes verifies the escalate-by-default
// rule: a classification already demoted to escalate stays escalated even
// for a fixable class.
func TestRouteLowConfidenceNeverAutoFixes(t *testing.T) {
	r := NewRouter(DefaultRouterConfig())

	out := r.Route(Classification{
		TaskID:     "task-1",
		Class:      ClassStyle,
		Confidence: 0.3,
		Action:     ActionEscalate,
	}, "builder", 0)

	if out.Escalation == nil || out.Corrective != nil {
		t.Errorf("low-confidence verdict produced an automatic fix: %+v", out)
	}
}

func TestRouteAttemptCap(t *testing.T) {
	r := NewRouter(RouterConfig{MaxAttempts: 2, CorrectivePriority: 50})

	cls := Classification{TaskID: "task-1", Class: ClassStyle, Confidence: 0.9, Action: ActionAutoFixStyle}

	if out := r.Route(cls, "builder", 1); out.Corrective == nil {
		t.Error("attempt 1 should still auto-fix")
	}
	out := r.Route(cls, "builder", 2)
	if out.Escalation == nil {
		t.Fatal("expected escalation past the attempt cap")
	}
	if !strings.Contains(out.Escalation.Reason, "attempt limit") {
		t.Errorf("Reason = %q, want attempt limit mention", out.Escalation.Reason)
	}
}
