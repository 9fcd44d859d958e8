// Package failure classifies worker failure signals and routes them into
// remedial tasks or escalations. Classification is deterministic: identical
// evidence always yields the identical class, confidence and action.
package failure

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Class is a failure category.
type Class int

const (
	ClassUnknown     Class = iota // Could not be confidently classified
	ClassAssertion                // Expectation/assertion mismatch
	ClassContract                 // Contract/type mismatch
	ClassEnvironment              // Missing dependency or environment issue
	ClassStyle                    // Style/lint issue
	ClassTimeout                  // No completion within the allowed window
	ClassPermission               // Permission denial
)

// String returns the wire name of the class.
func (c Class) String() string {
	switch c {
	case ClassAssertion:
		return "assertion_error"
	case ClassContract:
		return "contract_error"
	case ClassEnvironment:
		return "environment_error"
	case ClassStyle:
		return "style_error"
	case ClassTimeout:
		return "timeout_error"
	case ClassPermission:
		return "permission_error"
	}
	return "unknown"
}

// Action is the suggested remedial action for a classified failure.
type Action int

const (
	ActionEscalate          Action = iota // Hand to a human operator
	ActionFixImplementation               // Create a corrective implementation task
	ActionFixSpec                         // Create a corrective specification/test task
	ActionRepairEnvironment               // Run an environment repair command, then retry
	ActionAutoFixStyle                    // Auto-fix style, then retry
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionFixImplementation:
		return "fix_implementation"
	case ActionFixSpec:
		return "fix_spec"
	case ActionRepairEnvironment:
		return "repair_environment"
	case ActionAutoFixStyle:
		return "autofix_style"
	}
	return "escalate"
}

// Signal is the raw failure evidence delivered by a worker or the stuck
// detector.
type Signal struct {
	TaskID   string
	Output   string // Tail of the worker's output
	Err      string // Error string reported by the worker
	TimedOut bool   // Set by the stuck detector or dispatch timeout
	Duration time.Duration
}

// Classification is the classifier's verdict.
type Classification struct {
	TaskID     string
	Class      Class
	Confidence float64
	Evidence   []string
	Action     Action
}

// rule binds an evidence pattern to a class with a base confidence. Rules
// are evaluated in order; the first match wins, which keeps the verdict
// deterministic when evidence matches several categories.
type rule struct {
	class      Class
	pattern    *regexp.Regexp
	confidence float64
}

var rules = []rule{
	{ClassPermission, regexp.MustCompile(`(?i)permission denied|operation not permitted|access denied|EACCES|403 forbidden`), 0.9},
	{ClassEnvironment, regexp.MustCompile(`(?i)command not found|no such file or directory|missing dependency|cannot find (package|module)|module not found|connection refused|could not resolve host`), 0.85},
	{ClassStyle, regexp.MustCompile(`(?i)\blint(er)?\b|gofmt|goimports|formatting|trailing whitespace|style violation`), 0.8},
	{ClassContract, regexp.MustCompile(`(?i)type mismatch|cannot use .+ as .+|does not implement|wrong number of arguments|incompatible signature|undefined method|schema violation`), 0.8},
	{ClassAssertion, regexp.MustCompile(`(?i)assertion failed|expected .+ (but )?got|want .+ got|--- FAIL|test(s)? failed`), 0.75},
}

// actionFor maps a class to its default remedial action. Timeouts and
// permission denials carry no safe automatic fix and escalate.
var actionFor = map[Class]Action{
	ClassAssertion:   ActionFixImplementation,
	ClassContract:    ActionFixSpec,
	ClassEnvironment: ActionRepairEnvironment,
	ClassStyle:       ActionAutoFixStyle,
	ClassTimeout:     ActionEscalate,
	ClassPermission:  ActionEscalate,
	ClassUnknown:     ActionEscalate,
}

// Classifier inspects failure signals. Verdicts below MinConfidence are
// demoted to escalation; a failure is never guessed into an automatic fix.
type Classifier struct {
	minConfidence float64
}

// DefaultMinConfidence is the floor below which a classified failure is
// escalated instead of auto-remediated.
const DefaultMinConfidence = 0.6

// NewClassifier creates a classifier. minConfidence <= 0 selects the
// default floor.
func NewClassifier(minConfidence float64) *Classifier {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Classifier{minConfidence: minConfidence}
}

// Classify inspects a signal and returns class, confidence, evidence and
// suggested action.
func (c *Classifier) Classify(sig Signal) Classification {
	if sig.TimedOut {
		return Classification{
			TaskID:     sig.TaskID,
			Class:      ClassTimeout,
			Confidence: 0.9,
			Evidence:   []string{fmt.Sprintf("no progress signal for %s", sig.Duration)},
			Action:     actionFor[ClassTimeout],
		}
	}

	corpus := sig.Err + "\n" + sig.Output

	for _, r := range rules {
		match := r.pattern.FindString(corpus)
		if match == "" {
			continue
		}

		cls := Classification{
			TaskID:     sig.TaskID,
			Class:      r.class,
			Confidence: r.confidence,
			Evidence:   []string{strings.TrimSpace(match)},
			Action:     actionFor[r.class],
		}
		// Evidence matching other categories too lowers confidence.
		for _, other := range rules {
			if other.class != r.class && other.pattern.MatchString(corpus) {
				cls.Confidence -= 0.1
				cls.Evidence = append(cls.Evidence, strings.TrimSpace(other.pattern.FindString(corpus)))
			}
		}
		if cls.Confidence < c.minConfidence {
			cls.Action = ActionEscalate
		}
		return cls
	}

	return Classification{
		TaskID:     sig.TaskID,
		Class:      ClassUnknown,
		Confidence: 0,
		Evidence:   nil,
		Action:     ActionEscalate,
	}
}
