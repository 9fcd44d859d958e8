package phase

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is the on-disk phase plan: an ordered list of phases with their
// tasks, preconditions, checkpoint criteria and parallel groups.
type Plan struct {
	Phases []*Phase `yaml:"phases"`
}

// ParsePlan decodes a phase plan from YAML bytes.
func ParsePlan(data []byte) (*Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("phase plan is empty")
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decoding phase plan: %w", err)
	}
	for _, p := range plan.Phases {
		for i := range p.Criteria {
			if err := validateCriterion(&p.Criteria[i], p.ID); err != nil {
				return nil, err
			}
		}
	}
	return &plan, nil
}

// LoadPlan reads and decodes a phase plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading phase plan %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

func validateCriterion(c *Criterion, phaseID string) error {
	switch c.Method {
	case MethodManual:
		return nil
	case MethodArtifact:
		if c.TargetTask == "" || c.Contains == "" {
			return fmt.Errorf("phase %q criterion %q: artifact criteria need target_task and contains", phaseID, c.ID)
		}
	case MethodDelegated:
		if c.TargetTask == "" {
			return fmt.Errorf("phase %q criterion %q: delegated criteria need target_task", phaseID, c.ID)
		}
	default:
		return fmt.Errorf("phase %q criterion %q: unknown method %q", phaseID, c.ID, c.Method)
	}
	return nil
}
