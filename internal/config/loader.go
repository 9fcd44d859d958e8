package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.helmsman/config.json
// Project: .helmsman/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".helmsman", "config.json")
	projectPath := filepath.Join(".helmsman", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
// Scalar sections override only when set; the roles map merges per key.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Dispatch.MaxConcurrent > 0 {
		base.Dispatch.MaxConcurrent = loaded.Dispatch.MaxConcurrent
	}
	if loaded.Dispatch.StuckAfterSeconds > 0 {
		base.Dispatch.StuckAfterSeconds = loaded.Dispatch.StuckAfterSeconds
	}
	if loaded.Dispatch.TickSeconds > 0 {
		base.Dispatch.TickSeconds = loaded.Dispatch.TickSeconds
	}

	for key, role := range loaded.Roles {
		base.Roles[key] = role
	}

	if loaded.Retry.MaxAttempts > 0 {
		base.Retry.MaxAttempts = loaded.Retry.MaxAttempts
	}
	if loaded.Retry.InitialBackoffSeconds > 0 {
		base.Retry.InitialBackoffSeconds = loaded.Retry.InitialBackoffSeconds
	}
	if loaded.Retry.MaxBackoffSeconds > 0 {
		base.Retry.MaxBackoffSeconds = loaded.Retry.MaxBackoffSeconds
	}

	if loaded.Breaker.FailureThreshold > 0 {
		base.Breaker.FailureThreshold = loaded.Breaker.FailureThreshold
	}
	if loaded.Breaker.CooldownSeconds > 0 {
		base.Breaker.CooldownSeconds = loaded.Breaker.CooldownSeconds
	}

	if loaded.Checkpoints.IntervalSeconds > 0 {
		base.Checkpoints.IntervalSeconds = loaded.Checkpoints.IntervalSeconds
	}
	if loaded.Checkpoints.TimeoutSeconds > 0 {
		base.Checkpoints.TimeoutSeconds = loaded.Checkpoints.TimeoutSeconds
	}
	if loaded.Checkpoints.OnTaskComplete {
		base.Checkpoints.OnTaskComplete = true
	}
	if loaded.Checkpoints.OnPhaseComplete {
		base.Checkpoints.OnPhaseComplete = true
	}
	if loaded.Checkpoints.OnRiskyTask {
		base.Checkpoints.OnRiskyTask = true
	}

	if loaded.Priority.CascadeIterationCap > 0 {
		base.Priority.CascadeIterationCap = loaded.Priority.CascadeIterationCap
	}

	if loaded.PlanPath != "" {
		base.PlanPath = loaded.PlanPath
	}
	if loaded.DatabasePath != "" {
		base.DatabasePath = loaded.DatabasePath
	}

	return nil
}
