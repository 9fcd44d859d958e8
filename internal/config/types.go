package config

import "time"

// RoleConfig defines a worker role and its dispatch limits.
type RoleConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"` // Per-role ceiling; 0 means no role-specific limit
	MaxAttempts   int `json:"max_attempts,omitempty"`   // Per-role retry cap override
}

// DispatchConfig bounds how much work runs at once.
type DispatchConfig struct {
	MaxConcurrent     int `json:"max_concurrent"`      // Global ceiling across all roles
	StuckAfterSeconds int `json:"stuck_after_seconds"` // In-progress tasks older than this are flagged stuck
	TickSeconds       int `json:"tick_seconds"`        // Periodic reaction interval
}

// StuckAfter returns the stuck-task threshold as a duration.
func (d DispatchConfig) StuckAfter() time.Duration {
	return time.Duration(d.StuckAfterSeconds) * time.Second
}

// Tick returns the periodic reaction interval as a duration.
func (d DispatchConfig) Tick() time.Duration {
	return time.Duration(d.TickSeconds) * time.Second
}

// RetryConfig tunes the transient-failure retry wrapper around dispatch.
type RetryConfig struct {
	MaxAttempts           int     `json:"max_attempts"`
	InitialBackoffSeconds float64 `json:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `json:"max_backoff_seconds"`
}

// InitialBackoff returns the first retry delay.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffSeconds * float64(time.Second))
}

// MaxBackoff returns the retry delay ceiling.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSeconds * float64(time.Second))
}

// BreakerConfig tunes the per-role circuit breakers guarding dispatch.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"` // Consecutive failures before the breaker opens
	CooldownSeconds  int `json:"cooldown_seconds"`  // Open duration before a trial dispatch
}

// Cooldown returns the open-state duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// CheckpointConfig controls when checkpoints fire and how long workers get.
type CheckpointConfig struct {
	IntervalSeconds int  `json:"interval_seconds"` // 0 disables interval checkpoints
	OnTaskComplete  bool `json:"on_task_complete"`
	OnPhaseComplete bool `json:"on_phase_complete"`
	OnRiskyTask     bool `json:"on_risky_task"`
	TimeoutSeconds  int  `json:"timeout_seconds"` // Worker snapshot/restore deadline
}

// Interval returns the periodic checkpoint interval.
func (c CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns the worker fan-out deadline.
func (c CheckpointConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PriorityConfig tunes priority propagation.
type PriorityConfig struct {
	CascadeIterationCap int `json:"cascade_iteration_cap"`
}

// Config is the top-level configuration.
type Config struct {
	Dispatch     DispatchConfig        `json:"dispatch"`
	Roles        map[string]RoleConfig `json:"roles"`
	Retry        RetryConfig           `json:"retry"`
	Breaker      BreakerConfig         `json:"breaker"`
	Checkpoints  CheckpointConfig      `json:"checkpoints"`
	Priority     PriorityConfig        `json:"priority"`
	PlanPath     string                `json:"plan_path,omitempty"`     // Phase plan YAML; empty means no phase gating
	DatabasePath string                `json:"database_path,omitempty"` // SQLite file; empty means in-memory only
}
