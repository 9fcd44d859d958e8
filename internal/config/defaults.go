package config

// DefaultConfig returns the default configuration with built-in roles and
// conservative dispatch limits.
func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			MaxConcurrent:     4,
			StuckAfterSeconds: 600,
			TickSeconds:       5,
		},
		Roles: map[string]RoleConfig{
			"builder": {
				MaxConcurrent: 2,
			},
			"reviewer": {
				MaxConcurrent: 1,
			},
			"tester": {
				MaxConcurrent: 2,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:           3,
			InitialBackoffSeconds: 1,
			MaxBackoffSeconds:     30,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CooldownSeconds:  60,
		},
		Checkpoints: CheckpointConfig{
			IntervalSeconds: 0,
			OnPhaseComplete: true,
			OnRiskyTask:     true,
			TimeoutSeconds:  30,
		},
		Priority: PriorityConfig{
			CascadeIterationCap: 64,
		},
		DatabasePath: ".helmsman/helmsman.db",
	}
}
