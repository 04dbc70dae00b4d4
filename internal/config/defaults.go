package config

// MaxParallelLimit is the most agents ever run at once.
const MaxParallelLimit = 5

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
		},
		Agents: map[string]AgentConfig{
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code. Keep changes focused on the task.",
			},
			"resolver": {
				Provider:     "claude",
				SystemPrompt: "You resolve git merge conflicts. Reply with the resolved file content only.",
				Tools:        []string{"Read"},
			},
		},
		Scheduler: SchedulerConfig{
			MaxParallel: 3,
			MaxSetSize:  3,
			DurationMinutes: map[string]int{
				"low":    15,
				"medium": 30,
				"high":   45,
			},
			RiskLow:    0.3,
			RiskMedium: 0.6,
		},
		MergeQueue: MergeQueueConfig{
			MainBranch:       "main",
			RetryEnabled:     true,
			MaxRetries:       3,
			BaseDelayMs:      1000,
			MaxDelayMs:       30000,
			TestRetries:      2,
			TestRetryDelayMs: 2000,
			AutoResolve:      true,
			ResolveAgent:     "resolver",
			ResolveTimeoutMs: 60000,
			MaxResolveDepth:  10,
			MergeStrategies:  []string{"ort", "theirs"},
			LockFile:         ".mergeflow/queue.lock",
		},
		Store: StoreConfig{
			Path:        ".mergeflow/mergeflow.db",
			WorktreeDir: ".worktrees",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
