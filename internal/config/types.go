package config

import "time"

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude")
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
	Type    string   `json:"type"`           // Backend type matching backend.Config.Type
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider        string   `json:"provider"`                // Key into Providers map
	Model           string   `json:"model,omitempty"`         // Model override
	SystemPrompt    string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Tools           []string `json:"tools,omitempty"`         // Allowed tools for this role
	SkipPermissions bool     `json:"skip_permissions,omitempty"`
}

// SchedulerConfig tunes parallel set selection.
type SchedulerConfig struct {
	MaxParallel     int            `json:"max_parallel"`               // Clamped to 1..5
	MaxSetSize      int            `json:"max_set_size"`               // Largest subset enumerated
	DurationMinutes map[string]int `json:"duration_minutes,omitempty"` // complexity -> minutes
	RiskLow         float64        `json:"risk_low"`                   // Upper bound of the low bucket
	RiskMedium      float64        `json:"risk_medium"`                // Upper bound of the medium bucket
	PackageLocks    bool           `json:"package_locks,omitempty"`    // Serialize running tasks that share a package
}

// MergeQueueConfig configures branch integration.
type MergeQueueConfig struct {
	MainBranch       string   `json:"main_branch"`
	RetryEnabled     bool     `json:"retry_enabled"`
	MaxRetries       int      `json:"max_retries"`
	BaseDelayMs      int      `json:"base_delay_ms"`
	MaxDelayMs       int      `json:"max_delay_ms"`
	TestCommand      string   `json:"test_command,omitempty"` // Empty disables the test gate
	TestTimeoutMs    int      `json:"test_timeout_ms,omitempty"`
	TestRetries      int      `json:"test_retries"`
	TestRetryDelayMs int      `json:"test_retry_delay_ms"`
	AutoResolve      bool     `json:"auto_resolve"`
	ResolveAgent     string   `json:"resolve_agent,omitempty"` // Key into Agents map
	ResolveTimeoutMs int      `json:"resolve_timeout_ms"`
	MaxResolveDepth  int      `json:"max_resolve_depth"`
	MergeStrategies  []string `json:"merge_strategies,omitempty"`
	LockFile         string   `json:"lock_file,omitempty"` // Relative to the repository
}

// PackageRule maps files matching a glob onto a logical package.
type PackageRule struct {
	Pattern string `json:"pattern"`
	Package string `json:"package"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path        string `json:"path"`         // Relative to the repository
	WorktreeDir string `json:"worktree_dir"` // Relative to the repository
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`         // "text" or "json"
	File   string `json:"file,omitempty"` // Empty logs to stderr
}

// Config is the top-level configuration.
type Config struct {
	Providers  map[string]ProviderConfig `json:"providers"`
	Agents     map[string]AgentConfig    `json:"agents"`
	Scheduler  SchedulerConfig           `json:"scheduler"`
	MergeQueue MergeQueueConfig          `json:"merge_queue"`
	Packages   []PackageRule             `json:"packages,omitempty"`
	Store      StoreConfig               `json:"store"`
	Logging    LoggingConfig             `json:"logging"`
}

// BaseDelay is the first retry backoff step.
func (m MergeQueueConfig) BaseDelay() time.Duration { return ms(m.BaseDelayMs) }

// MaxDelay caps the retry backoff.
func (m MergeQueueConfig) MaxDelay() time.Duration { return ms(m.MaxDelayMs) }

// TestTimeout bounds a single test run; zero means none.
func (m MergeQueueConfig) TestTimeout() time.Duration { return ms(m.TestTimeoutMs) }

// TestRetryDelay is the pause between re-runs of a failing suite.
func (m MergeQueueConfig) TestRetryDelay() time.Duration { return ms(m.TestRetryDelayMs) }

// ResolveTimeout bounds one conflict resolution.
func (m MergeQueueConfig) ResolveTimeout() time.Duration { return ms(m.ResolveTimeoutMs) }

// Durations returns the complexity estimates as durations.
func (s SchedulerConfig) Durations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(s.DurationMinutes))
	for k, v := range s.DurationMinutes {
		out[k] = time.Duration(v) * time.Minute
	}
	return out
}

// Parallelism returns MaxParallel clamped to 1..5.
func (s SchedulerConfig) Parallelism() int {
	switch {
	case s.MaxParallel < 1:
		return 1
	case s.MaxParallel > MaxParallelLimit:
		return MaxParallelLimit
	default:
		return s.MaxParallel
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
