package config

import (
	"errors"
	"fmt"
	"strings"
)

var validStrategies = map[string]bool{"ort": true, "theirs": true}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for name, agent := range c.Agents {
		if _, ok := c.Providers[agent.Provider]; !ok {
			add("agent %q uses unknown provider %q", name, agent.Provider)
		}
	}
	for name, p := range c.Providers {
		if p.Command == "" {
			add("provider %q has no command", name)
		}
	}

	s := c.Scheduler
	if s.MaxSetSize < 1 {
		add("scheduler.max_set_size must be at least 1, got %d", s.MaxSetSize)
	}
	if s.RiskLow < 0 || s.RiskMedium > 1 || s.RiskLow > s.RiskMedium {
		add("scheduler risk thresholds must satisfy 0 <= risk_low <= risk_medium <= 1")
	}
	for k, v := range s.DurationMinutes {
		if v <= 0 {
			add("scheduler.duration_minutes[%s] must be positive", k)
		}
	}

	m := c.MergeQueue
	if strings.TrimSpace(m.MainBranch) == "" {
		add("merge_queue.main_branch is required")
	}
	if m.MaxRetries < 0 {
		add("merge_queue.max_retries must not be negative")
	}
	if m.BaseDelayMs < 0 || m.MaxDelayMs < 0 {
		add("merge_queue retry delays must not be negative")
	}
	if m.TestRetries < 0 {
		add("merge_queue.test_retries must not be negative")
	}
	if m.MaxResolveDepth < 1 {
		add("merge_queue.max_resolve_depth must be at least 1")
	}
	for _, st := range m.MergeStrategies {
		if !validStrategies[st] {
			add("merge_queue.merge_strategies: unknown strategy %q", st)
		}
	}
	if m.AutoResolve && m.ResolveAgent != "" {
		if _, ok := c.Agents[m.ResolveAgent]; !ok {
			add("merge_queue.resolve_agent %q is not a configured agent", m.ResolveAgent)
		}
	}

	for i, r := range c.Packages {
		if r.Pattern == "" || r.Package == "" {
			add("packages[%d] needs both pattern and package", i)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
