package orchestrator

import (
	"fmt"

	"github.com/aristath/mergeflow/internal/backend"
	"github.com/aristath/mergeflow/internal/config"
	"github.com/aristath/mergeflow/internal/scheduler"
)

// DefaultAgentRole is used for tasks that name no agent role.
const DefaultAgentRole = "coder"

// BackendConfig resolves an agent role to the backend configuration that
// runs it in workDir.
func BackendConfig(cfg *config.Config, role, workDir string) (backend.Config, error) {
	if role == "" {
		role = DefaultAgentRole
	}
	agent, ok := cfg.Agents[role]
	if !ok {
		return backend.Config{}, fmt.Errorf("unknown agent role %q", role)
	}
	provider, ok := cfg.Providers[agent.Provider]
	if !ok {
		return backend.Config{}, fmt.Errorf("agent %q: unknown provider %q", role, agent.Provider)
	}

	if !backend.Supported(provider.Type) {
		return backend.Config{}, fmt.Errorf("agent %q: provider %q: %w: %s", role, agent.Provider, backend.ErrUnknownType, provider.Type)
	}

	return backend.Config{
		Type:            provider.Type,
		Command:         provider.Command,
		WorkDir:         workDir,
		Model:           agent.Model,
		SystemPrompt:    agent.SystemPrompt,
		AllowedTools:    agent.Tools,
		SkipPermissions: agent.SkipPermissions,
		ExtraArgs:       provider.Args,
	}, nil
}

// NewBackendFactory returns a factory that starts each task's agent with the
// configuration of its role. Processes are tracked by pm.
func NewBackendFactory(cfg *config.Config, pm *backend.ProcessManager, opts ...backend.ClaudeOption) BackendFactory {
	return func(task *scheduler.Task, workDir string) (backend.Backend, error) {
		bc, err := BackendConfig(cfg, task.AgentRole, workDir)
		if err != nil {
			return nil, err
		}
		return backend.New(bc, pm, opts...)
	}
}
