package worktree

import (
	"fmt"
	"path/filepath"
	"strings"
)

// WorktreeManager creates and removes the per-task worktrees that agents
// work in. Integration back into the base branch is the merge queue's job.
type WorktreeManager struct {
	config WorktreeManagerConfig
	git    *Git
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(cfg WorktreeManagerConfig) *WorktreeManager {
	return NewWorktreeManagerWithGit(cfg, NewGit())
}

// NewWorktreeManagerWithGit creates a worktree manager using the given Git.
func NewWorktreeManagerWithGit(cfg WorktreeManagerConfig, git *Git) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &WorktreeManager{config: cfg, git: git}
}

// RepoPath returns the repository the manager operates on.
func (m *WorktreeManager) RepoPath() string {
	return m.config.RepoPath
}

// Git returns the git driver used by the manager.
func (m *WorktreeManager) Git() *Git {
	return m.git
}

// BranchFor returns the branch name used for a task.
func BranchFor(taskID string) string {
	return "task/" + taskID
}

// Create creates a worktree on a new task/<taskID> branch from the base branch.
func (m *WorktreeManager) Create(taskID string) (*WorktreeInfo, error) {
	branch := BranchFor(taskID)
	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, taskID)

	if _, err := m.git.run(m.config.RepoPath, "worktree add", "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	head, err := m.git.run(wtPath, "rev-parse", "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	return &WorktreeInfo{
		Path:   wtPath,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(string(head)),
	}, nil
}

// Commit stages and commits everything in the worktree.
func (m *WorktreeManager) Commit(info *WorktreeInfo, message string) error {
	return m.git.CommitAll(info.Path, message)
}

// ChangedFiles lists files the worktree's branch changed relative to the base branch.
func (m *WorktreeManager) ChangedFiles(info *WorktreeInfo) ([]string, error) {
	return m.git.ChangedFiles(info.Path, m.config.BaseBranch)
}

// Cleanup removes the worktree and deletes the branch. Both steps are
// attempted even if the first fails.
func (m *WorktreeManager) Cleanup(info *WorktreeInfo) error {
	var errs []string

	if err := m.git.RemoveWorktree(m.config.RepoPath, info.Path); err != nil {
		errs = append(errs, err.Error())
	}
	if m.git.BranchExists(m.config.RepoPath, info.Branch) {
		if err := m.git.DeleteBranch(m.config.RepoPath, info.Branch); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns all worktrees in the repository.
func (m *WorktreeManager) List() ([]WorktreeInfo, error) {
	wts, err := m.git.ListWorktrees(m.config.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return wts, nil
}

// Find returns the worktree that has branch checked out, if any.
func (m *WorktreeManager) Find(branch string) (*WorktreeInfo, bool, error) {
	wts, err := m.List()
	if err != nil {
		return nil, false, err
	}
	for i := range wts {
		if wts[i].Branch == branch {
			return &wts[i], true, nil
		}
	}
	return nil, false, nil
}

// Prune cleans up stale worktree metadata.
func (m *WorktreeManager) Prune() error {
	if _, err := m.git.run(m.config.RepoPath, "worktree prune", "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
