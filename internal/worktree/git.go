package worktree

import (
	"bufio"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExecutor abstracts command execution so git calls can be faked in tests.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Git drives the git CLI. Every operation takes the directory it runs in,
// so the same value serves the shared checkout and any worktree.
type Git struct {
	executor CommandExecutor
}

// NewGit returns a Git backed by the real git binary.
func NewGit() *Git {
	return &Git{executor: CLICommandExecutor{}}
}

// NewGitWithExecutor returns a Git using a custom executor.
func NewGitWithExecutor(executor CommandExecutor) *Git {
	return &Git{executor: executor}
}

func (g *Git) run(dir, op string, args ...string) ([]byte, error) {
	output, err := g.executor.Run(dir, "git", args...)
	if err != nil {
		return output, gitError(op, dir, output, err)
	}
	return output, nil
}

// CurrentBranch returns the branch checked out in dir.
func (g *Git) CurrentBranch(dir string) (string, error) {
	out, err := g.run(dir, "rev-parse", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Checkout switches dir to ref.
func (g *Git) Checkout(dir, ref string) error {
	_, err := g.run(dir, "checkout", "checkout", ref)
	return err
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(dir, branch string) bool {
	_, err := g.run(dir, "rev-parse", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Rebase rebases the branch checked out in dir onto onto. When the rebase
// stops on a conflict the returned error wraps ErrRebaseConflict and the
// rebase is left in progress.
func (g *Git) Rebase(dir, onto string) error {
	out, err := g.executor.Run(dir, "git", "rebase", onto)
	if err == nil {
		return nil
	}
	if g.rebaseStopped(dir, out) {
		return gitError("rebase", dir, out, fmt.Errorf("%w onto %s", ErrRebaseConflict, onto))
	}
	return gitError("rebase", dir, out, err)
}

// RebaseContinue continues a rebase after conflicts were staged. A conflict on
// a later commit returns an error wrapping ErrRebaseConflict.
func (g *Git) RebaseContinue(dir string) error {
	out, err := g.executor.Run(dir, "git", "-c", "core.editor=true", "rebase", "--continue")
	if err == nil {
		return nil
	}
	// The resolution made the commit empty; drop it and carry on.
	if strings.Contains(string(out), "nothing to commit") || strings.Contains(string(out), "No changes") {
		out, err = g.executor.Run(dir, "git", "-c", "core.editor=true", "rebase", "--skip")
		if err == nil {
			return nil
		}
	}
	if g.rebaseStopped(dir, out) {
		return gitError("rebase --continue", dir, out, ErrRebaseConflict)
	}
	return gitError("rebase --continue", dir, out, err)
}

// RebaseAbort aborts an in-progress rebase.
func (g *Git) RebaseAbort(dir string) error {
	_, err := g.run(dir, "rebase --abort", "rebase", "--abort")
	return err
}

func (g *Git) rebaseStopped(dir string, output []byte) bool {
	s := string(output)
	if strings.Contains(s, "CONFLICT") || strings.Contains(s, "could not apply") {
		return true
	}
	files, err := g.ConflictedFiles(dir)
	return err == nil && len(files) > 0
}

// ConflictedFiles returns the paths with unresolved conflicts in dir.
func (g *Git) ConflictedFiles(dir string) ([]string, error) {
	out, err := g.run(dir, "diff", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// Add stages files in dir.
func (g *Git) Add(dir string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	_, err := g.run(dir, "add", args...)
	return err
}

// CommitAll stages and commits all changes. No changes is not an error.
func (g *Git) CommitAll(dir, message string) error {
	if _, err := g.run(dir, "add", "add", "-A"); err != nil {
		return err
	}
	out, err := g.executor.Run(dir, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return nil
		}
		return gitError("commit", dir, out, err)
	}
	return nil
}

// Merge merges branch into the branch checked out in dir with a no-ff merge
// commit. On failure the merge is aborted, the result lists the conflicting
// files and the error wraps ErrMergeConflict.
func (g *Git) Merge(dir, branch, message string, strategy MergeStrategy) (*MergeResult, error) {
	result := &MergeResult{StrategyUsed: strategy}

	args := append([]string{"merge", "--no-ff", "-m", message}, strategy.Args()...)
	args = append(args, branch)
	out, err := g.executor.Run(dir, "git", args...)
	if err == nil {
		result.Merged = true
		return result, nil
	}

	files, ferr := g.ConflictedFiles(dir)
	if ferr != nil || len(files) == 0 {
		files = parseConflictFiles(string(out))
	}
	result.ConflictFiles = files
	_ = g.MergeAbort(dir)

	if len(files) == 0 && !strings.Contains(string(out), "CONFLICT") {
		return result, gitError("merge", dir, out, err)
	}
	return result, gitError("merge", dir, out, fmt.Errorf("%w: %s with %s", ErrMergeConflict, branch, strategy))
}

// MergeAbort aborts an in-progress merge.
func (g *Git) MergeAbort(dir string) error {
	_, err := g.run(dir, "merge --abort", "merge", "--abort")
	return err
}

// DeleteBranch deletes a local branch, forcing when it is not fully merged.
func (g *Git) DeleteBranch(dir, branch string) error {
	out, err := g.executor.Run(dir, "git", "branch", "-d", branch)
	if err == nil {
		return nil
	}
	forceOut, forceErr := g.executor.Run(dir, "git", "branch", "-D", branch)
	if forceErr != nil {
		return gitError("branch -D", dir, append(out, forceOut...), forceErr)
	}
	return nil
}

// ChangedFiles lists files changed on HEAD relative to its merge base with base.
func (g *Git) ChangedFiles(dir, base string) ([]string, error) {
	out, err := g.run(dir, "diff", "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// ListWorktrees returns every worktree of the repository in dir, including
// the main checkout.
func (g *Git) ListWorktrees(dir string) ([]WorktreeInfo, error) {
	out, err := g.run(dir, "worktree list", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(string(out)), nil
}

// RemoveWorktree removes the worktree at path, forcing if it is dirty.
func (g *Git) RemoveWorktree(dir, path string) error {
	out, err := g.executor.Run(dir, "git", "worktree", "remove", path)
	if err == nil {
		return nil
	}
	forceOut, forceErr := g.executor.Run(dir, "git", "worktree", "remove", "--force", path)
	if forceErr != nil {
		return gitError("worktree remove", dir, append(out, forceOut...), forceErr)
	}
	return nil
}

// parseWorktreeList parses `git worktree list --porcelain`.
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// parseConflictFiles extracts paths from "CONFLICT (...): Merge conflict in <file>" lines.
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "CONFLICT") {
			continue
		}
		if i := strings.LastIndex(line, " in "); i >= 0 {
			conflicts = append(conflicts, strings.TrimSpace(line[i+len(" in "):]))
		}
	}
	return conflicts
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
