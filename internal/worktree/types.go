package worktree

// MergeStrategy names one rung of the merge fallback ladder.
type MergeStrategy string

const (
	// MergeOrt is a plain merge with git's default ort strategy.
	MergeOrt MergeStrategy = "ort"
	// MergeTheirs keeps ort but resolves conflicting hunks in favor of the
	// incoming branch (-X theirs).
	MergeTheirs MergeStrategy = "theirs"
)

// DefaultStrategies is the ladder tried when none is configured: a clean
// merge first, then the conservative auto-resolving strategy.
func DefaultStrategies() []MergeStrategy {
	return []MergeStrategy{MergeOrt, MergeTheirs}
}

// Args returns the git merge arguments for the strategy.
func (s MergeStrategy) Args() []string {
	switch s {
	case MergeTheirs:
		return []string{"-s", "ort", "-X", "theirs"}
	default:
		return []string{"-s", "ort"}
	}
}

// String returns the strategy name.
func (s MergeStrategy) String() string {
	if s == "" {
		return string(MergeOrt)
	}
	return string(s)
}

// WorktreeInfo holds information about a worktree.
type WorktreeInfo struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "task/task-123")
	TaskID string // Task ID for task/ branches, empty otherwise
	Head   string // Current HEAD commit hash
}

// MergeResult represents the outcome of a merge attempt.
type MergeResult struct {
	Merged        bool
	StrategyUsed  MergeStrategy
	ConflictFiles []string
}

// WorktreeManagerConfig configures the worktree manager.
type WorktreeManagerConfig struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Branch new task branches start from (e.g., "main")
	WorktreeDir string // Directory under repo for worktrees (default ".worktrees")
}
