package worktree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRebaseConflict is returned when a rebase stops on conflicting hunks.
	// The rebase is left in progress so the caller can resolve or abort it.
	ErrRebaseConflict = errors.New("rebase conflict")
	// ErrMergeConflict is returned when a merge cannot complete. The merge has
	// already been aborted when this is returned.
	ErrMergeConflict = errors.New("merge conflict")
)

// GitError carries the git subcommand, directory and output of a failed
// invocation.
type GitError struct {
	Op     string
	Dir    string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s in %s: %v", e.Op, e.Dir, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " (output: " + out + ")"
	}
	return msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}

func gitError(op, dir string, output []byte, err error) error {
	return &GitError{Op: op, Dir: dir, Output: string(output), Err: err}
}
