// Package worktree provides Git worktree management for concurrent agent
// execution. Each agent works in an isolated worktree on its own branch.
package worktree

import "errors"

var (
	// ErrNotRepo is returned when the given path is not inside a Git repository.
	ErrNotRepo = errors.New("path is not a git repository")

	// ErrWorktreeExists is returned when a worktree already exists for the agent.
	ErrWorktreeExists = errors.New("worktree already exists for agent")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrWorktreeLocked is returned when removing a worktree still locked by its agent.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
