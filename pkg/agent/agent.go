// Package agent defines the contract between the orchestration core and
// concrete agent implementations. The core never depends on a specific
// agent runtime; anything satisfying Driver can be scheduled.
package agent

import (
	"context"
	"time"
)

// ToolUse describes one tool invocation made by an agent while running.
type ToolUse struct {
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
}

// Result is the outcome of a completed agent run.
type Result struct {
	Response     string        `json:"response"`
	TokensUsed   int64         `json:"tokens_used"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"duration"`
	ToolUseCount int           `json:"tool_use_count"`
}

// Config carries per-run settings handed to a driver.
type Config struct {
	// WorkDir is the directory the agent operates in. For isolated runs
	// this is a dedicated git worktree.
	WorkDir string

	// OnToolUse, when set, is called synchronously for each tool the
	// agent invokes. Callbacks must be fast; slow observers should hand
	// off to their own goroutine.
	OnToolUse func(ToolUse)

	// Options holds driver-specific settings.
	Options map[string]any
}

// Driver runs tasks. Implementations must honor ctx cancellation where
// their runtime allows it.
type Driver interface {
	// Kind identifies the driver implementation ("claude", "codex", ...).
	Kind() string

	// Run executes the task to completion and returns its result.
	Run(ctx context.Context, task string, cfg Config) (*Result, error)

	// ExportContext snapshots conversational state for a driver switch.
	ExportContext(ctx context.Context) (map[string]any, error)

	// ImportContext restores state exported from another driver.
	ImportContext(ctx context.Context, state map[string]any) error
}

// Factory constructs a driver bound to a workspace.
type Factory func(workspace string) (Driver, error)
