// Package events defines the lifecycle event model shared by the bus,
// the event store and the websocket feed.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a lifecycle event.
type Kind string

// Event kinds. The string values double as storage and wire identifiers.
const (
	AgentSpawned    Kind = "agent_spawned"
	AgentStarted    Kind = "agent_started"
	AgentCompleted  Kind = "agent_completed"
	AgentFailed     Kind = "agent_failed"
	ToolUsed        Kind = "tool_used"
	WorktreeCreated Kind = "worktree_created"
	WorktreeRemoved Kind = "worktree_removed"
	SessionUpdated  Kind = "session_updated"
)

// Kinds returns all event kinds, in lifecycle order.
func Kinds() []Kind {
	return []Kind{
		AgentSpawned,
		AgentStarted,
		AgentCompleted,
		AgentFailed,
		ToolUsed,
		WorktreeCreated,
		WorktreeRemoved,
		SessionUpdated,
	}
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case AgentSpawned, AgentStarted, AgentCompleted, AgentFailed,
		ToolUsed, WorktreeCreated, WorktreeRemoved, SessionUpdated:
		return true
	}
	return false
}

// Event is an immutable record of a lifecycle occurrence. It carries the
// union of all kind-specific fields; absent fields stay at their zero value
// (pointers for numerics whose zero is meaningful) and are omitted from JSON.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Project   string    `json:"project"`

	// Agent lifecycle fields
	AgentID       string   `json:"agent_id,omitempty"`
	DriverKind    string   `json:"driver_kind,omitempty"`
	Task          string   `json:"task,omitempty"`
	WorkspacePath string   `json:"workspace_path,omitempty"`
	TokensUsed    *int64   `json:"tokens_used,omitempty"`
	Cost          *float64 `json:"cost,omitempty"`
	TimeTaken     *float64 `json:"time_taken,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	Response      string   `json:"response,omitempty"`

	// Tool usage fields
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Success   *bool          `json:"success,omitempty"`

	// Worktree fields
	WorktreePath string `json:"worktree_path,omitempty"`
	RepoPath     string `json:"repo_path,omitempty"`
	Branch       string `json:"branch,omitempty"`

	// Session fields
	SessionName       string   `json:"session_name,omitempty"`
	TotalTokens       *int64   `json:"total_tokens,omitempty"`
	TotalCost         *float64 `json:"total_cost,omitempty"`
	ConversationTurns *int     `json:"conversation_turns,omitempty"`

	// Metadata is an open mapping kept for forward-compatibility; it is
	// stored as a JSON string so new kind-specific fields do not require
	// schema migrations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

func newEvent(kind Kind, project string, metadata map[string]any) *Event {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Project:   project,
		Metadata:  metadata,
	}
}

// AgentInfo carries the identity fields shared by all agent lifecycle events.
type AgentInfo struct {
	AgentID       string
	DriverKind    string
	Task          string
	WorkspacePath string
	Project       string
}

func (a AgentInfo) apply(e *Event) *Event {
	e.AgentID = a.AgentID
	e.DriverKind = a.DriverKind
	e.Task = a.Task
	e.WorkspacePath = a.WorkspacePath
	return e
}

// NewAgentSpawned creates an agent_spawned event.
func NewAgentSpawned(info AgentInfo, metadata map[string]any) *Event {
	return info.apply(newEvent(AgentSpawned, info.Project, metadata))
}

// NewAgentStarted creates an agent_started event.
func NewAgentStarted(info AgentInfo, metadata map[string]any) *Event {
	return info.apply(newEvent(AgentStarted, info.Project, metadata))
}

// NewAgentCompleted creates an agent_completed event carrying the run totals.
func NewAgentCompleted(info AgentInfo, tokensUsed int64, cost, timeTaken float64, response string, metadata map[string]any) *Event {
	e := info.apply(newEvent(AgentCompleted, info.Project, metadata))
	e.TokensUsed = &tokensUsed
	e.Cost = &cost
	e.TimeTaken = &timeTaken
	e.Response = response
	return e
}

// NewAgentFailed creates an agent_failed event.
func NewAgentFailed(info AgentInfo, errorMessage string, metadata map[string]any) *Event {
	e := info.apply(newEvent(AgentFailed, info.Project, metadata))
	e.ErrorMessage = errorMessage
	return e
}

// NewToolUsed creates a tool_used event.
func NewToolUsed(agentID, project, toolName string, toolInput map[string]any, success bool, errorMessage string, metadata map[string]any) *Event {
	e := newEvent(ToolUsed, project, metadata)
	e.AgentID = agentID
	e.ToolName = toolName
	e.ToolInput = toolInput
	e.Success = &success
	e.ErrorMessage = errorMessage
	return e
}

// NewWorktreeCreated creates a worktree_created event.
func NewWorktreeCreated(agentID, project, worktreePath, repoPath, branch string, metadata map[string]any) *Event {
	e := newEvent(WorktreeCreated, project, metadata)
	e.AgentID = agentID
	e.WorktreePath = worktreePath
	e.RepoPath = repoPath
	e.Branch = branch
	return e
}

// NewWorktreeRemoved creates a worktree_removed event.
func NewWorktreeRemoved(agentID, project, worktreePath, repoPath, branch string, metadata map[string]any) *Event {
	e := newEvent(WorktreeRemoved, project, metadata)
	e.AgentID = agentID
	e.WorktreePath = worktreePath
	e.RepoPath = repoPath
	e.Branch = branch
	return e
}

// NewSessionUpdated creates a session_updated event.
func NewSessionUpdated(sessionName, project string, totalTokens int64, totalCost float64, conversationTurns int, metadata map[string]any) *Event {
	e := newEvent(SessionUpdated, project, metadata)
	e.SessionName = sessionName
	e.TotalTokens = &totalTokens
	e.TotalCost = &totalCost
	e.ConversationTurns = &conversationTurns
	return e
}
