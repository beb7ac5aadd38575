// Package store persists lifecycle events to SQLite and serves the
// analytical queries behind the HTTP API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/db"
	"github.com/agenthub/agenthub/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	project TEXT NOT NULL,

	agent_id TEXT,
	driver_kind TEXT,
	task TEXT,
	workspace_path TEXT,
	tokens_used INTEGER,
	cost REAL,
	time_taken REAL,
	error_message TEXT,
	response TEXT,

	tool_name TEXT,
	tool_input TEXT,
	success INTEGER,

	worktree_path TEXT,
	repo_path TEXT,
	branch TEXT,

	session_name TEXT,
	total_tokens INTEGER,
	total_cost REAL,
	conversation_turns INTEGER,

	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project);
CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// DefaultQueryLimit caps unbounded event queries.
const DefaultQueryLimit = 100

// Store is the SQLite-backed event log. Writes go through a single
// connection; reads use a pooled read-only connection alongside WAL.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	log    *logger.Logger
}

// New opens (creating if needed) the event database at dbPath.
func New(dbPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "event-store"))

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	if _, err := writer.Exec(schema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}

	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open event store reader: %w", err)
	}

	log.Debug("event store opened", zap.String("path", dbPath))
	return &Store{writer: writer, reader: reader, log: log}, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	return errors.Join(werr, rerr)
}

// eventRow is the flat SQLite representation of an event.
type eventRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Timestamp string `db:"timestamp"`
	Project   string `db:"project"`

	AgentID       sql.NullString  `db:"agent_id"`
	DriverKind    sql.NullString  `db:"driver_kind"`
	Task          sql.NullString  `db:"task"`
	WorkspacePath sql.NullString  `db:"workspace_path"`
	TokensUsed    sql.NullInt64   `db:"tokens_used"`
	Cost          sql.NullFloat64 `db:"cost"`
	TimeTaken     sql.NullFloat64 `db:"time_taken"`
	ErrorMessage  sql.NullString  `db:"error_message"`
	Response      sql.NullString  `db:"response"`

	ToolName  sql.NullString `db:"tool_name"`
	ToolInput sql.NullString `db:"tool_input"`
	Success   sql.NullBool   `db:"success"`

	WorktreePath sql.NullString `db:"worktree_path"`
	RepoPath     sql.NullString `db:"repo_path"`
	Branch       sql.NullString `db:"branch"`

	SessionName       sql.NullString  `db:"session_name"`
	TotalTokens       sql.NullInt64   `db:"total_tokens"`
	TotalCost         sql.NullFloat64 `db:"total_cost"`
	ConversationTurns sql.NullInt64   `db:"conversation_turns"`

	Metadata  string `db:"metadata"`
	CreatedAt string `db:"created_at"`
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toRow(e *events.Event) (*eventRow, error) {
	metadata := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	row := &eventRow{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Project:   e.Project,

		AgentID:       nullStr(e.AgentID),
		DriverKind:    nullStr(e.DriverKind),
		Task:          nullStr(e.Task),
		WorkspacePath: nullStr(e.WorkspacePath),
		ErrorMessage:  nullStr(e.ErrorMessage),
		Response:      nullStr(e.Response),

		ToolName: nullStr(e.ToolName),

		WorktreePath: nullStr(e.WorktreePath),
		RepoPath:     nullStr(e.RepoPath),
		Branch:       nullStr(e.Branch),

		SessionName: nullStr(e.SessionName),

		Metadata: metadata,
	}

	if e.TokensUsed != nil {
		row.TokensUsed = sql.NullInt64{Int64: *e.TokensUsed, Valid: true}
	}
	if e.Cost != nil {
		row.Cost = sql.NullFloat64{Float64: *e.Cost, Valid: true}
	}
	if e.TimeTaken != nil {
		row.TimeTaken = sql.NullFloat64{Float64: *e.TimeTaken, Valid: true}
	}
	if e.Success != nil {
		row.Success = sql.NullBool{Bool: *e.Success, Valid: true}
	}
	if len(e.ToolInput) > 0 {
		data, err := json.Marshal(e.ToolInput)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool input: %w", err)
		}
		row.ToolInput = sql.NullString{String: string(data), Valid: true}
	}
	if e.TotalTokens != nil {
		row.TotalTokens = sql.NullInt64{Int64: *e.TotalTokens, Valid: true}
	}
	if e.TotalCost != nil {
		row.TotalCost = sql.NullFloat64{Float64: *e.TotalCost, Valid: true}
	}
	if e.ConversationTurns != nil {
		row.ConversationTurns = sql.NullInt64{Int64: int64(*e.ConversationTurns), Valid: true}
	}

	return row, nil
}

func (r *eventRow) toEvent() (*events.Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event timestamp %q: %w", r.Timestamp, err)
	}

	e := &events.Event{
		ID:        r.ID,
		Kind:      events.Kind(r.Kind),
		Timestamp: ts,
		Project:   r.Project,

		AgentID:       r.AgentID.String,
		DriverKind:    r.DriverKind.String,
		Task:          r.Task.String,
		WorkspacePath: r.WorkspacePath.String,
		ErrorMessage:  r.ErrorMessage.String,
		Response:      r.Response.String,

		ToolName: r.ToolName.String,

		WorktreePath: r.WorktreePath.String,
		RepoPath:     r.RepoPath.String,
		Branch:       r.Branch.String,

		SessionName: r.SessionName.String,
	}

	if r.TokensUsed.Valid {
		v := r.TokensUsed.Int64
		e.TokensUsed = &v
	}
	if r.Cost.Valid {
		v := r.Cost.Float64
		e.Cost = &v
	}
	if r.TimeTaken.Valid {
		v := r.TimeTaken.Float64
		e.TimeTaken = &v
	}
	if r.Success.Valid {
		v := r.Success.Bool
		e.Success = &v
	}
	if r.ToolInput.Valid && r.ToolInput.String != "" {
		if err := json.Unmarshal([]byte(r.ToolInput.String), &e.ToolInput); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool input: %w", err)
		}
	}
	if r.TotalTokens.Valid {
		v := r.TotalTokens.Int64
		e.TotalTokens = &v
	}
	if r.TotalCost.Valid {
		v := r.TotalCost.Float64
		e.TotalCost = &v
	}
	if r.ConversationTurns.Valid {
		v := int(r.ConversationTurns.Int64)
		e.ConversationTurns = &v
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return e, nil
}

// Store persists an event. The row is durable when Store returns.
func (s *Store) Store(ctx context.Context, event *events.Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	row, err := toRow(event)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO events (
			id, kind, timestamp, project,
			agent_id, driver_kind, task, workspace_path,
			tokens_used, cost, time_taken, error_message, response,
			tool_name, tool_input, success,
			worktree_path, repo_path, branch,
			session_name, total_tokens, total_cost, conversation_turns,
			metadata
		) VALUES (
			:id, :kind, :timestamp, :project,
			:agent_id, :driver_kind, :task, :workspace_path,
			:tokens_used, :cost, :time_taken, :error_message, :response,
			:tool_name, :tool_input, :success,
			:worktree_path, :repo_path, :branch,
			:session_name, :total_tokens, :total_cost, :conversation_turns,
			:metadata
		)`
	if _, err := s.writer.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// Filter narrows an event query. Zero-valued fields are not applied.
type Filter struct {
	Kind    events.Kind
	Project string
	AgentID string
}

// Query returns events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter Filter, limit, offset int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT * FROM events WHERE 1=1"
	args := []any{}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []eventRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return rowsToEvents(rows)
}

// AgentTimeline returns all events for one agent in chronological order.
func (s *Store) AgentTimeline(ctx context.Context, agentID string) ([]*events.Event, error) {
	var rows []eventRow
	err := s.reader.SelectContext(ctx, &rows,
		"SELECT * FROM events WHERE agent_id = ? ORDER BY timestamp ASC", agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent timeline: %w", err)
	}
	return rowsToEvents(rows)
}

func rowsToEvents(rows []eventRow) ([]*events.Event, error) {
	out := make([]*events.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ToolCount is one entry of a project's tool usage leaderboard.
type ToolCount struct {
	ToolName string `db:"tool_name" json:"tool_name"`
	Count    int    `db:"count" json:"count"`
}

// ProjectStats aggregates a project's agent activity.
type ProjectStats struct {
	TotalAgents int         `json:"total_agents"`
	Completed   int         `json:"completed"`
	Failed      int         `json:"failed"`
	TotalCost   float64     `json:"total_cost"`
	TotalTokens int64       `json:"total_tokens"`
	ToolUsage   []ToolCount `json:"tool_usage"`
}

// ProjectStats computes aggregate statistics for a project.
func (s *Store) ProjectStats(ctx context.Context, project string) (*ProjectStats, error) {
	stats := &ProjectStats{ToolUsage: []ToolCount{}}

	err := s.reader.GetContext(ctx, &stats.TotalAgents,
		"SELECT COUNT(DISTINCT agent_id) FROM events WHERE project = ? AND kind = ?",
		project, string(events.AgentSpawned))
	if err != nil {
		return nil, fmt.Errorf("failed to count spawned agents: %w", err)
	}

	err = s.reader.GetContext(ctx, &stats.Completed,
		"SELECT COUNT(*) FROM events WHERE project = ? AND kind = ?",
		project, string(events.AgentCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to count completed agents: %w", err)
	}

	err = s.reader.GetContext(ctx, &stats.Failed,
		"SELECT COUNT(*) FROM events WHERE project = ? AND kind = ?",
		project, string(events.AgentFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to count failed agents: %w", err)
	}

	var totals struct {
		TotalCost   float64 `db:"total_cost"`
		TotalTokens int64   `db:"total_tokens"`
	}
	err = s.reader.GetContext(ctx, &totals, `
		SELECT COALESCE(SUM(cost), 0) AS total_cost,
		       COALESCE(SUM(tokens_used), 0) AS total_tokens
		FROM events WHERE project = ? AND kind = ?`,
		project, string(events.AgentCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to sum completion totals: %w", err)
	}
	stats.TotalCost = totals.TotalCost
	stats.TotalTokens = totals.TotalTokens

	err = s.reader.SelectContext(ctx, &stats.ToolUsage, `
		SELECT tool_name, COUNT(*) AS count
		FROM events
		WHERE project = ? AND kind = ?
		GROUP BY tool_name
		ORDER BY count DESC
		LIMIT 10`,
		project, string(events.ToolUsed))
	if err != nil {
		return nil, fmt.Errorf("failed to count tool usage: %w", err)
	}

	return stats, nil
}

// ProjectSummary is one entry of the project listing.
type ProjectSummary struct {
	Project    string `db:"project" json:"project"`
	EventCount int    `db:"event_count" json:"event_count"`
}

// ListProjects lists all projects with recorded events, busiest first.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	summaries := []ProjectSummary{}
	err := s.reader.SelectContext(ctx, &summaries, `
		SELECT project, COUNT(*) AS event_count
		FROM events
		GROUP BY project
		ORDER BY event_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return summaries, nil
}

// ClearProject deletes every event for a project and returns the count.
func (s *Store) ClearProject(ctx context.Context, project string) (int64, error) {
	res, err := s.writer.ExecContext(ctx, "DELETE FROM events WHERE project = ?", project)
	if err != nil {
		return 0, fmt.Errorf("failed to clear project events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.log.Info("cleared project events",
		zap.String("project", project), zap.Int64("deleted", deleted))
	return deleted, nil
}

// Vacuum reclaims file space after large deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum event store: %w", err)
	}
	return nil
}
