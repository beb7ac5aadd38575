package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/db"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	driver_kind TEXT NOT NULL,
	project TEXT NOT NULL,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	worktree_path TEXT,
	spawn_time TEXT NOT NULL,
	completion_time TEXT,
	error TEXT,
	tokens_used INTEGER,
	cost_usd REAL,
	time_taken_seconds REAL
);

CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
`

// Registry persists one row per agent run. Rows are rewritten on every
// state change so the registry always reflects the latest known state.
type Registry struct {
	db  *sqlx.DB
	log *logger.Logger
}

// OpenRegistry opens (creating if needed) the registry database at dbPath.
func OpenRegistry(dbPath string, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	conn, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet registry: %w", err)
	}
	if _, err := conn.Exec(registrySchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize fleet registry schema: %w", err)
	}
	return &Registry{
		db:  conn,
		log: log.WithFields(zap.String("component", "fleet-registry")),
	}, nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}

type agentRow struct {
	AgentID        string          `db:"agent_id"`
	DriverKind     string          `db:"driver_kind"`
	Project        string          `db:"project"`
	Task           string          `db:"task"`
	Status         string          `db:"status"`
	WorktreePath   sql.NullString  `db:"worktree_path"`
	SpawnTime      string          `db:"spawn_time"`
	CompletionTime sql.NullString  `db:"completion_time"`
	Error          sql.NullString  `db:"error"`
	TokensUsed     sql.NullInt64   `db:"tokens_used"`
	CostUSD        sql.NullFloat64 `db:"cost_usd"`
	TimeTaken      sql.NullFloat64 `db:"time_taken_seconds"`
}

func instanceToRow(inst *Instance) *agentRow {
	row := &agentRow{
		AgentID:    inst.ID,
		DriverKind: inst.DriverKind,
		Project:    inst.Project,
		Task:       inst.Task,
		Status:     string(inst.State),
		SpawnTime:  inst.SpawnedAt.UTC().Format(time.RFC3339Nano),
	}
	if inst.WorktreePath != "" {
		row.WorktreePath = sql.NullString{String: inst.WorktreePath, Valid: true}
	}
	if inst.CompletedAt != nil {
		row.CompletionTime = sql.NullString{String: inst.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if inst.Err != "" {
		row.Error = sql.NullString{String: inst.Err, Valid: true}
	}
	if inst.Result != nil {
		row.TokensUsed = sql.NullInt64{Int64: inst.Result.TokensUsed, Valid: true}
		row.CostUSD = sql.NullFloat64{Float64: inst.Result.Cost, Valid: true}
		row.TimeTaken = sql.NullFloat64{Float64: inst.Result.Duration.Seconds(), Valid: true}
	}
	return row
}

func (row *agentRow) toRecord() (*Record, error) {
	spawned, err := time.Parse(time.RFC3339Nano, row.SpawnTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse spawn time %q: %w", row.SpawnTime, err)
	}
	rec := &Record{
		ID:           row.AgentID,
		DriverKind:   row.DriverKind,
		Project:      row.Project,
		Task:         row.Task,
		State:        State(row.Status),
		WorktreePath: row.WorktreePath.String,
		SpawnedAt:    spawned,
		Err:          row.Error.String,
	}
	if row.CompletionTime.Valid {
		completed, err := time.Parse(time.RFC3339Nano, row.CompletionTime.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completion time %q: %w", row.CompletionTime.String, err)
		}
		rec.CompletedAt = &completed
	}
	if row.TokensUsed.Valid {
		rec.TokensUsed = row.TokensUsed.Int64
	}
	if row.CostUSD.Valid {
		rec.CostUSD = row.CostUSD.Float64
	}
	if row.TimeTaken.Valid {
		rec.TimeTakenSeconds = row.TimeTaken.Float64
	}
	return rec, nil
}

// Record is the persisted view of an agent run.
type Record struct {
	ID               string     `json:"agent_id"`
	DriverKind       string     `json:"driver_kind"`
	Project          string     `json:"project"`
	Task             string     `json:"task"`
	State            State      `json:"status"`
	WorktreePath     string     `json:"worktree_path,omitempty"`
	SpawnedAt        time.Time  `json:"spawn_time"`
	CompletedAt      *time.Time `json:"completion_time,omitempty"`
	Err              string     `json:"error,omitempty"`
	TokensUsed       int64      `json:"tokens_used"`
	CostUSD          float64    `json:"cost_usd"`
	TimeTakenSeconds float64    `json:"time_taken_seconds"`
}

// Save writes the instance's current state, replacing any prior row.
func (r *Registry) Save(ctx context.Context, inst *Instance) error {
	const query = `
		INSERT OR REPLACE INTO agents (
			agent_id, driver_kind, project, task, status, worktree_path,
			spawn_time, completion_time, error,
			tokens_used, cost_usd, time_taken_seconds
		) VALUES (
			:agent_id, :driver_kind, :project, :task, :status, :worktree_path,
			:spawn_time, :completion_time, :error,
			:tokens_used, :cost_usd, :time_taken_seconds
		)`
	if _, err := r.db.NamedExecContext(ctx, query, instanceToRow(inst)); err != nil {
		return fmt.Errorf("failed to save agent record: %w", err)
	}
	return nil
}

// Get returns the persisted record for an agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*Record, error) {
	var row agentRow
	err := r.db.GetContext(ctx, &row, "SELECT * FROM agents WHERE agent_id = ?", agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent record: %w", err)
	}
	return row.toRecord()
}

// ListByProject returns all persisted runs for a project, newest first.
func (r *Registry) ListByProject(ctx context.Context, project string) ([]*Record, error) {
	var rows []agentRow
	err := r.db.SelectContext(ctx, &rows,
		"SELECT * FROM agents WHERE project = ? ORDER BY spawn_time DESC", project)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents by project: %w", err)
	}
	return rowsToRecords(rows)
}

// ListByState returns all persisted runs in the given state.
func (r *Registry) ListByState(ctx context.Context, state State) ([]*Record, error) {
	var rows []agentRow
	err := r.db.SelectContext(ctx, &rows,
		"SELECT * FROM agents WHERE status = ? ORDER BY spawn_time DESC", string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list agents by state: %w", err)
	}
	return rowsToRecords(rows)
}

func rowsToRecords(rows []agentRow) ([]*Record, error) {
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ProjectStats aggregates all persisted runs of a project.
type ProjectStats struct {
	TotalAgents    int     `db:"total_agents" json:"total_agents"`
	Completed      int     `db:"completed" json:"completed"`
	Failed         int     `db:"failed" json:"failed"`
	TotalTokens    int64   `db:"total_tokens" json:"total_tokens"`
	TotalCostUSD   float64 `db:"total_cost_usd" json:"total_cost_usd"`
	AvgTimeSeconds float64 `db:"avg_time_seconds" json:"avg_time_seconds"`
}

// ProjectStats computes registry-wide aggregates for a project.
func (r *Registry) ProjectStats(ctx context.Context, project string) (*ProjectStats, error) {
	var stats ProjectStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_agents,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(tokens_used), 0) AS total_tokens,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COALESCE(AVG(time_taken_seconds), 0) AS avg_time_seconds
		FROM agents WHERE project = ?`, project)
	if err != nil {
		return nil, fmt.Errorf("failed to compute project stats: %w", err)
	}
	return &stats, nil
}
