// Package orchestrator coordinates routing, fleet scheduling, worktree
// isolation and session bookkeeping behind a single facade.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/fleet"
	"github.com/agenthub/agenthub/internal/router"
	"github.com/agenthub/agenthub/internal/session"
	"github.com/agenthub/agenthub/internal/worktree"
	"github.com/agenthub/agenthub/pkg/agent"
)

// Mode selects how a task is executed.
type Mode string

const (
	// ModeAuto asks the router whether multiple agents would help, then
	// runs a single agent either way, surfacing the suggestion.
	ModeAuto Mode = "auto"
	// ModeSingle forces one agent in the shared workspace.
	ModeSingle Mode = "single"
	// ModeMulti runs N agents in parallel, each in its own worktree.
	ModeMulti Mode = "multi"
)

const (
	singleWaitTimeout = 300 * time.Second
	multiWaitTimeout  = 600 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	Fleet     *fleet.Scheduler
	Worktrees *worktree.Manager
	Router    router.Provider
	Sessions  *session.Store

	// Drivers maps driver kinds to factories.
	Drivers map[string]agent.Factory

	// PrimaryKind is the driver used for multi-agent runs and as the
	// fallback selection.
	PrimaryKind string

	// Workspace is the working directory tasks run in. Its base name is
	// the project identity for sessions, events and stats.
	Workspace string
}

// Orchestrator is the facade tying the subsystems together.
type Orchestrator struct {
	fleet     *fleet.Scheduler
	worktrees *worktree.Manager
	router    router.Provider
	sessions  *session.Store
	session   *session.Session
	drivers   map[string]agent.Factory
	primary   agent.Driver
	primaryK  string
	workspace string
	project   string
	log       *logger.Logger
}

// New creates an orchestrator and loads (or creates) the workspace session.
func New(ctx context.Context, opts Options, log *logger.Logger) (*Orchestrator, error) {
	if log == nil {
		log = logger.Default()
	}
	if opts.Fleet == nil {
		return nil, fmt.Errorf("fleet scheduler is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	factory, ok := opts.Drivers[opts.PrimaryKind]
	if !ok {
		return nil, fmt.Errorf("primary driver %q not in configured drivers", opts.PrimaryKind)
	}
	primary, err := factory(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary driver: %w", err)
	}

	o := &Orchestrator{
		fleet:     opts.Fleet,
		worktrees: opts.Worktrees,
		router:    opts.Router,
		sessions:  opts.Sessions,
		drivers:   opts.Drivers,
		primary:   primary,
		primaryK:  opts.PrimaryKind,
		workspace: opts.Workspace,
		project:   filepath.Base(opts.Workspace),
		log:       log.WithFields(zap.String("component", "orchestrator")),
	}

	if o.sessions != nil {
		sess, err := o.sessions.Load(ctx, o.project)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			sess, err = o.sessions.Create(ctx, o.project, o.primaryK)
			if err != nil {
				return nil, err
			}
		}
		o.session = sess
	}
	return o, nil
}

// Session returns the active workspace session, if any.
func (o *Orchestrator) Session() *session.Session {
	return o.session
}

// PrimaryKind returns the current primary driver kind.
func (o *Orchestrator) PrimaryKind() string {
	return o.primaryK
}

// Execute runs a task in the given mode. numAgents is only used by
// ModeMulti.
func (o *Orchestrator) Execute(ctx context.Context, task string, mode Mode, numAgents int) (string, error) {
	switch mode {
	case ModeSingle:
		return o.executeSingle(ctx, task)
	case ModeMulti:
		if numAgents < 1 {
			return "", fmt.Errorf("multi mode requires at least one agent")
		}
		return o.executeMulti(ctx, task, numAgents)
	case ModeAuto, "":
		return o.executeAuto(ctx, task)
	default:
		return "", fmt.Errorf("unknown execution mode: %s", mode)
	}
}

func (o *Orchestrator) availableKinds() []string {
	kinds := make([]string, 0, len(o.drivers))
	for kind := range o.drivers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// selectKind routes the task to a driver kind, degrading to the primary on
// router failure or an empty recommendation.
func (o *Orchestrator) selectKind(ctx context.Context, task string) string {
	plan, err := o.router.Plan(ctx, task, o.availableKinds(), o.buildContext())
	if err != nil {
		o.log.Warn("router failed, using primary driver", zap.Error(err))
		return o.primaryK
	}
	for _, kind := range plan.RecommendedAgents {
		if _, ok := o.drivers[kind]; ok {
			return kind
		}
	}
	return o.primaryK
}

func (o *Orchestrator) executeAuto(ctx context.Context, task string) (string, error) {
	plan, err := o.router.Plan(ctx, task, o.availableKinds(), o.buildContext())
	if err != nil {
		o.log.Warn("router failed, using primary driver", zap.Error(err))
		return o.executeSingle(ctx, task)
	}
	if !plan.RequiresMultiple {
		return o.executeSingle(ctx, task)
	}

	// Surface the suggestion but stay single-agent; multi remains an
	// explicit caller choice.
	suggestion := fmt.Sprintf("Suggestion: use %d agents (%s task, complexity %.1f)\n\n",
		len(plan.RecommendedAgents), plan.Intent, plan.Complexity)
	response, err := o.executeSingle(ctx, task)
	if err != nil {
		return "", err
	}
	return suggestion + response, nil
}

func (o *Orchestrator) executeSingle(ctx context.Context, task string) (string, error) {
	kind := o.selectKind(ctx, task)
	driver, err := o.driverFor(kind, o.workspace)
	if err != nil {
		return "", err
	}

	id, queued, err := o.fleet.Submit(ctx, fleet.SubmitRequest{
		Driver:     driver,
		DriverKind: kind,
		Task:       task,
		Project:    o.project,
		Config:     agent.Config{WorkDir: o.workspace},
	})
	if err != nil {
		return "", err
	}
	if queued {
		return fmt.Sprintf("Task queued: too many concurrent agents (id %s)", id), nil
	}
	defer o.fleet.CleanupCompleted()

	inst, err := o.fleet.Wait(ctx, id, singleWaitTimeout)
	if err != nil {
		return "", fmt.Errorf("task execution failed: %w", err)
	}

	o.recordResult(ctx, inst)
	if inst.Result == nil {
		return "", nil
	}
	return inst.Result.Response, nil
}

func (o *Orchestrator) executeMulti(ctx context.Context, task string, numAgents int) (string, error) {
	o.log.Info("spawning agents", zap.Int("count", numAgents))

	type submission struct {
		id           string
		worktreePath string
	}
	var submissions []submission
	for i := 1; i <= numAgents; i++ {
		agentID := fmt.Sprintf("agent-%d-%s", i, randomSuffix())

		workDir := o.workspace
		if o.worktrees != nil {
			workDir = o.worktrees.GetOrCreate(ctx, o.workspace, agentID, "")
		}

		driver, err := o.driverFor(o.primaryK, workDir)
		if err != nil {
			return "", err
		}

		worktreePath := ""
		if workDir != o.workspace {
			worktreePath = workDir
		}
		id, _, err := o.fleet.Submit(ctx, fleet.SubmitRequest{
			ID:           agentID,
			Driver:       driver,
			DriverKind:   o.primaryK,
			Task:         task,
			Project:      o.project,
			Config:       agent.Config{WorkDir: workDir},
			WorktreePath: worktreePath,
		})
		if err != nil {
			o.log.Error("failed to submit agent", zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		submissions = append(submissions, submission{id: id, worktreePath: worktreePath})
	}
	if len(submissions) == 0 {
		return "", fmt.Errorf("no agents could be submitted")
	}

	var results []*fleet.Instance
	for _, sub := range submissions {
		inst, err := o.fleet.Wait(ctx, sub.id, multiWaitTimeout)
		if inst != nil {
			results = append(results, inst)
		}
		if err != nil {
			o.log.Warn("agent did not complete cleanly",
				zap.String("agent_id", sub.id), zap.Error(err))
		}
		if sub.worktreePath != "" && o.worktrees != nil {
			o.worktrees.Unlock(sub.id)
		}
	}

	o.fleet.CleanupCompleted()
	return formatMultiResults(results, task), nil
}

// driverFor builds a driver instance bound to workDir.
func (o *Orchestrator) driverFor(kind, workDir string) (agent.Driver, error) {
	factory, ok := o.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown driver kind: %s", kind)
	}
	driver, err := factory(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", kind, err)
	}
	return driver, nil
}

// buildContext exposes recent conversation to the router.
func (o *Orchestrator) buildContext() map[string]any {
	if o.session == nil {
		return map[string]any{"conversation": []map[string]any{}}
	}
	turns := o.session.Conversation
	if len(turns) > 10 {
		turns = turns[len(turns)-10:]
	}
	conversation := make([]map[string]any, 0, len(turns))
	for _, turn := range turns {
		conversation = append(conversation, map[string]any{
			"role":    turn.Role,
			"content": turn.Content,
			"agent":   turn.Agent,
		})
	}
	return map[string]any{
		"conversation":    conversation,
		"workspace":       o.session.Workspace,
		"session_context": o.session.Context,
	}
}

// recordResult appends a completed run to the session conversation.
func (o *Orchestrator) recordResult(ctx context.Context, inst *fleet.Instance) {
	if o.session == nil || o.sessions == nil || inst.Result == nil {
		return
	}
	turn := session.Turn{
		Role:    "assistant",
		Content: inst.Result.Response,
		Agent:   inst.DriverKind,
		Tokens:  inst.Result.TokensUsed,
		Cost:    inst.Result.Cost,
	}
	if err := o.sessions.AddTurn(ctx, o.session, turn); err != nil {
		o.log.Warn("failed to record session turn", zap.Error(err))
	}
}

// Switch replaces the primary driver, carrying conversational context over.
func (o *Orchestrator) Switch(ctx context.Context, newKind string) error {
	factory, ok := o.drivers[newKind]
	if !ok {
		return fmt.Errorf("unknown driver kind %q, available: %v", newKind, o.availableKinds())
	}

	exported, err := o.primary.ExportContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to export context from %s: %w", o.primaryK, err)
	}

	replacement, err := factory(o.workspace)
	if err != nil {
		return fmt.Errorf("failed to create %s driver: %w", newKind, err)
	}
	if err := replacement.ImportContext(ctx, exported); err != nil {
		return fmt.Errorf("failed to import context into %s: %w", newKind, err)
	}

	o.primary = replacement
	o.primaryK = newKind

	if o.session != nil && o.sessions != nil {
		if err := o.sessions.SwitchPrimary(ctx, o.session, newKind); err != nil {
			return err
		}
	}

	o.log.Info("switched primary driver", zap.String("kind", newKind))
	return nil
}

// FleetStatus summarizes the scheduler.
type FleetStatus struct {
	ActiveAgents  int `json:"active_agents"`
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// FleetStatus returns a snapshot of scheduler occupancy.
func (o *Orchestrator) FleetStatus() FleetStatus {
	return FleetStatus{
		ActiveAgents:  len(o.fleet.ListActive()),
		Running:       o.fleet.RunningCount(),
		Queued:        o.fleet.QueueSize(),
		MaxConcurrent: o.fleet.MaxConcurrent(),
	}
}

// ProjectStats returns registry aggregates for the current project.
func (o *Orchestrator) ProjectStats(ctx context.Context) (*fleet.ProjectStats, error) {
	return o.fleet.ProjectStats(ctx, o.project)
}

func randomSuffix() string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000"
	}
	return hex.EncodeToString(b[:])
}
