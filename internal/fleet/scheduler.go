package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/pkg/agent"
)

// State is the lifecycle state of a scheduled agent.
type State string

const (
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateShutdown  State = "shutdown"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateShutdown
}

// Instance is one scheduled agent run.
type Instance struct {
	ID           string        `json:"id"`
	DriverKind   string        `json:"driver_kind"`
	Project      string        `json:"project"`
	Task         string        `json:"task"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	State        State         `json:"state"`
	SpawnedAt    time.Time     `json:"spawned_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Result       *agent.Result `json:"result,omitempty"`
	Err          string        `json:"error,omitempty"`

	finishOnce sync.Once
}

func (i *Instance) snapshot() *Instance {
	cp := &Instance{
		ID:           i.ID,
		DriverKind:   i.DriverKind,
		Project:      i.Project,
		Task:         i.Task,
		WorktreePath: i.WorktreePath,
		State:        i.State,
		SpawnedAt:    i.SpawnedAt,
		Result:       i.Result,
		Err:          i.Err,
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// SubmitRequest describes a run to schedule.
type SubmitRequest struct {
	// ID, when set, is used instead of a generated UUID. Callers that
	// display agent identifiers pass short readable ones.
	ID string

	Driver       agent.Driver
	DriverKind   string
	Task         string
	Project      string
	Config       agent.Config
	WorktreePath string
}

// Scheduler runs agents up to a concurrency ceiling. Submissions beyond the
// ceiling queue FIFO and admit as running agents finish. Every state change
// is written to the registry before the matching event is published.
type Scheduler struct {
	maxConcurrent int
	registry      *Registry
	bus           bus.Bus
	log           *logger.Logger

	mu      sync.Mutex
	active  map[string]*Instance
	reqs    map[string]SubmitRequest
	queue   []string
	done    map[string]chan struct{}
	running int
	closed  bool
}

// NewScheduler creates a scheduler. The registry is required; the bus is
// optional.
func NewScheduler(cfg config.FleetConfig, registry *Registry, b bus.Bus, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	max := cfg.MaxConcurrent
	if max < 1 {
		max = 10
	}
	return &Scheduler{
		maxConcurrent: max,
		registry:      registry,
		bus:           b,
		log:           log.WithFields(zap.String("component", "fleet-scheduler")),
		active:        make(map[string]*Instance),
		reqs:          make(map[string]SubmitRequest),
		done:          make(map[string]chan struct{}),
	}
}

// Submit registers a run. The returned ID is assigned immediately; queued
// reports whether the run is waiting for capacity rather than started.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, bool, error) {
	if req.Driver == nil {
		return "", false, fmt.Errorf("nil driver")
	}
	if req.Task == "" {
		return "", false, fmt.Errorf("empty task")
	}
	if req.DriverKind == "" {
		req.DriverKind = req.Driver.Kind()
	}
	if req.Project == "" {
		req.Project = "default"
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	inst := &Instance{
		ID:           id,
		DriverKind:   req.DriverKind,
		Project:      req.Project,
		Task:         req.Task,
		WorktreePath: req.WorktreePath,
		State:        StateSpawning,
		SpawnedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", false, ErrSchedulerClosed
	}
	if _, exists := s.active[id]; exists {
		s.mu.Unlock()
		return "", false, fmt.Errorf("agent id already in use: %s", id)
	}
	s.active[id] = inst
	s.done[id] = make(chan struct{})
	admit := s.running < s.maxConcurrent
	if admit {
		s.running++
	} else {
		s.queue = append(s.queue, id)
		s.reqs[id] = req
	}
	s.mu.Unlock()

	if err := s.registry.Save(ctx, inst); err != nil {
		s.mu.Lock()
		delete(s.active, id)
		delete(s.done, id)
		delete(s.reqs, id)
		if admit {
			s.running--
		} else {
			s.dropFromQueue(id)
		}
		s.mu.Unlock()
		return "", false, err
	}

	s.emit(ctx, events.NewAgentSpawned(s.info(inst), map[string]any{"queued": !admit}))
	s.log.Info("agent submitted",
		zap.String("agent_id", id),
		zap.String("project", req.Project),
		zap.Bool("queued", !admit))

	if admit {
		go s.run(id, req)
	}
	return id, !admit, nil
}

func (s *Scheduler) info(inst *Instance) events.AgentInfo {
	return events.AgentInfo{
		AgentID:       inst.ID,
		DriverKind:    inst.DriverKind,
		Task:          inst.Task,
		WorkspacePath: inst.WorktreePath,
		Project:       inst.Project,
	}
}

// run executes one admitted agent to a terminal state, then admits the next
// queued submission. It runs on a background context: a canceled submitter
// must not abort an in-flight agent.
func (s *Scheduler) run(id string, req SubmitRequest) {
	ctx := context.Background()

	s.mu.Lock()
	inst, ok := s.active[id]
	if !ok || inst.State.Terminal() {
		s.mu.Unlock()
		s.admitNext()
		return
	}
	inst.State = StateRunning
	snap := inst.snapshot()
	s.mu.Unlock()

	if err := s.registry.Save(ctx, snap); err != nil {
		s.finish(ctx, id, nil, fmt.Errorf("registry write failed: %w", err))
		s.admitNext()
		return
	}
	s.emit(ctx, events.NewAgentStarted(s.info(snap), nil))

	cfg := req.Config
	if cfg.WorkDir == "" {
		cfg.WorkDir = req.WorktreePath
	}
	var toolCount int64
	callerCB := cfg.OnToolUse
	cfg.OnToolUse = func(tu agent.ToolUse) {
		atomic.AddInt64(&toolCount, 1)
		s.emit(ctx, events.NewToolUsed(id, req.Project, tu.Name, tu.Input, tu.Success, tu.Error, nil))
		if callerCB != nil {
			callerCB(tu)
		}
	}

	start := time.Now()
	result, err := req.Driver.Run(ctx, req.Task, cfg)
	if result != nil {
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		if result.ToolUseCount == 0 {
			result.ToolUseCount = int(atomic.LoadInt64(&toolCount))
		}
	}

	s.finish(ctx, id, result, err)
	s.admitNext()
}

// finish moves the instance to its terminal state, persists it, publishes
// the terminal event and releases waiters. A detached (shutdown) instance
// is left untouched.
func (s *Scheduler) finish(ctx context.Context, id string, result *agent.Result, runErr error) {
	s.mu.Lock()
	inst, ok := s.active[id]
	if !ok || inst.State.Terminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	inst.CompletedAt = &now
	if runErr != nil {
		inst.State = StateFailed
		inst.Err = runErr.Error()
	} else {
		inst.State = StateCompleted
		inst.Result = result
	}
	snap := inst.snapshot()
	ch := s.done[id]
	s.mu.Unlock()

	if err := s.registry.Save(ctx, snap); err != nil {
		s.log.Error("failed to persist terminal state",
			zap.String("agent_id", id), zap.Error(err))
	}

	if runErr != nil {
		s.emit(ctx, events.NewAgentFailed(s.info(snap), snap.Err, nil))
		s.log.Warn("agent failed",
			zap.String("agent_id", id), zap.String("error", snap.Err))
	} else {
		var tokens int64
		var cost, seconds float64
		var response string
		if result != nil {
			tokens = result.TokensUsed
			cost = result.Cost
			seconds = result.Duration.Seconds()
			response = result.Response
		}
		s.emit(ctx, events.NewAgentCompleted(s.info(snap), tokens, cost, seconds, response, nil))
		s.log.Info("agent completed",
			zap.String("agent_id", id),
			zap.Int64("tokens", tokens),
			zap.Float64("cost", cost))
	}

	inst.finishOnce.Do(func() { close(ch) })
}

// admitNext frees one running slot and starts the oldest queued submission.
func (s *Scheduler) admitNext() {
	s.mu.Lock()
	s.running--
	if s.closed || len(s.queue) == 0 || s.running >= s.maxConcurrent {
		s.mu.Unlock()
		return
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	req := s.reqs[id]
	delete(s.reqs, id)
	s.running++
	s.mu.Unlock()

	go s.run(id, req)
}

// dropFromQueue removes id from the pending queue. Caller holds s.mu.
func (s *Scheduler) dropFromQueue(id string) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Status returns a snapshot of a tracked agent.
func (s *Scheduler) Status(id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return inst.snapshot(), nil
}

// ListActive returns snapshots of all tracked agents.
func (s *Scheduler) ListActive() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0, len(s.active))
	for _, inst := range s.active {
		out = append(out, inst.snapshot())
	}
	return out
}

// ListByProject returns snapshots of tracked agents in one project.
func (s *Scheduler) ListByProject(project string) []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0)
	for _, inst := range s.active {
		if inst.Project == project {
			out = append(out, inst.snapshot())
		}
	}
	return out
}

// RunningCount returns the number of admitted (non-queued) runs in flight.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MaxConcurrent returns the concurrency ceiling.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

// QueueSize returns the number of submissions waiting for capacity.
func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until the agent reaches a terminal state, the timeout fires,
// or ctx is canceled. A queued agent is waited through admission. On failure
// the terminal snapshot is returned together with ErrAgentFailed.
func (s *Scheduler) Wait(ctx context.Context, id string, timeout time.Duration) (*Instance, error) {
	s.mu.Lock()
	ch, ok := s.done[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, id, timeout)
	}

	s.mu.Lock()
	inst, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	snap := inst.snapshot()
	s.mu.Unlock()

	if snap.State == StateFailed {
		return snap, fmt.Errorf("%w: %s: %s", ErrAgentFailed, id, snap.Err)
	}
	return snap, nil
}

// WaitAll waits for every currently tracked agent within one shared
// timeout. Already-terminal agents are reported immediately. Per-agent
// failures and timeouts are joined into the returned error.
func (s *Scheduler) WaitAll(ctx context.Context, timeout time.Duration) ([]*Instance, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var results []*Instance
	var errs []error
	for _, id := range ids {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		inst, err := s.Wait(ctx, id, remaining)
		if inst != nil {
			results = append(results, inst)
		}
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

// CleanupCompleted drops terminal instances from the in-memory tracking.
// Registry rows are untouched.
func (s *Scheduler) CleanupCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, inst := range s.active {
		if inst.State.Terminal() {
			delete(s.active, id)
			delete(s.done, id)
			removed++
		}
	}
	return removed
}

// Shutdown detaches an agent from the scheduler: the instance is marked
// shutdown and waiters are released, but an in-flight driver call is not
// killed. Queued submissions are removed before ever starting.
func (s *Scheduler) Shutdown(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if inst.State.Terminal() {
		s.mu.Unlock()
		return nil
	}
	wasQueued := false
	for _, queued := range s.queue {
		if queued == id {
			wasQueued = true
			break
		}
	}
	if wasQueued {
		s.dropFromQueue(id)
		delete(s.reqs, id)
	}
	now := time.Now().UTC()
	inst.State = StateShutdown
	inst.CompletedAt = &now
	snap := inst.snapshot()
	ch := s.done[id]
	s.mu.Unlock()

	if err := s.registry.Save(ctx, snap); err != nil {
		s.log.Error("failed to persist shutdown",
			zap.String("agent_id", id), zap.Error(err))
	}
	inst.finishOnce.Do(func() { close(ch) })

	s.log.Info("agent shut down", zap.String("agent_id", id), zap.Bool("was_queued", wasQueued))
	return nil
}

// ShutdownAll detaches every non-terminal agent and stops accepting
// submissions.
func (s *Scheduler) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.active))
	for id, inst := range s.active {
		if !inst.State.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Shutdown(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProjectStats returns registry aggregates for a project.
func (s *Scheduler) ProjectStats(ctx context.Context, project string) (*ProjectStats, error) {
	return s.registry.ProjectStats(ctx, project)
}

// Registry exposes the backing registry for read APIs.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

func (s *Scheduler) emit(ctx context.Context, ev *events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish fleet event",
			zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
