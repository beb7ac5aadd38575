package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/fleet"
	"github.com/agenthub/agenthub/internal/router"
	"github.com/agenthub/agenthub/internal/session"
	"github.com/agenthub/agenthub/internal/worktree"
	"github.com/agenthub/agenthub/pkg/agent"
)

type echoDriver struct {
	kind     string
	response string
	tokens   int64
	cost     float64
	delay    time.Duration
	run      func(ctx context.Context, task string, cfg agent.Config) (*agent.Result, error)

	mu       sync.Mutex
	imported map[string]any
}

func (d *echoDriver) Kind() string { return d.kind }

func (d *echoDriver) Run(ctx context.Context, task string, cfg agent.Config) (*agent.Result, error) {
	if d.run != nil {
		return d.run(ctx, task, cfg)
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return &agent.Result{Response: d.response, TokensUsed: d.tokens, Cost: d.cost}, nil
}

func (d *echoDriver) ExportContext(context.Context) (map[string]any, error) {
	return map[string]any{"kind": d.kind}, nil
}

func (d *echoDriver) ImportContext(_ context.Context, state map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.imported = state
	return nil
}

type harness struct {
	orch  *Orchestrator
	bus   *bus.MemoryBus
	fleet *fleet.Scheduler
	seen  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []*events.Event
}

func (l *eventLog) record(_ context.Context, e *events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) byKind(kind events.Kind) []*events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*events.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newHarness(t *testing.T, workspace string, maxConcurrent int, drivers map[string]agent.Factory) *harness {
	t.Helper()
	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	seen := &eventLog{}
	_, err := b.SubscribeAll(seen.record)
	require.NoError(t, err)

	reg, err := fleet.OpenRegistry(filepath.Join(t.TempDir(), "agents.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	sched := fleet.NewScheduler(config.FleetConfig{MaxConcurrent: maxConcurrent}, reg, b, nil)

	wtCfg := config.WorktreeConfig{DirName: ".agent-worktrees", BranchPrefix: "agent-", CleanupAfterHours: 24}
	wm := worktree.NewManager(wtCfg, b, nil)

	sessions, err := session.NewStore(t.TempDir(), b, nil)
	require.NoError(t, err)

	kinds := make([]string, 0, len(drivers))
	for kind := range drivers {
		kinds = append(kinds, kind)
	}
	primary := "claude"
	if _, ok := drivers[primary]; !ok {
		primary = kinds[0]
	}

	orch, err := New(context.Background(), Options{
		Fleet:       sched,
		Worktrees:   wm,
		Router:      router.NewKeywordRouter(nil, nil),
		Sessions:    sessions,
		Drivers:     drivers,
		PrimaryKind: primary,
		Workspace:   workspace,
	}, nil)
	require.NoError(t, err)

	return &harness{orch: orch, bus: b, fleet: sched, seen: seen}
}

func factoryFor(d *echoDriver) agent.Factory {
	return func(string) (agent.Driver, error) { return d, nil }
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func TestExecuteSingleShortTask(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "The answer is 4", tokens: 12, cost: 0.001}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{"claude": factoryFor(claude)})
	ctx := context.Background()

	response, err := h.orch.Execute(ctx, "What is 2+2?", ModeSingle, 0)
	require.NoError(t, err)
	assert.Contains(t, response, "4")

	assert.Len(t, h.seen.byKind(events.AgentSpawned), 1)
	assert.Len(t, h.seen.byKind(events.AgentStarted), 1)
	assert.Len(t, h.seen.byKind(events.AgentCompleted), 1)
	assert.Empty(t, h.seen.byKind(events.AgentFailed))

	sess := h.orch.Session()
	require.NotNil(t, sess)
	require.Len(t, sess.Conversation, 1)
	assert.Equal(t, "assistant", sess.Conversation[0].Role)
	assert.Equal(t, int64(12), sess.TotalTokens)
	assert.InDelta(t, 0.001, sess.TotalCost, 1e-9)
}

func TestExecuteMultiOverRepository(t *testing.T) {
	repo := initRepo(t)

	writer := &echoDriver{kind: "claude"}
	writer.run = func(_ context.Context, _ string, cfg agent.Config) (*agent.Result, error) {
		if err := os.WriteFile(filepath.Join(cfg.WorkDir, "out.txt"), []byte("42"), 0o644); err != nil {
			return nil, err
		}
		return &agent.Result{Response: "wrote 42", TokensUsed: 10, Cost: 0.01}, nil
	}
	h := newHarness(t, repo, 4, map[string]agent.Factory{"claude": factoryFor(writer)})
	ctx := context.Background()

	response, err := h.orch.Execute(ctx, "write 42 to out.txt", ModeMulti, 3)
	require.NoError(t, err)

	// Three isolated worktrees, each with its own out.txt.
	entries, err := os.ReadDir(filepath.Join(repo, ".agent-worktrees"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(repo, ".agent-worktrees", entry.Name(), "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "42", string(data))
	}
	assert.NoFileExists(t, filepath.Join(repo, "out.txt"))

	completed := h.seen.byKind(events.AgentCompleted)
	require.Len(t, completed, 3)
	for _, e := range completed {
		assert.Equal(t, filepath.Base(repo), e.Project)
	}

	assert.Equal(t, 3, strings.Count(response, "┌─ Agent"))
	assert.Contains(t, response, "Total Cost:")
}

func TestExecuteMultiToleratesPartialFailure(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	flaky := &echoDriver{kind: "claude"}
	flaky.run = func(context.Context, string, agent.Config) (*agent.Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, assert.AnError
		}
		return &agent.Result{Response: "fine", TokensUsed: 5}, nil
	}
	h := newHarness(t, t.TempDir(), 4, map[string]agent.Factory{"claude": factoryFor(flaky)})

	response, err := h.orch.Execute(context.Background(), "do work", ModeMulti, 3)
	require.NoError(t, err)
	assert.Contains(t, response, "Failed:")
	assert.Equal(t, 3, strings.Count(response, "┌─ Agent"))
	assert.Len(t, h.seen.byKind(events.AgentCompleted), 2)
	assert.Len(t, h.seen.byKind(events.AgentFailed), 1)
}

func TestExecuteSingleQueuedNotice(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := &echoDriver{kind: "claude"}
	slow.run = func(context.Context, string, agent.Config) (*agent.Result, error) {
		<-release
		return &agent.Result{Response: "late"}, nil
	}
	h := newHarness(t, t.TempDir(), 1, map[string]agent.Factory{"claude": factoryFor(slow)})
	ctx := context.Background()

	// Fill the only slot directly on the scheduler.
	_, queued, err := h.fleet.Submit(ctx, fleet.SubmitRequest{
		Driver: slow, DriverKind: "claude", Task: "hold the slot", Project: "demo",
	})
	require.NoError(t, err)
	require.False(t, queued)

	response, err := h.orch.Execute(ctx, "another task", ModeSingle, 0)
	require.NoError(t, err)
	assert.Contains(t, response, "queued")
}

func TestExecuteAutoRunsSingle(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "done"}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{"claude": factoryFor(claude)})

	response, err := h.orch.Execute(context.Background(), "implement the thing", ModeAuto, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", response)
}

func TestExecuteAutoSurfacesMultiSuggestion(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "done"}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{"claude": factoryFor(claude)})

	// Router that always recommends a fan-out.
	h.orch.router = providerFunc(func(task string, available []string) (*router.Plan, error) {
		return &router.Plan{
			Task: task, Intent: "code", Complexity: 0.9,
			RequiresMultiple: true, RecommendedAgents: available,
		}, nil
	})

	response, err := h.orch.Execute(context.Background(), "big refactor", ModeAuto, 0)
	require.NoError(t, err)
	assert.Contains(t, response, "Suggestion: use")
	assert.Contains(t, response, "done")
}

type providerFunc func(task string, available []string) (*router.Plan, error)

func (f providerFunc) Plan(_ context.Context, task string, available []string, _ map[string]any) (*router.Plan, error) {
	return f(task, available)
}

func TestRouterFailureDegradesToPrimary(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "fallback worked"}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{"claude": factoryFor(claude)})

	h.orch.router = providerFunc(func(string, []string) (*router.Plan, error) {
		return nil, assert.AnError
	})

	response, err := h.orch.Execute(context.Background(), "anything", ModeSingle, 0)
	require.NoError(t, err)
	assert.Equal(t, "fallback worked", response)
}

func TestRouterSelectsDriverByIntent(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "from claude"}
	gemini := &echoDriver{kind: "gemini", response: "from gemini"}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{
		"claude": factoryFor(claude),
		"gemini": factoryFor(gemini),
	})
	ctx := context.Background()

	response, err := h.orch.Execute(ctx, "brainstorm product names", ModeSingle, 0)
	require.NoError(t, err)
	assert.Equal(t, "from gemini", response)

	response, err = h.orch.Execute(ctx, "debug this function", ModeSingle, 0)
	require.NoError(t, err)
	assert.Equal(t, "from claude", response)
}

func TestSwitchPrimaryDriver(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "c"}
	gemini := &echoDriver{kind: "gemini", response: "g"}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{
		"claude": factoryFor(claude),
		"gemini": factoryFor(gemini),
	})
	ctx := context.Background()

	require.Equal(t, "claude", h.orch.PrimaryKind())
	require.NoError(t, h.orch.Switch(ctx, "gemini"))
	assert.Equal(t, "gemini", h.orch.PrimaryKind())

	// Context travels to the replacement driver.
	gemini.mu.Lock()
	assert.Equal(t, map[string]any{"kind": "claude"}, gemini.imported)
	gemini.mu.Unlock()

	// The session records the new primary.
	assert.Equal(t, "gemini", h.orch.Session().PrimaryDriver)

	err := h.orch.Switch(ctx, "unknown")
	assert.Error(t, err)
}

func TestFleetStatus(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "ok"}
	h := newHarness(t, t.TempDir(), 3, map[string]agent.Factory{"claude": factoryFor(claude)})

	status := h.orch.FleetStatus()
	assert.Equal(t, 3, status.MaxConcurrent)
	assert.Zero(t, status.Running)
	assert.Zero(t, status.Queued)
}

func TestProjectStatsAfterRuns(t *testing.T) {
	claude := &echoDriver{kind: "claude", response: "ok", tokens: 100, cost: 0.02}
	h := newHarness(t, t.TempDir(), 2, map[string]agent.Factory{"claude": factoryFor(claude)})
	ctx := context.Background()

	_, err := h.orch.Execute(ctx, "task one", ModeSingle, 0)
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, "task two", ModeSingle, 0)
	require.NoError(t, err)

	stats, err := h.orch.ProjectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, int64(200), stats.TotalTokens)
}

func TestFormatMultiResultsEdgeCases(t *testing.T) {
	assert.Equal(t, "No results from agents", formatMultiResults(nil, "task"))

	single := &fleet.Instance{
		DriverKind: "claude",
		State:      fleet.StateCompleted,
		Result:     &agent.Result{Response: "only one"},
	}
	assert.Equal(t, "only one", formatMultiResults([]*fleet.Instance{single}, "task"))

	long := &fleet.Instance{
		DriverKind: "claude",
		State:      fleet.StateCompleted,
		Result: &agent.Result{
			Response: strings.Repeat("verylongword ", 20),
		},
	}
	out := formatMultiResults([]*fleet.Instance{single, long}, "task")
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "│") {
			assert.LessOrEqual(t, len([]rune(line)), panelWidth+2)
		}
	}
}
