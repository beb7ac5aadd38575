package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial")
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func testConfig() config.WorktreeConfig {
	return config.WorktreeConfig{
		DirName:           ".agent-worktrees",
		BranchPrefix:      "agent-",
		CleanupAfterHours: 24,
	}
}

func TestIsRepoAndRepoRoot(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()

	repo := initRepo(t)
	assert.True(t, m.IsRepo(ctx, repo))

	root, err := m.RepoRoot(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, repo, root)

	plain := t.TempDir()
	assert.False(t, m.IsRepo(ctx, plain))
	_, err = m.RepoRoot(ctx, plain)
	assert.ErrorIs(t, err, ErrNotRepo)
}

func TestCreateWorktree(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	var created []*events.Event
	_, err := b.Subscribe(events.WorktreeCreated, func(_ context.Context, e *events.Event) {
		created = append(created, e)
	})
	require.NoError(t, err)

	m := NewManager(testConfig(), b, nil)
	ctx := context.Background()
	repo := initRepo(t)

	wt, err := m.Create(ctx, repo, "a1", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".agent-worktrees", "a1"), wt.Path)
	assert.Equal(t, "agent-a1", wt.Branch)
	assert.True(t, wt.Locked)
	assert.DirExists(t, wt.Path)

	require.Len(t, created, 1)
	assert.Equal(t, "a1", created[0].AgentID)
	assert.Equal(t, wt.Path, created[0].WorktreePath)
	assert.Equal(t, "agent-a1", created[0].Branch)

	// Second create for the same agent returns the existing worktree.
	again, err := m.Create(ctx, repo, "a1", "")
	assert.ErrorIs(t, err, ErrWorktreeExists)
	assert.Equal(t, wt.Path, again.Path)
	assert.Len(t, created, 1)
}

func TestCreateAttachesToExistingBranch(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()
	repo := initRepo(t)

	gitCmd(t, repo, "branch", "agent-a1")

	wt, err := m.Create(ctx, repo, "a1", "")
	require.NoError(t, err)
	assert.Equal(t, "agent-a1", wt.Branch)
	assert.DirExists(t, wt.Path)
}

func TestCreateOutsideRepoFails(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	_, err := m.Create(context.Background(), t.TempDir(), "a1", "")
	assert.ErrorIs(t, err, ErrNotRepo)
}

func TestGetOrCreate(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()

	// Outside a repo the path is returned unchanged.
	plain := t.TempDir()
	assert.Equal(t, plain, m.GetOrCreate(ctx, plain, "a1", ""))

	repo := initRepo(t)
	path := m.GetOrCreate(ctx, repo, "a2", "")
	assert.Equal(t, filepath.Join(repo, ".agent-worktrees", "a2"), path)

	// Reuses the tracked worktree without touching git.
	assert.Equal(t, path, m.GetOrCreate(ctx, repo, "a2", ""))
}

func TestRemoveRespectsLock(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	var removed []*events.Event
	_, err := b.Subscribe(events.WorktreeRemoved, func(_ context.Context, e *events.Event) {
		removed = append(removed, e)
	})
	require.NoError(t, err)

	m := NewManager(testConfig(), b, nil)
	ctx := context.Background()
	repo := initRepo(t)

	wt, err := m.Create(ctx, repo, "a1", "")
	require.NoError(t, err)

	err = m.Remove(ctx, "a1", false)
	assert.ErrorIs(t, err, ErrWorktreeLocked)
	assert.DirExists(t, wt.Path)

	m.Unlock("a1")
	require.NoError(t, m.Remove(ctx, "a1", false))
	assert.NoDirExists(t, wt.Path)
	require.Len(t, removed, 1)
	assert.Equal(t, "a1", removed[0].AgentID)

	// Removing an untracked agent is a no-op.
	require.NoError(t, m.Remove(ctx, "a1", false))
	assert.Len(t, removed, 1)
}

func TestRemoveForceOverridesLock(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()
	repo := initRepo(t)

	wt, err := m.Create(ctx, repo, "a1", "")
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, "a1", true))
	assert.NoDirExists(t, wt.Path)
}

func TestCleanupOldSkipsLockedAndRecent(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()
	repo := initRepo(t)

	_, err := m.Create(ctx, repo, "old-unlocked", "")
	require.NoError(t, err)
	m.Unlock("old-unlocked")
	_, err = m.Create(ctx, repo, "old-locked", "")
	require.NoError(t, err)
	_, err = m.Create(ctx, repo, "fresh", "")
	require.NoError(t, err)
	m.Unlock("fresh")

	// Age the first two beyond the cleanup window.
	old := time.Now().UTC().Add(-48 * time.Hour)
	m.mu.Lock()
	m.worktrees["old-unlocked"].CreatedAt = old
	m.worktrees["old-locked"].CreatedAt = old
	m.mu.Unlock()

	removed, err := m.CleanupOld(ctx, repo, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-unlocked"}, removed)

	_, lockedStillTracked := m.Get("old-locked")
	assert.True(t, lockedStillTracked)
	_, freshStillTracked := m.Get("fresh")
	assert.True(t, freshStillTracked)
}

func TestListPorcelain(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()
	repo := initRepo(t)

	_, err := m.Create(ctx, repo, "a1", "")
	require.NoError(t, err)

	entries, err := m.List(ctx, repo)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, repo, entries[0].Path)
	assert.Equal(t, "main", entries[0].Branch)
	assert.NotEmpty(t, entries[0].Head)

	assert.Equal(t, filepath.Join(repo, ".agent-worktrees", "a1"), entries[1].Path)
	assert.Equal(t, "agent-a1", entries[1].Branch)
}

func TestSyncToMain(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()
	repo := initRepo(t)

	wt, err := m.Create(ctx, repo, "a1", "")
	require.NoError(t, err)

	// Agent writes a file in its worktree.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "feature.txt"), []byte("work\n"), 0o644))
	gitCmd(t, wt.Path, "config", "user.email", "test@example.com")
	gitCmd(t, wt.Path, "config", "user.name", "test")

	require.NoError(t, m.SyncToMain(ctx, "a1"))
	assert.FileExists(t, filepath.Join(repo, "feature.txt"))

	// Unknown agent.
	err = m.SyncToMain(ctx, "nobody")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)
}

func TestConcurrentCreatesSameRepo(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	ctx := context.Background()
	repo := initRepo(t)

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := m.Create(ctx, repo, string(rune('a'+i))+"-agent", "")
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.Len(t, m.Tracked(), n)
}
