package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

const (
	queryTimeout  = 5 * time.Second
	mutateTimeout = 30 * time.Second
)

// Worktree is one tracked agent worktree.
type Worktree struct {
	AgentID   string    `json:"agent_id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	RepoRoot  string    `json:"repo_root"`
	CreatedAt time.Time `json:"created_at"`

	// Locked worktrees are protected from Remove and CleanupOld. A
	// worktree stays locked while its agent runs.
	Locked bool `json:"locked"`
}

// ListEntry is one row of `git worktree list --porcelain`.
type ListEntry struct {
	Path   string `json:"path"`
	Head   string `json:"head"`
	Branch string `json:"branch"`
}

// Manager creates and tracks per-agent git worktrees.
type Manager struct {
	config config.WorktreeConfig
	bus    bus.Bus
	logger *logger.Logger

	mu        sync.RWMutex
	worktrees map[string]*Worktree // agentID -> worktree

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager. The bus is optional; when nil no
// lifecycle events are emitted.
func NewManager(cfg config.WorktreeConfig, b bus.Bus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DirName == "" {
		cfg.DirName = ".agent-worktrees"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "agent-"
	}
	if cfg.CleanupAfterHours <= 0 {
		cfg.CleanupAfterHours = 24
	}
	return &Manager{
		config:    cfg,
		bus:       b,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// getRepoLock returns the mutex serializing git mutations for one repository.
func (m *Manager) getRepoLock(repoRoot string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoRoot]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoRoot] = lock
	return lock
}

func (m *Manager) runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: git %s: %v", ErrGitCommandFailed, strings.Join(args, " "), ctx.Err())
		}
		return "", fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// IsRepo reports whether path is inside a git repository.
func (m *Manager) IsRepo(ctx context.Context, path string) bool {
	_, err := m.runGit(ctx, path, queryTimeout, "rev-parse", "--git-dir")
	return err == nil
}

// RepoRoot resolves the repository root for a path, with symlinks resolved
// so the same repo always maps to the same lock.
func (m *Manager) RepoRoot(ctx context.Context, path string) (string, error) {
	out, err := m.runGit(ctx, path, queryTimeout, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRepo, path)
	}
	resolved, err := filepath.EvalSymlinks(out)
	if err != nil {
		return out, nil
	}
	return resolved, nil
}

// Get returns the tracked worktree for an agent.
func (m *Manager) Get(agentID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[agentID]
	if !ok {
		return nil, false
	}
	cp := *wt
	return &cp, true
}

// Tracked returns a snapshot of all tracked worktrees.
func (m *Manager) Tracked() []*Worktree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worktree, 0, len(m.worktrees))
	for _, wt := range m.worktrees {
		cp := *wt
		out = append(out, &cp)
	}
	return out
}

// Create creates a locked worktree for the agent under
// <root>/<dirName>/<agentID> on branch <prefix><agentID> (or the given
// branch). If the agent already has a tracked worktree the existing one is
// returned with ErrWorktreeExists.
func (m *Manager) Create(ctx context.Context, repoPath, agentID, branch string) (*Worktree, error) {
	if agentID == "" {
		return nil, fmt.Errorf("empty agent id")
	}

	root, err := m.RepoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	existing, tracked := m.worktrees[agentID]
	m.mu.RUnlock()
	if tracked {
		cp := *existing
		return &cp, ErrWorktreeExists
	}

	if branch == "" {
		branch = m.config.BranchPrefix + agentID
	}
	path := filepath.Join(root, m.config.DirName, agentID)

	repoLock := m.getRepoLock(root)
	repoLock.Lock()
	defer repoLock.Unlock()

	// git worktree add -b <branch> <path>; when the branch already exists,
	// attach to it instead of creating it.
	if _, err := m.runGit(ctx, root, mutateTimeout, "worktree", "add", "-b", branch, path); err != nil {
		if _, retryErr := m.runGit(ctx, root, mutateTimeout, "worktree", "add", path, branch); retryErr != nil {
			m.logger.Error("git worktree add failed",
				zap.String("agent_id", agentID),
				zap.String("branch", branch),
				zap.Error(err))
			return nil, err
		}
	}

	wt := &Worktree{
		AgentID:   agentID,
		Path:      path,
		Branch:    branch,
		RepoRoot:  root,
		CreatedAt: time.Now().UTC(),
		Locked:    true,
	}

	m.mu.Lock()
	m.worktrees[agentID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("agent_id", agentID),
		zap.String("path", path),
		zap.String("branch", branch))

	m.emit(ctx, events.NewWorktreeCreated(agentID, filepath.Base(root), path, root, branch, nil))

	cp := *wt
	return &cp, nil
}

// GetOrCreate returns an isolated working directory for the agent. A path
// outside any git repository is returned unchanged; an existing tracked
// worktree is reused; creation failure falls back to the shared path.
func (m *Manager) GetOrCreate(ctx context.Context, repoPath, agentID, branch string) string {
	if !m.IsRepo(ctx, repoPath) {
		return repoPath
	}
	if wt, ok := m.Get(agentID); ok {
		return wt.Path
	}

	wt, err := m.Create(ctx, repoPath, agentID, branch)
	if err != nil && !errors.Is(err, ErrWorktreeExists) {
		m.logger.Warn("worktree creation failed, using shared path",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return repoPath
	}
	return wt.Path
}

// Unlock releases the agent's worktree for removal and cleanup.
func (m *Manager) Unlock(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wt, ok := m.worktrees[agentID]; ok {
		wt.Locked = false
	}
}

// Remove deletes the agent's worktree. Locked worktrees are refused unless
// force is set. Removing an untracked agent is a no-op.
func (m *Manager) Remove(ctx context.Context, agentID string, force bool) error {
	m.mu.Lock()
	wt, ok := m.worktrees[agentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if wt.Locked && !force {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, agentID)
	}
	delete(m.worktrees, agentID)
	m.mu.Unlock()

	repoLock := m.getRepoLock(wt.RepoRoot)
	repoLock.Lock()
	defer repoLock.Unlock()

	if _, err := m.runGit(ctx, wt.RepoRoot, mutateTimeout, "worktree", "remove", "--force", wt.Path); err != nil {
		m.logger.Warn("git worktree remove failed",
			zap.String("agent_id", agentID),
			zap.String("path", wt.Path),
			zap.Error(err))
		return err
	}

	m.logger.Info("removed worktree",
		zap.String("agent_id", agentID),
		zap.String("path", wt.Path))

	m.emit(ctx, events.NewWorktreeRemoved(agentID, filepath.Base(wt.RepoRoot), wt.Path, wt.RepoRoot, wt.Branch, nil))
	return nil
}

// CleanupOld removes unlocked worktrees of the repository older than the
// configured cleanup age. Locked worktrees are never touched. Returns the
// agent IDs whose worktrees were removed.
func (m *Manager) CleanupOld(ctx context.Context, repoPath string, now time.Time) ([]string, error) {
	root, err := m.RepoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-m.config.CleanupAfter())

	m.mu.RLock()
	var stale []string
	for agentID, wt := range m.worktrees {
		if wt.RepoRoot == root && !wt.Locked && wt.CreatedAt.Before(cutoff) {
			stale = append(stale, agentID)
		}
	}
	m.mu.RUnlock()

	var removed []string
	for _, agentID := range stale {
		if err := m.Remove(ctx, agentID, false); err != nil {
			m.logger.Warn("cleanup failed for worktree",
				zap.String("agent_id", agentID),
				zap.Error(err))
			continue
		}
		removed = append(removed, agentID)
	}
	return removed, nil
}

// List parses `git worktree list --porcelain` for the repository.
func (m *Manager) List(ctx context.Context, repoPath string) ([]ListEntry, error) {
	root, err := m.RepoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	out, err := m.runGit(ctx, root, queryTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var entries []ListEntry
	var current ListEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				entries = append(entries, current)
			}
			current = ListEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	if current.Path != "" {
		entries = append(entries, current)
	}
	return entries, nil
}

// SyncToMain commits the agent's work and merges its branch into main with
// a merge commit, preserving the agent's history.
func (m *Manager) SyncToMain(ctx context.Context, agentID string) error {
	wt, ok := m.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, agentID)
	}

	repoLock := m.getRepoLock(wt.RepoRoot)
	repoLock.Lock()
	defer repoLock.Unlock()

	if _, err := m.runGit(ctx, wt.Path, mutateTimeout, "add", "-A"); err != nil {
		return err
	}
	// Nothing staged is fine; skip the commit and merge whatever the
	// branch already has.
	if out, _ := m.runGit(ctx, wt.Path, queryTimeout, "status", "--porcelain"); out != "" {
		msg := fmt.Sprintf("Agent %s changes", agentID)
		if _, err := m.runGit(ctx, wt.Path, mutateTimeout, "commit", "-m", msg); err != nil {
			return err
		}
	}

	if _, err := m.runGit(ctx, wt.RepoRoot, mutateTimeout, "checkout", "main"); err != nil {
		return err
	}
	if _, err := m.runGit(ctx, wt.RepoRoot, mutateTimeout, "merge", "--no-ff", wt.Branch, "-m",
		fmt.Sprintf("Merge agent %s work", agentID)); err != nil {
		return err
	}

	m.logger.Info("synced worktree to main",
		zap.String("agent_id", agentID),
		zap.String("branch", wt.Branch))
	return nil
}

func (m *Manager) emit(ctx context.Context, ev *events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish worktree event",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
