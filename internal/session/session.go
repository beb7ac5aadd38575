// Package session persists per-workspace conversation state as JSON files
// with a timestamped history archive.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

// Turn is a single conversation turn.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int64     `json:"tokens"`
	Cost      float64   `json:"cost"`
}

// Session is the conversation state of one workspace.
type Session struct {
	ID            string         `json:"id"`
	Workspace     string         `json:"workspace"`
	PrimaryDriver string         `json:"primary_driver"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActive    time.Time      `json:"last_active"`
	Conversation  []Turn         `json:"conversation"`
	Context       map[string]any `json:"context"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     float64        `json:"total_cost"`
}

// Store reads and writes sessions under a base directory, one subdirectory
// per workspace.
type Store struct {
	baseDir string
	bus     bus.Bus
	log     *logger.Logger
}

// NewStore creates a session store rooted at baseDir. The bus is optional.
func NewStore(baseDir string, b bus.Bus, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		bus:     b,
		log:     log.WithFields(zap.String("component", "session-store")),
	}, nil
}

func (s *Store) workspaceDir(workspace string) string {
	return filepath.Join(s.baseDir, workspace)
}

// Create starts a fresh session for a workspace and saves it.
func (s *Store) Create(ctx context.Context, workspace, primaryDriver string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:            fmt.Sprintf("%s_%s", workspace, now.Format("20060102_150405")),
		Workspace:     workspace,
		PrimaryDriver: primaryDriver,
		CreatedAt:     now,
		LastActive:    now,
		Conversation:  []Turn{},
		Context:       map[string]any{},
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("created session",
		zap.String("workspace", workspace),
		zap.String("primary", primaryDriver))
	return sess, nil
}

// Save writes the session file and a timestamped archive copy, bumping
// LastActive.
func (s *Store) Save(_ context.Context, sess *Session) error {
	dir := s.workspaceDir(sess.Workspace)
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	sess.LastActive = time.Now()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	archive := filepath.Join(dir, "history", time.Now().Format("2006-01-02_15-04")+".json")
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session archive: %w", err)
	}
	return nil
}

// Load reads the session for a workspace. A missing session returns
// (nil, nil).
func (s *Store) Load(_ context.Context, workspace string) (*Session, error) {
	path := filepath.Join(s.workspaceDir(workspace), "session.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &sess, nil
}

// AddTurn appends a turn, accumulates totals, saves, and publishes a
// session_updated event.
func (s *Store) AddTurn(ctx context.Context, sess *Session, turn Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	sess.Conversation = append(sess.Conversation, turn)
	sess.TotalTokens += turn.Tokens
	sess.TotalCost += turn.Cost

	if err := s.Save(ctx, sess); err != nil {
		return err
	}

	if s.bus != nil {
		ev := events.NewSessionUpdated(sess.ID, sess.Workspace,
			sess.TotalTokens, sess.TotalCost, len(sess.Conversation), nil)
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Warn("failed to publish session event", zap.Error(err))
		}
	}
	return nil
}

// SwitchPrimary changes the session's primary driver and saves.
func (s *Store) SwitchPrimary(ctx context.Context, sess *Session, newDriver string) error {
	sess.PrimaryDriver = newDriver
	return s.Save(ctx, sess)
}

// ListWorkspaces returns all workspaces with stored sessions, sorted.
func (s *Store) ListWorkspaces(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}
	var workspaces []string
	for _, entry := range entries {
		if entry.IsDir() {
			workspaces = append(workspaces, entry.Name())
		}
	}
	sort.Strings(workspaces)
	return workspaces, nil
}
