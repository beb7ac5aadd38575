package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

func newTestStore(t *testing.T, b bus.Bus) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), b, nil)
	require.NoError(t, err)
	return s
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := s.Create(ctx, "myproject", "claude")
	require.NoError(t, err)
	assert.Contains(t, sess.ID, "myproject_")
	assert.Equal(t, "claude", sess.PrimaryDriver)
	assert.Empty(t, sess.Conversation)

	loaded, err := s.Load(ctx, "myproject")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, "claude", loaded.PrimaryDriver)
}

func TestLoadMissingSession(t *testing.T) {
	s := newTestStore(t, nil)
	sess, err := s.Load(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAddTurnAccumulatesAndEmits(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()
	var updates []*events.Event
	_, err := b.Subscribe(events.SessionUpdated, func(_ context.Context, e *events.Event) {
		updates = append(updates, e)
	})
	require.NoError(t, err)

	s := newTestStore(t, b)
	ctx := context.Background()

	sess, err := s.Create(ctx, "demo", "claude")
	require.NoError(t, err)

	require.NoError(t, s.AddTurn(ctx, sess, Turn{
		Role: "user", Content: "fix the bug", Agent: "user",
	}))
	require.NoError(t, s.AddTurn(ctx, sess, Turn{
		Role: "assistant", Content: "fixed", Agent: "claude", Tokens: 1500, Cost: 0.07,
	}))

	assert.Len(t, sess.Conversation, 2)
	assert.Equal(t, int64(1500), sess.TotalTokens)
	assert.InDelta(t, 0.07, sess.TotalCost, 1e-9)

	require.Len(t, updates, 2)
	last := updates[1]
	assert.Equal(t, "demo", last.Project)
	require.NotNil(t, last.TotalTokens)
	assert.Equal(t, int64(1500), *last.TotalTokens)
	require.NotNil(t, last.ConversationTurns)
	assert.Equal(t, 2, *last.ConversationTurns)

	// Totals survive a reload.
	loaded, err := s.Load(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), loaded.TotalTokens)
	assert.Len(t, loaded.Conversation, 2)
}

func TestSaveWritesHistoryArchive(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Create(ctx, "demo", "claude")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "demo", "history"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}\.json$`, entries[0].Name())
}

func TestSwitchPrimary(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := s.Create(ctx, "demo", "claude")
	require.NoError(t, err)
	require.NoError(t, s.SwitchPrimary(ctx, sess, "gemini"))

	loaded, err := s.Load(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "gemini", loaded.PrimaryDriver)
}

func TestListWorkspaces(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Create(ctx, "beta", "claude")
	require.NoError(t, err)
	_, err = s.Create(ctx, "alpha", "claude")
	require.NoError(t, err)

	workspaces, err := s.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, workspaces)
}
