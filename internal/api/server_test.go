package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/events/store"
)

type fixture struct {
	server *httptest.Server
	store  *store.Store
	bus    *bus.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	hub := NewHub(nil)
	require.NoError(t, hub.AttachBus(b))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewServer(st, hub, nil).Engine())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: st, bus: b}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	info := events.AgentInfo{AgentID: "a1", DriverKind: "claude", Task: "work", Project: "demo"}
	require.NoError(t, f.store.Store(ctx, events.NewAgentSpawned(info, nil)))
	require.NoError(t, f.store.Store(ctx, events.NewAgentCompleted(info, 100, 0.01, 2, "ok", nil)))
	require.NoError(t, f.store.Store(ctx, events.NewToolUsed("a1", "demo", "bash", nil, true, "", nil)))
	other := events.AgentInfo{AgentID: "b1", DriverKind: "claude", Task: "other", Project: "other"}
	require.NoError(t, f.store.Store(ctx, events.NewAgentSpawned(other, nil)))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestIndexDescriptor(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Service   string   `json:"service"`
		Endpoints []string `json:"endpoints"`
	}
	code := getJSON(t, f.server.URL+"/", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "agenthub", body.Service)
	assert.Contains(t, body.Endpoints, "/events")
	assert.Contains(t, body.Endpoints, "/ws")
}

func TestGetEventsFilters(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	var body struct {
		Events []*events.Event `json:"events"`
		Count  int             `json:"count"`
	}
	code := getJSON(t, f.server.URL+"/events?project=demo", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, body.Count)

	code = getJSON(t, f.server.URL+"/events?project=demo&kind=tool_used", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "bash", body.Events[0].ToolName)

	code = getJSON(t, f.server.URL+"/events?limit=1", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Count)
}

func TestGetEventsRejectsBadKind(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/events?kind=nonsense")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListProjectsAndStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	var projects struct {
		Projects []store.ProjectSummary `json:"projects"`
	}
	code := getJSON(t, f.server.URL+"/projects", &projects)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, projects.Projects, 2)
	assert.Equal(t, "demo", projects.Projects[0].Project)

	var stats store.ProjectStats
	code = getJSON(t, f.server.URL+"/projects/demo/stats", &stats)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, stats.TotalAgents)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, int64(100), stats.TotalTokens)
}

func TestAgentTimeline(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	var body struct {
		AgentID  string          `json:"agent_id"`
		Timeline []*events.Event `json:"timeline"`
		Count    int             `json:"count"`
	}
	code := getJSON(t, f.server.URL+"/agents/a1/timeline", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "a1", body.AgentID)
	require.Equal(t, 3, body.Count)
	assert.Equal(t, events.AgentSpawned, body.Timeline[0].Kind)
}

func TestClearProjectEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/projects/demo/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Project string `json:"project"`
		Deleted int64  `json:"deleted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), body.Deleted)

	var remaining struct {
		Count int `json:"count"`
	}
	getJSON(t, f.server.URL+"/events?project=demo", &remaining)
	assert.Zero(t, remaining.Count)
}

func TestWebSocketFeed(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Greeting first.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)

	// Bus events stream as JSON.
	info := events.AgentInfo{AgentID: "a1", DriverKind: "claude", Task: "work", Project: "demo"}
	require.NoError(t, f.bus.Publish(context.Background(), events.NewAgentSpawned(info, nil)))

	var received events.Event
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, events.AgentSpawned, received.Kind)
	assert.Equal(t, "a1", received.AgentID)
}
