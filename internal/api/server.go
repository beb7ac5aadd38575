package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server serves the observability API: event queries, project analytics and
// the live websocket feed.
type Server struct {
	store  *store.Store
	hub    *Hub
	engine *gin.Engine
	log    *logger.Logger
}

// NewServer builds the HTTP server around an event store and a running hub.
func NewServer(eventStore *store.Store, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:  eventStore,
		hub:    hub,
		engine: engine,
		log:    log.WithFields(zap.String("component", "api")),
	}
	s.registerRoutes()
	return s
}

// Engine returns the underlying gin engine, for mounting into an
// http.Server or a test.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/events", s.handleGetEvents)
	s.engine.GET("/projects", s.handleListProjects)
	s.engine.GET("/projects/:project/stats", s.handleProjectStats)
	s.engine.DELETE("/projects/:project/events", s.handleClearProject)
	s.engine.GET("/agents/:agent_id/timeline", s.handleAgentTimeline)
	s.engine.GET("/ws", s.handleWebSocket)
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "agenthub",
		"version": "1.0",
		"endpoints": []string{
			"/events",
			"/projects",
			"/projects/{project}/stats",
			"/projects/{project}/events",
			"/agents/{agent_id}/timeline",
			"/ws",
		},
	})
}

func (s *Server) handleGetEvents(c *gin.Context) {
	filter := store.Filter{
		Project: c.Query("project"),
		AgentID: c.Query("agent_id"),
	}
	if kind := c.Query("kind"); kind != "" {
		k := events.Kind(kind)
		if !k.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event kind: " + kind})
			return
		}
		filter.Kind = k
	}

	limit := intQuery(c, "limit", store.DefaultQueryLimit)
	offset := intQuery(c, "offset", 0)

	results, err := s.store.Query(c.Request.Context(), filter, limit, offset)
	if err != nil {
		s.fail(c, "failed to query events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": results, "count": len(results)})
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		s.fail(c, "failed to list projects", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

func (s *Server) handleProjectStats(c *gin.Context) {
	stats, err := s.store.ProjectStats(c.Request.Context(), c.Param("project"))
	if err != nil {
		s.fail(c, "failed to compute project stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleClearProject(c *gin.Context) {
	project := c.Param("project")
	deleted, err := s.store.ClearProject(c.Request.Context(), project)
	if err != nil {
		s.fail(c, "failed to clear project events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "deleted": deleted})
}

func (s *Server) handleAgentTimeline(c *gin.Context) {
	agentID := c.Param("agent_id")
	timeline, err := s.store.AgentTimeline(c.Request.Context(), agentID)
	if err != nil {
		s.fail(c, "failed to load agent timeline", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "timeline": timeline, "count": len(timeline)})
}

// greeting is the first frame sent on every websocket connection.
type greeting struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, s.hub, s.log)

	hello, _ := json.Marshal(greeting{
		Type:      "connected",
		Timestamp: time.Now().UTC(),
		Message:   "streaming lifecycle events",
	})
	client.send <- hello

	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) fail(c *gin.Context, msg string, err error) {
	s.log.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
