// Package httpapi exposes the workspace and agent services over HTTP: JSON
// endpoints for lifecycle verbs, SSE streams for preview progress, agent runs
// and log tailing, and the WebSocket upgrade path for the event gateway.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/agent"
	"github.com/drape/drape/internal/agent/tools"
	"github.com/drape/drape/internal/common/httpmw"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/session"
	"github.com/drape/drape/internal/usage"
	"github.com/drape/drape/internal/workspace"
)

// WorkspaceService is the orchestrator surface the API serves, satisfied by
// workspace.Service.
type WorkspaceService interface {
	Warm(ctx context.Context, userID, projectID, repoURL, authToken string) (*session.Session, error)
	StartPreview(ctx context.Context, userID, projectID string, onProgress workspace.ProgressFunc, repoURL, authToken string) (*workspace.PreviewResult, error)
	StopPreview(ctx context.Context, userID, projectID string) error
	Release(ctx context.Context, userID, projectID string) error
	Exec(ctx context.Context, userID, projectID, command, cwd string) (*container.ExecResult, error)
	ListFiles(userID, projectID string, limit int) ([]string, error)
	Sessions(userID string) []*session.Session
	AllSessions() []*session.Session
}

// AgentService is the runner surface, satisfied by agent.Runner.
type AgentService interface {
	Run(ctx context.Context, req agent.RunRequest) <-chan agent.Event
	ExecuteTool(ctx context.Context, userID, projectID, name string, input map[string]any) (tools.Outcome, error)
}

// UsageReporter reads month-to-date token aggregates, satisfied by usage.Store.
type UsageReporter interface {
	TokensSince(ctx context.Context, userID string, t time.Time) ([]usage.ModelTokens, error)
}

// BudgetChecker reports plan budget position, satisfied by agent.BudgetGate.
type BudgetChecker interface {
	Check(ctx context.Context, userID, plan string) (*agent.BudgetStatus, error)
}

// Server is the HTTP API front end.
type Server struct {
	workspaces WorkspaceService
	agents     AgentService
	usage      UsageReporter
	budget     BudgetChecker
	wsHandler  gin.HandlerFunc
	logger     *logger.Logger
}

// NewServer wires the API. wsHandler serves the /ws upgrade and may be nil
// when the gateway is disabled.
func NewServer(ws WorkspaceService, agents AgentService, usageStore UsageReporter, budget BudgetChecker, wsHandler gin.HandlerFunc, log *logger.Logger) *Server {
	return &Server{
		workspaces: ws,
		agents:     agents,
		usage:      usageStore,
		budget:     budget,
		wsHandler:  wsHandler,
		logger:     log.WithFields(zap.String("component", "httpapi")),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.logger, "drape"))
	router.Use(httpmw.OtelTracing("drape"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "drape"})
	})
	if s.wsHandler != nil {
		router.GET("/ws", s.wsHandler)
	}

	api := router.Group("/api/v1")
	{
		api.POST("/workspaces/:projectId/warm", s.handleWarm)
		api.GET("/workspaces/:projectId/preview", s.handlePreview)
		api.POST("/workspaces/:projectId/exec", s.handleExec)
		api.POST("/workspaces/:projectId/stop", s.handleStop)
		api.DELETE("/workspaces/:projectId", s.handleRelease)
		api.GET("/workspaces/:projectId/files", s.handleFiles)
		api.GET("/workspaces/:projectId/logs", s.handleLogs)

		api.POST("/agent/:projectId/run", s.handleAgentRun)
		api.POST("/agent/:projectId/tool", s.handleAgentTool)

		api.GET("/sessions", s.handleSessions)
		api.GET("/sessions/all", s.handleAllSessions)
		api.GET("/usage", s.handleUsage)
	}
	return router
}

// userID reads the authenticated user from the auth collaborator's header.
// Requests without it are rejected.
func userID(c *gin.Context) (string, bool) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-User-ID header"})
		return "", false
	}
	return id, true
}

// plan reads the billing plan header, defaulting to the free tier.
func plan(c *gin.Context) string {
	if p := c.GetHeader("X-Plan"); p != "" {
		return p
	}
	return "free"
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-User-ID, X-Plan, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
