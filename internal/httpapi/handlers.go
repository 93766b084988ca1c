package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/usage"
	"github.com/drape/drape/internal/workspace"
)

type warmRequest struct {
	RepoURL   string `json:"repoUrl"`
	AuthToken string `json:"authToken"`
}

func (s *Server) handleWarm(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	projectID := c.Param("projectId")

	var req warmRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	sess, err := s.workspaces.Warm(c.Request.Context(), uid, projectID, req.RepoURL, req.AuthToken)
	if err != nil {
		s.logger.Error("warm failed", zap.String("project_id", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session": sess})
}

func (s *Server) handlePreview(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	projectID := c.Param("projectId")

	stream, err := newSSEStream(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()

	var req warmRequest
	req.RepoURL = c.Query("repoUrl")
	req.AuthToken = c.Query("authToken")

	result, err := s.workspaces.StartPreview(c.Request.Context(), uid, projectID,
		func(step, message string) {
			stream.Send("progress", gin.H{"step": step, "message": message})
		}, req.RepoURL, req.AuthToken)
	if err != nil {
		stream.Send("error", gin.H{"error": err.Error(), "code": classifyError(err)})
		stream.Send("done", gin.H{})
		return
	}

	stream.Send("ready", result)
	stream.Send("done", gin.H{})
}

// classifyError maps orchestrator failures to stable client-facing codes.
func classifyError(err error) string {
	switch {
	case errors.Is(err, workspace.ErrProjectDirMissing):
		return "project_not_found"
	case errors.Is(err, workspace.ErrSessionNotFound):
		return "session_not_found"
	default:
		return "internal"
	}
}

type execRequest struct {
	Command string `json:"command" binding:"required"`
	Cwd     string `json:"cwd"`
}

func (s *Server) handleExec(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	projectID := c.Param("projectId")

	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	result, err := s.workspaces.Exec(c.Request.Context(), uid, projectID, req.Command, req.Cwd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exitCode": result.ExitCode,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	if err := s.workspaces.StopPreview(c.Request.Context(), uid, c.Param("projectId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRelease(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	if err := s.workspaces.Release(c.Request.Context(), uid, c.Param("projectId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFiles(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	files, err := s.workspaces.ListFiles(uid, c.Param("projectId"), limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workspace.ErrProjectDirMissing) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleSessions(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.workspaces.Sessions(uid)})
}

func (s *Server) handleAllSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.workspaces.AllSessions()})
}

func (s *Server) handleUsage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	monthStart := usage.MonthStart(time.Now())

	status, err := s.budget.Check(c.Request.Context(), uid, plan(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	models, err := s.usage.TokensSince(c.Request.Context(), uid, monthStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"plan":        status.Plan,
		"limitEur":    status.LimitEUR,
		"spentEur":    status.SpentEUR,
		"percentUsed": status.PercentUsed,
		"exceeded":    status.Exceeded,
		"monthStart":  monthStart,
		"models":      models,
	})
}
