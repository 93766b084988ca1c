package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/agent"
)

// logPollInterval is how often the log tail re-reads the in-container log.
const logPollInterval = 2 * time.Second

type agentRunRequest struct {
	Prompt string        `json:"prompt" binding:"required"`
	Mode   string        `json:"mode"`
	Model  string        `json:"model"`
	Images []agent.Image `json:"images"`
}

func (s *Server) handleAgentRun(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	projectID := c.Param("projectId")

	var req agentRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	stream, err := newSSEStream(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()

	ctx := c.Request.Context()
	events := s.agents.Run(ctx, agent.RunRequest{
		UserID:    uid,
		ProjectID: projectID,
		Prompt:    req.Prompt,
		Mode:      req.Mode,
		Model:     req.Model,
		Plan:      plan(c),
		Images:    req.Images,
	})

	fatal := false
	for ev := range events {
		select {
		case <-ctx.Done():
			s.logger.Debug("agent run client disconnected", zap.String("project_id", projectID))
			return
		default:
		}
		stream.Send(string(ev.Type), ev.Data)
		if ev.Type == agent.EventFatalError {
			fatal = true
		}
	}
	if !fatal {
		stream.Send("done", gin.H{})
	}
}

type agentToolRequest struct {
	Tool  string         `json:"tool" binding:"required"`
	Input map[string]any `json:"input"`
}

func (s *Server) handleAgentTool(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	var req agentToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool is required"})
		return
	}

	outcome, err := s.agents.ExecuteTool(c.Request.Context(), uid, c.Param("projectId"), req.Tool, req.Input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if outcome.IsError() {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"outcome": outcome})
}

// handleLogs tails the dev server log inside the container and frames new
// lines as SSE log events until the client disconnects.
func (s *Server) handleLogs(c *gin.Context) {
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

	ctx := c.Request.Context()
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	nextLine := 1
	for {
		cmd := fmt.Sprintf("tail -n +%d /home/coder/server.log 2>/dev/null | head -c 65536", nextLine)
		result, err := s.workspaces.Exec(ctx, uid, projectID, cmd, "")
		if err != nil {
			stream.Send("error", gin.H{"error": err.Error()})
			stream.Send("done", gin.H{})
			return
		}
		if out := strings.TrimRight(result.Stdout, "\n"); out != "" {
			for _, line := range strings.Split(out, "\n") {
				stream.Send("log", gin.H{"line": line})
				nextLine++
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
