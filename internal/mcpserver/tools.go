package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List the user's active workspace sessions. Use this first to see which projects have running containers."),
		),
		listSessionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("warm_project",
			mcp.WithDescription("Pre-warm a project workspace: create its container, clone the repository if given, and install dependencies in the background."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID to warm"),
			),
			mcp.WithString("repo_url",
				mcp.Description("Git repository URL to clone into the workspace (optional)"),
			),
		),
		warmProjectHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("exec_command",
			mcp.WithDescription("Run a shell command inside a project's workspace container and return its exit code and output."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID whose container runs the command"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The shell command to run"),
			),
			mcp.WithString("cwd",
				mcp.Description("Working directory inside the container (optional)"),
			),
		),
		execCommandHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("read_file",
			mcp.WithDescription("Read a file from a project workspace."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID"),
			),
			mcp.WithString("file_path",
				mcp.Required(),
				mcp.Description("Path relative to the project root"),
			),
		),
		fileToolHandler(cfg, log, "read_file"),
	)

	s.AddTool(
		mcp.NewTool("write_file",
			mcp.WithDescription("Write a file into a project workspace, creating parent directories as needed."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID"),
			),
			mcp.WithString("file_path",
				mcp.Required(),
				mcp.Description("Path relative to the project root"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The full file content to write"),
			),
		),
		fileToolHandler(cfg, log, "write_file"),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

// apiCall performs one request against the Drape API with the configured user
// identity and returns the raw response body.
func apiCall(ctx context.Context, cfg Config, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.DrapeURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", cfg.UserID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

// formatResponse pretty-prints an API response or wraps a failure in a tool
// error result.
func formatResponse(status int, body []byte, err error, action string) *mcp.CallToolResult {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err))
	}
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body)))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		return mcp.NewToolResultText(pretty.String())
	}
	return mcp.NewToolResultText(string(body))
}

func listSessionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, body, err := apiCall(ctx, cfg, http.MethodGet, "/api/v1/sessions", nil)
		if err != nil {
			log.Error("failed to list sessions", zap.Error(err))
		}
		return formatResponse(status, body, err, "list sessions"), nil
	}
}

func warmProjectHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{}
		if repo := req.GetString("repo_url", ""); repo != "" {
			payload["repoUrl"] = repo
		}

		status, body, err := apiCall(ctx, cfg, http.MethodPost,
			"/api/v1/workspaces/"+projectID+"/warm", payload)
		if err != nil {
			log.Error("failed to warm project", zap.String("project_id", projectID), zap.Error(err))
		}
		return formatResponse(status, body, err, "warm project"), nil
	}
}

func execCommandHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{"command": command}
		if cwd := req.GetString("cwd", ""); cwd != "" {
			payload["cwd"] = cwd
		}

		status, body, err := apiCall(ctx, cfg, http.MethodPost,
			"/api/v1/workspaces/"+projectID+"/exec", payload)
		if err != nil {
			log.Error("failed to exec command", zap.String("project_id", projectID), zap.Error(err))
		}
		return formatResponse(status, body, err, "exec command"), nil
	}
}

// fileToolHandler forwards read_file and write_file through the single-tool
// agent endpoint so path mapping and escape checks live in one place.
func fileToolHandler(cfg Config, log *logger.Logger, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		input := map[string]any{"file_path": filePath}
		if toolName == "write_file" {
			content, err := req.RequireString("content")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			input["content"] = content
		}

		status, body, err := apiCall(ctx, cfg, http.MethodPost,
			"/api/v1/agent/"+projectID+"/tool",
			map[string]any{"tool": toolName, "input": input})
		if err != nil {
			log.Error("file tool call failed",
				zap.String("tool", toolName),
				zap.String("project_id", projectID),
				zap.Error(err))
		}
		return formatResponse(status, body, err, toolName), nil
	}
}
