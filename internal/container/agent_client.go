package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
)

const (
	execMaxRetries     = 6
	healthPollInterval = 500 * time.Millisecond
	healthProbeTimeout = 2 * time.Second
)

// ExecResult is the outcome of a command run inside the workspace container.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// AgentClient talks to the agent process inside workspace containers. The
// agent is reachable at the container-internal URL published on the session.
type AgentClient struct {
	http   *http.Client
	logger *logger.Logger

	// Backoff computes the pre-retry delay from the attempt number.
	Backoff func(attempt int) time.Duration
}

// NewAgentClient creates a client for in-container agents.
func NewAgentClient(log *logger.Logger) *AgentClient {
	return &AgentClient{
		http:    &http.Client{},
		logger:  log.WithFields(zap.String("component", "agent-client")),
		Backoff: execBackoff,
	}
}

// execBackoff grows linearly and caps at 8 s.
func execBackoff(attempt int) time.Duration {
	ms := 2000 * attempt
	if ms > 8000 {
		ms = 8000
	}
	return time.Duration(ms) * time.Millisecond
}

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// Exec runs a shell command inside the container via the agent's /exec
// endpoint. Gateway errors and transport failures are retried with backoff;
// anything else is raised immediately. A non-zero exit code is not an error:
// callers inspect the result.
func (c *AgentClient) Exec(ctx context.Context, agentURL, command, cwd string, timeout time.Duration, silent bool) (*ExecResult, error) {
	body, err := json.Marshal(execRequest{Command: command, Cwd: cwd})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exec request: %w", err)
	}

	if !silent {
		c.logger.Debug("exec in container",
			zap.String("agent_url", agentURL),
			zap.String("command", command),
			zap.String("cwd", cwd))
	}

	var lastErr error
	for attempt := 0; attempt <= execMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Backoff(attempt)):
			}
		}

		result, retriable, err := c.execOnce(ctx, agentURL, body, timeout)
		if err == nil {
			return result, nil
		}
		if !retriable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !silent {
			c.logger.Warn("exec attempt failed, retrying",
				zap.String("agent_url", agentURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}

	return nil, fmt.Errorf("exec failed after %d attempts: %w", execMaxRetries+1, lastErr)
}

func (c *AgentClient) execOnce(ctx context.Context, agentURL string, body []byte, timeout time.Duration) (*ExecResult, bool, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, agentURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, isRetriableTransportError(err), fmt.Errorf("exec request failed: %w", err)
	}
	defer resp.Body.Close()

	if isRetriableStatus(resp.StatusCode) {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("failed to decode exec response: %w", err)
	}
	return &result, false, nil
}

func isRetriableStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// isRetriableTransportError matches the failure modes of an agent that is
// still booting or briefly unreachable.
func isRetriableTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "socket hang up")
}

// Health probes the agent once.
func (c *AgentClient) Health(ctx context.Context, agentURL string) error {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, agentURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health returned %d", resp.StatusCode)
	}
	return nil
}

// WaitForAgent polls /health until the agent answers 200 or the timeout
// elapses.
func (c *AgentClient) WaitForAgent(ctx context.Context, agentURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if err := c.Health(ctx, agentURL); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent not healthy after %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

type setupRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// StartServer asks the agent to launch the dev server via /setup. The agent
// detaches the process and logs its output to server.log in the cwd.
func (c *AgentClient) StartServer(ctx context.Context, agentURL, command, cwd string) error {
	body, err := json.Marshal(setupRequest{Command: command, Cwd: cwd})
	if err != nil {
		return fmt.Errorf("failed to marshal setup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+"/setup", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build setup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("setup request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent setup returned %d", resp.StatusCode)
	}
	return nil
}

type fileChangeRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// NotifyFileChange pushes updated file content to the agent so dev servers
// with in-container watchers pick it up immediately. Best-effort.
func (c *AgentClient) NotifyFileChange(ctx context.Context, agentURL, path, content string) {
	body, err := json.Marshal(fileChangeRequest{Path: path, Content: content})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+"/file", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("file change notify failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}
