package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/agent"
	"github.com/drape/drape/internal/agent/tools"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/session"
	"github.com/drape/drape/internal/usage"
	"github.com/drape/drape/internal/workspace"
)

type fakeWorkspaces struct {
	execResult *container.ExecResult
	execErr    error
	filesErr   error
	released   []string
}

func (f *fakeWorkspaces) Warm(ctx context.Context, userID, projectID, repoURL, authToken string) (*session.Session, error) {
	return &session.Session{UserID: userID, ProjectID: projectID, ContainerID: "c-1"}, nil
}

func (f *fakeWorkspaces) StartPreview(ctx context.Context, userID, projectID string, onProgress workspace.ProgressFunc, repoURL, authToken string) (*workspace.PreviewResult, error) {
	if projectID == "broken" {
		return nil, workspace.ErrProjectDirMissing
	}
	if onProgress != nil {
		onProgress(workspace.StepContainer, "creating container")
		onProgress(workspace.StepServer, "starting dev server")
	}
	return &workspace.PreviewResult{
		PreviewURL:  "http://localhost/preview/" + projectID,
		AgentURL:    "http://agent:4100",
		ContainerID: "c-1",
	}, nil
}

func (f *fakeWorkspaces) StopPreview(ctx context.Context, userID, projectID string) error { return nil }

func (f *fakeWorkspaces) Release(ctx context.Context, userID, projectID string) error {
	f.released = append(f.released, projectID)
	return nil
}

func (f *fakeWorkspaces) Exec(ctx context.Context, userID, projectID, command, cwd string) (*container.ExecResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResult != nil {
		return f.execResult, nil
	}
	return &container.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeWorkspaces) ListFiles(userID, projectID string, limit int) ([]string, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return []string{"package.json", "src/index.ts"}, nil
}

func (f *fakeWorkspaces) Sessions(userID string) []*session.Session {
	return []*session.Session{{UserID: userID, ProjectID: "p1"}}
}

func (f *fakeWorkspaces) AllSessions() []*session.Session {
	return []*session.Session{{UserID: "u1", ProjectID: "p1"}, {UserID: "u2", ProjectID: "p2"}}
}

type fakeAgents struct {
	events  []agent.Event
	outcome tools.Outcome
	lastRun agent.RunRequest
}

func (f *fakeAgents) Run(ctx context.Context, req agent.RunRequest) <-chan agent.Event {
	f.lastRun = req
	ch := make(chan agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeAgents) ExecuteTool(ctx context.Context, userID, projectID, name string, input map[string]any) (tools.Outcome, error) {
	return f.outcome, nil
}

type fakeUsageReporter struct{}

func (fakeUsageReporter) TokensSince(ctx context.Context, userID string, t time.Time) ([]usage.ModelTokens, error) {
	return []usage.ModelTokens{{Model: "claude-sonnet-4-5", InputTokens: 1000, OutputTokens: 200}}, nil
}

type fakeBudget struct {
	status agent.BudgetStatus
}

func (f *fakeBudget) Check(ctx context.Context, userID, plan string) (*agent.BudgetStatus, error) {
	st := f.status
	return &st, nil
}

func newTestServer(t *testing.T) (*Server, *fakeWorkspaces, *fakeAgents) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	ws := &fakeWorkspaces{}
	agents := &fakeAgents{}
	budget := &fakeBudget{status: agent.BudgetStatus{Plan: "free", LimitEUR: 1.50, SpentEUR: 0.30, PercentUsed: 20}}
	return NewServer(ws, agents, fakeUsageReporter{}, budget, nil, log), ws, agents
}

func doRequest(srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

var authed = map[string]string{"X-User-ID": "u1"}

func TestMissingUserIDRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-User-ID")
}

func TestWarmReturnsSessionSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/v1/workspaces/p1/warm", map[string]string{"repoUrl": "https://github.com/x/y"}, authed)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Session session.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "p1", resp.Session.ProjectID)
	assert.Equal(t, "c-1", resp.Session.ContainerID)
}

func TestExecRunsCommand(t *testing.T) {
	srv, ws, _ := newTestServer(t)
	ws.execResult = &container.ExecResult{ExitCode: 2, Stdout: "out", Stderr: "err"}

	rec := doRequest(srv, http.MethodPost, "/api/v1/workspaces/p1/exec", map[string]string{"command": "npm test"}, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["exitCode"])
	assert.Equal(t, "out", resp["stdout"])
	assert.Equal(t, "err", resp["stderr"])
}

func TestExecRequiresCommand(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/v1/workspaces/p1/exec", map[string]string{}, authed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFilesMissingProjectIs404(t *testing.T) {
	srv, ws, _ := newTestServer(t)
	ws.filesErr = workspace.ErrProjectDirMissing
	rec := doRequest(srv, http.MethodGet, "/api/v1/workspaces/p1/files", nil, authed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseWorkspace(t *testing.T) {
	srv, ws, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodDelete, "/api/v1/workspaces/p1", nil, authed)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"p1"}, ws.released)
}

func TestPreviewStreamsProgressThenReady(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/v1/workspaces/p1/preview", nil, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, ": connected")
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, `"step":"container"`)
	assert.Contains(t, body, "event: ready")
	assert.Contains(t, body, "http://localhost/preview/p1")
	assert.Contains(t, body, "event: done")
}

func TestPreviewErrorIsClassified(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/v1/workspaces/broken/preview", nil, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, `"code":"project_not_found"`)
	assert.NotContains(t, body, "event: ready")
}

func TestAgentRunStreamsEvents(t *testing.T) {
	srv, _, agents := newTestServer(t)
	agents.events = []agent.Event{
		agent.NewEvent(agent.EventStart, map[string]any{"runId": "r1"}),
		agent.NewEvent(agent.EventTextDelta, map[string]any{"text": "hi"}),
		agent.NewEvent(agent.EventComplete, map[string]any{"result": "done"}),
	}

	rec := doRequest(srv, http.MethodPost, "/api/v1/agent/p1/run",
		map[string]string{"prompt": "do it", "mode": "execute"},
		map[string]string{"X-User-ID": "u1", "X-Plan": "pro"})
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: start")
	assert.Contains(t, body, "event: text_delta")
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, "event: done")

	assert.Equal(t, "u1", agents.lastRun.UserID)
	assert.Equal(t, "p1", agents.lastRun.ProjectID)
	assert.Equal(t, "pro", agents.lastRun.Plan)
}

func TestAgentRunFatalSkipsDone(t *testing.T) {
	srv, _, agents := newTestServer(t)
	agents.events = []agent.Event{
		agent.NewEvent(agent.EventFatalError, map[string]any{"error": "boom"}),
	}

	rec := doRequest(srv, http.MethodPost, "/api/v1/agent/p1/run", map[string]string{"prompt": "x"}, authed)
	body := rec.Body.String()
	assert.Contains(t, body, "event: fatal_error")
	assert.NotContains(t, body, "event: done")
}

func TestAgentRunRequiresPrompt(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/v1/agent/p1/run", map[string]string{}, authed)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentToolOutcomeStatus(t *testing.T) {
	srv, _, agents := newTestServer(t)

	agents.outcome = tools.Ok("file contents")
	rec := doRequest(srv, http.MethodPost, "/api/v1/agent/p1/tool",
		map[string]any{"tool": "read_file", "input": map[string]any{"file_path": "a.txt"}}, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	agents.outcome = tools.Errorf("no such file")
	rec = doRequest(srv, http.MethodPost, "/api/v1/agent/p1/tool",
		map[string]any{"tool": "read_file", "input": map[string]any{"file_path": "a.txt"}}, authed)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such file")
}

func TestUsageReport(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/v1/usage", nil, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "free", resp["plan"])
	assert.Equal(t, 1.50, resp["limitEur"])
	assert.Equal(t, float64(20), resp["percentUsed"])

	models, ok := resp["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 1)
	assert.Equal(t, "claude-sonnet-4-5", models[0].(map[string]any)["model"])
}

func TestSessionsListing(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/v1/sessions", nil, authed)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"projectId":"p1"`)

	rec = doRequest(srv, http.MethodGet, "/api/v1/sessions/all", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"projectId":"p2"`)
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"drape"`)
}
