package workspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/common/config"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/events/bus"
	"github.com/drape/drape/internal/session"
)

// fakeAgent is an httptest stand-in for the in-container agent. Tests script
// exec behavior through handler and inspect what was run afterwards.
type fakeAgent struct {
	srv *httptest.Server

	mu      sync.Mutex
	execs   []execCall
	setups  []string
	handler func(command, cwd string) (int, string, string)
}

type execCall struct {
	Command string
	Cwd     string
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		fa.mu.Lock()
		fa.execs = append(fa.execs, execCall{Command: req.Command, Cwd: req.Cwd})
		handler := fa.handler
		fa.mu.Unlock()

		exit, stdout, stderr := 0, "", ""
		if handler != nil {
			exit, stdout, stderr = handler(req.Command, req.Cwd)
		}
		json.NewEncoder(w).Encode(container.ExecResult{ExitCode: exit, Stdout: stdout, Stderr: stderr})
	})
	mux.HandleFunc("/setup", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fa.mu.Lock()
		fa.setups = append(fa.setups, req.Command)
		fa.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAgent) url() string { return fa.srv.URL }

func (fa *fakeAgent) setHandler(h func(command, cwd string) (int, string, string)) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.handler = h
}

func (fa *fakeAgent) commands() []execCall {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	out := make([]execCall, len(fa.execs))
	copy(out, fa.execs)
	return out
}

func (fa *fakeAgent) countCommands(substr string) int {
	n := 0
	for _, c := range fa.commands() {
		if strings.Contains(c.Command, substr) {
			n++
		}
	}
	return n
}

func (fa *fakeAgent) setupCommands() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	out := make([]string, len(fa.setups))
	copy(out, fa.setups)
	return out
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestAgentClient(t *testing.T) *container.AgentClient {
	t.Helper()
	c := container.NewAgentClient(newTestLogger(t))
	c.Backoff = func(int) time.Duration { return 0 }
	return c
}

// fakeRuntime implements Runtime without a Docker daemon.
type fakeRuntime struct {
	agentURL string

	mu        sync.Mutex
	created   []string
	destroyed []string
	records   []*container.Record
	createErr error
}

func (f *fakeRuntime) Create(ctx context.Context, projectID string) (*container.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, projectID)
	return &container.Record{
		ID:          "ctr-" + projectID,
		ProjectID:   projectID,
		ServerID:    "local",
		State:       container.StateRunning,
		AgentURL:    f.agentURL,
		PreviewPort: 32768,
	}, nil
}

func (f *fakeRuntime) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]*container.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.destroyed))
	copy(out, f.destroyed)
	return out
}

func newTestService(t *testing.T, fa *fakeAgent) (*Service, *fakeRuntime) {
	t.Helper()
	root := t.TempDir()

	log := newTestLogger(t)
	registry := session.NewRegistry(filepath.Join(root, "sessions.json"), log)
	t.Cleanup(registry.Close)

	rt := &fakeRuntime{agentURL: fa.url()}
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	svc := NewService(
		config.WorkspaceConfig{IdleTimeout: 1200, ReadyTimeout: 2, InstallTimeout: 60, CloneTimeout: 60, ExecTimeout: 30},
		config.ServerConfig{PublicURL: "http://preview.local:8080"},
		config.PathsConfig{
			ProjectsRoot: filepath.Join(root, "projects"),
			CacheRoot:    filepath.Join(root, "cache"),
			PnpmStore:    filepath.Join(root, "pnpm-store"),
		},
		registry, rt, newTestAgentClient(t), memBus, log,
	)
	svc.supervisor.probeEvery = 10 * time.Millisecond
	svc.supervisor.crashAfter = time.Hour
	t.Cleanup(svc.watchers.Close)
	return svc, rt
}

// writeProjectDir lays files down under the service's projects root.
func writeProjectDir(t *testing.T, svc *Service, projectID string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(svc.projectsRoot, projectID)
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}
