package workspace

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/session"
)

// nodeProjectFiles is a minimal project the detector classifies as nodejs
// with a dev script.
var nodeProjectFiles = map[string]string{
	"package.json":      `{"scripts":{"dev":"node server.js"}}`,
	"package-lock.json": `{"lockfileVersion": 3}`,
	"server.js":         "require('http')",
}

// healthyAgentHandler answers probes with 200 once the dev server has been
// launched through /setup, mimicking a server that boots quickly.
func healthyAgentHandler(fa *fakeAgent) func(command, cwd string) (int, string, string) {
	return func(command, cwd string) (int, string, string) {
		switch {
		case command == "echo ok":
			return 0, "ok", ""
		case isProbe(command):
			if len(fa.setupCommands()) > 0 {
				return 0, "200", ""
			}
			return 0, "000", ""
		case isLogTail(command):
			return 0, "", ""
		}
		return 0, "", ""
	}
}

func TestGetOrCreateContainerCreatesSession(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, rt := newTestService(t, fa)

	sess, err := svc.GetOrCreateContainer(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ctr-p1", sess.ContainerID)
	assert.Equal(t, fa.url(), sess.AgentURL)
	assert.Equal(t, "local", sess.ServerID)
	assert.Equal(t, 1, rt.createdCount())

	stored, ok := svc.registry.Get("u1", "p1")
	require.True(t, ok)
	assert.Equal(t, "ctr-p1", stored.ContainerID)
}

func TestGetOrCreateContainerReusesHealthy(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, rt := newTestService(t, fa)

	first, err := svc.GetOrCreateContainer(context.Background(), "u1", "p1")
	require.NoError(t, err)

	second, err := svc.GetOrCreateContainer(context.Background(), "u1", "p1")
	require.NoError(t, err)

	assert.Equal(t, first.ContainerID, second.ContainerID)
	assert.Equal(t, 1, rt.createdCount())
	assert.False(t, second.LastUsed.Before(first.LastUsed))
}

func TestGetOrCreateContainerReplacesUnhealthy(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, rt := newTestService(t, fa)

	// A session whose agent is unreachable fails the health probe.
	now := time.Now().UTC()
	svc.registry.Set(&session.Session{
		UserID:      "u1",
		ProjectID:   "p1",
		ContainerID: "stale-container",
		AgentURL:    "http://127.0.0.1:1",
		CreatedAt:   now,
		LastUsed:    now,
	})

	sess, err := svc.GetOrCreateContainer(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ctr-p1", sess.ContainerID)
	assert.Contains(t, rt.destroyedIDs(), "stale-container")
	assert.Equal(t, 1, rt.createdCount())
}

func TestWarmPreparesInBackground(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, _ := newTestService(t, fa)
	writeProjectDir(t, svc, "p1", nodeProjectFiles)

	sess, err := svc.Warm(context.Background(), "u1", "p1", "", "")
	require.NoError(t, err)
	require.NotNil(t, sess.ProjectInfo)
	assert.Equal(t, "npm run dev", sess.ProjectInfo.StartCommand)

	require.Eventually(t, func() bool {
		stored, ok := svc.registry.Get("u1", "p1")
		return ok && stored.PreparedAt != nil
	}, 5*time.Second, 20*time.Millisecond, "background warm-up should stamp preparedAt")

	assert.Equal(t, 1, fa.countCommands("npm install"))
	assert.Equal(t, []string{"npm run dev"}, fa.setupCommands())
}

func TestStartPreviewSlowPathEmitsProgress(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, _ := newTestService(t, fa)
	writeProjectDir(t, svc, "p1", nodeProjectFiles)

	var mu sync.Mutex
	var steps []string
	onProgress := func(step, message string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}

	result, err := svc.StartPreview(context.Background(), "u1", "p1", onProgress, "", "")
	require.NoError(t, err)

	assert.Equal(t, "http://preview.local:8080/preview/p1/", result.PreviewURL)
	assert.Equal(t, "ctr-p1", result.ContainerID)
	assert.Equal(t, fa.url(), result.AgentURL)
	require.NotNil(t, result.ProjectInfo)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{StepContainer, StepDetect, StepInstall, StepServer, StepStarting, StepReady}, steps)

	stored, ok := svc.registry.Get("u1", "p1")
	require.True(t, ok)
	assert.NotNil(t, stored.PreparedAt)
}

func TestStartPreviewFastPathReturnsSameURL(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, rt := newTestService(t, fa)
	writeProjectDir(t, svc, "p1", nodeProjectFiles)

	first, err := svc.StartPreview(context.Background(), "u1", "p1", nil, "", "")
	require.NoError(t, err)
	installs := fa.countCommands("npm install")

	var steps []string
	second, err := svc.StartPreview(context.Background(), "u1", "p1", func(step, _ string) {
		steps = append(steps, step)
	}, "", "")
	require.NoError(t, err)

	assert.Equal(t, first.PreviewURL, second.PreviewURL)
	assert.Equal(t, []string{StepReady}, steps)
	assert.Equal(t, 1, rt.createdCount(), "fast path must not create containers")
	assert.Equal(t, installs, fa.countCommands("npm install"), "fast path must not reinstall")
}

func TestStartPreviewFailsOnClassifiedAppError(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, _ := newTestService(t, fa)
	writeProjectDir(t, svc, "p1", nodeProjectFiles)

	_, err := svc.StartPreview(context.Background(), "u1", "p1", nil, "", "")
	require.NoError(t, err)

	// The running server now renders a 500 naming a missing module.
	fa.setHandler(func(command, cwd string) (int, string, string) {
		switch {
		case command == "echo ok":
			return 0, "ok", ""
		case isProbe(command):
			return 0, "500", ""
		case isBodyFetch(command):
			return 0, "Error: Cannot find module 'left-pad'", ""
		}
		return 0, "", ""
	})

	_, err = svc.StartPreview(context.Background(), "u1", "p1", nil, "", "")
	require.Error(t, err)

	var serr *StartError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, FailureMissingModule, serr.Kind)
	assert.Equal(t, "left-pad", serr.Detail)
}

func TestStopPreviewWithoutSession(t *testing.T) {
	fa := newFakeAgent(t)
	svc, _ := newTestService(t, fa)

	err := svc.StopPreview(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReleaseDestroysContainerAndSession(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, rt := newTestService(t, fa)

	_, err := svc.GetOrCreateContainer(context.Background(), "u1", "p1")
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), "u1", "p1"))
	assert.Contains(t, rt.destroyedIDs(), "ctr-p1")

	_, ok := svc.registry.Get("u1", "p1")
	assert.False(t, ok)

	// Releasing again is a no-op.
	require.NoError(t, svc.Release(context.Background(), "u1", "p1"))
}

func TestExecDefaultsToProjectDir(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(func(command, cwd string) (int, string, string) {
		if command == "ls" {
			return 0, "package.json\n", ""
		}
		return 0, "ok", ""
	})
	svc, _ := newTestService(t, fa)

	result, err := svc.Exec(context.Background(), "u1", "p1", "ls", "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "package.json\n", result.Stdout)

	var lsCall *execCall
	for _, c := range fa.commands() {
		if c.Command == "ls" {
			call := c
			lsCall = &call
		}
	}
	require.NotNil(t, lsCall)
	assert.Equal(t, container.ProjectMountPath, lsCall.Cwd)
}

func TestCloneRepositorySkipsExistingRepo(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(func(command, cwd string) (int, string, string) {
		switch {
		case command == "echo ok":
			return 0, "ok", ""
		case strings.Contains(command, "test -d .git"):
			return 0, "exists", ""
		}
		return 0, "", ""
	})
	svc, _ := newTestService(t, fa)

	err := svc.CloneRepository(context.Background(), "u1", "p1", "https://github.com/acme/app.git", "tok")
	require.NoError(t, err)
	assert.Zero(t, fa.countCommands("git clone"))
}

func TestCloneRepositoryInjectsTokenForKnownHost(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(func(command, cwd string) (int, string, string) {
		switch {
		case command == "echo ok":
			return 0, "ok", ""
		case strings.Contains(command, "test -d .git"):
			return 0, "missing", ""
		}
		return 0, "", ""
	})
	svc, _ := newTestService(t, fa)

	err := svc.CloneRepository(context.Background(), "u1", "p1", "https://github.com/acme/app.git", "tok")
	require.NoError(t, err)

	var cloneCmd string
	for _, c := range fa.commands() {
		if strings.Contains(c.Command, "git clone") {
			cloneCmd = c.Command
		}
	}
	require.NotEmpty(t, cloneCmd)
	assert.Contains(t, cloneCmd, "x-access-token:tok@github.com")
}

func TestListFilesSkipsIgnoredDirs(t *testing.T) {
	fa := newFakeAgent(t)
	svc, _ := newTestService(t, fa)
	writeProjectDir(t, svc, "p1", map[string]string{
		"package.json":              "{}",
		"src/index.ts":              "export {}",
		"node_modules/left-pad/x":   "junk",
		".git/HEAD":                 "ref: refs/heads/main",
		".next/cache/chunk":         "junk",
		"public/logo.svg":           "<svg/>",
	})

	files, err := svc.ListFiles("u1", "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"package.json", "public/logo.svg", "src/index.ts"}, files)
}

func TestListFilesMissingProject(t *testing.T) {
	fa := newFakeAgent(t)
	svc, _ := newTestService(t, fa)

	_, err := svc.ListFiles("u1", "nope", 0)
	assert.ErrorIs(t, err, ErrProjectDirMissing)
}

func TestAdoptContainersOnStart(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHandler(healthyAgentHandler(fa))
	svc, rt := newTestService(t, fa)

	rt.records = []*container.Record{
		{ID: "orphan-1", ProjectID: "old-proj", ServerID: "local", State: container.StateRunning, AgentURL: fa.url(), PreviewPort: 40001},
		{ID: "bound-1", ProjectID: "bound-proj", ServerID: "local", State: container.StateRunning},
	}
	now := time.Now().UTC()
	svc.registry.Set(&session.Session{
		UserID: "u1", ProjectID: "bound-proj", ContainerID: "bound-1",
		CreatedAt: now, LastUsed: now,
	})

	require.NoError(t, svc.Start(context.Background()))
	defer func() { require.NoError(t, svc.Stop()) }()

	adopted, ok := svc.registry.GetByContainer("orphan-1")
	require.True(t, ok)
	assert.Equal(t, session.LegacyUserID, adopted.UserID)
	assert.Equal(t, "old-proj", adopted.ProjectID)
	assert.Equal(t, 40001, adopted.PreviewPort)

	bound, ok := svc.registry.GetByContainer("bound-1")
	require.True(t, ok)
	assert.Equal(t, "u1", bound.UserID, "bound containers keep their session")
}

func TestReapIdleDestroysStaleSessions(t *testing.T) {
	fa := newFakeAgent(t)
	svc, rt := newTestService(t, fa)

	old := time.Now().UTC().Add(-2 * time.Hour)
	svc.registry.Set(&session.Session{
		UserID: "u1", ProjectID: "stale", ContainerID: "ctr-stale",
		CreatedAt: old, LastUsed: old,
	})
	now := time.Now().UTC()
	svc.registry.Set(&session.Session{
		UserID: "u1", ProjectID: "active", ContainerID: "ctr-active",
		CreatedAt: now, LastUsed: now,
	})

	svc.reapIdle()

	assert.Contains(t, rt.destroyedIDs(), "ctr-stale")
	assert.NotContains(t, rt.destroyedIDs(), "ctr-active")

	_, ok := svc.registry.Get("u1", "stale")
	assert.False(t, ok)
	_, ok = svc.registry.Get("u1", "active")
	assert.True(t, ok)
}

func TestStartTwiceFails(t *testing.T) {
	fa := newFakeAgent(t)
	svc, _ := newTestService(t, fa)

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, svc.Stop(), ErrNotRunning)
}
