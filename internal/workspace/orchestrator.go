// Package workspace coordinates per-project development workspaces: container
// lifecycle, repository cloning, project detection, dependency installs, dev
// server supervision, file watching, and idle reaping. All verbs that mutate
// session state run under the session registry's per-key lock, so concurrent
// warm/preview/exec calls for one project serialize instead of racing.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/config"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/events"
	"github.com/drape/drape/internal/events/bus"
	"github.com/drape/drape/internal/project"
	"github.com/drape/drape/internal/session"
)

const (
	agentWaitTimeout   = 30 * time.Second
	healthProbeTimeout = 10 * time.Second
	idleSweepPeriod    = time.Minute
	defaultIdleTimeout = 20 * time.Minute
	defaultFileLimit   = 1000
)

// Progress steps reported during StartPreview, in order of appearance.
const (
	StepContainer = "container"
	StepClone     = "clone"
	StepDetect    = "detect"
	StepInstall   = "install"
	StepServer    = "server"
	StepStarting  = "starting"
	StepReady     = "ready"
)

var (
	ErrAlreadyRunning    = errors.New("workspace service already running")
	ErrNotRunning        = errors.New("workspace service not running")
	ErrSessionNotFound   = errors.New("session not found")
	ErrProjectDirMissing = errors.New("project directory not found")
)

// ProgressFunc receives step transitions while a preview is being prepared.
type ProgressFunc func(step, message string)

// PreviewResult is what a client needs to open the running preview.
type PreviewResult struct {
	PreviewURL  string        `json:"previewUrl"`
	AgentURL    string        `json:"agentUrl"`
	ContainerID string        `json:"containerId"`
	ProjectInfo *project.Info `json:"projectInfo"`
}

// Runtime is the container driver surface the orchestrator needs.
type Runtime interface {
	Create(ctx context.Context, projectID string) (*container.Record, error)
	Destroy(ctx context.Context, containerID string) error
	List(ctx context.Context) ([]*container.Record, error)
}

// Service is the workspace orchestrator.
type Service struct {
	config       config.WorkspaceConfig
	publicURL    string
	projectsRoot string

	registry   *session.Registry
	runtime    Runtime
	agent      *container.AgentClient
	installer  *Installer
	supervisor *Supervisor
	watchers   *WatcherSet
	bus        bus.EventBus
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(
	cfg config.WorkspaceConfig,
	server config.ServerConfig,
	paths config.PathsConfig,
	registry *session.Registry,
	runtime Runtime,
	agent *container.AgentClient,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{
		config:       cfg,
		publicURL:    strings.TrimRight(server.PublicURL, "/"),
		projectsRoot: paths.ProjectsRoot,
		registry:     registry,
		runtime:      runtime,
		agent:        agent,
		installer:    NewInstaller(agent, paths, cfg, log),
		supervisor:   NewSupervisor(agent, cfg, log),
		watchers:     NewWatcherSet(eventBus, log),
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "workspace")),
		stopCh:       make(chan struct{}),
	}
}

// Start adopts orphaned containers and launches the idle reaper.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.adoptContainers(ctx)

	s.wg.Add(1)
	go s.reapLoop()

	s.logger.Info("workspace service started",
		zap.Duration("idle_timeout", s.idleTimeout()))
	return nil
}

// Stop halts the reaper, waits for background warm-ups, and closes watchers.
// Containers keep running: they are adopted back on the next start.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.watchers.Close()
	s.logger.Info("workspace service stopped")
	return nil
}

// GetOrCreateContainer returns a session with a healthy container, creating
// or replacing the container as needed.
func (s *Service) GetOrCreateContainer(ctx context.Context, userID, projectID string) (*session.Session, error) {
	var out *session.Session
	err := s.registry.WithLock(userID, projectID, func() error {
		sess, err := s.ensureContainer(ctx, userID, projectID)
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

// ensureContainer is the locked core of GetOrCreateContainer. The caller must
// hold the session key lock.
func (s *Service) ensureContainer(ctx context.Context, userID, projectID string) (*session.Session, error) {
	if sess, ok := s.registry.Get(userID, projectID); ok {
		if s.containerHealthy(ctx, sess) {
			s.registry.Touch(userID, projectID)
			sess.LastUsed = time.Now().UTC()
			return sess, nil
		}
		s.logger.Warn("workspace container unhealthy, recreating",
			zap.String("project_id", projectID),
			zap.String("container_id", sess.ContainerID))
		if sess.ContainerID != "" {
			if err := s.runtime.Destroy(ctx, sess.ContainerID); err != nil {
				s.logger.Warn("failed to destroy stale container",
					zap.String("container_id", sess.ContainerID), zap.Error(err))
			}
		}
		s.registry.Delete(userID, projectID)
	}

	record, err := s.runtime.Create(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	// A slow agent boot is not fatal: every later exec retries on transport
	// errors anyway.
	if err := s.agent.WaitForAgent(ctx, record.AgentURL, agentWaitTimeout); err != nil {
		s.logger.Warn("agent not healthy after container start",
			zap.String("container_id", record.ID), zap.Error(err))
	}

	now := time.Now().UTC()
	sess := &session.Session{
		UserID:      userID,
		ProjectID:   projectID,
		ContainerID: record.ID,
		AgentURL:    record.AgentURL,
		PreviewPort: record.PreviewPort,
		ServerID:    record.ServerID,
		CreatedAt:   now,
		LastUsed:    now,
	}
	s.registry.Set(sess)
	s.publish(events.WorkspaceCreated, map[string]interface{}{
		"userId":      userID,
		"projectId":   projectID,
		"containerId": record.ID,
		"serverId":    record.ServerID,
	})
	return sess, nil
}

// containerHealthy probes the container by running a trivial command through
// the in-container agent.
func (s *Service) containerHealthy(ctx context.Context, sess *session.Session) bool {
	if sess.AgentURL == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	result, err := s.agent.Exec(probeCtx, sess.AgentURL, "echo ok", container.ProjectMountPath, 5*time.Second, true)
	return err == nil && result.ExitCode == 0 && strings.Contains(result.Stdout, "ok")
}

// Warm prepares a project in the background: container now, clone and detect
// now, install and dev server start asynchronously. The returned session
// reflects the state at return time; preparedAt is stamped when the
// background work finishes.
func (s *Service) Warm(ctx context.Context, userID, projectID, repoURL, authToken string) (*session.Session, error) {
	var out *session.Session
	err := s.registry.WithLock(userID, projectID, func() error {
		sess, err := s.ensureContainer(ctx, userID, projectID)
		if err != nil {
			return err
		}

		if repoURL != "" && !s.hasManifest(ctx, sess) {
			if err := s.clone(ctx, sess, repoURL, authToken); err != nil {
				return err
			}
		}

		info, err := s.detect(projectID)
		if err != nil {
			return err
		}
		sess.ProjectInfo = info
		s.registry.Set(sess)
		out = sess

		if s.supervisor.Responding(ctx, sess, info) {
			s.logger.Debug("dev server already warm",
				zap.String("project_id", projectID))
			return nil
		}

		s.prepareAsync(userID, projectID, sess, info)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.watchProject(projectID)
	return out, nil
}

// prepareAsync installs dependencies and starts the dev server without
// holding the session lock, then stamps preparedAt.
func (s *Service) prepareAsync(userID, projectID string, sess *session.Session, info *project.Info) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.warmBudget())
		defer cancel()

		if err := s.installer.Install(ctx, sess, info); err != nil {
			s.logger.Warn("background install failed",
				zap.String("project_id", projectID), zap.Error(err))
			return
		}
		if err := s.supervisor.Start(ctx, sess, info); err != nil {
			s.logger.Warn("background dev server start failed",
				zap.String("project_id", projectID), zap.Error(err))
			return
		}

		s.markPrepared(userID, projectID, info)
		s.publish(events.WorkspaceReady, map[string]interface{}{
			"userId":    userID,
			"projectId": projectID,
		})
		s.logger.Info("workspace warmed",
			zap.String("project_id", projectID),
			zap.String("project_type", string(info.Type)))
	}()
}

func (s *Service) markPrepared(userID, projectID string, info *project.Info) {
	_ = s.registry.WithLock(userID, projectID, func() error {
		sess, ok := s.registry.Get(userID, projectID)
		if !ok {
			return nil
		}
		now := time.Now().UTC()
		sess.PreparedAt = &now
		sess.ProjectInfo = info
		s.registry.Set(sess)
		return nil
	})
}

// StartPreview brings the project preview all the way up and reports progress
// along the way. A healthy unchanged project short-circuits to the existing
// preview URL without reinstalling or restarting anything.
func (s *Service) StartPreview(ctx context.Context, userID, projectID string, onProgress ProgressFunc, repoURL, authToken string) (*PreviewResult, error) {
	if onProgress == nil {
		onProgress = func(string, string) {}
	}

	result, err := s.tryFastPath(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		onProgress(StepReady, "preview ready")
		return result, nil
	}

	err = s.registry.WithLock(userID, projectID, func() error {
		onProgress(StepContainer, "preparing workspace container")
		sess, err := s.ensureContainer(ctx, userID, projectID)
		if err != nil {
			return err
		}

		if repoURL != "" && !s.hasManifest(ctx, sess) {
			onProgress(StepClone, "cloning repository")
			if err := s.clone(ctx, sess, repoURL, authToken); err != nil {
				return err
			}
		}

		onProgress(StepDetect, "detecting project type")
		info, err := s.detect(projectID)
		if err != nil {
			return err
		}
		sess.ProjectInfo = info
		s.registry.Set(sess)

		if info.NeedsInstall() {
			onProgress(StepInstall, "installing dependencies")
			if err := s.installer.Install(ctx, sess, info); err != nil {
				return err
			}
		}

		onProgress(StepServer, "starting dev server")
		onProgress(StepStarting, "waiting for dev server to respond")
		if err := s.supervisor.Start(ctx, sess, info); err != nil {
			return err
		}

		now := time.Now().UTC()
		sess.PreparedAt = &now
		sess.LastUsed = now
		s.registry.Set(sess)

		result = s.previewResult(sess, info)
		onProgress(StepReady, "preview ready")
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.watchProject(projectID)
	return result, nil
}

// tryFastPath returns the existing preview when the dev server is healthy
// and the detected project type has not changed. A responding server whose
// page renders a classified application error fails the call instead of
// handing the user a broken preview. A changed type stops the server and
// falls through to the slow path.
func (s *Service) tryFastPath(ctx context.Context, userID, projectID string) (*PreviewResult, error) {
	sess, ok := s.registry.Get(userID, projectID)
	if !ok || sess.ProjectInfo == nil {
		return nil, nil
	}
	if !s.supervisor.Responding(ctx, sess, sess.ProjectInfo) {
		return nil, nil
	}

	info, err := s.detect(projectID)
	if err != nil {
		return nil, nil
	}
	if info.Type != sess.ProjectInfo.Type {
		s.logger.Info("project type changed, restarting dev server",
			zap.String("project_id", projectID),
			zap.String("from", string(sess.ProjectInfo.Type)),
			zap.String("to", string(info.Type)))
		s.supervisor.Stop(ctx, sess, sess.ProjectInfo)
		return nil, nil
	}

	if serr := s.supervisor.CheckResponse(ctx, sess, info); serr != nil {
		return nil, serr
	}

	_ = s.registry.WithLock(userID, projectID, func() error {
		fresh, ok := s.registry.Get(userID, projectID)
		if !ok {
			return nil
		}
		fresh.ProjectInfo = info
		fresh.LastUsed = time.Now().UTC()
		s.registry.Set(fresh)
		return nil
	})

	s.logger.Debug("preview fast path hit", zap.String("project_id", projectID))
	return s.previewResult(sess, info), nil
}

// StopPreview stops the dev server but keeps the container and session.
func (s *Service) StopPreview(ctx context.Context, userID, projectID string) error {
	return s.registry.WithLock(userID, projectID, func() error {
		sess, ok := s.registry.Get(userID, projectID)
		if !ok {
			return ErrSessionNotFound
		}
		s.supervisor.Stop(ctx, sess, sess.ProjectInfo)
		s.registry.Touch(userID, projectID)
		return nil
	})
}

// Release tears the workspace down completely: watcher, dev server,
// container, session. Releasing an absent session is a no-op.
func (s *Service) Release(ctx context.Context, userID, projectID string) error {
	s.watchers.Stop(projectID)

	return s.registry.WithLock(userID, projectID, func() error {
		sess, ok := s.registry.Get(userID, projectID)
		if !ok {
			return nil
		}
		s.supervisor.Stop(ctx, sess, sess.ProjectInfo)
		if sess.ContainerID != "" {
			if err := s.runtime.Destroy(ctx, sess.ContainerID); err != nil {
				return fmt.Errorf("failed to destroy container: %w", err)
			}
		}
		s.registry.Delete(userID, projectID)
		s.publish(events.WorkspaceReleased, map[string]interface{}{
			"userId":    userID,
			"projectId": projectID,
		})
		s.logger.Info("workspace released",
			zap.String("project_id", projectID),
			zap.String("container_id", sess.ContainerID))
		return nil
	})
}

// Exec runs a command in the project's container, creating the container if
// needed. An empty cwd defaults to the project directory.
func (s *Service) Exec(ctx context.Context, userID, projectID, command, cwd string) (*container.ExecResult, error) {
	if cwd == "" {
		cwd = container.ProjectMountPath
	}
	timeout := time.Duration(s.config.ExecTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	var result *container.ExecResult
	err := s.registry.WithLock(userID, projectID, func() error {
		sess, err := s.ensureContainer(ctx, userID, projectID)
		if err != nil {
			return err
		}
		res, err := s.agent.Exec(ctx, sess.AgentURL, command, cwd, timeout, false)
		if err != nil {
			return err
		}
		s.registry.Touch(userID, projectID)
		result = res
		return nil
	})
	return result, err
}

// CloneRepository fetches a repository into the workspace. Cloning into a
// directory that already holds a repository succeeds without refetching.
func (s *Service) CloneRepository(ctx context.Context, userID, projectID, repoURL, authToken string) error {
	return s.registry.WithLock(userID, projectID, func() error {
		sess, err := s.ensureContainer(ctx, userID, projectID)
		if err != nil {
			return err
		}
		if err := s.clone(ctx, sess, repoURL, authToken); err != nil {
			return err
		}
		s.registry.Touch(userID, projectID)
		return nil
	})
}

// ListFiles walks the project tree on the host. Paths are relative,
// slash-separated, sorted, and capped at limit.
func (s *Service) ListFiles(userID, projectID string, limit int) ([]string, error) {
	root := filepath.Join(s.projectsRoot, projectID)
	if _, err := os.Stat(root); err != nil {
		return nil, ErrProjectDirMissing
	}
	if limit <= 0 {
		limit = defaultFileLimit
	}

	var files []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := ignoredDirs[d.Name()]; skip && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= limit {
			return fs.SkipAll
		}
		return nil
	})

	sort.Strings(files)
	s.registry.Touch(userID, projectID)
	return files, nil
}

// Sessions lists the user's sessions, most recently used first.
func (s *Service) Sessions(userID string) []*session.Session {
	return s.registry.ListByUser(userID)
}

// AllSessions lists every session across users.
func (s *Service) AllSessions() []*session.Session {
	return s.registry.All()
}

func (s *Service) detect(projectID string) (*project.Info, error) {
	info, err := project.Detect(filepath.Join(s.projectsRoot, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to detect project type: %w", err)
	}
	return info, nil
}

func (s *Service) previewResult(sess *session.Session, info *project.Info) *PreviewResult {
	return &PreviewResult{
		PreviewURL:  s.previewURL(sess.ProjectID),
		AgentURL:    sess.AgentURL,
		ContainerID: sess.ContainerID,
		ProjectInfo: info,
	}
}

// previewURL is stable for a project: the reverse proxy maps the path to the
// container's dev server, so a fast-path hit returns the same URL the slow
// path produced.
func (s *Service) previewURL(projectID string) string {
	return fmt.Sprintf("%s/preview/%s/", s.publicURL, projectID)
}

func (s *Service) watchProject(projectID string) {
	root := filepath.Join(s.projectsRoot, projectID)
	if err := s.watchers.Watch(projectID, root); err != nil {
		s.logger.Debug("failed to start file watcher",
			zap.String("project_id", projectID), zap.Error(err))
	}
}

// adoptContainers rebinds workspace containers that survived a restart.
// Containers with no current session get a legacy-tagged session so they are
// reaped or reused instead of leaked.
func (s *Service) adoptContainers(ctx context.Context) {
	records, err := s.runtime.List(ctx)
	if err != nil {
		s.logger.Warn("failed to list containers for adoption", zap.Error(err))
		return
	}

	adopted := 0
	for _, rec := range records {
		if rec.ProjectID == "" {
			continue
		}
		if _, bound := s.registry.GetByContainer(rec.ID); bound {
			continue
		}

		now := time.Now().UTC()
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		s.registry.Set(&session.Session{
			UserID:      session.LegacyUserID,
			ProjectID:   rec.ProjectID,
			ContainerID: rec.ID,
			AgentURL:    rec.AgentURL,
			PreviewPort: rec.PreviewPort,
			ServerID:    rec.ServerID,
			CreatedAt:   createdAt,
			LastUsed:    now,
		})
		s.publish(events.WorkspaceAdopted, map[string]interface{}{
			"projectId":   rec.ProjectID,
			"containerId": rec.ID,
		})
		adopted++
	}
	if adopted > 0 {
		s.logger.Info("adopted orphaned workspace containers", zap.Int("count", adopted))
	}
}

func (s *Service) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(idleSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// reapIdle destroys sessions idle past the timeout. The per-key lock is taken
// before destroying, so a verb in flight for the same project blocks the
// reaper and its lastUsed stamp disqualifies the session on re-check. One
// failed session does not stop the sweep.
func (s *Service) reapIdle() {
	cutoff := time.Now().UTC().Add(-s.idleTimeout())

	for _, candidate := range s.registry.All() {
		if candidate.LastUsed.After(cutoff) {
			continue
		}
		userID, projectID := candidate.UserID, candidate.ProjectID

		err := s.registry.WithLock(userID, projectID, func() error {
			fresh, ok := s.registry.Get(userID, projectID)
			if !ok || fresh.LastUsed.After(cutoff) {
				return nil
			}

			s.watchers.Stop(projectID)
			if fresh.ContainerID != "" {
				destroyCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := s.runtime.Destroy(destroyCtx, fresh.ContainerID); err != nil {
					return err
				}
			}
			s.registry.Delete(userID, projectID)
			s.publish(events.WorkspaceReaped, map[string]interface{}{
				"userId":    userID,
				"projectId": projectID,
			})
			s.logger.Info("reaped idle workspace",
				zap.String("project_id", projectID),
				zap.Duration("idle", time.Since(fresh.LastUsed)))
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to reap idle workspace",
				zap.String("project_id", projectID), zap.Error(err))
		}
	}
}

func (s *Service) idleTimeout() time.Duration {
	if s.config.IdleTimeout > 0 {
		return time.Duration(s.config.IdleTimeout) * time.Second
	}
	return defaultIdleTimeout
}

// warmBudget bounds a background install plus dev server start.
func (s *Service) warmBudget() time.Duration {
	budget := time.Duration(s.config.InstallTimeout+s.config.ReadyTimeout)*time.Second + time.Minute
	if budget < 5*time.Minute {
		budget = 15 * time.Minute
	}
	return budget
}

func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "workspace", data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Debug("failed to publish event",
			zap.String("type", eventType), zap.Error(err))
	}
}
