package workspace

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/drape/drape/internal/common/config"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/project"
	"github.com/drape/drape/internal/session"
)

const (
	// markerFile records the cache key of the last successful install inside
	// the effective project directory.
	markerFile = ".package-json-hash"

	// archiveSubdir is where node_modules archives live under the cache root.
	// The cache root is bind-mounted into every workspace container, so the
	// host path and the container path address the same file.
	archiveSubdir = "node-modules"

	restoreTimeout       = 2 * time.Minute
	archiveTimeout       = 5 * time.Minute
	frozenLockfileFlag   = "--frozen-lockfile"
	installErrorTailSize = 10
)

// lockfileMarkers are pnpm's signals that the committed lockfile does not
// match the manifest and a frozen install cannot proceed.
var lockfileMarkers = []string{"LOCKFILE_BREAKING_CHANGE", "not compatible"}

// InstallError carries the tail of the install output so the client can show
// the user what actually failed.
type InstallError struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install failed (exit %d): %s", e.ExitCode, e.Output)
}

// Installer resolves project dependencies inside a workspace container using
// a three-level cache: a marker file recording the last installed key, an
// on-host node_modules archive keyed by that hash, and a fresh install.
// Concurrent installs for the same project coalesce onto one flight.
type Installer struct {
	agent  *container.AgentClient
	paths  config.PathsConfig
	logger *logger.Logger

	timeout time.Duration
	group   singleflight.Group
}

func NewInstaller(agent *container.AgentClient, paths config.PathsConfig, cfg config.WorkspaceConfig, log *logger.Logger) *Installer {
	timeout := time.Duration(cfg.InstallTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Installer{
		agent:   agent,
		paths:   paths,
		logger:  log.WithFields(zap.String("component", "installer")),
		timeout: timeout,
	}
}

// Install resolves dependencies for the session's project. Projects without
// an install step return immediately.
func (i *Installer) Install(ctx context.Context, sess *session.Session, info *project.Info) error {
	if info == nil || !info.NeedsInstall() || info.InstallCommand == "" {
		return nil
	}
	_, err, _ := i.group.Do(sess.ProjectID, func() (interface{}, error) {
		return nil, i.install(ctx, sess, info)
	})
	return err
}

func (i *Installer) install(ctx context.Context, sess *session.Session, info *project.Info) error {
	hostDir := filepath.Join(i.paths.ProjectsRoot, sess.ProjectID, filepath.FromSlash(info.Subdirectory))
	workDir := container.ProjectMountPath
	if info.Subdirectory != "" {
		workDir = path.Join(container.ProjectMountPath, info.Subdirectory)
	}

	key, err := i.cacheKey(sess.ProjectID, info)
	if err != nil {
		i.logger.Warn("could not compute install cache key, installing fresh",
			zap.String("project_id", sess.ProjectID), zap.Error(err))
		return i.freshInstall(ctx, sess, info, workDir, hostDir, "")
	}

	if i.markerMatches(hostDir, key) {
		i.logger.Debug("dependencies up to date",
			zap.String("project_id", sess.ProjectID),
			zap.String("cache_key", key))
		return nil
	}

	if restored := i.restoreArchive(ctx, sess, workDir, key); restored {
		i.writeMarker(hostDir, key)
		i.logger.Info("node_modules restored from archive",
			zap.String("project_id", sess.ProjectID),
			zap.String("cache_key", key))
		return nil
	}

	return i.freshInstall(ctx, sess, info, workDir, hostDir, key)
}

// cacheKey hashes the manifest, the package manager's lockfile, and the
// package manager id. Any change to these invalidates both cache levels.
func (i *Installer) cacheKey(projectID string, info *project.Info) (string, error) {
	root := filepath.Join(i.paths.ProjectsRoot, projectID)
	effective := filepath.Join(root, filepath.FromSlash(info.Subdirectory))

	manifest, err := os.ReadFile(filepath.Join(effective, "package.json"))
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}

	// The lockfile may live next to the manifest or, in a workspace-rooted
	// monorepo, at the project root.
	var lockfile []byte
	lockName := lockfileName(info.PackageManager)
	for _, dir := range []string{effective, root} {
		if b, err := os.ReadFile(filepath.Join(dir, lockName)); err == nil {
			lockfile = b
			break
		}
	}

	h := md5.New()
	h.Write(manifest)
	h.Write(lockfile)
	h.Write([]byte(info.PackageManager))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func lockfileName(pm string) string {
	switch pm {
	case project.PackageManagerPnpm:
		return "pnpm-lock.yaml"
	case project.PackageManagerYarn:
		return "yarn.lock"
	default:
		return "package-lock.json"
	}
}

// markerMatches reports whether the last recorded install key equals the
// current one and an installed tree is still present.
func (i *Installer) markerMatches(hostDir, key string) bool {
	b, err := os.ReadFile(filepath.Join(hostDir, markerFile))
	if err != nil || strings.TrimSpace(string(b)) != key {
		return false
	}
	st, err := os.Stat(filepath.Join(hostDir, "node_modules"))
	return err == nil && st.IsDir()
}

func (i *Installer) writeMarker(hostDir, key string) {
	if key == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(hostDir, markerFile), []byte(key), 0o644); err != nil {
		i.logger.Warn("failed to write install marker", zap.Error(err))
	}
}

// restoreArchive extracts a previously archived node_modules into the working
// directory. The extraction runs inside the container and reports RESTORED or
// MISS on stdout.
func (i *Installer) restoreArchive(ctx context.Context, sess *session.Session, workDir, key string) bool {
	if key == "" {
		return false
	}
	hostArchive := filepath.Join(i.paths.CacheRoot, archiveSubdir, key+".tar.gz")
	if _, err := os.Stat(hostArchive); err != nil {
		return false
	}

	containerArchive := path.Join(container.CacheMountPath, archiveSubdir, key+".tar.gz")
	cmd := fmt.Sprintf("if [ -f %s ]; then tar -xzf %s -C %s && echo RESTORED; else echo MISS; fi",
		containerArchive, containerArchive, workDir)

	result, err := i.agent.Exec(ctx, sess.AgentURL, cmd, workDir, restoreTimeout, true)
	if err != nil {
		i.logger.Debug("archive restore exec failed", zap.Error(err))
		return false
	}
	if result.ExitCode != 0 || !strings.Contains(result.Stdout, "RESTORED") {
		i.logger.Debug("archive restore missed",
			zap.String("cache_key", key),
			zap.Int("exit_code", result.ExitCode))
		return false
	}
	return true
}

// freshInstall runs the project's install command. A frozen-lockfile failure
// caused by an incompatible lockfile is retried once with the flag stripped.
func (i *Installer) freshInstall(ctx context.Context, sess *session.Session, info *project.Info, workDir, hostDir, key string) error {
	command := info.InstallCommand
	i.logger.Info("installing dependencies",
		zap.String("project_id", sess.ProjectID),
		zap.String("command", command))

	result, err := i.agent.Exec(ctx, sess.AgentURL, command, workDir, i.timeout, false)
	if err != nil {
		return fmt.Errorf("install exec failed: %w", err)
	}

	if result.ExitCode != 0 && strings.Contains(command, frozenLockfileFlag) && isLockfileMismatch(result) {
		command = strings.TrimSpace(strings.ReplaceAll(command, frozenLockfileFlag, ""))
		i.logger.Warn("lockfile incompatible, retrying without frozen lockfile",
			zap.String("project_id", sess.ProjectID),
			zap.String("command", command))
		result, err = i.agent.Exec(ctx, sess.AgentURL, command, workDir, i.timeout, false)
		if err != nil {
			return fmt.Errorf("install exec failed: %w", err)
		}
	}

	if result.ExitCode != 0 {
		return &InstallError{
			Command:  command,
			ExitCode: result.ExitCode,
			Output:   lastLines(result.Stdout+"\n"+result.Stderr, installErrorTailSize),
		}
	}

	i.writeMarker(hostDir, key)
	i.archiveAsync(sess, workDir, key)
	return nil
}

func isLockfileMismatch(result *container.ExecResult) bool {
	output := result.Stdout + result.Stderr
	for _, marker := range lockfileMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// archiveAsync produces the on-host archive for future installs. The archive
// is written to a temporary name and renamed so a concurrent restore never
// sees a partial file. Failures only cost a future cache hit.
func (i *Installer) archiveAsync(sess *session.Session, workDir, key string) {
	if key == "" {
		return
	}
	agentURL := sess.AgentURL
	projectID := sess.ProjectID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		dir := path.Join(container.CacheMountPath, archiveSubdir)
		archive := path.Join(dir, key+".tar.gz")
		cmd := fmt.Sprintf("mkdir -p %s && tar -czf %s.partial -C %s node_modules && mv %s.partial %s",
			dir, archive, workDir, archive, archive)

		result, err := i.agent.Exec(ctx, agentURL, cmd, workDir, archiveTimeout, true)
		if err != nil {
			i.logger.Debug("node_modules archive failed",
				zap.String("project_id", projectID), zap.Error(err))
			return
		}
		if result.ExitCode != 0 {
			i.logger.Debug("node_modules archive failed",
				zap.String("project_id", projectID),
				zap.Int("exit_code", result.ExitCode))
			return
		}
		i.logger.Debug("node_modules archived",
			zap.String("project_id", projectID),
			zap.String("cache_key", key))
	}()
}
