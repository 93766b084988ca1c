package workspace

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/session"
)

// Token auth usernames per code host. Hosts not listed here never receive
// credentials: leaking a token to an arbitrary clone target is worse than a
// failed clone.
var codeHostTokenUsers = map[string]string{
	"github.com":    "x-access-token",
	"gitlab.com":    "oauth2",
	"bitbucket.org": "x-token-auth",
}

// injectToken embeds an access token into the clone URL when the host is a
// supported code host. Unparseable URLs and unknown hosts pass through
// unchanged.
func injectToken(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return repoURL
	}
	user, ok := codeHostTokenUsers[strings.ToLower(u.Hostname())]
	if !ok {
		return repoURL
	}
	u.User = url.UserPassword(user, token)
	return u.String()
}

// clone fetches the repository into the project directory inside the
// container. A directory that already holds a repository is left alone.
func (s *Service) clone(ctx context.Context, sess *session.Session, repoURL, authToken string) error {
	check, err := s.agent.Exec(ctx, sess.AgentURL,
		"test -d .git && echo exists || echo missing",
		container.ProjectMountPath, 10*time.Second, true)
	if err == nil && strings.Contains(check.Stdout, "exists") {
		s.logger.Debug("repository already cloned",
			zap.String("project_id", sess.ProjectID))
		return nil
	}

	s.logger.Info("cloning repository",
		zap.String("project_id", sess.ProjectID),
		zap.String("repo_url", repoURL))

	cloneURL := injectToken(repoURL, authToken)
	cmd := fmt.Sprintf("git clone %s .", shellQuote(cloneURL))
	timeout := time.Duration(s.config.CloneTimeout) * time.Second

	result, err := s.agent.Exec(ctx, sess.AgentURL, cmd, container.ProjectMountPath, timeout, false)
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	if result.ExitCode != 0 {
		detail := scrubToken(result.Stderr, authToken)
		return fmt.Errorf("git clone exited with code %d: %s", result.ExitCode, lastLines(detail, 5))
	}
	return nil
}

// hasManifest reports whether the effective project directory already holds a
// package.json inside the container.
func (s *Service) hasManifest(ctx context.Context, sess *session.Session) bool {
	check, err := s.agent.Exec(ctx, sess.AgentURL,
		"test -f package.json && echo yes || echo no",
		container.ProjectMountPath, 10*time.Second, true)
	return err == nil && strings.Contains(check.Stdout, "yes")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scrubToken removes the auth token from text destined for errors or logs.
func scrubToken(text, token string) string {
	if token == "" {
		return text
	}
	return strings.ReplaceAll(text, token, "***")
}

// lastLines returns the last n non-empty lines of output.
func lastLines(output string, n int) string {
	lines := strings.Split(output, "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
