package workspace

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
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
	// serverLogPath is where the in-container agent tails the dev server's
	// stdout and stderr.
	serverLogPath = "/home/coder/server.log"

	probePeriod     = 2 * time.Second
	crashCheckAfter = 8 * time.Second
	logTailLines    = 80
	stopTimeout     = 15 * time.Second
)

// FailureKind classifies why a dev server failed to become healthy.
type FailureKind string

const (
	FailureMissingEnv    FailureKind = "missing_env"
	FailureMissingModule FailureKind = "missing_module"
	FailureSyntax        FailureKind = "syntax"
	FailurePortInUse     FailureKind = "port_in_use"
	FailureExit          FailureKind = "exit"
	FailureTimeout       FailureKind = "timeout"
)

// StartError is a classified dev-server failure. Detail carries the
// user-actionable part: variable names, the missing module, the syntax
// message, or the tail of the crash output.
type StartError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

func (e *StartError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

var (
	missingEnvPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Invalid env .* provided`),
		regexp.MustCompile(`Invalid environment variables`),
		regexp.MustCompile(`(?i)missing or invalid.*variables`),
		regexp.MustCompile(`Environment variables? .*(?:is |are )?(?:not set|missing|required|undefined)`),
	}
	envVarLinePattern    = regexp.MustCompile(`(?m)^\s*-\s*([A-Z][A-Z0-9_]*)\s*:\s*(?:Required|invalid|missing)`)
	envVarArrayPattern   = regexp.MustCompile(`([A-Z][A-Z0-9_]*)\s*:\s*\[\s*'Required'\s*\]`)
	envVarTokenPattern   = regexp.MustCompile(`\b[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+\b`)
	missingModulePattern = regexp.MustCompile(`Cannot find module '([^']+)'`)
	syntaxErrorPattern   = regexp.MustCompile(`SyntaxError: (.+)`)
	exitCodePattern      = regexp.MustCompile(`exited with code ([0-9]+)`)
	stackFramePattern    = regexp.MustCompile(`^\s*at\s`)
)

// envTokenStopList filters runtime error codes out of the last-resort
// uppercase-token scan for environment variable names.
var envTokenStopList = map[string]struct{}{
	"MODULE_NOT_FOUND":      {},
	"ERR_MODULE_NOT_FOUND":  {},
	"INTERNAL_SERVER_ERROR": {},
	"UNHANDLED_REJECTION":   {},
	"NOT_FOUND":             {},
	"BAD_REQUEST":           {},
}

// Supervisor starts and stops dev servers inside workspace containers. A
// server moves through not started, starting, responding, and then either
// healthy or a classified failure; a responding server with an application
// error is a failure for the current call. Concurrent starts for the same
// project coalesce onto one flight.
type Supervisor struct {
	agent  *container.AgentClient
	logger *logger.Logger

	readyTimeout time.Duration
	probeEvery   time.Duration
	crashAfter   time.Duration
	group        singleflight.Group
}

func NewSupervisor(agent *container.AgentClient, cfg config.WorkspaceConfig, log *logger.Logger) *Supervisor {
	timeout := time.Duration(cfg.ReadyTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Supervisor{
		agent:        agent,
		logger:       log.WithFields(zap.String("component", "devserver")),
		readyTimeout: timeout,
		probeEvery:   probePeriod,
		crashAfter:   crashCheckAfter,
	}
}

// Start brings the project's dev server up and waits for it to respond. A
// server that is already responding is left running.
func (s *Supervisor) Start(ctx context.Context, sess *session.Session, info *project.Info) error {
	_, err, _ := s.group.Do(sess.ProjectID, func() (interface{}, error) {
		return nil, s.start(ctx, sess, info)
	})
	return err
}

func (s *Supervisor) start(ctx context.Context, sess *session.Session, info *project.Info) error {
	port := devPort(info)
	if s.Responding(ctx, sess, info) {
		s.logger.Debug("dev server already responding",
			zap.String("project_id", sess.ProjectID),
			zap.Int("port", port))
		return nil
	}

	s.logger.Info("starting dev server",
		zap.String("project_id", sess.ProjectID),
		zap.String("command", info.StartCommand))

	if err := s.agent.StartServer(ctx, sess.AgentURL, info.StartCommand, container.ProjectMountPath); err != nil {
		return fmt.Errorf("failed to launch dev server: %w", err)
	}

	if err := s.waitForReady(ctx, sess, port); err != nil {
		return err
	}
	return s.CheckResponse(ctx, sess, info)
}

// Stop kills the dev server best-effort and clears any pending start flight
// so the next Start begins fresh.
func (s *Supervisor) Stop(ctx context.Context, sess *session.Session, info *project.Info) {
	port := devPort(info)
	cmd := fmt.Sprintf("pkill node >/dev/null 2>&1; fuser -k %d/tcp >/dev/null 2>&1; true", port)
	if _, err := s.agent.Exec(ctx, sess.AgentURL, cmd, container.ProjectMountPath, stopTimeout, true); err != nil {
		s.logger.Debug("dev server stop exec failed",
			zap.String("project_id", sess.ProjectID), zap.Error(err))
	}
	s.group.Forget(sess.ProjectID)
}

// Responding reports whether the dev server answers with any HTTP status.
func (s *Supervisor) Responding(ctx context.Context, sess *session.Session, info *project.Info) bool {
	status, err := s.probe(ctx, sess, devPort(info))
	return err == nil && status >= 200
}

// CheckResponse fetches the project root and classifies server-side failures
// the dev server renders instead of the app: missing environment variables,
// unresolvable modules, syntax errors, a busy port, or a crashed process.
// Statuses below 500 pass: client errors are the app's business.
func (s *Supervisor) CheckResponse(ctx context.Context, sess *session.Session, info *project.Info) error {
	port := devPort(info)
	status, err := s.probe(ctx, sess, port)
	if err != nil || status < 500 {
		return nil
	}

	cmd := fmt.Sprintf("curl -s --max-time 5 http://localhost:%d/", port)
	result, err := s.agent.Exec(ctx, sess.AgentURL, cmd, container.ProjectMountPath, 15*time.Second, true)
	if err != nil {
		return nil
	}
	if serr := classifyOutput(result.Stdout); serr != nil {
		s.logger.Warn("dev server responded with a classified error",
			zap.String("project_id", sess.ProjectID),
			zap.String("kind", string(serr.Kind)),
			zap.String("detail", serr.Detail))
		return serr
	}
	return nil
}

// probe asks curl inside the container for the status code at the dev port.
// A refused connection reports 000, which parses to 0.
func (s *Supervisor) probe(ctx context.Context, sess *session.Session, port int) (int, error) {
	cmd := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' --max-time 2 http://localhost:%d/", port)
	result, err := s.agent.Exec(ctx, sess.AgentURL, cmd, container.ProjectMountPath, 10*time.Second, true)
	if err != nil {
		return 0, err
	}
	status, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected probe output %q", result.Stdout)
	}
	return status, nil
}

// waitForReady polls until the server responds. Once the grace period has
// passed it also tails the server log looking for a crash loop so a broken
// start aborts early instead of burning the whole timeout.
func (s *Supervisor) waitForReady(ctx context.Context, sess *session.Session, port int) error {
	started := time.Now()
	deadline := started.Add(s.readyTimeout)

	for {
		status, err := s.probe(ctx, sess, port)
		if err == nil && status >= 200 {
			s.logger.Info("dev server responding",
				zap.String("project_id", sess.ProjectID),
				zap.Int("status", status),
				zap.Duration("after", time.Since(started)))
			return nil
		}

		if time.Since(started) > s.crashAfter {
			if logTail, terr := s.tailLog(ctx, sess); terr == nil {
				if serr := detectCrash(logTail); serr != nil {
					s.logger.Warn("dev server crash loop detected",
						zap.String("project_id", sess.ProjectID),
						zap.String("kind", string(serr.Kind)))
					return serr
				}
			}
		}

		if time.Now().After(deadline) {
			return &StartError{
				Kind:    FailureTimeout,
				Message: fmt.Sprintf("dev server did not respond within %s", s.readyTimeout),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.probeEvery):
		}
	}
}

func (s *Supervisor) tailLog(ctx context.Context, sess *session.Session) (string, error) {
	cmd := fmt.Sprintf("tail -n %d %s 2>/dev/null || true", logTailLines, serverLogPath)
	result, err := s.agent.Exec(ctx, sess.AgentURL, cmd, container.ProjectMountPath, 10*time.Second, true)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

func devPort(info *project.Info) int {
	if info != nil && info.DevServerPort > 0 {
		return info.DevServerPort
	}
	return project.DefaultDevPort
}

// detectCrash reports a crash loop when the log shows at least two non-zero
// exits. The log is classified like a response body so the caller gets the
// root cause rather than just "it crashed".
func detectCrash(logText string) *StartError {
	crashes := 0
	for _, m := range exitCodePattern.FindAllStringSubmatch(logText, -1) {
		if code, _ := strconv.Atoi(m[1]); code >= 1 {
			crashes++
		}
	}
	if crashes < 2 {
		return nil
	}
	if serr := classifyOutput(logText); serr != nil {
		return serr
	}
	return &StartError{Kind: FailureExit, Message: "dev server is crash looping"}
}

func classifyOutput(body string) *StartError {
	for _, re := range missingEnvPatterns {
		if re.MatchString(body) {
			return &StartError{
				Kind:    FailureMissingEnv,
				Message: "missing or invalid environment variables",
				Detail:  strings.Join(extractEnvVars(body), ", "),
			}
		}
	}

	if m := missingModulePattern.FindStringSubmatch(body); m != nil {
		return &StartError{Kind: FailureMissingModule, Message: "missing module", Detail: m[1]}
	}
	if strings.Contains(body, "MODULE_NOT_FOUND") {
		return &StartError{Kind: FailureMissingModule, Message: "missing module"}
	}

	if m := syntaxErrorPattern.FindStringSubmatch(body); m != nil {
		return &StartError{Kind: FailureSyntax, Message: "syntax error", Detail: strings.TrimSpace(m[1])}
	}

	if strings.Contains(body, "EADDRINUSE") {
		return &StartError{Kind: FailurePortInUse, Message: "dev server port already in use, retry shortly"}
	}

	for _, m := range exitCodePattern.FindAllStringSubmatch(body, -1) {
		if code, _ := strconv.Atoi(m[1]); code >= 1 {
			return &StartError{
				Kind:    FailureExit,
				Message: fmt.Sprintf("dev server exited with code %d", code),
				Detail:  errorTail(body, 3),
			}
		}
	}
	return nil
}

// extractEnvVars pulls variable names out of a validation error page. The
// structured forms are tried first; raw uppercase tokens are a last resort.
func extractEnvVars(body string) []string {
	seen := make(map[string]struct{})
	var vars []string
	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		vars = append(vars, name)
	}

	for _, m := range envVarLinePattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range envVarArrayPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	if len(vars) > 0 {
		return vars
	}

	for _, token := range envVarTokenPattern.FindAllString(body, -1) {
		if _, stop := envTokenStopList[token]; stop {
			continue
		}
		add(token)
	}
	return vars
}

// errorTail returns the last n non-empty lines that are not stack frames.
func errorTail(body string, n int) string {
	lines := strings.Split(body, "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || stackFramePattern.MatchString(lines[i]) {
			continue
		}
		kept = append(kept, trimmed)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
