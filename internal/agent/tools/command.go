package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxExecTimeout = 300 * time.Second

// denyRule pairs a pattern with the reason reported to the model.
type denyRule struct {
	pattern *regexp.Regexp
	reason  string
}

// denyRules reject command strings with destructive or exfiltrating shapes.
// A rejection surfaces as a tool error, not a transport failure.
var denyRules = []denyRule{
	{
		pattern: regexp.MustCompile(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`),
		reason:  "piping a download into a shell is not allowed",
	},
	{
		pattern: regexp.MustCompile(`>+\s*/etc/`),
		reason:  "writing into /etc is not allowed",
	},
	{
		pattern: regexp.MustCompile(`\bcurl\b[^|]*\s-d\s+[^|]*(?:\$\(|` + "`" + `)`),
		reason:  "sending command output with curl -d is not allowed",
	},
	{
		pattern: regexp.MustCompile(`169\.254\.169\.254`),
		reason:  "access to the instance metadata service is not allowed",
	},
	{
		pattern: regexp.MustCompile(`>+\s*/(?:proc|sys)/`),
		reason:  "writing into /proc or /sys is not allowed",
	},
}

var (
	rmForce = regexp.MustCompile(`\brm\s+(?:-{1,2}\S+\s+)*-{1,2}[a-zA-Z]*f`)
	// Non-flag arguments after rm, extracted to check the target location.
	rmArgs = regexp.MustCompile(`\brm\s+((?:-{1,2}\S+\s+)*)(.*)`)
)

// checkCommand returns the rejection reason for a denied command, or "".
func checkCommand(command string) string {
	for _, rule := range denyRules {
		if rule.pattern.MatchString(command) {
			return rule.reason
		}
	}
	if rmForce.MatchString(command) {
		if target := forcedRemovalOutsideProject(command); target != "" {
			return fmt.Sprintf("force-removing %s outside %s is not allowed", target, ContainerProjectDir)
		}
	}
	return ""
}

// forcedRemovalOutsideProject returns the first rm target that points outside
// the project mount. Relative paths resolve under the project directory and
// are allowed unless they climb out with "..".
func forcedRemovalOutsideProject(command string) string {
	m := rmArgs.FindStringSubmatch(command)
	if m == nil {
		return ""
	}
	for _, arg := range strings.Fields(m[2]) {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		arg = strings.Trim(arg, `"'`)
		if strings.HasPrefix(arg, "/") {
			if arg != ContainerProjectDir && !strings.HasPrefix(arg, ContainerProjectDir+"/") {
				return arg
			}
			continue
		}
		if arg == ".." || strings.HasPrefix(arg, "../") || strings.Contains(arg, "/../") {
			return arg
		}
		if strings.HasPrefix(arg, "~") {
			return arg
		}
	}
	return ""
}

func handleRunCommand(ctx context.Context, d *Dispatcher, call Call) Outcome {
	command, err := stringArg(call.Input, "command")
	if err != nil {
		return Errorf("run_command: %v", err)
	}
	if reason := checkCommand(command); reason != "" {
		return Errorf("run_command rejected: %s", reason)
	}
	if d.exec == nil {
		return Errorf("run_command: command execution is not available")
	}

	timeout := defaultExecTimeout
	if ms, ok := optionalNumber(call.Input, "timeout"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxExecTimeout {
			timeout = maxExecTimeout
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := d.exec.Exec(execCtx, call.UserID, call.ProjectID, command, ContainerProjectDir)
	if err != nil {
		return Errorf("run_command: %v", err)
	}

	var out strings.Builder
	if result.Stdout != "" {
		out.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(result.Stderr)
	}
	if result.ExitCode != 0 {
		return Errorf("command exited with code %d\n%s", result.ExitCode, out.String())
	}
	if out.Len() == 0 {
		return Ok("(no output)")
	}
	return Ok(out.String())
}
