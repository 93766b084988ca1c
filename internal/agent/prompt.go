package agent

import (
	"fmt"
	"strings"

	"github.com/drape/drape/internal/agent/tools"
	"github.com/drape/drape/internal/session"
)

// Run modes. Fast answers without planning ceremony, plan produces a design
// before touching files, execute works through an agreed plan.
const (
	ModeFast    = "fast"
	ModePlan    = "plan"
	ModeExecute = "execute"
)

// maxPromptFiles caps the project listing embedded in the system prompt.
const maxPromptFiles = 200

const promptCommon = `You are a senior software engineer working inside a sandboxed development workspace.

The project lives at ` + tools.ContainerProjectDir + `. All file paths you pass to tools are relative to that directory (container-absolute paths under it are also accepted).

Rules:
- Read a file before you edit it. edit_file replaces the first occurrence of old_string only, so make old_string unambiguous.
- Use todo_write to keep a visible task list on multi-step work, and keep exactly one item in_progress.
- Use run_command for builds, tests and package management. Commands run from the project root.
- When a requirement is genuinely ambiguous, call ask_user_question instead of guessing.
- When the task is done, call signal_completion with a short summary of what changed. Do not call it before the work is verified.`

const promptFast = `Work quickly and directly. Skip plans and preambles, make the smallest change that satisfies the request, and finish with signal_completion.`

const promptPlan = `Do not modify any files. Explore the project with read-only tools, then produce a concrete implementation plan: the files to change, the order of changes, and the risks. Finish with signal_completion carrying the plan.`

const promptExecute = `Work through the task step by step. Track progress with todo_write, verify your changes where a cheap check exists (build, targeted test, quick run), and finish with signal_completion summarizing what was done.`

// systemPrompt assembles the mode base, workspace hints from the session, and
// a capped file listing.
func systemPrompt(mode string, sess *session.Session, files []string) string {
	var b strings.Builder
	b.WriteString(promptCommon)
	b.WriteString("\n\n")
	switch mode {
	case ModePlan:
		b.WriteString(promptPlan)
	case ModeFast:
		b.WriteString(promptFast)
	default:
		b.WriteString(promptExecute)
	}

	if sess != nil && sess.ProjectInfo != nil {
		info := sess.ProjectInfo
		b.WriteString("\n\nProject environment:\n")
		fmt.Fprintf(&b, "- Type: %s (%s)\n", info.Type, info.Description)
		if info.PackageManager != "" {
			fmt.Fprintf(&b, "- Package manager: %s\n", info.PackageManager)
		}
		if info.InstallCommand != "" {
			fmt.Fprintf(&b, "- Install: %s\n", info.InstallCommand)
		}
		if info.StartCommand != "" {
			fmt.Fprintf(&b, "- Dev server: %s (port %d)\n", info.StartCommand, info.DevServerPort)
		}
		if info.Subdirectory != "" {
			fmt.Fprintf(&b, "- App subdirectory: %s\n", info.Subdirectory)
		}
	}

	if len(files) > 0 {
		truncated := false
		if len(files) > maxPromptFiles {
			files = files[:maxPromptFiles]
			truncated = true
		}
		b.WriteString("\nProject files:\n")
		for _, f := range files {
			b.WriteString(f)
			b.WriteByte('\n')
		}
		if truncated {
			b.WriteString("... (listing truncated)\n")
		}
	}
	return b.String()
}
