package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/session"
)

// ContainerProjectDir is where the project bind mount appears inside the
// workspace container. Models frequently address files by this absolute path;
// the dispatcher maps it back onto the host-side project directory.
const ContainerProjectDir = "/home/coder/project"

const defaultExecTimeout = 60 * time.Second

// Execer runs a command inside the project's workspace container.
type Execer interface {
	Exec(ctx context.Context, userID, projectID, command, cwd string) (*container.ExecResult, error)
}

// Notifier pushes a hot-reload hint to the in-container agent after a write.
type Notifier interface {
	NotifyFileChange(ctx context.Context, agentURL, path, content string)
}

// Call bundles everything a tool handler needs for one invocation.
type Call struct {
	UserID    string
	ProjectID string
	Session   *session.Session
	Input     map[string]any
}

type tool struct {
	definition ai.ToolDefinition
	handle     func(ctx context.Context, d *Dispatcher, call Call) Outcome
}

// Dispatcher owns the closed tool registry and the collaborators tools act
// through.
type Dispatcher struct {
	projectsRoot string
	exec         Execer
	notifier     Notifier
	todos        *TodoStore
	search       *WebSearch
	registry     map[string]tool
	logger       *logger.Logger
}

// NewDispatcher wires the registry. search may be nil when web search is not
// configured; web_search then returns an error outcome.
func NewDispatcher(projectsRoot string, exec Execer, notifier Notifier, search *WebSearch, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		projectsRoot: projectsRoot,
		exec:         exec,
		notifier:     notifier,
		todos:        NewTodoStore(),
		search:       search,
		logger:       log.WithFields(zap.String("component", "tools")),
	}
	d.registry = buildRegistry()
	return d
}

// Definitions lists the tool contracts offered to the model, in a stable order.
func (d *Dispatcher) Definitions() []ai.ToolDefinition {
	out := make([]ai.ToolDefinition, 0, len(toolOrder))
	for _, name := range toolOrder {
		out = append(out, d.registry[name].definition)
	}
	return out
}

// Todos returns the current todo list for a project.
func (d *Dispatcher) Todos(projectID string) []Todo {
	return d.todos.Get(projectID)
}

// ClearTodos drops a project's todo list, typically on release.
func (d *Dispatcher) ClearTodos(projectID string) {
	d.todos.Clear(projectID)
}

// Execute runs one named tool. Unknown names and handler failures come back
// as error outcomes so the model sees a tool error rather than a dead stream.
func (d *Dispatcher) Execute(ctx context.Context, name string, input map[string]any, userID, projectID string, sess *session.Session) Outcome {
	entry, ok := d.registry[name]
	if !ok {
		return Errorf("unknown tool %q", name)
	}
	if input == nil {
		input = map[string]any{}
	}
	call := Call{UserID: userID, ProjectID: projectID, Session: sess, Input: input}
	outcome := entry.handle(ctx, d, call)
	if outcome.IsError() {
		d.logger.Debug("tool returned error",
			zap.String("tool", name),
			zap.String("project_id", projectID),
			zap.String("message", outcome.Content))
	}
	return outcome
}

// projectDir is the host-side root for a project's files.
func (d *Dispatcher) projectDir(projectID string) string {
	return filepath.Join(d.projectsRoot, projectID)
}

// resolvePath maps a tool-supplied path onto the host project directory.
// Container-absolute paths under /home/coder/project are translated; anything
// escaping the project directory is rejected.
func (d *Dispatcher) resolvePath(projectID, p string) (string, error) {
	base := d.projectDir(projectID)
	if p == "" || p == "." {
		return base, nil
	}
	if filepath.IsAbs(p) {
		if p == ContainerProjectDir {
			return base, nil
		}
		if strings.HasPrefix(p, ContainerProjectDir+"/") {
			p = strings.TrimPrefix(p, ContainerProjectDir+"/")
		} else {
			return "", fmt.Errorf("absolute path %q is outside the project directory", p)
		}
	}
	full := filepath.Clean(filepath.Join(base, p))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project directory", p)
	}
	return full, nil
}

// toolOrder fixes the order tools appear in Definitions.
var toolOrder = []string{
	"read_file", "write_file", "edit_file", "list_directory", "run_command",
	"glob_search", "grep_search", "web_search", "todo_write",
	"ask_user_question", "signal_completion",
}

func buildRegistry() map[string]tool {
	registry := map[string]tool{
		"read_file": {
			definition: ai.ToolDefinition{
				Name:        "read_file",
				Description: "Read the contents of a file in the project. Binary files return a summary line instead of contents.",
				InputSchema: objectSchema(map[string]any{
					"file_path": stringProp("Path to the file, relative to the project root"),
				}, "file_path"),
			},
			handle: handleReadFile,
		},
		"write_file": {
			definition: ai.ToolDefinition{
				Name:        "write_file",
				Description: "Create or overwrite a file with the given content. Parent directories are created as needed.",
				InputSchema: objectSchema(map[string]any{
					"file_path":   stringProp("Path to the file, relative to the project root"),
					"content":     stringProp("Full file content to write"),
					"description": stringProp("Short human-readable description of the change"),
				}, "file_path", "content"),
			},
			handle: handleWriteFile,
		},
		"edit_file": {
			definition: ai.ToolDefinition{
				Name:        "edit_file",
				Description: "Replace the first occurrence of old_string with new_string in a file. old_string must match the file exactly.",
				InputSchema: objectSchema(map[string]any{
					"file_path":  stringProp("Path to the file, relative to the project root"),
					"old_string": stringProp("Exact text to replace"),
					"new_string": stringProp("Replacement text"),
				}, "file_path", "old_string", "new_string"),
			},
			handle: handleEditFile,
		},
		"list_directory": {
			definition: ai.ToolDefinition{
				Name:        "list_directory",
				Description: "List a directory. With recursive=true, returns the full file list under the path.",
				InputSchema: objectSchema(map[string]any{
					"path":      stringProp("Directory to list, relative to the project root (default: project root)"),
					"recursive": boolProp("List all files recursively"),
				}),
			},
			handle: handleListDirectory,
		},
		"run_command": {
			definition: ai.ToolDefinition{
				Name:        "run_command",
				Description: "Run a shell command inside the workspace container. Destructive commands are rejected.",
				InputSchema: objectSchema(map[string]any{
					"command": stringProp("The shell command to run"),
					"timeout": numberProp("Timeout in milliseconds (default 60000, max 300000)"),
				}, "command"),
			},
			handle: handleRunCommand,
		},
		"glob_search": {
			definition: ai.ToolDefinition{
				Name:        "glob_search",
				Description: "Find files by name glob pattern. Well-known generated directories are excluded.",
				InputSchema: objectSchema(map[string]any{
					"pattern": stringProp("Glob pattern, e.g. *.tsx or src/**/*.ts"),
					"path":    stringProp("Directory to search from, relative to the project root"),
				}, "pattern"),
			},
			handle: handleGlobSearch,
		},
		"grep_search": {
			definition: ai.ToolDefinition{
				Name:        "grep_search",
				Description: "Search file contents with a regular expression. Results are bounded.",
				InputSchema: objectSchema(map[string]any{
					"pattern": stringProp("Regular expression to search for"),
					"path":    stringProp("Directory to search from, relative to the project root"),
					"include": stringProp("Filename glob filter, e.g. *.ts"),
				}, "pattern"),
			},
			handle: handleGrepSearch,
		},
		"web_search": {
			definition: ai.ToolDefinition{
				Name:        "web_search",
				Description: "Search the web for up-to-date information.",
				InputSchema: objectSchema(map[string]any{
					"query": stringProp("The search query"),
				}, "query"),
			},
			handle: handleWebSearch,
		},
		"todo_write": {
			definition: ai.ToolDefinition{
				Name:        "todo_write",
				Description: "Replace the project's todo list. Each todo has content, activeForm, and status (pending, in_progress, completed). At most one item may be in_progress.",
				InputSchema: objectSchema(map[string]any{
					"todos": map[string]any{
						"type":        "array",
						"description": "The full todo list replacing the current one",
						"items": objectSchema(map[string]any{
							"content":    stringProp("Imperative description of the task"),
							"activeForm": stringProp("Present-continuous form shown while in progress"),
							"status":     stringProp("pending, in_progress, or completed"),
						}, "content", "status"),
					},
				}, "todos"),
			},
			handle: handleTodoWrite,
		},
		"ask_user_question": {
			definition: ai.ToolDefinition{
				Name:        "ask_user_question",
				Description: "Pause and ask the user one or more clarifying questions. The run stops until the user answers.",
				InputSchema: objectSchema(map[string]any{
					"questions": map[string]any{
						"type":        "array",
						"description": "Questions to ask, each optionally with multiple-choice options",
						"items": objectSchema(map[string]any{
							"question": stringProp("The question text"),
							"options": map[string]any{
								"type":        "array",
								"description": "Optional multiple-choice answers",
								"items":       map[string]any{"type": "string"},
							},
						}, "question"),
					},
				}, "questions"),
			},
			handle: handleAskUserQuestion,
		},
		"signal_completion": {
			definition: ai.ToolDefinition{
				Name:        "signal_completion",
				Description: "Signal that the requested work is complete, with a summary of what was done.",
				InputSchema: objectSchema(map[string]any{
					"result": stringProp("Summary of the completed work"),
				}, "result"),
			},
			handle: handleSignalCompletion,
		},
	}
	return registry
}

func handleTodoWrite(_ context.Context, d *Dispatcher, call Call) Outcome {
	raw, ok := call.Input["todos"]
	if !ok {
		return Errorf("todo_write: todos is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Errorf("todo_write: invalid todos: %v", err)
	}
	var todos []Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return Errorf("todo_write: invalid todos: %v", err)
	}
	stored := d.todos.Set(call.ProjectID, todos)
	return Okf("Updated todo list (%d items)", len(stored))
}

func handleAskUserQuestion(_ context.Context, _ *Dispatcher, call Call) Outcome {
	raw, ok := call.Input["questions"]
	if !ok {
		return Errorf("ask_user_question: questions is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Errorf("ask_user_question: invalid questions: %v", err)
	}
	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		// Plain strings are accepted too.
		var texts []string
		if err := json.Unmarshal(data, &texts); err != nil {
			return Errorf("ask_user_question: invalid questions: %v", err)
		}
		for _, text := range texts {
			questions = append(questions, Question{Question: text})
		}
	}
	if len(questions) == 0 {
		return Errorf("ask_user_question: at least one question is required")
	}
	return Pause(questions)
}

func handleSignalCompletion(_ context.Context, _ *Dispatcher, call Call) Outcome {
	result, _ := call.Input["result"].(string)
	return Complete(result)
}

// stringArg extracts a required string input.
func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func optionalBool(input map[string]any, key string) bool {
	b, _ := input[key].(bool)
	return b
}

func optionalNumber(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func numberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
