package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/agent/tools"
	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/session"
	"github.com/drape/drape/internal/usage"
)

type fakeFabric struct {
	turns    [][]ai.StreamChunk
	requests []ai.Request
}

func (f *fakeFabric) Lookup(model string) (ai.ModelRecord, error) {
	if model == "no-such-model" {
		return ai.ModelRecord{}, ai.ErrUnknownModel
	}
	return ai.ModelRecord{
		Provider: ai.ProviderAnthropic, ModelID: model, MaxTokens: 8192,
		SupportsTools: true, SupportsStreaming: true,
		InputPerMTok: 3.0, OutputPerMTok: 15.0, CachedPerMTok: 0.30,
	}, nil
}

func (f *fakeFabric) ChatStream(ctx context.Context, model string, req ai.Request) (<-chan ai.StreamChunk, error) {
	f.requests = append(f.requests, req)
	if len(f.turns) == 0 {
		return nil, fmt.Errorf("no scripted turn left")
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	ch := make(chan ai.StreamChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeWorkspace struct{}

func (fakeWorkspace) GetOrCreateContainer(ctx context.Context, userID, projectID string) (*session.Session, error) {
	return &session.Session{UserID: userID, ProjectID: projectID}, nil
}

func (fakeWorkspace) ListFiles(userID, projectID string, limit int) ([]string, error) {
	return []string{"package.json", "src/index.ts"}, nil
}

type executedCall struct {
	name  string
	input map[string]any
}

type fakeDispatcher struct {
	outcomes map[string]tools.Outcome
	executed []executedCall
}

func (f *fakeDispatcher) Definitions() []ai.ToolDefinition {
	return []ai.ToolDefinition{{Name: "read_file", InputSchema: map[string]any{"type": "object"}}}
}

func (f *fakeDispatcher) Execute(ctx context.Context, name string, input map[string]any, userID, projectID string, sess *session.Session) tools.Outcome {
	f.executed = append(f.executed, executedCall{name: name, input: input})
	if out, ok := f.outcomes[name]; ok {
		return out
	}
	return tools.Ok("ok")
}

func (f *fakeDispatcher) Todos(projectID string) []tools.Todo { return nil }

type fakeRecorder struct {
	entries []usage.Entry
}

func (f *fakeRecorder) Record(ctx context.Context, e usage.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func doneChunk(fullText string, calls ...ai.ToolCall) ai.StreamChunk {
	return ai.StreamChunk{
		Type: ai.ChunkDone, FullText: fullText, ToolCalls: calls,
		Usage: ai.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func newTestRunner(t *testing.T, fabric *fakeFabric, disp *fakeDispatcher, spent float64) (*Runner, *fakeRecorder) {
	t.Helper()
	log := testLog(t)
	rec := &fakeRecorder{}
	gate := NewBudgetGate(nil, &stubUsageReader{spent: spent}, log)
	return NewRunner(fabric, fakeWorkspace{}, disp, rec, gate, nil, log), rec
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func findEvent(evs []Event, typ EventType) *Event {
	for i := range evs {
		if evs[i].Type == typ {
			return &evs[i]
		}
	}
	return nil
}

func TestRunCompletesWithoutTools(t *testing.T) {
	fabric := &fakeFabric{turns: [][]ai.StreamChunk{{
		{Type: ai.ChunkText, Text: "hello "},
		{Type: ai.ChunkText, Text: "world"},
		doneChunk("hello world"),
	}}}
	runner, rec := newTestRunner(t, fabric, &fakeDispatcher{}, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "say hello",
	}))

	assert.Equal(t, []EventType{
		EventStart, EventIterationStart, EventTextDelta, EventTextDelta, EventComplete,
	}, eventTypes(evs))

	done := findEvent(evs, EventComplete)
	require.NotNil(t, done)
	assert.Equal(t, "hello world", done.Data["result"])
	assert.Equal(t, 1, done.Data["iterations"])
	assert.Equal(t, 150, done.Data["tokensUsed"])

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "u1", rec.entries[0].UserID)
	assert.Equal(t, DefaultModel, rec.entries[0].Model)
	assert.Greater(t, rec.entries[0].CostEUR, 0.0)
}

func TestRunBudgetExceededMakesNoModelCall(t *testing.T) {
	fabric := &fakeFabric{}
	runner, _ := newTestRunner(t, fabric, &fakeDispatcher{}, 1.50)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "hi", Plan: "free",
	}))

	// A blocked run still opens its stream with start.
	require.Len(t, evs, 2)
	assert.Equal(t, EventStart, evs[0].Type)
	assert.Equal(t, EventBudgetExceeded, evs[1].Type)
	assert.InDelta(t, 100.0, evs[1].Data["percentUsed"].(float64), 1e-9)
	assert.Empty(t, fabric.requests, "budget denial must not reach the provider")
}

func TestRunUnknownModel(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeFabric{}, &fakeDispatcher{}, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "hi", Model: "no-such-model",
	}))

	require.Len(t, evs, 2)
	assert.Equal(t, EventStart, evs[0].Type)
	assert.Equal(t, EventError, evs[1].Type)
	assert.Contains(t, evs[1].Data["error"], "no-such-model")
}

func TestRunToolResultRoundTrip(t *testing.T) {
	call := ai.ToolCall{ID: "t1", Name: "read_file", Input: map[string]any{"file_path": "a.txt"}}
	fabric := &fakeFabric{turns: [][]ai.StreamChunk{
		{
			{Type: ai.ChunkToolStart, ToolID: "t1", ToolName: "read_file"},
			{Type: ai.ChunkToolUse, ToolCall: &call},
			doneChunk("", call),
		},
		{doneChunk("the file says hi")},
	}}
	disp := &fakeDispatcher{outcomes: map[string]tools.Outcome{"read_file": tools.Ok("contents of a.txt")}}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "read a.txt",
	}))

	complete := findEvent(evs, EventToolComplete)
	require.NotNil(t, complete)
	assert.Equal(t, "t1", complete.Data["id"])
	assert.Equal(t, "contents of a.txt", complete.Data["result"])
	assert.Equal(t, true, complete.Data["success"])

	// Second request must carry the assistant tool_use turn and the matching
	// tool_result in a user turn.
	require.Len(t, fabric.requests, 2)
	msgs := fabric.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, ai.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 1)
	assert.Equal(t, ai.BlockToolUse, msgs[1].Content[0].Type)
	assert.Equal(t, "t1", msgs[1].Content[0].ID)

	assert.Equal(t, ai.RoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 1)
	assert.Equal(t, ai.BlockToolResult, msgs[2].Content[0].Type)
	assert.Equal(t, "t1", msgs[2].Content[0].ToolUseID)
	assert.Equal(t, "contents of a.txt", msgs[2].Content[0].Content)
	assert.False(t, msgs[2].Content[0].IsError)
}

func TestRunToolErrorFedBackAsErrorResult(t *testing.T) {
	call := ai.ToolCall{ID: "t1", Name: "read_file", Input: map[string]any{"file_path": "missing.txt"}}
	fabric := &fakeFabric{turns: [][]ai.StreamChunk{
		{doneChunk("", call)},
		{doneChunk("could not read it")},
	}}
	disp := &fakeDispatcher{outcomes: map[string]tools.Outcome{"read_file": tools.Errorf("file not found")}}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "read it",
	}))

	toolErr := findEvent(evs, EventToolError)
	require.NotNil(t, toolErr)
	assert.Equal(t, "file not found", toolErr.Data["error"])
	assert.Nil(t, findEvent(evs, EventToolComplete))

	require.Len(t, fabric.requests, 2)
	result := fabric.requests[1].Messages[2].Content[0]
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: file not found", result.Content)
}

func TestRunOscillationGuard(t *testing.T) {
	call := ai.ToolCall{ID: "t", Name: "read_file", Input: map[string]any{"file_path": "a.txt"}}
	turns := make([][]ai.StreamChunk, 6)
	for i := range turns {
		turns[i] = []ai.StreamChunk{doneChunk("", call)}
	}
	fabric := &fakeFabric{turns: turns}
	disp := &fakeDispatcher{}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "loop",
	}))

	// Five full iterations run, each dispatching the tool, then the guard
	// trips before a sixth model call.
	assert.Len(t, disp.executed, 5)
	assert.Len(t, fabric.requests, 5)

	var completes int
	for _, ev := range evs {
		if ev.Type == EventToolComplete {
			completes++
		}
	}
	assert.Equal(t, 5, completes)

	last := evs[len(evs)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Data["error"], "stuck in a loop calling read_file")
}

func TestRunMaxIterationsEmitsBudgetExceeded(t *testing.T) {
	// Alternate tools so the oscillation guard stays quiet and the run walks
	// all the way to the iteration cap.
	turns := make([][]ai.StreamChunk, maxIterations)
	for i := range turns {
		name := "read_file"
		if i%2 == 1 {
			name = "list_files"
		}
		call := ai.ToolCall{ID: fmt.Sprintf("t%d", i), Name: name, Input: map[string]any{"file_path": "a.txt"}}
		turns[i] = []ai.StreamChunk{doneChunk("", call)}
	}
	fabric := &fakeFabric{turns: turns}
	disp := &fakeDispatcher{}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "keep going",
	}))

	assert.Len(t, fabric.requests, maxIterations)
	assert.Len(t, disp.executed, maxIterations)

	last := evs[len(evs)-1]
	assert.Equal(t, EventBudgetExceeded, last.Type)
	assert.Equal(t, "Maximum iterations reached", last.Data["message"])
	assert.Nil(t, findEvent(evs, EventError))
}

func TestRunRepeatWriteLandsInFilesModified(t *testing.T) {
	write := func(id string) ai.ToolCall {
		return ai.ToolCall{ID: id, Name: "write_file", Input: map[string]any{"file_path": "a.ts", "content": "x"}}
	}
	edit := ai.ToolCall{ID: "e1", Name: "edit_file", Input: map[string]any{"file_path": "a.ts", "old_string": "x", "new_string": "y"}}
	finish := ai.ToolCall{ID: "s1", Name: "signal_completion", Input: map[string]any{"result": "done"}}
	fabric := &fakeFabric{turns: [][]ai.StreamChunk{
		{doneChunk("", write("w1"))},
		{doneChunk("", write("w2"), edit)},
		{doneChunk("", finish)},
	}}
	disp := &fakeDispatcher{outcomes: map[string]tools.Outcome{
		"signal_completion": tools.Complete("done"),
	}}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "rewrite it",
	}))

	done := findEvent(evs, EventComplete)
	require.NotNil(t, done)
	assert.Equal(t, []string{"a.ts"}, done.Data["filesCreated"])
	assert.Equal(t, []string{"a.ts"}, done.Data["filesModified"], "a rewritten file counts as modified too")
}

func TestRunSignalCompletion(t *testing.T) {
	calls := []ai.ToolCall{
		{ID: "w1", Name: "write_file", Input: map[string]any{"file_path": "src/new.ts", "content": "x"}},
		{ID: "e1", Name: "edit_file", Input: map[string]any{"file_path": "src/index.ts", "old_string": "a", "new_string": "b"}},
	}
	finish := ai.ToolCall{ID: "s1", Name: "signal_completion", Input: map[string]any{"result": "Added the feature"}}
	fabric := &fakeFabric{turns: [][]ai.StreamChunk{
		{doneChunk("", calls...)},
		{doneChunk("", finish)},
	}}
	disp := &fakeDispatcher{outcomes: map[string]tools.Outcome{
		"signal_completion": tools.Complete("Added the feature"),
	}}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "add it",
	}))

	done := findEvent(evs, EventComplete)
	require.NotNil(t, done)
	assert.Equal(t, "Added the feature", done.Data["result"])
	assert.Equal(t, []string{"src/new.ts"}, done.Data["filesCreated"])
	assert.Equal(t, []string{"src/index.ts"}, done.Data["filesModified"])
	assert.Equal(t, 2, done.Data["iterations"])
}

func TestRunAskUserPausesRun(t *testing.T) {
	ask := ai.ToolCall{ID: "q1", Name: "ask_user_question", Input: map[string]any{"questions": "Which database?"}}
	fabric := &fakeFabric{turns: [][]ai.StreamChunk{
		{doneChunk("", ask)},
	}}
	disp := &fakeDispatcher{outcomes: map[string]tools.Outcome{
		"ask_user_question": tools.Pause([]tools.Question{{Question: "Which database?", Options: []string{"postgres", "sqlite"}}}),
	}}
	runner, _ := newTestRunner(t, fabric, disp, 0)

	evs := collect(t, runner.Run(context.Background(), RunRequest{
		UserID: "u1", ProjectID: "p1", Prompt: "set up storage",
	}))

	last := evs[len(evs)-1]
	assert.Equal(t, EventAskUser, last.Type)
	questions, ok := last.Data["questions"].([]tools.Question)
	require.True(t, ok)
	require.Len(t, questions, 1)
	assert.Equal(t, "Which database?", questions[0].Question)
	assert.Len(t, fabric.requests, 1, "a paused run must not call the model again")
}

func TestExecuteToolDirect(t *testing.T) {
	disp := &fakeDispatcher{outcomes: map[string]tools.Outcome{"read_file": tools.Ok("data")}}
	runner, _ := newTestRunner(t, &fakeFabric{}, disp, 0)

	out, err := runner.ExecuteTool(context.Background(), "u1", "p1", "read_file", map[string]any{"file_path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, tools.OutcomeOK, out.Kind)
	assert.Equal(t, "data", out.Content)
	require.Len(t, disp.executed, 1)
	assert.Equal(t, "read_file", disp.executed[0].name)
}
