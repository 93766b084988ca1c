package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/agent/tools"
	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/events"
	"github.com/drape/drape/internal/events/bus"
	"github.com/drape/drape/internal/session"
	"github.com/drape/drape/internal/usage"
)

const (
	// DefaultModel is used when the request does not name one.
	DefaultModel = "claude-sonnet-4-5"

	// maxIterations bounds the reason/act loop of a single run.
	maxIterations = 50

	// toolTimeout bounds a single tool dispatch.
	toolTimeout = 60 * time.Second

	// oscillationLimit terminates a run after this many consecutive
	// iterations opening with the same tool.
	oscillationLimit = 5
)

// ChatStreamer is the model surface the runner needs, satisfied by ai.Fabric.
type ChatStreamer interface {
	Lookup(model string) (ai.ModelRecord, error)
	ChatStream(ctx context.Context, model string, req ai.Request) (<-chan ai.StreamChunk, error)
}

// Workspace provides the container session and file listing for a project.
type Workspace interface {
	GetOrCreateContainer(ctx context.Context, userID, projectID string) (*session.Session, error)
	ListFiles(userID, projectID string, limit int) ([]string, error)
}

// ToolExecutor is the dispatcher surface, satisfied by tools.Dispatcher.
type ToolExecutor interface {
	Definitions() []ai.ToolDefinition
	Execute(ctx context.Context, name string, input map[string]any, userID, projectID string, sess *session.Session) tools.Outcome
	Todos(projectID string) []tools.Todo
}

// UsageRecorder persists per-turn token usage, satisfied by usage.Store.
type UsageRecorder interface {
	Record(ctx context.Context, entry usage.Entry) error
}

// Image is a base64 attachment on a run request.
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// RunRequest starts one agent run.
type RunRequest struct {
	UserID    string  `json:"userId"`
	ProjectID string  `json:"projectId"`
	Prompt    string  `json:"prompt"`
	Mode      string  `json:"mode,omitempty"`
	Model     string  `json:"model,omitempty"`
	Plan      string  `json:"plan,omitempty"`
	Images    []Image `json:"images,omitempty"`
}

// Runner drives agent runs: it gates on budget, streams model turns, and
// dispatches the tool calls each turn requests until the model signals
// completion or a guard trips.
type Runner struct {
	fabric     ChatStreamer
	workspace  Workspace
	dispatcher ToolExecutor
	usage      UsageRecorder
	gate       *BudgetGate
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewRunner wires the runner.
func NewRunner(fabric ChatStreamer, ws Workspace, dispatcher ToolExecutor, store UsageRecorder, gate *BudgetGate, eventBus bus.EventBus, log *logger.Logger) *Runner {
	return &Runner{
		fabric:     fabric,
		workspace:  ws,
		dispatcher: dispatcher,
		usage:      store,
		gate:       gate,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "agent")),
	}
}

// Run executes one agent run and streams its events. The channel is closed
// after the terminal event; canceling ctx aborts the run.
func (r *Runner) Run(ctx context.Context, req RunRequest) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("agent run panicked",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				r.send(ctx, out, NewEvent(EventFatalError, map[string]any{
					"error": fmt.Sprintf("internal error: %v", rec),
				}))
			}
		}()
		r.run(ctx, req, out)
	}()
	return out
}

// ExecuteTool runs a single tool outside a model loop, for direct API calls.
func (r *Runner) ExecuteTool(ctx context.Context, userID, projectID, name string, input map[string]any) (tools.Outcome, error) {
	sess, err := r.workspace.GetOrCreateContainer(ctx, userID, projectID)
	if err != nil {
		return tools.Outcome{}, fmt.Errorf("failed to prepare workspace: %w", err)
	}
	toolCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	return r.dispatcher.Execute(toolCtx, name, input, userID, projectID, sess), nil
}

// runState accumulates per-run bookkeeping.
type runState struct {
	runID         string
	model         string
	rec           ai.ModelRecord
	messages      []ai.ConversationMessage
	tokensUsed    int
	costEUR       float64
	filesCreated  []string
	filesModified []string
	lastFirstTool string
	streak        int
}

func (r *Runner) run(ctx context.Context, req RunRequest, out chan<- Event) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	st := &runState{runID: uuid.New().String(), model: model}
	log := r.logger.WithFields(
		zap.String("run_id", st.runID),
		zap.String("user_id", req.UserID),
		zap.String("project_id", req.ProjectID))

	// Every run stream opens with start, even one the gate or workspace
	// rejects a moment later.
	r.send(ctx, out, NewEvent(EventStart, map[string]any{
		"runId":     st.runID,
		"model":     model,
		"mode":      req.Mode,
		"projectId": req.ProjectID,
	}))
	r.publish(ctx, events.AgentRunStarted, map[string]any{
		"runId": st.runID, "userId": req.UserID, "projectId": req.ProjectID, "model": model,
	})
	log.Info("agent run started", zap.String("model", model), zap.String("mode", req.Mode))

	rec, err := r.fabric.Lookup(model)
	if err != nil {
		r.fail(ctx, out, st, fmt.Sprintf("unknown model %q", model))
		return
	}
	st.rec = rec

	status, err := r.gate.Check(ctx, req.UserID, req.Plan)
	if err != nil {
		r.fail(ctx, out, st, err.Error())
		return
	}
	if status.Exceeded {
		log.Info("run blocked by budget",
			zap.String("plan", status.Plan),
			zap.Float64("spent_eur", status.SpentEUR))
		r.send(ctx, out, NewEvent(EventBudgetExceeded, map[string]any{
			"plan":        status.Plan,
			"limitEur":    status.LimitEUR,
			"spentEur":    status.SpentEUR,
			"percentUsed": status.PercentUsed,
		}))
		return
	}

	sess, err := r.workspace.GetOrCreateContainer(ctx, req.UserID, req.ProjectID)
	if err != nil {
		r.fail(ctx, out, st, fmt.Sprintf("failed to prepare workspace: %v", err))
		return
	}

	files, err := r.workspace.ListFiles(req.UserID, req.ProjectID, maxPromptFiles+1)
	if err != nil {
		log.Warn("file listing unavailable", zap.Error(err))
	}
	system := systemPrompt(req.Mode, sess, files)
	st.messages = []ai.ConversationMessage{userMessage(req)}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		r.send(ctx, out, NewEvent(EventIterationStart, map[string]any{"iteration": iteration}))

		done, err := r.streamTurn(ctx, st, system, out)
		if err != nil {
			r.fail(ctx, out, st, fmt.Sprintf("AI provider error: %v", err))
			return
		}
		r.recordUsage(ctx, req.UserID, st, done.Usage, log)

		if len(done.ToolCalls) == 0 {
			r.complete(ctx, out, st, iteration, done.FullText)
			return
		}

		st.messages = append(st.messages, assistantTurn(done))

		results, terminal := r.dispatchTools(ctx, req, sess, st, done.ToolCalls, out)
		if terminal != nil {
			if terminal.Type == EventComplete {
				r.finishComplete(ctx, out, st, iteration, *terminal)
			} else {
				r.send(ctx, out, *terminal)
			}
			return
		}
		st.messages = append(st.messages, ai.ConversationMessage{Role: ai.RoleUser, Content: results})

		first := done.ToolCalls[0].Name
		if first == st.lastFirstTool {
			st.streak++
		} else {
			st.lastFirstTool = first
			st.streak = 1
		}
		if st.streak >= oscillationLimit {
			r.fail(ctx, out, st, fmt.Sprintf("run aborted: stuck in a loop calling %s", first))
			return
		}
	}

	// The iteration cap is a budget like the money one: stop, do not error.
	r.send(ctx, out, NewEvent(EventBudgetExceeded, map[string]any{
		"message": "Maximum iterations reached",
	}))
	r.publish(ctx, events.AgentRunFailed, map[string]any{
		"runId": st.runID, "error": "maximum iterations reached",
	})
	r.logger.Warn("agent run hit the iteration cap",
		zap.String("run_id", st.runID),
		zap.Int("iterations", maxIterations))
}

// streamTurn runs one model call, forwarding stream chunks as events, and
// returns the terminal done chunk.
func (r *Runner) streamTurn(ctx context.Context, st *runState, system string, out chan<- Event) (*ai.StreamChunk, error) {
	stream, err := r.fabric.ChatStream(ctx, st.model, ai.Request{
		Messages:     st.messages,
		SystemPrompt: system,
		Tools:        r.dispatcher.Definitions(),
	})
	if err != nil {
		return nil, err
	}

	for chunk := range stream {
		switch chunk.Type {
		case ai.ChunkText:
			r.send(ctx, out, NewEvent(EventTextDelta, map[string]any{"text": chunk.Text}))
		case ai.ChunkThinkingStart:
			r.send(ctx, out, NewEvent(EventThinkingStart, nil))
		case ai.ChunkThinking:
			r.send(ctx, out, NewEvent(EventThinking, map[string]any{"text": chunk.Text}))
		case ai.ChunkThinkingEnd:
			r.send(ctx, out, NewEvent(EventThinkingEnd, nil))
		case ai.ChunkToolStart:
			r.send(ctx, out, NewEvent(EventToolStart, map[string]any{
				"id":   chunk.ToolID,
				"tool": chunk.ToolName,
			}))
		case ai.ChunkToolUse:
			r.send(ctx, out, NewEvent(EventToolUse, map[string]any{
				"id":    chunk.ToolCall.ID,
				"tool":  chunk.ToolCall.Name,
				"input": chunk.ToolCall.Input,
			}))
		case ai.ChunkDone:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			c := chunk
			return &c, nil
		}
		if chunk.Err != nil {
			return nil, chunk.Err
		}
	}
	return nil, fmt.Errorf("model stream ended without a terminal chunk")
}

// dispatchTools executes one turn's tool calls in order and builds their
// result blocks. A pause or completion outcome short-circuits the turn and
// comes back as the terminal event.
func (r *Runner) dispatchTools(ctx context.Context, req RunRequest, sess *session.Session, st *runState, calls []ai.ToolCall, out chan<- Event) ([]ai.ContentBlock, *Event) {
	results := make([]ai.ContentBlock, 0, len(calls))
	for _, call := range calls {
		toolCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		outcome := r.dispatcher.Execute(toolCtx, call.Name, call.Input, req.UserID, req.ProjectID, sess)
		cancel()

		switch outcome.Kind {
		case tools.OutcomePause:
			ev := NewEvent(EventAskUser, map[string]any{
				"id":        call.ID,
				"questions": outcome.Questions,
			})
			return nil, &ev
		case tools.OutcomeComplete:
			ev := NewEvent(EventComplete, map[string]any{"result": outcome.Result})
			return nil, &ev
		case tools.OutcomeError:
			r.send(ctx, out, NewEvent(EventToolError, map[string]any{
				"id":    call.ID,
				"tool":  call.Name,
				"error": outcome.Content,
			}))
			results = append(results, ai.ContentBlock{
				Type:      ai.BlockToolResult,
				ToolUseID: call.ID,
				Content:   "Error: " + outcome.Content,
				IsError:   true,
			})
		default:
			st.trackFiles(call)
			r.send(ctx, out, NewEvent(EventToolComplete, map[string]any{
				"id":      call.ID,
				"tool":    call.Name,
				"input":   call.Input,
				"result":  outcome.Content,
				"success": true,
			}))
			if call.Name == "todo_write" {
				r.send(ctx, out, NewEvent(EventTodoUpdate, map[string]any{
					"todos": r.dispatcher.Todos(req.ProjectID),
				}))
			}
			results = append(results, ai.ContentBlock{
				Type:      ai.BlockToolResult,
				ToolUseID: call.ID,
				Content:   outcome.Content,
			})
		}
	}
	return results, nil
}

// trackFiles records write_file and edit_file targets for the completion
// summary. The first write of a path counts as created; any touch after that,
// write or edit, also lands in filesModified.
func (st *runState) trackFiles(call ai.ToolCall) {
	path, _ := call.Input["file_path"].(string)
	if path == "" {
		return
	}
	switch call.Name {
	case "write_file":
		if !contains(st.filesCreated, path) && !contains(st.filesModified, path) {
			st.filesCreated = append(st.filesCreated, path)
			return
		}
		if !contains(st.filesModified, path) {
			st.filesModified = append(st.filesModified, path)
		}
	case "edit_file":
		if !contains(st.filesModified, path) {
			st.filesModified = append(st.filesModified, path)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Runner) recordUsage(ctx context.Context, userID string, st *runState, u ai.Usage, log *logger.Logger) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	cost := Cost(st.rec, u)
	st.tokensUsed += u.InputTokens + u.OutputTokens
	st.costEUR += cost
	entry := usage.Entry{
		UserID:       userID,
		Model:        st.model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CachedTokens: u.CachedTokens,
		CostEUR:      cost,
	}
	if err := r.usage.Record(ctx, entry); err != nil {
		log.Error("failed to record usage", zap.Error(err))
		return
	}
	r.publish(ctx, events.UsageRecorded, map[string]any{
		"userId": userID, "model": st.model, "costEur": cost,
	})
}

// complete ends a run whose final turn produced text without tool calls.
func (r *Runner) complete(ctx context.Context, out chan<- Event, st *runState, iteration int, result string) {
	ev := NewEvent(EventComplete, map[string]any{"result": result})
	r.finishComplete(ctx, out, st, iteration, ev)
}

// finishComplete decorates a completion event with run totals and emits it.
func (r *Runner) finishComplete(ctx context.Context, out chan<- Event, st *runState, iteration int, ev Event) {
	ev.Data["iterations"] = iteration
	ev.Data["tokensUsed"] = st.tokensUsed
	ev.Data["costEur"] = st.costEUR
	ev.Data["filesCreated"] = st.filesCreated
	ev.Data["filesModified"] = st.filesModified
	r.send(ctx, out, ev)
	r.publish(ctx, events.AgentRunCompleted, map[string]any{
		"runId": st.runID, "iterations": iteration, "costEur": st.costEUR,
	})
	r.logger.Info("agent run completed",
		zap.String("run_id", st.runID),
		zap.Int("iterations", iteration),
		zap.Int("tokens", st.tokensUsed))
}

func (r *Runner) fail(ctx context.Context, out chan<- Event, st *runState, msg string) {
	r.send(ctx, out, errorEvent(msg))
	r.publish(ctx, events.AgentRunFailed, map[string]any{
		"runId": st.runID, "error": msg,
	})
	r.logger.Warn("agent run failed", zap.String("run_id", st.runID), zap.String("error", msg))
}

func (r *Runner) send(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (r *Runner) publish(ctx context.Context, eventType string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "agent", data)); err != nil {
		r.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func errorEvent(msg string) Event {
	return NewEvent(EventError, map[string]any{"error": msg})
}

// userMessage builds the opening user turn, attaching any images ahead of the
// prompt text.
func userMessage(req RunRequest) ai.ConversationMessage {
	blocks := make([]ai.ContentBlock, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, ai.ContentBlock{
			Type:      ai.BlockImage,
			MediaType: img.MediaType,
			Data:      img.Data,
		})
	}
	blocks = append(blocks, ai.ContentBlock{Type: ai.BlockText, Text: req.Prompt})
	return ai.ConversationMessage{Role: ai.RoleUser, Content: blocks}
}

// assistantTurn rebuilds the assistant message from a terminal stream chunk
// so the next request carries the full turn.
func assistantTurn(done *ai.StreamChunk) ai.ConversationMessage {
	blocks := make([]ai.ContentBlock, 0, len(done.ToolCalls)+1)
	if done.FullText != "" {
		blocks = append(blocks, ai.ContentBlock{Type: ai.BlockText, Text: done.FullText})
	}
	for _, call := range done.ToolCalls {
		blocks = append(blocks, ai.ContentBlock{
			Type:      ai.BlockToolUse,
			ID:        call.ID,
			Name:      call.Name,
			Input:     call.Input,
			Signature: call.Signature,
		})
	}
	return ai.ConversationMessage{Role: ai.RoleAssistant, Content: blocks}
}
