// Package openai adapts the OpenAI chat-completions schema to the ai.Provider
// streaming interface via github.com/sashabaranov/go-openai. Multimodal
// content is stripped to text, the system prompt travels as a leading system
// message, and tools are wrapped as {type: function, function: {...}}.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
)

// ChatClient is the subset of the go-openai client the adapter uses.
type ChatClient interface {
	CreateChatCompletionStream(ctx context.Context, request sdk.ChatCompletionRequest) (*sdk.ChatCompletionStream, error)
}

// Provider implements ai.Provider on the OpenAI chat-completions API.
type Provider struct {
	chat   ChatClient
	logger *logger.Logger
}

// New builds a provider from an API key.
func New(apiKey string, log *logger.Logger) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return NewWithClient(sdk.NewClient(apiKey), log), nil
}

// NewWithClient builds a provider around an existing chat client.
func NewWithClient(chat ChatClient, log *logger.Logger) *Provider {
	return &Provider{
		chat:   chat,
		logger: log.WithFields(zap.String("component", "openai")),
	}
}

// ChatStream issues a streaming chat completion and translates its deltas
// into the closed chunk set.
func (p *Provider) ChatStream(ctx context.Context, req ai.Request) (<-chan ai.StreamChunk, error) {
	request, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream, err := p.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	out := make(chan ai.StreamChunk, 32)
	go p.run(ctx, stream, out)
	return out, nil
}

func (p *Provider) run(ctx context.Context, stream *sdk.ChatCompletionStream, out chan<- ai.StreamChunk) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	emit := func(chunk ai.StreamChunk) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- chunk:
			return nil
		}
	}

	acc := newAccumulator()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			_ = acc.finish(emit)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("openai stream failed", zap.Error(err))
				_ = emit(ai.StreamChunk{Err: err})
			}
			return
		}
		if err := acc.process(resp, emit); err != nil {
			return
		}
	}
}

// accumulator assembles streamed deltas into one turn. Tool-call arguments
// arrive as fragments keyed by choice-delta index; content deltas pass
// through a tag filter so inline <thinking> spans become thinking chunks.
type accumulator struct {
	text       strings.Builder
	filter     ai.ThinkingTagFilter
	tools      map[int]*toolBuffer
	order      []int
	started    map[int]bool
	stopReason string
	usage      ai.Usage
}

type toolBuffer struct {
	id        string
	name      string
	arguments strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{
		tools:   make(map[int]*toolBuffer),
		started: make(map[int]bool),
	}
}

func (a *accumulator) process(resp sdk.ChatCompletionStreamResponse, emit func(ai.StreamChunk) error) error {
	if resp.Usage != nil {
		a.usage = ai.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if details := resp.Usage.PromptTokensDetails; details != nil {
			a.usage.CachedTokens = details.CachedTokens
		}
	}
	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "" {
		a.stopReason = string(choice.FinishReason)
	}

	if choice.Delta.Content != "" {
		if err := a.filter.Feed(a.wrapEmit(emit), choice.Delta.Content); err != nil {
			return err
		}
	}
	for _, delta := range choice.Delta.ToolCalls {
		if err := a.handleToolDelta(delta, emit); err != nil {
			return err
		}
	}
	return nil
}

// wrapEmit records emitted text chunks so fullText excludes thinking spans.
func (a *accumulator) wrapEmit(emit func(ai.StreamChunk) error) func(ai.StreamChunk) error {
	return func(chunk ai.StreamChunk) error {
		if chunk.Type == ai.ChunkText {
			a.text.WriteString(chunk.Text)
		}
		return emit(chunk)
	}
}

func (a *accumulator) handleToolDelta(delta sdk.ToolCall, emit func(ai.StreamChunk) error) error {
	idx := 0
	if delta.Index != nil {
		idx = *delta.Index
	}
	tb := a.tools[idx]
	if tb == nil {
		tb = &toolBuffer{}
		a.tools[idx] = tb
		a.order = append(a.order, idx)
	}
	if delta.ID != "" {
		tb.id = delta.ID
	}
	if delta.Function.Name != "" {
		tb.name = delta.Function.Name
	}
	if delta.Function.Arguments != "" {
		tb.arguments.WriteString(delta.Function.Arguments)
	}

	if !a.started[idx] && tb.id != "" && tb.name != "" {
		a.started[idx] = true
		return emit(ai.StreamChunk{Type: ai.ChunkToolStart, ToolID: tb.id, ToolName: tb.name})
	}
	return nil
}

func (a *accumulator) finish(emit func(ai.StreamChunk) error) error {
	if err := a.filter.Flush(a.wrapEmit(emit)); err != nil {
		return err
	}

	calls := make([]ai.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		tb := a.tools[idx]
		call := ai.ToolCall{
			ID:    tb.id,
			Name:  tb.name,
			Input: decodeArguments(tb.arguments.String()),
		}
		calls = append(calls, call)
		if err := emit(ai.StreamChunk{Type: ai.ChunkToolUse, ToolCall: &call}); err != nil {
			return err
		}
	}
	return emit(ai.StreamChunk{
		Type:       ai.ChunkDone,
		FullText:   a.text.String(),
		ToolCalls:  calls,
		StopReason: a.stopReason,
		Usage:      a.usage,
	})
}

func decodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{"_raw": raw}
	}
	return input
}

func encodeRequest(req ai.Request) (*sdk.ChatCompletionRequest, error) {
	if req.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	messages, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}

	request := &sdk.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		StreamOptions: &sdk.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		request.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		request.Tools, err = encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
	}
	return request, nil
}

// encodeMessages flattens the block form into the chat-completions schema:
// text blocks concatenate (images degrade to placeholders), tool_use blocks
// ride on the assistant message as tool calls, and each tool_result becomes
// its own role-tool message referencing the originating call.
func encodeMessages(req ai.Request) ([]sdk.ChatCompletionMessage, error) {
	out := make([]sdk.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, sdk.ChatCompletionMessage{
			Role:    sdk.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		role := sdk.ChatMessageRoleUser
		if m.Role == ai.RoleAssistant {
			role = sdk.ChatMessageRoleAssistant
		}

		var text strings.Builder
		var toolCalls []sdk.ToolCall
		var toolResults []sdk.ChatCompletionMessage
		for _, b := range m.Content {
			switch b.Type {
			case ai.BlockText:
				text.WriteString(b.Text)
			case ai.BlockImage:
				fmt.Fprintf(&text, "[image omitted: %s]", imageLabel(b))
			case ai.BlockToolUse:
				args, err := json.Marshal(b.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool %s input: %w", b.Name, err)
				}
				toolCalls = append(toolCalls, sdk.ToolCall{
					ID:       b.ID,
					Type:     sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{Name: b.Name, Arguments: string(args)},
				})
			case ai.BlockToolResult:
				toolResults = append(toolResults, sdk.ChatCompletionMessage{
					Role:       sdk.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			}
		}

		if text.Len() > 0 || len(toolCalls) > 0 {
			out = append(out, sdk.ChatCompletionMessage{
				Role:      role,
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		}
		out = append(out, toolResults...)
	}

	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func imageLabel(b ai.ContentBlock) string {
	if b.URL != "" {
		return b.URL
	}
	return b.MediaType
}

func encodeTools(defs []ai.ToolDefinition) ([]sdk.Tool, error) {
	out := make([]sdk.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %s schema: %w", def.Name, err)
		}
		out = append(out, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out, nil
}
