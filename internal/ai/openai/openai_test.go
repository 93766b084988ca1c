package openai

import (
	"testing"

	sdk "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drape/drape/internal/ai"
)

func TestEncodeMessagesInjectsSystemAndStripsImages(t *testing.T) {
	req := ai.Request{
		Model:        "gpt-4o",
		SystemPrompt: "be terse",
		Messages: []ai.ConversationMessage{
			{Role: ai.RoleUser, Content: []ai.ContentBlock{
				{Type: ai.BlockText, Text: "look at this"},
				{Type: ai.BlockImage, URL: "https://example.com/x.png"},
			}},
		},
	}
	msgs, err := encodeMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, sdk.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "be terse", msgs[0].Content)
	assert.Equal(t, sdk.ChatMessageRoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "look at this")
	assert.Contains(t, msgs[1].Content, "image omitted")
}

func TestEncodeMessagesToolRoundTrip(t *testing.T) {
	req := ai.Request{
		Model: "gpt-4o",
		Messages: []ai.ConversationMessage{
			{Role: ai.RoleAssistant, Content: []ai.ContentBlock{
				{Type: ai.BlockText, Text: "reading"},
				{Type: ai.BlockToolUse, ID: "call-1", Name: "read_file", Input: map[string]any{"file_path": "a.txt"}},
			}},
			{Role: ai.RoleUser, Content: []ai.ContentBlock{
				{Type: ai.BlockToolResult, ToolUseID: "call-1", Content: "hello"},
			}},
		},
	}
	msgs, err := encodeMessages(req)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "call-1", msgs[0].ToolCalls[0].ID)
	assert.Equal(t, "read_file", msgs[0].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"file_path":"a.txt"}`, msgs[0].ToolCalls[0].Function.Arguments)

	assert.Equal(t, sdk.ChatMessageRoleTool, msgs[1].Role)
	assert.Equal(t, "call-1", msgs[1].ToolCallID)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestEncodeToolsWrapsAsFunction(t *testing.T) {
	tools, err := encodeTools([]ai.ToolDefinition{{
		Name:        "grep_search",
		Description: "search file contents",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"pattern": map[string]any{"type": "string"}}},
	}})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, sdk.ToolTypeFunction, tools[0].Type)
	assert.Equal(t, "grep_search", tools[0].Function.Name)
}

func intPtr(v int) *int { return &v }

func TestAccumulatorAssemblesToolCallFragments(t *testing.T) {
	acc := newAccumulator()
	var got []ai.StreamChunk
	emit := func(c ai.StreamChunk) error {
		got = append(got, c)
		return nil
	}

	deltas := []sdk.ChatCompletionStreamResponse{
		{Choices: []sdk.ChatCompletionStreamChoice{{Delta: sdk.ChatCompletionStreamChoiceDelta{
			ToolCalls: []sdk.ToolCall{{Index: intPtr(0), ID: "call-9", Function: sdk.FunctionCall{Name: "edit_file"}}},
		}}}},
		{Choices: []sdk.ChatCompletionStreamChoice{{Delta: sdk.ChatCompletionStreamChoiceDelta{
			ToolCalls: []sdk.ToolCall{{Index: intPtr(0), Function: sdk.FunctionCall{Arguments: `{"file_path":`}}},
		}}}},
		{Choices: []sdk.ChatCompletionStreamChoice{{
			Delta: sdk.ChatCompletionStreamChoiceDelta{
				ToolCalls: []sdk.ToolCall{{Index: intPtr(0), Function: sdk.FunctionCall{Arguments: `"a.txt"}`}}},
			},
			FinishReason: sdk.FinishReasonToolCalls,
		}}},
		{Usage: &sdk.Usage{PromptTokens: 10, CompletionTokens: 4}},
	}
	for _, d := range deltas {
		require.NoError(t, acc.process(d, emit))
	}
	require.NoError(t, acc.finish(emit))

	require.Len(t, got, 3)
	assert.Equal(t, ai.ChunkToolStart, got[0].Type)
	assert.Equal(t, "call-9", got[0].ToolID)
	assert.Equal(t, ai.ChunkToolUse, got[1].Type)
	assert.Equal(t, map[string]any{"file_path": "a.txt"}, got[1].ToolCall.Input)

	done := got[2]
	assert.Equal(t, ai.ChunkDone, done.Type)
	assert.Equal(t, "tool_calls", done.StopReason)
	assert.Equal(t, 10, done.Usage.InputTokens)
	assert.Equal(t, 4, done.Usage.OutputTokens)
	require.Len(t, done.ToolCalls, 1)
	assert.Equal(t, "edit_file", done.ToolCalls[0].Name)
}

func TestAccumulatorTextAndInlineThinking(t *testing.T) {
	acc := newAccumulator()
	var got []ai.StreamChunk
	emit := func(c ai.StreamChunk) error {
		got = append(got, c)
		return nil
	}

	for _, text := range []string{"<think", "ing>plan</thinking>", "done"} {
		resp := sdk.ChatCompletionStreamResponse{Choices: []sdk.ChatCompletionStreamChoice{{
			Delta: sdk.ChatCompletionStreamChoiceDelta{Content: text},
		}}}
		require.NoError(t, acc.process(resp, emit))
	}
	require.NoError(t, acc.finish(emit))

	done := got[len(got)-1]
	require.Equal(t, ai.ChunkDone, done.Type)
	assert.Equal(t, "done", done.FullText)

	var sawThinking bool
	for _, c := range got {
		if c.Type == ai.ChunkThinking {
			sawThinking = true
			assert.Equal(t, "plan", c.Text)
		}
	}
	assert.True(t, sawThinking)
}
