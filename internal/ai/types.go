// Package ai defines the streaming interface every model provider adapter
// translates its native protocol into, plus the model catalog that maps
// client-facing short names to provider records.
package ai

import "context"

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType enumerates the content block kinds carried in messages.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one unit of message content. Exactly the fields for its
// Type are set; the rest stay zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image: either Data (base64 payload with MediaType) or URL.
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`

	// tool_use
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Signature string         `json:"reasoningSignature,omitempty"`

	// tool_result
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// ConversationMessage is a single turn. Content is always a block sequence,
// even for plain text.
type ConversationMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-block text turn.
func TextMessage(role Role, text string) ConversationMessage {
	return ConversationMessage{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolDefinition describes a tool offered to the model. InputSchema is a
// JSON-schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Signature string         `json:"reasoningSignature,omitempty"`
}

// Usage reports token counts for one model turn. Cached and cache-creation
// counts stay zero for providers that do not report them.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CachedTokens        int `json:"cachedTokens,omitempty"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
}

// ChunkType enumerates the closed set of stream chunk variants.
type ChunkType string

const (
	ChunkText          ChunkType = "text"
	ChunkThinkingStart ChunkType = "thinking_start"
	ChunkThinking      ChunkType = "thinking"
	ChunkThinkingEnd   ChunkType = "thinking_end"
	ChunkToolStart     ChunkType = "tool_start"
	ChunkToolUse       ChunkType = "tool_use"
	ChunkDone          ChunkType = "done"
)

// StreamChunk is one element of a model response stream. Adapters bracket
// reasoning output with thinking_start / thinking_end, emit tool_start as
// soon as a call's id and name are known, tool_use once its input is
// complete, and exactly one terminal done carrying the assembled turn.
// A set Err is terminal and replaces done.
type StreamChunk struct {
	Type ChunkType

	// Text is the delta for text and thinking chunks.
	Text string

	// tool_start
	ToolID   string
	ToolName string

	// tool_use
	ToolCall *ToolCall

	// done
	FullText   string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage

	Err error
}

// Request is a provider-level chat request. Model carries the provider's
// native model identifier; short-name resolution happens in the Fabric.
type Request struct {
	Model          string
	Messages       []ConversationMessage
	SystemPrompt   string
	Tools          []ToolDefinition
	MaxTokens      int
	Temperature    float64
	ThinkingBudget int
}

// Provider streams one chat completion. The returned channel is closed after
// the terminal chunk; canceling ctx stops the stream.
type Provider interface {
	ChatStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
