// Package anthropic adapts the Anthropic Messages API to the ai.Provider
// streaming interface. Messages pass through block-for-block; the system
// prompt carries an ephemeral cache-control hint.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
)

// MessagesClient is the subset of the SDK client the adapter uses. It is
// satisfied by *sdk.MessageService and by test fakes.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements ai.Provider on the Anthropic Messages API.
type Provider struct {
	msg    MessagesClient
	logger *logger.Logger
}

// New builds a provider from an API key.
func New(apiKey string, log *logger.Logger) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewWithClient(&client.Messages, log), nil
}

// NewWithClient builds a provider around an existing Messages client.
func NewWithClient(msg MessagesClient, log *logger.Logger) *Provider {
	return &Provider{
		msg:    msg,
		logger: log.WithFields(zap.String("component", "anthropic")),
	}
}

// ChatStream issues a streaming Messages request and translates its events
// into the closed chunk set.
func (p *Provider) ChatStream(ctx context.Context, req ai.Request) (<-chan ai.StreamChunk, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out := make(chan ai.StreamChunk, 32)
	go p.run(ctx, stream, out)
	return out, nil
}

func encodeRequest(req ai.Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	if req.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max tokens must be positive")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{
			Text:         req.SystemPrompt,
			CacheControl: sdk.NewCacheControlEphemeralParam(),
		}}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	return params, nil
}

func encodeMessages(msgs []ai.ConversationMessage) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case ai.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case ai.BlockImage:
				if b.Data != "" {
					blocks = append(blocks, sdk.NewImageBlockBase64(b.MediaType, b.Data))
				} else if b.URL != "" {
					blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: b.URL}))
				}
			case ai.BlockToolUse:
				if b.Name == "" {
					return nil, errors.New("anthropic: tool_use block missing name")
				}
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(b.ID, input, b.Name))
			case ai.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case ai.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case ai.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []ai.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{ExtraFields: map[string]any{}}
		for k, v := range def.InputSchema {
			// The schema param always marshals type: object itself.
			if k == "type" {
				continue
			}
			schema.ExtraFields[k] = v
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}
