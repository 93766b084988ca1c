// Package gemini adapts the Gemini API to the ai.Provider streaming
// interface via the official google.golang.org/genai SDK. Assistant turns
// map to role model; tool calls and results travel as function call and
// function response parts carrying the originating function name, and
// thought signatures received on tool calls are echoed back on the matching
// function response.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/common/logger"
)

// Provider implements ai.Provider on the Gemini API.
type Provider struct {
	client *genai.Client
	logger *logger.Logger
}

// New builds a provider from an API key.
func New(ctx context.Context, apiKey string, log *logger.Logger) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Provider{
		client: client,
		logger: log.WithFields(zap.String("component", "gemini")),
	}, nil
}

// ChatStream issues a streaming generation and translates it into the closed
// chunk set.
func (p *Provider) ChatStream(ctx context.Context, req ai.Request) (<-chan ai.StreamChunk, error) {
	if req.Model == "" {
		return nil, errors.New("gemini: model is required")
	}
	contents := encodeMessages(req.Messages)
	if len(contents) == 0 {
		return nil, errors.New("gemini: at least one message is required")
	}
	config := buildConfig(req)

	out := make(chan ai.StreamChunk, 32)
	go func() {
		defer close(out)

		emit := func(chunk ai.StreamChunk) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- chunk:
				return nil
			}
		}

		state := newStreamState()
		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("gemini stream failed", zap.Error(err))
					_ = emit(ai.StreamChunk{Err: err})
				}
				return
			}
			if err := state.process(resp, emit); err != nil {
				return
			}
		}
		_ = state.finish(emit)
	}()
	return out, nil
}

// streamState accumulates streamed responses into one assembled turn. Gemini
// may resend a function call across chunks, so emitted call ids are deduped.
type streamState struct {
	text       strings.Builder
	bracket    ai.ThinkingBracket
	toolCalls  []ai.ToolCall
	emitted    map[string]bool
	signature  string
	stopReason string
	usage      ai.Usage
}

func newStreamState() *streamState {
	return &streamState{emitted: make(map[string]bool)}
}

func (s *streamState) process(resp *genai.GenerateContentResponse, emit func(ai.StreamChunk) error) error {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason != "" {
		s.stopReason = string(candidate.FinishReason)
	}
	if meta := resp.UsageMetadata; meta != nil {
		s.usage = ai.Usage{
			InputTokens:  int(meta.PromptTokenCount),
			OutputTokens: int(meta.CandidatesTokenCount),
			CachedTokens: int(meta.CachedContentTokenCount),
		}
	}
	if candidate.Content == nil {
		return nil
	}

	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if len(part.ThoughtSignature) > 0 {
			s.signature = string(part.ThoughtSignature)
		}
		if part.Text != "" {
			if part.Thought {
				if err := s.bracket.Delta(emit, part.Text); err != nil {
					return err
				}
			} else {
				if err := s.bracket.Close(emit); err != nil {
					return err
				}
				s.text.WriteString(part.Text)
				if err := emit(ai.StreamChunk{Type: ai.ChunkText, Text: part.Text}); err != nil {
					return err
				}
			}
		}
		if fc := part.FunctionCall; fc != nil {
			if err := s.emitToolCall(fc, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *streamState) emitToolCall(fc *genai.FunctionCall, emit func(ai.StreamChunk) error) error {
	id := fc.ID
	if id == "" {
		id = stableCallID(fc.Name, fc.Args)
	}
	if s.emitted[id] {
		return nil
	}
	s.emitted[id] = true

	if err := s.bracket.Close(emit); err != nil {
		return err
	}
	if err := emit(ai.StreamChunk{Type: ai.ChunkToolStart, ToolID: id, ToolName: fc.Name}); err != nil {
		return err
	}
	call := ai.ToolCall{
		ID:        id,
		Name:      fc.Name,
		Input:     fc.Args,
		Signature: s.signature,
	}
	s.signature = ""
	s.toolCalls = append(s.toolCalls, call)
	return emit(ai.StreamChunk{Type: ai.ChunkToolUse, ToolCall: &call})
}

func (s *streamState) finish(emit func(ai.StreamChunk) error) error {
	if err := s.bracket.Close(emit); err != nil {
		return err
	}
	return emit(ai.StreamChunk{
		Type:       ai.ChunkDone,
		FullText:   s.text.String(),
		ToolCalls:  s.toolCalls,
		StopReason: s.stopReason,
		Usage:      s.usage,
	})
}

// stableCallID derives a deterministic id for function calls Gemini sends
// without one, so a resent call dedupes to the same id.
func stableCallID(name string, args map[string]any) string {
	payload, _ := json.Marshal(map[string]any{"name": name, "args": args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call-%x", sum[:8])
}

type toolRef struct {
	name      string
	signature string
}

// encodeMessages converts the internal block form to Gemini contents. A map
// from tool-use id to function name is threaded through so function
// responses carry the originating call's name, as the API requires.
func encodeMessages(msgs []ai.ConversationMessage) []*genai.Content {
	refs := make(map[string]toolRef)
	contents := make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		var parts []*genai.Part
		for _, b := range m.Content {
			switch b.Type {
			case ai.BlockText:
				if b.Text != "" {
					parts = append(parts, &genai.Part{Text: b.Text})
				}
			case ai.BlockImage:
				parts = append(parts, encodeImage(b))
			case ai.BlockToolUse:
				refs[b.ID] = toolRef{name: b.Name, signature: b.Signature}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: b.ID, Name: b.Name, Args: b.Input},
				})
			case ai.BlockToolResult:
				parts = append(parts, encodeToolResult(b, refs))
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == ai.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Parts: parts, Role: role})
	}
	return contents
}

// encodeImage inlines base64 sources; URL sources degrade to a textual
// placeholder because the API only accepts inline or file-store data.
func encodeImage(b ai.ContentBlock) *genai.Part {
	if b.Data != "" {
		return &genai.Part{InlineData: &genai.Blob{MIMEType: b.MediaType, Data: []byte(b.Data)}}
	}
	return &genai.Part{Text: fmt.Sprintf("[image: %s]", b.URL)}
}

func encodeToolResult(b ai.ContentBlock, refs map[string]toolRef) *genai.Part {
	ref, ok := refs[b.ToolUseID]
	if !ok {
		ref = toolRef{name: b.ToolUseID}
	}
	response := map[string]any{"result": b.Content}
	if b.IsError {
		response = map[string]any{"error": b.Content}
	}
	part := &genai.Part{
		FunctionResponse: &genai.FunctionResponse{
			ID:       b.ToolUseID,
			Name:     ref.name,
			Response: response,
		},
	}
	if ref.signature != "" {
		part.ThoughtSignature = []byte(ref.signature)
	}
	return part
}

func buildConfig(req ai.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SafetySettings: permissiveSafety(),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
			Role:  "user",
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.ThinkingBudget > 0 {
		budget := int32(req.ThinkingBudget)
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	if len(req.Tools) > 0 {
		config.Tools = encodeTools(req.Tools)
	}
	return config
}

// permissiveSafety disables every content-safety filter; abuse prevention is
// enforced above the provider layer.
func permissiveSafety() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategoryCivicIntegrity,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}

func encodeTools(defs []ai.ToolDefinition) []*genai.Tool {
	tools := make([]*genai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toSchema(def.InputSchema),
			}},
		})
	}
	return tools
}

// toSchema converts a JSON-schema object to the Gemini schema type.
func toSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	} else if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
