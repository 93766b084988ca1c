package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/ai"
)

func (p *Provider) run(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- ai.StreamChunk) {
	defer close(out)
	defer stream.Close()

	emit := func(chunk ai.StreamChunk) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- chunk:
			return nil
		}
	}

	tr := newTranslator()
	for stream.Next() {
		if err := tr.handle(stream.Current(), emit); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("anthropic stream aborted", zap.Error(err))
			}
			return
		}
	}
	if err := stream.Err(); err != nil {
		_ = emit(ai.StreamChunk{Err: err})
	}
}

// translator accumulates streaming events into the closed chunk set. Tool
// input JSON arrives as fragments keyed by content block index; thinking
// signatures attach to the next tool_use so downstream providers can echo
// them.
type translator struct {
	text       strings.Builder
	toolBlocks map[int]*toolBuffer
	toolCalls  []ai.ToolCall
	bracket    ai.ThinkingBracket
	signature  string
	stopReason string
	usage      ai.Usage
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newTranslator() *translator {
	return &translator{toolBlocks: make(map[int]*toolBuffer)}
}

func (t *translator) handle(event sdk.MessageStreamEventUnion, emit func(ai.StreamChunk) error) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		t.toolBlocks = make(map[int]*toolBuffer)
		t.usage = mergeUsage(t.usage, ev.Message.Usage.InputTokens, ev.Message.Usage.OutputTokens,
			ev.Message.Usage.CacheReadInputTokens, ev.Message.Usage.CacheCreationInputTokens)
		return nil

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			t.toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			if err := t.bracket.Close(emit); err != nil {
				return err
			}
			return emit(ai.StreamChunk{Type: ai.ChunkToolStart, ToolID: toolUse.ID, ToolName: toolUse.Name})
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			if err := t.bracket.Close(emit); err != nil {
				return err
			}
			t.text.WriteString(delta.Text)
			return emit(ai.StreamChunk{Type: ai.ChunkText, Text: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return t.bracket.Delta(emit, delta.Thinking)
		case sdk.SignatureDelta:
			if delta.Signature != "" {
				t.signature = delta.Signature
			}
			return nil
		case sdk.InputJSONDelta:
			if tb := t.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		tb := t.toolBlocks[int(ev.Index)]
		if tb == nil {
			return nil
		}
		delete(t.toolBlocks, int(ev.Index))
		call := ai.ToolCall{
			ID:        tb.id,
			Name:      tb.name,
			Input:     decodeToolInput(strings.Join(tb.fragments, "")),
			Signature: t.signature,
		}
		t.signature = ""
		t.toolCalls = append(t.toolCalls, call)
		if err := t.bracket.Close(emit); err != nil {
			return err
		}
		return emit(ai.StreamChunk{Type: ai.ChunkToolUse, ToolCall: &call})

	case sdk.MessageDeltaEvent:
		t.stopReason = string(ev.Delta.StopReason)
		t.usage = mergeUsage(t.usage, ev.Usage.InputTokens, ev.Usage.OutputTokens,
			ev.Usage.CacheReadInputTokens, ev.Usage.CacheCreationInputTokens)
		return nil

	case sdk.MessageStopEvent:
		if err := t.bracket.Close(emit); err != nil {
			return err
		}
		return emit(ai.StreamChunk{
			Type:       ai.ChunkDone,
			FullText:   t.text.String(),
			ToolCalls:  t.toolCalls,
			StopReason: t.stopReason,
			Usage:      t.usage,
		})
	}
	return nil
}

// mergeUsage overlays non-zero counts; message_start carries the input side
// and message_delta the cumulative totals.
func mergeUsage(u ai.Usage, input, output, cached, cacheCreation int64) ai.Usage {
	if input > 0 {
		u.InputTokens = int(input)
	}
	if output > 0 {
		u.OutputTokens = int(output)
	}
	if cached > 0 {
		u.CachedTokens = int(cached)
	}
	if cacheCreation > 0 {
		u.CacheCreationTokens = int(cacheCreation)
	}
	return u
}

func decodeToolInput(raw string) map[string]any {
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
