package ai

import "strings"

// ThinkingBracket enforces the reasoning bracketing contract on an outgoing
// chunk stream: thinking_start once at the first reasoning token, then one
// thinking chunk per fragment, and exactly one thinking_end before the next
// non-reasoning chunk.
type ThinkingBracket struct {
	open bool
}

// Delta emits the fragment, opening the bracket first if needed.
func (b *ThinkingBracket) Delta(emit func(StreamChunk) error, text string) error {
	if !b.open {
		b.open = true
		if err := emit(StreamChunk{Type: ChunkThinkingStart}); err != nil {
			return err
		}
	}
	return emit(StreamChunk{Type: ChunkThinking, Text: text})
}

// Close ends the bracket if it is open. Safe to call repeatedly.
func (b *ThinkingBracket) Close(emit func(StreamChunk) error) error {
	if !b.open {
		return nil
	}
	b.open = false
	return emit(StreamChunk{Type: ChunkThinkingEnd})
}

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// ThinkingTagFilter rewrites inline <thinking>…</thinking> spans in a text
// delta stream into bracketed thinking chunks, for providers without native
// reasoning output. Tags may be split across deltas; the filter holds back
// the shortest suffix that could still complete a tag.
type ThinkingTagFilter struct {
	bracket ThinkingBracket
	inside  bool
	carry   string
}

// Feed processes one text delta, emitting text and thinking chunks.
func (f *ThinkingTagFilter) Feed(emit func(StreamChunk) error, delta string) error {
	s := f.carry + delta
	f.carry = ""

	for s != "" {
		if !f.inside {
			if i := strings.Index(s, thinkingOpenTag); i >= 0 {
				if err := f.emitText(emit, s[:i]); err != nil {
					return err
				}
				s = s[i+len(thinkingOpenTag):]
				f.inside = true
				continue
			}
			held := tagSuffix(s, thinkingOpenTag)
			if err := f.emitText(emit, s[:len(s)-len(held)]); err != nil {
				return err
			}
			f.carry = held
			return nil
		}

		if i := strings.Index(s, thinkingCloseTag); i >= 0 {
			if err := f.emitThinking(emit, s[:i]); err != nil {
				return err
			}
			if err := f.bracket.Close(emit); err != nil {
				return err
			}
			s = s[i+len(thinkingCloseTag):]
			f.inside = false
			continue
		}
		held := tagSuffix(s, thinkingCloseTag)
		if err := f.emitThinking(emit, s[:len(s)-len(held)]); err != nil {
			return err
		}
		f.carry = held
		return nil
	}
	return nil
}

// Flush drains held-back text and closes an unterminated thinking span.
func (f *ThinkingTagFilter) Flush(emit func(StreamChunk) error) error {
	held := f.carry
	f.carry = ""
	if f.inside {
		if err := f.emitThinking(emit, held); err != nil {
			return err
		}
		f.inside = false
		return f.bracket.Close(emit)
	}
	return f.emitText(emit, held)
}

func (f *ThinkingTagFilter) emitText(emit func(StreamChunk) error, text string) error {
	if text == "" {
		return nil
	}
	if err := f.bracket.Close(emit); err != nil {
		return err
	}
	return emit(StreamChunk{Type: ChunkText, Text: text})
}

func (f *ThinkingTagFilter) emitThinking(emit func(StreamChunk) error, text string) error {
	if text == "" {
		return nil
	}
	return f.bracket.Delta(emit, text)
}

// tagSuffix returns the longest proper prefix of tag that ends s.
func tagSuffix(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return tag[:k]
		}
	}
	return ""
}
