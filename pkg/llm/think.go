package llm

import (
	"strings"
)

// Thinking-model tags. Some local models interleave reasoning with output
// inside these markers instead of using a separate thinking channel.
const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripThink removes <think>…</think> spans and their partial forms from a
// complete reply:
//   - balanced spans are removed wholesale
//   - an unclosed <think> drops everything from the opener to the end
//   - an orphan </think> (thinking-first models omit the opener) drops
//     everything up to and including the closer
func StripThink(s string) string {
	for {
		start := strings.Index(s, thinkOpen)
		if start < 0 {
			break
		}
		rel := strings.Index(s[start+len(thinkOpen):], thinkClose)
		if rel < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+len(thinkOpen)+rel+len(thinkClose):]
	}
	if idx := strings.LastIndex(s, thinkClose); idx >= 0 {
		s = s[idx+len(thinkClose):]
	}
	return s
}

// ThinkFilter strips think tags from a stream where tags may split across
// chunk boundaries. Feed returns the visible text for each chunk; Flush
// returns whatever buffered tail turned out to be literal text once the
// stream ends.
type ThinkFilter struct {
	pending string
	inThink bool
}

func NewThinkFilter() *ThinkFilter {
	return &ThinkFilter{}
}

// Feed consumes one chunk and returns the text safe to emit now. Text that
// might be the start of a tag is held back until the next chunk decides.
func (f *ThinkFilter) Feed(chunk string) string {
	text := f.pending + chunk
	f.pending = ""

	var out strings.Builder
	for text != "" {
		if f.inThink {
			if idx := strings.Index(text, thinkClose); idx >= 0 {
				text = text[idx+len(thinkClose):]
				f.inThink = false
				continue
			}
			// Discard thinking text, but keep a partial closer for
			// the next chunk.
			f.pending = partialTagSuffix(text, thinkClose)
			text = ""
			continue
		}

		lt := strings.IndexByte(text, '<')
		if lt < 0 {
			out.WriteString(text)
			text = ""
			continue
		}
		out.WriteString(text[:lt])
		rest := text[lt:]

		switch {
		case strings.HasPrefix(rest, thinkOpen):
			f.inThink = true
			text = rest[len(thinkOpen):]
		case strings.HasPrefix(rest, thinkClose):
			// Orphan closer: drop the tag itself.
			text = rest[len(thinkClose):]
		case isTagPrefix(rest):
			f.pending = rest
			text = ""
		default:
			out.WriteByte('<')
			text = rest[1:]
		}
	}
	return out.String()
}

// Flush returns buffered text that never completed a tag. Inside an unclosed
// think span nothing is emitted, matching StripThink.
func (f *ThinkFilter) Flush() string {
	p := f.pending
	f.pending = ""
	if f.inThink {
		return ""
	}
	return p
}

// isTagPrefix reports whether s is a proper prefix of either tag, meaning
// the decision needs more input.
func isTagPrefix(s string) bool {
	if len(s) < len(thinkOpen) && strings.HasPrefix(thinkOpen, s) {
		return true
	}
	return len(s) < len(thinkClose) && strings.HasPrefix(thinkClose, s)
}

// partialTagSuffix returns the longest suffix of text that is a proper
// prefix of tag.
func partialTagSuffix(text, tag string) string {
	maxLen := len(tag) - 1
	if maxLen > len(text) {
		maxLen = len(text)
	}
	for n := maxLen; n > 0; n-- {
		if text[len(text)-n:] == tag[:n] {
			return text[len(text)-n:]
		}
	}
	return ""
}
