// Package chunker splits text into overlapping windows sized for the
// embedding model. Pure string work, no I/O; the RAG service stamps
// identity onto the chunks it gets back.
package chunker

import (
	"maps"
	"unicode"
)

// Chunk is one window of a larger text. Start is a rune offset into the
// original text; Metadata is a per-chunk copy of what the caller stamped.
type Chunk struct {
	Text     string
	Index    int
	Start    int
	Metadata map[string]any
}

// Config sizes the windows. Sizes count runes so multibyte prose does not
// split mid-character.
type Config struct {
	MaxChunkSize int
	OverlapSize  int
}

// Split cuts text into windows of up to MaxChunkSize runes, each carrying
// OverlapSize runes of its predecessor's tail. Cuts prefer the last word
// boundary in the window; a window without one in its second half is cut
// hard. Every chunk receives its own copy of metadata.
func Split(text string, cfg Config, metadata map[string]any) []Chunk {
	if text == "" || cfg.MaxChunkSize <= 0 {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= cfg.MaxChunkSize {
		return []Chunk{{Text: text, Index: 0, Start: 0, Metadata: maps.Clone(metadata)}}
	}

	overlap := cfg.OverlapSize
	if overlap >= cfg.MaxChunkSize {
		overlap = cfg.MaxChunkSize / 2
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + cfg.MaxChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = wordBoundary(runes, start, end)
		}

		chunks = append(chunks, Chunk{
			Text:     string(runes[start:end]),
			Index:    len(chunks),
			Start:    start,
			Metadata: maps.Clone(metadata),
		})

		if end == len(runes) {
			break
		}

		next := end - overlap
		// Overlap must never stall the scan.
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// wordBoundary looks backwards from end for whitespace to cut at, but only
// through the window's second half; cutting earlier would shrink windows
// toward nothing on space-starved text.
func wordBoundary(runes []rune, start, end int) int {
	limit := start + (end-start)/2
	for i := end; i > limit; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}
