package chunker

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	chunks := Split("a short paragraph", Config{MaxChunkSize: 100, OverlapSize: 20}, nil)

	require.Len(t, chunks, 1)
	assert.Equal(t, "a short paragraph", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 0, chunks[0].Start)
}

func TestSplitEmptyText(t *testing.T) {
	assert.Nil(t, Split("", Config{MaxChunkSize: 100}, nil))
}

func TestSplitWindowsRespectMaxSize(t *testing.T) {
	text := strings.Repeat("word ", 200) // 1000 runes
	chunks := Split(text, Config{MaxChunkSize: 300, OverlapSize: 50}, nil)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 300)
	}
}

func TestSplitPrefersWordBoundaries(t *testing.T) {
	text := strings.Repeat("alpha beta gamma ", 60) // ~1020 runes
	chunks := Split(text, Config{MaxChunkSize: 250, OverlapSize: 30}, nil)

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks[:len(chunks)-1] {
		runes := []rune(c.Text)
		last := runes[len(runes)-1]
		assert.True(t, unicode.IsSpace(last),
			"chunk %d should end at a word boundary, got %q", i, string(last))
	}
}

func TestSplitOverlapCarriesTail(t *testing.T) {
	text := strings.Repeat("0123456789", 50) // 500 runes, no spaces
	chunks := Split(text, Config{MaxChunkSize: 100, OverlapSize: 20}, nil)

	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Text)
		cur := []rune(chunks[i].Text)
		tail := string(prev[len(prev)-20:])
		head := string(cur[:20])
		assert.Equal(t, tail, head, "chunk %d should start with the previous tail", i)
	}
}

func TestSplitCoversWholeText(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 40)
	chunks := Split(text, Config{MaxChunkSize: 180, OverlapSize: 40}, nil)

	runes := []rune(text)
	covered := make([]bool, len(runes))
	for _, c := range chunks {
		for i := range []rune(c.Text) {
			covered[c.Start+i] = true
		}
	}
	for i, ok := range covered {
		require.True(t, ok, "rune %d not covered by any chunk", i)
	}

	// Final chunk reaches the end of the text.
	lastChunk := chunks[len(chunks)-1]
	assert.Equal(t, len(runes), lastChunk.Start+len([]rune(lastChunk.Text)))
}

func TestSplitMultibyteRunesStayIntact(t *testing.T) {
	text := strings.Repeat("日本語のテキストです ", 30) // 330 runes
	runes := []rune(text)
	chunks := Split(text, Config{MaxChunkSize: 100, OverlapSize: 10}, nil)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		width := len([]rune(c.Text))
		assert.LessOrEqual(t, width, 100)
		// Start offsets index runes, not bytes.
		assert.Equal(t, string(runes[c.Start:c.Start+width]), c.Text)
	}
}

func TestSplitMetadataCopiedPerChunk(t *testing.T) {
	meta := map[string]any{"content_type": "outline", "chapter": 3}
	text := strings.Repeat("words and more words ", 40)
	chunks := Split(text, Config{MaxChunkSize: 200, OverlapSize: 20}, meta)

	require.Greater(t, len(chunks), 1)
	chunks[0].Metadata["chunk_index"] = 0

	_, leaked := chunks[1].Metadata["chunk_index"]
	assert.False(t, leaked, "metadata maps must not be shared between chunks")
	_, polluted := meta["chunk_index"]
	assert.False(t, polluted, "caller's map must not be mutated")
	assert.Equal(t, "outline", chunks[1].Metadata["content_type"])
}

func TestSplitOverlapLargerThanWindowStillTerminates(t *testing.T) {
	text := strings.Repeat("x", 500)
	chunks := Split(text, Config{MaxChunkSize: 100, OverlapSize: 100}, nil)

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, 500, last.Start+len([]rune(last.Text)))
}

func TestSplitIndexesAreSequential(t *testing.T) {
	text := strings.Repeat("sequence test text ", 50)
	chunks := Split(text, Config{MaxChunkSize: 150, OverlapSize: 25}, nil)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}
