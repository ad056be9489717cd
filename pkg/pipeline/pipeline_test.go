package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storywriter/pkg/config"
	"storywriter/pkg/savepoint"
)

func writePromptFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadPromptDerivesStoryNameFromFilename(t *testing.T) {
	path := writePromptFile(t, "the-sea-keeper.txt", "A keeper holds a lighthouse.\n")

	prompt, story, err := readPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "A keeper holds a lighthouse.", prompt)
	assert.Equal(t, "the-sea-keeper", story)
}

func TestReadPromptRejectsEmptyFile(t *testing.T) {
	path := writePromptFile(t, "blank.txt", "   \n\t\n")

	_, _, err := readPrompt(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")
	assert.Contains(t, err.Error(), "empty")
}

func TestReadPromptRejectsMissingFile(t *testing.T) {
	_, _, err := readPrompt(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)

	_, _, err = readPrompt("")
	require.Error(t, err)
}

func TestRunRejectsEmptyPromptBeforeCreatingState(t *testing.T) {
	path := writePromptFile(t, "blank.txt", "")
	root := filepath.Join(t.TempDir(), "stories")

	r := New(config.Config{}, Options{PromptPath: path, SavepointRoot: root})
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")

	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "no savepoint root should exist after a rejected prompt")
}

func TestBaseOptionsSeedResolution(t *testing.T) {
	flagSeed := 7

	tests := []struct {
		name string
		cfg  config.GenerationConfig
		flag *int
		want *int
	}{
		{name: "flag wins over config", cfg: config.GenerationConfig{Seed: 42}, flag: &flagSeed, want: &flagSeed},
		{name: "config seed when fixed", cfg: config.GenerationConfig{Seed: 42}, want: intPtr(42)},
		{name: "randomized config ignores seed", cfg: config.GenerationConfig{Seed: 42, RandomizeSeed: true}, want: nil},
		{name: "no seed anywhere", cfg: config.GenerationConfig{}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(config.Config{Generation: tt.cfg}, Options{Seed: tt.flag})
			got := r.baseOptions().Seed
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestBaseOptionsCarriesDebugFlag(t *testing.T) {
	r := New(config.Config{}, Options{Debug: true})
	assert.True(t, r.baseOptions().Debug)
}

func TestAssembleStorySkipsUnfinishedChapters(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := savepoint.NewStore(root)
	require.NoError(t, store.BindStory("sea-keeper"))

	require.NoError(t, store.Save(ctx, "chapter_1/content", savepoint.String("The storm rose.")))
	require.NoError(t, store.Save(ctx, "chapter_1/title", savepoint.String("First Storm")))
	// chapter 2 never finished: no content savepoint
	require.NoError(t, store.Save(ctx, "chapter_3/content", savepoint.String("The light held.")))

	r := New(config.Config{}, Options{})
	require.NoError(t, r.assembleStory(ctx, store, "sea-keeper", 3))

	raw, err := os.ReadFile(filepath.Join(root, "sea-keeper", "story.md"))
	require.NoError(t, err)
	got := string(raw)

	want := "# Sea Keeper\n\n" +
		"# Chapter 1: First Storm\n\nThe storm rose.\n\n---\n\n" +
		"# Chapter 3\n\nThe light held.\n"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "Chapter 2")
}

func TestAssembleStoryFailsWithNothingFinished(t *testing.T) {
	ctx := context.Background()
	store := savepoint.NewStore(t.TempDir())
	require.NoError(t, store.BindStory("empty-run"))

	r := New(config.Config{}, Options{})
	err := r.assembleStory(ctx, store, "empty-run", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no finished chapters")
}

func TestDisplayTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"the-sea-keeper", "The Sea Keeper"},
		{"winter_of_glass", "Winter Of Glass"},
		{"already Named", "Already Named"},
		{"solo", "Solo"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, displayTitle(tt.in), "displayTitle(%q)", tt.in)
	}
}

func TestWriteAtomicReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "story.md")
	require.NoError(t, os.WriteFile(path, []byte("old draft"), 0o644))

	require.NoError(t, writeAtomic(path, []byte("final text")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "final text", string(raw))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".story-"), "temp file %s left behind", e.Name())
	}
}

func intPtr(v int) *int { return &v }
