package outline

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storywriter/pkg/executor"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/prompts"
	"storywriter/pkg/savepoint"
)

type fakeModel struct {
	replies []string
	errs    []error
	calls   int
	msgLog  [][]llm.Message
}

func (f *fakeModel) ModelName() string { return "fake-model" }

func (f *fakeModel) next() (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no scripted reply")
}

func (f *fakeModel) GenerateText(_ context.Context, messages []llm.Message, _ llm.GenerateOpts) (string, error) {
	f.msgLog = append(f.msgLog, slices.Clone(messages))
	return f.next()
}

func (f *fakeModel) GenerateJSON(_ context.Context, messages []llm.Message, _ []string, _ llm.GenerateOpts) (map[string]any, string, error) {
	f.msgLog = append(f.msgLog, slices.Clone(messages))
	return nil, "", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "JSON not scripted")
}

type indexedAnalysis struct {
	chunkType string
	text      string
}

type fakeIndexer struct {
	indexed  []indexedAnalysis
	cleanups []map[string]any
}

func (f *fakeIndexer) IndexStoryAnalysis(_ context.Context, text, chunkType string) ([]int, error) {
	f.indexed = append(f.indexed, indexedAnalysis{chunkType, text})
	return []int{len(f.indexed)}, nil
}

func (f *fakeIndexer) CleanupByTypeAndMetadata(_ context.Context, contentType string, metadata map[string]any) (int64, error) {
	filter := map[string]any{"content_type": contentType}
	for k, v := range metadata {
		filter[k] = v
	}
	f.cleanups = append(f.cleanups, filter)
	return 0, nil
}

type fakeEntities struct {
	kind         string
	names        []string
	extractErr   error
	savepointIDs []string
	extractTexts []string
	sheetCalls   [][]string
}

func (f *fakeEntities) Kind() string { return f.kind }

func (f *fakeEntities) ExtractNames(_ context.Context, text, savepointID string) ([]string, error) {
	f.extractTexts = append(f.extractTexts, text)
	f.savepointIDs = append(f.savepointIDs, savepointID)
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.names, nil
}

func (f *fakeEntities) GenerateSheets(_ context.Context, names []string, _ string) error {
	f.sheetCalls = append(f.sheetCalls, slices.Clone(names))
	return nil
}

// phaseReplies scripts the full analysis: understanding, eight chunks, start
// date, base context.
func phaseReplies() []string {
	replies := []string{"I understand: a lighthouse story."}
	for _, name := range analysisChunks {
		replies = append(replies, name+" analysis")
	}
	replies = append(replies, "The story begins on 2025-06-01.", "Mira tends the lighthouse alone.")
	return replies
}

func newTestStore(t *testing.T) *savepoint.Store {
	t.Helper()
	store := savepoint.NewStore(t.TempDir())
	require.NoError(t, store.BindStory("outline-test"))
	return store
}

func newTestGenerator(t *testing.T, store *savepoint.Store, model *fakeModel, indexer Indexer, chars, sets EntityManager) *Generator {
	t.Helper()
	registry := prompts.NewRegistry("")
	exec := executor.New(registry, store, nil, nil)
	return New(exec, registry, store, model, indexer, chars, sets, executor.Options{})
}

func TestGenerateRunsFullAnalysis(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{replies: phaseReplies()}
	indexer := &fakeIndexer{}
	chars := &fakeEntities{kind: "character", names: []string{"Mira"}}
	sets := &fakeEntities{kind: "setting", names: []string{"The Lighthouse"}}
	gen := newTestGenerator(t, store, model, indexer, chars, sets)

	result, err := gen.Generate(context.Background(), "A story about a lighthouse keeper.")
	require.NoError(t, err)

	assert.Equal(t, 11, model.calls)
	assert.Equal(t, "2025-06-01", result.StoryStartDate)
	assert.Equal(t, "Mira tends the lighthouse alone.", result.BaseContext)
	assert.Equal(t, []string{"Mira"}, result.Characters)
	assert.Equal(t, []string{"The Lighthouse"}, result.Settings)

	assert.True(t, store.Has("understand_prompt"))
	assert.True(t, store.Has("story_start_date"))
	assert.True(t, store.Has("base_context"))
	assert.True(t, store.Has("story_elements"))
	for _, name := range analysisChunks {
		assert.True(t, store.Has("story_analysis/"+name+"_chunk"), name)
	}

	assert.Contains(t, result.StoryElements, "=== Core Story Foundation ===\ncore_story_foundation analysis")
	assert.Contains(t, result.StoryElements, "=== World Rules Logic ===\nworld_rules_logic analysis")

	require.Len(t, indexer.indexed, len(analysisChunks))
	for i, name := range analysisChunks {
		assert.Equal(t, name, indexer.indexed[i].chunkType)
		assert.Equal(t, name+" analysis", indexer.indexed[i].text)
	}
	require.Len(t, indexer.cleanups, len(analysisChunks))
	assert.Equal(t, "story_analysis_chunk", indexer.cleanups[0]["content_type"])
	assert.Equal(t, "core_story_foundation", indexer.cleanups[0]["chunk_type"])

	assert.Equal(t, []string{"character_names"}, chars.savepointIDs)
	assert.Equal(t, []string{"setting_names"}, sets.savepointIDs)
	require.Len(t, chars.sheetCalls, 1)
	assert.Equal(t, []string{"Mira"}, chars.sheetCalls[0])
	assert.Equal(t, result.StoryElements, chars.extractTexts[0])
}

func TestGenerateChunksContinueSeedTranscript(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{replies: phaseReplies()}
	gen := newTestGenerator(t, store, model, nil,
		&fakeEntities{kind: "character"}, &fakeEntities{kind: "setting"})

	_, err := gen.Generate(context.Background(), "prompt text")
	require.NoError(t, err)

	// Calls 1..8 are the analysis chunks; each carries only the seed
	// exchange plus its own follow-up.
	for i := 1; i <= len(analysisChunks); i++ {
		msgs := model.msgLog[i]
		require.Len(t, msgs, 3, "chunk call %d", i)
		assert.Equal(t, llm.RoleUser, msgs[0].Role)
		assert.Contains(t, msgs[0].Content, "prompt text")
		assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
		assert.Equal(t, "I understand: a lighthouse story.", msgs[1].Content)
		assert.Equal(t, llm.RoleUser, msgs[2].Role)
	}
}

func TestGenerateResumesWithoutModelCalls(t *testing.T) {
	store := newTestStore(t)
	first := &fakeModel{replies: phaseReplies()}
	_, err := newTestGenerator(t, store, first, &fakeIndexer{},
		&fakeEntities{kind: "character", names: []string{"Mira"}},
		&fakeEntities{kind: "setting"}).
		Generate(context.Background(), "A story about a lighthouse keeper.")
	require.NoError(t, err)

	model := &fakeModel{}
	indexer := &fakeIndexer{}
	gen := newTestGenerator(t, store, model, indexer,
		&fakeEntities{kind: "character", names: []string{"Mira"}},
		&fakeEntities{kind: "setting"})

	result, err := gen.Generate(context.Background(), "A story about a lighthouse keeper.")
	require.NoError(t, err)

	assert.Zero(t, model.calls)
	assert.Empty(t, indexer.indexed)
	assert.Equal(t, "2025-06-01", result.StoryStartDate)
	assert.Equal(t, []string{"Mira"}, result.Characters)
}

func TestGenerateChunkFailureAborts(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{
		replies: []string{"understanding"},
		errs:    []error{nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "refused")},
	}
	gen := newTestGenerator(t, store, model, nil,
		&fakeEntities{kind: "character"}, &fakeEntities{kind: "setting"})

	_, err := gen.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core_story_foundation")
}

func TestGenerateKeepsUnparseableStartDate(t *testing.T) {
	store := newTestStore(t)
	replies := phaseReplies()
	replies[9] = "sometime in early spring"
	model := &fakeModel{replies: replies}
	gen := newTestGenerator(t, store, model, nil,
		&fakeEntities{kind: "character"}, &fakeEntities{kind: "setting"})

	result, err := gen.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "sometime in early spring", result.StoryStartDate)
}

func TestGenerateEntityExtractionFailureDegrades(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{replies: phaseReplies()}
	chars := &fakeEntities{
		kind:       "character",
		extractErr: llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "refused"),
	}
	sets := &fakeEntities{kind: "setting", names: []string{"The Lighthouse"}}
	gen := newTestGenerator(t, store, model, nil, chars, sets)

	result, err := gen.Generate(context.Background(), "prompt")
	require.NoError(t, err)

	assert.Empty(t, result.Characters)
	assert.Empty(t, chars.sheetCalls)
	assert.Equal(t, []string{"The Lighthouse"}, result.Settings)
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Core Story Foundation", titleCase("core_story_foundation"))
	assert.Equal(t, "World Rules Logic", titleCase("world_rules_logic"))
	assert.Equal(t, "Tone Style", titleCase("tone_style"))
}
