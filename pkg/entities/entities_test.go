package entities

import (
	"context"
	"fmt"
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

// fakeModel replays scripted replies, keeping a snapshot of every
// conversation it was handed.
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

type indexedChunk struct {
	name      string
	chunkType string
	text      string
	stage     string
}

type cleanupCall struct {
	contentType string
	filter      map[string]any
}

// fakeIndexer records index and cleanup traffic.
type fakeIndexer struct {
	characters []indexedChunk
	settings   []indexedChunk
	cleanups   []cleanupCall
	indexErr   error
}

func (f *fakeIndexer) IndexCharacterChunk(_ context.Context, name, chunkType, text, stage string) ([]int, error) {
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	f.characters = append(f.characters, indexedChunk{name, chunkType, text, stage})
	return []int{len(f.characters)}, nil
}

func (f *fakeIndexer) IndexSettingChunk(_ context.Context, name, chunkType, text, stage string) ([]int, error) {
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	f.settings = append(f.settings, indexedChunk{name, chunkType, text, stage})
	return []int{len(f.settings)}, nil
}

func (f *fakeIndexer) CleanupByTypeAndMetadata(_ context.Context, contentType string, metadata map[string]any) (int64, error) {
	f.cleanups = append(f.cleanups, cleanupCall{contentType, metadata})
	return 0, nil
}

func newTestStore(t *testing.T) *savepoint.Store {
	t.Helper()
	store := savepoint.NewStore(t.TempDir())
	require.NoError(t, store.BindStory("entity-test"))
	return store
}

func newCharacterManager(t *testing.T, store *savepoint.Store, model *fakeModel, indexer ChunkIndexer) *Manager {
	t.Helper()
	registry := prompts.NewRegistry("")
	exec := executor.New(registry, store, nil, nil)
	return NewCharacterManager(exec, registry, store, model, indexer, executor.Options{})
}

func newSettingManager(t *testing.T, store *savepoint.Store, model *fakeModel, indexer ChunkIndexer) *Manager {
	t.Helper()
	registry := prompts.NewRegistry("")
	exec := executor.New(registry, store, nil, nil)
	return NewSettingManager(exec, registry, store, model, indexer, executor.Options{})
}

func characterReplies(sheet string) []string {
	replies := []string{sheet}
	for _, chunkType := range characterTaxonomy.chunkTypes {
		replies = append(replies, chunkType+" text")
	}
	return replies
}

func TestParseNames(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "json array",
			text: `["Mira", "Tomas", "The Stranger"]`,
			want: []string{"Mira", "Tomas", "The Stranger"},
		},
		{
			name: "fenced json with prose",
			text: "Here are the names:\n```json\n[\"Mira\", \"Tomas\"]\n```",
			want: []string{"Mira", "Tomas"},
		},
		{
			name: "bulleted lines",
			text: "Here are the characters:\n- Mira\n* Tomas\n1. The Stranger",
			want: []string{"Mira", "Tomas", "The Stranger"},
		},
		{
			name: "quoted lines with prose filtered",
			text: "\"Mira\",\nShe is the keeper of the lighthouse on the northern rocks\nTomas",
			want: []string{"Mira", "Tomas"},
		},
		{
			name: "case insensitive dedupe keeps first spelling",
			text: `["Mira", "MIRA", "mira", "Tomas"]`,
			want: []string{"Mira", "Tomas"},
		},
		{
			name: "empty reply",
			text: "   \n  ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseNames(tt.text))
		})
	}
}

func TestParseNamesCapsAtTen(t *testing.T) {
	var lines []string
	for i := 0; i < 15; i++ {
		lines = append(lines, fmt.Sprintf(`"Name%d"`, i))
	}
	names := parseNames(`[` + joinComma(lines) + `]`)
	assert.Len(t, names, maxNames)
	assert.Equal(t, "Name0", names[0])
	assert.Equal(t, "Name9", names[9])
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func TestExtractNamesSavepointsReply(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{replies: []string{`["Mira", "Tomas"]`}}
	mgr := newCharacterManager(t, store, model, nil)

	names, err := mgr.ExtractNames(context.Background(), "story elements here", "character_names")
	require.NoError(t, err)
	assert.Equal(t, []string{"Mira", "Tomas"}, names)
	assert.Equal(t, 1, model.calls)
	assert.True(t, store.Has("character_names"))

	// A fresh manager over the same store resumes without a model call.
	model2 := &fakeModel{}
	mgr2 := newCharacterManager(t, store, model2, nil)
	names2, err := mgr2.ExtractNames(context.Background(), "story elements here", "character_names")
	require.NoError(t, err)
	assert.Equal(t, names, names2)
	assert.Zero(t, model2.calls)
}

func TestGenerateSheetsWritesSheetAndChunks(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{replies: characterReplies("Mira is the lighthouse keeper.")}
	indexer := &fakeIndexer{}
	mgr := newCharacterManager(t, store, model, indexer)

	err := mgr.GenerateSheets(context.Background(), []string{"Mira"}, "elements")
	require.NoError(t, err)

	wantChunks := []string{
		"personality", "background", "relationships",
		"motivations", "skills", "current_state", "growth_arc",
	}
	assert.Equal(t, 1+len(wantChunks), model.calls)
	assert.True(t, store.Has("characters/Mira/sheet"))
	for _, chunkType := range wantChunks {
		assert.True(t, store.Has("characters/Mira/"+chunkType+"_chunk"), chunkType)
	}

	require.Len(t, indexer.characters, len(wantChunks))
	for i, chunkType := range wantChunks {
		assert.Equal(t, "Mira", indexer.characters[i].name)
		assert.Equal(t, chunkType, indexer.characters[i].chunkType)
		assert.Equal(t, chunkType+" text", indexer.characters[i].text)
		assert.Equal(t, "outline", indexer.characters[i].stage)
	}

	require.Len(t, indexer.cleanups, len(wantChunks))
	assert.Equal(t, "character_chunk", indexer.cleanups[0].contentType)
	assert.Equal(t, "Mira", indexer.cleanups[0].filter["character_name"])
	assert.Equal(t, "personality", indexer.cleanups[0].filter["chunk_type"])
}

func TestGenerateSheetsChunksAreSiblings(t *testing.T) {
	store := newTestStore(t)
	model := &fakeModel{replies: characterReplies("the sheet body")}
	mgr := newCharacterManager(t, store, model, nil)

	require.NoError(t, mgr.GenerateSheets(context.Background(), []string{"Mira"}, "elements"))

	// Every chunk call carries exactly the sheet exchange plus its own
	// follow-up; earlier chunk replies never leak in.
	for i := 1; i < len(model.msgLog); i++ {
		msgs := model.msgLog[i]
		require.Len(t, msgs, 3, "chunk call %d", i)
		assert.Equal(t, llm.RoleUser, msgs[0].Role)
		assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
		assert.Equal(t, "the sheet body", msgs[1].Content)
		assert.Equal(t, llm.RoleUser, msgs[2].Role)
		assert.NotContains(t, msgs[2].Content, "personality text")
	}
}

func TestGenerateSheetsResumeSkipsModelAndIndex(t *testing.T) {
	store := newTestStore(t)
	first := &fakeModel{replies: characterReplies("sheet")}
	require.NoError(t, newCharacterManager(t, store, first, &fakeIndexer{}).
		GenerateSheets(context.Background(), []string{"Mira"}, "elements"))

	model := &fakeModel{}
	indexer := &fakeIndexer{}
	mgr := newCharacterManager(t, store, model, indexer)

	require.NoError(t, mgr.GenerateSheets(context.Background(), []string{"Mira"}, "elements"))
	assert.Zero(t, model.calls)
	assert.Empty(t, indexer.characters)
	assert.Empty(t, indexer.cleanups)
}

func TestGenerateSheetsContinuesPastFailedEntity(t *testing.T) {
	store := newTestStore(t)
	replies := append([]string{"unused"}, characterReplies("Rook's sheet")...)
	model := &fakeModel{
		replies: replies,
		errs:    []error{llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "sheet refused")},
	}
	mgr := newCharacterManager(t, store, model, nil)

	err := mgr.GenerateSheets(context.Background(), []string{"Mira", "Rook"}, "elements")
	require.NoError(t, err)

	assert.False(t, store.Has("characters/Mira/sheet"))
	assert.True(t, store.Has("characters/Rook/sheet"))
	assert.True(t, store.Has("characters/Rook/growth_arc_chunk"))
}

func TestSettingManagerTaxonomy(t *testing.T) {
	store := newTestStore(t)
	wantChunks := []string{
		"physical_description", "history_background", "function_purpose",
		"atmosphere_mood", "rules_constraints", "connections_relationships",
	}
	replies := []string{"the lighthouse sheet"}
	for _, chunkType := range wantChunks {
		replies = append(replies, chunkType+" text")
	}
	model := &fakeModel{replies: replies}
	indexer := &fakeIndexer{}
	mgr := newSettingManager(t, store, model, indexer)

	require.NoError(t, mgr.GenerateSheets(context.Background(), []string{"The Lighthouse"}, "elements"))

	assert.Equal(t, "setting", mgr.Kind())
	assert.Equal(t, 1+len(wantChunks), model.calls)
	require.Len(t, indexer.settings, len(wantChunks))
	for i, chunkType := range wantChunks {
		assert.Equal(t, chunkType, indexer.settings[i].chunkType)
		assert.True(t, store.Has("settings/The Lighthouse/"+chunkType+"_chunk"))
	}
	assert.Empty(t, indexer.characters)
	assert.Equal(t, "setting_chunk", indexer.cleanups[0].contentType)
	assert.Equal(t, "The Lighthouse", indexer.cleanups[0].filter["setting_name"])
}

func TestUpdateForChapterRewritesKnownSheets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "characters/Mira/sheet", savepoint.String("old sheet")))

	model := &fakeModel{replies: []string{`["Mira", "The Stranger"]`, "updated sheet"}}
	mgr := newCharacterManager(t, store, model, nil)

	require.NoError(t, mgr.UpdateForChapter(ctx, 3, "Mira met a stranger."))

	// One call to extract, one to update Mira; the unknown stranger is
	// skipped without a call.
	assert.Equal(t, 2, model.calls)
	assert.True(t, store.Has("chapter_3/characters"))

	value, ok, err := store.Load(ctx, "characters/Mira/sheet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "updated sheet", value.Text())

	updatePrompt := model.msgLog[1][0].Content
	assert.Contains(t, updatePrompt, "Mira")
	assert.Contains(t, updatePrompt, "old sheet")
	assert.Contains(t, updatePrompt, "Mira met a stranger.")
}

func TestUpdateForChapterRerunsWithoutReExtracting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "characters/Mira/sheet", savepoint.String("old sheet")))
	require.NoError(t, store.Save(ctx, "chapter_3/characters", savepoint.String(`["Mira"]`)))

	model := &fakeModel{replies: []string{"second update"}}
	mgr := newCharacterManager(t, store, model, nil)

	require.NoError(t, mgr.UpdateForChapter(ctx, 3, "chapter text"))
	assert.Equal(t, 1, model.calls)

	value, _, err := store.Load(ctx, "characters/Mira/sheet")
	require.NoError(t, err)
	assert.Equal(t, "second update", value.Text())
}

func TestUpdateForChapterFallsBackToFirstChunk(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "characters/Mira/personality_chunk", savepoint.String("stubborn, loyal")))

	model := &fakeModel{replies: []string{`["Mira"]`, "rebuilt sheet"}}
	mgr := newCharacterManager(t, store, model, nil)

	require.NoError(t, mgr.UpdateForChapter(ctx, 1, "chapter text"))

	assert.Contains(t, model.msgLog[1][0].Content, "stubborn, loyal")
	value, ok, err := store.Load(ctx, "characters/Mira/sheet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rebuilt sheet", value.Text())
}

func TestSummariesNamedBlocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "characters/Mira/sheet", savepoint.String("sheet")))
	require.NoError(t, store.Save(ctx, "characters/Mira/personality_chunk", savepoint.String("stubborn")))
	require.NoError(t, store.Save(ctx, "characters/Mira/motivations_chunk", savepoint.String("keep the light burning")))
	require.NoError(t, store.Save(ctx, "characters/Mira/current_state_chunk", savepoint.String("alone on the rock")))

	model := &fakeModel{replies: []string{"A keeper of lights."}}
	mgr := newCharacterManager(t, store, model, nil)

	out, err := mgr.Summaries(ctx, []string{"Mira", "Ghost"}, SummaryNamed)
	require.NoError(t, err)

	assert.Equal(t, "Mira:\nA keeper of lights.", out)
	assert.Equal(t, 1, model.calls)
	assert.True(t, store.Has("characters/Mira/summary"))

	prompt := model.msgLog[0][0].Content
	assert.Contains(t, prompt, "stubborn")
	assert.Contains(t, prompt, "keep the light burning")
	assert.Contains(t, prompt, "alone on the rock")
}

func TestSummariesSeparated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "settings/Lighthouse/sheet", savepoint.String("sheet a")))
	require.NoError(t, store.Save(ctx, "settings/Village/sheet", savepoint.String("sheet b")))

	model := &fakeModel{replies: []string{"Summary A", "Summary B"}}
	mgr := newSettingManager(t, store, model, nil)

	out, err := mgr.Summaries(ctx, []string{"Lighthouse", "Village"}, SummarySeparated)
	require.NoError(t, err)
	assert.Equal(t, "Summary A\n\n---\n\nSummary B", out)
}

func TestSummariesCachedAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, "characters/Mira/sheet", savepoint.String("sheet")))

	first := &fakeModel{replies: []string{"A keeper of lights."}}
	_, err := newCharacterManager(t, store, first, nil).Summaries(ctx, []string{"Mira"}, SummaryNamed)
	require.NoError(t, err)

	model := &fakeModel{}
	out, err := newCharacterManager(t, store, model, nil).Summaries(ctx, []string{"Mira"}, SummaryNamed)
	require.NoError(t, err)
	assert.Equal(t, "Mira:\nA keeper of lights.", out)
	assert.Zero(t, model.calls)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "Knight-Errant", safeName("Knight/Errant"))
	assert.Equal(t, "Back-Slash", safeName(`Back\Slash`))
	assert.Equal(t, "Mira", safeName("  Mira  "))
}
