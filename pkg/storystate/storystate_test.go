package storystate

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storywriter/pkg/executor"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/prompts"
	"storywriter/pkg/rag"
	"storywriter/pkg/vectordb"
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

type searchCall struct {
	query string
	opts  rag.SearchOptions
}

type fakeSearcher struct {
	hits  []vectordb.SearchResult
	calls []searchCall
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts rag.SearchOptions) ([]vectordb.SearchResult, error) {
	f.calls = append(f.calls, searchCall{query, opts})
	return f.hits, nil
}

func newTestManager(t *testing.T, dir string, model *fakeModel, search Searcher) *Manager {
	t.Helper()
	exec := executor.New(prompts.NewRegistry(""), nil, nil, nil)
	mgr, err := New(dir, exec, model, search, executor.Options{})
	require.NoError(t, err)
	return mgr
}

// introspectionReplies scripts the five questions in battery order.
func introspectionReplies() []string {
	return []string{
		"- Mira: learned the keeper's fate\n- The village council met in secret",
		"- The missing keeper: a note was found in the logbook",
		"- isolation\n- duty",
		"- the storm closes in on the coast\ntension: 7",
		"- the supply boat schedule changed",
	}
}

func TestNewInitializesFreshState(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t, dir, &fakeModel{}, nil)

	snap := mgr.Snapshot()
	assert.Empty(t, snap.Characters)
	assert.Empty(t, snap.PlotThreads)
	assert.Empty(t, snap.Chapters)
	assert.Empty(t, snap.Evolution)

	// Nothing is written until the first mutation.
	_, err := os.Stat(mgr.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestMutationsPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t, dir, &fakeModel{}, nil)

	require.NoError(t, mgr.SetStoryContext(StoryContext{
		Direction: "a slow reveal of the keeper's fate",
		Tone:      "somber",
		Pacing:    "measured",
		Tension:   3,
	}))
	require.NoError(t, mgr.RegisterCharacters([]string{"Mira", "Tomas"}, 0))
	require.NoError(t, mgr.UpsertThread("The missing keeper", "open", "who tended the light before Mira?", 0))
	require.NoError(t, mgr.RecordChapter(1, "The Dark Window", "Mira finds the lamp dark."))

	// The file on disk is plain JSON.
	data, err := os.ReadFile(mgr.Path())
	require.NoError(t, err)
	var onDisk State
	require.NoError(t, json.Unmarshal(data, &onDisk))

	reloaded := newTestManager(t, dir, &fakeModel{}, nil)
	snap := reloaded.Snapshot()
	assert.Equal(t, "a slow reveal of the keeper's fate", snap.Context.Direction)
	assert.Equal(t, "active", snap.Characters["Mira"].Status)
	assert.Equal(t, "open", snap.PlotThreads["The missing keeper"].Status)
	assert.Equal(t, "The Dark Window", snap.Chapters[1].Title)
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.NotEmpty(t, snap.Evolution)
}

func TestRegisterCharactersSkipsKnownNames(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), &fakeModel{}, nil)

	require.NoError(t, mgr.RegisterCharacters([]string{"Mira"}, 0))
	before := len(mgr.Snapshot().Evolution)

	require.NoError(t, mgr.RegisterCharacters([]string{"Mira"}, 2))
	snap := mgr.Snapshot()
	assert.Len(t, snap.Evolution, before)
	assert.Equal(t, 0, snap.Characters["Mira"].LastChapter)
}

func TestIntrospectChapterFoldsAnswers(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{replies: introspectionReplies()}
	search := &fakeSearcher{hits: []vectordb.SearchResult{{ID: 1, Content: "chapter three text"}}}
	mgr := newTestManager(t, t.TempDir(), model, search)
	require.NoError(t, mgr.RegisterCharacters([]string{"Mira"}, 0))

	require.NoError(t, mgr.IntrospectChapter(ctx, 3))

	snap := mgr.Snapshot()
	ch := snap.Chapters[3]
	require.NotNil(t, ch)
	assert.Equal(t, []string{
		"Mira: learned the keeper's fate",
		"The village council met in secret",
	}, ch.CharacterDevelopments)
	assert.Equal(t, []string{"isolation", "duty"}, ch.NewThemes)
	assert.Equal(t, []string{"the supply boat schedule changed"}, ch.WorldDevelopments)
	assert.Equal(t, 7, ch.Tension)
	assert.NotNil(t, ch.IntrospectedAt)

	assert.Equal(t, []string{"learned the keeper's fate"}, snap.Characters["Mira"].Developments)
	assert.Equal(t, 3, snap.Characters["Mira"].LastChapter)

	thread := snap.PlotThreads["The missing keeper"]
	require.NotNil(t, thread)
	assert.Equal(t, "advanced", thread.Status)
	assert.Equal(t, "a note was found in the logbook", thread.Description)
	assert.Equal(t, 3, thread.LastChapter)

	assert.Equal(t, []string{"isolation", "duty"}, snap.Context.Themes)
	assert.Equal(t, 7, snap.Context.Tension)

	// Five questions, each retrieval-scoped to the chapter.
	require.Len(t, search.calls, 5)
	assert.Equal(t, "character developments in chapter 3", search.calls[0].query)
	assert.Equal(t, "chapter", search.calls[0].opts.ContentType)
	assert.Equal(t, 3, search.calls[0].opts.Metadata["chapter_number"])
	assert.Equal(t, 5, search.calls[0].opts.Limit)

	assert.Equal(t, 5, model.calls)
	assert.Contains(t, model.msgLog[0][0].Content, "chapter three text")
	assert.Contains(t, model.msgLog[0][0].Content, "chapter 3")
}

func TestIntrospectChapterRunsOnce(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{replies: introspectionReplies()}
	search := &fakeSearcher{}
	mgr := newTestManager(t, t.TempDir(), model, search)

	require.NoError(t, mgr.IntrospectChapter(ctx, 3))
	require.NoError(t, mgr.IntrospectChapter(ctx, 3))

	assert.Equal(t, 5, model.calls)
	assert.Len(t, search.calls, 5)
}

func TestIntrospectChapterWithoutSearcherSkips(t *testing.T) {
	model := &fakeModel{}
	mgr := newTestManager(t, t.TempDir(), model, nil)

	require.NoError(t, mgr.IntrospectChapter(context.Background(), 3))
	assert.Zero(t, model.calls)
}

func TestIntrospectChapterContinuesPastQuestionFailure(t *testing.T) {
	replies := introspectionReplies()
	replies[0] = "unused"
	model := &fakeModel{
		replies: replies,
		errs:    []error{llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "refused")},
	}
	mgr := newTestManager(t, t.TempDir(), model, &fakeSearcher{})

	require.NoError(t, mgr.IntrospectChapter(context.Background(), 3))

	snap := mgr.Snapshot()
	ch := snap.Chapters[3]
	require.NotNil(t, ch)
	assert.Empty(t, ch.CharacterDevelopments)
	assert.Equal(t, []string{"The missing keeper: a note was found in the logbook"}, ch.PlotAdvancements)
	assert.NotNil(t, ch.IntrospectedAt)
}

func TestSnapshotIsACopy(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), &fakeModel{}, nil)
	require.NoError(t, mgr.RegisterCharacters([]string{"Mira"}, 0))

	snap := mgr.Snapshot()
	snap.Characters["Mira"].Status = "dead"
	snap.Characters["Ghost"] = &CharacterState{Name: "Ghost"}

	fresh := mgr.Snapshot()
	assert.Equal(t, "active", fresh.Characters["Mira"].Status)
	assert.NotContains(t, fresh.Characters, "Ghost")
}

func TestParseBullets(t *testing.T) {
	text := "Here is what changed:\n- first thing\n* second thing\n• third thing\n\ntension: 5\nnot a bullet"
	assert.Equal(t, []string{"first thing", "second thing", "third thing"}, parseBullets(text))
	assert.Empty(t, parseBullets("no bullets at all"))
}

func TestParseTension(t *testing.T) {
	assert.Equal(t, 7, parseTension("- rising storm\ntension: 7"))
	assert.Equal(t, 7, parseTension("Tension: 7"))
	assert.Equal(t, 10, parseTension("tension: 14"))
	assert.Equal(t, 1, parseTension("tension: 0"))
	assert.Equal(t, 0, parseTension("no level given"))
	assert.Equal(t, 0, parseTension("tension: very high"))
}

func TestSplitAttribution(t *testing.T) {
	name, rest, ok := splitAttribution("Mira: learned the truth")
	require.True(t, ok)
	assert.Equal(t, "Mira", name)
	assert.Equal(t, "learned the truth", rest)

	name, rest, ok = splitAttribution("The missing keeper: a note was found")
	require.True(t, ok)
	assert.Equal(t, "The missing keeper", name)
	assert.Equal(t, "a note was found", rest)

	_, _, ok = splitAttribution("no separator here")
	assert.False(t, ok)

	_, _, ok = splitAttribution("a very long leading clause that is surely prose: detail")
	assert.False(t, ok)
}
