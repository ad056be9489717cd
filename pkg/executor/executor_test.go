package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/logx"
	"storywriter/pkg/prompts"
	"storywriter/pkg/savepoint"
)

// fakeGenerator replays scripted replies or errors, recording every call.
type fakeGenerator struct {
	replies   []string
	errs      []error
	calls     int
	lastMsgs  []llm.Message
	lastOpts  llm.GenerateOpts
	lastAttrs []string
}

func (f *fakeGenerator) ModelName() string { return "fake-model" }

func (f *fakeGenerator) next() (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	if len(f.replies) > 0 {
		return f.replies[len(f.replies)-1], nil
	}
	return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no scripted reply")
}

func (f *fakeGenerator) GenerateText(_ context.Context, messages []llm.Message, opts llm.GenerateOpts) (string, error) {
	f.lastMsgs = messages
	f.lastOpts = opts
	return f.next()
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, messages []llm.Message, requiredAttrs []string, opts llm.GenerateOpts) (map[string]any, string, error) {
	f.lastMsgs = messages
	f.lastOpts = opts
	f.lastAttrs = requiredAttrs

	raw, err := f.next()
	if err != nil {
		return nil, "", err
	}

	parsed, extracted, perr := parseObjectTextPair(raw)
	if perr != nil {
		return nil, raw, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, perr, "reply is not a JSON object")
	}
	for _, attr := range requiredAttrs {
		if _, ok := parsed[attr]; !ok {
			return parsed, extracted, llmerrors.NewError(llmerrors.ErrorTypeParse, "JSON reply missing required attributes: "+attr)
		}
	}
	return parsed, extracted, nil
}

// parseObjectTextPair mirrors the provider's parse-then-salvage behavior for
// the fake, returning the text that parsed.
func parseObjectTextPair(raw string) (map[string]any, string, error) {
	obj, err := parseObjectText(raw)
	if err != nil {
		return nil, raw, err
	}
	return obj, raw, nil
}

type fakeHits struct {
	stories []string
}

func (f *fakeHits) IncSavepointHit(story string) {
	f.stories = append(f.stories, story)
}

func newTestStore(t *testing.T) *savepoint.Store {
	t.Helper()
	store := savepoint.NewStore(t.TempDir())
	require.NoError(t, store.BindStory("test-story"))
	return store
}

func newTestExecutor(t *testing.T, store *savepoint.Store, recorder HitRecorder) *Executor {
	t.Helper()
	return New(nil, store, recorder, logx.NewLogger("executor-test"))
}

func TestExecuteSavepointHitSkipsModel(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), "outline", savepoint.String("saved outline text")))

	hits := &fakeHits{}
	gen := &fakeGenerator{replies: []string{"fresh text"}}
	exec := newTestExecutor(t, store, hits)

	result, err := exec.Execute(context.Background(), Request{
		Messages:    []llm.Message{llm.NewUserMessage("write an outline")},
		SavepointID: "outline",
		Model:       gen,
	})
	require.NoError(t, err)

	assert.True(t, result.FromSavepoint)
	assert.Equal(t, "saved outline text", result.Text())
	assert.Equal(t, 0, gen.calls, "savepoint hit must not call the model")
	assert.Equal(t, []string{"test-story"}, hits.stories)
}

func TestExecuteSavesAndResumes(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{replies: []string{"generated scene"}}
	exec := newTestExecutor(t, store, nil)

	req := Request{
		Messages:    []llm.Message{llm.NewUserMessage("write the scene")},
		SavepointID: "chapter_1_scene_1",
		Model:       gen,
	}

	first, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromSavepoint)
	assert.Equal(t, "generated scene", first.Text())
	assert.Equal(t, 1, gen.calls)

	second, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromSavepoint)
	assert.Equal(t, "generated scene", second.Text())
	assert.Equal(t, 1, gen.calls, "second run must resume from the savepoint")
}

func TestExecuteRetriesTransientError(t *testing.T) {
	gen := &fakeGenerator{
		errs:    []error{llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")},
		replies: []string{"", "recovered reply"},
	}
	exec := newTestExecutor(t, nil, nil)

	result, err := exec.Execute(context.Background(), Request{
		Messages: []llm.Message{llm.NewUserMessage("hello")},
		Model:    gen,
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered reply", result.Text())
	assert.Equal(t, 2, gen.calls)
}

func TestExecuteDoesNotRetryAuthError(t *testing.T) {
	gen := &fakeGenerator{
		errs: []error{llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid api key")},
	}
	exec := newTestExecutor(t, nil, nil)

	_, err := exec.Execute(context.Background(), Request{
		Messages: []llm.Message{llm.NewUserMessage("hello")},
		Model:    gen,
	})
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeAuth, llmerrors.TypeOf(err))
	assert.Equal(t, 1, gen.calls, "auth errors must not be retried")
}

func TestExecuteRequiresModel(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)

	_, err := exec.Execute(context.Background(), Request{
		Messages: []llm.Message{llm.NewUserMessage("hello")},
	})
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeBadPrompt, llmerrors.TypeOf(err))
}

func TestExecuteRequiresPromptOrMessages(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)

	_, err := exec.Execute(context.Background(), Request{
		Model: &fakeGenerator{replies: []string{"x"}},
	})
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeBadPrompt, llmerrors.TypeOf(err))
}

func TestExecuteRendersPromptTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.md"), []byte("Write about {topic}."), 0644))

	gen := &fakeGenerator{replies: []string{"done"}}
	exec := New(prompts.NewRegistry(dir), nil, nil, logx.NewLogger("executor-test"))

	_, err := exec.Execute(context.Background(), Request{
		PromptID:  "greeting",
		Variables: map[string]string{"topic": "dragons"},
		System:    "You are a novelist.",
		Model:     gen,
	})
	require.NoError(t, err)

	require.Len(t, gen.lastMsgs, 2)
	assert.Equal(t, llm.RoleSystem, gen.lastMsgs[0].Role)
	assert.Equal(t, "You are a novelist.", gen.lastMsgs[0].Content)
	assert.Equal(t, llm.RoleUser, gen.lastMsgs[1].Role)
	assert.Equal(t, "Write about dragons.", gen.lastMsgs[1].Content)
}

func TestExecuteStagePlumbing(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"ok"}}
	exec := newTestExecutor(t, nil, nil)

	seed := 42
	_, err := exec.Execute(context.Background(), Request{
		Messages:    []llm.Message{llm.NewUserMessage("go")},
		SavepointID: "chapter_2_synopsis",
		Model:       gen,
		Options:     Options{Seed: &seed, MinWords: 200},
	})
	require.NoError(t, err)

	assert.Equal(t, "chapter_2_synopsis", gen.lastOpts.Stage)
	require.NotNil(t, gen.lastOpts.Seed)
	assert.Equal(t, 42, *gen.lastOpts.Seed)
	assert.Equal(t, 200, gen.lastOpts.MinWords)
}

func TestExecuteJSONSuccess(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{replies: []string{`{"title": "The Fall", "importance": "high", "count": 3}`}}
	exec := newTestExecutor(t, store, nil)

	result, err := exec.Execute(context.Background(), Request{
		Messages:    []llm.Message{llm.NewUserMessage("summarize")},
		SavepointID: "events",
		Model:       gen,
		Options: Options{
			ExpectJSON: true,
			Schema: &Schema{
				Required: []string{"title", "importance"},
				Types: map[string]FieldType{
					"title":      TypeString,
					"importance": TypeString,
					"count":      TypeNumber,
				},
			},
		},
	})
	require.NoError(t, err)

	assert.True(t, result.JSONParsed)
	assert.Empty(t, result.JSONErrors)
	assert.Equal(t, []string{"title", "importance"}, gen.lastAttrs)

	obj, ok := result.Object()
	require.True(t, ok)
	assert.Equal(t, "The Fall", obj["title"])

	// Resume path: the structured savepoint restores with JSONParsed set.
	resumed, err := exec.Execute(context.Background(), Request{
		Messages:    []llm.Message{llm.NewUserMessage("summarize")},
		SavepointID: "events",
		Model:       gen,
		Options:     Options{ExpectJSON: true},
	})
	require.NoError(t, err)
	assert.True(t, resumed.FromSavepoint)
	assert.True(t, resumed.JSONParsed)
	assert.Equal(t, 1, gen.calls)
}

func TestExecuteJSONSalvagesFromProse(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Here is the result:\n{\"name\": \"Mira\"}\nHope that helps!"}}
	exec := newTestExecutor(t, nil, nil)

	result, err := exec.Execute(context.Background(), Request{
		Messages: []llm.Message{llm.NewUserMessage("extract")},
		Model:    gen,
		Options:  Options{ExpectJSON: true, Schema: &Schema{Required: []string{"name"}}},
	})
	require.NoError(t, err)

	assert.True(t, result.JSONParsed)
	obj, ok := result.Object()
	require.True(t, ok)
	assert.Equal(t, "Mira", obj["name"])
}

func TestExecuteJSONDegradesAfterParseRetries(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"not json at all"}}
	exec := newTestExecutor(t, nil, nil)

	result, err := exec.Execute(context.Background(), Request{
		Messages: []llm.Message{llm.NewUserMessage("extract")},
		Model:    gen,
		Options:  Options{ExpectJSON: true},
	})
	require.NoError(t, err, "exhausted parse retries surface in the result, not as an error")

	assert.False(t, result.JSONParsed)
	assert.NotEmpty(t, result.JSONErrors)
	assert.Equal(t, "not json at all", result.Text())
	assert.Equal(t, 2, gen.calls, "parse failures get exactly one retry")
}

func TestExecuteJSONSchemaTypeViolation(t *testing.T) {
	gen := &fakeGenerator{replies: []string{`{"count": "three"}`}}
	exec := newTestExecutor(t, nil, nil)

	result, err := exec.Execute(context.Background(), Request{
		Messages: []llm.Message{llm.NewUserMessage("count")},
		Model:    gen,
		Options: Options{
			ExpectJSON: true,
			Schema:     &Schema{Types: map[string]FieldType{"count": TypeNumber}},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.JSONParsed)
	require.Len(t, result.JSONErrors, 1)
	assert.Contains(t, result.JSONErrors[0], `"count"`)
}

func TestValidateSchema(t *testing.T) {
	schema := &Schema{
		Types: map[string]FieldType{
			"name":   TypeString,
			"age":    TypeNumber,
			"alive":  TypeBoolean,
			"tags":   TypeArray,
			"extra":  TypeObject,
			"absent": TypeString,
		},
	}

	obj := map[string]any{
		"name":  "Mira",
		"age":   float64(31),
		"alive": true,
		"tags":  []any{"mage"},
		"extra": map[string]any{"k": "v"},
	}
	assert.Empty(t, validateSchema(obj, schema), "absent attributes are not type violations")

	bad := map[string]any{"name": 7, "age": "old"}
	violations := validateSchema(bad, schema)
	require.Len(t, violations, 2)
	assert.Equal(t, `attribute "age" is not a number`, violations[0])
	assert.Equal(t, `attribute "name" is not a string`, violations[1])

	assert.Nil(t, validateSchema(obj, nil))
}

func TestResultFromSavepointScalarJSON(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)

	result := exec.resultFromSavepoint(savepoint.String(`{"kept": true}`), Options{ExpectJSON: true})
	assert.True(t, result.JSONParsed)
	assert.True(t, result.FromSavepoint)

	garbage := exec.resultFromSavepoint(savepoint.String("plain prose"), Options{ExpectJSON: true})
	assert.False(t, garbage.JSONParsed)
	assert.NotEmpty(t, garbage.JSONErrors)
}
