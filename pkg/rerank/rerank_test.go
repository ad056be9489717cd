package rerank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
)

func testWeights() config.RerankWeights {
	return config.RerankWeights{Similarity: 0.5, Keyword: 0.3, Metadata: 0.2}
}

func sampleResults() []Result {
	return []Result{
		{ChunkID: 1, Content: "The lighthouse keeper walked the cliff path at dawn.", OriginalSimilarity: 0.9},
		{ChunkID: 2, Content: "Recipes for bread and butter pudding.", OriginalSimilarity: 0.8,
			Metadata: map[string]any{"chunk_type": "personality"}},
		{ChunkID: 3, Content: "The keeper's lamp guided ships past the lighthouse rocks.", OriginalSimilarity: 0.7,
			Metadata: map[string]any{"character_name": "Keeper"}},
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Cross_Encoder")
	require.NoError(t, err)
	assert.Equal(t, StrategyCrossEncoder, s)

	_, err = ParseStrategy("fuzzy")
	assert.Error(t, err)
}

func TestRuleBasedKeywordStrategy(t *testing.T) {
	r := NewRuleBased(testWeights())

	out := r.Rerank(context.Background(), "lighthouse keeper", sampleResults(), StrategyKeyword)
	require.Len(t, out, 3)

	// Both lighthouse chunks outrank the recipe despite its higher similarity.
	assert.Equal(t, 1, out[0].ChunkID)
	assert.Equal(t, 3, out[1].ChunkID)
	assert.Equal(t, 2, out[2].ChunkID)
	assert.Equal(t, 1.0, out[0].Score)
	assert.Equal(t, 0.0, out[2].Score)
}

func TestRuleBasedSemanticKeepsSimilarityOrder(t *testing.T) {
	r := NewRuleBased(testWeights())

	out := r.Rerank(context.Background(), "anything at all", sampleResults(), StrategySemantic)
	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].ChunkID, out[1].ChunkID, out[2].ChunkID})
	// Min-max normalization: top of the set is 1, bottom is 0.
	assert.Equal(t, 1.0, out[0].Score)
	assert.Equal(t, 0.0, out[2].Score)
}

func TestRuleBasedMetadataStrategy(t *testing.T) {
	r := NewRuleBased(testWeights())

	out := r.Rerank(context.Background(), "keeper", sampleResults(), StrategyMetadata)
	require.Len(t, out, 3)
	assert.Equal(t, 3, out[0].ChunkID)
	assert.Equal(t, 1.0, out[0].Score)
}

func TestRuleBasedHybridMixesWeights(t *testing.T) {
	r := NewRuleBased(testWeights())

	out := r.Rerank(context.Background(), "lighthouse", sampleResults(), StrategyHybrid)
	require.Len(t, out, 3)

	// Chunk 1: sim normalized to 1.0, keyword hit, no metadata.
	assert.Equal(t, 1, out[0].ChunkID)
	assert.InDelta(t, 0.5*1.0+0.3*1.0, out[0].Score, 1e-9)
	assert.Contains(t, out[0].Reason, "hybrid")
}

func TestRuleBasedEmptyResults(t *testing.T) {
	r := NewRuleBased(testWeights())
	assert.Nil(t, r.Rerank(context.Background(), "q", nil, StrategyHybrid))
}

// fakeScorer returns canned scores keyed by a substring of the passage.
type fakeScorer struct {
	scores map[string]float64
	err    error
}

func (f *fakeScorer) ModelName() string { return "fake-judge" }

func (f *fakeScorer) GenerateJSON(_ context.Context, messages []llm.Message, _ []string, _ llm.GenerateOpts) (map[string]any, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	prompt := messages[len(messages)-1].Content
	for key, score := range f.scores {
		if key != "" && strings.Contains(prompt, key) {
			return map[string]any{"score": score}, fmt.Sprintf(`{"score": %v}`, score), nil
		}
	}
	return map[string]any{"score": 0.0}, `{"score": 0}`, nil
}

func TestCrossEncoderPureStrategy(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{
		"Recipes": 9.0,
		"cliff":   2.0,
	}}
	ce := NewCrossEncoder(func() (Scorer, error) { return scorer, nil }, 2)

	out := ce.Rerank(context.Background(), "cooking", sampleResults(), StrategyCrossEncoder)
	require.Len(t, out, 3)
	assert.Equal(t, 2, out[0].ChunkID)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
	assert.Contains(t, out[0].Reason, "cross-encoder")
}

func TestCrossEncoderHybridMixesSimilarity(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{"Recipes": 10.0}}
	ce := NewCrossEncoder(func() (Scorer, error) { return scorer, nil }, 1)

	out := ce.Rerank(context.Background(), "cooking", sampleResults(), StrategyHybrid)
	require.Len(t, out, 3)

	assert.Equal(t, 2, out[0].ChunkID)
	assert.InDelta(t, 0.7*1.0+0.3*0.8, out[0].Score, 1e-9)
}

func TestCrossEncoderInitFailureFallsBack(t *testing.T) {
	ce := NewCrossEncoder(func() (Scorer, error) { return nil, errors.New("no judge model") }, 1)

	out := ce.Rerank(context.Background(), "anything", sampleResults(), StrategyCrossEncoder)
	require.Len(t, out, 3)
	// Original similarity ordering survives.
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].ChunkID, out[1].ChunkID, out[2].ChunkID})
	assert.Equal(t, 0.9, out[0].Score)
	assert.Contains(t, out[0].Reason, "unavailable")
}

func TestCrossEncoderScoreFailureKeepsSimilarityForThatResult(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("model crashed")}
	ce := NewCrossEncoder(func() (Scorer, error) { return scorer, nil }, 1)

	out := ce.Rerank(context.Background(), "anything", sampleResults(), StrategyCrossEncoder)
	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].ChunkID, out[1].ChunkID, out[2].ChunkID})
	for _, r := range out {
		assert.Equal(t, r.OriginalSimilarity, r.Score)
	}
}

func TestCrossEncoderInitHappensOnce(t *testing.T) {
	builds := 0
	scorer := &fakeScorer{scores: map[string]float64{}}
	ce := NewCrossEncoder(func() (Scorer, error) {
		builds++
		return scorer, nil
	}, 1)

	ce.Rerank(context.Background(), "q", sampleResults(), StrategyCrossEncoder)
	ce.Rerank(context.Background(), "q", sampleResults(), StrategyCrossEncoder)
	assert.Equal(t, 1, builds)
}

func TestTruncateToTokens(t *testing.T) {
	ce := NewCrossEncoder(func() (Scorer, error) { return &fakeScorer{}, nil }, 1)

	short := "a few words"
	assert.Equal(t, short, ce.truncateToTokens(short, maxDocTokens))

	long := ""
	for i := 0; i < 2000; i++ {
		long += "wordy "
	}
	cut := ce.truncateToTokens(long, 50)
	assert.Less(t, len(cut), len(long))
	assert.NotEmpty(t, cut)
}
