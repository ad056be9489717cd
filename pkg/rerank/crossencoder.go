package rerank

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"storywriter/pkg/llm"
	"storywriter/pkg/logx"
)

// Cross-encoder scoring parameters.
const (
	// maxDocTokens caps how much of a chunk the scoring model sees.
	maxDocTokens = 512
	// modelWeight and similarityWeight mix the hybrid cross-encoder score.
	modelWeight      = 0.7
	similarityWeight = 0.3
	// scoreScale is the rating range the scoring prompt asks for.
	scoreScale = 10.0
)

// Scorer is the provider surface the cross-encoder needs. *llm.Provider
// satisfies it.
type Scorer interface {
	ModelName() string
	GenerateJSON(ctx context.Context, messages []llm.Message, requiredAttrs []string, opts llm.GenerateOpts) (map[string]any, string, error)
}

// CrossEncoder scores (query, chunk) pairs through a judging model. The
// model is built lazily on first use; scoring runs on a bounded worker pool
// so a slow model never wedges the caller beyond its own results. Any
// failure, including init, degrades to the original similarity ordering.
type CrossEncoder struct {
	build       func() (Scorer, error)
	concurrency int
	estimator   *llm.TokenEstimator
	logger      *logx.Logger

	once     sync.Once
	scorer   Scorer
	initErr  error
	initDone bool
}

// NewCrossEncoder creates a cross-encoder over a deferred scorer constructor.
// concurrency bounds parallel scoring calls; values below 1 serialize them.
func NewCrossEncoder(build func() (Scorer, error), concurrency int) *CrossEncoder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &CrossEncoder{
		build:       build,
		concurrency: concurrency,
		estimator:   llm.DefaultEstimator(),
		logger:      logx.NewLogger("rerank"),
	}
}

// init builds the scorer exactly once per process.
func (c *CrossEncoder) init() (Scorer, error) {
	c.once.Do(func() {
		scorer, err := c.build()
		if err != nil {
			c.initErr = err
			return
		}
		c.scorer = scorer
		c.initDone = true
		c.logger.Info("Cross-encoder ready (%s)", scorer.ModelName())
	})
	return c.scorer, c.initErr
}

// Rerank scores every result against the query. StrategyCrossEncoder ranks
// on the model's verdict alone; anything else mixes 0.7×model with
// 0.3×original similarity. The input slice is not mutated.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, results []Result, strategy Strategy) []Result {
	if len(results) == 0 {
		return nil
	}

	scorer, err := c.init()
	if err != nil {
		c.logger.Warn("⚠️  Cross-encoder unavailable, keeping similarity order: %v", err)
		return fallbackOrdering(results, "cross-encoder unavailable")
	}

	out := make([]Result, len(results))
	copy(out, results)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range out {
		g.Go(func() error {
			res := &out[i]
			score, scoreErr := c.scorePair(gctx, scorer, query, res.Content)
			if scoreErr != nil {
				// One bad verdict only costs this result its rescoring.
				c.logger.Debug("Cross-encoder score for chunk %d failed: %v", res.ChunkID, scoreErr)
				res.Score = res.OriginalSimilarity
				res.Reason = "cross-encoder failed, kept similarity"
				return nil
			}

			if strategy == StrategyCrossEncoder {
				res.Score = score
				res.Reason = fmt.Sprintf("cross-encoder %.2f", score)
			} else {
				res.Score = modelWeight*score + similarityWeight*res.OriginalSimilarity
				res.Reason = fmt.Sprintf("hybrid model=%.2f sim=%.2f", score, res.OriginalSimilarity)
			}
			return nil
		})
	}
	// Workers only return nil; the group exists for the limit and ctx wiring.
	_ = g.Wait()

	if ctx.Err() != nil {
		return fallbackOrdering(results, "rerank cancelled")
	}

	sortByScore(out)
	return out
}

// scorePair asks the model to rate one (query, document) pair, normalizing
// the 0..10 reply into 0..1.
func (c *CrossEncoder) scorePair(ctx context.Context, scorer Scorer, query, document string) (float64, error) {
	doc := c.truncateToTokens(document, maxDocTokens)

	messages := []llm.Message{
		llm.NewSystemMessage("You judge how relevant a passage is to a query. " +
			"Reply with a JSON object {\"score\": N} where N is 0 (irrelevant) to 10 (directly answers the query). " +
			"No other keys, no prose."),
		llm.NewUserMessage(fmt.Sprintf("Query: %s\n\nPassage:\n%s", query, doc)),
	}

	obj, _, err := scorer.GenerateJSON(ctx, messages, []string{"score"}, llm.GenerateOpts{Stage: "rerank"})
	if err != nil {
		return 0, err
	}

	raw, ok := obj["score"].(float64)
	if !ok {
		return 0, fmt.Errorf("score is not a number: %v", obj["score"])
	}

	score := raw / scoreScale
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// truncateToTokens trims text to roughly budget tokens, cutting at a word
// boundary. The estimator's ratio guides the cut; exactness does not matter
// for a scoring prompt.
func (c *CrossEncoder) truncateToTokens(text string, budget int) string {
	total := c.estimator.EstimateText(text)
	if total <= budget {
		return text
	}

	keep := len(text) * budget / total
	if keep <= 0 {
		return text
	}
	cut := text[:keep]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
