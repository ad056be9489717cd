// Package rerank rescores retrieval hits before they reach a prompt. The
// rule-based path mixes keyword overlap, metadata matches, and normalized
// similarity; the model-based path asks a cross-encoder to judge each
// (query, chunk) pair and falls back to the original similarity ordering
// whenever the model cannot answer.
package rerank

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"storywriter/pkg/config"
	"storywriter/pkg/logx"
)

// Strategy selects how reranked scores are computed.
type Strategy string

const (
	// StrategyHybrid mixes similarity, keyword overlap, and metadata
	// matches (rule-based) or model score with original similarity
	// (cross-encoder).
	StrategyHybrid Strategy = "hybrid"
	// StrategyKeyword ranks purely on query-term overlap.
	StrategyKeyword Strategy = "keyword"
	// StrategyMetadata ranks purely on metadata matches.
	StrategyMetadata Strategy = "metadata"
	// StrategySemantic keeps the embedding similarity ordering.
	StrategySemantic Strategy = "semantic"
	// StrategyCrossEncoder ranks purely on the cross-encoder's verdict.
	StrategyCrossEncoder Strategy = "cross_encoder"
)

// ParseStrategy validates a strategy name from config or a CLI flag.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.TrimSpace(strings.ToLower(raw))) {
	case StrategyHybrid:
		return StrategyHybrid, nil
	case StrategyKeyword:
		return StrategyKeyword, nil
	case StrategyMetadata:
		return StrategyMetadata, nil
	case StrategySemantic:
		return StrategySemantic, nil
	case StrategyCrossEncoder:
		return StrategyCrossEncoder, nil
	default:
		return "", fmt.Errorf("unknown rerank strategy %q", raw)
	}
}

// Result is one retrieval hit carried through reranking. Score and Reason
// are filled by the reranker; everything else arrives from the search.
type Result struct {
	ChunkID            int
	ContentType        string
	Content            string
	Metadata           map[string]any
	OriginalSimilarity float64
	Score              float64
	Reason             string
}

// Reranker reorders retrieval hits for a query. Implementations never fail
// the query: a reranker that cannot score returns the original ordering.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result, strategy Strategy) []Result
}

// RuleBased scores without any model: cheap, deterministic, always available.
type RuleBased struct {
	weights config.RerankWeights
	logger  *logx.Logger
}

// NewRuleBased creates a rule-based reranker with the configured hybrid
// weights.
func NewRuleBased(weights config.RerankWeights) *RuleBased {
	return &RuleBased{
		weights: weights,
		logger:  logx.NewLogger("rerank"),
	}
}

// Rerank scores every result by the strategy and returns them sorted by
// score descending. The input slice is not mutated.
func (r *RuleBased) Rerank(_ context.Context, query string, results []Result, strategy Strategy) []Result {
	if len(results) == 0 {
		return nil
	}

	terms := queryTerms(query)
	normalize := similarityNormalizer(results)

	out := make([]Result, len(results))
	for i, res := range results {
		out[i] = res
		sim := normalize(res.OriginalSimilarity)
		kw := keywordScore(terms, res.Content)
		meta := metadataScore(terms, res.Metadata)

		switch strategy {
		case StrategyKeyword:
			out[i].Score = kw
			out[i].Reason = fmt.Sprintf("keyword overlap %.2f", kw)
		case StrategyMetadata:
			out[i].Score = meta
			out[i].Reason = fmt.Sprintf("metadata match %.2f", meta)
		case StrategySemantic:
			out[i].Score = sim
			out[i].Reason = fmt.Sprintf("similarity %.2f", sim)
		default: // hybrid and anything unrecognized
			out[i].Score = r.weights.Similarity*sim + r.weights.Keyword*kw + r.weights.Metadata*meta
			out[i].Reason = fmt.Sprintf("hybrid sim=%.2f kw=%.2f meta=%.2f", sim, kw, meta)
		}
	}

	sortByScore(out)
	return out
}

// queryTerms lowercases and splits the query, dropping one- and two-letter
// words that would match everything.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) > 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

// keywordScore is the fraction of query terms present in the content.
func keywordScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// metadataScore is the fraction of query terms appearing in any metadata
// string value (chunk types, entity names, titles).
func metadataScore(terms []string, metadata map[string]any) float64 {
	if len(terms) == 0 || len(metadata) == 0 {
		return 0
	}

	var values []string
	for _, v := range metadata {
		if s, ok := v.(string); ok && s != "" {
			values = append(values, strings.ToLower(s))
		}
	}
	if len(values) == 0 {
		return 0
	}

	matched := 0
	for _, term := range terms {
		for _, v := range values {
			if strings.Contains(v, term) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(terms))
}

// similarityNormalizer min-max normalizes similarities across the result set
// so the hybrid mix compares like with like. A flat set normalizes to 1.
func similarityNormalizer(results []Result) func(float64) float64 {
	lo, hi := results[0].OriginalSimilarity, results[0].OriginalSimilarity
	for _, r := range results[1:] {
		if r.OriginalSimilarity < lo {
			lo = r.OriginalSimilarity
		}
		if r.OriginalSimilarity > hi {
			hi = r.OriginalSimilarity
		}
	}
	if hi == lo {
		return func(float64) float64 { return 1 }
	}
	span := hi - lo
	return func(sim float64) float64 { return (sim - lo) / span }
}

// sortByScore orders by score descending, breaking ties by original
// similarity so reranking stays stable for equal verdicts.
func sortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].OriginalSimilarity > results[j].OriginalSimilarity
	})
}

// fallbackOrdering restores the original similarity ordering, stamping the
// reason so callers can see the reranker stepped aside.
func fallbackOrdering(results []Result, reason string) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = r
		out[i].Score = r.OriginalSimilarity
		out[i].Reason = reason
	}
	sortByScore(out)
	return out
}
