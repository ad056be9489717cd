package llm

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"storywriter/pkg/logx"
)

// Thresholds for context budget reporting, as fractions of the window.
const (
	contextWarnFraction = 0.8
	contextInfoFraction = 0.6
)

// perMessageOverhead approximates the role/framing tokens each chat message
// costs beyond its content.
const perMessageOverhead = 4

// TokenEstimator estimates prompt sizes before a call. It uses a BPE
// tokenizer when one loads, else a words-based heuristic. The estimate is
// advisory; backends do their own exact accounting.
type TokenEstimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // One shared estimator; codec load is not free
var defaultEstimator = &TokenEstimator{}

// DefaultEstimator returns the process-wide estimator.
func DefaultEstimator() *TokenEstimator {
	return defaultEstimator
}

func (e *TokenEstimator) init() {
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			// Heuristic fallback takes over; nothing else to do.
			return
		}
		e.codec = codec
	})
}

// Estimate returns the approximate token count of a message list.
func (e *TokenEstimator) Estimate(messages []Message) int {
	e.init()

	if e.codec != nil {
		total := 0
		for _, msg := range messages {
			ids, _, err := e.codec.Encode(msg.Content)
			if err != nil {
				return heuristicEstimate(messages)
			}
			total += len(ids) + perMessageOverhead
		}
		return total
	}
	return heuristicEstimate(messages)
}

// EstimateText returns the approximate token count of a bare string.
func (e *TokenEstimator) EstimateText(text string) int {
	e.init()

	if e.codec != nil {
		if ids, _, err := e.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return int(float64(len(strings.Fields(text))) * 1.33)
}

// heuristicEstimate approximates tokens as words x 1.33 plus a fixed
// per-message overhead.
func heuristicEstimate(messages []Message) int {
	words := 0
	for _, msg := range messages {
		words += len(strings.Fields(msg.Content))
	}
	return int(float64(words)*1.33) + 10*len(messages)
}

// CheckContextBudget logs how full the context window is: warn at 80%,
// info at 60%. Returns the fraction for callers that want it.
func CheckContextBudget(logger *logx.Logger, model string, estimate, contextLen int) float64 {
	if contextLen <= 0 {
		return 0
	}
	fraction := float64(estimate) / float64(contextLen)
	switch {
	case fraction >= contextWarnFraction:
		logger.Warn("⚠️  Prompt for %s is ~%d tokens, %.0f%% of the %d context window",
			model, estimate, fraction*100, contextLen)
	case fraction >= contextInfoFraction:
		logger.Info("Prompt for %s is ~%d tokens, %.0f%% of the %d context window",
			model, estimate, fraction*100, contextLen)
	}
	return fraction
}
