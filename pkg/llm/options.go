package llm

import (
	"math/rand"
	"strings"
	"time"

	"storywriter/pkg/config"
	"storywriter/pkg/logx"
)

// Defaults are process-level option defaults sourced from config.
type Defaults struct {
	ContextLength int
	RandomizeSeed bool
	CallTimeout   time.Duration
	StreamIdle    time.Duration
}

// seedOffsetMax bounds the random seed offset: [1, 10000].
const seedOffsetMax = 10000

// unloadPause is how long callers wait after an ollama call so the daemon
// can unload the model (keep_alive=0 requests prompt unload).
const unloadPause = 250 * time.Millisecond

// thinkingFamilies are model families whose thinking mode gets enabled by
// default. Matched on the name before any ollama tag.
//
//nolint:gochecknoglobals // Static family list
var thinkingFamilies = []string{"qwen3", "deepseek-r1", "qwq"}

// IsThinkingFamily reports whether a model name belongs to a family with a
// thinking channel.
func IsThinkingFamily(model string) bool {
	name := strings.ToLower(model)
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[:idx]
	}
	for _, family := range thinkingFamilies {
		if strings.HasPrefix(name, family) {
			return true
		}
	}
	return false
}

// NormalizeOptions fills per-call defaults in place:
//   - context length: inject the configured default; clamp (with a warning)
//     against the backend's hard cap when it declares one
//   - seed: add a random offset in [1,10000] when randomization is on and
//     the model is not tagged static_seed
//   - temperature 0.7 / top_p 0.9; JSON mode pins temperature to 0
//   - thinking mode: the model ref's think param wins, else family default
func NormalizeOptions(req *Request, ref config.ModelRef, maxCtx int, d Defaults, logger *logx.Logger) {
	o := &req.Options

	if o.NumCtx == 0 {
		o.NumCtx = d.ContextLength
	}
	if maxCtx > 0 && o.NumCtx > maxCtx {
		logger.Warn("⚠️  num_ctx %d exceeds %s cap %d, clamping", o.NumCtx, ref.Model, maxCtx)
		o.NumCtx = maxCtx
	}

	if o.Seed != nil && d.RandomizeSeed && !ref.StaticSeed() {
		offset := rand.Intn(seedOffsetMax) + 1 //nolint:gosec // Variety, not crypto
		seeded := *o.Seed + offset
		o.Seed = &seeded
	}

	if o.Temperature == nil {
		if o.JSONMode {
			o.Temperature = FloatPtr(TemperatureJSON)
		} else {
			o.Temperature = FloatPtr(TemperatureDefault)
		}
	}
	if o.TopP == nil {
		o.TopP = FloatPtr(TopPDefault)
	}

	if o.Think == nil {
		if enabled, present := ref.Think(); present {
			o.Think = BoolPtr(enabled)
		} else if IsThinkingFamily(ref.Model) {
			o.Think = BoolPtr(true)
		}
	}
}
