// Package factory assembles providers from configuration: parse a role's
// model reference, build the matching backend, and wrap it in the caller's
// middleware stack.
package factory

import (
	"fmt"
	"strconv"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/backends/adapter"
	"storywriter/pkg/llm/backends/llamacpp"
	ollamabackend "storywriter/pkg/llm/backends/ollama"
	"storywriter/pkg/llm/backends/openaicompat"
)

// ForRole builds a provider for a configured model role, falling back to
// the default role's endpoint when the role has no entry of its own.
func ForRole(cfg *config.Config, role string, middlewares ...llm.Middleware) (*llm.Provider, error) {
	ref, err := cfg.ModelFor(role)
	if err != nil {
		return nil, fmt.Errorf("model for role %q: %w", role, err)
	}
	return ForRef(cfg, ref, middlewares...)
}

// ForRef builds a provider from an already-parsed model reference.
func ForRef(cfg *config.Config, ref config.ModelRef, middlewares ...llm.Middleware) (*llm.Provider, error) {
	backend, err := buildBackend(ref)
	if err != nil {
		return nil, err
	}

	defaults := llm.Defaults{
		ContextLength: contextLength(cfg, ref),
		RandomizeSeed: cfg.Generation.RandomizeSeed,
		CallTimeout:   cfg.Timeouts.ProviderCall(),
		StreamIdle:    cfg.Timeouts.StreamIdle(),
	}
	return llm.NewProvider(backend, ref, defaults, middlewares...), nil
}

func buildBackend(ref config.ModelRef) (llm.Backend, error) {
	switch ref.Scheme {
	case config.SchemeOllama:
		return ollamabackend.New(ref), nil
	case config.SchemeOpenAICompatible:
		// Local servers usually ignore credentials; pass one when present.
		apiKey := ""
		if key, err := config.GetSecret("OPENAI_COMPAT_API_KEY"); err == nil {
			apiKey = key
		}
		return openaicompat.New(ref, apiKey), nil
	case config.SchemeLlamaCpp:
		return llamacpp.New(ref), nil
	case config.SchemeLangchain:
		return adapter.New(ref)
	default:
		return nil, fmt.Errorf("unsupported model scheme %q", ref.Scheme)
	}
}

// contextLength resolves the default context window: a per-model num_ctx
// param wins over the config-wide default.
func contextLength(cfg *config.Config, ref config.ModelRef) int {
	if raw, ok := ref.Param("num_ctx"); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return cfg.ModelDefaults.ContextLength
}
