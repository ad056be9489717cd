package embedding

import (
	"fmt"
	"strings"

	"storywriter/pkg/config"
)

// ForConfig builds the embedding provider named by the embedding model
// role. Supported schemes: ollama://, openai-compatible://, and
// langchain://openai/<model> for the hosted API.
func ForConfig(cfg *config.Config) (Provider, error) {
	ref, err := cfg.ModelFor(config.RoleEmbedding)
	if err != nil {
		return nil, fmt.Errorf("embedding model: %w", err)
	}

	dimensions := cfg.VectorStore.VectorDimensions
	timeout := cfg.Timeouts.Embedding()

	switch ref.Scheme {
	case config.SchemeOllama:
		return NewOllama(ref, dimensions, timeout)
	case config.SchemeOpenAICompatible:
		// Local servers usually ignore credentials; pass one when present.
		apiKey := ""
		if key, err := config.GetSecret("OPENAI_COMPAT_API_KEY"); err == nil {
			apiKey = key
		}
		return NewOpenAI(ref, apiKey, dimensions, timeout), nil
	case config.SchemeLangchain:
		if !strings.EqualFold(ref.Provider, "openai") {
			return nil, fmt.Errorf("no embedding support for langchain provider %q", ref.Provider)
		}
		apiKey, err := config.GetAPIKey(ref.Provider)
		if err != nil {
			return nil, fmt.Errorf("embedding api key: %w", err)
		}
		return NewOpenAIHosted(ref.Model, apiKey, dimensions, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding scheme %q", ref.Scheme)
	}
}
