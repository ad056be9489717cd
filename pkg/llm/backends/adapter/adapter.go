// Package adapter routes hosted-provider model references onto the
// providers' native SDKs. API keys come from the environment or the
// encrypted secrets file via config.GetAPIKey.
package adapter

import (
	"fmt"
	"strings"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/backends/openaicompat"
)

// New builds a backend for a langchain:// model reference by provider name.
func New(ref config.ModelRef) (llm.Backend, error) {
	apiKey, err := config.GetAPIKey(ref.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolving API key for %s: %w", ref.Provider, err)
	}

	switch strings.ToLower(ref.Provider) {
	case "anthropic":
		return newAnthropic(ref, apiKey), nil
	case "google", "gemini":
		return newGoogle(ref, apiKey), nil
	case "openai":
		return openaicompat.NewHosted(ref, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported hosted provider %q", ref.Provider)
	}
}
