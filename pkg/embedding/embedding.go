// Package embedding turns text into vectors for the RAG store. Two
// implementations cover the deployment styles the pipeline supports: the
// ollama native API and OpenAI-style /v1/embeddings endpoints (hosted or
// local). The vector width a provider actually returns is authoritative;
// callers probe at startup and correct the configured value rather than
// trusting it.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Provider generates embeddings. Implementations have no side effects
// beyond the external call.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedSingle returns the vector for one text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// TestConnection verifies the provider can serve embeddings by
	// running a tiny round-trip.
	TestConnection(ctx context.Context) error
	// Dimensions returns the vector width, updated once probed.
	Dimensions() int
	// ModelName returns the embedding model identifier.
	ModelName() string
}

// ErrEmptyTexts rejects embedding calls with no input.
var ErrEmptyTexts = errors.New("no texts provided for embedding")

// ProbeDimensions embeds a short text and returns the width the provider
// actually produces. The result is recorded on the provider so Dimensions
// reflects reality from then on.
func ProbeDimensions(ctx context.Context, p Provider) (int, error) {
	vec, err := p.EmbedSingle(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("embedding dimension probe failed: %w", err)
	}
	if len(vec) == 0 {
		return 0, errors.New("embedding provider returned an empty vector")
	}

	if s, ok := p.(interface{ setDimensions(int) }); ok {
		s.setDimensions(len(vec))
	}
	return len(vec), nil
}
