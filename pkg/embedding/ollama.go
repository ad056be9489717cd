package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"storywriter/pkg/config"
	"storywriter/pkg/llm/llmerrors"
)

// OllamaProvider embeds through an ollama server's native embed endpoint.
type OllamaProvider struct {
	client     *api.Client
	ref        config.ModelRef
	dimensions int
	timeout    time.Duration
}

// NewOllama creates an embedding provider for an ollama:// reference.
// dimensions is the configured width, corrected later by the probe.
func NewOllama(ref config.ModelRef, dimensions int, timeout time.Duration) (*OllamaProvider, error) {
	base, err := url.Parse(ref.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL %q: %w", ref.BaseURL(), err)
	}

	return &OllamaProvider{
		client:     api.NewClient(base, http.DefaultClient),
		ref:        ref,
		dimensions: dimensions,
		timeout:    timeout,
	}, nil
}

// ModelName returns the embedding model identifier.
func (p *OllamaProvider) ModelName() string { return p.ref.Model }

// Dimensions returns the vector width.
func (p *OllamaProvider) Dimensions() int { return p.dimensions }

func (p *OllamaProvider) setDimensions(d int) { p.dimensions = d }

// Embed generates one vector per text in a single batch call.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyTexts
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.ref.Model,
		Input: texts,
	})
	if err != nil {
		return nil, llmerrors.Classify(err, "ollama-embed")
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	return resp.Embeddings, nil
}

// EmbedSingle generates the vector for one text.
func (p *OllamaProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// TestConnection round-trips a short embed so both the server and the model
// are known to work, not just the port.
func (p *OllamaProvider) TestConnection(ctx context.Context) error {
	_, err := p.EmbedSingle(ctx, "connection test")
	return err
}

func (p *OllamaProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}
