package embedding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"storywriter/pkg/config"
	"storywriter/pkg/llm/llmerrors"
)

// OpenAIProvider embeds through an OpenAI-style /v1/embeddings endpoint.
// With a base URL it serves openai-compatible local hosts; without one it
// talks to the hosted API.
type OpenAIProvider struct {
	client     openai.Client
	model      string
	dimensions int
	timeout    time.Duration
	hosted     bool
}

// NewOpenAI creates an embedding provider for an openai-compatible://
// reference. Local servers pick their own vector width, so the dimensions
// request parameter is never sent; the probe discovers the real width.
func NewOpenAI(ref config.ModelRef, apiKey string, dimensions int, timeout time.Duration) *OpenAIProvider {
	opts := []option.RequestOption{option.WithBaseURL(embeddingBase(ref))}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      ref.Model,
		dimensions: dimensions,
		timeout:    timeout,
	}
}

// NewOpenAIHosted creates an embedding provider against the hosted OpenAI
// API. Hosted text-embedding-3 models honor a requested width, so the
// configured dimensions are passed through.
func NewOpenAIHosted(model, apiKey string, dimensions int, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		dimensions: dimensions,
		timeout:    timeout,
		hosted:     true,
	}
}

func embeddingBase(ref config.ModelRef) string {
	base := strings.TrimSuffix(ref.BaseURL(), "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// ModelName returns the embedding model identifier.
func (p *OpenAIProvider) ModelName() string { return p.model }

// Dimensions returns the vector width.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

func (p *OpenAIProvider) setDimensions(d int) { p.dimensions = d }

// Embed generates one vector per text in a single batch call.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyTexts
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model:          p.model,
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.hosted && p.dimensions > 0 {
		params.Dimensions = openai.Int(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeUnknown,
			"embedding count does not match input count")
	}

	// Responses may arrive out of order; place each vector by its index.
	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, val := range data.Embedding {
			vec[j] = float32(val)
		}
		vectors[int(data.Index)] = vec
	}

	return vectors, nil
}

// EmbedSingle generates the vector for one text.
func (p *OpenAIProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// TestConnection round-trips a short embed.
func (p *OpenAIProvider) TestConnection(ctx context.Context) error {
	_, err := p.EmbedSingle(ctx, "connection test")
	return err
}

func (p *OpenAIProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.NewErrorWithStatus(
			llmerrors.ClassifyStatus(apiErr.StatusCode), apiErr.StatusCode, apiErr.Error())
	}
	return llmerrors.Classify(err, "openai-embed")
}
