package adapter

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
)

// googleBackend implements llm.Backend over the Gemini API. Client creation
// needs a context, so it is deferred to the first call.
type googleBackend struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

func newGoogle(ref config.ModelRef, apiKey string) *googleBackend {
	return &googleBackend{
		apiKey: apiKey,
		model:  ref.Model,
	}
}

func (b *googleBackend) ModelName() string { return b.model }

func (b *googleBackend) ensureClient(ctx context.Context) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  b.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "cannot create Gemini client")
	}
	b.client = client
	return client, nil
}

func (b *googleBackend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	contents, systemInstruction := convertToGemini(req.Messages)
	if len(contents) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	o := &req.Options
	cfg := &genai.GenerateContentConfig{}
	if o.Temperature != nil {
		t := float32(*o.Temperature)
		cfg.Temperature = &t
	}
	if o.TopP != nil {
		tp := float32(*o.TopP)
		cfg.TopP = &tp
	}
	if o.Seed != nil {
		s := int32(*o.Seed) //nolint:gosec // Seeds stay far below int32 range
		cfg.Seed = &s
	}
	if o.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(o.MaxTokens) //nolint:gosec // Bounded by config validation
	}
	if o.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err, "gemini")
	}
	if result == nil {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	text := result.Text()
	if text == "" {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Gemini reply has no text parts")
	}

	resp := llm.Response{Content: text, Model: b.model}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

// Stream wraps Complete, as with the other hosted adapters.
func (b *googleBackend) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(out)
		resp, err := b.Complete(ctx, req)
		if err != nil {
			out <- llm.StreamChunk{Err: err}
			return
		}
		out <- llm.StreamChunk{Content: resp.Content}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

// convertToGemini maps a transcript onto Gemini content entries; system
// messages collect into the system instruction, assistant turns become
// "model" role.
func convertToGemini(messages []llm.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemParts []string

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	system := ""
	if len(systemParts) > 0 {
		system = systemParts[0]
		for _, part := range systemParts[1:] {
			system += "\n\n" + part
		}
	}
	return contents, system
}
