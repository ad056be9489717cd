// Package openaicompat backs the LLM interface with any server speaking the
// OpenAI chat-completions protocol: LM Studio, vLLM, llamafile, or the
// hosted OpenAI API itself.
package openaicompat

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
)

// Backend implements llm.Backend over the chat-completions endpoint.
type Backend struct {
	client openai.Client
	ref    config.ModelRef
}

// New builds a backend for the given model reference. apiKey may be empty
// for local servers that do not check credentials.
func New(ref config.ModelRef, apiKey string) *Backend {
	opts := []option.RequestOption{option.WithBaseURL(apiBase(ref))}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Backend{
		client: openai.NewClient(opts...),
		ref:    ref,
	}
}

// NewHosted builds a backend against the hosted OpenAI API at the SDK's
// default base URL.
func NewHosted(ref config.ModelRef, apiKey string) *Backend {
	return &Backend{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		ref:    ref,
	}
}

// apiBase appends the /v1 prefix the protocol expects unless the host
// already carries one.
func apiBase(ref config.ModelRef) string {
	base := strings.TrimSuffix(ref.BaseURL(), "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// ModelName returns the model this backend serves.
func (b *Backend) ModelName() string { return b.ref.Model }

// Complete runs a non-streaming chat completion.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return llm.Response{}, err
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no choices in completion")
	}

	return llm.Response{
		Content:          completion.Choices[0].Message.Content,
		Model:            completion.Model,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// Stream runs a streaming chat completion, forwarding content deltas.
func (b *Backend) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		emit := func(chunk llm.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !emit(llm.StreamChunk{Content: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				emit(llm.StreamChunk{Done: true})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(llm.StreamChunk{Err: classifyError(err)})
			return
		}
		emit(llm.StreamChunk{Done: true})
	}()
	return out, nil
}

// buildParams converts a normalized request into chat-completion params.
func (b *Backend) buildParams(req llm.Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.ref.Model),
		Messages: messages,
	}

	o := &req.Options
	if o.Temperature != nil {
		params.Temperature = openai.Float(*o.Temperature)
	}
	if o.TopP != nil {
		params.TopP = openai.Float(*o.TopP)
	}
	if o.Seed != nil {
		params.Seed = openai.Int(int64(*o.Seed))
	}
	if o.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.MaxTokens))
	}
	if o.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

// classifyError maps SDK errors onto our error taxonomy, preferring the
// HTTP status when one is attached.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.NewErrorWithStatus(llmerrors.ClassifyStatus(apiErr.StatusCode), apiErr.StatusCode, apiErr.Error())
	}
	return llmerrors.Classify(err, "openai-compatible")
}
