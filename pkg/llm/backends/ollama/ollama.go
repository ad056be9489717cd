// Package ollama backs the LLM interface with a local Ollama daemon.
// Requests are sent with keep_alive=0 so each model unloads after its call;
// with a single daemon serving every pipeline role that keeps VRAM free for
// the next model.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/logx"
)

// Backend implements llm.Backend against the Ollama chat API.
type Backend struct {
	client *api.Client
	ref    config.ModelRef
	logger *logx.Logger
}

// New builds an Ollama backend for the given model reference. An unparsable
// host falls back to the default daemon address.
func New(ref config.ModelRef) *Backend {
	parsed, err := url.Parse(ref.BaseURL())
	if err != nil {
		parsed, _ = url.Parse("http://" + config.DefaultOllamaHost)
	}
	return &Backend{
		client: api.NewClient(parsed, http.DefaultClient),
		ref:    ref,
		logger: logx.NewLogger("ollama"),
	}
}

// ModelName returns the model this backend serves.
func (b *Backend) ModelName() string { return b.ref.Model }

// Complete runs a non-streaming chat call.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	chatReq, err := b.buildRequest(req, false)
	if err != nil {
		return llm.Response{}, err
	}

	var content, thinking strings.Builder
	var last api.ChatResponse
	err = b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		thinking.WriteString(resp.Message.Thinking)
		last = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err, "ollama")
	}

	return llm.Response{
		Content:          content.String(),
		Thinking:         thinking.String(),
		Model:            last.Model,
		PromptTokens:     last.PromptEvalCount,
		CompletionTokens: last.EvalCount,
	}, nil
}

// Stream runs a streaming chat call, forwarding each delta as a chunk.
func (b *Backend) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	chatReq, err := b.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		chatErr := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			chunk := llm.StreamChunk{
				Content:  resp.Message.Content,
				Thinking: resp.Message.Thinking,
				Done:     resp.Done,
			}
			select {
			case out <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if chatErr != nil {
			select {
			case out <- llm.StreamChunk{Err: llmerrors.Classify(chatErr, "ollama")}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// HasModel reports whether the daemon already has this model locally.
// Ollama lists models with an explicit tag, so "mistral" matches
// "mistral:latest".
func (b *Backend) HasModel(ctx context.Context) (bool, error) {
	resp, err := b.client.List(ctx)
	if err != nil {
		return false, llmerrors.Classify(err, "ollama")
	}
	want := b.ref.Model
	for i := range resp.Models {
		name := resp.Models[i].Name
		if name == want || strings.TrimSuffix(name, ":latest") == want {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads the model through the daemon, reporting progress.
func (b *Backend) PullModel(ctx context.Context, progress func(status string)) error {
	var lastStatus string
	err := b.client.Pull(ctx, &api.PullRequest{Model: b.ref.Model}, func(p api.ProgressResponse) error {
		if progress == nil || p.Status == "" {
			return nil
		}
		status := p.Status
		if p.Total > 0 {
			status = fmt.Sprintf("%s (%d%%)", p.Status, p.Completed*100/p.Total)
		}
		// Pull progress arrives at high frequency; only surface changes.
		if status != lastStatus {
			progress(status)
			lastStatus = status
		}
		return nil
	})
	return llmerrors.Classify(err, "ollama")
}

// buildRequest converts a normalized request into Ollama's chat format.
func (b *Backend) buildRequest(req llm.Request, stream bool) (*api.ChatRequest, error) {
	if len(req.Messages) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]api.Message, 0, len(req.Messages))
	for i := range req.Messages {
		msg := &req.Messages[i]
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	o := &req.Options
	options := map[string]any{}
	if o.Temperature != nil {
		options["temperature"] = *o.Temperature
	}
	if o.TopP != nil {
		options["top_p"] = *o.TopP
	}
	if o.Seed != nil {
		options["seed"] = *o.Seed
	}
	if o.NumCtx > 0 {
		options["num_ctx"] = o.NumCtx
	}
	if o.MaxTokens > 0 {
		options["num_predict"] = o.MaxTokens
	}

	chatReq := &api.ChatRequest{
		Model:    b.ref.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
		// Unload immediately after the call; the pipeline swaps models often.
		KeepAlive: &api.Duration{Duration: 0},
	}
	if o.JSONMode {
		chatReq.Format = json.RawMessage(`"json"`)
	}
	if o.Think != nil {
		chatReq.Think = &api.ThinkValue{Value: *o.Think}
	}
	return chatReq, nil
}
