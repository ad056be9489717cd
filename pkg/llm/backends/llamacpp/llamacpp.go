// Package llamacpp backs the LLM interface with a llama.cpp server's native
// /completion API. The server hosts exactly one model, so the model part of
// the reference is informational; chat transcripts are flattened into a
// single prompt with role headers.
package llamacpp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
)

// Backend implements llm.Backend over the llama.cpp server HTTP API.
type Backend struct {
	httpClient *http.Client
	baseURL    string
	ref        config.ModelRef
}

// New builds a llama.cpp backend for the given model reference.
func New(ref config.ModelRef) *Backend {
	return &Backend{
		// Generation runs long; deadlines come from the caller's context.
		httpClient: &http.Client{Timeout: 0},
		baseURL:    strings.TrimSuffix(ref.BaseURL(), "/"),
		ref:        ref,
	}
}

// ModelName returns the model this backend serves.
func (b *Backend) ModelName() string { return b.ref.Model }

type completionRequest struct {
	Prompt      string         `json:"prompt"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Seed        *int           `json:"seed,omitempty"`
	NPredict    int            `json:"n_predict,omitempty"`
	Stream      bool           `json:"stream"`
	CachePrompt bool           `json:"cache_prompt"`
	JSONSchema  map[string]any `json:"json_schema,omitempty"`
}

type completionResponse struct {
	Content         string `json:"content"`
	Model           string `json:"model"`
	Stop            bool   `json:"stop"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	TokensPredicted int    `json:"tokens_predicted"`
}

// Complete runs a non-streaming completion call.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	body, err := b.buildBody(req, false)
	if err != nil {
		return llm.Response{}, err
	}

	resp, err := b.post(ctx, body)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err, "llama-cpp")
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "llama-cpp response is not JSON")
	}

	model := parsed.Model
	if model == "" {
		model = b.ref.Model
	}
	return llm.Response{
		Content:          parsed.Content,
		Model:            model,
		PromptTokens:     parsed.TokensEvaluated,
		CompletionTokens: parsed.TokensPredicted,
	}, nil
}

// Stream runs a streaming completion call. The server emits SSE lines of
// the form "data: {json}" with per-delta content and a final stop record.
func (b *Backend) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	body, err := b.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := b.post(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		emit := func(chunk llm.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var delta completionResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &delta); err != nil {
				continue
			}
			if delta.Content != "" {
				if !emit(llm.StreamChunk{Content: delta.Content}) {
					return
				}
			}
			if delta.Stop {
				emit(llm.StreamChunk{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(llm.StreamChunk{Err: llmerrors.Classify(err, "llama-cpp")})
			return
		}
		emit(llm.StreamChunk{Done: true})
	}()
	return out, nil
}

// HasModel probes the server's /health endpoint. The model ships inside the
// server process, so a healthy server means the model is loaded.
func (b *Backend) HasModel(ctx context.Context) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return false, llmerrors.Classify(err, "llama-cpp")
	}
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return false, llmerrors.Classify(err, "llama-cpp")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (b *Backend) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.Classify(err, "llama-cpp")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerrors.Classify(err, "llama-cpp")
	}
	if resp.StatusCode != http.StatusOK {
		stub, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, llmerrors.NewErrorWithStatus(llmerrors.ClassifyStatus(resp.StatusCode), resp.StatusCode,
			fmt.Sprintf("llama-cpp returned %d: %s", resp.StatusCode, strings.TrimSpace(string(stub))))
	}
	return resp, nil
}

func (b *Backend) buildBody(req llm.Request, stream bool) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	o := &req.Options
	creq := completionRequest{
		Prompt:      flattenMessages(req.Messages),
		Temperature: o.Temperature,
		TopP:        o.TopP,
		Seed:        o.Seed,
		Stream:      stream,
		CachePrompt: true,
	}
	if o.MaxTokens > 0 {
		creq.NPredict = o.MaxTokens
	}
	if o.JSONMode {
		// An unconstrained object schema compiles to a grammar that forces
		// well-formed JSON without fixing its shape.
		creq.JSONSchema = map[string]any{"type": "object"}
	}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "cannot encode completion request")
	}
	return body, nil
}

// flattenMessages renders a chat transcript as a role-tagged prompt ending
// with an open assistant turn.
func flattenMessages(messages []llm.Message) string {
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			sb.WriteString("### System:\n")
		case llm.RoleAssistant:
			sb.WriteString("### Assistant:\n")
		default:
			sb.WriteString("### User:\n")
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("### Assistant:\n")
	return sb.String()
}
