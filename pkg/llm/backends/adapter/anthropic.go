package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"storywriter/pkg/config"
	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
)

const (
	// anthropicMaxContext caps num_ctx; the API rejects larger windows.
	anthropicMaxContext = 200000

	// anthropicDefaultMaxTokens applies when the caller sets no output cap;
	// the Messages API requires one.
	anthropicDefaultMaxTokens = 8192
)

// anthropicBackend implements llm.Backend over the Anthropic Messages API.
type anthropicBackend struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropic(ref config.ModelRef, apiKey string) *anthropicBackend {
	return &anthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(ref.Model),
	}
}

func (b *anthropicBackend) ModelName() string { return string(b.model) }

// MaxContextLength reports the API's context ceiling so option
// normalization can clamp oversized windows.
func (b *anthropicBackend) MaxContextLength() int { return anthropicMaxContext }

func (b *anthropicBackend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	systemPrompt, alternating, err := ensureAlternation(req.Messages)
	if err != nil {
		return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message alternation error")
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for i := range alternating {
		msg := &alternating[i]
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	o := &req.Options
	maxTokens := o.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     b.model,
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if o.Temperature != nil {
		params.Temperature = anthropic.Float(*o.Temperature)
	}
	if o.TopP != nil {
		params.TopP = anthropic.Float(*o.TopP)
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: systemPrompt,
			Type: "text",
		}}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyAnthropicError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Anthropic API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return llm.Response{
		Content:          text.String(),
		Model:            string(resp.Model),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// Stream wraps Complete; the hosted adapters serve short structured calls
// where chunk-level delivery buys nothing.
func (b *anthropicBackend) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
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

// ensureAlternation prepares a transcript for the Messages API: system
// messages move to the system parameter, consecutive user turns merge, and
// the sequence must end on a user turn.
func ensureAlternation(messages []llm.Message) (systemPrompt string, alternating []llm.Message, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var rest []llm.Message
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			systemParts = append(systemParts, msg.Content)
		} else {
			rest = append(rest, *msg)
		}
	}
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []llm.Message
	var userParts []string
	flushUser := func() {
		if len(userParts) > 0 {
			merged = append(merged, llm.Message{Role: llm.RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}
	for i := range rest {
		msg := &rest[i]
		if msg.Role == llm.RoleAssistant {
			flushUser()
			merged = append(merged, *msg)
		} else {
			userParts = append(userParts, msg.Content)
		}
	}
	flushUser()

	for i := range merged {
		if i > 0 && merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got %s", merged[len(merged)-1].Role)
	}

	return strings.Join(systemParts, "\n\n"), merged, nil
}

// classifyAnthropicError maps SDK errors onto our taxonomy via the HTTP
// status when one is attached.
func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.NewErrorWithStatus(llmerrors.ClassifyStatus(apiErr.StatusCode), apiErr.StatusCode, apiErr.Error())
	}
	return llmerrors.Classify(err, "anthropic")
}
