// Package llm provides the uniform model-provider interface the pipeline
// generates through: one Provider facade over interchangeable backends
// (ollama daemon, OpenAI-compatible HTTP, llama.cpp server, hosted APIs),
// with streaming, JSON mode, think-tag filtering, token accounting, and
// minimum-length continuation handled once here instead of per call site.
package llm

import (
	"context"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the orchestrating pipeline.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
)

// Sampling defaults applied by option normalization when a call leaves them
// unset. JSON mode pins temperature to 0 for reproducible structure.
const (
	TemperatureDefault = 0.7
	TemperatureJSON    = 0.0
	TopPDefault        = 0.9
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Options carries per-call sampling and runtime parameters. Pointer fields
// distinguish "unset, inject default" from an explicit zero.
type Options struct {
	Seed        *int
	Temperature *float64
	TopP        *float64
	NumCtx      int  // context window; 0 = inject configured default
	MaxTokens   int  // output cap; 0 = backend default
	JSONMode    bool // instruct the backend to emit a JSON object
	Think       *bool
	StoryStage  string // metadata for middleware (metrics/journal labels)
}

// Request is a completion request against one backend.
type Request struct {
	Messages []Message
	Options  Options
}

// Response is a completed (non-streamed) backend reply.
type Response struct {
	Content  string
	Thinking string // thinking-channel text, separate from Content
	Model    string
	// Token usage when the backend reports it; zero otherwise.
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one increment of a streamed reply.
type StreamChunk struct {
	Err      error
	Content  string
	Thinking string
	Done     bool
}

// Backend is the minimal surface every provider variant implements. Complete
// and Stream must classify failures through llmerrors before returning.
type Backend interface {
	// Complete generates a reply synchronously.
	Complete(ctx context.Context, req Request) (Response, error)

	// Stream generates a reply as a channel of chunks. The channel is
	// closed after the Done chunk (or an Err chunk).
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName returns the backend's model name.
	ModelName() string
}

// ModelChecker is implemented by backends that can probe whether their model
// is present (local daemons). Backends without the probe are assumed
// available.
type ModelChecker interface {
	HasModel(ctx context.Context) (bool, error)
}

// ModelPuller is implemented by backends that can download their model.
// Only meaningful for local daemons.
type ModelPuller interface {
	PullModel(ctx context.Context, progress func(status string)) error
}

// ContextCapper is implemented by backends with a known hard context-window
// cap; normalization clamps oversized NumCtx against it.
type ContextCapper interface {
	MaxContextLength() int
}

// helper for pointer options.
func IntPtr(v int) *int           { return &v }
func FloatPtr(v float64) *float64 { return &v }
func BoolPtr(v bool) *bool        { return &v }
