// Package executor glues savepoints, prompt templates, and providers into
// the single call path every pipeline stage goes through. A stage that
// already has a savepoint is answered from disk without touching a model;
// everything else becomes a provider call with classified retries, optional
// JSON validation, and a savepoint write on success.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/logx"
	"storywriter/pkg/prompts"
	"storywriter/pkg/savepoint"
)

// Generator is the provider surface the executor drives. *llm.Provider
// satisfies it; tests substitute fakes.
type Generator interface {
	ModelName() string
	GenerateText(ctx context.Context, messages []llm.Message, opts llm.GenerateOpts) (string, error)
	GenerateJSON(ctx context.Context, messages []llm.Message, requiredAttrs []string, opts llm.GenerateOpts) (map[string]any, string, error)
}

// HitRecorder counts stages answered from savepoints. *metrics.Recorder
// satisfies it.
type HitRecorder interface {
	IncSavepointHit(story string)
}

// FieldType names a JSON value shape for schema checks.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Schema is a lightweight shape check for JSON replies: required top-level
// attributes plus optional per-attribute type expectations. Types are only
// checked on attributes that are present.
type Schema struct {
	Required []string
	Types    map[string]FieldType
}

// Options carries per-request generation and validation settings.
type Options struct {
	Seed       *int
	Stream     bool
	Debug      bool
	MinWords   int
	ExpectJSON bool
	Schema     *Schema
}

// Request describes one stage execution. Either PromptID (rendered through
// the registry with Variables) or Messages (a ready transcript) supplies the
// conversation; Model is the provider for this stage.
type Request struct {
	PromptID    string
	Messages    []llm.Message
	System      string
	Variables   map[string]string
	SavepointID string
	Model       Generator
	Options     Options
}

// stage returns the label used for logging and middleware attribution.
func (r *Request) stage() string {
	if r.SavepointID != "" {
		return r.SavepointID
	}
	return r.PromptID
}

// ExecResult is the sole return type stages examine. Content always holds
// whatever the stage produced; JSONParsed and JSONErrors only carry meaning
// when the request expected JSON.
type ExecResult struct {
	Content       savepoint.Value
	JSONParsed    bool
	JSONErrors    []string
	FromSavepoint bool
}

// Text returns the result content as text.
func (r ExecResult) Text() string {
	return r.Content.Text()
}

// Object returns the parsed JSON object when the result carries one.
func (r ExecResult) Object() (map[string]any, bool) {
	data, ok := r.Content.StructuredValue()
	if !ok {
		return nil, false
	}
	obj, ok := data.(map[string]any)
	return obj, ok
}

// Executor runs stages against the savepoint store and prompt registry.
type Executor struct {
	registry *prompts.Registry
	store    *savepoint.Store
	recorder HitRecorder
	logger   *logx.Logger
}

// New creates an executor. recorder may be nil when metrics are off.
func New(registry *prompts.Registry, store *savepoint.Store, recorder HitRecorder, logger *logx.Logger) *Executor {
	if logger == nil {
		logger = logx.NewLogger("executor")
	}
	return &Executor{
		registry: registry,
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// Execute runs one stage: savepoint hit, or prompt assembly, provider call
// with retries, JSON validation, and savepoint write. This is the only place
// savepoint hits short-circuit the pipeline.
func (e *Executor) Execute(ctx context.Context, req Request) (ExecResult, error) {
	if req.Model == nil {
		return ExecResult{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "request has no model")
	}

	if req.SavepointID != "" && e.store != nil && e.store.Has(req.SavepointID) {
		value, ok, err := e.store.Load(ctx, req.SavepointID)
		if err == nil && ok {
			e.logger.Info("📦 Stage %s restored from savepoint", req.SavepointID)
			if e.recorder != nil {
				e.recorder.IncSavepointHit(e.store.Story())
			}
			return e.resultFromSavepoint(value, req.Options), nil
		}
		if err != nil {
			e.logger.Warn("⚠️  Savepoint %s unreadable, regenerating: %v", req.SavepointID, err)
		}
	}

	messages, err := e.buildMessages(&req)
	if err != nil {
		return ExecResult{}, err
	}

	opts := llm.GenerateOpts{
		Seed:     req.Options.Seed,
		MinWords: req.Options.MinWords,
		Stream:   req.Options.Stream,
		Debug:    req.Options.Debug,
		Stage:    req.stage(),
	}

	var result ExecResult
	if req.Options.ExpectJSON {
		result, err = e.executeJSON(ctx, &req, messages, opts)
	} else {
		result, err = e.executeText(ctx, &req, messages, opts)
	}
	if err != nil {
		return ExecResult{}, err
	}

	if req.SavepointID != "" && e.store != nil {
		if saveErr := e.store.Save(ctx, req.SavepointID, result.Content); saveErr != nil {
			// A failed write costs a future resume, not this run.
			e.logger.Warn("⚠️  Savepoint %s write failed: %v", req.SavepointID, saveErr)
		}
	}

	return result, nil
}

// resultFromSavepoint wraps a loaded value. Scalar values from JSON stages
// get re-parsed so JSONParsed is dependable on resume regardless of how an
// earlier run serialized the reply.
func (e *Executor) resultFromSavepoint(value savepoint.Value, opts Options) ExecResult {
	result := ExecResult{Content: value, FromSavepoint: true}
	if !opts.ExpectJSON {
		return result
	}

	if value.Kind() == savepoint.KindStructured {
		result.JSONParsed = true
		return result
	}

	parsed, perr := parseObjectText(value.Text())
	if perr != nil {
		result.JSONErrors = []string{perr.Error()}
		return result
	}
	if violations := validateSchema(parsed, opts.Schema); len(violations) > 0 {
		result.JSONErrors = violations
		return result
	}
	result.Content = savepoint.Structured(parsed)
	result.JSONParsed = true
	return result
}

// buildMessages assembles the transcript: an explicit one is used as given,
// otherwise the prompt template renders into a single user message. The
// system message, when configured, always leads.
func (e *Executor) buildMessages(req *Request) ([]llm.Message, error) {
	if len(req.Messages) > 0 {
		messages := slices.Clone(req.Messages)
		if req.System != "" && messages[0].Role != llm.RoleSystem {
			messages = append([]llm.Message{llm.NewSystemMessage(req.System)}, messages...)
		}
		return messages, nil
	}

	if req.PromptID == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt,
			"request has neither a prompt id nor messages")
	}
	if e.registry == nil {
		return nil, fmt.Errorf("no prompt registry configured, cannot load %s", req.PromptID)
	}

	text, err := e.registry.Load(req.PromptID, req.Variables)
	if err != nil {
		return nil, fmt.Errorf("load prompt %s: %w", req.PromptID, err)
	}

	var messages []llm.Message
	if req.System != "" {
		messages = append(messages, llm.NewSystemMessage(req.System))
	}
	messages = append(messages, llm.NewUserMessage(text))
	return messages, nil
}

func (e *Executor) executeText(ctx context.Context, req *Request, messages []llm.Message, opts llm.GenerateOpts) (ExecResult, error) {
	var text string
	err := e.runWithRetry(ctx, req.stage(), func() error {
		out, genErr := req.Model.GenerateText(ctx, messages, opts)
		if genErr != nil {
			return genErr
		}
		text = out
		return nil
	})
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Content: savepoint.String(text)}, nil
}

// executeJSON retries parse failures like any other classified error, but
// once the budget is spent a still-unparseable reply degrades into a result
// with JSONParsed=false instead of failing the stage. Callers decide whether
// a malformed object is fatal.
func (e *Executor) executeJSON(ctx context.Context, req *Request, messages []llm.Message, opts llm.GenerateOpts) (ExecResult, error) {
	var (
		parsed       map[string]any
		lastText     string
		lastFailure  []string
		parseFailure bool
	)

	required := req.Options.Schema.required()

	err := e.runWithRetry(ctx, req.stage(), func() error {
		parseFailure = false

		obj, jsonText, genErr := req.Model.GenerateJSON(ctx, messages, required, opts)
		if genErr != nil {
			if llmerrors.Is(genErr, llmerrors.ErrorTypeParse) {
				parseFailure = true
				lastText = jsonText
				lastFailure = []string{genErr.Error()}
			}
			return genErr
		}

		if violations := validateSchema(obj, req.Options.Schema); len(violations) > 0 {
			parseFailure = true
			lastText = jsonText
			lastFailure = violations
			return llmerrors.NewError(llmerrors.ErrorTypeParse,
				"JSON reply failed schema validation: "+strings.Join(violations, "; "))
		}

		parsed = obj
		lastText = jsonText
		return nil
	})

	if err != nil {
		if parseFailure {
			return ExecResult{
				Content:    savepoint.String(lastText),
				JSONParsed: false,
				JSONErrors: lastFailure,
			}, nil
		}
		return ExecResult{}, err
	}

	return ExecResult{Content: savepoint.Structured(parsed), JSONParsed: true}, nil
}

// required returns the schema's required attribute list, nil-safe.
func (s *Schema) required() []string {
	if s == nil {
		return nil
	}
	return s.Required
}

// validateSchema checks per-attribute type expectations. Violations come
// back in attribute order so messages are stable.
func validateSchema(obj map[string]any, schema *Schema) []string {
	if schema == nil || len(schema.Types) == 0 {
		return nil
	}

	attrs := make([]string, 0, len(schema.Types))
	for attr := range schema.Types {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	var violations []string
	for _, attr := range attrs {
		value, present := obj[attr]
		if !present {
			continue
		}
		want := schema.Types[attr]
		if !matchesType(value, want) {
			violations = append(violations, fmt.Sprintf("attribute %q is not a %s", attr, want))
		}
	}
	return violations
}

func matchesType(value any, want FieldType) bool {
	switch want {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := value.(float64)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// parseObjectText parses text as a JSON object, salvaging the first balanced
// object from surrounding prose when a direct parse fails.
func parseObjectText(text string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, nil
	}

	extracted, ok := llm.ExtractJSON(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in saved content")
	}
	if err := json.Unmarshal([]byte(extracted), &obj); err != nil {
		return nil, fmt.Errorf("saved content is not a JSON object: %w", err)
	}
	return obj, nil
}
