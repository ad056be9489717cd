package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"storywriter/pkg/config"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/logx"
)

// FormatJSON requests a JSON object reply.
const FormatJSON = "json"

// GenerateOpts carries per-call generation options. The zero value is a
// plain text completion with configured defaults.
type GenerateOpts struct {
	Seed      *int
	Format    string // "" or FormatJSON
	MinWords  int    // continuation trigger; 0 disables
	Stream    bool
	Debug     bool
	Stage     string // pipeline stage label carried to middleware
	NumCtx    int
	MaxTokens int
}

// Provider is the uniform LLM facade the pipeline calls. It owns option
// normalization, token budget reporting, think-tag stripping, the min-words
// continuation pass, and the post-call unload pause; the wrapped backend
// only speaks its own wire protocol.
type Provider struct {
	backend   Backend // middleware-wrapped call path
	raw       Backend // unwrapped, for capability assertions
	ref       config.ModelRef
	defaults  Defaults
	maxCtx    int
	estimator *TokenEstimator
	logger    *logx.Logger
}

// NewProvider wraps a backend (outermost-first middlewares applied) into a
// Provider for the given model reference. Capability probes (model checks,
// pulls, context caps) go against the raw backend since middleware wrappers
// hide the optional interfaces.
func NewProvider(backend Backend, ref config.ModelRef, defaults Defaults, middlewares ...Middleware) *Provider {
	maxCtx := 0
	if capper, ok := backend.(ContextCapper); ok {
		maxCtx = capper.MaxContextLength()
	}
	return &Provider{
		backend:   Chain(backend, middlewares...),
		raw:       backend,
		ref:       ref,
		defaults:  defaults,
		maxCtx:    maxCtx,
		estimator: DefaultEstimator(),
		logger:    logx.NewLogger("llm"),
	}
}

// ModelName returns the underlying model name.
func (p *Provider) ModelName() string { return p.backend.ModelName() }

// Ref returns the model reference this provider was built from.
func (p *Provider) Ref() config.ModelRef { return p.ref }

// GenerateText runs a completion and returns the final visible text.
// Replies shorter than opts.MinWords trigger exactly one continuation call
// whose output is appended; think spans are stripped either way.
func (p *Provider) GenerateText(ctx context.Context, messages []Message, opts GenerateOpts) (string, error) {
	if len(messages) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "empty message list")
	}

	content, err := p.completeOnce(ctx, messages, opts)
	if err != nil {
		return "", err
	}

	if opts.MinWords > 0 && countWords(content) < opts.MinWords {
		logx.Debug(ctx, "llm", "Reply has %d words, below minimum %d; requesting continuation",
			countWords(content), opts.MinWords)

		continued := slices.Clone(messages)
		continued = append(continued,
			NewAssistantMessage(content),
			NewUserMessage(continuationPrompt(opts.MinWords)),
		)
		more, contErr := p.completeOnce(ctx, continued, opts)
		if contErr != nil {
			return "", fmt.Errorf("continuation call: %w", contErr)
		}
		content = content + "\n\n" + more
	}

	return strings.TrimSpace(content), nil
}

// GenerateJSON runs a JSON-mode completion and parses the reply into an
// object. Non-JSON replies get one salvage attempt via balanced-brace
// extraction; requiredAttrs must all be present as top-level keys.
// Returns the parsed object and the raw (post-extraction) JSON text.
func (p *Provider) GenerateJSON(ctx context.Context, messages []Message, requiredAttrs []string, opts GenerateOpts) (map[string]any, string, error) {
	opts.Format = FormatJSON
	opts.MinWords = 0
	opts.Stream = false

	raw, err := p.GenerateText(ctx, messages, opts)
	if err != nil {
		return nil, "", err
	}

	parsed, jsonText, err := parseJSONObject(raw)
	if err != nil {
		return nil, raw, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeParse, err,
			"reply is not a JSON object")
	}

	var missing []string
	for _, attr := range requiredAttrs {
		if _, ok := parsed[attr]; !ok {
			missing = append(missing, attr)
		}
	}
	if len(missing) > 0 {
		return parsed, jsonText, llmerrors.NewError(llmerrors.ErrorTypeParse,
			fmt.Sprintf("JSON reply missing required attributes: %s", strings.Join(missing, ", ")))
	}

	return parsed, jsonText, nil
}

// StreamText streams the reply as filtered chunks: think spans are removed
// even when tags split across chunk boundaries. The channel closes after a
// Done chunk or an Err chunk.
func (p *Provider) StreamText(ctx context.Context, messages []Message, opts GenerateOpts) (<-chan StreamChunk, error) {
	if len(messages) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "empty message list")
	}

	req := p.buildRequest(messages, opts)
	raw, err := p.backend.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		filter := NewThinkFilter()
		idle := p.idleTimeout()
		timer := time.NewTimer(idle)
		defer timer.Stop()

		emit := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				emit(StreamChunk{Err: llmerrors.Classify(ctx.Err(), p.ref.Scheme)})
				return
			case <-timer.C:
				emit(StreamChunk{Err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "stream idle timeout")})
				return
			case chunk, ok := <-raw:
				if !ok {
					if tail := filter.Flush(); tail != "" {
						if !emit(StreamChunk{Content: tail}) {
							return
						}
					}
					emit(StreamChunk{Done: true})
					return
				}
				if chunk.Err != nil {
					emit(StreamChunk{Err: chunk.Err})
					return
				}
				if visible := filter.Feed(chunk.Content); visible != "" {
					if !emit(StreamChunk{Content: visible}) {
						return
					}
				}
				if chunk.Done {
					if tail := filter.Flush(); tail != "" {
						if !emit(StreamChunk{Content: tail}) {
							return
						}
					}
					emit(StreamChunk{Done: true})
					return
				}
				// Every chunk resets the idle clock.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)
			}
		}
	}()
	return out, nil
}

// MultistepConversation threads an explicit transcript: optional system
// message, then alternating user/assistant turns. Each user message is
// answered against the accumulated transcript; the final reply and the full
// transcript are returned.
func (p *Provider) MultistepConversation(ctx context.Context, userMessages []string, systemMessage string, opts GenerateOpts) (string, []Message, error) {
	if len(userMessages) == 0 {
		return "", nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user messages")
	}

	var transcript []Message
	if systemMessage != "" {
		transcript = append(transcript, NewSystemMessage(systemMessage))
	}

	var last string
	for _, userMsg := range userMessages {
		transcript = append(transcript, NewUserMessage(userMsg))
		reply, err := p.GenerateText(ctx, transcript, opts)
		if err != nil {
			return "", transcript, err
		}
		transcript = append(transcript, NewAssistantMessage(reply))
		last = reply
	}
	return last, transcript, nil
}

// ContinueConversation answers one follow-up against a copy of an existing
// transcript, returning the reply and the extended transcript. The input
// transcript is not mutated, so several follow-ups can branch from the same
// base as siblings.
func (p *Provider) ContinueConversation(ctx context.Context, transcript []Message, userMessage string, opts GenerateOpts) (string, []Message, error) {
	messages := slices.Clone(transcript)
	messages = append(messages, NewUserMessage(userMessage))

	reply, err := p.GenerateText(ctx, messages, opts)
	if err != nil {
		return "", nil, err
	}
	return reply, append(messages, NewAssistantMessage(reply)), nil
}

// IsModelAvailable probes whether the model can serve. Backends without a
// probe (hosted APIs) are assumed available.
func (p *Provider) IsModelAvailable(ctx context.Context) bool {
	if checker, ok := p.raw.(ModelChecker); ok {
		present, err := checker.HasModel(ctx)
		if err != nil {
			p.logger.Debug("Model availability probe failed for %s: %v", p.ModelName(), err)
			return false
		}
		return present
	}
	return true
}

// DownloadModel pulls the model when the backend supports it; otherwise a
// no-op.
func (p *Provider) DownloadModel(ctx context.Context) error {
	puller, ok := p.raw.(ModelPuller)
	if !ok {
		p.logger.Debug("Model download not supported for %s, skipping", p.ref.Scheme)
		return nil
	}
	p.logger.Info("📥 Pulling model %s", p.ModelName())
	return puller.PullModel(ctx, func(status string) {
		p.logger.Debug("pull %s: %s", p.ModelName(), status)
	})
}

// completeOnce performs a single normalized backend call (streamed or not)
// and returns the think-stripped text.
func (p *Provider) completeOnce(ctx context.Context, messages []Message, opts GenerateOpts) (string, error) {
	req := p.buildRequest(messages, opts)

	estimate := p.estimator.Estimate(messages)
	CheckContextBudget(p.logger, p.ModelName(), estimate, req.Options.NumCtx)

	var content string
	if opts.Stream {
		chunks, err := p.backend.Stream(ctx, req)
		if err != nil {
			return "", err
		}
		raw, err := p.drainStream(ctx, chunks, opts.Debug)
		if err != nil {
			return "", err
		}
		content = StripThink(raw)
	} else {
		callCtx := ctx
		if p.defaults.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.defaults.CallTimeout)
			defer cancel()
		}
		resp, err := p.backend.Complete(callCtx, req)
		if err != nil {
			return "", err
		}
		content = StripThink(resp.Content)
	}

	p.pauseForUnload(ctx)

	if strings.TrimSpace(content) == "" {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "backend returned no visible content")
	}
	return content, nil
}

// drainStream consumes a raw backend stream with an idle timeout reset on
// every chunk. Content accumulates unfiltered; the caller strips think
// spans from the whole, which handles orphan closers exactly where a
// streaming filter cannot.
func (p *Provider) drainStream(ctx context.Context, chunks <-chan StreamChunk, debug bool) (string, error) {
	var sb strings.Builder

	idle := p.idleTimeout()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", llmerrors.Classify(ctx.Err(), p.ref.Scheme)
		case <-timer.C:
			return "", llmerrors.NewError(llmerrors.ErrorTypeTransient, "stream idle timeout")
		case chunk, ok := <-chunks:
			if !ok {
				return sb.String(), nil
			}
			if chunk.Err != nil {
				return "", chunk.Err
			}
			if chunk.Content != "" {
				sb.WriteString(chunk.Content)
				if debug {
					logx.Debug(ctx, "llm", "chunk: %s", chunk.Content)
				}
			}
			if chunk.Done {
				return sb.String(), nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		}
	}
}

func (p *Provider) buildRequest(messages []Message, opts GenerateOpts) Request {
	req := Request{
		Messages: messages,
		Options: Options{
			Seed:       opts.Seed,
			NumCtx:     opts.NumCtx,
			MaxTokens:  opts.MaxTokens,
			JSONMode:   opts.Format == FormatJSON,
			StoryStage: opts.Stage,
		},
	}
	NormalizeOptions(&req, p.ref, p.maxCtx, p.defaults, p.logger)
	return req
}

func (p *Provider) idleTimeout() time.Duration {
	if p.defaults.StreamIdle > 0 {
		return p.defaults.StreamIdle
	}
	return 300 * time.Second
}

// pauseForUnload gives the local daemon a beat to unload after keep_alive=0
// calls. Hosted backends skip it.
func (p *Provider) pauseForUnload(ctx context.Context) {
	if p.ref.Scheme != config.SchemeOllama {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(unloadPause):
	}
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func continuationPrompt(minWords int) string {
	return fmt.Sprintf(
		"Continue exactly from where you stopped. Do not repeat or summarize what you already wrote; "+
			"carry the text forward until the whole passage reaches at least %d words.", minWords)
}

// parseJSONObject decodes a reply as a JSON object, salvaging via
// balanced-brace extraction when the reply wraps the object in prose.
func parseJSONObject(raw string) (map[string]any, string, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed, raw, nil
	}

	extracted, ok := ExtractJSON(raw)
	if !ok {
		return nil, "", fmt.Errorf("no JSON object found in reply")
	}
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return nil, "", fmt.Errorf("extracted candidate does not parse: %w", err)
	}
	return parsed, extracted, nil
}
