// Package middleware provides composable wrappers around llm.Backend:
// request logging, Prometheus metrics, per-backend rate limiting, and call
// journaling. Wrappers pass errors through unchanged so classification done
// by the backend survives to the retry layer.
package middleware

import (
	"context"
	"time"

	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/logx"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	// promptLogBudget bounds how much prompt text reaches the debug log.
	promptLogBudget = 2000
)

// Logging returns a middleware that logs each call's shape and outcome.
// Prompt bodies only appear on the "llm" debug domain, sanitized.
func Logging(logger *logx.Logger) llm.Middleware {
	return func(next llm.Backend) llm.Backend {
		return llm.WrapBackend(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				logCallStart(ctx, next.ModelName(), &req)
				start := time.Now()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				if err != nil {
					logger.Warn("Call to %s failed after %.1fs (%s): %v",
						next.ModelName(), duration.Seconds(), llmerrors.TypeOf(err), err)
					return resp, err
				}

				logger.Debug("Call to %s done in %.1fs (%d prompt / %d completion tokens)",
					next.ModelName(), duration.Seconds(), resp.PromptTokens, resp.CompletionTokens)
				logx.Debug(ctx, "llm", "response from %s: %s",
					next.ModelName(), llmerrors.SanitizePrompt(resp.Content, promptLogBudget))
				return resp, nil
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				logCallStart(ctx, next.ModelName(), &req)
				start := time.Now()

				chunks, err := next.Stream(ctx, req)
				if err != nil {
					logger.Warn("Stream from %s failed to open (%s): %v",
						next.ModelName(), llmerrors.TypeOf(err), err)
					return nil, err
				}

				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					var chars int
					for chunk := range chunks {
						chars += len(chunk.Content)
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
						if chunk.Err != nil {
							logger.Warn("Stream from %s failed mid-flight (%s): %v",
								next.ModelName(), llmerrors.TypeOf(chunk.Err), chunk.Err)
							return
						}
						if chunk.Done {
							logger.Debug("Stream from %s done in %.1fs (%d chars)",
								next.ModelName(), time.Since(start).Seconds(), chars)
							return
						}
					}
				}()
				return out, nil
			},
			next.ModelName,
		)
	}
}

func logCallStart(ctx context.Context, model string, req *llm.Request) {
	stage := req.Options.StoryStage
	if stage == "" {
		stage = "unspecified"
	}
	logx.Debug(ctx, "llm", "calling %s (stage=%s, %d messages, json=%v)",
		model, stage, len(req.Messages), req.Options.JSONMode)
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		logx.Debug(ctx, "llm", "prompt tail: %s", llmerrors.SanitizePrompt(last.Content, promptLogBudget))
	}
}
