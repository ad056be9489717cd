package middleware

import (
	"context"
	"time"

	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
	"storywriter/pkg/logx"
)

// MetricsRecorder receives one observation per completed call. The
// Prometheus implementation lives in pkg/metrics; tests substitute fakes.
type MetricsRecorder interface {
	ObserveRequest(model, story, stage string,
		promptTokens, completionTokens int,
		success bool, errorType string, duration time.Duration)
}

// Metrics returns a middleware that records per-call counters and latency.
// Token counts come from the backend when reported, else from the shared
// estimator.
func Metrics(recorder MetricsRecorder) llm.Middleware {
	estimator := llm.DefaultEstimator()

	return func(next llm.Backend) llm.Backend {
		return llm.WrapBackend(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				promptTokens := resp.PromptTokens
				if promptTokens == 0 {
					promptTokens = estimator.Estimate(req.Messages)
				}
				completionTokens := resp.CompletionTokens
				if completionTokens == 0 && resp.Content != "" {
					completionTokens = estimator.EstimateText(resp.Content)
				}

				errorType := ""
				if err != nil {
					errorType = llmerrors.TypeOf(err).String()
				}
				recorder.ObserveRequest(next.ModelName(), storyLabel(ctx), stageLabel(&req),
					promptTokens, completionTokens, err == nil, errorType, duration)
				return resp, err
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				chunks, err := next.Stream(ctx, req)
				if err != nil {
					recorder.ObserveRequest(next.ModelName(), storyLabel(ctx), stageLabel(&req),
						estimator.Estimate(req.Messages), 0, false, llmerrors.TypeOf(err).String(), time.Since(start))
					return nil, err
				}

				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					var streamed string
					for chunk := range chunks {
						streamed += chunk.Content
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
						if chunk.Err != nil || chunk.Done {
							errorType := ""
							if chunk.Err != nil {
								errorType = llmerrors.TypeOf(chunk.Err).String()
							}
							recorder.ObserveRequest(next.ModelName(), storyLabel(ctx), stageLabel(&req),
								estimator.Estimate(req.Messages), estimator.EstimateText(streamed),
								chunk.Err == nil, errorType, time.Since(start))
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

func storyLabel(ctx context.Context) string {
	if story := logx.StoryFromContext(ctx); story != "" {
		return story
	}
	return "none"
}

func stageLabel(req *llm.Request) string {
	if req.Options.StoryStage != "" {
		return req.Options.StoryStage
	}
	return "unspecified"
}
