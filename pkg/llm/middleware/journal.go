package middleware

import (
	"context"
	"time"

	"storywriter/pkg/llm"
	"storywriter/pkg/llm/llmerrors"
)

// CallRecord is one journaled model call.
type CallRecord struct {
	Story            string
	Stage            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Status           string // "success" or "error"
	ErrorType        string // classified type when Status is "error"
}

// JournalSink persists call records. The SQLite implementation lives in
// pkg/journal; recording must never fail the call, so the sink returns
// nothing.
type JournalSink interface {
	RecordCall(ctx context.Context, record CallRecord)
}

// Journal returns a middleware that writes one record per call to the sink.
func Journal(sink JournalSink) llm.Middleware {
	estimator := llm.DefaultEstimator()

	record := func(ctx context.Context, req *llm.Request, model string, resp *llm.Response, err error, duration time.Duration) {
		rec := CallRecord{
			Story:    storyLabel(ctx),
			Stage:    stageLabel(req),
			Model:    model,
			Duration: duration,
			Status:   statusSuccess,
		}
		if err != nil {
			rec.Status = statusError
			rec.ErrorType = llmerrors.TypeOf(err).String()
		}
		if resp != nil {
			rec.PromptTokens = resp.PromptTokens
			rec.CompletionTokens = resp.CompletionTokens
		}
		if rec.PromptTokens == 0 {
			rec.PromptTokens = estimator.Estimate(req.Messages)
		}
		sink.RecordCall(ctx, rec)
	}

	return func(next llm.Backend) llm.Backend {
		return llm.WrapBackend(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				record(ctx, &req, next.ModelName(), &resp, err, time.Since(start))
				return resp, err
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				chunks, err := next.Stream(ctx, req)
				if err != nil {
					record(ctx, &req, next.ModelName(), nil, err, time.Since(start))
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
							resp := llm.Response{CompletionTokens: estimator.EstimateText(streamed)}
							record(ctx, &req, next.ModelName(), &resp, chunk.Err, time.Since(start))
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
