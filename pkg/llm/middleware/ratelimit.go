package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"storywriter/pkg/llm"
	"storywriter/pkg/logx"
)

// hostLimiters shares one token bucket per backend host so every provider
// talking to the same daemon drains the same budget.
//
//nolint:gochecknoglobals // Process-wide budget is the point
var (
	hostLimitersMu sync.Mutex
	hostLimiters   = map[string]*rate.Limiter{}
)

func limiterForHost(host string, rps float64, burst int) *rate.Limiter {
	hostLimitersMu.Lock()
	defer hostLimitersMu.Unlock()
	if limiter, ok := hostLimiters[host]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	hostLimiters[host] = limiter
	return limiter
}

// RateLimit returns a middleware that gates calls to one host through a
// shared token bucket. Hosted APIs get real limits; local daemons mostly
// use this to stop pull/generate storms during parallel scene work.
func RateLimit(host string, rps float64, burst int, logger *logx.Logger) llm.Middleware {
	limiter := limiterForHost(host, rps, burst)

	wait := func(ctx context.Context, model string) error {
		start := time.Now()
		if err := limiter.Wait(ctx); err != nil {
			return err //nolint:wrapcheck // Middleware passes errors through unchanged
		}
		if waited := time.Since(start); waited > time.Second {
			logger.Debug("Rate limit held %s call to %s for %.1fs", model, host, waited.Seconds())
		}
		return nil
	}

	return func(next llm.Backend) llm.Backend {
		return llm.WrapBackend(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				if err := wait(ctx, next.ModelName()); err != nil {
					return llm.Response{}, err
				}
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				if err := wait(ctx, next.ModelName()); err != nil {
					return nil, err
				}
				return next.Stream(ctx, req)
			},
			next.ModelName,
		)
	}
}
