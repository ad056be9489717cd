// Package metrics provides Prometheus-based metrics recording for pipeline
// operations.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storywriter/pkg/logx"
)

// Recorder records pipeline metrics on the default Prometheus registry.
// It implements middleware.MetricsRecorder for provider calls and adds
// domain counters for savepoint reuse and RAG indexing.
type Recorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	savepointHits   *prometheus.CounterVec
	chunksIndexed   *prometheus.CounterVec
}

var (
	// Singleton instance and initialization synchronization. promauto
	// registers on the default registry, which panics on duplicates.
	recorderInstance *Recorder //nolint:gochecknoglobals
	recorderOnce     sync.Once //nolint:gochecknoglobals
)

// NewRecorder returns the process-wide metrics recorder.
func NewRecorder() *Recorder {
	recorderOnce.Do(func() {
		recorderInstance = &Recorder{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_requests_total",
					Help: "Total number of provider requests by model, story, stage, and status",
				},
				[]string{"model", "story", "stage", "status", "error_type"},
			),
			tokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_tokens_total",
					Help: "Total number of tokens used in provider requests",
				},
				[]string{"model", "story", "stage", "type"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_request_duration_seconds",
					Help:    "Duration of provider requests in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"model", "story", "stage"},
			),
			savepointHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "savepoint_hits_total",
					Help: "Total number of stages served from savepoints instead of a provider call",
				},
				[]string{"story"},
			),
			chunksIndexed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rag_chunks_indexed_total",
					Help: "Total number of chunks embedded and stored in the vector database",
				},
				[]string{"story", "content_type"},
			),
		}
	})
	return recorderInstance
}

// ObserveRequest records metrics for a completed provider request.
func (r *Recorder) ObserveRequest(
	model, story, stage string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	r.requestsTotal.WithLabelValues(model, story, stage, status, errorType).Inc()

	// Token counts are only meaningful for completed calls.
	if success {
		r.tokensTotal.WithLabelValues(model, story, stage, "prompt").Add(float64(promptTokens))
		r.tokensTotal.WithLabelValues(model, story, stage, "completion").Add(float64(completionTokens))
	}

	r.requestDuration.WithLabelValues(model, story, stage).Observe(duration.Seconds())
}

// IncSavepointHit counts a stage answered from its savepoint.
func (r *Recorder) IncSavepointHit(story string) {
	r.savepointHits.WithLabelValues(story).Inc()
}

// AddChunksIndexed counts chunks written to the vector store.
func (r *Recorder) AddChunksIndexed(story, contentType string, count int) {
	r.chunksIndexed.WithLabelValues(story, contentType).Add(float64(count))
}

// Serve exposes the default registry on addr at /metrics until ctx is
// cancelled. Bind and serve errors are logged, not returned; the endpoint
// is an optional observer and must never stop a run.
func Serve(ctx context.Context, addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("Serving metrics on %s/metrics", addr)

	// Start server in a goroutine (non-blocking).
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error: %v", err)
		}
	}()

	// Start graceful shutdown handler in background.
	go func() {
		<-ctx.Done()
		// Use a background context with timeout since the parent is
		// already cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error: %v", err)
		}
	}()
}
