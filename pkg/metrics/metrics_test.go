package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecorderReturnsSingleton(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()
	assert.Same(t, first, second)
}

// counterValue walks the default registry for a counter sample matching
// every given label pair. Returns -1 when no sample matches.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			have := make(map[string]string)
			for _, l := range m.GetLabel() {
				have[l.GetName()] = l.GetValue()
			}
			matched := true
			for k, v := range labels {
				if have[k] != v {
					matched = false
					break
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func TestObserveRequestRecordsTokensOnSuccess(t *testing.T) {
	r := NewRecorder()

	r.ObserveRequest("qwen3:8b", "dragon-tale", "chapter_1_scene_2", 120, 480, true, "", 2*time.Second)

	got := counterValue(t, "llm_requests_total", map[string]string{
		"model":  "qwen3:8b",
		"story":  "dragon-tale",
		"stage":  "chapter_1_scene_2",
		"status": "success",
	})
	assert.Equal(t, float64(1), got)

	prompt := counterValue(t, "llm_tokens_total", map[string]string{
		"story": "dragon-tale",
		"stage": "chapter_1_scene_2",
		"type":  "prompt",
	})
	assert.Equal(t, float64(120), prompt)

	completion := counterValue(t, "llm_tokens_total", map[string]string{
		"story": "dragon-tale",
		"stage": "chapter_1_scene_2",
		"type":  "completion",
	})
	assert.Equal(t, float64(480), completion)
}

func TestObserveRequestSkipsTokensOnError(t *testing.T) {
	r := NewRecorder()

	r.ObserveRequest("qwen3:8b", "failed-story", "outline", 50, 0, false, "transient", time.Second)

	got := counterValue(t, "llm_requests_total", map[string]string{
		"story":      "failed-story",
		"status":     "error",
		"error_type": "transient",
	})
	assert.Equal(t, float64(1), got)

	prompt := counterValue(t, "llm_tokens_total", map[string]string{
		"story": "failed-story",
		"type":  "prompt",
	})
	assert.Equal(t, float64(-1), prompt, "error calls should not record token counts")
}

func TestDomainCounters(t *testing.T) {
	r := NewRecorder()

	r.IncSavepointHit("resumed-story")
	r.IncSavepointHit("resumed-story")
	r.AddChunksIndexed("resumed-story", "character_sheet", 7)

	hits := counterValue(t, "savepoint_hits_total", map[string]string{"story": "resumed-story"})
	assert.Equal(t, float64(2), hits)

	chunks := counterValue(t, "rag_chunks_indexed_total", map[string]string{
		"story":        "resumed-story",
		"content_type": "character_sheet",
	})
	assert.Equal(t, float64(7), chunks)
}
