package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storywriter/pkg/config"
	"storywriter/pkg/logx"
)

func testRef(t *testing.T, endpoint string) config.ModelRef {
	t.Helper()
	ref, err := config.ParseModelRef(endpoint)
	require.NoError(t, err)
	return ref
}

func TestNormalizeOptionsDefaults(t *testing.T) {
	ref := testRef(t, "ollama://mistral:7b")
	req := Request{Messages: []Message{NewUserMessage("hi")}}

	NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 8192}, logx.NewLogger("test"))

	assert.Equal(t, 8192, req.Options.NumCtx)
	require.NotNil(t, req.Options.Temperature)
	assert.InDelta(t, TemperatureDefault, *req.Options.Temperature, 0.001)
	require.NotNil(t, req.Options.TopP)
	assert.InDelta(t, TopPDefault, *req.Options.TopP, 0.001)
	assert.Nil(t, req.Options.Seed)
	assert.Nil(t, req.Options.Think)
}

func TestNormalizeOptionsJSONTemperature(t *testing.T) {
	ref := testRef(t, "ollama://mistral:7b")
	req := Request{Options: Options{JSONMode: true}}

	NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 4096}, logx.NewLogger("test"))

	require.NotNil(t, req.Options.Temperature)
	assert.InDelta(t, TemperatureJSON, *req.Options.Temperature, 0.001)
}

func TestNormalizeOptionsExplicitValuesKept(t *testing.T) {
	ref := testRef(t, "ollama://mistral:7b")
	req := Request{Options: Options{
		Temperature: FloatPtr(1.2),
		TopP:        FloatPtr(0.5),
		NumCtx:      2048,
	}}

	NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 8192}, logx.NewLogger("test"))

	assert.InDelta(t, 1.2, *req.Options.Temperature, 0.001)
	assert.InDelta(t, 0.5, *req.Options.TopP, 0.001)
	assert.Equal(t, 2048, req.Options.NumCtx)
}

func TestNormalizeOptionsClampsToBackendCap(t *testing.T) {
	ref := testRef(t, "langchain://anthropic/claude-sonnet")
	req := Request{Options: Options{NumCtx: 500000}}

	NormalizeOptions(&req, ref, 200000, Defaults{ContextLength: 8192}, logx.NewLogger("test"))

	assert.Equal(t, 200000, req.Options.NumCtx)
}

func TestNormalizeOptionsSeedOffset(t *testing.T) {
	ref := testRef(t, "ollama://mistral:7b")
	base := 42

	for i := 0; i < 20; i++ {
		req := Request{Options: Options{Seed: &base}}
		NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 4096, RandomizeSeed: true}, logx.NewLogger("test"))

		require.NotNil(t, req.Options.Seed)
		assert.Greater(t, *req.Options.Seed, base)
		assert.LessOrEqual(t, *req.Options.Seed, base+10000)
	}

	// The caller's seed variable must never be touched.
	assert.Equal(t, 42, base)
}

func TestNormalizeOptionsStaticSeed(t *testing.T) {
	ref := testRef(t, "ollama://mistral:7b?static_seed=true")
	seed := 42
	req := Request{Options: Options{Seed: &seed}}

	NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 4096, RandomizeSeed: true}, logx.NewLogger("test"))

	assert.Equal(t, 42, *req.Options.Seed)
}

func TestNormalizeOptionsNoRandomization(t *testing.T) {
	ref := testRef(t, "ollama://mistral:7b")
	seed := 7
	req := Request{Options: Options{Seed: &seed}}

	NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 4096, RandomizeSeed: false}, logx.NewLogger("test"))

	assert.Equal(t, 7, *req.Options.Seed)
}

func TestNormalizeOptionsThinkingFamily(t *testing.T) {
	tests := []struct {
		endpoint string
		want     *bool
	}{
		{"ollama://qwen3:8b", BoolPtr(true)},
		{"ollama://deepseek-r1:14b", BoolPtr(true)},
		{"ollama://qwq", BoolPtr(true)},
		{"ollama://mistral:7b", nil},
		{"ollama://llama3.1:8b", nil},
		{"ollama://qwen3:8b?think=off", BoolPtr(false)},
		{"ollama://mistral:7b?think=on", BoolPtr(true)},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			ref := testRef(t, tt.endpoint)
			req := Request{}
			NormalizeOptions(&req, ref, 0, Defaults{ContextLength: 4096}, logx.NewLogger("test"))

			if tt.want == nil {
				assert.Nil(t, req.Options.Think)
			} else {
				require.NotNil(t, req.Options.Think)
				assert.Equal(t, *tt.want, *req.Options.Think)
			}
		})
	}
}

func TestIsThinkingFamily(t *testing.T) {
	assert.True(t, IsThinkingFamily("qwen3:32b"))
	assert.True(t, IsThinkingFamily("QwQ"))
	assert.True(t, IsThinkingFamily("deepseek-r1"))
	assert.False(t, IsThinkingFamily("qwen2.5:7b"))
	assert.False(t, IsThinkingFamily("mistral-nemo"))
}
