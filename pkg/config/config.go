// Package config provides configuration loading, validation, and management
// for the story pipeline.
//
// A single global Config is loaded once at startup and accessed by value
// (GetConfig returns a copy) so callers cannot mutate shared state. The only
// sanctioned mutation after load is UpdateVectorDimensions, which the
// embedding probe uses when the provider's actual dimension disagrees with
// the configured one; it persists the corrected file atomically.
//
// Model endpoints are URI-style strings (see ParseModelRef) resolved per
// role through ModelFor, with a "default" role as fallback. Secrets (API
// keys, database URL) are never part of the YAML file: they come from the
// encrypted secrets file or environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"storywriter/pkg/logx"
)

// Model roles. Each pipeline stage asks for its model by role; unset roles
// fall back to RoleDefault.
const (
	RoleDefault        = "default"
	RoleOutline        = "outline"
	RoleChapterOutline = "chapter_outline"
	RoleScene          = "scene"
	RoleLogical        = "logical"
	RoleInfo           = "info"
	RoleChecker        = "checker"
	RoleEmbedding      = "embedding"
	RoleCrossEncoder   = "cross_encoder"
)

// Defaults applied by applyDefaults when the file leaves a field zero.
const (
	DefaultChapters         = 10
	DefaultMinSceneWords    = 500
	DefaultMaxEventAgeDays  = 30
	DefaultContextLength    = 8192
	DefaultChunkSize        = 1000
	DefaultChunkOverlap     = 200
	DefaultSearchLimit      = 10
	DefaultSearchThreshold  = 0.7
	DefaultPoolSize         = 8
	DefaultVectorDimensions = 1536
	DefaultProviderTimeout  = 300 // seconds
	DefaultStreamIdle       = 300 // seconds
	DefaultEmbeddingTimeout = 60  // seconds
	DefaultRerankStrategy   = "hybrid"
)

// Config is the root configuration object, loaded from YAML.
type Config struct {
	SchemaVersion int `yaml:"schema_version"`

	// Models maps a role name to a model endpoint string
	// (ollama://model[@host], openai-compatible://model[@host],
	// llama-cpp://model[@host], langchain://provider/model).
	Models map[string]string `yaml:"models" validate:"required,dive,required"`

	ModelDefaults ModelDefaultsConfig `yaml:"model_defaults"`
	Generation    GenerationConfig    `yaml:"generation"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	RAG           RAGConfig           `yaml:"rag"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Paths         PathsConfig         `yaml:"paths"`
}

// ModelDefaultsConfig carries per-call option defaults injected by the
// provider when a call does not set them explicitly.
type ModelDefaultsConfig struct {
	ContextLength int `yaml:"context_length" validate:"omitempty,min=256"`
}

// GenerationConfig controls the shape of the generated story.
type GenerationConfig struct {
	Chapters            int  `yaml:"chapters" validate:"omitempty,min=1,max=200"`
	MinSceneWords       int  `yaml:"min_scene_words" validate:"omitempty,min=1"`
	WantedChapterWords  int  `yaml:"wanted_chapter_words"`
	MaxEventAgeDays     int  `yaml:"max_event_age_days" validate:"omitempty,min=1"`
	Seed                int  `yaml:"seed"`
	RandomizeSeed       bool `yaml:"randomize_seed"`
	ProgressivePlanning bool `yaml:"progressive_planning"`
	MultiStageRecap     bool `yaml:"multi_stage_recap"`
	ParallelScenes      bool `yaml:"parallel_scenes"`
}

// VectorStoreConfig configures the pgvector-backed chunk store. DatabaseURL
// may be overridden by STORYWRITER_DB_URL.
type VectorStoreConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DatabaseURL      string `yaml:"database_url"`
	PoolSize         int    `yaml:"pool_size" validate:"omitempty,min=1,max=64"`
	VectorDimensions int    `yaml:"vector_dimensions" validate:"omitempty,min=1,max=16384"`
}

// RAGConfig controls chunking, search, and reranking.
type RAGConfig struct {
	ChunkSize       int           `yaml:"chunk_size" validate:"omitempty,min=100"`
	ChunkOverlap    int           `yaml:"chunk_overlap" validate:"omitempty,min=0"`
	SearchLimit     int           `yaml:"search_limit" validate:"omitempty,min=1"`
	SearchThreshold float64       `yaml:"search_threshold" validate:"omitempty,min=0,max=1"`
	RerankStrategy  string        `yaml:"rerank_strategy" validate:"omitempty,oneof=hybrid keyword metadata semantic cross_encoder"`
	RerankWeights   RerankWeights `yaml:"rerank_weights"`
}

// RerankWeights are the rule-based reranker mixing weights.
type RerankWeights struct {
	Similarity float64 `yaml:"similarity" validate:"omitempty,min=0,max=1"`
	Keyword    float64 `yaml:"keyword" validate:"omitempty,min=0,max=1"`
	Metadata   float64 `yaml:"metadata" validate:"omitempty,min=0,max=1"`
}

// TimeoutsConfig holds call deadlines in seconds.
type TimeoutsConfig struct {
	ProviderCallSeconds int `yaml:"provider_call_seconds" validate:"omitempty,min=1"`
	StreamIdleSeconds   int `yaml:"stream_idle_seconds" validate:"omitempty,min=1"`
	EmbeddingSeconds    int `yaml:"embedding_seconds" validate:"omitempty,min=1"`
}

// ProviderCall returns the per-call deadline as a duration.
func (t TimeoutsConfig) ProviderCall() time.Duration {
	return time.Duration(t.ProviderCallSeconds) * time.Second
}

// StreamIdle returns the idle deadline between streamed chunks.
func (t TimeoutsConfig) StreamIdle() time.Duration {
	return time.Duration(t.StreamIdleSeconds) * time.Second
}

// Embedding returns the embedding call deadline.
func (t TimeoutsConfig) Embedding() time.Duration {
	return time.Duration(t.EmbeddingSeconds) * time.Second
}

// MetricsConfig configures the optional /metrics endpoint and the Prometheus
// server the usage query service reads from.
type MetricsConfig struct {
	Addr          string `yaml:"addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// PathsConfig locates on-disk assets.
type PathsConfig struct {
	SavepointRoot      string `yaml:"savepoint_root"`
	PromptsDir         string `yaml:"prompts_dir"`
	CritiquePromptsDir string `yaml:"critique_prompts_dir"`
}

// Global config instance with mutex protection. configPath is set once by
// LoadConfig so UpdateVectorDimensions can persist corrections.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	configPath string
	logger     *logx.Logger
	mu         sync.RWMutex
)

// getLogger returns the config logger, initializing it if needed.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// GetConfig returns a copy of the loaded configuration. Callers must not
// expect mutations on the copy to take effect.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not loaded - call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTesting installs a config without touching the filesystem.
// Test helper only.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	configPath = ""
	if cfg != nil {
		applyDefaults(cfg)
	}
}

// ModelFor resolves the endpoint for a role, falling back to the "default"
// role when the specific one is not configured.
func (c *Config) ModelFor(role string) (ModelRef, error) {
	raw, ok := c.Models[role]
	if !ok || raw == "" {
		raw, ok = c.Models[RoleDefault]
		if !ok || raw == "" {
			return ModelRef{}, fmt.Errorf("no model configured for role %q and no default set", role)
		}
	}
	return ParseModelRef(raw)
}

// UpdateVectorDimensions corrects the configured embedding dimension after a
// startup probe disagrees with it, and persists the config file when one was
// loaded from disk. Warns loudly since a mismatch usually means the embedding
// model changed without running the migration tool.
func UpdateVectorDimensions(actual int) error {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return fmt.Errorf("config not loaded - call LoadConfig first")
	}
	if config.VectorStore.VectorDimensions == actual {
		return nil
	}

	getLogger().Warn("⚠️  Embedding provider reports %d dimensions but config says %d; updating config",
		actual, config.VectorStore.VectorDimensions)
	config.VectorStore.VectorDimensions = actual

	if configPath == "" {
		return nil
	}
	return saveConfigLocked()
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	if cfg.ModelDefaults.ContextLength == 0 {
		cfg.ModelDefaults.ContextLength = DefaultContextLength
	}
	if cfg.Generation.Chapters == 0 {
		cfg.Generation.Chapters = DefaultChapters
	}
	if cfg.Generation.MinSceneWords == 0 {
		cfg.Generation.MinSceneWords = DefaultMinSceneWords
	}
	if cfg.Generation.MaxEventAgeDays == 0 {
		cfg.Generation.MaxEventAgeDays = DefaultMaxEventAgeDays
	}
	if cfg.VectorStore.PoolSize == 0 {
		cfg.VectorStore.PoolSize = DefaultPoolSize
	}
	if cfg.VectorStore.VectorDimensions == 0 {
		cfg.VectorStore.VectorDimensions = DefaultVectorDimensions
	}
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = DefaultChunkSize
	}
	if cfg.RAG.ChunkOverlap == 0 {
		cfg.RAG.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.RAG.SearchLimit == 0 {
		cfg.RAG.SearchLimit = DefaultSearchLimit
	}
	if cfg.RAG.SearchThreshold == 0 {
		cfg.RAG.SearchThreshold = DefaultSearchThreshold
	}
	if cfg.RAG.RerankStrategy == "" {
		cfg.RAG.RerankStrategy = DefaultRerankStrategy
	}
	if cfg.RAG.RerankWeights == (RerankWeights{}) {
		cfg.RAG.RerankWeights = RerankWeights{Similarity: 0.5, Keyword: 0.3, Metadata: 0.2}
	}
	if cfg.Timeouts.ProviderCallSeconds == 0 {
		cfg.Timeouts.ProviderCallSeconds = DefaultProviderTimeout
	}
	if cfg.Timeouts.StreamIdleSeconds == 0 {
		cfg.Timeouts.StreamIdleSeconds = DefaultStreamIdle
	}
	if cfg.Timeouts.EmbeddingSeconds == 0 {
		cfg.Timeouts.EmbeddingSeconds = DefaultEmbeddingTimeout
	}
	if cfg.Paths.SavepointRoot == "" {
		cfg.Paths.SavepointRoot = "stories"
	}
	if cfg.Paths.PromptsDir == "" {
		cfg.Paths.PromptsDir = "prompts"
	}
	if cfg.Paths.CritiquePromptsDir == "" {
		cfg.Paths.CritiquePromptsDir = "prompts-critique"
	}
}

// applyEnvOverrides lets environment variables override file-sourced values.
func applyEnvOverrides(cfg *Config) {
	if dbURL := os.Getenv("STORYWRITER_DB_URL"); dbURL != "" {
		cfg.VectorStore.DatabaseURL = dbURL
	}
	if root := os.Getenv("STORYWRITER_SAVEPOINT_ROOT"); root != "" {
		cfg.Paths.SavepointRoot = root
	}
}
