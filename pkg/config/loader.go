package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads the YAML config at path into the global singleton. A .env
// file next to the config (or in the working directory) is loaded first so
// env overrides and API keys can live there. Model endpoints are parsed
// eagerly so malformed references fail at startup, not mid-pipeline.
func LoadConfig(path string) error {
	mu.Lock()
	defer mu.Unlock()

	loadDotenv(path)

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	config = cfg
	configPath = path
	getLogger().Info("📦 Loaded config from %s (%d model roles)", path, len(cfg.Models))
	return nil
}

// loadDotenv loads a .env beside the config file, then one from the working
// directory. Both are optional; existing env vars are never overwritten.
func loadDotenv(configFile string) {
	candidates := []string{}
	if dir := filepath.Dir(configFile); dir != "" && dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	candidates = append(candidates, ".env")

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			getLogger().Warn("Failed to load %s: %v", candidate, err)
		}
	}
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// validateConfig runs struct-tag validation plus the checks tags can't
// express: every model endpoint must parse, and an enabled vector store
// needs a database URL from somewhere.
func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("field %s fails %q constraint", first.Namespace(), first.Tag())
		}
		return err
	}

	for role, raw := range cfg.Models {
		if _, err := ParseModelRef(raw); err != nil {
			return fmt.Errorf("models.%s: %w", role, err)
		}
	}
	if _, ok := cfg.Models[RoleDefault]; !ok {
		return fmt.Errorf("models must include a %q entry", RoleDefault)
	}

	if cfg.VectorStore.Enabled && cfg.VectorStore.DatabaseURL == "" {
		return fmt.Errorf("vector_store.enabled requires vector_store.database_url or STORYWRITER_DB_URL")
	}

	if cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap (%d) must be smaller than rag.chunk_size (%d)",
			cfg.RAG.ChunkOverlap, cfg.RAG.ChunkSize)
	}

	return nil
}

// saveConfigLocked writes the in-memory config back to configPath. Caller
// must hold mu. Atomic via temp file + rename so a crash cannot leave a
// truncated config.
func saveConfigLocked() error {
	if configPath == "" {
		return fmt.Errorf("no config path recorded")
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
