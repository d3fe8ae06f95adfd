// Package config assembles the process configuration from defaults, an
// optional YAML file and environment variables, in that order of
// precedence, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nerdlabs-ai/ainerd/common/environment"
)

// FileEnv names the environment variable pointing at the YAML file.
const FileEnv = "AINERD_CONFIG"

// Config is the full configuration of the memory host.
type Config struct {
	DBPath   string `yaml:"db_path" validate:"required"`
	HTTPAddr string `yaml:"http_addr"`

	Memory    MemoryConfig    `yaml:"memory"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Log       LogConfig       `yaml:"log"`

	// MasterKey is the 32-byte memory encryption key. It is never read
	// from the YAML file.
	MasterKey []byte `yaml:"-"`
}

type MemoryConfig struct {
	Limit         int           `yaml:"limit" validate:"min=1,max=500"`
	TopK          int           `yaml:"top_k" validate:"min=1,max=50"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=1s"`
	EmbedTimeout  time.Duration `yaml:"embed_timeout" validate:"min=100ms"`
	StrictDecode  bool          `yaml:"strict_decode"`
}

type EmbeddingConfig struct {
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url" validate:"omitempty,url"`
	Model         string  `yaml:"model" validate:"required"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int     `yaml:"burst" validate:"min=1"`
	MaxAttempts   int     `yaml:"max_attempts" validate:"min=1,max=10"`
	CacheSize     int     `yaml:"cache_size" validate:"min=0"`
}

// Enabled reports whether a real embedding provider is configured.
func (e EmbeddingConfig) Enabled() bool {
	return e.APIKey != "" || e.BaseURL != ""
}

type KnowledgeConfig struct {
	TopK  int      `yaml:"top_k" validate:"min=1,max=50"`
	Items []string `yaml:"items" validate:"dive,required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath: "data/storage.db",
		Memory: MemoryConfig{
			Limit:         100,
			TopK:          3,
			FlushInterval: 30 * time.Second,
			EmbedTimeout:  15 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model:         "text-embedding-3-small",
			RatePerSecond: 5,
			Burst:         10,
			MaxAttempts:   3,
			CacheSize:     1024,
		},
		Knowledge: KnowledgeConfig{TopK: 3},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// AINERD_CONFIG (if set), then environment overrides. The master key is not
// loaded here; see crypto.LoadMasterKey.
func Load() (*Config, error) {
	cfg := Default()

	if path := environment.StringOr(FileEnv, ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DBPath = environment.StringOr("AINERD_DB_PATH", c.DBPath)
	c.HTTPAddr = environment.StringOr("AINERD_HTTP_ADDR", c.HTTPAddr)

	c.Memory.Limit = environment.IntOr("AINERD_MEMORY_LIMIT", c.Memory.Limit)
	c.Memory.TopK = environment.IntOr("AINERD_MEMORY_TOP_K", c.Memory.TopK)
	c.Memory.FlushInterval = environment.DurationOr("AINERD_FLUSH_INTERVAL", c.Memory.FlushInterval)
	c.Memory.EmbedTimeout = environment.DurationOr("AINERD_EMBED_TIMEOUT", c.Memory.EmbedTimeout)
	c.Memory.StrictDecode = environment.BoolOr("AINERD_STRICT_DECODE", c.Memory.StrictDecode)

	c.Embedding.APIKey = environment.StringOr("AINERD_EMBED_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = environment.StringOr("AINERD_EMBED_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Model = environment.StringOr("AINERD_EMBED_MODEL", c.Embedding.Model)
	c.Embedding.RatePerSecond = environment.FloatOr("AINERD_EMBED_RATE", c.Embedding.RatePerSecond)
	c.Embedding.Burst = environment.IntOr("AINERD_EMBED_BURST", c.Embedding.Burst)

	c.Knowledge.TopK = environment.IntOr("AINERD_KNOWLEDGE_TOP_K", c.Knowledge.TopK)

	c.Log.Level = strings.ToLower(environment.StringOr("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(environment.StringOr("LOG_FORMAT", c.Log.Format))
}

var validate = validator.New()

// Validate checks every field constraint and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("config: invalid configuration: %s", strings.Join(msgs, "; "))
}
