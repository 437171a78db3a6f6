// Package config loads the kioku configuration: built-in defaults, overlaid
// by an optional YAML file (checked against an embedded JSON Schema), then
// by KIOKU_* environment variables.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"

	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
	ProviderNoop   = "noop"
)

// Config is the complete process configuration.
type Config struct {
	Memory    MemoryConfig    `yaml:"memory"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Retention RetentionConfig `yaml:"retention"`
	Recency   RecencyConfig   `yaml:"recency"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Reindex   ReindexConfig   `yaml:"reindex"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// MemoryConfig sizes the assembled context.
type MemoryConfig struct {
	WindowSize         int     `yaml:"window_size"`
	RetrievalLimit     int     `yaml:"retrieval_limit"`
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	MaxContextTokens   int     `yaml:"max_context_tokens"`
	EmbeddingDimension int     `yaml:"embedding_dimension"`
}

// TimeoutConfig holds the per-call deadlines of the synthesizer.
type TimeoutConfig struct {
	Append time.Duration `yaml:"append"`
	Recent time.Duration `yaml:"recent"`
	Embed  time.Duration `yaml:"embed"`
	Search time.Duration `yaml:"search"`
	Upsert time.Duration `yaml:"upsert"`
}

// RetentionConfig bounds how much history is kept per user.
type RetentionConfig struct {
	MaxTurns      int           `yaml:"max_turns"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RecencyConfig selects the Recency Store backend.
type RecencyConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SemanticConfig selects the Semantic Store backend.
type SemanticConfig struct {
	Backend         string `yaml:"backend"`
	SQLitePath      string `yaml:"sqlite_path"`
	ChromemPath     string `yaml:"chromem_path"`
	ChromemCompress bool   `yaml:"chromem_compress"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	Collection      string `yaml:"collection"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int64         `yaml:"cache_size"`
}

// ReindexConfig drives the backlog drain.
type ReindexConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Concurrency  int           `yaml:"concurrency"`
	BacklogSize  int           `yaml:"backlog_size"`
}

// HTTPConfig configures the API server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := memory.DefaultSynthesizerConfig()
	return &Config{
		Memory: MemoryConfig{
			WindowSize:         sc.WindowSize,
			RetrievalLimit:     sc.RetrievalLimit,
			RelevanceThreshold: sc.RelevanceThreshold,
			MaxContextTokens:   sc.MaxContextTokens,
			EmbeddingDimension: sc.EmbeddingDimension,
		},
		Timeouts: TimeoutConfig{
			Append: sc.AppendTimeout,
			Recent: sc.RecentTimeout,
			Embed:  sc.EmbedTimeout,
			Search: sc.SearchTimeout,
			Upsert: sc.UpsertTimeout,
		},
		Retention: RetentionConfig{SweepInterval: time.Hour},
		Recency:   RecencyConfig{Backend: BackendSQLite, SQLitePath: "./kioku.db"},
		Semantic: SemanticConfig{
			Backend:    BackendSQLite,
			SQLitePath: "./kioku.db",
			Collection: "conversations",
		},
		Embedding: EmbeddingConfig{
			Provider:  ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Timeout:   30 * time.Second,
			CacheSize: 10_000,
		},
		Reindex: ReindexConfig{
			Interval:     time.Minute,
			MaxAttempts:  retry.DefaultConfig.MaxAttempts,
			InitialDelay: retry.DefaultConfig.InitialDelay,
			Concurrency:  4,
			BacklogSize:  memory.DefaultBacklogSize,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "kioku"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.overlay(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates it. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.overlay(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(data []byte) error {
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	return nil
}

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("config.schema.json")
})

// validateSchema checks the raw document's shape. YAML is decoded generically
// and round-tripped through JSON so numbers and maps match what the validator
// expects.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: convert yaml: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config: convert yaml: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from KIOKU_* environment variables.
// KIOKU_POSTGRES_DSN sets both store DSNs; OPENAI_API_KEY is honoured when
// KIOKU_EMBEDDING_API_KEY is unset.
func (c *Config) ApplyEnv() {
	m := &c.Memory
	m.WindowSize = environment.IntOr("KIOKU_WINDOW_SIZE", m.WindowSize)
	m.RetrievalLimit = environment.IntOr("KIOKU_RETRIEVAL_LIMIT", m.RetrievalLimit)
	m.RelevanceThreshold = environment.FloatOr("KIOKU_RELEVANCE_THRESHOLD", m.RelevanceThreshold)
	m.MaxContextTokens = environment.IntOr("KIOKU_MAX_CONTEXT_TOKENS", m.MaxContextTokens)
	m.EmbeddingDimension = environment.IntOr("KIOKU_EMBEDDING_DIMENSION", m.EmbeddingDimension)

	c.Retention.MaxTurns = environment.IntOr("KIOKU_MAX_TURNS", c.Retention.MaxTurns)
	c.Retention.MaxAge = environment.DurationOr("KIOKU_MAX_AGE", c.Retention.MaxAge)

	if dsn := environment.StringOr("KIOKU_POSTGRES_DSN", ""); dsn != "" {
		c.Recency.PostgresDSN = dsn
		c.Semantic.PostgresDSN = dsn
	}
	c.Recency.Backend = environment.StringOr("KIOKU_RECENCY_BACKEND", c.Recency.Backend)
	c.Recency.SQLitePath = environment.StringOr("KIOKU_SQLITE_PATH", c.Recency.SQLitePath)
	c.Semantic.Backend = environment.StringOr("KIOKU_SEMANTIC_BACKEND", c.Semantic.Backend)
	c.Semantic.SQLitePath = environment.StringOr("KIOKU_SQLITE_PATH", c.Semantic.SQLitePath)
	c.Semantic.ChromemPath = environment.StringOr("KIOKU_CHROMEM_PATH", c.Semantic.ChromemPath)
	c.Semantic.ChromemCompress = environment.BoolOr("KIOKU_CHROMEM_COMPRESS", c.Semantic.ChromemCompress)

	e := &c.Embedding
	e.Provider = environment.StringOr("KIOKU_EMBEDDING_PROVIDER", e.Provider)
	e.APIKey = environment.StringOr("KIOKU_EMBEDDING_API_KEY", environment.StringOr("OPENAI_API_KEY", e.APIKey))
	e.BaseURL = environment.StringOr("KIOKU_EMBEDDING_BASE_URL", e.BaseURL)
	e.Model = environment.StringOr("KIOKU_EMBEDDING_MODEL", e.Model)

	c.HTTP.Addr = environment.StringOr("KIOKU_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = environment.StringOr("KIOKU_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("KIOKU_LOG_FORMAT", c.Log.Format)
}

// Validate checks cross-field constraints the schema cannot express and
// values that may have come from the environment.
func (c *Config) Validate() error {
	if err := c.SynthesizerConfig().Validate(); err != nil {
		return fmt.Errorf("config: memory: %w", err)
	}
	if c.Retention.MaxTurns < 0 || c.Retention.MaxAge < 0 {
		return fmt.Errorf("config: retention limits must not be negative")
	}

	switch c.Recency.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Recency.SQLitePath == "" {
			return fmt.Errorf("config: recency.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Recency.PostgresDSN == "" {
			return fmt.Errorf("config: recency.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown recency backend %q", c.Recency.Backend)
	}

	switch c.Semantic.Backend {
	case BackendMemory, BackendChromem:
	case BackendSQLite:
		if c.Semantic.SQLitePath == "" {
			return fmt.Errorf("config: semantic.sqlite_path is required for the sqlite backend")
		}
	case BackendPgvector:
		if c.Semantic.PostgresDSN == "" {
			return fmt.Errorf("config: semantic.postgres_dsn is required for the pgvector backend")
		}
	default:
		return fmt.Errorf("config: unknown semantic backend %q", c.Semantic.Backend)
	}

	switch c.Embedding.Provider {
	case ProviderHash, ProviderNoop:
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("config: embedding.api_key is required for the openai provider (or set KIOKU_EMBEDDING_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Reindex.MaxAttempts < 1 || c.Reindex.Concurrency < 1 {
		return fmt.Errorf("config: reindex.max_attempts and reindex.concurrency must be at least 1")
	}
	return nil
}

// SynthesizerConfig derives the synthesizer's configuration.
func (c *Config) SynthesizerConfig() memory.SynthesizerConfig {
	return memory.SynthesizerConfig{
		WindowSize:         c.Memory.WindowSize,
		RetrievalLimit:     c.Memory.RetrievalLimit,
		RelevanceThreshold: c.Memory.RelevanceThreshold,
		MaxContextTokens:   c.Memory.MaxContextTokens,
		EmbeddingDimension: c.Memory.EmbeddingDimension,
		AppendTimeout:      c.Timeouts.Append,
		RecentTimeout:      c.Timeouts.Recent,
		EmbedTimeout:       c.Timeouts.Embed,
		SearchTimeout:      c.Timeouts.Search,
		UpsertTimeout:      c.Timeouts.Upsert,
	}
}

// RetentionPolicy returns the Recency Store retention.
func (c *Config) RetentionPolicy() memory.Retention {
	return memory.Retention{MaxTurns: c.Retention.MaxTurns, MaxAge: c.Retention.MaxAge}
}

// RetryConfig returns the retry policy used when draining the backlog.
func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig
	rc.MaxAttempts = c.Reindex.MaxAttempts
	rc.InitialDelay = c.Reindex.InitialDelay
	return rc
}

// Summary returns loggable key settings with secrets redacted.
func (c Config) Summary() map[string]any {
	return map[string]any{
		"recency_backend":    c.Recency.Backend,
		"semantic_backend":   c.Semantic.Backend,
		"embedding_provider": c.Embedding.Provider,
		"embedding_model":    c.Embedding.Model,
		"postgres_dsn":       redact.DSN(c.Recency.PostgresDSN),
		"window_size":        c.Memory.WindowSize,
		"retrieval_limit":    c.Memory.RetrievalLimit,
		"max_context_tokens": c.Memory.MaxContextTokens,
	}
}
