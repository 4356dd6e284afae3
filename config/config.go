package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/casevault/ai"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvDataDir        = "CASEVAULT_DATA_DIR"
	EnvEmbeddingHost  = "CASEVAULT_EMBEDDING_HOST"
	EnvEmbeddingModel = "CASEVAULT_EMBEDDING_MODEL"
	EnvListenAddr     = "CASEVAULT_ADDR"
)

// EmbeddingConfig configures the OpenAI-compatible embedding service.
type EmbeddingConfig struct {
	Host      string `yaml:"host"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BatchSize int    `yaml:"batch_size"`
	// ExtraModels are embedded alongside Model during ingestion, typically
	// while migrating to a new model.
	ExtraModels []string `yaml:"extra_models,omitempty"`
}

// IngestionConfig configures chunking and the embedding worker pool.
type IngestionConfig struct {
	Workers      int           `yaml:"workers"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap"`
	Enrich       *bool         `yaml:"enrich,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	RequeueDelay time.Duration `yaml:"requeue_delay"`
	MaxRequeues  int           `yaml:"max_requeues"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	VectorWeight  float64       `yaml:"vector_weight"`
	LexicalWeight float64       `yaml:"lexical_weight"`
	EmbedTimeout  time.Duration `yaml:"embed_timeout"`
	MinCandidates int           `yaml:"min_candidates"`
	SnippetLength int           `yaml:"snippet_length"`
	DefaultLimit  int           `yaml:"default_limit"`
}

// IndexConfig configures the approximate nearest-neighbour index.
// EfSearch trades query latency for recall.
type IndexConfig struct {
	MinGraphSize int `yaml:"min_graph_size"`
	Connections  int `yaml:"connections"`
	EfSearch     int `yaml:"ef_search"`
}

// ServerConfig configures the HTTP query API.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBytes   int64         `yaml:"max_request_bytes"`
}

// Config is the root application configuration.
type Config struct {
	// DataDir holds the Badger database. Empty means in-memory.
	DataDir   string          `yaml:"data_dir"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Search    SearchConfig    `yaml:"search"`
	Index     IndexConfig     `yaml:"index"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a config from path. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyDefaults(cfg *Config) {
	if cfg.Embedding.Host == "" {
		cfg.Embedding.Host = "http://localhost:11434/v1"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}

	in := &cfg.Ingestion
	if in.Workers == 0 {
		in.Workers = 4
	}
	if in.ChunkSize == 0 {
		in.ChunkSize = 1200
	}
	if in.ChunkOverlap == 0 {
		in.ChunkOverlap = 200
	}
	if in.Enrich == nil {
		enrich := true
		in.Enrich = &enrich
	}
	if in.MaxAttempts == 0 {
		in.MaxAttempts = 3
	}
	if in.CallTimeout == 0 {
		in.CallTimeout = 30 * time.Second
	}
	if in.RequeueDelay == 0 {
		in.RequeueDelay = 5 * time.Second
	}
	if in.MaxRequeues == 0 {
		in.MaxRequeues = 5
	}

	s := &cfg.Search
	if s.VectorWeight == 0 && s.LexicalWeight == 0 {
		s.VectorWeight, s.LexicalWeight = 0.6, 0.4
	}
	if s.EmbedTimeout == 0 {
		s.EmbedTimeout = 2 * time.Second
	}
	if s.MinCandidates == 0 {
		s.MinCandidates = 50
	}
	if s.SnippetLength == 0 {
		s.SnippetLength = 280
	}
	if s.DefaultLimit == 0 {
		s.DefaultLimit = 10
	}

	if cfg.Index.MinGraphSize == 0 {
		cfg.Index.MinGraphSize = 1024
	}
	if cfg.Index.Connections == 0 {
		cfg.Index.Connections = 16
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 64
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.MaxRequestBytes == 0 {
		cfg.Server.MaxRequestBytes = 32 << 20
	}
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEmbeddingHost)); v != "" {
		cfg.Embedding.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEmbeddingModel)); v != "" {
		cfg.Embedding.Model = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate reports the first invalid setting.
func (cfg *Config) Validate() error {
	in := cfg.Ingestion
	switch {
	case in.Workers < 1:
		return fmt.Errorf("%w: ingestion.workers must be positive", ErrInvalidConfig)
	case in.ChunkSize < 1 || in.ChunkOverlap < 0 || in.ChunkOverlap >= in.ChunkSize:
		return fmt.Errorf("%w: ingestion.chunk_overlap must be below chunk_size", ErrInvalidConfig)
	case in.MaxAttempts < 1:
		return fmt.Errorf("%w: ingestion.max_attempts must be positive", ErrInvalidConfig)
	case cfg.Search.VectorWeight < 0 || cfg.Search.LexicalWeight < 0:
		return fmt.Errorf("%w: search weights must not be negative", ErrInvalidConfig)
	case cfg.Search.DefaultLimit < 1:
		return fmt.Errorf("%w: search.default_limit must be positive", ErrInvalidConfig)
	case cfg.Index.MinGraphSize < 1 || cfg.Index.Connections < 2 || cfg.Index.EfSearch < 1:
		return fmt.Errorf("%w: index.min_graph_size and index.ef_search must be positive, index.connections at least 2", ErrInvalidConfig)
	}
	return nil
}

// Models returns the active model followed by any extra models.
func (cfg *Config) Models() []string {
	models := []string{cfg.Embedding.Model}
	for _, m := range cfg.Embedding.ExtraModels {
		if m != "" && m != cfg.Embedding.Model {
			models = append(models, m)
		}
	}
	return models
}

// AIConfig builds the provider configuration, reading the API token from
// the configured environment variable.
func (cfg *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(cfg.Embedding.Host),
		ai.WithEmbeddingModel(cfg.Embedding.Model),
		ai.WithAPIToken(os.Getenv(cfg.Embedding.APIKeyEnv)),
		ai.WithBatchSize(cfg.Embedding.BatchSize),
	)
}
