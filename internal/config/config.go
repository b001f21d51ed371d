// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration.
type Config struct {
	Graph     GraphConfig     `mapstructure:"graph" yaml:"graph"`
	Vector    VectorConfig    `mapstructure:"vector" yaml:"vector"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Index     IndexConfig     `mapstructure:"index" yaml:"index"`
	Query     QueryConfig     `mapstructure:"query" yaml:"query"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// GraphConfig contains graph backend configuration.
type GraphConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // sqlite, neo4j
	DSN     string `mapstructure:"dsn" yaml:"dsn"`         // file path or bolt:// url
	User    string `mapstructure:"user" yaml:"user"`       // neo4j only
	Pass    string `mapstructure:"pass" yaml:"pass"`       // neo4j only
}

// VectorConfig contains vector backend configuration.
type VectorConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // sqlitevec, weaviate
	DSN     string `mapstructure:"dsn" yaml:"dsn"`         // file path or http(s) url
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`     // ollama, openai
	Model     string `mapstructure:"model" yaml:"model"`           // model name
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`     // API endpoint
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`       // API key
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"` // texts per batch
}

// IndexConfig contains indexing configuration.
type IndexConfig struct {
	Exclude       []string      `mapstructure:"exclude" yaml:"exclude"`               // glob patterns to skip
	MaxFileSize   int64         `mapstructure:"max_file_size" yaml:"max_file_size"`   // bytes, 0 = unlimited
	Workers       int           `mapstructure:"workers" yaml:"workers"`               // parallel file workers, 0 = NumCPU
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`         // pending job capacity
	WatchDebounce time.Duration `mapstructure:"watch_debounce" yaml:"watch_debounce"` // change coalescing window
}

// QueryConfig contains ranking configuration.
type QueryConfig struct {
	SimilarityWeight float64 `mapstructure:"similarity_weight" yaml:"similarity_weight"` // weight of cosine similarity
	DegreeWeight     float64 `mapstructure:"degree_weight" yaml:"degree_weight"`         // weight of graph connectivity
	TraversalDecay   float64 `mapstructure:"traversal_decay" yaml:"traversal_decay"`     // per-hop score decay
	DefaultLimit     int     `mapstructure:"default_limit" yaml:"default_limit"`         // default result count
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // host:port
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Backend: "sqlite",
			DSN:     "repograph.db",
		},
		Vector: VectorConfig{
			Backend: "sqlitevec",
			DSN:     "repograph.db",
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			Endpoint:  "http://localhost:11434",
			BatchSize: 32,
		},
		Index: IndexConfig{
			Exclude: []string{
				"**/.git/**", "**/vendor/**", "**/node_modules/**",
				"**/dist/**", "**/build/**", "**/target/**",
				"**/__pycache__/**", "**/.venv/**",
				"**/*.min.js", "**/*.lock", "**/go.sum",
			},
			MaxFileSize:   1 << 20, // 1MB
			Workers:       0,       // 0 = use runtime.NumCPU()
			QueueSize:     64,
			WatchDebounce: 2 * time.Second,
		},
		Query: QueryConfig{
			SimilarityWeight: 0.7,
			DegreeWeight:     0.3,
			TraversalDecay:   0.5,
			DefaultLimit:     10,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8750",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the path to the .repograph directory.
func ConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".repograph")
}

// ConfigPath returns the path to config.yaml.
func ConfigPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "config.yaml")
}

// StoreDBPath returns the path to the default local store database.
func StoreDBPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "repograph.db")
}

// Load loads configuration from file, falling back to defaults.
func Load(projectRoot string) (*Config, []string, error) {
	cfg := DefaultConfig()
	cfg.Graph.DSN = StoreDBPath(projectRoot)
	cfg.Vector.DSN = StoreDBPath(projectRoot)
	warnings := []string{}

	configPath := ConfigPath(projectRoot)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		warnings = append(warnings, "No config file found, using defaults")
		return cfg, warnings, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	if cfg.Graph.Backend == "" {
		cfg.Graph.Backend = "sqlite"
		warnings = append(warnings, "Using default graph backend: sqlite")
	}
	if cfg.Graph.DSN == "" {
		cfg.Graph.DSN = StoreDBPath(projectRoot)
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "sqlitevec"
	}
	if cfg.Vector.DSN == "" {
		cfg.Vector.DSN = StoreDBPath(projectRoot)
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
		warnings = append(warnings, "Using default embedding provider: ollama")
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = "http://localhost:11434"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}

	if cfg.Index.QueueSize == 0 {
		cfg.Index.QueueSize = 64
	}
	if cfg.Index.WatchDebounce == 0 {
		cfg.Index.WatchDebounce = 2 * time.Second
	}

	if cfg.Query.SimilarityWeight == 0 && cfg.Query.DegreeWeight == 0 {
		cfg.Query.SimilarityWeight = 0.7
		cfg.Query.DegreeWeight = 0.3
	}
	if cfg.Query.TraversalDecay == 0 {
		cfg.Query.TraversalDecay = 0.5
	}
	if cfg.Query.DefaultLimit == 0 {
		cfg.Query.DefaultLimit = 10
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8750"
	}

	return cfg, warnings, nil
}

// Save saves configuration to file.
func Save(projectRoot string, cfg *Config) error {
	configDir := ConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(ConfigPath(projectRoot))
	v.SetConfigType("yaml")

	v.Set("graph", cfg.Graph)
	v.Set("vector", cfg.Vector)
	v.Set("embedding", cfg.Embedding)
	v.Set("index", cfg.Index)
	v.Set("query", cfg.Query)
	v.Set("server", cfg.Server)
	v.Set("logging", cfg.Logging)

	return v.WriteConfig()
}

// Validate validates the configuration.
func Validate(cfg *Config) []error {
	var errs []error

	validGraphBackends := map[string]bool{
		"sqlite": true, "neo4j": true,
	}
	if !validGraphBackends[cfg.Graph.Backend] {
		errs = append(errs, fmt.Errorf("invalid graph backend: %s", cfg.Graph.Backend))
	}

	validVectorBackends := map[string]bool{
		"sqlitevec": true, "weaviate": true,
	}
	if !validVectorBackends[cfg.Vector.Backend] {
		errs = append(errs, fmt.Errorf("invalid vector backend: %s", cfg.Vector.Backend))
	}

	validEmbeddingProviders := map[string]bool{
		"ollama": true, "openai": true,
	}
	if !validEmbeddingProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("invalid embedding provider: %s", cfg.Embedding.Provider))
	}

	if cfg.Query.SimilarityWeight < 0 || cfg.Query.DegreeWeight < 0 {
		errs = append(errs, fmt.Errorf("ranking weights must be non-negative"))
	}
	if cfg.Query.TraversalDecay <= 0 || cfg.Query.TraversalDecay > 1 {
		errs = append(errs, fmt.Errorf("traversal decay must be in (0, 1], got %v", cfg.Query.TraversalDecay))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s", cfg.Logging.Level))
	}

	return errs
}
