// Package config loads the engine configuration from YAML with environment
// overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Port int `yaml:"port"`

	DatabaseURL      string `yaml:"database_url"`
	DatabaseMaxConns int    `yaml:"database_max_conns"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password,omitempty"`

	Qdrant QdrantConfig `yaml:"qdrant"`

	EmbeddingProvider string `yaml:"embedding_provider"` // "openai" or "ollama"
	EmbeddingModel    string `yaml:"embedding_model"`
	OpenAIKey         string `yaml:"openai_key,omitempty"`
	OpenAIBaseURL     string `yaml:"openai_base_url,omitempty"`
	OllamaURL         string `yaml:"ollama_url,omitempty"`

	Indexing IndexingConfig `yaml:"indexing"`
	Runtime  RuntimeConfig  `yaml:"runtime"`

	// CredentialEncryptionKey is hex-encoded, 32 bytes decoded.
	CredentialEncryptionKey string `yaml:"credential_encryption_key,omitempty"`
}

// QdrantConfig locates the vector store.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls"`
}

// IndexingConfig holds every knob that affects indexing behavior.
type IndexingConfig struct {
	// InlineThreshold: estimated token volumes at or below it index
	// synchronously on the request path; above it the work is queued.
	InlineThreshold int `yaml:"inline_threshold"`

	ChunkTargetTokens    int    `yaml:"chunk_target_tokens"`
	ChunkOverlapTokens   int    `yaml:"chunk_overlap_tokens"`
	EmbeddingMaxTokens   int    `yaml:"embedding_max_tokens"`
	EmbeddingConcurrency int    `yaml:"embedding_concurrency"`
	MaxFileBytes         int    `yaml:"max_file_bytes"`
	UUIDNamespace        string `yaml:"uuid_namespace"`
}

// RuntimeConfig selects the isolation backend for background jobs.
type RuntimeConfig struct {
	Kind        string `yaml:"kind"` // "docker" or "local"
	DockerImage string `yaml:"docker_image,omitempty"`
	LocalDir    string `yaml:"local_dir,omitempty"`
	IdleMinutes int    `yaml:"idle_minutes"`
}

// Default returns the baked-in defaults.
func Default() *Config {
	return &Config{
		Port:             8080,
		DatabaseMaxConns: 25,
		RedisAddr:        "localhost:6379",
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
		EmbeddingProvider: "openai",
		EmbeddingModel:    "text-embedding-3-small",
		Indexing: IndexingConfig{
			InlineThreshold:      30000,
			ChunkTargetTokens:    512,
			ChunkOverlapTokens:   64,
			EmbeddingMaxTokens:   8192,
			EmbeddingConcurrency: 4,
			MaxFileBytes:         1_000_000,
			UUIDNamespace:        "8c2d84ae-1bd0-4c1d-9be5-3c0d6e0dcf1a",
		},
		Runtime: RuntimeConfig{
			Kind:        "docker",
			IdleMinutes: 30,
		},
	}
}

// Load reads cfg from path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CODEINDEX_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("CODEINDEX_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CODEINDEX_QDRANT_HOST"); v != "" {
		cfg.Qdrant.Host = v
	}
	if v := os.Getenv("CODEINDEX_QDRANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Qdrant.Port = port
		}
	}
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("CODEINDEX_CREDENTIAL_KEY"); v != "" {
		cfg.CredentialEncryptionKey = v
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be greater than 0")
	}
	switch c.EmbeddingProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("embedding_provider must be openai or ollama, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("embedding_model is required")
	}
	if c.Indexing.ChunkTargetTokens <= 0 {
		return fmt.Errorf("chunk_target_tokens must be positive")
	}
	if c.Indexing.ChunkOverlapTokens < 0 {
		return fmt.Errorf("chunk_overlap_tokens must be non-negative")
	}
	if c.Indexing.EmbeddingMaxTokens <= 0 {
		return fmt.Errorf("embedding_max_tokens must be positive")
	}
	if c.Indexing.MaxFileBytes <= 0 {
		return fmt.Errorf("max_file_bytes must be positive")
	}
	if _, err := uuid.Parse(c.Indexing.UUIDNamespace); err != nil {
		return fmt.Errorf("uuid_namespace must be a valid UUID: %w", err)
	}
	if c.CredentialEncryptionKey != "" {
		key, err := hex.DecodeString(c.CredentialEncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("credential_encryption_key must be 32 hex-encoded bytes")
		}
	}
	return nil
}

// Namespace returns the parsed UUID namespace for point ids.
func (c *Config) Namespace() uuid.UUID {
	return uuid.MustParse(c.Indexing.UUIDNamespace)
}

// CredentialKey returns the decoded AEAD key, or nil when unset.
func (c *Config) CredentialKey() []byte {
	if c.CredentialEncryptionKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.CredentialEncryptionKey)
	return key
}
