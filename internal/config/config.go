// Package config provides configuration management for crmcache.
// It loads settings from environment variables with the CRMCACHE_ prefix
// and provides sensible defaults for all configuration options.
//
// An optional YAML file (CRMCACHE_CONFIG_FILE) is applied between defaults
// and environment variables, so precedence is: env > file > default.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the crmcache application.
type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	HubSpot   HubSpotConfig
	Refresh   RefreshConfig
}

// StorageConfig contains the on-disk layout.
type StorageConfig struct {
	// DataPath is the storage root; the key-value store lives under
	// DataPath/kv and the vector index at DataPath/index.db
	// (default: ./data).
	DataPath string `yaml:"data_path"`
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider     string `yaml:"provider"`      // Embedding provider: ollama, openai, mock (default: ollama)
	OllamaURL    string `yaml:"ollama_url"`    // Ollama API URL (default: http://localhost:11434)
	OllamaModel  string `yaml:"ollama_model"`  // Ollama embedding model (default: nomic-embed-text)
	OpenAIAPIKey string `yaml:"-"`             // OpenAI API key; env only, never read from file
	OpenAIModel  string `yaml:"openai_model"`  // OpenAI embedding model (default: text-embedding-3-small)
	OpenAIURL    string `yaml:"openai_url"`    // OpenAI base URL (default: https://api.openai.com)
	MockDim      int    `yaml:"mock_dimension"` // Mock embedder dimension (default: 256)
}

// HubSpotConfig contains remote CRM configuration.
type HubSpotConfig struct {
	BaseURL           string  `yaml:"base_url"` // API base URL (default: https://api.hubapi.com)
	AccessToken       string  `yaml:"-"`        // Private app access token; env only
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RefreshConfig tunes refresh cycles.
type RefreshConfig struct {
	PageSize int `yaml:"page_size"` // Remote page size (default: 100)
	MaxPages int `yaml:"max_pages"` // Page budget per refresh, 0 = unbounded (default: 0)
}

// fileConfig mirrors Config for the YAML overlay; only keys present in the
// file override defaults.
type fileConfig struct {
	Storage   *StorageConfig   `yaml:"storage"`
	Embedding *EmbeddingConfig `yaml:"embedding"`
	HubSpot   *HubSpotConfig   `yaml:"hubspot"`
	Refresh   *RefreshConfig   `yaml:"refresh"`
}

// LoadConfig loads configuration from defaults, an optional YAML file, and
// environment variables, in increasing precedence. All environment variables
// use the CRMCACHE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CRMCACHE_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.Refresh.PageSize <= 0 {
		return nil, fmt.Errorf("config: page size must be positive, got %d", cfg.Refresh.PageSize)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "nomic-embed-text",
			OpenAIModel: "text-embedding-3-small",
			OpenAIURL:   "https://api.openai.com",
			MockDim:     256,
		},
		HubSpot: HubSpotConfig{
			BaseURL:           "https://api.hubapi.com",
			RequestsPerSecond: 8,
		},
		Refresh: RefreshConfig{
			PageSize: 100,
			MaxPages: 0,
		},
	}
}

// applyFile overlays the YAML file at path onto cfg. Sections absent from
// the file keep their current values.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if fc.Storage != nil {
		overlayString(&cfg.Storage.DataPath, fc.Storage.DataPath)
	}
	if fc.Embedding != nil {
		overlayString(&cfg.Embedding.Provider, fc.Embedding.Provider)
		overlayString(&cfg.Embedding.OllamaURL, fc.Embedding.OllamaURL)
		overlayString(&cfg.Embedding.OllamaModel, fc.Embedding.OllamaModel)
		overlayString(&cfg.Embedding.OpenAIModel, fc.Embedding.OpenAIModel)
		overlayString(&cfg.Embedding.OpenAIURL, fc.Embedding.OpenAIURL)
		if fc.Embedding.MockDim > 0 {
			cfg.Embedding.MockDim = fc.Embedding.MockDim
		}
	}
	if fc.HubSpot != nil {
		overlayString(&cfg.HubSpot.BaseURL, fc.HubSpot.BaseURL)
		if fc.HubSpot.RequestsPerSecond > 0 {
			cfg.HubSpot.RequestsPerSecond = fc.HubSpot.RequestsPerSecond
		}
	}
	if fc.Refresh != nil {
		if fc.Refresh.PageSize > 0 {
			cfg.Refresh.PageSize = fc.Refresh.PageSize
		}
		if fc.Refresh.MaxPages > 0 {
			cfg.Refresh.MaxPages = fc.Refresh.MaxPages
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Storage.DataPath = getEnv("CRMCACHE_DATA_PATH", cfg.Storage.DataPath)

	cfg.Embedding.Provider = getEnv("CRMCACHE_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.OllamaURL = getEnv("CRMCACHE_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.OllamaModel = getEnv("CRMCACHE_EMBEDDING_MODEL", cfg.Embedding.OllamaModel)
	cfg.Embedding.OpenAIAPIKey = getEnv("CRMCACHE_OPENAI_API_KEY", "")
	cfg.Embedding.OpenAIModel = getEnv("CRMCACHE_OPENAI_MODEL", cfg.Embedding.OpenAIModel)
	cfg.Embedding.OpenAIURL = getEnv("CRMCACHE_OPENAI_URL", cfg.Embedding.OpenAIURL)
	cfg.Embedding.MockDim = getEnvInt("CRMCACHE_MOCK_DIMENSION", cfg.Embedding.MockDim)

	cfg.HubSpot.BaseURL = getEnv("CRMCACHE_HUBSPOT_URL", cfg.HubSpot.BaseURL)
	cfg.HubSpot.AccessToken = getEnv("CRMCACHE_HUBSPOT_ACCESS_TOKEN", "")
	cfg.HubSpot.RequestsPerSecond = getEnvFloat("CRMCACHE_HUBSPOT_RPS", cfg.HubSpot.RequestsPerSecond)

	cfg.Refresh.PageSize = getEnvInt("CRMCACHE_PAGE_SIZE", cfg.Refresh.PageSize)
	cfg.Refresh.MaxPages = getEnvInt("CRMCACHE_MAX_PAGES", cfg.Refresh.MaxPages)
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
