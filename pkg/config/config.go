// Package config loads the process configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults applied when the environment is silent.
const (
	DefaultListenAddr       = ":8080"
	DefaultParquetPath      = "data/produtos.parquet"
	DefaultCacheDir         = "data/cache"
	DefaultLogDir           = "data/logs"
	DefaultDailyTokenBudget = 100_000
	DefaultMaxTokens        = 4096
)

// Config is the resolved process configuration.
type Config struct {
	ListenAddr   string
	ParquetPath  string
	CacheDir     string
	ArtifactsDir string
	CatalogPath  string
	LogDir       string

	AnthropicAPIKey  string
	LLMEnabled       bool
	DailyTokenBudget int64
	MaxTokens        int
	Temperature      float64
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       envOr("INSIGHTS_LISTEN_ADDR", DefaultListenAddr),
		ParquetPath:      envOr("INSIGHTS_PARQUET_PATH", DefaultParquetPath),
		CacheDir:         envOr("INSIGHTS_CACHE_DIR", DefaultCacheDir),
		ArtifactsDir:     os.Getenv("INSIGHTS_ARTIFACTS_DIR"),
		CatalogPath:      os.Getenv("INSIGHTS_CATALOG_PATH"),
		LogDir:           envOr("INSIGHTS_LOG_DIR", DefaultLogDir),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		LLMEnabled:       envBool("INSIGHTS_LLM_ENABLED", true),
		DailyTokenBudget: envInt64("INSIGHTS_DAILY_TOKEN_BUDGET", DefaultDailyTokenBudget),
		MaxTokens:        int(envInt64("INSIGHTS_MAX_TOKENS", DefaultMaxTokens)),
		Temperature:      envFloat("INSIGHTS_LLM_TEMPERATURE", 0),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ParquetPath == "" {
		return errors.New("parquet path is required")
	}
	if c.LLMEnabled && c.AnthropicAPIKey == "" {
		return errors.New("ANTHROPIC_API_KEY is required when the LLM tier is enabled; set INSIGHTS_LLM_ENABLED=false to run without it")
	}
	if c.DailyTokenBudget <= 0 {
		c.DailyTokenBudget = DefaultDailyTokenBudget
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
