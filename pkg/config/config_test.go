package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("INSIGHTS_LLM_ENABLED", "false")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, DefaultParquetPath, cfg.ParquetPath)
	require.Equal(t, int64(DefaultDailyTokenBudget), cfg.DailyTokenBudget)
	require.False(t, cfg.LLMEnabled)
}

func TestLoad_MissingKeyWithLLMEnabled(t *testing.T) {
	t.Setenv("INSIGHTS_LLM_ENABLED", "true")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("INSIGHTS_LLM_ENABLED", "true")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("INSIGHTS_LISTEN_ADDR", ":9090")
	t.Setenv("INSIGHTS_PARQUET_PATH", "/data/base.parquet")
	t.Setenv("INSIGHTS_DAILY_TOKEN_BUDGET", "5000")
	t.Setenv("INSIGHTS_MAX_TOKENS", "1024")
	t.Setenv("INSIGHTS_LLM_TEMPERATURE", "0.3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "/data/base.parquet", cfg.ParquetPath)
	require.Equal(t, int64(5000), cfg.DailyTokenBudget)
	require.Equal(t, 1024, cfg.MaxTokens)
	require.Equal(t, 0.3, cfg.Temperature)
	require.True(t, cfg.LLMEnabled)
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("INSIGHTS_LLM_ENABLED", "false")
	t.Setenv("INSIGHTS_DAILY_TOKEN_BUDGET", "not-a-number")
	t.Setenv("INSIGHTS_LLM_TEMPERATURE", "quente")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(DefaultDailyTokenBudget), cfg.DailyTokenBudget)
	require.Equal(t, 0.0, cfg.Temperature)
}
