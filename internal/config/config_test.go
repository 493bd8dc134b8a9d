package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PGHOST", "localhost")
	t.Setenv("PGUSER", "docgather")
	t.Setenv("PGDATABASE", "docgather")
	t.Setenv("SB_STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("SB_STORAGE_ACCESS_KEY", "ak")
	t.Setenv("SB_STORAGE_SECRET_KEY", "sk")
	t.Setenv("SB_SECRET_KEY", "bWFzdGVyLWtleQ==")
	t.Setenv("CONFIG_FILE", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "docgather", cfg.Postgres.Schema)
	assert.True(t, cfg.LLM.CacheEnabled)
	assert.Equal(t, 1, cfg.LLM.MistralMaxRPS)
	assert.Equal(t, "v1", cfg.Storage.MasterKeyVersion)
}

func TestLoadMissingRequiredFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadYAMLOverlayWithEnvOverride(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9999
postgres:
  max_open_conns: 50
llm:
  cache_dir: /var/cache/docgather
  ocr:
    provider: mistral
    model: mistral-ocr-latest
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7777")

	cfg, err := Load()
	require.NoError(t, err)

	// env beats yaml, yaml beats default
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, 50, cfg.Postgres.MaxOpenConns)
	assert.Equal(t, "/var/cache/docgather", cfg.LLM.CacheDir)
	assert.Equal(t, "mistral", cfg.LLM.OCR.Provider)
	// untouched defaults survive the overlay
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestLoadProviderPrefixExpansion(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LLM_TEXT_PROVIDER", "ovh")
	t.Setenv("LLM_TEXT_MODEL", "llama-3.3-70b-instruct")
	t.Setenv("LLM_TEXT_ENDPOINT", "https://ovh.example/v1/chat/completions")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ovh", cfg.LLM.Text.Provider)
	assert.Equal(t, "llama-3.3-70b-instruct", cfg.LLM.Text.Model)
}
