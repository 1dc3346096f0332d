package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_HasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.NumberOfWorkers, 0)
	assert.Greater(t, cfg.MaxPendingRequests, 0)
	assert.Empty(t, cfg.ConsentToken)
}

func TestLoadFromFile_OverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("number_of_workers: 8\nconsent_token: \"tok\"\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.NumberOfWorkers)
	assert.Equal(t, "tok", cfg.ConsentToken)
	assert.Equal(t, DefaultConfig().MaxPendingRequests, cfg.MaxPendingRequests)
}

func TestLoadFromFile_MissingFileErrors(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/roma.yaml")
	require.Error(t, err)
}

func TestLoadFromEnv_AppliesOverrides(t *testing.T) {
	t.Setenv("ROMA_NUMBER_OF_WORKERS", "16")
	t.Setenv("ROMA_SHARED_BUFFER_ONLY", "true")
	t.Setenv("ROMA_CONSENT_TOKEN", "env-token")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, 16, cfg.NumberOfWorkers)
	assert.True(t, cfg.SharedBufferOnly)
	assert.Equal(t, "env-token", cfg.ConsentToken)
}

func TestLoadFromEnv_AppliesKeyCacheOverrides(t *testing.T) {
	t.Setenv("ROMA_KEY_CACHE_REGION", "us-east-1")
	t.Setenv("ROMA_KEY_CACHE_TTL", "5m")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "us-east-1", cfg.KeyCache.Region)
	assert.Equal(t, "5m", cfg.KeyCache.TTL)
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("true"))
	assert.True(t, parseBool("1"))
	assert.True(t, parseBool("YES"))
	assert.False(t, parseBool("false"))
	assert.False(t, parseBool(""))
}
