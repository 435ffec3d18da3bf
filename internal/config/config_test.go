package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "pricer", cfg.App.Name)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Cache.HotTTL)
	assert.Equal(t, 10, cfg.Interp.MaxDataPoints)
	assert.Equal(t, 730*24*time.Hour, cfg.Retention.Policy().Prices)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: pricer-staging
  log_level: debug
http:
  port: 9090
queue:
  price_concurrency: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pricer-staging", cfg.App.Name)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 8, cfg.Queue.PriceConcurrency)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2, cfg.Queue.BatchConcurrency)
	// Cache keys follow the app name.
	assert.Equal(t, "pricer-staging", cfg.Cache.AppName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("ALCHEMY_API_KEY", "key-from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "key-from-env", cfg.Oracle.APIKey)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
