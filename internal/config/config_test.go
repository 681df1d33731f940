package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COLLECTOR_AUTH_API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr())
	assert.Equal(t, 65536, cfg.Upload.ChunkSize)
	assert.Equal(t, int64(16), cfg.Upload.MaxConcurrent)
	assert.Equal(t, "data/upload", cfg.Upload.Dir)
	assert.Equal(t, "https://www.iplocate.io/api/lookup/", cfg.Geo.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.Geo.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Geo.Epoch)
	assert.Equal(t, 60, cfg.Geo.RateLimit)
	assert.Equal(t, 10*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, time.Hour, cfg.Sweeper.StaleAfter)
	assert.Equal(t, "data/logs/system.log", cfg.Logging.File)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  api_key: from-file
upload:
  chunk_size: 4096
  verify_format: true
geo:
  epoch: 1h
  rate_limit: 5
database:
  url: postgres://localhost/collector
`), 0o600))

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("COLLECTOR_GEO_EPOCH", "90m")
	t.Setenv("COLLECTOR_HTTP_ADDR", ":9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Auth.APIKey)
	assert.Equal(t, 4096, cfg.Upload.ChunkSize)
	assert.True(t, cfg.Upload.VerifyFormat)
	assert.Equal(t, 90*time.Minute, cfg.Geo.Epoch)
	assert.Equal(t, 5, cfg.Geo.RateLimit)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, "postgres://localhost/collector", cfg.Database.URL)
}

func TestLoadShorthandAPIKey(t *testing.T) {
	t.Setenv("COLLECTOR_API_KEY", "short")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "short", cfg.Auth.APIKey)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("COLLECTOR_AUTH_API_KEY", "secret")
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Auth.APIKey = "secret"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api key", func(c *Config) { c.Auth.APIKey = "  " }},
		{"zero chunk size", func(c *Config) { c.Upload.ChunkSize = 0 }},
		{"negative chunk size", func(c *Config) { c.Upload.ChunkSize = -1 }},
		{"zero epoch", func(c *Config) { c.Geo.Epoch = 0 }},
		{"zero timeout", func(c *Config) { c.Geo.Timeout = 0 }},
		{"no listeners", func(c *Config) { c.Server.HTTPAddr, c.Server.GRPCAddr = "", "" }},
		{"bad metrics port", func(c *Config) { c.Server.MetricsPort = 70000 }},
		{"rate without window", func(c *Config) { c.Geo.RateWindow = 0 }},
		{"zero concurrency", func(c *Config) { c.Upload.MaxConcurrent = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMetricsAddrDisabled(t *testing.T) {
	assert.Empty(t, ServerConfig{}.MetricsAddr())
}
