package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "dist/client", cfg.Server.StaticDir)
	assert.True(t, cfg.Server.Gzip)

	// Modules config
	assert.Equal(t, "modules", cfg.Modules.Root)
	assert.Equal(t, "*", cfg.Modules.Include)
	assert.Equal(t, 30*time.Second, cfg.Modules.RequestTimeout)

	// Sandbox config
	assert.Equal(t, 8, cfg.Sandbox.MemoryLimitMB)
	assert.Equal(t, int64(8<<20), cfg.Sandbox.MemoryLimitBytes())
	assert.Equal(t, "index.js", cfg.Sandbox.Entry)

	// Fetch config
	assert.False(t, cfg.Fetch.AllowPrivate)
	assert.Equal(t, int64(1<<20), cfg.Fetch.MaxBodyBytes)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                "9000",
		"HOST":                "127.0.0.1",
		"MODULES_ROOT":        "/srv/modules",
		"MODULES_EXCLUDE":     "wip-*",
		"REQUEST_TIMEOUT":     "2s",
		"SANDBOX_MEMORY_MB":   "16",
		"FETCH_ALLOW_PRIVATE": "true",
		"LOG_LEVEL":           "debug",
		"LOG_DEV":             "true",
		"RATE_LIMIT_RPS":      "500",
		"RATE_LIMIT_BURST":    "1000",
		"RATE_LIMIT_ENABLED":  "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/srv/modules", cfg.Modules.Root)
	assert.Equal(t, "wip-*", cfg.Modules.Exclude)
	assert.Equal(t, 2*time.Second, cfg.Modules.RequestTimeout)
	assert.Equal(t, 16, cfg.Sandbox.MemoryLimitMB)
	assert.True(t, cfg.Fetch.AllowPrivate)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 1000, cfg.RateLimit.Burst)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero memory", "SANDBOX_MEMORY_MB", "0"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
		{"non numeric port", "PORT", "http"},
		{"unparsable duration", "REQUEST_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)

			// LoadOrDefault falls back instead of failing
			assert.Equal(t, Default(), LoadOrDefault())
		})
	}
}
