package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/api/v1", cfg.Endpoint.BaseURL)
	assert.Equal(t, 20, cfg.Chat.TitleLength)
	assert.True(t, cfg.Endpoint.CircuitBreaker.Enabled)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Tracer.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
endpoint:
  base_url: https://api.example.com/v1
  conn_timeout: 10s
  circuit_breaker:
    enabled: false
chat:
  title_length: 40
  send_rate: 2.5
logger:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1", cfg.Endpoint.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Endpoint.ConnTimeout)
	assert.False(t, cfg.Endpoint.CircuitBreaker.Enabled)
	assert.Equal(t, 40, cfg.Chat.TitleLength)
	assert.Equal(t, 2.5, cfg.Chat.SendRate)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	// Untouched sections keep defaults.
	assert.Equal(t, 120*time.Second, cfg.Endpoint.RespTimeout)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EVALCHAT_BASE_URL", "https://env.example.com")
	t.Setenv("EVALCHAT_LOGGER_LEVEL", "warn")
	t.Setenv("EVALCHAT_TRACER_ENABLED", "true")
	t.Setenv("EVALCHAT_TITLE_LENGTH", "32")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Endpoint.BaseURL)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, 32, cfg.Chat.TitleLength)
}

func TestEnvTitleLengthIgnoresInvalid(t *testing.T) {
	t.Setenv("EVALCHAT_TITLE_LENGTH", "zero")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Chat.TitleLength)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty base url", func(c *Config) { c.Endpoint.BaseURL = "" }, false},
		{"zero title length", func(c *Config) { c.Chat.TitleLength = 0 }, false},
		{"negative send rate", func(c *Config) { c.Chat.SendRate = -1 }, false},
		{"stdout exporter", func(c *Config) { c.Tracer.Exporter = "stdout" }, true},
		{"unknown exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
