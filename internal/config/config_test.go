// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Covers defaults, duration parsing, and required-field errors.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `
gateway:
  url: ws://localhost:8080/ws
identity:
  path: /tmp/device.json
database:
  path: /tmp/deck.db
`

func TestLoad_MinimalWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/ws", cfg.Gateway.URL)
	assert.Equal(t, DefaultReconnectBase, cfg.Gateway.ReconnectBase)
	assert.Equal(t, DefaultReconnectMax, cfg.Gateway.ReconnectMax)
	assert.Equal(t, DefaultRequestTimeout, cfg.Gateway.RequestTimeout)
	assert.Equal(t, DefaultRunBufferBytes, cfg.Runs.BufferBytes)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
}

func TestLoad_ParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gateway:
  url: ws://gw:8080/ws
  reconnect_base: 500ms
  reconnect_max: 1m
  request_timeout: 10s
identity:
  path: /tmp/device.json
database:
  path: /tmp/deck.db
`))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Gateway.ReconnectBase)
	assert.Equal(t, time.Minute, cfg.Gateway.ReconnectMax)
	assert.Equal(t, 10*time.Second, cfg.Gateway.RequestTimeout)
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  url: ws://gw:8080/ws
  reconnect_base: soon
identity:
  path: /tmp/device.json
database:
  path: /tmp/deck.db
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect_base")
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("DECK_TEST_TOKEN", "tok-from-env")

	cfg, err := Load(writeConfig(t, `
gateway:
  url: ws://gw:8080/ws
auth:
  token: ${DECK_TEST_TOKEN}
identity:
  path: /tmp/device.json
database:
  path: /tmp/deck.db
`))
	require.NoError(t, err)
	assert.Equal(t, "tok-from-env", cfg.Auth.Token)
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gateway:
  url: ws://gw:8080/ws
auth:
  token: ${DECK_TEST_UNSET_VAR}
identity:
  path: /tmp/device.json
database:
  path: /tmp/deck.db
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing gateway url", func(c *Config) { c.Gateway.URL = "" }, "gateway.url"},
		{"missing identity path", func(c *Config) { c.Identity.Path = "" }, "identity.path"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"base exceeds max", func(c *Config) {
			c.Gateway.ReconnectBase = time.Minute
			c.Gateway.ReconnectMax = time.Second
		}, "reconnect_base"},
		{"negative buffer", func(c *Config) { c.Runs.BufferBytes = -1 }, "buffer_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Gateway.URL = "ws://gw:8080/ws"
			cfg.Identity.Path = "/tmp/device.json"
			cfg.Database.Path = "/tmp/deck.db"
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
