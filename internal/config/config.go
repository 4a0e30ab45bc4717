// ABOUTME: Configuration loading and parsing for coven-deck
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is absent.
const (
	DefaultReconnectBase  = time.Second
	DefaultReconnectMax   = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultRunBufferBytes = 256 * 1024
	DefaultHTTPAddr       = "127.0.0.1:8384"
)

// Config represents the complete coven-deck configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	Database DatabaseConfig `yaml:"database"`
	Runs     RunsConfig     `yaml:"runs"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig holds the gateway endpoint and connection timing.
type GatewayConfig struct {
	URL    string   `yaml:"url"`
	Scopes []string `yaml:"scopes"`

	ReconnectBase  time.Duration `yaml:"-"`
	ReconnectMax   time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectBaseRaw  string `yaml:"reconnect_base"`
	ReconnectMaxRaw   string `yaml:"reconnect_max"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// AuthConfig holds gateway credentials. Either a static bearer token or a
// shared JWT secret for self-minted tokens; the secret wins when both are set.
type AuthConfig struct {
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
}

// IdentityConfig holds the device keypair location.
type IdentityConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RunsConfig holds run registry tuning.
type RunsConfig struct {
	BufferBytes int `yaml:"buffer_bytes"`
}

// ServerConfig holds the local HTTP surface (health polling).
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.Gateway.ReconnectBase == 0 {
		c.Gateway.ReconnectBase = DefaultReconnectBase
	}
	if c.Gateway.ReconnectMax == 0 {
		c.Gateway.ReconnectMax = DefaultReconnectMax
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if c.Runs.BufferBytes == 0 {
		c.Runs.BufferBytes = DefaultRunBufferBytes
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Identity.Path == "" {
		return fmt.Errorf("identity.path is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Gateway.ReconnectBase > c.Gateway.ReconnectMax {
		return fmt.Errorf("gateway.reconnect_base exceeds gateway.reconnect_max")
	}
	if c.Runs.BufferBytes < 0 {
		return fmt.Errorf("runs.buffer_bytes must be non-negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.ReconnectBaseRaw != "" {
		cfg.Gateway.ReconnectBase, err = time.ParseDuration(cfg.Gateway.ReconnectBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_base %q: %w", cfg.Gateway.ReconnectBaseRaw, err)
		}
	}

	if cfg.Gateway.ReconnectMaxRaw != "" {
		cfg.Gateway.ReconnectMax, err = time.ParseDuration(cfg.Gateway.ReconnectMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_max %q: %w", cfg.Gateway.ReconnectMaxRaw, err)
		}
	}

	if cfg.Gateway.RequestTimeoutRaw != "" {
		cfg.Gateway.RequestTimeout, err = time.ParseDuration(cfg.Gateway.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Gateway.RequestTimeoutRaw, err)
		}
	}

	return nil
}
