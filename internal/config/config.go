// ABOUTME: Configuration loading and parsing for livechat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete livechat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	Responder ResponderConfig `yaml:"responder"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	AllowedOrigin string `yaml:"allowed_origin"` // WebSocket Origin check; "*" allows any
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ChatConfig holds routing policy knobs
type ChatConfig struct {
	ClaimGracePeriod   time.Duration `yaml:"-"`
	SessionIdleTimeout time.Duration `yaml:"-"` // 0 disables idle eviction; open sessions then live until closed

	// Raw string values for YAML unmarshaling
	ClaimGracePeriodRaw   string `yaml:"claim_grace_period"`
	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout"`
}

// ResponderConfig holds AI fallback configuration
type ResponderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Responder.Enabled && c.Responder.BaseURL == "" {
		return fmt.Errorf("responder.base_url is required when responder is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Chat.ClaimGracePeriodRaw != "" {
		cfg.Chat.ClaimGracePeriod, err = time.ParseDuration(cfg.Chat.ClaimGracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing claim_grace_period %q: %w", cfg.Chat.ClaimGracePeriodRaw, err)
		}
	}

	if cfg.Chat.SessionIdleTimeoutRaw != "" {
		cfg.Chat.SessionIdleTimeout, err = time.ParseDuration(cfg.Chat.SessionIdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing session_idle_timeout %q: %w", cfg.Chat.SessionIdleTimeoutRaw, err)
		}
	}

	if cfg.Responder.TimeoutRaw != "" {
		cfg.Responder.Timeout, err = time.ParseDuration(cfg.Responder.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing responder timeout %q: %w", cfg.Responder.TimeoutRaw, err)
		}
	}

	return nil
}
