// Package config loads and validates the storefront client configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Session SessionConfig `yaml:"session"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig defines where the storefront backend lives
type BackendConfig struct {
	Origin     string `yaml:"origin"`      // Backend root origin (e.g., "http://localhost:8080")
	APIPrefix  string `yaml:"api_prefix"`  // Optional shared path prefix (e.g., "api/v1")
	AuthOrigin string `yaml:"auth_origin"` // Optional dedicated auth-service origin override
}

// OAuthConfig defines the OAuth2 authorization-code flow settings
type OAuthConfig struct {
	ClientID       string `yaml:"client_id"`       // OAuth2 client ID
	CallbackListen string `yaml:"callback_listen"` // Local callback server address (e.g., "127.0.0.1:9876")
}

// SessionConfig defines where the login session is persisted
type SessionConfig struct {
	File string `yaml:"file"` // Session file path; empty means the platform default
}

// HTTPConfig defines outgoing request behavior
type HTTPConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"` // Default per-request timeout
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ConfigError indicates a missing or malformed configuration value that the
// user must fix before any network work can start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Load reads and parses the configuration file.
// A missing file is not an error: defaults plus environment overrides apply,
// so the CLI works with nothing but STOREFRONT_* variables set.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Fall through to env overrides.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		OAuth: OAuthConfig{
			ClientID:       "ecommerce-app",
			CallbackListen: "127.0.0.1:9876",
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STOREFRONT_BACKEND_ORIGIN"); v != "" {
		c.Backend.Origin = v
	}
	if v := os.Getenv("STOREFRONT_API_PREFIX"); v != "" {
		c.Backend.APIPrefix = v
	}
	if v := os.Getenv("STOREFRONT_AUTH_ORIGIN"); v != "" {
		c.Backend.AuthOrigin = v
	}
	if v := os.Getenv("STOREFRONT_OAUTH_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("STOREFRONT_CALLBACK_LISTEN"); v != "" {
		c.OAuth.CallbackListen = v
	}
	if v := os.Getenv("STOREFRONT_SESSION_FILE"); v != "" {
		c.Session.File = v
	}
	if v := os.Getenv("STOREFRONT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STOREFRONT_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks that the configuration is valid.
// The backend origin may be absent here: commands that need it surface a
// ConfigError before doing any network work (see ValidateOrigin).
func (c *Config) Validate() error {
	if c.Backend.Origin != "" {
		if err := c.ValidateOrigin(); err != nil {
			return err
		}
	}

	if c.Backend.AuthOrigin != "" {
		if !strings.HasPrefix(c.Backend.AuthOrigin, "http://") && !strings.HasPrefix(c.Backend.AuthOrigin, "https://") {
			return fmt.Errorf("backend.auth_origin must be a valid HTTP(S) URL")
		}
	}

	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if c.OAuth.CallbackListen == "" {
		return fmt.Errorf("oauth.callback_listen is required")
	}

	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

// ValidateOrigin checks that the backend origin is set and is a well-formed
// absolute http(s) URL. Returns a *ConfigError suitable for user display.
func (c *Config) ValidateOrigin() error {
	origin := strings.TrimSpace(c.Backend.Origin)
	if origin == "" {
		return &ConfigError{
			Field:  "backend.origin",
			Reason: "not set; point it at the storefront backend (e.g., http://localhost:8080) or set STOREFRONT_BACKEND_ORIGIN",
		}
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return &ConfigError{
			Field:  "backend.origin",
			Reason: fmt.Sprintf("%q must start with http:// or https://", origin),
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return &ConfigError{
			Field:  "backend.origin",
			Reason: fmt.Sprintf("%q is not a valid absolute URL", origin),
		}
	}
	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
