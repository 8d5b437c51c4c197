// Package config loads and validates the proxy configuration from defaults,
// an optional config file, and MEMPROXY_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/localrivet/configurator"

	"github.com/localmem/memproxy/internal/errortypes"
	"github.com/localmem/memproxy/internal/identity"
)

// Config is the full proxy configuration.
type Config struct {
	// Remote configures the upstream tool host. An empty BaseURL selects
	// direct mode, where tool calls execute against Store instead.
	Remote struct {
		// BaseURL is the tool host endpoint, e.g. "http://localhost:8080".
		BaseURL string `json:"base_url" env:"REMOTE_BASE_URL"`

		// SessionPath is the handshake stream path on the tool host.
		SessionPath string `json:"session_path" env:"REMOTE_SESSION_PATH"`

		// MessagePath is the forwarding path on the tool host.
		MessagePath string `json:"message_path" env:"REMOTE_MESSAGE_PATH"`

		// IdentityHeader carries the resolved identity out-of-band.
		IdentityHeader string `json:"identity_header" env:"REMOTE_IDENTITY_HEADER"`

		// TimeoutSeconds bounds each upstream HTTP request.
		TimeoutSeconds int `json:"timeout_seconds" env:"REMOTE_TIMEOUT_SECONDS" validate:"min:1"`
	} `json:"remote"`

	// Store configures the direct-mode memory store API.
	Store struct {
		// BaseURL is the memory store endpoint used when no remote tool
		// host is configured.
		BaseURL string `json:"base_url" env:"STORE_BASE_URL"`
	} `json:"store"`

	// Proxy configures the serving side.
	Proxy struct {
		// Transport selects the front door: "stdio", "http", or "both".
		Transport string `json:"transport" env:"TRANSPORT"`

		// HTTPAddr is the listen address for the HTTP transport.
		HTTPAddr string `json:"http_addr" env:"HTTP_ADDR"`

		// DefaultUserID is the identity for stream callers and for HTTP
		// requests that carry no identity.
		DefaultUserID string `json:"default_user_id" env:"DEFAULT_USER_ID" validate:"required"`
	} `json:"proxy"`

	// Session configures upstream session lifecycle.
	Session struct {
		// IdleTTLMinutes is how long an unused session survives.
		IdleTTLMinutes int `json:"idle_ttl_minutes" env:"SESSION_IDLE_TTL_MINUTES" validate:"min:1"`
	} `json:"session"`

	// Logging contains logging-related configuration.
	Logging struct {
		// Level is the minimum log level ("debug", "info", "warn", "error").
		Level string `json:"level" env:"LOG_LEVEL" validate:"required"`

		// Format is the log format ("text", "json").
		Format string `json:"format" env:"LOG_FORMAT"`
	} `json:"logging"`

	configPath string `json:"-"`
}

// Default configuration values
const (
	DefaultConfigFilename = ".memproxyconfig"
	DefaultSessionPath    = "/sse"
	DefaultMessagePath    = "/messages/"
	DefaultIdentityHeader = "X-User-ID"
	DefaultTimeoutSeconds = 30
	DefaultStoreBaseURL   = "http://localhost:8888"
	DefaultTransport      = "stdio"
	DefaultHTTPAddr       = ":8083"
	DefaultIdleTTLMinutes = 30
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// NewConfig creates a Config populated with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.Remote.SessionPath = DefaultSessionPath
	cfg.Remote.MessagePath = DefaultMessagePath
	cfg.Remote.IdentityHeader = DefaultIdentityHeader
	cfg.Remote.TimeoutSeconds = DefaultTimeoutSeconds
	cfg.Store.BaseURL = DefaultStoreBaseURL
	cfg.Proxy.Transport = DefaultTransport
	cfg.Proxy.HTTPAddr = DefaultHTTPAddr
	cfg.Proxy.DefaultUserID = string(identity.Default)
	cfg.Session.IdleTTLMinutes = DefaultIdleTTLMinutes
	cfg.Logging.Level = DefaultLogLevel
	cfg.Logging.Format = DefaultLogFormat
	return cfg
}

// LoadConfig loads the configuration from the default path.
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath(DefaultConfigFilename)
}

// LoadConfigWithPath loads the configuration from a specific path. A missing
// file is not an error; defaults and environment still apply.
func LoadConfigWithPath(configPath string) (*Config, error) {
	// The stream transport owns stdout, so bootstrap logging goes to stderr.
	stdLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := NewConfig()

	if configPath == DefaultConfigFilename {
		if foundPath, err := configurator.FindConfigFile(configPath); err == nil {
			configPath = foundPath
			stdLogger.Debug("Found config file at " + foundPath)
		}
	}

	loader := configurator.New(stdLogger).
		WithProvider(configurator.NewDefaultProvider())

	// A missing file is not an error; environment overrides still apply.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		stdLogger.Info("Config file not found, loading from defaults and environment", "path", configPath)
	} else {
		stdLogger.Info("Loading configuration", "path", configPath)
		loader = loader.WithProvider(configurator.NewFileProvider(configPath))
	}

	loader = loader.
		WithProvider(configurator.NewEnvProvider("MEMPROXY")).
		WithValidator(configurator.NewDefaultValidator())

	if err := loader.Load(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.configPath = configPath
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints the tag validator cannot express.
func (c *Config) Validate() error {
	if !identity.Valid(c.Proxy.DefaultUserID) {
		return errortypes.ConfigError(
			fmt.Errorf("default_user_id %q does not match the identity pattern", c.Proxy.DefaultUserID),
			"invalid proxy configuration")
	}
	switch c.Proxy.Transport {
	case "stdio", "http", "both":
	default:
		return errortypes.ConfigError(
			fmt.Errorf("transport must be stdio, http, or both, got %q", c.Proxy.Transport),
			"invalid proxy configuration")
	}
	if c.Remote.BaseURL == "" && c.Store.BaseURL == "" {
		return errortypes.ConfigError(
			fmt.Errorf("either remote.base_url or store.base_url must be set"),
			"invalid proxy configuration")
	}
	return nil
}

// RemoteTimeout returns the upstream request timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// SessionIdleTTL returns the idle eviction TTL as a duration.
func (c *Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.Session.IdleTTLMinutes) * time.Minute
}

// DirectMode reports whether tool calls execute against the store directly
// instead of being forwarded to a remote tool host.
func (c *Config) DirectMode() bool {
	return c.Remote.BaseURL == ""
}

// SaveToFile saves the configuration to the specified file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := configurator.SaveToFile(c, path, configurator.FormatJSON); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	c.configPath = path
	return nil
}

// GetConfigPath returns the path of the currently loaded configuration file.
func (c *Config) GetConfigPath() string {
	return c.configPath
}
