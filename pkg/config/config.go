// Package config provides configuration management for the Backtrace client.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/backtrace-labs/backtrace-js/pkg/logger"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Submission formats
const (
	FormatJSON      = "json"
	FormatMultipart = "multipart"
)

// Defaults carried over from the browser client
const (
	DefaultTimeoutMs        = 15000
	DefaultTabWidth         = 8
	DefaultContextLineCount = 200
	DefaultEventsHost       = "https://events.backtrace.io"
	DefaultHeartbeat        = "@every 1m"
	DefaultSessionTimeout   = "30m"
)

// Config holds all client configuration
type Config struct {
	// Report submission
	Client ClientConfig `toml:"client"`

	// Session tracking and unique/summed events
	Session SessionConfig `toml:"session"`

	// Browser event relay
	Relay RelayConfig `toml:"relay"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ClientConfig configures report submission. It is read once at client
// construction.
type ClientConfig struct {
	// Endpoint is the submission URL (required)
	Endpoint string `toml:"endpoint" env:"BACKTRACE_ENDPOINT"`

	// Token is appended to the endpoint unless the endpoint already embeds one
	Token string `toml:"token" env:"BACKTRACE_TOKEN"`

	// Timeout for one submission in milliseconds
	Timeout int `toml:"timeout" env:"BACKTRACE_TIMEOUT"`

	// UserAttributes are attached to every report
	UserAttributes map[string]any `toml:"user_attributes"`

	// DisableGlobalHandler skips subscribing to uncaught errors
	DisableGlobalHandler bool `toml:"disable_global_handler"`

	// HandlePromises subscribes to unhandled rejections
	HandlePromises bool `toml:"handle_promises"`

	// Sampling is the probability in [0, 1] of sending a report; unset disables sampling
	Sampling *float64 `toml:"sampling" env:"BACKTRACE_SAMPLING"`

	// RateLimit is the number of reports sent per second; 0 disables it
	RateLimit int `toml:"rate_limit" env:"BACKTRACE_RATE_LIMIT"`

	// BreadcrumbLimit is the breadcrumb buffer size; 0 disables breadcrumbs
	BreadcrumbLimit int `toml:"breadcrumb_limit"`

	// Format is the submission body: json or multipart
	Format string `toml:"format"`

	// Deprecated: carried in the envelope only
	TabWidth int `toml:"tab_width"`

	// Deprecated: no longer used
	ContextLineCount int `toml:"context_line_count"`

	// Deprecated: no longer used
	DebugBacktrace bool `toml:"debug_backtrace"`
}

// TimeoutDuration returns the submission timeout
func (c ClientConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// Multipart reports whether reports are sent as form data
func (c ClientConfig) Multipart() bool {
	return c.Format == FormatMultipart
}

// SessionConfig configures session persistence and the events tracker
type SessionConfig struct {
	// Enabled turns on unique and summed events
	Enabled bool `toml:"enabled" env:"BACKTRACE_METRICS"`

	// DBPath is the SQLite store holding the installation guid and session
	DBPath string `toml:"db_path" env:"BACKTRACE_SESSION_DB"`

	// EventsHost receives unique and summed events
	EventsHost string `toml:"events_host"`

	// Application name reported with every event
	Application string `toml:"application"`

	// AppVersion reported with every event
	AppVersion string `toml:"app_version"`

	// Heartbeat is the cron spec for session persistence
	Heartbeat string `toml:"heartbeat"`

	// SessionTimeout is the idle time after which a new session starts
	SessionTimeout string `toml:"session_timeout"`
}

// SessionTimeoutDuration parses SessionTimeout, falling back to the default
func (c SessionConfig) SessionTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultSessionTimeout)
	}
	return d
}

// RelayConfig configures the HTTP/websocket relay for browser events
type RelayConfig struct {
	// ListenAddr is the relay listen address
	ListenAddr string `toml:"listen_addr" env:"BACKTRACE_RELAY_ADDR"`

	// EventsPerSecond throttles inbound events
	EventsPerSecond float64 `toml:"events_per_second"`

	// Burst is the inbound burst size
	Burst int `toml:"burst"`

	// AllowedOrigins restricts websocket origins; empty allows all
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `toml:"level" env:"BACKTRACE_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" env:"BACKTRACE_LOG_FORMAT"`

	// Output is the log output (stdout, stderr, discard, or a file path)
	Output string `toml:"output" env:"BACKTRACE_LOG_OUTPUT"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Client: ClientConfig{
			Timeout:          DefaultTimeoutMs,
			UserAttributes:   map[string]any{},
			Format:           FormatJSON,
			TabWidth:         DefaultTabWidth,
			ContextLineCount: DefaultContextLineCount,
		},
		Session: SessionConfig{
			DBPath:         filepath.Join(homeDir, ".backtrace", "session.db"),
			EventsHost:     DefaultEventsHost,
			Heartbeat:      DefaultHeartbeat,
			SessionTimeout: DefaultSessionTimeout,
		},
		Relay: RelayConfig{
			ListenAddr:      "127.0.0.1:8765",
			EventsPerSecond: 20,
			Burst:           40,
			AllowedOrigins:  []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".backtrace", "config.toml"),
		filepath.Join("/etc", "backtrace", "config.toml"),
		"./backtrace.toml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}

	if c.Session.Enabled {
		if c.Session.DBPath == "" {
			return fmt.Errorf("%w: session.db_path is required when sessions are enabled", ErrMissingValue)
		}
		if c.Session.Heartbeat == "" {
			return fmt.Errorf("%w: session.heartbeat is required when sessions are enabled", ErrMissingValue)
		}
	}
	if c.Session.SessionTimeout != "" {
		if _, err := time.ParseDuration(c.Session.SessionTimeout); err != nil {
			return fmt.Errorf("%w: session.session_timeout: %v", ErrInvalidConfig, err)
		}
	}

	if c.Relay.EventsPerSecond < 0 {
		return fmt.Errorf("%w: relay.events_per_second cannot be negative", ErrInvalidConfig)
	}
	if c.Relay.Burst < 0 {
		return fmt.Errorf("%w: relay.burst cannot be negative", ErrInvalidConfig)
	}

	if c.Logging.Level != "" && !logger.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	return nil
}

// Validate validates the submission settings
func (c ClientConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: client.endpoint is required", ErrMissingValue)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: client.timeout cannot be negative", ErrInvalidConfig)
	}
	if c.Sampling != nil && (math.IsNaN(*c.Sampling) || *c.Sampling < 0 || *c.Sampling > 1) {
		return fmt.Errorf("%w: client.sampling must be between 0 and 1", ErrInvalidConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: client.rate_limit cannot be negative", ErrInvalidConfig)
	}
	if c.BreadcrumbLimit < 0 {
		return fmt.Errorf("%w: client.breadcrumb_limit cannot be negative", ErrInvalidConfig)
	}
	switch c.Format {
	case "", FormatJSON, FormatMultipart:
	default:
		return fmt.Errorf("%w: client.format must be one of: json, multipart", ErrInvalidConfig)
	}
	return nil
}
