package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/backtrace-labs/backtrace-js/pkg/logger"
)

// Load loads configuration from a file path. An empty path searches
// ConfigPaths; when nothing is found the defaults are used. overrides run
// after the environment is applied and before validation.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		logger.Warn("no configuration file found, using defaults",
			"checked", ConfigPaths(),
			"hint", "create one with: btreport init")
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Client.ContextLineCount != DefaultContextLineCount || cfg.Client.DebugBacktrace {
		logger.Warn("context_line_count and debug_backtrace are deprecated and ignored")
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BACKTRACE_ENDPOINT"); v != "" {
		cfg.Client.Endpoint = v
	}
	if v := os.Getenv("BACKTRACE_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
	if v := os.Getenv("BACKTRACE_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BACKTRACE_TIMEOUT: %w", err)
		}
		cfg.Client.Timeout = n
	}
	if v := os.Getenv("BACKTRACE_SAMPLING"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BACKTRACE_SAMPLING: %w", err)
		}
		cfg.Client.Sampling = &f
	}
	if v := os.Getenv("BACKTRACE_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BACKTRACE_RATE_LIMIT: %w", err)
		}
		cfg.Client.RateLimit = n
	}

	if v := os.Getenv("BACKTRACE_METRICS"); v != "" {
		cfg.Session.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BACKTRACE_SESSION_DB"); v != "" {
		cfg.Session.DBPath = v
	}

	if v := os.Getenv("BACKTRACE_RELAY_ADDR"); v != "" {
		cfg.Relay.ListenAddr = v
	}

	if v := os.Getenv("BACKTRACE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BACKTRACE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BACKTRACE_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}

	return nil
}

// Save saves the configuration to a file. Unlike Load it does not require an
// endpoint, so a template can be written before one is known.
func Save(cfg *Config, path string) error {
	check := *cfg
	if check.Client.Endpoint == "" {
		check.Client.Endpoint = "placeholder"
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgCopy := *cfg
	cfgCopy.Session.DBPath = filepath.ToSlash(cfg.Session.DBPath)

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
