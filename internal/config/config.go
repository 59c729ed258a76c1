// ABOUTME: Configuration loading and parsing for muse
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/muse/internal/intent"
)

// Config represents the complete muse configuration
type Config struct {
	Service  ServiceConfig  `yaml:"service" toml:"service"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Defaults DefaultsConfig `yaml:"defaults" toml:"defaults"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServiceConfig holds the email service connection settings
type ServiceConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Mode    string `yaml:"mode" toml:"mode"` // stream | batch
	Token   string `yaml:"token" toml:"token"`
	// Quality routes batch generation through the service's quality pipeline.
	Quality bool `yaml:"quality" toml:"quality"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// SessionConfig selects where the chat record is kept
type SessionConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // memory | sqlite
	Path    string `yaml:"path" toml:"path"`
	Key     string `yaml:"key" toml:"key"`
}

// DefaultsConfig holds per-request defaults
type DefaultsConfig struct {
	Tone  string `yaml:"tone" toml:"tone"`
	Model string `yaml:"model" toml:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 60 * time.Second
	DefaultKey     = "muse.chats"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist. Any other error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Service.BaseURL == "" {
		cfg.Service.BaseURL = DefaultBaseURL
	}
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = "stream"
	}
	if cfg.Service.TimeoutRaw == "" && cfg.Service.Timeout == 0 {
		cfg.Service.Timeout = DefaultTimeout
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	if cfg.Session.Key == "" {
		cfg.Session.Key = DefaultKey
	}
	if cfg.Session.Path != "" {
		cfg.Session.Path = expandHome(cfg.Session.Path)
	}
	if cfg.Defaults.Tone == "" {
		cfg.Defaults.Tone = string(intent.ToneProfessional)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service.base_url must be an http(s) URL, got %q", c.Service.BaseURL)
	}

	switch c.Service.Mode {
	case "stream", "batch":
	default:
		return fmt.Errorf("service.mode must be stream or batch, got %q", c.Service.Mode)
	}

	if c.Service.Timeout < 0 {
		return fmt.Errorf("service.timeout must not be negative")
	}

	switch c.Session.Backend {
	case "memory":
	case "sqlite":
		if c.Session.Path == "" {
			return fmt.Errorf("session.path is required when session.backend is sqlite")
		}
	default:
		return fmt.Errorf("session.backend must be memory or sqlite, got %q", c.Session.Backend)
	}

	if _, err := intent.ParseTone(c.Defaults.Tone); err != nil {
		return fmt.Errorf("defaults.tone: %w", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Service.TimeoutRaw != "" {
		cfg.Service.Timeout, err = time.ParseDuration(cfg.Service.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Service.TimeoutRaw, err)
		}
	}

	return nil
}
