// ABOUTME: Configuration loading and parsing for coven-coord
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by discovery.backend.
const (
	BackendAuto    = ""
	BackendTmux    = "tmux"
	BackendProcess = "process"
)

// Config represents the complete coven-coord configuration
type Config struct {
	Project   ProjectConfig   `yaml:"project" toml:"project"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Locks     LocksConfig     `yaml:"locks" toml:"locks"`
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`
	Acks      AcksConfig      `yaml:"acks" toml:"acks"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ProjectConfig locates the shared project and its coordination state
type ProjectConfig struct {
	Root        string `yaml:"root" toml:"root"`
	StateDir    string `yaml:"state_dir" toml:"state_dir"`
	SessionName string `yaml:"session_name" toml:"session_name"`
}

// DiscoveryConfig controls backend selection and registry refresh
type DiscoveryConfig struct {
	Backend         string        `yaml:"backend" toml:"backend"`
	CLIName         string        `yaml:"cli_name" toml:"cli_name"`
	ExcludePatterns []string      `yaml:"exclude_patterns" toml:"exclude_patterns"`
	StaleAfter      time.Duration `yaml:"-" toml:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StaleAfterRaw      string `yaml:"stale_after" toml:"stale_after"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
}

// LocksConfig holds lease timing for file locks
type LocksConfig struct {
	StaleTimeout    time.Duration `yaml:"-" toml:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-"`

	StaleTimeoutRaw    string `yaml:"stale_timeout" toml:"stale_timeout"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
}

// MessagingConfig holds message validation, signing, rate limiting and retry settings
type MessagingConfig struct {
	MaxContentLength int             `yaml:"max_content_length" toml:"max_content_length"`
	SigningKey       string          `yaml:"signing_key" toml:"signing_key"`
	RateLimit        RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Retry            RetryConfig     `yaml:"retry" toml:"retry"`
}

// RateLimitConfig is the per-sender sliding window
type RateLimitConfig struct {
	MaxMessages   int           `yaml:"max_messages" toml:"max_messages"`
	Window        time.Duration `yaml:"-" toml:"-"`
	InactiveAfter time.Duration `yaml:"-" toml:"-"`

	WindowRaw        string `yaml:"window" toml:"window"`
	InactiveAfterRaw string `yaml:"inactive_after" toml:"inactive_after"`
}

// RetryConfig is the delivery backoff policy
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts"`
	Jitter       float64       `yaml:"jitter" toml:"jitter"`
	InitialDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`

	InitialDelayRaw string `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay" toml:"max_delay"`
}

// AcksConfig holds acknowledgment tracking settings
type AcksConfig struct {
	MaxRetries     int           `yaml:"max_retries" toml:"max_retries"`
	MaxCASAttempts int           `yaml:"max_cas_attempts" toml:"max_cas_attempts"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	SweepInterval  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw       string `yaml:"timeout" toml:"timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every per-module default filled in.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			StateDir:    ".coven",
			SessionName: "coven",
		},
		Discovery: DiscoveryConfig{
			CLIName:         "claude",
			ExcludePatterns: []string{"coven-coord"},
			StaleAfter:      5 * time.Minute,
			RefreshInterval: 30 * time.Second,
		},
		Locks: LocksConfig{
			StaleTimeout:    5 * time.Minute,
			RefreshInterval: time.Minute,
		},
		Messaging: MessagingConfig{
			MaxContentLength: 10000,
			RateLimit: RateLimitConfig{
				MaxMessages:   10,
				Window:        60 * time.Second,
				InactiveAfter: time.Hour,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				Jitter:       0.25,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     8 * time.Second,
			},
		},
		Acks: AcksConfig{
			MaxRetries:     3,
			MaxCASAttempts: 5,
			Timeout:        60 * time.Second,
			SweepInterval:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Values absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOptional behaves like Load but returns Default() when path does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// StatePath joins parts onto the coordination state directory. A relative
// state_dir is resolved against the project root.
func (c *Config) StatePath(parts ...string) string {
	base := c.Project.StateDir
	if !filepath.IsAbs(base) {
		base = filepath.Join(c.Project.Root, base)
	}
	return filepath.Join(append([]string{base}, parts...)...)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Project.StateDir == "" {
		return fmt.Errorf("project.state_dir is required")
	}

	switch c.Discovery.Backend {
	case BackendAuto, BackendTmux, BackendProcess:
	default:
		return fmt.Errorf("discovery.backend must be one of tmux, process (got %q)", c.Discovery.Backend)
	}
	if c.Discovery.CLIName == "" {
		return fmt.Errorf("discovery.cli_name is required")
	}
	if c.Discovery.StaleAfter <= 0 {
		return fmt.Errorf("discovery.stale_after must be positive")
	}

	if c.Locks.StaleTimeout <= 0 {
		return fmt.Errorf("locks.stale_timeout must be positive")
	}
	if c.Locks.RefreshInterval <= 0 || c.Locks.RefreshInterval >= c.Locks.StaleTimeout {
		return fmt.Errorf("locks.refresh_interval must be positive and shorter than locks.stale_timeout")
	}

	if c.Messaging.MaxContentLength <= 0 {
		return fmt.Errorf("messaging.max_content_length must be positive")
	}
	if c.Messaging.RateLimit.MaxMessages <= 0 {
		return fmt.Errorf("messaging.rate_limit.max_messages must be positive")
	}
	if c.Messaging.RateLimit.Window <= 0 {
		return fmt.Errorf("messaging.rate_limit.window must be positive")
	}
	retry := c.Messaging.Retry
	if retry.MaxAttempts < 1 {
		return fmt.Errorf("messaging.retry.max_attempts must be at least 1")
	}
	if retry.InitialDelay <= 0 || retry.MaxDelay < retry.InitialDelay {
		return fmt.Errorf("messaging.retry.initial_delay must be positive and not exceed max_delay")
	}
	if retry.Jitter < 0 || retry.Jitter >= 1 {
		return fmt.Errorf("messaging.retry.jitter must be in [0, 1)")
	}

	if c.Acks.MaxRetries < 0 {
		return fmt.Errorf("acks.max_retries must not be negative")
	}
	if c.Acks.MaxCASAttempts < 1 {
		return fmt.Errorf("acks.max_cas_attempts must be at least 1")
	}
	if c.Acks.Timeout <= 0 || c.Acks.SweepInterval <= 0 {
		return fmt.Errorf("acks.timeout and acks.sweep_interval must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty raw values leave the existing (default) duration in place.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"discovery.stale_after", cfg.Discovery.StaleAfterRaw, &cfg.Discovery.StaleAfter},
		{"discovery.refresh_interval", cfg.Discovery.RefreshIntervalRaw, &cfg.Discovery.RefreshInterval},
		{"locks.stale_timeout", cfg.Locks.StaleTimeoutRaw, &cfg.Locks.StaleTimeout},
		{"locks.refresh_interval", cfg.Locks.RefreshIntervalRaw, &cfg.Locks.RefreshInterval},
		{"messaging.rate_limit.window", cfg.Messaging.RateLimit.WindowRaw, &cfg.Messaging.RateLimit.Window},
		{"messaging.rate_limit.inactive_after", cfg.Messaging.RateLimit.InactiveAfterRaw, &cfg.Messaging.RateLimit.InactiveAfter},
		{"messaging.retry.initial_delay", cfg.Messaging.Retry.InitialDelayRaw, &cfg.Messaging.Retry.InitialDelay},
		{"messaging.retry.max_delay", cfg.Messaging.Retry.MaxDelayRaw, &cfg.Messaging.Retry.MaxDelay},
		{"acks.timeout", cfg.Acks.TimeoutRaw, &cfg.Acks.Timeout},
		{"acks.sweep_interval", cfg.Acks.SweepIntervalRaw, &cfg.Acks.SweepInterval},
	}

	for _, field := range fields {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field.name, field.raw, err)
		}
		*field.dst = d
	}

	return nil
}
