// ABOUTME: Configuration loading and parsing for warren-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren-hub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Stream   StreamConfig   `yaml:"stream"`
	Sessions SessionsConfig `yaml:"sessions"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Health   HealthConfig   `yaml:"health"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StreamConfig holds output ring buffer and subscriber fan-out configuration
type StreamConfig struct {
	// RingCapacity is the number of output chunks retained per session.
	RingCapacity int `yaml:"ring_capacity"`
	// SubscriberBuffer is the per-subscriber channel capacity. A subscriber
	// that falls this many chunks behind is disconnected.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	GracePeriod time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	GracePeriodRaw string `yaml:"grace_period"`
}

// DispatchConfig holds scheduled message dispatch configuration
type DispatchConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	TickInterval time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	BackoffBase  time.Duration `yaml:"-"`
	BackoffMax   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TickIntervalRaw string `yaml:"tick_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
	BackoffBaseRaw  string `yaml:"backoff_base"`
	BackoffMaxRaw   string `yaml:"backoff_max"`
}

// HealthConfig holds heartbeat aggregation configuration
type HealthConfig struct {
	CheckTimeout time.Duration `yaml:"-"`
	Interval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CheckTimeoutRaw string `yaml:"check_timeout"`
	IntervalRaw     string `yaml:"interval"`
}

// APIConfig holds HTTP API configuration
type APIConfig struct {
	// PollRate is the sustained request rate (per second, per client) allowed
	// on the pull-fallback session output endpoint.
	PollRate float64 `yaml:"poll_rate"`
	// PollBurst is the burst allowance on top of PollRate.
	PollBurst int `yaml:"poll_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults used when the corresponding config fields are absent. All of these
// are tunables, not protocol constants.
const (
	DefaultRingCapacity     = 2048
	DefaultSubscriberBuffer = 64
	DefaultMaxAttempts      = 3
	DefaultGracePeriod      = time.Minute
	DefaultTickInterval     = time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second
	DefaultCheckTimeout     = 5 * time.Second
	DefaultHealthInterval   = 10 * time.Minute
	DefaultPollRate         = 2.0
	DefaultPollBurst        = 5
)

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

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated entirely from defaults, suitable
// for tests and for embedding components outside the full server.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
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

// applyDefaults fills zero-valued tunables with conservative defaults.
func (c *Config) applyDefaults() {
	if c.Stream.RingCapacity <= 0 {
		c.Stream.RingCapacity = DefaultRingCapacity
	}
	if c.Stream.SubscriberBuffer <= 0 {
		c.Stream.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Sessions.GracePeriod <= 0 {
		c.Sessions.GracePeriod = DefaultGracePeriod
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Dispatch.TickInterval <= 0 {
		c.Dispatch.TickInterval = DefaultTickInterval
	}
	if c.Dispatch.WriteTimeout <= 0 {
		c.Dispatch.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dispatch.BackoffBase <= 0 {
		c.Dispatch.BackoffBase = DefaultBackoffBase
	}
	if c.Dispatch.BackoffMax <= 0 {
		c.Dispatch.BackoffMax = DefaultBackoffMax
	}
	if c.Health.CheckTimeout <= 0 {
		c.Health.CheckTimeout = DefaultCheckTimeout
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.API.PollRate <= 0 {
		c.API.PollRate = DefaultPollRate
	}
	if c.API.PollBurst <= 0 {
		c.API.PollBurst = DefaultPollBurst
	}
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

	if c.Dispatch.BackoffBase > c.Dispatch.BackoffMax {
		return fmt.Errorf("dispatch.backoff_base (%s) exceeds dispatch.backoff_max (%s)",
			c.Dispatch.BackoffBase, c.Dispatch.BackoffMax)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Sessions.GracePeriodRaw, "sessions.grace_period", &cfg.Sessions.GracePeriod},
		{cfg.Dispatch.TickIntervalRaw, "dispatch.tick_interval", &cfg.Dispatch.TickInterval},
		{cfg.Dispatch.WriteTimeoutRaw, "dispatch.write_timeout", &cfg.Dispatch.WriteTimeout},
		{cfg.Dispatch.BackoffBaseRaw, "dispatch.backoff_base", &cfg.Dispatch.BackoffBase},
		{cfg.Dispatch.BackoffMaxRaw, "dispatch.backoff_max", &cfg.Dispatch.BackoffMax},
		{cfg.Health.CheckTimeoutRaw, "health.check_timeout", &cfg.Health.CheckTimeout},
		{cfg.Health.IntervalRaw, "health.interval", &cfg.Health.Interval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
