// ABOUTME: Configuration loading and parsing for harbormaster
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete harbormaster configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Gateways GatewaysConfig `yaml:"gateways"`
	Health   HealthConfig   `yaml:"health"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds caller-facing authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GatewaysConfig holds gateway connection timing configuration.
// The raw string fields exist only for YAML unmarshaling; Load fills
// the time.Duration fields.
type GatewaysConfig struct {
	RequestTimeout   time.Duration `yaml:"-"`
	SendTimeout      time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw   string `yaml:"request_timeout"`
	SendTimeoutRaw      string `yaml:"send_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
}

// HealthConfig holds health and recovery loop configuration
type HealthConfig struct {
	Interval         time.Duration `yaml:"-"`
	RecoveryInterval time.Duration `yaml:"-"`
	ProbeTimeout     time.Duration `yaml:"-"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxConcurrent    int           `yaml:"max_concurrent"`

	IntervalRaw         string `yaml:"interval"`
	RecoveryIntervalRaw string `yaml:"recovery_interval"`
	ProbeTimeoutRaw     string `yaml:"probe_timeout"`
}

// SandboxConfig holds container runtime configuration
type SandboxConfig struct {
	// Network is the docker network gateway containers are attached to.
	// Empty means instances are addressed over loopback port mappings.
	Network string `yaml:"network"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults used when the config file omits a value.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultSendTimeout      = 120 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultHealthInterval   = 60 * time.Second
	DefaultRecoveryInterval = 120 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxConcurrent    = 5
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	if c.Health.MaxConcurrent < 1 {
		return fmt.Errorf("health.max_concurrent must be at least 1")
	}
	return nil
}

// applyDefaults fills zero-valued tunables with their defaults.
func (c *Config) applyDefaults() {
	if c.Gateways.RequestTimeout == 0 {
		c.Gateways.RequestTimeout = DefaultRequestTimeout
	}
	if c.Gateways.SendTimeout == 0 {
		c.Gateways.SendTimeout = DefaultSendTimeout
	}
	if c.Gateways.HandshakeTimeout == 0 {
		c.Gateways.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.RecoveryInterval == 0 {
		c.Health.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = DefaultFailureThreshold
	}
	if c.Health.MaxConcurrent == 0 {
		c.Health.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Gateways.RequestTimeoutRaw, &cfg.Gateways.RequestTimeout, "request_timeout"},
		{cfg.Gateways.SendTimeoutRaw, &cfg.Gateways.SendTimeout, "send_timeout"},
		{cfg.Gateways.HandshakeTimeoutRaw, &cfg.Gateways.HandshakeTimeout, "handshake_timeout"},
		{cfg.Health.IntervalRaw, &cfg.Health.Interval, "interval"},
		{cfg.Health.RecoveryIntervalRaw, &cfg.Health.RecoveryInterval, "recovery_interval"},
		{cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout, "probe_timeout"},
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
