// Package config loads Helios's runtime configuration from defaults, an
// optional YAML file, and environment variable overrides, following the
// teacher's internal/config layering (defaults → file → applyDefaults)
// but against YAML rather than a generated JSON project manifest.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseMode governs how the Coordinator handles a wire-codec decode
// error (spec.md §4.7).
type ParseMode string

const (
	ParseModeStrict      ParseMode = "strict"
	ParseModePermissive  ParseMode = "permissive"
	ParseModePassthrough ParseMode = "passthrough"
)

// SessionRecoveryConfig mirrors spec.md §6's sessionRecovery block.
type SessionRecoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Secret  string        `yaml:"secret"`
	TTL     time.Duration `yaml:"ttl"`
}

// HealthCheckConfig mirrors spec.md §6's healthCheck block.
type HealthCheckConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMissed int           `yaml:"maxMissed"`
}

// Config is Helios's complete runtime configuration (spec.md §6).
type Config struct {
	ListenAddr      string                `yaml:"listenAddr"`
	RequestTimeout  time.Duration         `yaml:"requestTimeout"`
	ParseMode       ParseMode             `yaml:"parseMode"`
	SessionRecovery SessionRecoveryConfig `yaml:"sessionRecovery"`
	HealthCheck     HealthCheckConfig     `yaml:"healthCheck"`
	SweepInterval   time.Duration         `yaml:"sweepInterval"`

	path string
}

// New returns a Config populated with spec.md §6's defaults.
func New() *Config {
	return &Config{
		ListenAddr:     ":8080",
		RequestTimeout: 5 * time.Second,
		ParseMode:      ParseModeStrict,
		SessionRecovery: SessionRecoveryConfig{
			Enabled: false,
			TTL:     300 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:   true,
			Interval:  30 * time.Second,
			Timeout:   10 * time.Second,
			MaxMissed: 2,
		},
		SweepInterval: 60 * time.Second,
	}
}

// Load reads YAML configuration from path over New()'s defaults, then
// applies environment variable overrides, then validates. A missing
// file is not an error: defaults (plus env overrides) are used as-is.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.path = path
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides matches the teacher's own env-first-then-file precedence
// pattern for deployment knobs (see cmd/vango's flag/env handling).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HELIOS_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("HELIOS_SESSION_SECRET"); v != "" {
		c.SessionRecovery.Secret = v
	}
	if v := os.Getenv("HELIOS_SESSION_RECOVERY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SessionRecovery.Enabled = b
		}
	}
	if v := os.Getenv("HELIOS_PARSE_MODE"); v != "" {
		c.ParseMode = ParseMode(v)
	}
}

// Path returns the file path Config was loaded from, or "" if none.
func (c *Config) Path() string { return c.path }

// Validate enforces spec.md §4.1/§6's configuration invariants.
func (c *Config) Validate() error {
	switch c.ParseMode {
	case ParseModeStrict, ParseModePermissive, ParseModePassthrough:
	default:
		return fmt.Errorf("config: invalid parseMode %q", c.ParseMode)
	}

	if c.SessionRecovery.Enabled && len(c.SessionRecovery.Secret) < 32 {
		return fmt.Errorf("config: sessionRecovery.secret must be at least 32 bytes when sessionRecovery.enabled is true")
	}

	if c.HealthCheck.MaxMissed < 1 {
		return fmt.Errorf("config: healthCheck.maxMissed must be at least 1")
	}

	return nil
}
