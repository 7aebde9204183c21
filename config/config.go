// Package config loads the daemon's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for boroledgerd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	DatabasePath  string         `yaml:"database"`
	Auth          AuthConfig     `yaml:"auth"`
	Throttle      ThrottleConfig `yaml:"throttle"`
	Anchor        AnchorConfig   `yaml:"anchor"`
	Expiry        ExpiryConfig   `yaml:"expiry"`
	Seed          bool           `yaml:"seed_demo"`
}

// AuthConfig controls token issuance and QR signing. The secret may also be
// supplied through the BOROLEDGER_SECRET environment variable, which takes
// precedence over the file value.
type AuthConfig struct {
	Secret   string   `yaml:"secret"`
	TokenTTL Duration `yaml:"token_ttl"`
}

// ThrottleConfig bounds per-client request rates at the HTTP edge.
type ThrottleConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// AnchorConfig tunes the periodic anchoring job. Disabled when the interval
// is zero; the admin endpoint still anchors on demand.
type AnchorConfig struct {
	Interval Duration `yaml:"interval"`
}

// ExpiryConfig tunes the periodic expiry job. Disabled when the interval is
// zero; the admin endpoint still runs batches on demand.
type ExpiryConfig struct {
	Interval Duration `yaml:"interval"`
}

// secretEnv overrides the configured auth secret when set.
const secretEnv = "BOROLEDGER_SECRET"

// Load reads and validates the configuration file.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv(secretEnv)); env != "" {
		cfg.Auth.Secret = env
	}
	return cfg.withDefaults().validate()
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = "rewards.db"
	}
	return c
}

func (c Config) validate() (Config, error) {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return c, fmt.Errorf("config: auth secret required (set auth.secret or %s)", secretEnv)
	}
	if c.Throttle.RequestsPerMinute < 0 {
		return c, fmt.Errorf("config: throttle requests_per_minute must not be negative")
	}
	return c, nil
}
