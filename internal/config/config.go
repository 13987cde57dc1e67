// Package config provides configuration parsing and validation for wiretap.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/wiretap/internal/logging"
)

// Config represents the complete wiretap configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Identity  IdentityConfig  `yaml:"identity"`
	Detection DetectionConfig `yaml:"detection"`
	Tap       TapConfig       `yaml:"tap"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// IdentityConfig points at the identity used to decrypt connections.
type IdentityConfig struct {
	Path string `yaml:"path"` // empty means no identity
}

// DetectionConfig tunes protocol detection.
type DetectionConfig struct {
	PowTarget         float64 `yaml:"pow_target"`
	MaxUnpairedChunks int     `yaml:"max_unpaired_chunks"`
}

// TapConfig defines the relaying TCP tap.
type TapConfig struct {
	Listen         string        `yaml:"listen"`
	Upstream       string        `yaml:"upstream"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	AcceptRate     float64       `yaml:"accept_rate"` // connections per second, 0 = unlimited
	AcceptBurst    int           `yaml:"accept_burst"`
	Render         bool          `yaml:"render"`
}

// MetricsConfig defines the metrics and health HTTP server.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Detection: DetectionConfig{
			PowTarget:         24.0,
			MaxUnpairedChunks: 2,
		},
		Tap: TapConfig{
			Listen:         "127.0.0.1:19732",
			DialTimeout:    10 * time.Second,
			MaxConnections: 64,
			Render:         true,
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9100",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars substitutes $VAR, ${VAR} and ${VAR:-default}. Unset
// variables without a default are left as written.
func expandEnvVars(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, hasDefault := strings.Cut(ref, ":-")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return fallback
		}
		return "${" + ref + "}"
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format: %q (must be text or json)", c.Log.Format))
	}

	if c.Detection.PowTarget < 0 || c.Detection.PowTarget >= 256 {
		errs = append(errs, fmt.Sprintf("detection.pow_target must be in [0, 256), got %g", c.Detection.PowTarget))
	}
	if c.Detection.MaxUnpairedChunks < 1 {
		errs = append(errs, "detection.max_unpaired_chunks must be positive")
	}

	if !isValidAddress(c.Tap.Listen) {
		errs = append(errs, fmt.Sprintf("tap.listen: invalid address: %q", c.Tap.Listen))
	}
	if c.Tap.Upstream != "" && !isValidAddress(c.Tap.Upstream) {
		errs = append(errs, fmt.Sprintf("tap.upstream: invalid address: %q", c.Tap.Upstream))
	}
	if c.Tap.DialTimeout <= 0 {
		errs = append(errs, "tap.dial_timeout must be positive")
	}
	if c.Tap.MaxConnections < 1 {
		errs = append(errs, "tap.max_connections must be positive")
	}
	if c.Tap.AcceptRate < 0 || c.Tap.AcceptBurst < 0 {
		errs = append(errs, "tap.accept_rate and tap.accept_burst must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// String returns a string representation of the config (for debugging).
// The identity path is redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the identity location hidden.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Identity.Path != "" {
		redacted.Identity.Path = redactedValue
	}
	return &redacted
}
