// Package config provides configuration for brokerd.
//
// Config file locations (priority order):
//  1. --config flag
//  2. $BROKERD_CONFIG
//  3. ./brokerd.yaml
//  4. ~/.config/brokerd/config.yaml
//
// A missing file is not an error; defaults are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/packline/brokerd/internal/domain"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "BROKERD_CONFIG"

// Config is the full brokerd configuration.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Retry       RetryConfig       `yaml:"retry"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Probe       ProbeConfig       `yaml:"probe"`
	Release     ReleaseConfig     `yaml:"release"`
	Log         LogConfig         `yaml:"log"`
	Journal     JournalConfig     `yaml:"journal"`
	Endpoint    EndpointConfig    `yaml:"endpoint"`
}

// BrokerConfig controls where the broker binds.
type BrokerConfig struct {
	DefaultPort      int    `yaml:"default_port"`
	PortScanWindow   int    `yaml:"port_scan_window"`
	BindAddress      string `yaml:"bind_address"` // skips adapter discovery when set
	SerializeStartup bool   `yaml:"serialize_startup"`
}

// RetryConfig bounds the startup protocol.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	PerAttemptDelay time.Duration `yaml:"per_attempt_delay"`
}

// SupervisionConfig controls the health loop.
type SupervisionConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StopOnExit bool          `yaml:"stop_on_exit"`
}

// ProbeConfig controls reachability and port probes.
type ProbeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ReleaseConfig controls killing processes that hold the default port.
type ReleaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	ForceTimeout    time.Duration `yaml:"force_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
}

// LogConfig controls zap output.
type LogConfig struct {
	Dir           string `yaml:"dir"`
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
	Console       bool   `yaml:"console"`
}

// JournalConfig controls the encrypted status journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// EndpointConfig controls the published endpoint file.
type EndpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns defaults matching the production line setup.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Broker: BrokerConfig{
			DefaultPort:    1883,
			PortScanWindow: 100,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			PerAttemptDelay: 10 * time.Second,
		},
		Supervision: SupervisionConfig{
			Interval:   30 * time.Second,
			StopOnExit: true,
		},
		Probe: ProbeConfig{
			Enabled:        true,
			PingTimeout:    time.Second,
			ConnectTimeout: time.Second,
		},
		Release: ReleaseConfig{
			Enabled:         true,
			GracefulTimeout: 5 * time.Second,
			ForceTimeout:    2 * time.Second,
			SettleDelay:     2 * time.Second,
		},
		Log: LogConfig{
			Dir:           filepath.Join(dataDir, "logs"),
			Level:         "info",
			RetentionDays: 30,
			Console:       true,
		},
		Journal: JournalConfig{
			Enabled: true,
			Dir:     dataDir,
		},
		Endpoint: EndpointConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "endpoint.json"),
		},
	}
}

// Load finds and loads the config file, or returns defaults if none found.
// explicit takes precedence over the search path.
func Load(explicit string) (*Config, string, error) {
	path := explicit
	if path == "" {
		path = FindConfigPath()
	}
	if path == "" {
		return DefaultConfig(), "", nil
	}
	cfg, err := LoadFromPath(path)
	return cfg, path, err
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigPath returns the first existing config file, or "".
func FindConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	candidates := []string{"brokerd.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "brokerd", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Broker.DefaultPort == 0 {
		c.Broker.DefaultPort = d.Broker.DefaultPort
	}
	if c.Broker.PortScanWindow == 0 {
		c.Broker.PortScanWindow = d.Broker.PortScanWindow
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Supervision.Interval == 0 {
		c.Supervision.Interval = d.Supervision.Interval
	}
	if c.Probe.PingTimeout == 0 {
		c.Probe.PingTimeout = d.Probe.PingTimeout
	}
	if c.Probe.ConnectTimeout == 0 {
		c.Probe.ConnectTimeout = d.Probe.ConnectTimeout
	}
	if c.Release.GracefulTimeout == 0 {
		c.Release.GracefulTimeout = d.Release.GracefulTimeout
	}
	if c.Release.ForceTimeout == 0 {
		c.Release.ForceTimeout = d.Release.ForceTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = d.Journal.Dir
	}
	if c.Endpoint.Path == "" {
		c.Endpoint.Path = d.Endpoint.Path
	}
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.DefaultPort < 1 || c.Broker.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("broker.default_port %d out of range", c.Broker.DefaultPort))
	}
	if c.Broker.PortScanWindow < 1 {
		errs = append(errs, fmt.Errorf("broker.port_scan_window must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	if c.Retry.PerAttemptDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.per_attempt_delay must not be negative"))
	}
	if c.Supervision.Interval <= 0 {
		errs = append(errs, fmt.Errorf("supervision.interval must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q not one of debug|info|warn|error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the startup retry policy.
func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		PerAttemptDelay: c.Retry.PerAttemptDelay,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "brokerd")
	}
	return filepath.Join(os.TempDir(), "brokerd")
}
