package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1883, cfg.Broker.DefaultPort)
	assert.Equal(t, 100, cfg.Broker.PortScanWindow)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.PerAttemptDelay)
	assert.Equal(t, 30*time.Second, cfg.Supervision.Interval)
	assert.Equal(t, time.Second, cfg.Probe.PingTimeout)
	assert.Equal(t, time.Second, cfg.Probe.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Release.GracefulTimeout)
	assert.Equal(t, 2*time.Second, cfg.Release.ForceTimeout)
	assert.Equal(t, 2*time.Second, cfg.Release.SettleDelay)
	assert.False(t, cfg.Broker.SerializeStartup)
	require.NoError(t, cfg.Validate())
}

func TestParse_OverridesOnTopOfDefaults(t *testing.T) {
	data := []byte(`
broker:
  default_port: 2883
  bind_address: 10.0.0.5
retry:
  max_attempts: 3
  per_attempt_delay: 250ms
probe:
  enabled: false
release:
  enabled: false
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 2883, cfg.Broker.DefaultPort)
	assert.Equal(t, "10.0.0.5", cfg.Broker.BindAddress)
	assert.Equal(t, 100, cfg.Broker.PortScanWindow, "untouched fields keep defaults")
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.PerAttemptDelay)
	assert.False(t, cfg.Probe.Enabled)
	assert.False(t, cfg.Release.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Supervision.Interval)
}

func TestParse_ZeroValuesFallBackToDefaults(t *testing.T) {
	cfg, err := Parse([]byte("broker:\n  default_port: 0\nretry:\n  max_attempts: 0\n"))
	require.NoError(t, err)

	assert.Equal(t, 1883, cfg.Broker.DefaultPort)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port out of range", "broker:\n  default_port: 70000\n"},
		{"negative window", "broker:\n  port_scan_window: -1\n"},
		{"negative delay", "retry:\n  per_attempt_delay: -1s\n"},
		{"bad level", "log:\n  level: verbose\n"},
		{"malformed yaml", "broker: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 7
	cfg.Retry.PerAttemptDelay = time.Second

	p := cfg.RetryPolicy()
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Second, p.PerAttemptDelay)
}

func TestLoad_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  default_port: 1999\n"), 0644))

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, 1999, cfg.Broker.DefaultPort)
}

func TestLoad_EnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervision:\n  interval: 5s\n"), 0644))
	t.Setenv(EnvConfigPath, path)

	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, 5*time.Second, cfg.Supervision.Interval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
