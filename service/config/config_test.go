package config

import (
	"testing"
	"time"

	"github.com/brojonat/dccwallet/service/txpipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.NATSURL, "NATS is off unless configured")
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 2, cfg.ProbeMaxAttempts)
	assert.Equal(t, time.Second, cfg.ProbeInterval)
	assert.Equal(t, []string{"chrome", "firefox", "opera", "edge"}, cfg.SupportedBrowsers)
	assert.Equal(t, txpipeline.ModeAuto, cfg.TxMode)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, time.Second, cfg.ConfirmPollInterval)
	assert.Equal(t, 10, cfg.NodeRequestsPerSecond)
	assert.Equal(t, 10*time.Second, cfg.NodeTimeout)
	assert.Equal(t, 100, cfg.NotificationHistorySize)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://nats.example.com:4222")
	t.Setenv("PROBE_MAX_ATTEMPTS", "5")
	t.Setenv("PROBE_INTERVAL", "250ms")
	t.Setenv("SUPPORTED_BROWSERS", " chrome , brave,,")
	t.Setenv("TX_MODE", "split")
	t.Setenv("CONFIRM_TIMEOUT", "30s")
	t.Setenv("CONFIRM_POLL_INTERVAL", "2s")
	t.Setenv("NODE_REQUESTS_PER_SECOND", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, 5, cfg.ProbeMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeInterval)
	assert.Equal(t, []string{"chrome", "brave"}, cfg.SupportedBrowsers)
	assert.Equal(t, txpipeline.ModeSplit, cfg.TxMode)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConfirmPollInterval)
	assert.Zero(t, cfg.NodeRequestsPerSecond)
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	t.Setenv("PROBE_INTERVAL", "soon")
	t.Setenv("PROBE_MAX_ATTEMPTS", "many")
	t.Setenv("TX_MODE", "carrier-pigeon")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
	assert.Contains(t, err.Error(), "invalid integer")
	assert.Contains(t, err.Error(), "TX_MODE")
}

func TestLoad_PollIntervalGreaterThanTimeout(t *testing.T) {
	t.Setenv("CONFIRM_TIMEOUT", "5s")
	t.Setenv("CONFIRM_POLL_INTERVAL", "10s")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "cannot be greater than")
}

func validConfig() *Config {
	return &Config{
		ServerAddr:          ":8080",
		ProbeMaxAttempts:    2,
		ProbeInterval:       time.Second,
		SupportedBrowsers:   []string{"chrome"},
		TxMode:              txpipeline.ModeAuto,
		ConfirmTimeout:      2 * time.Minute,
		ConfirmPollInterval: time.Second,
		NodeTimeout:         10 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero attempts", mutate: func(c *Config) { c.ProbeMaxAttempts = 0 }, wantErr: "ProbeMaxAttempts must be at least 1"},
		{name: "no browsers", mutate: func(c *Config) { c.SupportedBrowsers = nil }, wantErr: "SupportedBrowsers must not be empty"},
		{name: "short timeout", mutate: func(c *Config) { c.ConfirmTimeout = 500 * time.Millisecond; c.ConfirmPollInterval = 100 * time.Millisecond }, wantErr: "must be at least 1 second"},
		{name: "no node timeout", mutate: func(c *Config) { c.NodeTimeout = 0 }, wantErr: "NodeTimeout must be positive"},
		{name: "missing addr", mutate: func(c *Config) { c.ServerAddr = "" }, wantErr: "ServerAddr is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMustLoad(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.NotNil(t, MustLoad())
	})

	t.Setenv("NODE_TIMEOUT", "whenever")
	assert.Panics(t, func() {
		MustLoad()
	})
}
