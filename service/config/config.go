package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/dccwallet/service/txpipeline"
)

// Config holds the daemon configuration loaded from environment variables.
// Everything is validated at startup so misconfiguration fails fast.
type Config struct {
	// Server configuration
	ServerAddr     string
	LogLevel       string
	AllowedOrigins []string

	// NATS configuration. Empty disables publishing.
	NATSURL string

	// Connector probe configuration
	ProbeMaxAttempts  int
	ProbeInterval     time.Duration
	SupportedBrowsers []string
	InstallURL        string

	// Transaction configuration
	TxMode              txpipeline.Mode
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Node client configuration
	NodeRequestsPerSecond int
	NodeTimeout           time.Duration

	// Notification stream configuration
	NotificationHistorySize int
}

// Load reads configuration from environment variables and validates it.
// All problems are reported together.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = parseList("ALLOWED_ORIGINS", "*")

	cfg.NATSURL = os.Getenv("NATS_URL")

	var err error
	if cfg.ProbeMaxAttempts, err = parseInt("PROBE_MAX_ATTEMPTS", 2); err != nil {
		errs = append(errs, err)
	}
	if cfg.ProbeInterval, err = parseDuration("PROBE_INTERVAL", "1s"); err != nil {
		errs = append(errs, err)
	}
	cfg.SupportedBrowsers = parseList("SUPPORTED_BROWSERS", "chrome,firefox,opera,edge")
	cfg.InstallURL = getEnvOrDefault("INSTALL_URL", "https://decentralchain.io/cubensis-connect")

	if cfg.TxMode, err = txpipeline.ParseMode(getEnvOrDefault("TX_MODE", "auto")); err != nil {
		errs = append(errs, fmt.Errorf("TX_MODE: %w", err))
	}
	if cfg.ConfirmTimeout, err = parseDuration("CONFIRM_TIMEOUT", "2m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmPollInterval, err = parseDuration("CONFIRM_POLL_INTERVAL", "1s"); err != nil {
		errs = append(errs, err)
	}

	if cfg.NodeRequestsPerSecond, err = parseInt("NODE_REQUESTS_PER_SECOND", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.NodeTimeout, err = parseDuration("NODE_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}

	if cfg.NotificationHistorySize, err = parseInt("NOTIFICATION_HISTORY_SIZE", 100); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks relations between values. Load calls it; tests can call it
// on hand-built configs.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if c.ProbeMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ProbeMaxAttempts must be at least 1"))
	}

	if c.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("ProbeInterval must be positive"))
	}

	if len(c.SupportedBrowsers) == 0 {
		errs = append(errs, fmt.Errorf("SupportedBrowsers must not be empty"))
	}

	if c.ConfirmTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be at least 1 second"))
	}

	if c.ConfirmPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be positive"))
	}

	if c.ConfirmPollInterval > c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval (%v) cannot be greater than ConfirmTimeout (%v)",
			c.ConfirmPollInterval, c.ConfirmTimeout))
	}

	if c.NodeRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("NodeRequestsPerSecond must not be negative"))
	}

	if c.NodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NodeTimeout must be positive"))
	}

	if c.NotificationHistorySize < 0 {
		errs = append(errs, fmt.Errorf("NotificationHistorySize must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseList splits a comma separated environment variable, dropping blanks.
func parseList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnvOrDefault(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
