// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Host        string
	Port        string
	DBPath      string
	LogLevel    slog.Level
	FrontendURL string

	Liveness LivenessConfig
	Relay    RelayConfig
}

// LivenessConfig controls the awake/challenged/sleeping/dead lifecycle.
type LivenessConfig struct {
	StaleTimeout  time.Duration
	GracePeriod   time.Duration
	MaxSleepTime  time.Duration
	CheckInterval time.Duration
}

// RelayConfig controls message fan-out behaviour.
type RelayConfig struct {
	SendTimeout   time.Duration
	IncludeSender bool
	OutboundQueue int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnv("PORT", "8765"),
		DBPath:      getEnv("DB_PATH", "./data/hub.db"),
		LogLevel:    parseLogLevel(getEnv("LOG_LEVEL", "info")),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Liveness: LivenessConfig{
			StaleTimeout:  getEnvDuration("STALE_TIMEOUT", 15*time.Minute),
			GracePeriod:   getEnvDuration("GRACE_PERIOD", 2*time.Minute),
			MaxSleepTime:  getEnvDuration("MAX_SLEEP_TIME", 60*time.Minute),
			CheckInterval: getEnvDuration("CHECK_INTERVAL", 60*time.Second),
		},
		Relay: RelayConfig{
			SendTimeout:   getEnvDuration("SEND_TIMEOUT", 5*time.Second),
			IncludeSender: getEnvBool("RELAY_INCLUDE_SENDER", false),
			OutboundQueue: getEnvInt("OUTBOUND_QUEUE_SIZE", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Liveness.StaleTimeout <= 0 {
		return fmt.Errorf("STALE_TIMEOUT must be > 0")
	}
	if c.Liveness.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be > 0")
	}
	if c.Liveness.MaxSleepTime <= 0 {
		return fmt.Errorf("MAX_SLEEP_TIME must be > 0")
	}
	if c.Liveness.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL must be > 0")
	}
	if c.Relay.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be > 0")
	}
	if c.Relay.OutboundQueue <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// CORSOrigins returns the allowed CORS origins. With no frontend
// configured everything is allowed, matching the WebSocket origin
// check.
func (c *Config) CORSOrigins() []string {
	if c.FrontendURL == "" || c.FrontendURL == "*" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func parseLogLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration parses a Go duration string ("90s", "15m"). Bare
// integers are treated as seconds for compatibility with older deploys.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
