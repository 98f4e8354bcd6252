package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8765" {
		t.Errorf("Port = %q, want 8765", cfg.Port)
	}
	if cfg.DBPath != "./data/hub.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.Liveness.StaleTimeout != 15*time.Minute {
		t.Errorf("StaleTimeout = %v", cfg.Liveness.StaleTimeout)
	}
	if cfg.Liveness.GracePeriod != 2*time.Minute {
		t.Errorf("GracePeriod = %v", cfg.Liveness.GracePeriod)
	}
	if cfg.Liveness.MaxSleepTime != 60*time.Minute {
		t.Errorf("MaxSleepTime = %v", cfg.Liveness.MaxSleepTime)
	}
	if cfg.Relay.IncludeSender {
		t.Error("IncludeSender defaulted to true")
	}
	if cfg.Relay.OutboundQueue != 64 {
		t.Errorf("OutboundQueue = %d", cfg.Relay.OutboundQueue)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STALE_TIMEOUT", "5m")
	t.Setenv("GRACE_PERIOD", "90")
	t.Setenv("RELAY_INCLUDE_SENDER", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Liveness.StaleTimeout != 5*time.Minute {
		t.Errorf("StaleTimeout = %v", cfg.Liveness.StaleTimeout)
	}
	// Bare integers are seconds.
	if cfg.Liveness.GracePeriod != 90*time.Second {
		t.Errorf("GracePeriod = %v", cfg.Liveness.GracePeriod)
	}
	if !cfg.Relay.IncludeSender {
		t.Error("IncludeSender not enabled")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidDurations(t *testing.T) {
	t.Setenv("STALE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Liveness.StaleTimeout != 15*time.Minute {
		t.Errorf("StaleTimeout = %v, want fallback", cfg.Liveness.StaleTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:   "8765",
			DBPath: "./data/hub.db",
			Liveness: LivenessConfig{
				StaleTimeout:  15 * time.Minute,
				GracePeriod:   2 * time.Minute,
				MaxSleepTime:  time.Hour,
				CheckInterval: time.Minute,
			},
			Relay: RelayConfig{
				SendTimeout:   5 * time.Second,
				OutboundQueue: 64,
			},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero stale timeout", func(c *Config) { c.Liveness.StaleTimeout = 0 }},
		{"zero grace period", func(c *Config) { c.Liveness.GracePeriod = 0 }},
		{"zero max sleep", func(c *Config) { c.Liveness.MaxSleepTime = 0 }},
		{"zero check interval", func(c *Config) { c.Liveness.CheckInterval = 0 }},
		{"zero send timeout", func(c *Config) { c.Relay.SendTimeout = 0 }},
		{"zero outbound queue", func(c *Config) { c.Relay.OutboundQueue = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

func TestCORSOrigins(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"", "*"},
		{"*", "*"},
		{"https://hub.example.com", "https://hub.example.com"},
	}
	for _, tt := range tests {
		c := &Config{FrontendURL: tt.url}
		got := c.CORSOrigins()
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("CORSOrigins(%q) = %v, want [%s]", tt.url, got, tt.want)
		}
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:3000", true},
		{"https://hub.example.com", false},
	}
	for _, tt := range tests {
		c := &Config{FrontendURL: tt.url}
		if got := c.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
