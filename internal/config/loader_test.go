package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "0" {
		t.Errorf("expected port 0, got %s", cfg.Server.Port)
	}
	if cfg.Terminal.MaxConnectionsPerIP != 10 {
		t.Errorf("expected max_connections_per_ip 10, got %d", cfg.Terminal.MaxConnectionsPerIP)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
terminal:
  max_connections_per_ip: 20
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Terminal.MaxConnectionsPerIP != 20 {
		t.Errorf("expected max_connections_per_ip 20, got %d", cfg.Terminal.MaxConnectionsPerIP)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.Update.Channel != "stable" {
		t.Errorf("expected default update channel stable, got %s", cfg.Update.Channel)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CCO_PORT", "7070")
	t.Setenv("CCO_DATA_ROOT", "/tmp/cco-test")
	t.Setenv("CCO_TERMINAL_MAX_CONNECTIONS_PER_IP", "25")
	t.Setenv("CCO_LOG_LEVEL", "warn")
	t.Setenv("CCO_BREAKER_TIMEOUT", "1m")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.DataRoot != "/tmp/cco-test" {
		t.Errorf("expected data root override, got %s", cfg.DataRoot)
	}
	if cfg.Terminal.MaxConnectionsPerIP != 25 {
		t.Errorf("expected max_connections_per_ip 25, got %d", cfg.Terminal.MaxConnectionsPerIP)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty data root",
			modify: func(c *Config) { c.DataRoot = "" },
			errMsg: "data_root is required",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero terminal connections",
			modify: func(c *Config) { c.Terminal.MaxConnectionsPerIP = 0 },
			errMsg: "terminal.max_connections_per_ip must be >= 1",
		},
		{
			name:   "zero frame bytes",
			modify: func(c *Config) { c.Terminal.MaxFrameBytes = 0 },
			errMsg: "terminal.max_frame_bytes must be >= 1",
		},
		{
			name:   "unsupported update channel",
			modify: func(c *Config) { c.Update.Channel = "beta" },
			errMsg: `update.channel "beta" is not supported; only "stable" is accepted`,
		},
		{
			name:   "invalid update interval",
			modify: func(c *Config) { c.Update.Interval = "hourly" },
			errMsg: `update.interval "hourly" must be one of daily, weekly, never`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
