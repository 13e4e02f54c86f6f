// Package config provides hierarchical configuration loading for CCO.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfigHolder provides thread-safe access to a Config with hot-reload
// support.
type ConfigHolder struct {
	mu       sync.RWMutex
	cfg      Config
	yamlPath string
}

// NewHolder creates a ConfigHolder from an initial Config and the YAML path
// used for reloading.
func NewHolder(cfg *Config, yamlPath string) *ConfigHolder {
	return &ConfigHolder{cfg: *cfg, yamlPath: yamlPath}
}

// Get returns a pointer to the Config. Callers must not store the pointer
// long-term; read values immediately and release.
func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &h.cfg
}

// Reload re-reads the YAML file and environment variables, validates, and
// swaps the config in-place. If validation fails, the old config is
// preserved. Fields that cannot be hot-reloaded (Server.Port, DataRoot) are
// logged as warnings if they differ.
func (h *ConfigHolder) Reload() error {
	newCfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if newCfg.Server.Port != h.cfg.Server.Port {
		slog.Warn("config reload: server.port changed but requires restart",
			"old", h.cfg.Server.Port, "new", newCfg.Server.Port)
	}
	if newCfg.DataRoot != h.cfg.DataRoot {
		slog.Warn("config reload: data_root changed but requires restart",
			"old", h.cfg.DataRoot, "new", newCfg.DataRoot)
	}
	if newCfg.Logging.Level != h.cfg.Logging.Level {
		slog.Info("config reload: logging level changed",
			"old", h.cfg.Logging.Level, "new", newCfg.Logging.Level)
	}

	h.cfg = *newCfg
	return nil
}

// Config holds all runtime configuration for the CCO daemon.
type Config struct {
	DataRoot  string    `yaml:"data_root"` // root of pids/, logs/, knowledge/, metrics.db
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Cache     Cache     `yaml:"cache"`
	Watcher   Watcher   `yaml:"watcher"`
	PTY       PTY       `yaml:"pty"`
	Terminal  Terminal  `yaml:"terminal"`
	Knowledge Knowledge `yaml:"knowledge"`
	Metrics   Metrics   `yaml:"metrics"`
	Update    Update    `yaml:"update"`
	Auth      Auth      `yaml:"auth"`
	OTEL      OTEL      `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port           string `yaml:"port"` // "0" = OS-assigned ephemeral port
	ProxyEnabled   bool   `yaml:"proxy_enabled"`
	GatewayEnabled bool   `yaml:"gateway_enabled"`
	CORSOrigin     string `yaml:"cors_origin"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level      string `yaml:"level"`
	Service    string `yaml:"service"`
	Async      bool   `yaml:"async"`
	MaxSizeMB  int    `yaml:"max_size_mb"` // lumberjack rotation threshold
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Breaker holds circuit breaker configuration for the update engine's
// release-feed client.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the in-process GET /api/stats response cache configuration.
type Cache struct {
	MaxSizeMB int64 `yaml:"max_size_mb"`
}

// Watcher holds transcript log-watcher configuration.
type Watcher struct {
	TranscriptRoot   string        `yaml:"transcript_root"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	FallbackInterval time.Duration `yaml:"fallback_interval"`
}

// PTY holds pseudoterminal session defaults.
type PTY struct {
	Shell        string        `yaml:"shell"` // override; empty = auto-detect
	InitialCols  int           `yaml:"initial_cols"`
	InitialRows  int           `yaml:"initial_rows"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// Terminal holds the WebSocket terminal gateway's configuration.
type Terminal struct {
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	MaxFrameBytes       int           `yaml:"max_frame_bytes"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ReaderTickInterval  time.Duration `yaml:"reader_tick_interval"`
	LivenessInterval    time.Duration `yaml:"liveness_interval"`
}

// Knowledge holds per-repository knowledge store configuration.
type Knowledge struct {
	MaxTextBytes int `yaml:"max_text_bytes"`
}

// Metrics holds pricing defaults for models not present in the pricing
// table. They are loaded and overlaid like every other setting, but the
// cost aggregator does not read them: internal/metrics falls back to its
// built-in defaultPricing tuple.
type Metrics struct {
	DefaultInputPricePerMillion      float64 `yaml:"default_input_price_per_million"`
	DefaultOutputPricePerMillion     float64 `yaml:"default_output_price_per_million"`
	DefaultCacheWritePricePerMillion float64 `yaml:"default_cache_write_price_per_million"`
	DefaultCacheReadPricePerMillion  float64 `yaml:"default_cache_read_price_per_million"`
}

// Update holds the auto-update engine's configuration.
type Update struct {
	Enabled     bool          `yaml:"enabled"`
	Channel     string        `yaml:"channel"`  // only "stable" is accepted
	Interval    string        `yaml:"interval"` // "daily" | "weekly" | "never"
	FeedURL     string        `yaml:"feed_url"`
	AutoConfirm bool          `yaml:"auto_confirm"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// Auth holds bearer-token authentication configuration for the knowledge
// HTTP routes. Routes are not mounted at all when BearerToken is empty.
type Auth struct {
	BearerToken string `yaml:"bearer_token" json:"-"`
}

// OTEL holds optional OpenTelemetry tracing configuration for the HTTP API.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Defaults returns a Config with sensible default values for local
// development.
func Defaults() Config {
	return Config{
		DataRoot: "~/.cco",
		Server: Server{
			Port:           "0",
			ProxyEnabled:   false,
			GatewayEnabled: true,
			CORSOrigin:     "http://localhost:5173",
		},
		Logging: Logging{
			Level:      "info",
			Service:    "cco",
			Async:      true,
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 64,
		},
		Watcher: Watcher{
			TranscriptRoot:   "~/.claude/projects",
			DebounceInterval: 300 * time.Millisecond,
			FallbackInterval: 5 * time.Second,
		},
		PTY: PTY{
			InitialCols:  80,
			InitialRows:  24,
			CloseTimeout: 5 * time.Second,
		},
		Terminal: Terminal{
			MaxConnectionsPerIP: 10,
			MaxFrameBytes:       64 * 1024,
			IdleTimeout:         5 * time.Minute,
			ReaderTickInterval:  10 * time.Millisecond,
			LivenessInterval:    time.Second,
		},
		Knowledge: Knowledge{
			MaxTextBytes: 100_000,
		},
		Metrics: Metrics{
			DefaultInputPricePerMillion:      3.0,
			DefaultOutputPricePerMillion:     15.0,
			DefaultCacheWritePricePerMillion: 3.75,
			DefaultCacheReadPricePerMillion:  0.30,
		},
		Update: Update{
			Enabled:     true,
			Channel:     "stable",
			Interval:    "daily",
			FeedURL:     "https://updates.cco.dev/releases/stable.json",
			AutoConfirm: false,
			HTTPTimeout: 15 * time.Second,
		},
		Auth: Auth{},
		OTEL: OTEL{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "cco",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}
