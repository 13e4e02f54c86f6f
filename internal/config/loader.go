package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "cco.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this
// struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DataRoot   *string
}

// ParseFlags parses command-line arguments into CLIFlags. Call this before
// Load/LoadWithCLI. Passing nil args parses an empty argument list; callers
// pass os.Args[1:] themselves.
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("cco", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dataRoot := fs.String("data-root", "", "data root directory")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "data-root":
			flags.DataRoot = dataRoot
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV. YAML
// file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy: defaults < YAML <
// ENV < CLI flags. The YAML path can be overridden via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DataRoot != nil {
		cfg.DataRoot = *flags.DataRoot
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg. Returns nil if
// the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg. Only non-empty env
// values override the current config. Env var names follow spec §6.
func loadEnv(cfg *Config) {
	setString(&cfg.DataRoot, "CCO_DATA_ROOT")
	setString(&cfg.Server.Port, "CCO_PORT")
	setString(&cfg.Server.CORSOrigin, "CCO_CORS_ORIGIN")
	setBool(&cfg.Server.ProxyEnabled, "CCO_PROXY_ENABLED")
	setBool(&cfg.Server.GatewayEnabled, "CCO_GATEWAY_ENABLED")

	setString(&cfg.Logging.Level, "CCO_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CCO_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CCO_LOG_ASYNC")
	setInt(&cfg.Logging.MaxSizeMB, "CCO_LOG_MAX_SIZE_MB")
	setInt(&cfg.Logging.MaxBackups, "CCO_LOG_MAX_BACKUPS")
	setInt(&cfg.Logging.MaxAgeDays, "CCO_LOG_MAX_AGE_DAYS")

	setInt(&cfg.Breaker.MaxFailures, "CCO_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CCO_BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.MaxSizeMB, "CCO_CACHE_MAX_SIZE_MB")

	setString(&cfg.Watcher.TranscriptRoot, "CCO_TRANSCRIPT_ROOT")
	setDuration(&cfg.Watcher.DebounceInterval, "CCO_WATCHER_DEBOUNCE")
	setDuration(&cfg.Watcher.FallbackInterval, "CCO_WATCHER_FALLBACK_INTERVAL")

	setString(&cfg.PTY.Shell, "CCO_PTY_SHELL")
	setInt(&cfg.PTY.InitialCols, "CCO_PTY_INITIAL_COLS")
	setInt(&cfg.PTY.InitialRows, "CCO_PTY_INITIAL_ROWS")
	setDuration(&cfg.PTY.CloseTimeout, "CCO_PTY_CLOSE_TIMEOUT")

	setInt(&cfg.Terminal.MaxConnectionsPerIP, "CCO_TERMINAL_MAX_CONNECTIONS_PER_IP")
	setInt(&cfg.Terminal.MaxFrameBytes, "CCO_TERMINAL_MAX_FRAME_BYTES")
	setDuration(&cfg.Terminal.IdleTimeout, "CCO_TERMINAL_IDLE_TIMEOUT")

	setInt(&cfg.Knowledge.MaxTextBytes, "CCO_KNOWLEDGE_MAX_TEXT_BYTES")

	setFloat64(&cfg.Metrics.DefaultInputPricePerMillion, "CCO_METRICS_DEFAULT_INPUT_PRICE")
	setFloat64(&cfg.Metrics.DefaultOutputPricePerMillion, "CCO_METRICS_DEFAULT_OUTPUT_PRICE")

	setBool(&cfg.Update.Enabled, "CCO_AUTO_UPDATE")
	setString(&cfg.Update.Channel, "CCO_AUTO_UPDATE_CHANNEL")
	setString(&cfg.Update.Interval, "CCO_AUTO_UPDATE_INTERVAL")
	setString(&cfg.Update.FeedURL, "CCO_UPDATE_FEED_URL")
	setBool(&cfg.Update.AutoConfirm, "CCO_UPDATE_AUTO_CONFIRM")
	setDuration(&cfg.Update.HTTPTimeout, "CCO_UPDATE_HTTP_TIMEOUT")

	setString(&cfg.Auth.BearerToken, "CCO_KNOWLEDGE_TOKEN")

	setBool(&cfg.OTEL.Enabled, "CCO_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "CCO_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "CCO_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "CCO_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "CCO_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set and constrained to the
// values the rest of the system understands.
func validate(cfg *Config) error {
	if cfg.DataRoot == "" {
		return errors.New("data_root is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Terminal.MaxConnectionsPerIP < 1 {
		return errors.New("terminal.max_connections_per_ip must be >= 1")
	}
	if cfg.Terminal.MaxFrameBytes < 1 {
		return errors.New("terminal.max_frame_bytes must be >= 1")
	}

	switch cfg.Update.Channel {
	case "stable":
	default:
		return fmt.Errorf("update.channel %q is not supported; only \"stable\" is accepted", cfg.Update.Channel)
	}

	switch cfg.Update.Interval {
	case "daily", "weekly", "never":
	default:
		return fmt.Errorf("update.interval %q must be one of daily, weekly, never", cfg.Update.Interval)
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
