// Package config manages uniqued's ambient, non-functional configuration
// using koanf/v2: logging, the metrics listen address, and the bus
// name/path the daemon registers under (overridable so integration tests
// can run the daemon against a private bus).
//
// Business-logic flags the spec calls out explicitly (--replace, --verbose)
// are plain flags parsed in cmd/uniqued, per the spec's own scoping: option
// parsing is an external concern, not part of the core.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds uniqued's ambient configuration.
type Config struct {
	Bus     BusConfig     `koanf:"bus"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// BusConfig holds the D-Bus identifiers the daemon registers under. The
// defaults match spec.md section 6 exactly; overriding them is intended for
// integration tests running against a private bus, not production use.
type BusConfig struct {
	// Name is the well-known bus name to request.
	Name string `koanf:"name"`
	// ObjectPath is the object path the Unique interface is exported on.
	ObjectPath string `koanf:"object_path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9390").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the values from spec.md
// section 6.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Name:       "org.freedesktop.portal.Unique",
			ObjectPath: "/org/freedesktop/portal/unique",
		},
		Metrics: MetricsConfig{
			Addr: ":9390",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for uniqued configuration.
// Variables are named UNIQUED_<section>_<key>, e.g., UNIQUED_METRICS_ADDR.
const envPrefix = "UNIQUED_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UNIQUED_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	UNIQUED_BUS_NAME        -> bus.name
//	UNIQUED_BUS_OBJECT_PATH -> bus.object_path
//	UNIQUED_METRICS_ADDR    -> metrics.addr
//	UNIQUED_METRICS_PATH    -> metrics.path
//	UNIQUED_LOG_LEVEL       -> log.level
//	UNIQUED_LOG_FORMAT      -> log.format
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms UNIQUED_BUS_NAME -> bus.name.
// Strips the UNIQUED_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so UNIQUED_BUS_OBJECT_PATH -> bus.object_path.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"bus.name":        defaults.Bus.Name,
		"bus.object_path": defaults.Bus.ObjectPath,
		"metrics.addr":    defaults.Metrics.Addr,
		"metrics.path":    defaults.Metrics.Path,
		"log.level":       defaults.Log.Level,
		"log.format":      defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyBusName indicates the bus well-known name is empty.
	ErrEmptyBusName = errors.New("bus.name must not be empty")

	// ErrEmptyObjectPath indicates the object path is empty.
	ErrEmptyObjectPath = errors.New("bus.object_path must not be empty")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Bus.Name == "" {
		return ErrEmptyBusName
	}
	if cfg.Bus.ObjectPath == "" {
		return ErrEmptyObjectPath
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
