// Package config loads and validates the relay's runtime settings:
// an optional on-disk YAML defaults file, layered under environment
// variables, per spec.md §6. Flags (parsed by cmd/relay) layer over
// both.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable spec.md §6 names.
type Config struct {
	Port        int
	MetricsPort int

	MaxClientsPerRoom          int
	MaxConnectionsPerIPPerRoom int
	WebSocketPingIntervalMs    int
	CleanupIntervalMs          int
	GracePeriodMs              int
	APIBaseURL                 string
	LogLevel                   string
	EnableCodeEditorFeatures   bool
	NodeEnv                    string
}

// fileDefaults mirrors the subset of Config that may be supplied by an
// on-disk YAML file, loaded before environment variables are applied.
// Fields use pointers so "unset in the file" is distinguishable from
// the zero value.
type fileDefaults struct {
	Port                       *int    `yaml:"port"`
	MetricsPort                *int    `yaml:"metrics_port"`
	MaxClientsPerRoom          *int    `yaml:"max_clients_per_room"`
	MaxConnectionsPerIPPerRoom *int    `yaml:"max_connections_per_ip_per_room"`
	WebSocketPingIntervalMs    *int    `yaml:"websocket_ping_interval"`
	CleanupIntervalMs          *int    `yaml:"cleanup_interval"`
	GracePeriodMs              *int    `yaml:"grace_period_ms"`
	APIBaseURL                 *string `yaml:"api_base_url"`
	LogLevel                   *string `yaml:"log_level"`
	EnableCodeEditorFeatures   *bool   `yaml:"enable_code_editor_features"`
	NodeEnv                    *string `yaml:"node_env"`
}

// defaults returns the built-in values from spec.md §6 before any file
// or environment override is applied.
func defaults() Config {
	return Config{
		Port:                       1234,
		MetricsPort:                9090,
		MaxClientsPerRoom:          50,
		MaxConnectionsPerIPPerRoom: 10,
		WebSocketPingIntervalMs:    30000,
		CleanupIntervalMs:          300000,
		GracePeriodMs:              120000,
		APIBaseURL:                 "http://localhost:3000/api",
		LogLevel:                   "info",
		EnableCodeEditorFeatures:   true,
		NodeEnv:                    "development",
	}
}

// Load builds a Config from, in increasing precedence: built-in
// defaults, an optional YAML file at yamlPath (ignored if absent), and
// environment variables. It validates the result before returning.
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		if err := applyFile(&cfg, yamlPath); err != nil {
			return Config{}, fmt.Errorf("config: loading %s: %w", yamlPath, err)
		}
	}
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fd fileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return err
	}

	if fd.Port != nil {
		cfg.Port = *fd.Port
	}
	if fd.MetricsPort != nil {
		cfg.MetricsPort = *fd.MetricsPort
	}
	if fd.MaxClientsPerRoom != nil {
		cfg.MaxClientsPerRoom = *fd.MaxClientsPerRoom
	}
	if fd.MaxConnectionsPerIPPerRoom != nil {
		cfg.MaxConnectionsPerIPPerRoom = *fd.MaxConnectionsPerIPPerRoom
	}
	if fd.WebSocketPingIntervalMs != nil {
		cfg.WebSocketPingIntervalMs = *fd.WebSocketPingIntervalMs
	}
	if fd.CleanupIntervalMs != nil {
		cfg.CleanupIntervalMs = *fd.CleanupIntervalMs
	}
	if fd.GracePeriodMs != nil {
		cfg.GracePeriodMs = *fd.GracePeriodMs
	}
	if fd.APIBaseURL != nil {
		cfg.APIBaseURL = *fd.APIBaseURL
	}
	if fd.LogLevel != nil {
		cfg.LogLevel = *fd.LogLevel
	}
	if fd.EnableCodeEditorFeatures != nil {
		cfg.EnableCodeEditorFeatures = *fd.EnableCodeEditorFeatures
	}
	if fd.NodeEnv != nil {
		cfg.NodeEnv = *fd.NodeEnv
	}
	return nil
}

func applyEnv(cfg *Config) {
	envInt("PORT", &cfg.Port)
	envInt("METRICS_PORT", &cfg.MetricsPort)
	envInt("MAX_CLIENTS_PER_ROOM", &cfg.MaxClientsPerRoom)
	envInt("MAX_CONNECTIONS_PER_IP_PER_ROOM", &cfg.MaxConnectionsPerIPPerRoom)
	envInt("WEBSOCKET_PING_INTERVAL", &cfg.WebSocketPingIntervalMs)
	envInt("CLEANUP_INTERVAL", &cfg.CleanupIntervalMs)
	envInt("GRACE_PERIOD_MS", &cfg.GracePeriodMs)
	envString("API_BASE_URL", &cfg.APIBaseURL)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envBool("ENABLE_CODE_EDITOR_FEATURES", &cfg.EnableCodeEditorFeatures)
	envString("NODE_ENV", &cfg.NodeEnv)
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func validate(cfg Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range [1,65535]", cfg.Port)
	}
	if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("config: METRICS_PORT %d out of range [1,65535]", cfg.MetricsPort)
	}
	if cfg.MaxClientsPerRoom < 1 {
		return fmt.Errorf("config: MAX_CLIENTS_PER_ROOM must be >= 1, got %d", cfg.MaxClientsPerRoom)
	}
	if cfg.MaxConnectionsPerIPPerRoom < 1 {
		return fmt.Errorf("config: MAX_CONNECTIONS_PER_IP_PER_ROOM must be >= 1, got %d", cfg.MaxConnectionsPerIPPerRoom)
	}
	if cfg.WebSocketPingIntervalMs < 1000 {
		return fmt.Errorf("config: WEBSOCKET_PING_INTERVAL must be >= 1000ms, got %d", cfg.WebSocketPingIntervalMs)
	}
	if cfg.GracePeriodMs < 5000 {
		return fmt.Errorf("config: GRACE_PERIOD_MS must be >= 5000ms, got %d", cfg.GracePeriodMs)
	}
	if cfg.EnableCodeEditorFeatures {
		if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
			return fmt.Errorf("config: API_BASE_URL must be a valid URL when code-editor features are enabled: %w", err)
		}
	}
	return nil
}

// PingInterval returns WebSocketPingIntervalMs as a time.Duration.
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.WebSocketPingIntervalMs) * time.Millisecond
}

// GracePeriod returns GracePeriodMs as a time.Duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// CleanupInterval returns CleanupIntervalMs as a time.Duration. This
// value is informational per spec.md §6; the reap ticker itself runs
// on lifecycle.DefaultReapInterval.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}
