package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Storage StorageConfig
	Watch   WatchConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
	MCPStdio       bool
}

type ModelConfig struct {
	DataPath         string
	ModelPath        string
	BatchConcurrency int
}

type StorageConfig struct {
	DataDir string
}

type WatchConfig struct {
	Enabled  bool
	Debounce string
}

type LogConfig struct {
	Level string
}

// DebounceDuration parses Debounce. Load has already validated it.
func (w WatchConfig) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(w.Debounce)
	return d
}

// SlogLevel maps Level onto a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
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

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			MaxConnections: 64,
		},
		Model: ModelConfig{
			DataPath:         "data.csv",
			ModelPath:        "model.zip",
			BatchConcurrency: 4,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Watch: WatchConfig{
			Debounce: "2s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/promptbot/config.json, then applies PROMPTBOT_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("invalid config: server.max_connections must not be negative")
	}
	if c.Model.DataPath == "" || c.Model.ModelPath == "" {
		return fmt.Errorf("invalid config: model.data_path and model.model_path are required")
	}
	if c.Model.BatchConcurrency <= 0 {
		return fmt.Errorf("invalid config: model.batch_concurrency must be positive")
	}
	if d, err := time.ParseDuration(c.Watch.Debounce); err != nil || d <= 0 {
		return fmt.Errorf("invalid config: watch.debounce %q is not a positive duration", c.Watch.Debounce)
	}
	return nil
}
