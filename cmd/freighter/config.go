package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Settings Types
// =============================================================================

// Settings holds tool configuration. Project configuration lives in the
// manifest.
type Settings struct {
	Log      LogConfig      `mapstructure:"log"`
	StateDir string         `mapstructure:"state_dir"`
	History  HistoryConfig  `mapstructure:"history"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cargo    CargoConfig    `mapstructure:"cargo"`
	Registry RegistryConfig `mapstructure:"registry"`
	Injector InjectorConfig `mapstructure:"injector"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HistoryConfig holds the run ledger configuration.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DockerConfig holds container start and stop timing.
type DockerConfig struct {
	StartPollAttempts int           `mapstructure:"start_poll_attempts"`
	StartPollInterval time.Duration `mapstructure:"start_poll_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

// QueueConfig holds dispatch queue configuration.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CargoConfig holds image retention configuration.
type CargoConfig struct {
	// Retain is how many images of a service survive an expired-cargo sweep.
	Retain int `mapstructure:"retain"`
}

// RegistryConfig holds registry client configuration.
type RegistryConfig struct {
	RetryMax  int           `mapstructure:"retry_max"`
	RetryWait time.Duration `mapstructure:"retry_wait"`
}

// InjectorConfig holds config injection configuration.
type InjectorConfig struct {
	// Path is the root of the per-service config directories. Empty disables
	// injection.
	Path string `mapstructure:"path"`
}

// =============================================================================
// Settings Loading
// =============================================================================

// LoadSettings loads settings from file and environment. Without an explicit
// path ~/.freighter/config.yaml is read when it exists.
func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()

	home := freighterHome()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("state_dir", filepath.Join(home, "data", "state"))
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", filepath.Join(home, "data", "history.db"))
	v.SetDefault("docker.start_poll_attempts", 10)
	v.SetDefault("docker.start_poll_interval", "1s")
	v.SetDefault("docker.stop_timeout", "10s")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("cargo.retain", 2)
	v.SetDefault("registry.retry_max", 5)
	v.SetDefault("registry.retry_wait", "3s")
	v.SetDefault("injector.path", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		// Only a file that exists and does not parse is an error
		if _, ok := err.(viper.ConfigParseError); ok {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	v.SetEnvPrefix("FREIGHTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// freighterHome returns ~/.freighter, or .freighter when there is no home
// directory.
func freighterHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".freighter"
	}
	return filepath.Join(home, ".freighter")
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format writing
// to w.
func SetupLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
