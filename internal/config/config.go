// Package config loads service configuration from defaults, an optional
// YAML file, and MEDIACRAFT_* environment variables, in rising precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Defaults mirror the deployment this service grew out of: three concurrent
// jobs, a 30 minute processing limit, 30 second sweeps, 7 day retention.
const (
	defaultListenAddr     = ":8080"
	defaultDataDir        = "./data"
	defaultMaxConcurrent  = 3
	defaultTaskTimeoutS   = 1800
	defaultSweepIntervalS = 30
	defaultRetentionTTLS  = 7 * 24 * 60 * 60
	defaultFFmpegBin      = "ffmpeg"
	defaultFFprobeBin     = "ffprobe"
	defaultLogLevel       = "info"

	envPrefix  = "MEDIACRAFT"
	configName = "mediacraft"

	dbFileName     = "mediacraft.db"
	resultsDirName = "results"
	tmpDirName     = "tmp"
)

// configKeys lists every recognized key. Each is explicitly bound to its
// MEDIACRAFT_* environment variable; viper's automatic env handling alone
// does not surface unbound keys through Unmarshal.
var configKeys = []string{
	"listen_addr",
	"data_dir",
	"max_concurrent_tasks",
	"task_timeout_s",
	"processing_timeout_s",
	"health_sweep_interval_s",
	"terminal_retention_ttl_s",
	"ffmpeg_bin",
	"ffprobe_bin",
	"log_level",
	"cors_origins",
}

var validate = validator.New()

// Config holds the service configuration.
type Config struct {
	ListenAddr            string   `mapstructure:"listen_addr" validate:"required"`
	DataDir               string   `mapstructure:"data_dir" validate:"required"`
	MaxConcurrentTasks    int      `mapstructure:"max_concurrent_tasks" validate:"min=1"`
	TaskTimeoutS          int      `mapstructure:"task_timeout_s" validate:"min=1"`
	HealthSweepIntervalS  int      `mapstructure:"health_sweep_interval_s" validate:"min=1"`
	TerminalRetentionTTLS int      `mapstructure:"terminal_retention_ttl_s" validate:"min=0"`
	FFmpegBin             string   `mapstructure:"ffmpeg_bin" validate:"required"`
	FFprobeBin            string   `mapstructure:"ffprobe_bin" validate:"required"`
	LogLevel              string   `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
}

// Load reads configuration. configFile, when non-empty, names the YAML file
// to read; otherwise an optional mediacraft.yaml in the working directory is
// used. Environment variables override file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("max_concurrent_tasks", defaultMaxConcurrent)
	v.SetDefault("health_sweep_interval_s", defaultSweepIntervalS)
	v.SetDefault("terminal_retention_ttl_s", defaultRetentionTTLS)
	v.SetDefault("ffmpeg_bin", defaultFFmpegBin)
	v.SetDefault("ffprobe_bin", defaultFFprobeBin)
	v.SetDefault("log_level", defaultLogLevel)
	// task_timeout_s deliberately has no registered default so an explicit
	// value is distinguishable from an absent one; see the alias handling
	// below.

	v.SetEnvPrefix(envPrefix)
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	// processing_timeout_s is accepted as an alias for task_timeout_s. The
	// canonical key wins when both are set; the default applies when neither
	// is.
	if v.GetInt("task_timeout_s") == 0 {
		if alias := v.GetInt("processing_timeout_s"); alias > 0 {
			v.Set("task_timeout_s", alias)
		} else {
			v.Set("task_timeout_s", defaultTaskTimeoutS)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DBPath returns the SQLite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, dbFileName)
}

// ResultsDir returns the directory holding completed artifacts.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.DataDir, resultsDirName)
}

// TmpDir returns the scratch directory workers use while processing.
func (c *Config) TmpDir() string {
	return filepath.Join(c.DataDir, tmpDirName)
}

// TaskTimeout returns the per-task processing deadline.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutS) * time.Second
}

// HealthSweepInterval returns the period between monitor sweeps.
func (c *Config) HealthSweepInterval() time.Duration {
	return time.Duration(c.HealthSweepIntervalS) * time.Second
}

// TerminalRetentionTTL returns how long terminal tasks and their artifacts
// are kept before deletion. Zero disables retention cleanup.
func (c *Config) TerminalRetentionTTL() time.Duration {
	return time.Duration(c.TerminalRetentionTTLS) * time.Second
}

// SlogLevel maps the configured level string onto slog's levels.
func (c *Config) SlogLevel() slog.Level {
	return parseLogLevel(c.LogLevel)
}

// EnsureDirs creates the data directory layout.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.ResultsDir(), c.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
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

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
