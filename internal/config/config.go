// Package config loads recsync settings from a config file, RECSYNC_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/recsync/internal/logging"
	"github.com/mschirtzinger/recsync/internal/remote"
	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

// EnvPrefix prefixes every environment override, e.g. RECSYNC_SYNC_WORKERS.
const EnvPrefix = "RECSYNC"

// FileName is the config file base name searched for in each config path.
const FileName = "recsync"

// Config is the complete recsync configuration.
type Config struct {
	Local     LocalConfig     `mapstructure:"local"`
	Remote    remote.Config   `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// LocalConfig locates the local replica.
type LocalConfig struct {
	DBPath        string `mapstructure:"db_path" validate:"required"`
	RecordingsDir string `mapstructure:"recordings_dir" validate:"required"`
}

// SyncConfig tunes the engine and the daemon around it.
type SyncConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Workers        int           `mapstructure:"workers" validate:"min=1,max=64"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"gte=1"`
	Jitter         float64       `mapstructure:"jitter" validate:"gte=0,lt=1"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" validate:"gt=0"`
	Debounce       time.Duration `mapstructure:"debounce" validate:"gt=0"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Console    bool   `mapstructure:"console"`
}

// DashboardConfig controls the daemon's WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	retry := recsync.DefaultRetryPolicy()
	return Config{
		Local: LocalConfig{
			DBPath:        filepath.Join(".recsync", "recsync.db"),
			RecordingsDir: "recordings",
		},
		Remote: remote.Config{
			Backend: remote.BackendMemory,
			Prefix:  "recordings/",
			Region:  "us-east-1",
		},
		Sync: SyncConfig{
			Enabled:        true,
			Workers:        2,
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: retry.InitialInterval,
			MaxBackoff:     retry.MaxInterval,
			Multiplier:     retry.Multiplier,
			Jitter:         retry.RandomizationFactor,
			SweepInterval:  time.Minute,
			ProbeInterval:  10 * time.Second,
			Debounce:       250 * time.Millisecond,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Console:    true,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
	}
}

// NewViper returns a viper instance with defaults, env overrides and the
// config file applied. An explicit configFile must exist; otherwise a
// missing recsync.{toml,yaml,json} in ./ or $HOME/.config/recsync is fine.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "recsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates the configuration.
func Load(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetryPolicy converts the sync section to the engine's retry policy.
func (s SyncConfig) RetryPolicy() recsync.RetryPolicy {
	return recsync.RetryPolicy{
		InitialInterval:     s.InitialBackoff,
		MaxInterval:         s.MaxBackoff,
		Multiplier:          s.Multiplier,
		RandomizationFactor: s.Jitter,
		MaxAttempts:         s.MaxAttempts,
	}
}

// Logging converts the log section to a logging.Config.
func (l LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:      l.Level,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Console:    l.Console,
	}
}

// setDefaults registers every key so env overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	for key, value := range flatten(d) {
		v.SetDefault(key, value)
	}
}

// flatten lists every setting as a dotted key. Durations stay
// time.Duration here; fileView renders them as strings.
func flatten(c Config) map[string]any {
	return map[string]any{
		"local.db_path":        c.Local.DBPath,
		"local.recordings_dir": c.Local.RecordingsDir,

		"remote.backend":    c.Remote.Backend,
		"remote.endpoint":   c.Remote.Endpoint,
		"remote.bucket":     c.Remote.Bucket,
		"remote.prefix":     c.Remote.Prefix,
		"remote.region":     c.Remote.Region,
		"remote.access_key": c.Remote.AccessKey,
		"remote.secret_key": c.Remote.SecretKey,
		"remote.use_ssl":    c.Remote.UseSSL,
		"remote.path_style": c.Remote.PathStyle,

		"sync.enabled":         c.Sync.Enabled,
		"sync.workers":         c.Sync.Workers,
		"sync.max_attempts":    c.Sync.MaxAttempts,
		"sync.initial_backoff": c.Sync.InitialBackoff,
		"sync.max_backoff":     c.Sync.MaxBackoff,
		"sync.multiplier":      c.Sync.Multiplier,
		"sync.jitter":          c.Sync.Jitter,
		"sync.sweep_interval":  c.Sync.SweepInterval,
		"sync.probe_interval":  c.Sync.ProbeInterval,
		"sync.debounce":        c.Sync.Debounce,

		"log.level":        c.Log.Level,
		"log.file":         c.Log.File,
		"log.max_size_mb":  c.Log.MaxSizeMB,
		"log.max_backups":  c.Log.MaxBackups,
		"log.max_age_days": c.Log.MaxAgeDays,
		"log.console":      c.Log.Console,

		"dashboard.enabled": c.Dashboard.Enabled,
		"dashboard.port":    c.Dashboard.Port,
	}
}

// fileView is the TOML layout of a config file.
type fileView struct {
	Local     localFile     `toml:"local"`
	Remote    remote.Config `toml:"remote"`
	Sync      syncFile      `toml:"sync"`
	Log       logFile       `toml:"log"`
	Dashboard dashboardFile `toml:"dashboard"`
}

type localFile struct {
	DBPath        string `toml:"db_path"`
	RecordingsDir string `toml:"recordings_dir"`
}

type syncFile struct {
	Enabled        bool    `toml:"enabled"`
	Workers        int     `toml:"workers"`
	MaxAttempts    int     `toml:"max_attempts"`
	InitialBackoff string  `toml:"initial_backoff"`
	MaxBackoff     string  `toml:"max_backoff"`
	Multiplier     float64 `toml:"multiplier"`
	Jitter         float64 `toml:"jitter"`
	SweepInterval  string  `toml:"sweep_interval"`
	ProbeInterval  string  `toml:"probe_interval"`
	Debounce       string  `toml:"debounce"`
}

type logFile struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Console    bool   `toml:"console"`
}

type dashboardFile struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

func toFileView(c Config) fileView {
	return fileView{
		Local:  localFile{DBPath: c.Local.DBPath, RecordingsDir: c.Local.RecordingsDir},
		Remote: c.Remote,
		Sync: syncFile{
			Enabled:        c.Sync.Enabled,
			Workers:        c.Sync.Workers,
			MaxAttempts:    c.Sync.MaxAttempts,
			InitialBackoff: c.Sync.InitialBackoff.String(),
			MaxBackoff:     c.Sync.MaxBackoff.String(),
			Multiplier:     c.Sync.Multiplier,
			Jitter:         c.Sync.Jitter,
			SweepInterval:  c.Sync.SweepInterval.String(),
			ProbeInterval:  c.Sync.ProbeInterval.String(),
			Debounce:       c.Sync.Debounce.String(),
		},
		Log: logFile{
			Level:      c.Log.Level,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Console:    c.Log.Console,
		},
		Dashboard: dashboardFile{Enabled: c.Dashboard.Enabled, Port: c.Dashboard.Port},
	}
}

// Encode writes c as TOML.
func Encode(w io.Writer, c Config) error {
	return toml.NewEncoder(w).Encode(toFileView(c))
}

// WriteDefault writes the default configuration to path. It refuses to
// replace an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := Encode(f, Default()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
