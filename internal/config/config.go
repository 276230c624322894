// Package config loads epuwatch settings from defaults, an optional config
// file, EPUWATCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/smartem/epuwatch/internal/epu/daemon"
	"github.com/smartem/epuwatch/internal/epu/orphan"
	"github.com/smartem/epuwatch/internal/epu/queue"
	"github.com/smartem/epuwatch/internal/epu/retry"
	"github.com/smartem/epuwatch/internal/logging"
)

// EnvPrefix is the prefix of environment overrides, e.g. EPUWATCH_WATCH_DIR.
const EnvPrefix = "EPUWATCH"

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

var (
	// ErrNoWatchDir is returned when no watch directory was configured.
	ErrNoWatchDir = errors.New("no watch directory configured (set watch.dir, EPUWATCH_WATCH_DIR or pass a directory)")

	// ErrUnknownStore is returned for a store backend other than sqlite or memory.
	ErrUnknownStore = errors.New("unknown store backend")
)

// Config is the complete watcher configuration.
type Config struct {
	Watch      WatchConfig
	Processing ProcessingConfig
	Queue      QueueConfig
	Orphans    OrphanConfig
	Retry      RetryConfig
	Store      StoreConfig
	Dashboard  DashboardConfig
	Log        LogConfig

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type WatchConfig struct {
	Dir         string
	Patterns    []string
	InitialScan bool `mapstructure:"initial_scan"`
}

type ProcessingConfig struct {
	Interval        time.Duration
	BatchSize       int           `mapstructure:"batch_size"`
	StatusEvery     int           `mapstructure:"status_every"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type QueueConfig struct {
	MaxSize     int `mapstructure:"max_size"`
	Eviction    string
	Recovery    bool
	MaxRetained int `mapstructure:"max_retained"`
}

type OrphanConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type StoreConfig struct {
	Backend string
	Path    string
}

type DashboardConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type LogConfig struct {
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
	Compress   bool
	Quiet      bool
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := daemon.DefaultConfig()
	r := retry.DefaultConfig()

	v.SetDefault("watch.dir", "")
	v.SetDefault("watch.patterns", d.Patterns)
	v.SetDefault("watch.initial_scan", d.InitialScan)

	v.SetDefault("processing.interval", d.ProcessingInterval)
	v.SetDefault("processing.batch_size", d.BatchSize)
	v.SetDefault("processing.status_every", d.StatusEvery)
	v.SetDefault("processing.shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("queue.max_size", 10000)
	v.SetDefault("queue.eviction", queue.EvictHighestPriority.String())
	v.SetDefault("queue.recovery", true)
	v.SetDefault("queue.max_retained", 0)

	v.SetDefault("orphans.check_interval", d.OrphanCheckInterval)
	v.SetDefault("orphans.timeout", d.OrphanTimeout)

	v.SetDefault("retry.max_retries", r.MaxRetries)
	v.SetDefault("retry.base_delay", r.BaseDelay)
	v.SetDefault("retry.max_delay", r.MaxDelay)

	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.path", "epuwatch.db")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.host", "")
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.quiet", false)
}

// NewViper returns a viper instance with defaults and environment
// overrides configured.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (or searches for epuwatch.{toml,yaml} in the working
// directory and $HOME/.config/epuwatch when empty) and decodes the merged
// settings. A missing searched-for file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("epuwatch")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "epuwatch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file, environment or flags.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate checks value ranges. The watch directory is checked separately by
// ResolveWatchDir since only the watch command needs one.
func (c *Config) Validate() error {
	var problems []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}

	positive("processing.interval", c.Processing.Interval)
	positive("processing.shutdown_timeout", c.Processing.ShutdownTimeout)
	positive("orphans.check_interval", c.Orphans.CheckInterval)
	positive("orphans.timeout", c.Orphans.Timeout)
	positive("retry.base_delay", c.Retry.BaseDelay)
	positive("retry.max_delay", c.Retry.MaxDelay)

	if c.Processing.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("processing.batch_size must be positive, got %d", c.Processing.BatchSize))
	}
	if c.Queue.MaxSize <= 0 {
		problems = append(problems, fmt.Sprintf("queue.max_size must be positive, got %d", c.Queue.MaxSize))
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if _, err := queue.ParseEvictionPolicy(c.Queue.Eviction); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Store.Backend != StoreSQLite && c.Store.Backend != StoreMemory {
		problems = append(problems, fmt.Sprintf("%v %q (want %s or %s)", ErrUnknownStore, c.Store.Backend, StoreSQLite, StoreMemory))
	}
	for _, p := range c.Watch.Patterns {
		if err := daemon.ValidatePattern(p); err != nil {
			problems = append(problems, "watch.patterns: "+err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResolveWatchDir returns the absolute watch directory, checking that it
// exists.
func (c *Config) ResolveWatchDir() (string, error) {
	if c.Watch.Dir == "" {
		return "", ErrNoWatchDir
	}
	abs, err := filepath.Abs(c.Watch.Dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve watch directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to access watch directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("watch directory %s is not a directory", abs)
	}
	return abs, nil
}

// DaemonConfig converts the settings for daemon.New.
func (c *Config) DaemonConfig(watchDir string, logger *log.Logger) *daemon.Config {
	return &daemon.Config{
		WatchDir:            watchDir,
		Patterns:            c.Watch.Patterns,
		ProcessingInterval:  c.Processing.Interval,
		OrphanCheckInterval: c.Orphans.CheckInterval,
		OrphanTimeout:       c.Orphans.Timeout,
		BatchSize:           c.Processing.BatchSize,
		StatusEvery:         c.Processing.StatusEvery,
		ShutdownTimeout:     c.Processing.ShutdownTimeout,
		InitialScan:         c.Watch.InitialScan,
		Logger:              logger,
	}
}

// QueueOptions converts the settings for queue.New.
func (c *Config) QueueOptions() (queue.Options, error) {
	policy, err := queue.ParseEvictionPolicy(c.Queue.Eviction)
	if err != nil {
		return queue.Options{}, err
	}
	return queue.Options{
		MaxSize:        c.Queue.MaxSize,
		EnableRecovery: c.Queue.Recovery,
		Eviction:       policy,
		MaxRetained:    c.Queue.MaxRetained,
	}, nil
}

// OrphanConfig converts the settings for orphan.New.
func (c *Config) OrphanConfig(logger *log.Logger) *orphan.Config {
	return &orphan.Config{Timeout: c.Orphans.Timeout, Logger: logger}
}

// RetryConfig converts the settings for retry.New.
func (c *Config) RetryConfig(logger *log.Logger) *retry.Config {
	return &retry.Config{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Logger:     logger,
	}
}

// LoggingOptions converts the settings for logging.New.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Quiet:      c.Log.Quiet,
	}
}

// document is the file representation: durations are rendered with
// time.Duration.String so the output reads back through Load.
type document struct {
	Watch struct {
		Dir         string   `toml:"dir" yaml:"dir"`
		Patterns    []string `toml:"patterns" yaml:"patterns"`
		InitialScan bool     `toml:"initial_scan" yaml:"initial_scan"`
	} `toml:"watch" yaml:"watch"`
	Processing struct {
		Interval        string `toml:"interval" yaml:"interval"`
		BatchSize       int    `toml:"batch_size" yaml:"batch_size"`
		StatusEvery     int    `toml:"status_every" yaml:"status_every"`
		ShutdownTimeout string `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	} `toml:"processing" yaml:"processing"`
	Queue struct {
		MaxSize     int    `toml:"max_size" yaml:"max_size"`
		Eviction    string `toml:"eviction" yaml:"eviction"`
		Recovery    bool   `toml:"recovery" yaml:"recovery"`
		MaxRetained int    `toml:"max_retained" yaml:"max_retained"`
	} `toml:"queue" yaml:"queue"`
	Orphans struct {
		CheckInterval string `toml:"check_interval" yaml:"check_interval"`
		Timeout       string `toml:"timeout" yaml:"timeout"`
	} `toml:"orphans" yaml:"orphans"`
	Retry struct {
		MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
		BaseDelay  string `toml:"base_delay" yaml:"base_delay"`
		MaxDelay   string `toml:"max_delay" yaml:"max_delay"`
	} `toml:"retry" yaml:"retry"`
	Store struct {
		Backend string `toml:"backend" yaml:"backend"`
		Path    string `toml:"path" yaml:"path"`
	} `toml:"store" yaml:"store"`
	Dashboard struct {
		Enabled bool   `toml:"enabled" yaml:"enabled"`
		Host    string `toml:"host" yaml:"host"`
		Port    int    `toml:"port" yaml:"port"`
	} `toml:"dashboard" yaml:"dashboard"`
	Log struct {
		File       string `toml:"file" yaml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
		Compress   bool   `toml:"compress" yaml:"compress"`
		Quiet      bool   `toml:"quiet" yaml:"quiet"`
	} `toml:"log" yaml:"log"`
}

func (c *Config) document() document {
	var d document
	d.Watch.Dir = c.Watch.Dir
	d.Watch.Patterns = c.Watch.Patterns
	d.Watch.InitialScan = c.Watch.InitialScan
	d.Processing.Interval = c.Processing.Interval.String()
	d.Processing.BatchSize = c.Processing.BatchSize
	d.Processing.StatusEvery = c.Processing.StatusEvery
	d.Processing.ShutdownTimeout = c.Processing.ShutdownTimeout.String()
	d.Queue.MaxSize = c.Queue.MaxSize
	d.Queue.Eviction = c.Queue.Eviction
	d.Queue.Recovery = c.Queue.Recovery
	d.Queue.MaxRetained = c.Queue.MaxRetained
	d.Orphans.CheckInterval = c.Orphans.CheckInterval.String()
	d.Orphans.Timeout = c.Orphans.Timeout.String()
	d.Retry.MaxRetries = c.Retry.MaxRetries
	d.Retry.BaseDelay = c.Retry.BaseDelay.String()
	d.Retry.MaxDelay = c.Retry.MaxDelay.String()
	d.Store.Backend = c.Store.Backend
	d.Store.Path = c.Store.Path
	d.Dashboard.Enabled = c.Dashboard.Enabled
	d.Dashboard.Host = c.Dashboard.Host
	d.Dashboard.Port = c.Dashboard.Port
	d.Log.File = c.Log.File
	d.Log.MaxSizeMB = c.Log.MaxSizeMB
	d.Log.MaxBackups = c.Log.MaxBackups
	d.Log.MaxAgeDays = c.Log.MaxAgeDays
	d.Log.Compress = c.Log.Compress
	d.Log.Quiet = c.Log.Quiet
	return d
}

// WriteTOML renders the configuration as a TOML config file.
func (c *Config) WriteTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.document()); err != nil {
		return fmt.Errorf("failed to encode TOML: %w", err)
	}
	return nil
}

// WriteYAML renders the configuration as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.document()); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

// WriteFile writes a TOML config file to path. Existing files are only
// replaced when overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.WriteTOML(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
