// Package config loads dagfeed settings from defaults, an optional config
// file, and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the dagfeed settings.
type Config struct {
	Kaspad   KaspadConfig   `mapstructure:"kaspad"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// KaspadConfig describes the backend nodes.
type KaspadConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	PoolSize          int           `mapstructure:"pool_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MempoolTimeout    time.Duration `mapstructure:"mempool_timeout"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	StartupTimeout    time.Duration `mapstructure:"startup_timeout"`
}

// FeedConfig tunes the emitters and the live mempool engine.
type FeedConfig struct {
	LiveInterval      time.Duration `mapstructure:"live_interval"`
	EmitInterval      time.Duration `mapstructure:"emit_interval"`
	MassLimitInterval time.Duration `mapstructure:"mass_limit_interval"`
	Window            time.Duration `mapstructure:"window"`
	TileLimit         int           `mapstructure:"tile_limit"`
	BlockMassLimit    int64         `mapstructure:"block_mass_limit"`
}

// WatchdogConfig tunes the task supervisor.
type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig configures the prometheus registry.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// MaxPoolSize bounds kaspad.pool_size.
const MaxPoolSize = 64

type configError string

func (e configError) Error() string {
	return string(e)
}

// Validation errors.
const (
	ErrNoHosts          = configError("at least one kaspad host is required")
	ErrEmptyHost        = configError("kaspad host must not be empty")
	ErrPoolSize         = configError("kaspad pool size must be between 1 and 64")
	ErrNonPositive      = configError("durations and limits must be positive")
	ErrEmptyListenAddr  = configError("listen address is required")
	ErrEmptyNamespace   = configError("metrics namespace is required")
	ErrWindowTooShort   = configError("feed window must be longer than the live interval")
	ErrUnknownLogFormat = configError("log format must be console or json")
)

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("kaspad.hosts", []string{"localhost:16110"})
	v.SetDefault("kaspad.pool_size", 2)
	v.SetDefault("kaspad.request_timeout", 5*time.Second)
	v.SetDefault("kaspad.mempool_timeout", 10*time.Second)
	v.SetDefault("kaspad.health_check_period", 30*time.Second)
	v.SetDefault("kaspad.startup_timeout", 60*time.Second)

	v.SetDefault("feed.live_interval", 2*time.Second)
	v.SetDefault("feed.emit_interval", 5*time.Second)
	v.SetDefault("feed.mass_limit_interval", 60*time.Second)
	v.SetDefault("feed.window", 60*time.Second)
	v.SetDefault("feed.tile_limit", 120)
	v.SetDefault("feed.block_mass_limit", 1_000_000)

	v.SetDefault("watchdog.interval", 5*time.Second)

	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("metrics.namespace", "dagfeed")
}

// New returns a viper instance with defaults and environment binding. Keys
// map to variables by upper-casing and replacing dots, so kaspad.hosts is
// read from KASPAD_HOSTS.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short aliases kept from the original deployment.
	_ = v.BindEnv("server.listen_addr", "SERVER_LISTEN_ADDR", "LISTEN_ADDR")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kaspad.Hosts = splitHosts(cfg.Kaspad.Hosts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitHosts accepts both a list and comma separated entries, as
// KASPAD_HOSTS arrives as a single string.
func splitHosts(in []string) []string {
	var out []string
	for _, item := range in {
		for _, host := range strings.Split(item, ",") {
			if host = strings.TrimSpace(host); host != "" {
				out = append(out, host)
			}
		}
	}
	return out
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Kaspad.Hosts) == 0 {
		return ErrNoHosts
	}
	for _, h := range c.Kaspad.Hosts {
		if strings.TrimSpace(h) == "" {
			return ErrEmptyHost
		}
	}
	if c.Kaspad.PoolSize < 1 || c.Kaspad.PoolSize > MaxPoolSize {
		return ErrPoolSize
	}

	positive := map[string]time.Duration{
		"kaspad.request_timeout":   c.Kaspad.RequestTimeout,
		"kaspad.mempool_timeout":   c.Kaspad.MempoolTimeout,
		"kaspad.startup_timeout":   c.Kaspad.StartupTimeout,
		"feed.live_interval":       c.Feed.LiveInterval,
		"feed.emit_interval":       c.Feed.EmitInterval,
		"feed.mass_limit_interval": c.Feed.MassLimitInterval,
		"feed.window":              c.Feed.Window,
		"watchdog.interval":        c.Watchdog.Interval,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s: %w", key, ErrNonPositive)
		}
	}
	if c.Kaspad.HealthCheckPeriod < 0 {
		return fmt.Errorf("kaspad.health_check_period: %w", ErrNonPositive)
	}
	if c.Feed.TileLimit <= 0 {
		return fmt.Errorf("feed.tile_limit: %w", ErrNonPositive)
	}
	if c.Feed.BlockMassLimit <= 0 {
		return fmt.Errorf("feed.block_mass_limit: %w", ErrNonPositive)
	}
	if c.Feed.Window <= c.Feed.LiveInterval {
		return ErrWindowTooShort
	}

	if c.Server.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if c.Metrics.Namespace == "" {
		return ErrEmptyNamespace
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return ErrUnknownLogFormat
	}
	return nil
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ce configError
	return errors.As(err, &ce)
}
