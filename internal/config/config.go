// Package config loads and validates linksniff configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Store backends understood by StoreConfig.Backend.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Archive backends understood by ArchiveConfig.Backend.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Settings    SettingsConfig    `mapstructure:"settings"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// APIKeyHash is a bcrypt hash of the key; it takes precedence over APIKey.
	APIKeyHash string `mapstructure:"api_key_hash"`
	// JWTSecret enables HS256 bearer tokens alongside the key.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects and tunes the task table backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	DSN           string        `mapstructure:"dsn"`
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	BusyTimeout   time.Duration `mapstructure:"busy_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// SettingsConfig locates the runtime settings document.
type SettingsConfig struct {
	Path               string `mapstructure:"path"`
	DefaultConcurrency int    `mapstructure:"default_concurrency"`
}

// SchedulerConfig drives the coordinator's periodic jobs.
type SchedulerConfig struct {
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	CompactInterval  time.Duration `mapstructure:"compact_interval"`
	// CompactCron replaces CompactInterval when set (standard 5-field syntax).
	CompactCron string `mapstructure:"compact_cron"`
}

// ExecutorConfig describes how site executables are located and supervised.
type ExecutorConfig struct {
	ScriptsDir    string        `mapstructure:"scripts_dir"`
	ScriptPattern string        `mapstructure:"script_pattern"`
	Interpreter   string        `mapstructure:"interpreter"`
	OutputDir     string        `mapstructure:"output_dir"`
	FlushLines    int           `mapstructure:"flush_lines"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ArchiveConfig controls where finished task logs are copied.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for task lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig selects a Redis stream for task lifecycle events when Pub/Sub
// is not configured.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	Stream       string `mapstructure:"stream"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// MaintenanceConfig configures the downloader update command.
type MaintenanceConfig struct {
	UpdateCommand []string      `mapstructure:"update_command"`
	UpdateTimeout time.Duration `mapstructure:"update_timeout"`
}

// ShutdownConfig bounds how long the daemon waits for running workers.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// TracingConfig toggles OpenTelemetry spans around task runs.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKSNIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9559)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.path", "data/tasks.db")
	v.SetDefault("store.max_open_conns", 0)
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_backoff", 100*time.Millisecond)
	v.SetDefault("settings.path", "data/settings.json")
	v.SetDefault("settings.default_concurrency", 3)
	v.SetDefault("scheduler.dispatch_interval", 5*time.Second)
	v.SetDefault("scheduler.compact_interval", 15*time.Minute)
	v.SetDefault("executor.scripts_dir", "/app/scripts")
	v.SetDefault("executor.script_pattern", "linksniff-%s.py")
	v.SetDefault("executor.interpreter", "python")
	v.SetDefault("executor.output_dir", "/media")
	v.SetDefault("executor.flush_lines", 50)
	v.SetDefault("executor.flush_interval", 10*time.Second)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "logs")
	v.SetDefault("redis.stream", "linksniff:events")
	v.SetDefault("redis.stream_max_len", 10000)
	v.SetDefault("maintenance.update_command", []string{"pip", "install", "--upgrade", "yt-dlp"})
	v.SetDefault("maintenance.update_timeout", 5*time.Minute)
	v.SetDefault("shutdown.grace_period", 30*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "linksniff")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" && c.Auth.APIKeyHash == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.api_key, auth.api_key_hash or auth.jwt_secret must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Store.MaxOpenConns < 0 {
		return fmt.Errorf("store.max_open_conns must be >= 0")
	}
	if c.Store.RetryAttempts <= 0 {
		return fmt.Errorf("store.retry_attempts must be > 0")
	}
	if c.Store.RetryBackoff < 0 {
		return fmt.Errorf("store.retry_backoff must be >= 0")
	}
	if c.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}
	if c.Settings.DefaultConcurrency < 1 {
		return fmt.Errorf("settings.default_concurrency must be >= 1")
	}
	if c.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval must be > 0")
	}
	if c.Scheduler.CompactCron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.CompactCron); err != nil {
			return fmt.Errorf("scheduler.compact_cron: %w", err)
		}
	} else if c.Scheduler.CompactInterval <= 0 {
		return fmt.Errorf("scheduler.compact_interval must be > 0")
	}
	if c.Executor.ScriptsDir == "" {
		return fmt.Errorf("executor.scripts_dir is required")
	}
	if strings.Count(c.Executor.ScriptPattern, "%s") != 1 {
		return fmt.Errorf("executor.script_pattern must contain exactly one %%s")
	}
	if c.Executor.OutputDir == "" {
		return fmt.Errorf("executor.output_dir is required")
	}
	if c.Executor.FlushLines <= 0 {
		return fmt.Errorf("executor.flush_lines must be > 0")
	}
	if c.Executor.FlushInterval <= 0 {
		return fmt.Errorf("executor.flush_interval must be > 0")
	}
	switch c.Archive.Backend {
	case "", ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Redis.Addr != "" && c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream is required when redis.addr is set")
	}
	if c.Redis.DB < 0 || c.Redis.StreamMaxLen < 0 {
		return fmt.Errorf("redis.db and redis.stream_max_len must be >= 0")
	}
	if len(c.Maintenance.UpdateCommand) == 0 {
		return fmt.Errorf("maintenance.update_command must not be empty")
	}
	if c.Maintenance.UpdateTimeout <= 0 {
		return fmt.Errorf("maintenance.update_timeout must be > 0")
	}
	if c.Shutdown.GracePeriod < 0 {
		return fmt.Errorf("shutdown.grace_period must be >= 0")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.ServiceName) == "" {
		return fmt.Errorf("tracing.service_name is required when tracing is enabled")
	}
	return nil
}

// StoreRetry returns the retry policy for store contention.
func (c Config) StoreRetry() (attempts int, backoff time.Duration) {
	return c.Store.RetryAttempts, c.Store.RetryBackoff
}
