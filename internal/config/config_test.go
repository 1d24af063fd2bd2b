package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9559 {
		t.Fatalf("expected default port 9559, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != StoreSQLite || cfg.Store.Path != "data/tasks.db" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Settings.DefaultConcurrency != 3 {
		t.Fatalf("expected default concurrency 3, got %d", cfg.Settings.DefaultConcurrency)
	}
	if cfg.Scheduler.DispatchInterval != 5*time.Second || cfg.Scheduler.CompactInterval != 15*time.Minute {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Executor.FlushLines != 50 || cfg.Executor.FlushInterval != 10*time.Second {
		t.Fatalf("unexpected flush defaults: %+v", cfg.Executor)
	}
	attempts, backoff := cfg.StoreRetry()
	if attempts != 3 || backoff != 100*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %d %v", attempts, backoff)
	}
	if cfg.Tracing.Enabled || cfg.Tracing.ServiceName != "linksniff" {
		t.Fatalf("unexpected tracing defaults: %+v", cfg.Tracing)
	}
	if cfg.Redis.Addr != "" || cfg.Redis.Stream != "linksniff:events" || cfg.Redis.StreamMaxLen != 10000 {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if got := strings.Join(cfg.Maintenance.UpdateCommand, " "); got != "pip install --upgrade yt-dlp" {
		t.Fatalf("unexpected update command %q", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
store:
  backend: postgres
  dsn: postgres://localhost/linksniff
  retry_attempts: 5
  retry_backoff: 250ms
settings:
  path: /var/lib/linksniff/settings.json
  default_concurrency: 2
scheduler:
  dispatch_interval: 2s
  compact_cron: "*/30 * * * *"
executor:
  scripts_dir: /opt/scripts
  script_pattern: "fetch-%s.sh"
  interpreter: ""
  output_dir: /srv/media
  flush_lines: 10
  flush_interval: 3s
archive:
  backend: local
  base_dir: /srv/logs
maintenance:
  update_command: ["true"]
  update_timeout: 30s
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.Store.Backend != StorePostgres || cfg.Store.RetryAttempts != 5 || cfg.Store.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("expected store overrides to apply: %+v", cfg.Store)
	}
	if cfg.Scheduler.DispatchInterval != 2*time.Second || cfg.Scheduler.CompactCron != "*/30 * * * *" {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Executor.Interpreter != "" || cfg.Executor.ScriptPattern != "fetch-%s.sh" {
		t.Fatalf("expected executor overrides to apply: %+v", cfg.Executor)
	}
	if cfg.Executor.FlushLines != 10 || cfg.Executor.FlushInterval != 3*time.Second {
		t.Fatalf("expected flush overrides to apply: %+v", cfg.Executor)
	}
	if cfg.Archive.Backend != ArchiveLocal || cfg.Archive.BaseDir != "/srv/logs" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive)
	}
	if len(cfg.Maintenance.UpdateCommand) != 1 || cfg.Maintenance.UpdateTimeout != 30*time.Second {
		t.Fatalf("expected maintenance overrides to apply: %+v", cfg.Maintenance)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read config error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "mysql" }, want: "store.backend"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Path = "" }, want: "store.path"},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Store.Backend = StorePostgres },
			want:   "store.dsn",
		},
		{name: "no retries", mutate: func(c *Config) { c.Store.RetryAttempts = 0 }, want: "store.retry_attempts"},
		{
			name:   "zero default concurrency",
			mutate: func(c *Config) { c.Settings.DefaultConcurrency = 0 },
			want:   "settings.default_concurrency",
		},
		{
			name:   "zero dispatch interval",
			mutate: func(c *Config) { c.Scheduler.DispatchInterval = 0 },
			want:   "scheduler.dispatch_interval",
		},
		{
			name:   "bad compaction cron",
			mutate: func(c *Config) { c.Scheduler.CompactCron = "every tuesday" },
			want:   "scheduler.compact_cron",
		},
		{
			name:   "pattern without placeholder",
			mutate: func(c *Config) { c.Executor.ScriptPattern = "script.py" },
			want:   "executor.script_pattern",
		},
		{name: "zero flush lines", mutate: func(c *Config) { c.Executor.FlushLines = 0 }, want: "executor.flush_lines"},
		{
			name:   "gcs archive without bucket",
			mutate: func(c *Config) { c.Archive.Backend = ArchiveGCS },
			want:   "archive.bucket",
		},
		{
			name:   "pubsub half configured",
			mutate: func(c *Config) { c.PubSub.ProjectID = "proj" },
			want:   "pubsub.project_id",
		},
		{
			name: "tracing without service name",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.ServiceName = " "
			},
			want: "tracing.service_name",
		},
		{
			name: "redis without stream",
			mutate: func(c *Config) {
				c.Redis.Addr = "localhost:6379"
				c.Redis.Stream = ""
			},
			want: "redis.stream",
		},
		{name: "negative redis db", mutate: func(c *Config) { c.Redis.DB = -1 }, want: "redis.db"},
		{
			name:   "empty update command",
			mutate: func(c *Config) { c.Maintenance.UpdateCommand = nil },
			want:   "maintenance.update_command",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Maintenance.UpdateCommand = append([]string(nil), base.Maintenance.UpdateCommand...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
