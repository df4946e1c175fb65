package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "taskengine.db" {
		t.Fatalf("expected sqlite default database, got %+v", cfg.Database)
	}
	if !cfg.Cache.Enabled {
		t.Fatalf("expected cache enabled by default")
	}
	if cfg.Orchestrator.Mode != "local" || cfg.Orchestrator.MaxAttempts != 3 {
		t.Fatalf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.HeartbeatTimeout != 120*time.Second || cfg.Orchestrator.StartToCloseTimeout != 300*time.Second {
		t.Fatalf("unexpected activity timeouts: %+v", cfg.Orchestrator)
	}
	if cfg.Scraper.MaxRetry != 5 || cfg.Scraper.MinContentLength != 100 || !cfg.Scraper.RemoveLists {
		t.Fatalf("unexpected scraper defaults: %+v", cfg.Scraper)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %s", cfg.Address())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  sync_timeout: 30s
auth:
  enabled: true
  api_key: secret
database:
  driver: Postgres
  dsn: postgres://localhost/tasks
  max_conns: 20
cache:
  enabled: false
orchestrator:
  mode: temporal
  max_attempts: 4
  initial_interval: 5s
temporal:
  host_port: temporal:7233
  namespace: scrapers
  tls: true
scraper:
  proxy_url: http://proxy:3128
  cdp_url: ws://browser:9222
  max_retry: 2
storage:
  backend: gcs
  bucket: snapshots-bucket
publisher:
  backend: pubsub
  project_id: proj
  topic: events
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.SyncTimeout != 30*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.MaxConns != 20 {
		t.Fatalf("expected normalized postgres driver, got %+v", cfg.Database)
	}
	if cfg.Cache.Enabled {
		t.Fatalf("expected cache disabled")
	}
	if cfg.Orchestrator.Mode != "temporal" || cfg.Orchestrator.MaxAttempts != 4 || cfg.Orchestrator.InitialInterval != 5*time.Second {
		t.Fatalf("expected orchestrator overrides, got %+v", cfg.Orchestrator)
	}
	if cfg.Temporal.HostPort != "temporal:7233" || cfg.Temporal.Namespace != "scrapers" || !cfg.Temporal.TLS {
		t.Fatalf("expected temporal overrides, got %+v", cfg.Temporal)
	}
	if cfg.Scraper.ProxyURL != "http://proxy:3128" || cfg.Scraper.CDPURL != "ws://browser:9222" || cfg.Scraper.MaxRetry != 2 {
		t.Fatalf("expected scraper overrides, got %+v", cfg.Scraper)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.Bucket != "snapshots-bucket" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Publisher.Backend != "pubsub" || cfg.Publisher.Topic != "events" {
		t.Fatalf("expected publisher overrides, got %+v", cfg.Publisher)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKENGINE_DATABASE_DRIVER", "memory")
	t.Setenv("TASKENGINE_SCRAPER_PROXY_URL", "http://proxy.internal:8080")
	t.Setenv("TASKENGINE_EXECUTOR_MAX_CONCURRENCY", "16")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("expected memory driver from env, got %q", cfg.Database.Driver)
	}
	if cfg.Scraper.ProxyURL != "http://proxy.internal:8080" {
		t.Fatalf("expected proxy url from env, got %q", cfg.Scraper.ProxyURL)
	}
	if cfg.Executor.MaxConcurrency != 16 {
		t.Fatalf("expected max concurrency 16, got %d", cfg.Executor.MaxConcurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Port: 8080, SyncPollInterval: time.Second},
		Database:     DatabaseConfig{Driver: "memory"},
		Orchestrator: OrchestratorConfig{Mode: "local", LocalWorkers: 1, MaxAttempts: 3},
		Storage:      StorageConfig{Backend: "memory"},
		Publisher:    PublisherConfig{Backend: "none"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"sqlite without dsn", func(c *Config) { c.Database.Driver = "sqlite" }, "database.dsn"},
		{"unknown mode", func(c *Config) { c.Orchestrator.Mode = "cron" }, "orchestrator.mode"},
		{"temporal without host", func(c *Config) { c.Orchestrator.Mode = "temporal" }, "temporal.host_port"},
		{"no attempts", func(c *Config) { c.Orchestrator.MaxAttempts = 0 }, "orchestrator.max_attempts"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.base_dir"},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = "pubsub" }, "publisher.project_id"},
		{"negative max retry", func(c *Config) { c.Scraper.MaxRetry = -1 }, "scraper.max_retry"},
		{"negative rate limit", func(c *Config) { c.Scraper.RateLimitRPS = -1 }, "scraper.rate_limit_rps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
