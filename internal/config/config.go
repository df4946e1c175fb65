// Package config loads and validates task engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKENGINE_DATABASE_DSN.
const EnvPrefix = "TASKENGINE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Temporal     TemporalConfig     `mapstructure:"temporal"`
	Scraper      ScraperConfig      `mapstructure:"scraper"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	SyncTimeout      time.Duration `mapstructure:"sync_timeout"`
	SyncPollInterval time.Duration `mapstructure:"sync_poll_interval"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig selects and tunes the task store.
type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CacheConfig toggles fingerprint deduplication.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExecutorConfig bounds task execution.
type ExecutorConfig struct {
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	StoreRetryAttempts int           `mapstructure:"store_retry_attempts"`
	StoreRetryDelay    time.Duration `mapstructure:"store_retry_delay"`
}

// OrchestratorConfig selects the dispatch mode and the per-task retry policy.
type OrchestratorConfig struct {
	// Mode is temporal or local.
	Mode                string        `mapstructure:"mode"`
	TaskQueue           string        `mapstructure:"task_queue"`
	StartToCloseTimeout time.Duration `mapstructure:"start_to_close_timeout"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	BackoffCoefficient  float64       `mapstructure:"backoff_coefficient"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MarkFailedAttempts  int           `mapstructure:"mark_failed_attempts"`
	WorkerConcurrency   int           `mapstructure:"worker_concurrency"`
	QueueDepth          int           `mapstructure:"queue_depth"`
	LocalWorkers        int           `mapstructure:"local_workers"`
}

// TemporalConfig holds the Temporal connection settings.
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	APIKey    string `mapstructure:"api_key"`
	TLS       bool   `mapstructure:"tls"`
}

// ScraperConfig configures the built-in scrapers.
type ScraperConfig struct {
	ProxyURL         string        `mapstructure:"proxy_url"`
	CDPURL           string        `mapstructure:"cdp_url"`
	UserAgent        string        `mapstructure:"user_agent"`
	Headless         bool          `mapstructure:"headless"`
	NavTimeout       time.Duration `mapstructure:"nav_timeout"`
	MaxRetry         int           `mapstructure:"max_retry"`
	RemoveLists      bool          `mapstructure:"remove_lists"`
	MinContentLength int           `mapstructure:"min_content_length"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	MaxParallel      int           `mapstructure:"max_parallel"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	// RateLimitRPS paces fetches per host; 0 disables pacing.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// StorageConfig selects where page snapshots are written.
type StorageConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PublisherConfig selects where task events go.
type PublisherConfig struct {
	// Backend is none, memory or pubsub.
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and TASKENGINE_*
// environment variables. Every key needs a default for its environment
// override to reach Unmarshal.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.sync_timeout", "5m")
	v.SetDefault("server.sync_poll_interval", "1s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "taskengine.db")
	v.SetDefault("database.table", "tasks")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("executor.max_concurrency", 8)
	v.SetDefault("executor.store_retry_attempts", 3)
	v.SetDefault("executor.store_retry_delay", "200ms")
	v.SetDefault("orchestrator.mode", "local")
	v.SetDefault("orchestrator.task_queue", "scraper-tasks")
	v.SetDefault("orchestrator.start_to_close_timeout", "300s")
	v.SetDefault("orchestrator.heartbeat_timeout", "120s")
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.initial_interval", "30s")
	v.SetDefault("orchestrator.backoff_coefficient", 2.0)
	v.SetDefault("orchestrator.max_interval", "5m")
	v.SetDefault("orchestrator.mark_failed_attempts", 5)
	v.SetDefault("orchestrator.worker_concurrency", 5)
	v.SetDefault("orchestrator.queue_depth", 64)
	v.SetDefault("orchestrator.local_workers", 2)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.api_key", "")
	v.SetDefault("temporal.tls", false)
	v.SetDefault("scraper.proxy_url", "")
	v.SetDefault("scraper.cdp_url", "")
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.nav_timeout", "45s")
	v.SetDefault("scraper.max_retry", 5)
	v.SetDefault("scraper.remove_lists", true)
	v.SetDefault("scraper.min_content_length", 100)
	v.SetDefault("scraper.settle_delay", "3s")
	v.SetDefault("scraper.max_parallel", 2)
	v.SetDefault("scraper.http_timeout", "15s")
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.rate_limit_rps", 0)
	v.SetDefault("scraper.rate_limit_burst", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "data/snapshots")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "task-events")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Orchestrator.Mode = strings.ToLower(strings.TrimSpace(c.Orchestrator.Mode))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Publisher.Backend = strings.ToLower(strings.TrimSpace(c.Publisher.Backend))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.SyncPollInterval <= 0 {
		return fmt.Errorf("server.sync_poll_interval must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}
	if c.Executor.MaxConcurrency < 0 {
		return fmt.Errorf("executor.max_concurrency must be >= 0")
	}
	switch c.Orchestrator.Mode {
	case "temporal":
		if c.Temporal.HostPort == "" {
			return fmt.Errorf("temporal.host_port must be set in temporal mode")
		}
	case "local":
		if c.Orchestrator.LocalWorkers <= 0 {
			return fmt.Errorf("orchestrator.local_workers must be > 0")
		}
	default:
		return fmt.Errorf("orchestrator.mode must be temporal or local, got %q", c.Orchestrator.Mode)
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator.max_attempts must be > 0")
	}
	if c.Scraper.RateLimitRPS < 0 {
		return fmt.Errorf("scraper.rate_limit_rps must be >= 0")
	}
	if c.Scraper.MaxRetry < 0 {
		return fmt.Errorf("scraper.max_retry must be >= 0")
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	switch c.Publisher.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend must be none, memory or pubsub, got %q", c.Publisher.Backend)
	}
	return nil
}

// Address returns the HTTP listen address.
func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
