// Package config loads the control plane's typed configuration from a YAML
// file and environment variable overrides, via viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for a control plane replica.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Cache    CacheTTLConfig `mapstructure:"cache"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Bus      BusConfig      `mapstructure:"bus"`
	Registry RegistryConfig `mapstructure:"registry"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds the HTTP operational-surface listener settings.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	// RequestDeadline is loaded from configuration but no component reads
	// it: inbound request contexts carry only whatever deadline the caller
	// or the HTTP server itself sets.
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
}

// DatabaseConfig holds PostgreSQL connection settings for the repository
// ports.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// DSN renders the libpq-style connection string pgxpool and the goose
// migration runner both accept.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode,
	)
}

// RedisConfig holds L2-cache and invalidation-bus connection settings.
// Addr == "" disables the L2 tier entirely (L1-only cache fabric).
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig controls the platform/logger sink.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheTTLConfig holds the default TTLs for the named caches of the cache
// fabric (expected-hash, service-resolution, permissions, csot-fallback,
// idp-fallback), and the pre-warm startup delay.
type CacheTTLConfig struct {
	ExpectedHashTTL     time.Duration `mapstructure:"expected_hash_ttl"`
	ServiceResolutionTTL time.Duration `mapstructure:"service_resolution_ttl"`
	PermissionsTTL      time.Duration `mapstructure:"permissions_ttl"`
	CSoTFallbackTTL     time.Duration `mapstructure:"csot_fallback_ttl"`
	IdPFallbackTTL      time.Duration `mapstructure:"idp_fallback_ttl"`
	WarmupDelay         time.Duration `mapstructure:"warmup_delay"`
	L1MaxEntries        int           `mapstructure:"l1_max_entries"`
	WriteThrough        bool          `mapstructure:"write_through"`
}

// HeartbeatConfig controls the ingestor.
type HeartbeatConfig struct {
	DedupWindow                time.Duration `mapstructure:"dedup_window"`
	AutoRegisterOnFirstHeartbeat bool        `mapstructure:"auto_register_on_first_heartbeat"`
	ProdSeverity                string       `mapstructure:"prod_severity"`
	DefaultSeverity              string      `mapstructure:"default_severity"`
	ProdEnvironmentName         string        `mapstructure:"prod_environment_name"`
}

// ReaperConfig controls the stale-instance reaper schedule and thresholds.
type ReaperConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
	DeleteThreshold time.Duration `mapstructure:"delete_threshold"`
}

// ApprovalConfig controls optimistic-concurrency retry behavior for the
// approval state machine.
type ApprovalConfig struct {
	MaxCASRetries int `mapstructure:"max_cas_retries"`
}

// IngestConfig controls the ingest worker pool's concurrency and
// backpressure.
type IngestConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueSize   int `mapstructure:"queue_size"`
}

// BusConfig controls the refresh publisher's resilience decorators.
type BusConfig struct {
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// RegistryConfig controls the optional Kubernetes discovery port.
type RegistryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Kubeconfig string        `mapstructure:"kubeconfig"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from configPath (if non-empty and present) and
// overlays environment variables (CONTROLPLANE_SERVER_PORT, etc.).
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("CONTROLPLANE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")
	viper.SetDefault("server.request_deadline", "5s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "controlplane")
	viper.SetDefault("database.username", "controlplane")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.query_timeout", "5s")

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "8ms")
	viper.SetDefault("redis.max_retry_backoff", "512ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("cache.expected_hash_ttl", "60s")
	viper.SetDefault("cache.service_resolution_ttl", "300s")
	viper.SetDefault("cache.permissions_ttl", "30s")
	viper.SetDefault("cache.csot_fallback_ttl", "24h")
	viper.SetDefault("cache.idp_fallback_ttl", "5m")
	viper.SetDefault("cache.warmup_delay", "30s")
	viper.SetDefault("cache.l1_max_entries", 10000)
	viper.SetDefault("cache.write_through", true)

	viper.SetDefault("heartbeat.dedup_window", "5s")
	viper.SetDefault("heartbeat.auto_register_on_first_heartbeat", false)
	viper.SetDefault("heartbeat.prod_severity", "HIGH")
	viper.SetDefault("heartbeat.default_severity", "MEDIUM")
	viper.SetDefault("heartbeat.prod_environment_name", "prod")

	viper.SetDefault("reaper.interval", "60s")
	viper.SetDefault("reaper.stale_threshold", "90s")
	viper.SetDefault("reaper.delete_threshold", "1h")

	viper.SetDefault("approval.max_cas_retries", 5)

	viper.SetDefault("ingest.concurrency", 0) // 0 => 2*NumCPU at construction
	viper.SetDefault("ingest.queue_size", 1000)

	viper.SetDefault("bus.breaker_max_failures", 5)
	viper.SetDefault("bus.breaker_open_timeout", "10s")

	viper.SetDefault("registry.enabled", false)
	viper.SetDefault("registry.timeout", "5s")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

// Validate performs basic sanity checks beyond struct tags.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Reaper.StaleThreshold >= c.Reaper.DeleteThreshold {
		return fmt.Errorf("reaper.stale_threshold must be less than reaper.delete_threshold")
	}
	if c.Approval.MaxCASRetries <= 0 {
		return fmt.Errorf("approval.max_cas_retries must be positive")
	}
	return nil
}
