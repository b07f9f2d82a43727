package config

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Config represents the complete configuration for the KeeperHub runner.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"   validate:"required"`
	Redis      RedisConfig      `koanf:"redis"      validate:"required"`
	Queue      QueueConfig      `koanf:"queue"      validate:"required"`
	Runner     RunnerConfig     `koanf:"runner"     validate:"required"`
	Hub        HubConfig        `koanf:"hub"        validate:"required"`
	Shutdown   ShutdownConfig   `koanf:"shutdown"   validate:"required"`
	Log        LogConfig        `koanf:"log"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
}

// DatabaseConfig contains Postgres connection configuration.
type DatabaseConfig struct {
	ConnString  string          `koanf:"conn_string"  env:"KEEPERHUB_DB_CONN_STRING"`
	Host        string          `koanf:"host"         env:"KEEPERHUB_DB_HOST"`
	Port        string          `koanf:"port"         env:"KEEPERHUB_DB_PORT"`
	User        string          `koanf:"user"         env:"KEEPERHUB_DB_USER"`
	Password    SensitiveString `koanf:"password"     env:"KEEPERHUB_DB_PASSWORD"     sensitive:"true"`
	DBName      string          `koanf:"name"         env:"KEEPERHUB_DB_NAME"`
	SSLMode     string          `koanf:"ssl_mode"     env:"KEEPERHUB_DB_SSL_MODE"`
	AutoMigrate bool            `koanf:"auto_migrate" env:"KEEPERHUB_DB_AUTO_MIGRATE"`
	MaxConns    int32           `koanf:"max_conns"    env:"KEEPERHUB_DB_MAX_CONNS"    validate:"min=1"`
}

// DSN returns the connection string, assembling one from the individual
// components when conn_string is not set.
func (d *DatabaseConfig) DSN() string {
	if d.ConnString != "" {
		return d.ConnString
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password.Value()),
		Host:   fmt.Sprintf("%s:%s", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisConfig contains Redis connection configuration for the trigger queue.
type RedisConfig struct {
	URL      string          `koanf:"url"      env:"KEEPERHUB_REDIS_URL"`
	Host     string          `koanf:"host"     env:"KEEPERHUB_REDIS_HOST"`
	Port     string          `koanf:"port"     env:"KEEPERHUB_REDIS_PORT"`
	Password SensitiveString `koanf:"password" env:"KEEPERHUB_REDIS_PASSWORD" sensitive:"true"`
	DB       int             `koanf:"db"       env:"KEEPERHUB_REDIS_DB"       validate:"min=0,max=15"`
}

// Addr returns the host:port address for direct client construction.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// QueueConfig contains trigger queue consumer configuration.
type QueueConfig struct {
	Stream            string        `koanf:"stream"             env:"KEEPERHUB_QUEUE_STREAM"             validate:"required"`
	Group             string        `koanf:"group"              env:"KEEPERHUB_QUEUE_GROUP"              validate:"required"`
	BlockTimeout      time.Duration `koanf:"block_timeout"      env:"KEEPERHUB_QUEUE_BLOCK_TIMEOUT"`
	BatchSize         int           `koanf:"batch_size"         env:"KEEPERHUB_QUEUE_BATCH_SIZE"         validate:"min=1"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout" env:"KEEPERHUB_QUEUE_VISIBILITY_TIMEOUT"`
	ReclaimInterval   time.Duration `koanf:"reclaim_interval"   env:"KEEPERHUB_QUEUE_RECLAIM_INTERVAL"`
}

// RunnerConfig contains execution engine configuration.
type RunnerConfig struct {
	MaxInFlight         int64         `koanf:"max_in_flight"         env:"KEEPERHUB_RUNNER_MAX_IN_FLIGHT"         validate:"min=1"`
	NodeParallelism     int64         `koanf:"node_parallelism"      env:"KEEPERHUB_RUNNER_NODE_PARALLELISM"      validate:"min=1"`
	MaxAttempts         uint64        `koanf:"max_attempts"          env:"KEEPERHUB_RUNNER_MAX_ATTEMPTS"          validate:"min=1"`
	RetryBaseDelay      time.Duration `koanf:"retry_base_delay"      env:"KEEPERHUB_RUNNER_RETRY_BASE_DELAY"`
	StepTimeout         time.Duration `koanf:"step_timeout"          env:"KEEPERHUB_RUNNER_STEP_TIMEOUT"`
	DefinitionCacheSize int           `koanf:"definition_cache_size" env:"KEEPERHUB_RUNNER_DEFINITION_CACHE_SIZE" validate:"min=1"`
}

// HubConfig contains the authenticated KeeperHub API client configuration.
type HubConfig struct {
	BaseURL       string          `koanf:"base_url"       env:"KEEPERHUB_HUB_BASE_URL"       validate:"required"`
	TokenPath     string          `koanf:"token_path"     env:"KEEPERHUB_HUB_TOKEN_PATH"`
	ServiceID     string          `koanf:"service_id"     env:"KEEPERHUB_HUB_SERVICE_ID"`
	ServiceSecret SensitiveString `koanf:"service_secret" env:"KEEPERHUB_HUB_SERVICE_SECRET" sensitive:"true"`
	Timeout       time.Duration   `koanf:"timeout"        env:"KEEPERHUB_HUB_TIMEOUT"`
}

// ShutdownConfig contains drain timing configuration. Timeout bounds the
// in-flight drain; GracePeriod mirrors the host's termination grace period
// and must leave room after Timeout for cancellation bookkeeping.
type ShutdownConfig struct {
	Timeout     time.Duration `koanf:"timeout"      env:"KEEPERHUB_SHUTDOWN_TIMEOUT"`
	GracePeriod time.Duration `koanf:"grace_period" env:"KEEPERHUB_SHUTDOWN_GRACE_PERIOD"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"  validate:"oneof=debug info warn error disabled" env:"KEEPERHUB_LOG_LEVEL"`
	JSON   bool   `koanf:"json"   env:"KEEPERHUB_LOG_JSON"`
	Source bool   `koanf:"source" env:"KEEPERHUB_LOG_SOURCE"`
}

// MonitoringConfig contains the health endpoint configuration.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"KEEPERHUB_MONITORING_ENABLED"`
	Host    string `koanf:"host"    env:"KEEPERHUB_MONITORING_HOST"`
	Port    int    `koanf:"port"    env:"KEEPERHUB_MONITORING_PORT"    validate:"min=0,max=65535"`
}

// Service defines the configuration management service interface.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks if the configuration meets all validation requirements.
	Validate(config *Config) error
	// GetSource returns the source type for a specific configuration key.
	// This tracks which source (env, CLI, YAML, default) provided each value,
	// enabling debugging and precedence verification.
	GetSource(key string) SourceType
}

// Source defines the interface for configuration sources.
type Source interface {
	// Load reads configuration from the source.
	Load() (map[string]any, error)
	// Type returns the source type identifier.
	Type() SourceType
	// Close releases any resources held by the source.
	Close() error
}

// SourceType identifies the type of configuration source.
type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

// Metadata contains metadata about configuration sources.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// Load loads configuration using the default service.
// This is a convenience function for simple configuration loading.
func Load() (*Config, error) {
	service := NewService()
	return service.Load(context.Background())
}

// Default returns a Config with default values for local development.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        "5432",
			User:        "postgres",
			Password:    "",
			DBName:      "keeperhub",
			SSLMode:     "disable",
			AutoMigrate: true,
			MaxConns:    10,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
			DB:   0,
		},
		Queue: QueueConfig{
			Stream:            "keeperhub:triggers",
			Group:             "runner",
			BlockTimeout:      5 * time.Second,
			BatchSize:         10,
			VisibilityTimeout: 60 * time.Second,
			ReclaimInterval:   30 * time.Second,
		},
		Runner: RunnerConfig{
			MaxInFlight:         8,
			NodeParallelism:     4,
			MaxAttempts:         3,
			RetryBaseDelay:      500 * time.Millisecond,
			StepTimeout:         60 * time.Second,
			DefinitionCacheSize: 128,
		},
		Hub: HubConfig{
			BaseURL:   "http://localhost:8787",
			TokenPath: "/auth/service-token",
			Timeout:   30 * time.Second,
		},
		Shutdown: ShutdownConfig{
			Timeout:     25 * time.Second,
			GracePeriod: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8081,
		},
	}
}
