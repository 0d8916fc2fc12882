package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Engine      EngineConfig       `mapstructure:"engine"`
	Audit       AuditConfig        `mapstructure:"audit"`
	Assignment  AssignmentConfig   `mapstructure:"assignment"`
	Experiments []ExperimentConfig `mapstructure:"experiments"`
	Clients     []ClientConfig     `mapstructure:"clients"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	APIKey        string `mapstructure:"api_key"` // default client key for single-client mode
	AdminKey      string `mapstructure:"admin_key"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	AssignmentTTLSeconds  int    `mapstructure:"assignment_ttl_seconds"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
}

type EngineConfig struct {
	// WarmStartMinObservations is the minimum number of global-segment
	// visits before a novel segment inherits the global posterior instead
	// of the uniform prior.
	WarmStartMinObservations int64 `mapstructure:"warm_start_min_observations"`
	// Seed fixes the sampling source; 0 draws entropy at startup.
	Seed           uint64 `mapstructure:"seed"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
}

type AuditConfig struct {
	LogDir      string `mapstructure:"log_dir"`
	QueueSize   int    `mapstructure:"queue_size"`
	FeedBuffer  int    `mapstructure:"feed_buffer"`
	AttestorKey string `mapstructure:"attestor_key"`
}

type AssignmentConfig struct {
	// ConversionWindowHours bounds how long an assignment may wait for a
	// conversion before the expiry sweep marks it EXPIRED. 0 disables the
	// sweep.
	ConversionWindowHours int `mapstructure:"conversion_window_hours"`
	SweepIntervalMinutes  int `mapstructure:"sweep_interval_minutes"`
}

type ExperimentConfig struct {
	ID       string          `mapstructure:"id"`
	Name     string          `mapstructure:"name"`
	Status   string          `mapstructure:"status"`
	Mode     string          `mapstructure:"mode"`
	Elements []ElementConfig `mapstructure:"elements"`
}

type ElementConfig struct {
	ID       string          `mapstructure:"id"`
	Name     string          `mapstructure:"name"`
	Variants []VariantConfig `mapstructure:"variants"`
}

type VariantConfig struct {
	ID          string  `mapstructure:"id"`
	Name        string  `mapstructure:"name"`
	Control     bool    `mapstructure:"control"`
	Weight      float64 `mapstructure:"weight"`
	Deactivated bool    `mapstructure:"deactivated"`
}

type ClientConfig struct {
	ID     string  `mapstructure:"id"`
	Name   string  `mapstructure:"name"`
	APIKey string  `mapstructure:"api_key"`
	QPS    float64 `mapstructure:"qps"`
	Burst  int     `mapstructure:"burst"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. BANDGATE_DATABASE_DSN
	viper.SetEnvPrefix("bandgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("auth.require_api_key", false)
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("redis.assignment_ttl_seconds", 2592000)
	viper.SetDefault("redis.idempotency_ttl_seconds", 86400)
	viper.SetDefault("engine.warm_start_min_observations", 50)
	viper.SetDefault("engine.seed", 0)
	viper.SetDefault("engine.max_retries", 3)
	viper.SetDefault("engine.retry_backoff_ms", 25)
	viper.SetDefault("audit.log_dir", "./logs")
	viper.SetDefault("audit.queue_size", 4096)
	viper.SetDefault("audit.feed_buffer", 64)
	viper.SetDefault("assignment.conversion_window_hours", 0)
	viper.SetDefault("assignment.sweep_interval_minutes", 60)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
