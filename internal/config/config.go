// Package config loads service configuration from yaml files and
// environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds connection settings for the ledger database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds connection settings for the shared state store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds settings for the domain event publisher.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// VenueConfig holds credentials and endpoint for one trading venue.
type VenueConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Passphrase string        `mapstructure:"passphrase"`
}

// GatewayConfig controls retry, breaker and failover behaviour of the
// exchange gateway.
type GatewayConfig struct {
	PrimaryVenue    string        `mapstructure:"primary_venue"`
	SecondaryVenue  string        `mapstructure:"secondary_venue"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	BreakerMaxFails int           `mapstructure:"breaker_max_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset_window"`
	Venues          map[string]VenueConfig `mapstructure:"venues"`
}

// ReconcilerConfig controls the reconciliation worker.
type ReconcilerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// Config is the root application configuration.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

// Load reads configuration from the given file (optional) and BROKER_*
// environment variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "broker")
	v.SetDefault("kafka.write_timeout", 2*time.Second)
	v.SetDefault("gateway.primary_venue", "coinbase")
	v.SetDefault("gateway.secondary_venue", "kraken")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.retry_base_delay", time.Second)
	v.SetDefault("gateway.breaker_max_failures", 5)
	v.SetDefault("gateway.breaker_reset_window", time.Minute)
	v.SetDefault("reconciler.interval", 30*time.Second)
	v.SetDefault("reconciler.grace_period", 15*time.Second)
	v.SetDefault("reconciler.batch_size", 100)

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
