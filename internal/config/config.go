// Package config loads service configuration from defaults, an optional
// YAML file and EVENTHOOKS_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/felipemaragno/eventhooks/internal/delivery"
	"github.com/felipemaragno/eventhooks/internal/kafka"
	"github.com/felipemaragno/eventhooks/internal/resilience"
	"github.com/felipemaragno/eventhooks/internal/retry"
	"github.com/felipemaragno/eventhooks/internal/worker"
)

const EnvPrefix = "EVENTHOOKS"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL       string        `mapstructure:"url"`
	MaxConns  int32         `mapstructure:"max_conns"`
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

func (d DatabaseConfig) InMemory() bool { return d.URL == "" }

// RedisConfig enables shared rate limiting and concurrency caps across
// replicas. An empty URL keeps them in process.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (r RedisConfig) Enabled() bool { return r.URL != "" }

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type WorkerConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	ThrottleDelay    time.Duration `mapstructure:"throttle_delay"`
	ResumeInterval   time.Duration `mapstructure:"resume_interval"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type ResilienceConfig struct {
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	BreakerRatio    float64       `mapstructure:"breaker_ratio"`
	BreakerRequests uint32        `mapstructure:"breaker_min_requests"`
}

type RegistryConfig struct {
	// Production rejects loopback webhook URLs.
	Production bool `mapstructure:"production"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.batch_size", 50)
	v.SetDefault("database.batch_wait", 5*time.Millisecond)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "eventhooks:")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "domain.events")
	v.SetDefault("kafka.group_id", "eventhooks")

	v.SetDefault("worker.workers", 8)
	v.SetDefault("worker.queue_size", 1024)
	v.SetDefault("worker.http_timeout", 30*time.Second)
	v.SetDefault("worker.max_response_bytes", 64*1024)
	v.SetDefault("worker.throttle_delay", time.Second)
	v.SetDefault("worker.resume_interval", time.Minute)

	v.SetDefault("retry.initial_interval", time.Second)
	v.SetDefault("retry.max_interval", time.Hour)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("retry.max_attempts", 5)

	v.SetDefault("resilience.rate_limit", 100.0)
	v.SetDefault("resilience.burst", 10)
	v.SetDefault("resilience.max_concurrent", 10)
	v.SetDefault("resilience.breaker_timeout", 30*time.Second)
	v.SetDefault("resilience.breaker_ratio", 0.5)
	v.SetDefault("resilience.breaker_min_requests", 3)

	v.SetDefault("registry.production", false)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", "0 3 * * *")
	v.SetDefault("retention.max_age", 30*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. When path is empty, eventhooks.yaml is looked up
// in the working directory and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("eventhooks")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Worker.Workers < 1 {
		errs = append(errs, errors.New("worker.workers must be at least 1"))
	}
	if c.Worker.QueueSize < 1 {
		errs = append(errs, errors.New("worker.queue_size must be at least 1"))
	}
	if c.Worker.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("worker.http_timeout must be positive"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Resilience.RateLimit <= 0 || c.Resilience.Burst < 1 {
		errs = append(errs, errors.New("resilience.rate_limit and resilience.burst must be positive"))
	}
	if c.Resilience.MaxConcurrent < 1 {
		errs = append(errs, errors.New("resilience.max_concurrent must be at least 1"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
		if c.Retention.MaxAge <= 0 {
			errs = append(errs, errors.New("retention.max_age must be positive"))
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	return errors.Join(errs...)
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		Multiplier:      c.Retry.Multiplier,
		Jitter:          c.Retry.Jitter,
		MaxAttempts:     c.Retry.MaxAttempts,
	}
}

func (c *Config) WorkerConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Workers = c.Worker.Workers
	cfg.QueueSize = c.Worker.QueueSize
	cfg.ThrottleDelay = c.Worker.ThrottleDelay
	return cfg
}

func (c *Config) ExecutorConfig() delivery.Config {
	return delivery.Config{
		Timeout:          c.Worker.HTTPTimeout,
		MaxResponseBytes: c.Worker.MaxResponseBytes,
	}
}

func (c *Config) ResumerConfig() retry.ResumerConfig {
	cfg := retry.DefaultResumerConfig()
	cfg.Interval = c.Worker.ResumeInterval
	return cfg
}

func (c *Config) RateLimiterConfig() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{
		RequestsPerSecond: c.Resilience.RateLimit,
		BurstSize:         c.Resilience.Burst,
	}
}

func (c *Config) CircuitBreakerConfig() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Timeout = c.Resilience.BreakerTimeout
	cfg.FailureRatio = c.Resilience.BreakerRatio
	cfg.MinRequests = c.Resilience.BreakerRequests
	return cfg
}

func (c *Config) ConsumerConfig() kafka.ConsumerConfig {
	cfg := kafka.DefaultConsumerConfig()
	cfg.Brokers = c.Kafka.Brokers
	cfg.Topic = c.Kafka.Topic
	cfg.GroupID = c.Kafka.GroupID
	return cfg
}
