package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	Mirror   MirrorConfig   `mapstructure:"mirror" yaml:"mirror"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Port         int     `mapstructure:"port" yaml:"port"`
	Host         string  `mapstructure:"host" yaml:"host"`
	Mode         string  `mapstructure:"mode" yaml:"mode"`
	IngressRate  float64 `mapstructure:"ingress_rate" yaml:"ingress_rate"`
	IngressBurst int     `mapstructure:"ingress_burst" yaml:"ingress_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DeliveryConfig contains the delivery engine settings
type DeliveryConfig struct {
	InstanceID         string            `mapstructure:"instance_id" yaml:"instance_id"`
	TickInterval       time.Duration     `mapstructure:"tick_interval" yaml:"tick_interval"`
	WorkerConcurrency  int               `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	MetricsSchedule    string            `mapstructure:"metrics_schedule" yaml:"metrics_schedule"`
	TunerSchedule      string            `mapstructure:"tuner_schedule" yaml:"tuner_schedule"`
	HistoryRetention   time.Duration     `mapstructure:"history_retention" yaml:"history_retention"`
	DeadLetterCapacity int               `mapstructure:"dead_letter_capacity" yaml:"dead_letter_capacity"`
	DeadLetterTTL      time.Duration     `mapstructure:"dead_letter_ttl" yaml:"dead_letter_ttl"`
	RetryBackoffBase   time.Duration     `mapstructure:"retry_backoff_base" yaml:"retry_backoff_base"`
	RetryBackoffFactor float64           `mapstructure:"retry_backoff_factor" yaml:"retry_backoff_factor"`
	RetryBackoffMax    time.Duration     `mapstructure:"retry_backoff_max" yaml:"retry_backoff_max"`
	DefaultPool        PoolConfig        `mapstructure:"default_pool" yaml:"default_pool"`
	Queues             []QueueConfig     `mapstructure:"queues" yaml:"queues"`
	Routes             map[string]string `mapstructure:"routes" yaml:"routes"`
}

// PoolConfig describes the connection pool provisioned at startup
type PoolConfig struct {
	Name              string        `mapstructure:"name" yaml:"name"`
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// QueueConfig describes a queue provisioned at startup. Zero or unset
// values take the per-type defaults; RetryAttempts and DLQEnabled are
// pointers so an explicit 0 or false is kept.
type QueueConfig struct {
	Name           string  `mapstructure:"name" yaml:"name"`
	Type           string  `mapstructure:"type" yaml:"type"`
	MaxSize        int     `mapstructure:"max_size" yaml:"max_size"`
	ProcessingRate float64 `mapstructure:"processing_rate" yaml:"processing_rate"`
	RetryAttempts  *int    `mapstructure:"retry_attempts" yaml:"retry_attempts,omitempty"`
	DLQEnabled     *bool   `mapstructure:"dlq_enabled" yaml:"dlq_enabled,omitempty"`
}

// MirrorConfig selects and configures the persistence mirror backend
type MirrorConfig struct {
	Backend           string               `mapstructure:"backend" yaml:"backend"`
	KeyPrefix         string               `mapstructure:"key_prefix" yaml:"key_prefix"`
	MessageTTL        time.Duration        `mapstructure:"message_ttl" yaml:"message_ttl"`
	CompressThreshold int                  `mapstructure:"compress_threshold" yaml:"compress_threshold"`
	Redis             RedisConfig          `mapstructure:"redis" yaml:"redis"`
	SQLite            SQLiteConfig         `mapstructure:"sqlite" yaml:"sqlite"`
	Breaker           CircuitBreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type CircuitBreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
}

// Load reads config.yaml from ./configs or the working directory
func Load() (*Config, error) {
	return LoadFrom("./configs", ".")
}

// LoadFrom reads config.yaml from the given search paths, applying
// defaults and environment overrides.
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("server.port", "PORT")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("mirror.backend", "PMA_MIRROR_BACKEND")
	v.BindEnv("mirror.redis.addr", "REDIS_ADDR")
	v.BindEnv("mirror.redis.password", "REDIS_PASSWORD")
	v.BindEnv("mirror.sqlite.path", "PMA_SQLITE_PATH")
	v.BindEnv("delivery.instance_id", "PMA_INSTANCE_ID")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration for completeness and correctness
func (c *Config) Validate() error {
	var errors []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, "server.port must be between 1 and 65535")
	}
	if c.Server.IngressRate < 0 {
		errors = append(errors, "server.ingress_rate must be non-negative")
	}

	d := c.Delivery
	if d.TickInterval <= 0 {
		errors = append(errors, "delivery.tick_interval must be positive")
	}
	if d.WorkerConcurrency <= 0 {
		errors = append(errors, "delivery.worker_concurrency must be positive")
	}
	if d.DeadLetterCapacity <= 0 {
		errors = append(errors, "delivery.dead_letter_capacity must be positive")
	}
	if d.DeadLetterTTL < 0 {
		errors = append(errors, "delivery.dead_letter_ttl must be non-negative")
	}
	if d.RetryBackoffBase < 0 {
		errors = append(errors, "delivery.retry_backoff_base must be non-negative")
	}
	if d.RetryBackoffBase > 0 && d.RetryBackoffFactor < 1 {
		errors = append(errors, "delivery.retry_backoff_factor must be at least 1")
	}
	if d.DefaultPool.MaxConnections <= 0 {
		errors = append(errors, "delivery.default_pool.max_connections must be positive")
	}

	names := make(map[string]bool)
	for i, q := range d.Queues {
		if q.Name == "" {
			errors = append(errors, fmt.Sprintf("delivery.queues[%d].name is required", i))
		}
		if names[q.Name] {
			errors = append(errors, fmt.Sprintf("delivery.queues[%d].name %q is duplicated", i, q.Name))
		}
		names[q.Name] = true
		switch q.Type {
		case "realtime", "broadcast", "notification", "system":
		default:
			errors = append(errors, fmt.Sprintf("delivery.queues[%d].type %q is not one of realtime, broadcast, notification, system", i, q.Type))
		}
		if q.MaxSize < 0 {
			errors = append(errors, fmt.Sprintf("delivery.queues[%d].max_size must be non-negative", i))
		}
		if q.RetryAttempts != nil && *q.RetryAttempts < 0 {
			errors = append(errors, fmt.Sprintf("delivery.queues[%d].retry_attempts must be non-negative", i))
		}
	}
	for match, queue := range d.Routes {
		if len(d.Queues) > 0 && !names[queue] {
			errors = append(errors, fmt.Sprintf("delivery.routes[%s] points at unknown queue %q", match, queue))
		}
	}

	switch c.Mirror.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Mirror.Redis.Addr == "" {
			errors = append(errors, "mirror.redis.addr is required when backend is redis")
		}
	case "sqlite":
		if c.Mirror.SQLite.Path == "" {
			errors = append(errors, "mirror.sqlite.path is required when backend is sqlite")
		}
	default:
		errors = append(errors, fmt.Sprintf("mirror.backend %q is not one of none, memory, redis, sqlite", c.Mirror.Backend))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// YAML renders the effective configuration. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.ingress_rate", 200)
	v.SetDefault("server.ingress_burst", 400)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Delivery defaults
	v.SetDefault("delivery.tick_interval", "100ms")
	v.SetDefault("delivery.worker_concurrency", 64)
	v.SetDefault("delivery.metrics_schedule", "@every 5s")
	v.SetDefault("delivery.tuner_schedule", "@every 30s")
	v.SetDefault("delivery.history_retention", "1h")
	v.SetDefault("delivery.dead_letter_capacity", 1000)
	v.SetDefault("delivery.dead_letter_ttl", "168h")
	v.SetDefault("delivery.retry_backoff_base", "0s")
	v.SetDefault("delivery.retry_backoff_factor", 2.0)
	v.SetDefault("delivery.retry_backoff_max", "30s")
	v.SetDefault("delivery.default_pool.name", "default")
	v.SetDefault("delivery.default_pool.max_connections", 1000)
	v.SetDefault("delivery.default_pool.connection_timeout", "30s")
	v.SetDefault("delivery.default_pool.idle_timeout", "5m")
	v.SetDefault("delivery.queues", []map[string]interface{}{
		{"name": "collaboration", "type": "realtime"},
		{"name": "notifications", "type": "notification"},
		{"name": "system", "type": "system"},
		{"name": "broadcast", "type": "broadcast"},
	})
	v.SetDefault("delivery.routes", map[string]string{
		"collaboration": "collaboration",
		"notification":  "notifications",
		"system":        "system",
		"alert":         "system",
		"broadcast":     "broadcast",
	})

	// Mirror defaults
	v.SetDefault("mirror.backend", "none")
	v.SetDefault("mirror.key_prefix", "pma:rt:")
	v.SetDefault("mirror.message_ttl", "24h")
	v.SetDefault("mirror.compress_threshold", 1024)
	v.SetDefault("mirror.redis.addr", "localhost:6379")
	v.SetDefault("mirror.redis.db", 0)
	v.SetDefault("mirror.redis.pool_size", 10)
	v.SetDefault("mirror.sqlite.path", "./data/realtime.db")
	v.SetDefault("mirror.breaker.max_failures", 5)
	v.SetDefault("mirror.breaker.open_timeout", "30s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.prefix", "pma_rt")
}
