package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. NOTIFY_SERVER_PORT.
const EnvPrefix = "NOTIFY"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Push      PushConfig      `mapstructure:"push"`
	Retention RetentionConfig `mapstructure:"retention"`
	Events    EventsConfig    `mapstructure:"events"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type RealtimeConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	RelayChannel    string        `mapstructure:"relay_channel"`
}

type PushConfig struct {
	Icon         string        `mapstructure:"icon"`
	Badge        string        `mapstructure:"badge"`
	TTL          int           `mapstructure:"ttl"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	Concurrency  int           `mapstructure:"concurrency"`
	Breaker      BreakerConfig `mapstructure:"breaker"`

	// Filled from the environment only.
	VAPID VAPIDConfig `mapstructure:"-"`
	SNS   SNSConfig   `mapstructure:"-"`
}

type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type VAPIDConfig struct {
	PublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	Subject    string `envconfig:"VAPID_SUBJECT" default:"mailto:admin@example.com"`
}

type SNSConfig struct {
	Region          string `envconfig:"AWS_REGION"`
	FCMPlatformARN  string `envconfig:"SNS_FCM_ARN"`
	APNSPlatformARN string `envconfig:"SNS_APNS_ARN"`
}

type RetentionConfig struct {
	DeviceInactiveDays int           `mapstructure:"device_inactive_days"`
	NotificationDays   int           `mapstructure:"notification_days"`
	Interval           time.Duration `mapstructure:"interval"`
}

type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	TTL               time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "notifications")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("realtime.ping_interval", 25*time.Second)
	v.SetDefault("realtime.pong_wait", 60*time.Second)
	v.SetDefault("realtime.write_wait", 10*time.Second)
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.max_message_bytes", 64<<10)
	v.SetDefault("realtime.relay_channel", "notifications:realtime")

	v.SetDefault("push.icon", "/icon-192x192.png")
	v.SetDefault("push.badge", "/badge-72x72.png")
	v.SetDefault("push.ttl", 86400)
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("push.max_retries", 0)
	v.SetDefault("push.retry_initial", 500*time.Millisecond)
	v.SetDefault("push.retry_max", 5*time.Second)
	v.SetDefault("push.concurrency", 16)
	v.SetDefault("push.breaker.max_failures", 5)
	v.SetDefault("push.breaker.timeout", 30*time.Second)

	v.SetDefault("retention.device_inactive_days", 30)
	v.SetDefault("retention.notification_days", 30)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.group_id", "notification-hub")
	v.SetDefault("events.topic", "domain-events")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20.0)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("rate_limit.ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.namespace", "notification_hub")
}

// LoadConfig reads config.yml from the usual locations. The file is optional:
// defaults and environment variables are enough to boot.
func LoadConfig() (*Config, error) {
	return Load(".", "./config", "/app/config")
}

func Load(paths ...string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg.Push.VAPID); err != nil {
		return nil, fmt.Errorf("failed to read VAPID settings: %w", err)
	}
	if err := envconfig.Process("", &cfg.Push.SNS); err != nil {
		return nil, fmt.Errorf("failed to read SNS settings: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Events.Enabled && (len(c.Events.Brokers) == 0 || c.Events.Topic == "") {
		return errors.New("events enabled without brokers or topic")
	}
	if c.Push.MaxRetries < 0 {
		return errors.New("push.max_retries must not be negative")
	}
	if c.Retention.Interval <= 0 {
		return errors.New("retention.interval must be positive")
	}
	return nil
}

// Production reports whether logs should be emitted as JSON.
func (l LogConfig) Production() bool {
	return l.Format == "json"
}
