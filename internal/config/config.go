package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig is optional. When Addr is empty the worker coordinates
// through a Postgres advisory lock instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig is optional. When unset the trigger listener is not
// started and producers must call the worker's TriggerNow directly.
type RabbitMQConfig struct {
	URL          string
	Host         string
	Port         string
	User         string
	Password     string
	VHost        string
	TriggerQueue string
}

// WorkerConfig holds the delivery worker tunables. All values have
// defaults and can be overridden through WEBHOOK_* environment variables.
type WorkerConfig struct {
	BatchSize       int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxEventAge     time.Duration
	DispatchTimeout time.Duration
	DispatchRate    float64 // dispatches per second within a batch
	DebounceWindow  time.Duration
	MinWakeDelay    time.Duration
	MaxWakeDelay    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	IdlePause       time.Duration // re-check delay when no active webhooks exist
	LockName        string
	LockTTL         time.Duration // lease expiry for the Redis lock
	UserAgent       string
}

func Load() (*Config, error) {
	var missing []string

	get := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	config := &Config{
		Server: ServerConfig{
			Port: get("SERVER_PORT"),
			Host: get("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:     get("DB_HOST"),
			Port:     get("DB_PORT"),
			User:     get("DB_USER"),
			Password: get("DB_PASSWORD"),
			DBName:   get("DB_NAME"),
			SSLMode:  get("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		RabbitMQ: RabbitMQConfig{
			URL:          os.Getenv("RABBITMQ_URL"),
			Host:         os.Getenv("RABBITMQ_HOST"),
			Port:         os.Getenv("RABBITMQ_PORT"),
			User:         os.Getenv("RABBITMQ_USER"),
			Password:     os.Getenv("RABBITMQ_PASSWORD"),
			VHost:        os.Getenv("RABBITMQ_VHOST"),
			TriggerQueue: getEnvWithDefault("RABBITMQ_TRIGGER_QUEUE", "webhook.trigger"),
		},
		Worker: LoadWorkerConfig(),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return config, nil
}

// LoadWorkerConfig returns the worker tunables with defaults applied.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:       getInt("WEBHOOK_BATCH_SIZE", 10),
		MaxAttempts:     getInt("WEBHOOK_MAX_ATTEMPTS", 3),
		BackoffBase:     getDuration("WEBHOOK_BACKOFF_BASE", 30*time.Second),
		BackoffCap:      getDuration("WEBHOOK_BACKOFF_CAP", 300*time.Second),
		MaxEventAge:     getDuration("WEBHOOK_MAX_EVENT_AGE", 24*time.Hour),
		DispatchTimeout: getDuration("WEBHOOK_DISPATCH_TIMEOUT", 30*time.Second),
		DispatchRate:    getFloat("WEBHOOK_DISPATCH_RATE", 10),
		DebounceWindow:  getDuration("WEBHOOK_DEBOUNCE_WINDOW", 150*time.Millisecond),
		MinWakeDelay:    getDuration("WEBHOOK_MIN_WAKE_DELAY", 1*time.Second),
		MaxWakeDelay:    getDuration("WEBHOOK_MAX_WAKE_DELAY", 5*time.Minute),
		CleanupInterval: getDuration("WEBHOOK_CLEANUP_INTERVAL", 1*time.Hour),
		Retention:       getDuration("WEBHOOK_RETENTION", 7*24*time.Hour),
		IdlePause:       getDuration("WEBHOOK_IDLE_PAUSE", 10*time.Minute),
		LockName:        getEnvWithDefault("WEBHOOK_LOCK_NAME", "webhook-delivery-worker"),
		LockTTL:         getDuration("WEBHOOK_LOCK_TTL", 10*time.Minute),
		UserAgent:       getEnvWithDefault("WEBHOOK_USER_AGENT", "onety-webhooks/1.0"),
	}
}

// HasRedis reports whether a Redis coordination backend is configured.
func (c *Config) HasRedis() bool {
	return c.Redis.Addr != ""
}

// HasRabbitMQ reports whether a trigger broker is configured.
func (c *Config) HasRabbitMQ() bool {
	return c.RabbitMQ.URL != "" || c.RabbitMQ.Host != ""
}

// ConnectionString returns a DSN string for GORM
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}

func getEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
