package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Keychain KeychainConfig
	Result   ResultConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	ServerURL   string // base URL of the control plane, used by workers and CLI
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host string
	Port int
	DB   int
}

// NATSConfig holds NATS connection settings for the nats_kv result store
type NATSConfig struct {
	URL    string
	Bucket string
}

// QueueConfig holds queue and lease manager settings
type QueueConfig struct {
	LeaseDuration time.Duration
	ReapInterval  time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	PoolSize          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RuntimeFilter     []string // tool kinds this pool can execute; empty means all
}

// KeychainConfig holds credential cache settings
type KeychainConfig struct {
	EncryptionKey  string // hex-encoded 32-byte AES key
	SweepInterval  time.Duration
	RenewThreshold time.Duration
}

// ResultConfig holds result reference settings
type ResultConfig struct {
	Store          string // memory | postgres | nats_kv | redis
	InlineMaxBytes int
	DefaultTTL     time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8082),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			ServerURL:   getEnv("NOETL_SERVER_URL", "http://localhost:8082"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "noetl"),
			User:        getEnv("POSTGRES_USER", "noetl"),
			Password:    getEnv("POSTGRES_PASSWORD", "noetl"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host: getEnv("REDIS_HOST", "localhost"),
			Port: getEnvInt("REDIS_PORT", 6379),
			DB:   getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", "nats://localhost:4222"),
			Bucket: getEnv("NATS_RESULT_BUCKET", "noetl-results"),
		},
		Queue: QueueConfig{
			LeaseDuration: getEnvDuration("QUEUE_LEASE_DURATION", 60*time.Second),
			ReapInterval:  getEnvDuration("QUEUE_REAP_INTERVAL", 15*time.Second),
			MaxAttempts:   getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			RetryDelay:    getEnvDuration("QUEUE_RETRY_DELAY", 5*time.Second),
		},
		Worker: WorkerConfig{
			PoolSize:          getEnvInt("WORKER_POOL_SIZE", 4),
			PollInterval:      getEnvDuration("WORKER_POLL_INTERVAL", 1*time.Second),
			HeartbeatInterval: getEnvDuration("WORKER_HEARTBEAT_INTERVAL", 20*time.Second),
			RuntimeFilter:     getEnvSlice("WORKER_RUNTIME_FILTER", nil),
		},
		Keychain: KeychainConfig{
			EncryptionKey:  getEnv("KEYCHAIN_ENCRYPTION_KEY", ""),
			SweepInterval:  getEnvDuration("KEYCHAIN_SWEEP_INTERVAL", 1*time.Minute),
			RenewThreshold: getEnvDuration("KEYCHAIN_RENEW_THRESHOLD", 300*time.Second),
		},
		Result: ResultConfig{
			Store:          getEnv("RESULT_STORE", "postgres"),
			InlineMaxBytes: getEnvInt("RESULT_INLINE_MAX_BYTES", 8192),
			DefaultTTL:     getEnvDuration("RESULT_DEFAULT_TTL", 24*time.Hour),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	switch c.Result.Store {
	case "memory", "postgres", "nats_kv", "redis":
	default:
		return fmt.Errorf("unknown result store: %s", c.Result.Store)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
