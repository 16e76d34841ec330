// Package config provides configuration management for the broker
// protection agent. It loads configuration from environment variables and
// .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Queue      QueueConfig
	Scheduler  SchedulerConfig
	Secrets    SecretsConfig
	BrokerSync BrokerSyncConfig
	Operator   OperatorConfig
	Logging    LoggingConfig
}

// OperatorConfig points at the companion automation service that drives
// broker pages.
type OperatorConfig struct {
	URL string
}

// ServerConfig holds control server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration. ClickHouse is optional;
// an empty host disables the pixel sink.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Workers            int
	RescanInterval     time.Duration
	ConfirmInterval    time.Duration
	ErrorRetryInterval time.Duration
	StaleTimeout       time.Duration
	LookbackWindow     time.Duration
}

// SchedulerConfig holds background session configuration
type SchedulerConfig struct {
	MinWait time.Duration
	MaxWait time.Duration
	Budget  time.Duration
}

// SecretsConfig holds secure storage configuration
type SecretsConfig struct {
	// Dir is the directory holding encrypted items.
	Dir string
	// Key is the hex-encoded 32-byte AES key.
	Key string
}

// BrokerSyncConfig holds broker feed configuration
type BrokerSyncConfig struct {
	FeedURL         string
	MinSyncInterval time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "127.0.0.1"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "broker_protection"),
				User:           getEnv("POSTGRES_USER", "dbp"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "broker_protection"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Queue: QueueConfig{
			Workers:            getEnvAsInt("QUEUE_WORKERS", 2),
			RescanInterval:     getEnvAsDuration("QUEUE_RESCAN_INTERVAL", 168*time.Hour),
			ConfirmInterval:    getEnvAsDuration("QUEUE_CONFIRM_INTERVAL", 72*time.Hour),
			ErrorRetryInterval: getEnvAsDuration("QUEUE_ERROR_RETRY_INTERVAL", 48*time.Hour),
			StaleTimeout:       getEnvAsDuration("QUEUE_STALE_TIMEOUT", 30*time.Minute),
			LookbackWindow:     getEnvAsDuration("QUEUE_LOOKBACK_WINDOW", 7*24*time.Hour),
		},
		Scheduler: SchedulerConfig{
			MinWait: getEnvAsDuration("SCHEDULER_MIN_WAIT", time.Hour),
			MaxWait: getEnvAsDuration("SCHEDULER_MAX_WAIT", 24*time.Hour),
			Budget:  getEnvAsDuration("SCHEDULER_BUDGET", 25*time.Minute),
		},
		Secrets: SecretsConfig{
			Dir: getEnv("SECRETS_DIR", "./secrets"),
			Key: getEnv("SECRETS_KEY", ""),
		},
		BrokerSync: BrokerSyncConfig{
			FeedURL:         getEnv("BROKER_FEED_URL", ""),
			MinSyncInterval: getEnvAsDuration("BROKER_SYNC_MIN_INTERVAL", time.Hour),
		},
		Operator: OperatorConfig{
			URL: getEnv("OPERATOR_URL", "http://localhost:9100"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
