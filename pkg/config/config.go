package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Queue    QueueConfig    `json:"queue"`
	Embedded EmbeddedConfig `json:"embedded"`
	Durable  DurableConfig  `json:"durable"`
	Redis    RedisConfig    `json:"redis"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
}

// QueueConfig contains backend-agnostic queue defaults
type QueueConfig struct {
	NumRetries     int           `json:"num_retries"`
	KeepFailedJobs bool          `json:"keep_failed_jobs"`
	Concurrency    int           `json:"concurrency"`
	Timeout        time.Duration `json:"timeout"`
	PollInterval   time.Duration `json:"poll_interval"`
	RetryBackoff   time.Duration `json:"retry_backoff"`
}

// EmbeddedConfig configures the disk-backed embedded queue backend
type EmbeddedConfig struct {
	DataDir string `json:"data_dir"`
	WALMode bool   `json:"wal_mode"`
}

// DurableConfig configures the distributed durable-execution backend.
// A zero ListenPort means the backend is not configured and is skipped
// at registration time.
type DurableConfig struct {
	IngressAddr string `json:"ingress_addr"`
	AdminAddr   string `json:"admin_addr"`
	ListenPort  int    `json:"listen_port"`
	PublicKey   string `json:"public_key"`

	// CoordinationAddr points at a standalone coordination service. When
	// empty, workers run the coordinator in-process over Redis.
	CoordinationAddr string `json:"coordination_addr"`

	// CoordinationPort is the port the standalone coordination service
	// listens on.
	CoordinationPort int `json:"coordination_port"`
}

// Configured reports whether the durable backend should be registered
func (c DurableConfig) Configured() bool {
	return c.ListenPort != 0
}

// RedisConfig contains the coordination store connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Addr returns the host:port address for the Redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig contains metrics exposure configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Queue: QueueConfig{
			NumRetries:     getEnvInt("QUEUE_NUM_RETRIES", 5),
			KeepFailedJobs: getEnvBool("QUEUE_KEEP_FAILED_JOBS", false),
			Concurrency:    getEnvInt("QUEUE_CONCURRENCY", 1),
			Timeout:        getEnvDuration("QUEUE_TIMEOUT", 30*time.Second),
			PollInterval:   getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			RetryBackoff:   getEnvDuration("QUEUE_RETRY_BACKOFF", 2*time.Second),
		},
		Embedded: EmbeddedConfig{
			DataDir: getEnvString("EMBEDDED_QUEUE_DATA_DIR", "./data"),
			WALMode: getEnvBool("EMBEDDED_QUEUE_WAL_MODE", true),
		},
		Durable: DurableConfig{
			IngressAddr: getEnvString("DURABLE_INGRESS_ADDR", "http://localhost:8080"),
			AdminAddr:   getEnvString("DURABLE_ADMIN_ADDR", "http://localhost:9070"),
			ListenPort:  getEnvInt("DURABLE_LISTEN_PORT", 0),
			PublicKey:   getEnvString("DURABLE_PUBLIC_KEY", ""),

			CoordinationAddr: getEnvString("DURABLE_COORDINATION_ADDR", ""),
			CoordinationPort: getEnvInt("DURABLE_COORDINATION_PORT", 9071),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Queue.NumRetries < 0 {
		return fmt.Errorf("queue num retries must not be negative")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	if c.Embedded.DataDir == "" {
		return fmt.Errorf("embedded queue data directory is required")
	}

	if c.Durable.Configured() {
		if c.Durable.IngressAddr == "" {
			return fmt.Errorf("durable ingress address is required when the durable backend is configured")
		}
		if c.Durable.AdminAddr == "" {
			return fmt.Errorf("durable admin address is required when the durable backend is configured")
		}
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
