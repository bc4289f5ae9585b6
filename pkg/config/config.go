// Package config provides configuration for the sync daemon, loaded
// from environment variables with sensible defaults. A .env file is
// honored for local development and ignored when absent.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal().Err(err).Msg("Failed to load configuration")
//	}
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends selectable via STORAGE_BACKEND.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// Config aggregates all settings for the sync daemon.
type Config struct {
	API     APIConfig
	Session SessionConfig
	Sync    SyncConfig
	Storage StorageConfig
	Redis   RedisConfig
	Metrics MetricsConfig
}

// APIConfig points the client at the calendar service.
type APIConfig struct {
	BaseURL string        // Base URL including the /api prefix
	Timeout time.Duration // Per-request HTTP timeout
}

// SessionConfig tunes the token lifecycle.
type SessionConfig struct {
	RefreshCheckInterval time.Duration // How often the expiry probe runs
	RefreshWindow        time.Duration // Refresh proactively when expiry is this close
}

// SyncConfig tunes the calendar reconciliation loop.
type SyncConfig struct {
	ResyncInterval time.Duration // How often the full resync runs
}

// StorageConfig selects the persisted key-value backend.
type StorageConfig struct {
	Backend string // memory, file, or redis
	File    string // State file path for the file backend
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// MetricsConfig configures the local observability endpoint.
type MetricsConfig struct {
	Addr string // Listen address for /metrics and /healthz
}

// Load reads configuration from environment variables. It attempts to
// load a .env file if present but doesn't fail when the file is
// missing. Returns an error if validation fails.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		API: APIConfig{
			BaseURL: getEnv("CALENDAR_API_URL", "http://localhost:3000/api"),
			Timeout: getEnvAsDuration("HTTP_TIMEOUT", 15*time.Second),
		},
		Session: SessionConfig{
			RefreshCheckInterval: getEnvAsDuration("REFRESH_CHECK_INTERVAL", 60*time.Second),
			RefreshWindow:        getEnvAsDuration("REFRESH_WINDOW", 60*time.Second),
		},
		Sync: SyncConfig{
			ResyncInterval: getEnvAsDuration("RESYNC_INTERVAL", 45*time.Second),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", StorageFile),
			File:    getEnv("STORAGE_FILE", "./instance/state.json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9464"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate checks that the configuration is usable. Called by Load but
// also callable independently in tests.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("invalid API base URL: %w", err)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("HTTP timeout must be positive")
	}
	if c.Session.RefreshCheckInterval <= 0 || c.Session.RefreshWindow <= 0 {
		return fmt.Errorf("refresh intervals must be positive")
	}
	if c.Sync.ResyncInterval <= 0 {
		return fmt.Errorf("resync interval must be positive")
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	case StorageFile:
		if c.Storage.File == "" {
			return fmt.Errorf("STORAGE_FILE is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Storage.Backend == StorageRedis {
		if _, err := strconv.Atoi(c.Redis.Port); err != nil {
			return fmt.Errorf("redis port must be a valid integer: %w", err)
		}
	}
	return nil
}

// Address returns the Redis server address in "host:port" format.
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions for environment variable parsing

// getEnv retrieves an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a
// default fallback for unset or unparsable values.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a time.Duration
// with a default fallback. Supports Go duration format: "30s", "2m", etc.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
