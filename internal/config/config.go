// Package config provides configuration management for sessionlock.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported coordination backends.
const (
	BackendZookeeper = "zookeeper"
	BackendRedis     = "redis"
	BackendEtcd      = "etcd"
	BackendPostgres  = "postgres"
)

const (
	// DefaultSessionTimeout is the default coordination session timeout.
	DefaultSessionTimeout = 10 * time.Second

	// DefaultAcquireTimeout is the default time to wait for a lock (0 waits forever).
	DefaultAcquireTimeout time.Duration = 0
)

// Config holds the application configuration.
type Config struct {
	// Backend selects the coordination service.
	Backend string

	// ZKServers are the ZooKeeper ensemble addresses.
	ZKServers []string

	// RedisAddr is the Redis server address.
	RedisAddr string

	// RedisDB is the Redis database number.
	RedisDB int

	// EtcdEndpoints are the etcd client endpoints.
	EtcdEndpoints []string

	// PostgresDSN is the connection string of the database holding advisory locks.
	PostgresDSN string

	// LockPrefix is prepended to every lock key.
	LockPrefix string

	// SessionTimeout is how long a session may be unreachable before its locks are gone.
	SessionTimeout time.Duration

	// HeartbeatInterval is how often polled backends probe their session (0 means SessionTimeout/3).
	HeartbeatInterval time.Duration

	// AcquireTimeout bounds lock acquisition (0 waits forever).
	AcquireTimeout time.Duration

	// LenientLostRelease makes releasing a lost lock succeed silently.
	LenientLostRelease bool

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogPretty enables console output instead of JSON.
	LogPretty bool

	// StatusPort is the port of the status server ("" disables it).
	StatusPort string

	// MetricsPath is where the status server exposes Prometheus metrics.
	MetricsPath string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Backend:            strings.ToLower(getEnvOrDefault("LOCK_BACKEND", BackendZookeeper)),
		ZKServers:          getEnvListOrDefault("ZK_SERVERS", []string{"localhost:2181"}),
		RedisAddr:          getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisDB:            getEnvIntOrDefault("REDIS_DB", 0),
		EtcdEndpoints:      getEnvListOrDefault("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		PostgresDSN:        getEnvOrDefault("POSTGRES_DSN", "postgres://localhost:5432/postgres"),
		LockPrefix:         getEnvOrDefault("LOCK_PREFIX", "/sessionlock"),
		SessionTimeout:     getEnvDurationOrDefault("SESSION_TIMEOUT", DefaultSessionTimeout),
		HeartbeatInterval:  getEnvDurationOrDefault("HEARTBEAT_INTERVAL", 0),
		AcquireTimeout:     getEnvDurationOrDefault("ACQUIRE_TIMEOUT", DefaultAcquireTimeout),
		LenientLostRelease: getEnvBoolOrDefault("LENIENT_LOST_RELEASE", false),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:          getEnvBoolOrDefault("LOG_PRETTY", false),
		StatusPort:         os.Getenv("STATUS_PORT"),
		MetricsPath:        getEnvOrDefault("METRICS_PATH", "/metrics"),
	}

	return cfg
}

// Validate checks that the configuration can be used to open a session.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendZookeeper:
		if len(c.ZKServers) == 0 {
			errs = append(errs, errors.New("ZK_SERVERS must not be empty"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR must not be empty"))
		}
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("ETCD_ENDPOINTS must not be empty"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.Backend))
	}

	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must not be negative"))
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatInterval >= c.SessionTimeout {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be shorter than SESSION_TIMEOUT"))
	}
	if c.AcquireTimeout < 0 {
		errs = append(errs, errors.New("ACQUIRE_TIMEOUT must not be negative"))
	}
	if !strings.HasPrefix(c.MetricsPath, "/") || c.MetricsPath == "/health" {
		errs = append(errs, fmt.Errorf("METRICS_PATH %q must start with / and not shadow /health", c.MetricsPath))
	}

	return errors.Join(errs...)
}

// Key returns name under the configured lock prefix.
func (c *Config) Key(name string) string {
	if c.LockPrefix == "" {
		return name
	}
	return strings.TrimSuffix(c.LockPrefix, "/") + "/" + strings.TrimPrefix(name, "/")
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable value as a duration or the default if not set or invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma-separated environment variable, dropping empty entries.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
