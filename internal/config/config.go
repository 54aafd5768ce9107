// Package config loads orderd settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName    = "bookstore-orders"
	ServiceVersion = "0.1.0"
)

// Accepted enum values
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	TransportStdio = "stdio"
	TransportHTTP  = "http"

	SinkNone  = "none"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

const (
	defaultHTTPAddr    = ":5000"
	defaultMaxAttempts = 3
	defaultLockTimeout = 5 * time.Second
	defaultKafkaTopic  = "OrderEvents"
	defaultRedisStream = "orders:events"
	defaultDBFile      = "orders.db"
	defaultDBDir       = ".bookstore"
)

// Config holds every orderd setting
type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string

	Transport string
	HTTPAddr  string

	MaxAttempts int
	LockTimeout time.Duration

	EventsSink   string
	KafkaBrokers []string
	KafkaTopic   string
	RedisURL     string
	RedisStream  string

	LogLevel  string
	LogFormat string

	OtelEndpoint   string
	OtelAuthHeader string
}

// Load reads the environment, applies defaults and validates the result
func Load() (*Config, error) {
	cfg := &Config{
		DBDriver:       envOr("ORDERS_DB_DRIVER", DriverSQLite),
		DBPath:         os.Getenv("ORDERS_DB_PATH"),
		DatabaseURL:    os.Getenv("ORDERS_DATABASE_URL"),
		Transport:      envOr("ORDERS_TRANSPORT", TransportStdio),
		HTTPAddr:       envOr("ORDERS_HTTP_ADDR", defaultHTTPAddr),
		EventsSink:     envOr("ORDERS_EVENTS_SINK", SinkNone),
		KafkaBrokers:   splitList(os.Getenv("ORDERS_KAFKA_BROKERS")),
		KafkaTopic:     envOr("ORDERS_KAFKA_TOPIC", defaultKafkaTopic),
		RedisURL:       os.Getenv("ORDERS_REDIS_URL"),
		RedisStream:    envOr("ORDERS_REDIS_STREAM", defaultRedisStream),
		LogLevel:       envOr("ORDERS_LOG_LEVEL", "info"),
		LogFormat:      envOr("ORDERS_LOG_FORMAT", "json"),
		OtelEndpoint:   os.Getenv("OTEL_ENDPOINT"),
		OtelAuthHeader: os.Getenv("OTEL_AUTH_HEADER"),
	}

	var err error
	if cfg.MaxAttempts, err = envInt("ORDERS_MAX_ATTEMPTS", defaultMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = envDuration("ORDERS_LOCK_TIMEOUT", defaultLockTimeout); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(home, defaultDBDir, defaultDBFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum values and the settings each choice requires
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("ORDERS_DATABASE_URL is required when ORDERS_DB_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("ORDERS_DB_DRIVER must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}

	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("ORDERS_TRANSPORT must be %s or %s, got %q", TransportStdio, TransportHTTP, c.Transport)
	}

	switch c.EventsSink {
	case SinkNone:
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("ORDERS_KAFKA_BROKERS is required when ORDERS_EVENTS_SINK=%s", SinkKafka)
		}
	case SinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("ORDERS_REDIS_URL is required when ORDERS_EVENTS_SINK=%s", SinkRedis)
		}
	default:
		return fmt.Errorf("ORDERS_EVENTS_SINK must be %s, %s or %s, got %q", SinkNone, SinkKafka, SinkRedis, c.EventsSink)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("ORDERS_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("ORDERS_LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
