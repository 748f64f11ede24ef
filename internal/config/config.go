// Package config loads the agent's configuration from the
// environment, following the teacher's getenv-with-fallback style
// rather than a config-file parser.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the agent's full configuration table. All fields have
// defaults; any may be overridden by environment variable.
type Config struct {
	// Network association.
	LinkSSID      string
	LinkPassword  string
	LinkTimeoutMs int

	// Broker endpoint.
	BrokerHost string
	BrokerPort int
	BrokerUser string
	BrokerPass string
	ClientID   string
	Topic      string
	QoS        byte

	// Ring buffer sizing and advisory thresholds.
	BufferCapacity      int
	BufferHighWatermark int
	BufferCriticalMark  int

	// Sink layout.
	StorageBasePath        string
	StoragePrefix          string
	StorageExtension       string
	StorageMaxFileSizeMB   int
	StorageFlushIntervalMs int

	// Validator.
	SchemaPath              string
	SchemaValidationEnabled bool

	// Watchdog.
	MemoryWarningKB       int
	StorageWarningMB      int
	HealthCheckIntervalMs int

	// Failure handling.
	ReconnectDelayMs int
	MaxRetries       int
	RetryBackoffMs   int

	Logger *log.Logger
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvQoS(key string, fallback byte) byte {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	if n < 0 {
		n = 0
	}
	if n > 2 {
		n = 2
	}
	return byte(n)
}

// errList aggregates validation failures so LoadConfig reports every
// problem in one pass rather than failing on the first bad variable,
// grounded on batch-loader/internal/config/variables.go's errList.
type errList []string

func (e *errList) addf(format string, a ...any) { *e = append(*e, fmt.Sprintf(format, a...)) }
func (e *errList) has() bool                    { return len(*e) > 0 }

// LoadConfig reads the configuration from the environment, applying
// built-in defaults for anything unset, then validates the result and
// returns every problem found rather than stopping at the first one.
func LoadConfig() (*Config, error) {
	cfg := load()

	var errs errList
	if cfg.BufferCapacity <= 0 {
		errs.addf("BUFFER_CAPACITY must be > 0, got %d", cfg.BufferCapacity)
	}
	if cfg.BufferHighWatermark > cfg.BufferCapacity {
		errs.addf("BUFFER_HIGH_WATERMARK (%d) must be <= BUFFER_CAPACITY (%d)", cfg.BufferHighWatermark, cfg.BufferCapacity)
	}
	if cfg.BufferCriticalMark > cfg.BufferCapacity {
		errs.addf("BUFFER_CRITICAL_MARK (%d) must be <= BUFFER_CAPACITY (%d)", cfg.BufferCriticalMark, cfg.BufferCapacity)
	}
	if cfg.StorageMaxFileSizeMB <= 0 {
		errs.addf("STORAGE_MAX_FILE_SIZE_MB must be > 0, got %d", cfg.StorageMaxFileSizeMB)
	}
	if cfg.StorageFlushIntervalMs <= 0 {
		errs.addf("STORAGE_FLUSH_INTERVAL_MS must be > 0, got %d", cfg.StorageFlushIntervalMs)
	}
	if cfg.BrokerHost == "" {
		errs.addf("BROKER_HOST must not be empty")
	}
	if cfg.BrokerPort <= 0 || cfg.BrokerPort > 65535 {
		errs.addf("BROKER_PORT must be in [1, 65535], got %d", cfg.BrokerPort)
	}
	if cfg.Topic == "" {
		errs.addf("BROKER_TOPIC must not be empty")
	}
	if cfg.ReconnectDelayMs < 0 {
		errs.addf("RECONNECT_DELAY_MS must be >= 0, got %d", cfg.ReconnectDelayMs)
	}
	if cfg.HealthCheckIntervalMs <= 0 {
		errs.addf("HEALTH_CHECK_INTERVAL_MS must be > 0, got %d", cfg.HealthCheckIntervalMs)
	}
	if errs.has() {
		return nil, errors.New("edge-telemetry-agent: invalid configuration:\n  " + strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func load() *Config {
	return &Config{
		LinkSSID:      os.Getenv("LINK_SSID"),
		LinkPassword:  os.Getenv("LINK_PASSWORD"),
		LinkTimeoutMs: getenvInt("LINK_TIMEOUT_MS", 10_000),

		BrokerHost: getenv("BROKER_HOST", "localhost"),
		BrokerPort: getenvInt("BROKER_PORT", 1883),
		BrokerUser: os.Getenv("BROKER_USER"),
		BrokerPass: os.Getenv("BROKER_PASS"),
		ClientID:   getenv("CLIENT_ID", "edge-telemetry-agent"),
		Topic:      getenv("BROKER_TOPIC", "sensors/#"),
		QoS:        getenvQoS("BROKER_QOS", 1),

		BufferCapacity:      getenvInt("BUFFER_CAPACITY", 256),
		BufferHighWatermark: getenvInt("BUFFER_HIGH_WATERMARK", 192),
		BufferCriticalMark:  getenvInt("BUFFER_CRITICAL_MARK", 240),

		StorageBasePath:        getenv("STORAGE_BASE_PATH", "/telemetry"),
		StoragePrefix:          getenv("STORAGE_PREFIX", "data"),
		StorageExtension:       getenv("STORAGE_EXTENSION", ".jsonl"),
		StorageMaxFileSizeMB:   getenvInt("STORAGE_MAX_FILE_SIZE_MB", 10),
		StorageFlushIntervalMs: getenvInt("STORAGE_FLUSH_INTERVAL_MS", 5_000),

		SchemaPath:              os.Getenv("SCHEMA_PATH"),
		SchemaValidationEnabled: getenvBool("SCHEMA_VALIDATION_ENABLED", true),

		MemoryWarningKB:       getenvInt("MEMORY_WARNING_KB", 32_000),
		StorageWarningMB:      getenvInt("STORAGE_WARNING_MB", 50),
		HealthCheckIntervalMs: getenvInt("HEALTH_CHECK_INTERVAL_MS", 30_000),

		ReconnectDelayMs: getenvInt("RECONNECT_DELAY_MS", 5_000),
		MaxRetries:       getenvInt("MAX_RETRIES", 0), // not read by the supervisor, which retries broker connects without a bound
		RetryBackoffMs:   getenvInt("RETRY_BACKOFF_MS", 2_000),

		Logger: log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

func (c *Config) StorageFlushInterval() time.Duration {
	return time.Duration(c.StorageFlushIntervalMs) * time.Millisecond
}

func (c *Config) StorageMaxFileSize() int64 {
	return int64(c.StorageMaxFileSizeMB) * 1024 * 1024
}
