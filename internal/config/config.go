// Package config loads the importer's settings from environment variables,
// applies defaults and validates everything at startup so misconfiguration
// fails fast.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Lock     LockConfig
	Redis    RedisConfig
	Events   EventsConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is 0 by default: an import request blocks until the run ends.
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	// URL accepts DATABASE_URL or DB_URL.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// ImportConfig holds bulk-import pipeline settings.
type ImportConfig struct {
	// BatchSize is the number of parsed rows committed per transaction.
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"100"`

	// LockName is the resource key guarding the single in-flight import.
	LockName string `env:"IMPORT_LOCK_NAME" default:"csv_import"`

	// LockTTL is the safety-valve expiry for a crashed run's lock.
	LockTTL time.Duration `env:"IMPORT_LOCK_TTL" default:"1h"`

	// WorkDir is where uploads are staged while a run is in flight.
	WorkDir string `env:"IMPORT_WORK_DIR" default:"./data/imports"`

	// StaleAfter is how long a pending/processing run may go without an
	// update before it is reported as stale.
	StaleAfter time.Duration `env:"IMPORT_STALE_AFTER" default:"2h"`

	// StaleCheckInterval is how often the stale run monitor runs.
	StaleCheckInterval time.Duration `env:"IMPORT_STALE_CHECK_INTERVAL" default:"10m"`

	MaxFileSize int64         `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`
	Timeout     time.Duration `env:"IMPORT_TIMEOUT" default:"50m"`
}

// LockConfig selects and configures the lock store.
type LockConfig struct {
	// Backend is one of: postgres, redis, memory.
	Backend string `env:"LOCK_BACKEND" default:"postgres"`
	Prefix  string `env:"LOCK_PREFIX" default:"vendor_registry:lock:"`
}

// RedisConfig is only used when LOCK_BACKEND=redis.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`
}

// EventsConfig configures run lifecycle publishing. Publishing is disabled
// when no brokers are configured.
type EventsConfig struct {
	Brokers []string      `env:"EVENTS_BROKERS"`
	Topic   string        `env:"EVENTS_TOPIC" default:"vendor-import-runs"`
	Timeout time.Duration `env:"EVENTS_TIMEOUT" default:"5s"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`
	Burst             int  `env:"RATE_LIMIT_BURST" default:"20"`
}

// SecurityConfig holds authentication and proxy settings.
type SecurityConfig struct {
	RequireAPIKey  bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys        []string `env:"API_KEYS"`
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is one of: text, json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// EventsEnabled reports whether a Kafka publisher should be created.
func (c *EventsConfig) EventsEnabled() bool {
	return len(c.Brokers) > 0
}
