// Package config loads deployment configuration from environment
// variables, optionally seeded from a .env file, and the service
// topology from a YAML manifest. Validation is fatal up front: a config
// error must stop the process before any service is touched.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kinorez/stagehand/pkg/log"
)

// ConfigError reports an invalid or missing configuration value
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// PostgresConfig holds relational store settings
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Addr returns host:port for TCP probing
func (c PostgresConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DSN builds the connection string for the pool and the health probe
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds cache and task queue settings
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Addr returns host:port for the client and the health probe
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GatewayConfig holds the self-hosted Bot API server location
type GatewayConfig struct {
	Host string
	Port int
}

// URL returns the gateway base URL
func (c GatewayConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// IngressConfig holds the public listener settings
type IngressConfig struct {
	Addr         string
	AdminAddr    string
	FileRoot     string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WorkerConfig holds the supervised bot worker settings
type WorkerConfig struct {
	Command     []string
	MaxRestarts int
	Window      time.Duration
	Backoff     time.Duration
	GracePeriod time.Duration
}

// Config is the complete runtime configuration
type Config struct {
	Postgres PostgresConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Ingress  IngressConfig
	Worker   WorkerConfig

	DataDir  string
	LogLevel string
}

// Load reads configuration from the environment. When envFile is
// non-empty, or a .env file exists in the working directory, it is
// loaded first without overriding variables already set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, &ConfigError{Field: envFile, Reason: err.Error()}
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, &ConfigError{Field: ".env", Reason: err.Error()}
		}
	}

	cfg := &Config{}
	var err error

	cfg.Postgres.Host = envString("POSTGRES_HOST", "postgres")
	if cfg.Postgres.Port, err = envInt("POSTGRES_PORT", 5432); err != nil {
		return nil, err
	}
	cfg.Postgres.User = envString("POSTGRES_USER", "postgres")
	cfg.Postgres.Password = os.Getenv("POSTGRES_PASSWORD")
	cfg.Postgres.Database = envString("POSTGRES_DB", "youtubebot")

	cfg.Redis.Host = envString("REDIS_HOST", "redis")
	if cfg.Redis.Port, err = envInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	cfg.Gateway.Host = envString("GATEWAY_HOST", "telegram-api")
	if cfg.Gateway.Port, err = envInt("GATEWAY_PORT", 8081); err != nil {
		return nil, err
	}

	cfg.Ingress.Addr = envString("INGRESS_ADDR", ":8080")
	cfg.Ingress.AdminAddr = envString("ADMIN_ADDR", ":9090")
	cfg.Ingress.FileRoot = os.Getenv("FILE_ROOT")
	if cfg.Ingress.MaxBodyBytes, err = envInt64("MAX_BODY_BYTES", 0); err != nil {
		return nil, err
	}
	if cfg.Ingress.ReadTimeout, err = envDuration("INGRESS_READ_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.Ingress.WriteTimeout, err = envDuration("INGRESS_WRITE_TIMEOUT", 0); err != nil {
		return nil, err
	}

	cfg.Worker.Command = splitCommand(os.Getenv("WORKER_CMD"))
	if cfg.Worker.MaxRestarts, err = envInt("WORKER_MAX_RESTARTS", 5); err != nil {
		return nil, err
	}
	if cfg.Worker.Window, err = envDuration("WORKER_RESTART_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Worker.Backoff, err = envDuration("WORKER_RESTART_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Worker.GracePeriod, err = envDuration("WORKER_GRACE_PERIOD", 30*time.Second); err != nil {
		return nil, err
	}

	cfg.DataDir = envString("DATA_DIR", "/var/lib/stagehand")
	cfg.LogLevel = envString("LOGGING_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges. Called by Load; exported
// so tests and the check command can validate constructed configs.
func (c *Config) Validate() error {
	if c.Postgres.Password == "" {
		return &ConfigError{Field: "POSTGRES_PASSWORD", Reason: "required"}
	}
	if c.Ingress.FileRoot == "" {
		return &ConfigError{Field: "FILE_ROOT", Reason: "required (shared media volume path)"}
	}
	if len(c.Worker.Command) == 0 {
		return &ConfigError{Field: "WORKER_CMD", Reason: "required (bot worker start command)"}
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return &ConfigError{Field: "POSTGRES_PORT", Reason: "out of range"}
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return &ConfigError{Field: "REDIS_PORT", Reason: "out of range"}
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return &ConfigError{Field: "GATEWAY_PORT", Reason: "out of range"}
	}
	if c.Worker.MaxRestarts < 0 {
		return &ConfigError{Field: "WORKER_MAX_RESTARTS", Reason: "must be >= 0"}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return &ConfigError{Field: "LOGGING_LEVEL", Reason: err.Error()}
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ConfigError{Field: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Reason: "not a duration: " + v}
	}
	return d, nil
}

// splitCommand splits a shell-ish command line on whitespace. Quoting is
// deliberately not supported; wrap complex invocations in a script.
func splitCommand(s string) []string {
	var out []string
	field := ""
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if field != "" {
				out = append(out, field)
				field = ""
			}
			continue
		}
		field += string(r)
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
