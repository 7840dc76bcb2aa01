// Package config loads auditchain settings from an optional YAML file and
// AUDITCHAIN_* environment variables. Environment values win over the file,
// and the file wins over Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "AUDITCHAIN_CONFIG_FILE"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds server configuration.
type Config struct {
	HTTPAddr  string `env:"AUDITCHAIN_HTTP_ADDR" yaml:"http_addr"`
	LogLevel  string `env:"AUDITCHAIN_LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"AUDITCHAIN_LOG_FORMAT" yaml:"log_format"`

	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and addresses the persistence backend.
type StoreConfig struct {
	Driver        string `env:"AUDITCHAIN_STORE_DRIVER" yaml:"driver"`
	DatabaseURL   string `env:"AUDITCHAIN_DATABASE_URL" yaml:"database_url"`
	SQLitePath    string `env:"AUDITCHAIN_SQLITE_PATH" yaml:"sqlite_path"`
	RedisAddr     string `env:"AUDITCHAIN_REDIS_ADDR" yaml:"redis_addr"`
	RedisPassword string `env:"AUDITCHAIN_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `env:"AUDITCHAIN_REDIS_DB" yaml:"redis_db"`
	RedisPrefix   string `env:"AUDITCHAIN_REDIS_PREFIX" yaml:"redis_prefix"`
}

// LedgerConfig tunes appends and reads.
type LedgerConfig struct {
	Algorithm     string `env:"AUDITCHAIN_HASH_ALGORITHM" yaml:"hash_algorithm"`
	MaxAttempts   uint   `env:"AUDITCHAIN_MAX_APPEND_ATTEMPTS" yaml:"max_append_attempts"`
	StrictTenants bool   `env:"AUDITCHAIN_STRICT_TENANTS" yaml:"strict_tenants"`
	PageSize      int    `env:"AUDITCHAIN_PAGE_SIZE" yaml:"page_size"`
}

// RateLimitConfig is the per-tenant token bucket. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `env:"AUDITCHAIN_RATE_LIMIT_RPS" yaml:"rps"`
	Burst int     `env:"AUDITCHAIN_RATE_LIMIT_BURST" yaml:"burst"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `env:"AUDITCHAIN_TELEMETRY_ENABLED" yaml:"enabled"`
	Endpoint    string  `env:"AUDITCHAIN_OTLP_ENDPOINT" yaml:"endpoint"`
	Insecure    bool    `env:"AUDITCHAIN_OTLP_INSECURE" yaml:"insecure"`
	SampleRate  float64 `env:"AUDITCHAIN_TRACE_SAMPLE_RATE" yaml:"sample_rate"`
	Environment string  `env:"AUDITCHAIN_ENVIRONMENT" yaml:"environment"`
}

// Default returns the built-in configuration: an in-memory store on :8080.
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		LogLevel:  "INFO",
		LogFormat: "text",
		Store: StoreConfig{
			Driver:      DriverMemory,
			SQLitePath:  "auditchain.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "auditchain",
		},
		Ledger: LedgerConfig{
			Algorithm:   string(canonicalize.SHA256),
			MaxAttempts: 5,
			PageSize:    500,
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads configuration from environ, or from the process
// environment when environ is nil. The result is validated.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := Default()

	path := os.Getenv(FileEnv)
	if environ != nil {
		path = environ[FileEnv]
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays the YAML document at path. Unknown keys are rejected.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and driver requirements.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.HTTPAddr == "" {
		bad("http_addr must not be empty")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		bad("log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		bad("log_format %q", c.LogFormat)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			bad("sqlite driver requires sqlite_path")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			bad("postgres driver requires database_url")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			bad("redis driver requires redis_addr")
		}
	default:
		bad("store driver %q", c.Store.Driver)
	}

	if _, err := canonicalize.ParseAlgorithm(c.Ledger.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if c.Ledger.MaxAttempts == 0 {
		bad("max_append_attempts must be positive")
	}
	if c.Ledger.PageSize <= 0 {
		bad("page_size must be positive")
	}
	if c.RateLimit.RPS < 0 {
		bad("rate_limit.rps must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		bad("rate_limit.burst must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		bad("telemetry.sample_rate %v outside [0,1]", c.Telemetry.SampleRate)
	}
	return errors.Join(errs...)
}

// Algorithm returns the parsed hash algorithm. Call after Validate.
func (c *Config) Algorithm() canonicalize.Algorithm {
	alg, _ := canonicalize.ParseAlgorithm(c.Ledger.Algorithm)
	return alg
}
