package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr string `env:"ADDR" envDefault:":8000"`

	// Postgres
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// Kafka
	KafkaBootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"localhost:9092"`

	// Auth
	JWTSecret   string `env:"JWT_SECRET,required"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// CORS (comma-separated origins)
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`

	// Request rate limiting (token bucket per identity)
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitPeriod   time.Duration `env:"RATE_LIMIT_PERIOD" envDefault:"1m"`

	// HTTP timeouts. Write timeout stays 0: SSE connections are long-lived
	// and a server-side write deadline would sever idle streams.
	HTTPReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, startup messages
// go to stdout.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// provided directly and the file is absent.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	// The token codec refuses short secrets too; failing here surfaces the
	// problem before any dependency is constructed.
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}

	if c.RateLimitRequests < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0, got %d", c.RateLimitRequests)
	}
	if c.RateLimitPeriod <= 0 {
		return fmt.Errorf("RATE_LIMIT_PERIOD must be > 0, got %s", c.RateLimitPeriod)
	}

	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be > 0, got %d", c.DBMaxOpenConns)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// KafkaBrokers returns the bootstrap servers as a cleaned slice.
func (c *Config) KafkaBrokers() []string {
	brokers := []string{}
	for _, b := range strings.Split(c.KafkaBootstrapServers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// CORSOriginList returns the allowed origins as a cleaned slice.
func (c *Config) CORSOriginList() []string {
	origins := []string{}
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LogConfig logs the effective configuration using structured logging.
// Secrets are elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("kafka_bootstrap_servers", c.KafkaBootstrapServers).
		Int("db_max_open_conns", c.DBMaxOpenConns).
		Int("db_max_idle_conns", c.DBMaxIdleConns).
		Dur("db_conn_max_lifetime", c.DBConnMaxLifetime).
		Str("cors_origins", c.CORSOrigins).
		Int("rate_limit_requests", c.RateLimitRequests).
		Dur("rate_limit_period", c.RateLimitPeriod).
		Dur("http_read_timeout", c.HTTPReadTimeout).
		Dur("http_idle_timeout", c.HTTPIdleTimeout).
		Dur("metrics_interval", c.MetricsInterval).
		Bool("admin_api_key_set", c.AdminAPIKey != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
