// Package config resolves the service configuration from a YAML file and
// environment variables.
package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Records   RecordsConfig   `yaml:"records"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"                env:"SERVER_ADDR"                env-default:":8080"`
	ReadTimeout       time.Duration `yaml:"read_timeout"        env:"SERVER_READ_TIMEOUT"        env-default:"10s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT" env-default:"5s"`
	WriteTimeout      time.Duration `yaml:"write_timeout"       env:"SERVER_WRITE_TIMEOUT"       env-default:"30s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"        env:"SERVER_IDLE_TIMEOUT"        env-default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"    env:"SERVER_SHUTDOWN_TIMEOUT"    env-default:"10s"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"      env:"SERVER_MAX_BODY_BYTES"      env-default:"1048576"`
}

// DatabaseConfig holds PostgreSQL connection settings. An empty DSN selects
// the in-memory store, which is intended for local development only.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"                env:"DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"     env:"DATABASE_MAX_OPEN_CONNS"     env-default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns"     env:"DATABASE_MAX_IDLE_CONNS"     env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"  env:"DATABASE_CONN_MAX_LIFETIME"  env-default:"1h"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"DATABASE_CONN_MAX_IDLE_TIME" env-default:"30m"`
}

// AuthConfig holds the external token issuer contract. An empty Domain
// disables the bearer-token gateway entirely; that mode exists for local
// development and must never reach production.
type AuthConfig struct {
	Domain       string        `yaml:"domain"        env:"AUTH_DOMAIN"`
	Audience     string        `yaml:"audience"      env:"AUTH_AUDIENCE"`
	Algorithms   []string      `yaml:"algorithms"    env:"AUTH_ALGORITHMS"    env-separator:"," env-default:"RS256"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"AUTH_FETCH_TIMEOUT" env-default:"10s"`
}

// Enabled reports whether bearer-token validation is configured.
func (c AuthConfig) Enabled() bool { return c.Domain != "" }

// RecordsConfig holds clinical record store settings.
type RecordsConfig struct {
	VideocallCodeLength int `yaml:"videocall_code_length" env:"RECORDS_VIDEOCALL_CODE_LENGTH" env-default:"6"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-default:"*"`
	AllowedMethods string `yaml:"allowed_methods" env:"CORS_ALLOWED_METHODS" env-default:"GET,POST,PUT,PATCH,OPTIONS"`
	AllowedHeaders string `yaml:"allowed_headers" env:"CORS_ALLOWED_HEADERS" env-default:"Authorization,Content-Type"`
	MaxAge         int    `yaml:"max_age"         env:"CORS_MAX_AGE"         env-default:"86400"`
}

// RateLimitConfig holds the per-client request rate limit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" env:"RATE_LIMIT_PER_SECOND" env-default:"10"`
	Burst     int     `yaml:"burst"      env:"RATE_LIMIT_BURST"      env-default:"20"`
}
