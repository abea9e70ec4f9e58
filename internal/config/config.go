package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the relay server reads from its environment.
type Config struct {
	Addr            string
	RedisAddr       string // empty runs a single instance with in-process fan-out
	DatabaseDSN     string // empty disables the user store
	JWTSecret       string
	RequireAuth     bool
	LogLevel        string
	LogFormat       string
	MaxMessageSize  int64
	RateLimitPerSec float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// Default returns the values used when a variable is unset.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		MaxMessageSize:  8192,
		RateLimitPerSec: 20,
		RateLimitBurst:  40,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads the configuration through getenv (os.Getenv when nil).
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if v := getenv("ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.RedisAddr = getenv("REDIS_ADDR")
	cfg.DatabaseDSN = getenv("DB_DSN")
	cfg.JWTSecret = getenv("JWT_SECRET")
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	var err error
	if v := getenv("REQUIRE_AUTH"); v != "" {
		if cfg.RequireAuth, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("REQUIRE_AUTH: %w", err)
		}
	}
	if v := getenv("MAX_MESSAGE_SIZE"); v != "" {
		if cfg.MaxMessageSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("MAX_MESSAGE_SIZE: %w", err)
		}
	}
	if v := getenv("RATE_LIMIT_PER_SEC"); v != "" {
		if cfg.RateLimitPerSec, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_PER_SEC: %w", err)
		}
	}
	if v := getenv("RATE_LIMIT_BURST"); v != "" {
		if cfg.RateLimitBurst, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
	}
	if v := getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if cfg.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	if c.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	if c.RateLimitPerSec < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit values must not be negative")
	}
	if c.RateLimitPerSec > 0 && c.RateLimitBurst < 1 {
		return errors.New("RATE_LIMIT_BURST must be at least 1 when rate limiting is on")
	}
	if c.DatabaseDSN != "" && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when DB_DSN is set")
	}
	if c.RequireAuth && (c.JWTSecret == "" || c.DatabaseDSN == "") {
		return errors.New("REQUIRE_AUTH needs DB_DSN and JWT_SECRET")
	}
	return nil
}

// AuthEnabled reports whether the user store and tokens are available.
func (c *Config) AuthEnabled() bool {
	return c.DatabaseDSN != "" && c.JWTSecret != ""
}
