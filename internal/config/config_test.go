package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(env(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, int64(8192), cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"ADDR":               ":9090",
		"REDIS_ADDR":         "redis:6379",
		"DB_DSN":             "postgres://x",
		"JWT_SECRET":         "s3cret",
		"REQUIRE_AUTH":       "true",
		"LOG_LEVEL":          "debug",
		"LOG_FORMAT":         "console",
		"MAX_MESSAGE_SIZE":   "1024",
		"RATE_LIMIT_PER_SEC": "2.5",
		"RATE_LIMIT_BURST":   "5",
		"SHUTDOWN_TIMEOUT":   "5s",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.RequireAuth)
	assert.True(t, cfg.AuthEnabled())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.InDelta(t, 2.5, cfg.RateLimitPerSec, 0.001)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad bool", map[string]string{"REQUIRE_AUTH": "maybe"}},
		{"bad size", map[string]string{"MAX_MESSAGE_SIZE": "big"}},
		{"zero size", map[string]string{"MAX_MESSAGE_SIZE": "0"}},
		{"bad duration", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}},
		{"negative rate", map[string]string{"RATE_LIMIT_PER_SEC": "-1"}},
		{"zero burst with rate", map[string]string{"RATE_LIMIT_PER_SEC": "5", "RATE_LIMIT_BURST": "0"}},
		{"db without secret", map[string]string{"DB_DSN": "postgres://x"}},
		{"auth without secret", map[string]string{"REQUIRE_AUTH": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestZeroBurstAllowedWhenLimitingOff(t *testing.T) {
	cfg, err := Load(env(map[string]string{"RATE_LIMIT_PER_SEC": "0", "RATE_LIMIT_BURST": "0"}))
	require.NoError(t, err)
	assert.Zero(t, cfg.RateLimitBurst)
}
