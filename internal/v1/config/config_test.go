package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "this-is-a-test-secret-of-32-chars!!")
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_ENABLED", "")
	t.Setenv("ALLOWED_ORIGINS", "")
}

func TestValidateEnv_Valid(t *testing.T) {
	setValidEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.RedisEnabled)
}

func TestValidateEnv_Defaults(t *testing.T) {
	setValidEnv(t)
	// t.Setenv registers the restore; unsetting after exercises the default.
	t.Setenv("GO_ENV", "placeholder")
	require.NoError(t, os.Unsetenv("GO_ENV"))
	t.Setenv("AGENTS_CONFIG", "placeholder")
	require.NoError(t, os.Unsetenv("AGENTS_CONFIG"))

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "configs/agents.yaml", cfg.AgentsConfig)
	assert.Equal(t, "1000-M", cfg.RateLimitAPIGlobal)
	assert.Equal(t, "100-M", cfg.RateLimitWsIP)
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET", "")

	_, err := ValidateEnv()
	assert.ErrorContains(t, err, "JWT_SECRET is required")
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET", "too-short")

	_, err := ValidateEnv()
	assert.ErrorContains(t, err, "at least 32 characters")
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	assert.ErrorContains(t, err, "PORT must be a valid port number")
}

func TestValidateEnv_PortOutOfRange(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PORT", "70000")

	_, err := ValidateEnv()
	assert.ErrorContains(t, err, "PORT must be a valid port number")
}

func TestValidateEnv_RedisAddrValidation(t *testing.T) {
	setValidEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-an-addr")

	_, err := ValidateEnv()
	assert.ErrorContains(t, err, "REDIS_ADDR must be in format 'host:port'")
}

func TestValidateEnv_RedisAddrDefault(t *testing.T) {
	setValidEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestValidateEnv_CollectsMultipleErrors(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PORT", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("redis.internal:1"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("localhost:0"))
	assert.False(t, isValidHostPort("localhost:port"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "12345678***", redactSecret("1234567890abcdef"))
}
