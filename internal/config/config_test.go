package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Equal(t, int64(4000), cfg.DefaultMinPctBps)
	assert.Equal(t, 15*time.Second, cfg.VapiTimeout)
	assert.False(t, cfg.WeeklyResetEnabled)
	assert.Equal(t, time.Monday, cfg.WeeklyResetWeekday)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"DATABASE_DRIVER":      "Postgres",
		"DATABASE_URL":         "postgres://localhost/ar",
		"REDIS_DB":             "2",
		"REDIS_TLS":            "true",
		"GEMINI_TIMEOUT":       "5s",
		"WEEKLY_RESET_ENABLED": "1",
		"WEEKLY_RESET_WEEKDAY": "Sunday",
		"WEEKLY_RESET_HOUR":    "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.True(t, cfg.RedisTLS)
	assert.Equal(t, 5*time.Second, cfg.GeminiTimeout)
	assert.True(t, cfg.WeeklyResetEnabled)
	assert.Equal(t, time.Sunday, cfg.WeeklyResetWeekday)
	assert.Equal(t, 3, cfg.WeeklyResetHour)
}

func TestInvalidValuesAreReported(t *testing.T) {
	_, err := FromEnv(env(map[string]string{
		"REDIS_DB":     "two",
		"VAPI_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_DB")
	assert.Contains(t, err.Error(), "VAPI_TIMEOUT")
}

func TestPostgresRequiresURL(t *testing.T) {
	_, err := FromEnv(env(map[string]string{"DATABASE_DRIVER": "postgres"}))
	assert.ErrorContains(t, err, "DATABASE_URL")

	_, err = FromEnv(env(map[string]string{"DATABASE_DRIVER": "mysql"}))
	assert.ErrorContains(t, err, "unsupported")
}
