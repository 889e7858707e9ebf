package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ar-collect/internal/config"
	"ar-collect/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	env := map[string]string{
		"DATABASE_DRIVER": "sqlite",
		"SQLITE_PATH":     filepath.Join(t.TempDir(), "app.db"),
	}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)
	cfg.RedisAddr = ""
	return cfg
}

func TestBuildWithSQLite(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(t), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Service)
	assert.Nil(t, a.Redis)
	assert.NoError(t, a.Store.Ping(ctx))

	n, err := a.Service.ResetWeeklyAttempts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseDriver = "oracle"
	_, err := OpenStore(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}
