package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpbridge/erpbridge/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, 1000, cfg.DefaultBatchSize)
	assert.Equal(t, 10000, cfg.MaxBatchSize)
	assert.Equal(t, 19, cfg.BackgroundWindowStart.Hour)
	assert.Equal(t, 7, cfg.BackgroundWindowEnd.Hour)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("BACKGROUND_SYNC_WINDOW_START", "22:30")
	t.Setenv("POSTGRES_POOL_SIZE", "35")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "secret", cfg.Postgres.Password)
	assert.Equal(t, 35, cfg.Postgres.PoolSize)
	assert.Equal(t, 22, cfg.BackgroundWindowStart.Hour)
	assert.Equal(t, 30, cfg.BackgroundWindowStart.Minute)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "API_PORT", "70000"},
		{"bad window", "BACKGROUND_SYNC_WINDOW_END", "25:00"},
		{"max below default", "MAX_BATCH_SIZE", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	p := config.Postgres{
		Host: "db", Port: 5433, DB: "bridge", Schema: "sync",
		User: "svc", Password: "pw",
	}
	assert.Equal(t,
		"postgres://svc:pw@db:5433/bridge?sslmode=disable&search_path=sync",
		p.DSN())
}
