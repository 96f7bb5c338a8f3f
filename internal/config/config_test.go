package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("CHAT_HISTORY_CAP", "")
	t.Setenv("STREAM_IDLE_TIMEOUT", "")
	t.Setenv("STOP_BUS", "")

	cfg := Load()
	require.Equal(t, "mysql", cfg.DBDriver)
	require.Equal(t, 500, cfg.ChatHistoryCap)
	require.Equal(t, 5*time.Minute, cfg.StreamIdleTimeout)
	require.Equal(t, "memory", cfg.StopBus)
	require.Equal(t, "stop_generate_sub_pub", cfg.StopChannel)
	require.Equal(t, 8000, cfg.ChatMaxInputTokens)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "")
	t.Setenv("CHAT_HISTORY_CAP", "20")
	t.Setenv("STREAM_IDLE_TIMEOUT", "90")
	t.Setenv("STOP_BUS", "Redis")

	cfg := Load()
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, "ai_console.db", cfg.DBDSN)
	require.Equal(t, 20, cfg.ChatHistoryCap)
	require.Equal(t, 90*time.Second, cfg.StreamIdleTimeout)
	require.Equal(t, "redis", cfg.StopBus)
}

func TestEnvDuration_GoSyntax(t *testing.T) {
	t.Setenv("X_TIMEOUT", "2m30s")
	require.Equal(t, 150*time.Second, envDuration("X_TIMEOUT", time.Second))

	t.Setenv("X_TIMEOUT", "garbage")
	require.Equal(t, time.Second, envDuration("X_TIMEOUT", time.Second))
}
