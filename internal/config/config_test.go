package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
	require.Equal(t, []string{"default"}, cfg.Queues)
	require.Equal(t, "memory", cfg.BrokerDriver)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.Equal(t, "taskq", cfg.KeyPrefix)
	require.Equal(t, 24*time.Hour, cfg.DefaultResultExpiry)
	require.Equal(t, 500*time.Millisecond, cfg.PollingInterval)
	require.NotEmpty(t, cfg.WorkerName)
	require.Positive(t, cfg.EffectiveConcurrency())
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("QUEUES", "default,emails,reports")
	t.Setenv("BROKER_DRIVER", "redisstream")
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("CONCURRENCY", "8")
	t.Setenv("WORKER_NAME", "w-1")
	t.Setenv("KILL_SWITCH_TRIP_THRESHOLD", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Equal(t, []string{"default", "emails", "reports"}, cfg.Queues)
	require.Equal(t, "redisstream", cfg.BrokerDriver)
	require.Equal(t, "redis", cfg.StoreDriver)
	require.Equal(t, 8, cfg.EffectiveConcurrency())
	require.Equal(t, "w-1", cfg.WorkerName)
	require.InDelta(t, 0.5, cfg.KillSwitchTripThreshold, 1e-9)
}

func Test_Load_RejectsBadDriver(t *testing.T) {
	t.Setenv("BROKER_DRIVER", "rabbitmq")
	_, err := Load()
	require.Error(t, err)
}

func Test_Load_RejectsBadTripThreshold(t *testing.T) {
	t.Setenv("KILL_SWITCH_TRIP_THRESHOLD", "1.5")
	_, err := Load()
	require.Error(t, err)
}

func Test_GetRetryBackoffConfig_TestEnv(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	require.NoError(t, err)

	_, initial, max, mult := cfg.GetRetryBackoffConfig()
	require.Equal(t, 10*time.Millisecond, initial)
	require.Equal(t, 100*time.Millisecond, max)
	require.InDelta(t, 2.0, mult, 1e-9)
}
