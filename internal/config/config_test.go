package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"NODE_NAME", "NATS_URL", "HTTP_ADDR", "LOG_LEVEL", "BROADCAST_PERIOD_MS", "DOWN_PERIOD_SECONDS", "PERMDOWN_PERIOD_SECONDS"} {
		os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Equal(t, 1500*time.Millisecond, cfg.Tracker.BroadcastPeriod)
	require.NotEmpty(t, cfg.Node.Name, "Node.Name should fall back to the hostname")
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("NODE_NAME", "node-a")
	os.Setenv("BROADCAST_PERIOD_MS", "250")
	defer os.Unsetenv("NODE_NAME")
	defer os.Unsetenv("BROADCAST_PERIOD_MS")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.Node.Name)
	require.Equal(t, 250*time.Millisecond, cfg.Tracker.BroadcastPeriod)
}

func TestLoadRejectsInvalidTrackerSettings(t *testing.T) {
	os.Setenv("DOWN_PERIOD_SECONDS", "100")
	os.Setenv("PERMDOWN_PERIOD_SECONDS", "10")
	defer os.Unsetenv("DOWN_PERIOD_SECONDS")
	defer os.Unsetenv("PERMDOWN_PERIOD_SECONDS")

	_, err := Load()
	require.Error(t, err, "expected Load to reject down_period >= permdown_period")
}
