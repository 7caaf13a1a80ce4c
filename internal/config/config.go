// Package config loads a presenced node's settings from the environment,
// with getEnv/getEnvInt helpers that also load durations, and validates
// the result before handing it to the rest of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ruvnet/presence/internal/tracker"
)

// Config holds every setting a presenced node needs at start-up.
type Config struct {
	Node    NodeConfig     `json:"node"`
	NATS    NATSConfig     `json:"nats"`
	HTTP    HTTPConfig     `json:"http"`
	Logging LoggingConfig  `json:"logging"`
	Tracker tracker.Config `json:"tracker"`
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	Name string `json:"name"`
}

// NATSConfig points at the cluster transport.
type NATSConfig struct {
	URL string `json:"url"`
}

// HTTPConfig controls the admin/introspection HTTP surface.
type HTTPConfig struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Load reads every setting from the environment, falling back to the
// defaults below, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			Name: getEnv("NODE_NAME", mustHostname()),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		HTTP: HTTPConfig{
			Addr:         getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:  time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracker: tracker.Config{
			BroadcastPeriod:    time.Duration(getEnvInt("BROADCAST_PERIOD_MS", 1500)) * time.Millisecond,
			MaxSilentPeriods:   getEnvInt("MAX_SILENT_PERIODS", 10),
			DownPeriod:         time.Duration(getEnvInt("DOWN_PERIOD_SECONDS", 30)) * time.Second,
			PermdownPeriod:     time.Duration(getEnvInt("PERMDOWN_PERIOD_SECONDS", 1200)) * time.Second,
			ClockSamplePeriods: getEnvInt("CLOCK_SAMPLE_PERIODS", 2),
		},
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return nil, fmt.Errorf("config: tracker settings: %w", err)
	}
	return cfg, nil
}

func mustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "presenced"
	}
	return h
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
