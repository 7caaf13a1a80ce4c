package tracker

import (
	"fmt"
	"time"
)

// Config is the tracker server's tunable timing configuration.
type Config struct {
	// BroadcastPeriod is the heartbeat tick interval.
	BroadcastPeriod time.Duration
	// MaxSilentPeriods forces an empty heartbeat after this many quiet ticks.
	MaxSilentPeriods int
	// DownPeriod is the silence duration before a peer is flagged down.
	DownPeriod time.Duration
	// PermdownPeriod is the silence duration before a peer is flagged permdown.
	PermdownPeriod time.Duration
	// ClockSamplePeriods is how many heartbeat ticks to accumulate pending
	// clocks before requesting transfers.
	ClockSamplePeriods int
}

// DefaultConfig returns reasonable production defaults.
func DefaultConfig() Config {
	broadcast := 1500 * time.Millisecond
	maxSilent := 10
	return Config{
		BroadcastPeriod:    broadcast,
		MaxSilentPeriods:   maxSilent,
		DownPeriod:         broadcast * time.Duration(maxSilent) * 2,
		PermdownPeriod:     1_200_000 * time.Millisecond,
		ClockSamplePeriods: 2,
	}
}

// Validate enforces down_period < permdown_period and the positivity of
// every period setting.
func (c Config) Validate() error {
	if c.MaxSilentPeriods < 1 {
		return fmt.Errorf("tracker: max_silent_periods must be >= 1, got %d", c.MaxSilentPeriods)
	}
	if c.DownPeriod <= 0 {
		return fmt.Errorf("tracker: down_period must be positive, got %s", c.DownPeriod)
	}
	if c.DownPeriod >= c.PermdownPeriod {
		return fmt.Errorf("tracker: down_period (%s) must be < permdown_period (%s)", c.DownPeriod, c.PermdownPeriod)
	}
	if c.ClockSamplePeriods < 1 {
		return fmt.Errorf("tracker: clock_sample_periods must be >= 1, got %d", c.ClockSamplePeriods)
	}
	if c.BroadcastPeriod <= 0 {
		return fmt.Errorf("tracker: broadcast_period must be positive, got %s", c.BroadcastPeriod)
	}
	return nil
}
