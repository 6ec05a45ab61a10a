package scheduler

import (
	"fmt"
	"time"
)

// Config holds the scheduler's timing thresholds and limits.
type Config struct {
	// HomeBase is the location the robot returns to when it has nothing to do.
	HomeBase string `yaml:"home_base"`
	// TickInterval is the decision loop cadence.
	TickInterval time.Duration `yaml:"tick_interval"`
	// StatusQueryInterval is how often battery and privacy status are requested.
	StatusQueryInterval time.Duration `yaml:"status_query_interval"`

	// CriticalBattery sends the robot home regardless of anything else.
	CriticalBattery int `yaml:"critical_battery"`
	// RestBattery keeps a charging robot docked, and sends an idle robot
	// with an empty plan home.
	RestBattery int `yaml:"rest_battery"`

	SpeechCooldown              time.Duration `yaml:"speech_cooldown"`
	SpeechPause                 time.Duration `yaml:"speech_pause"`
	InteractionWindow           time.Duration `yaml:"interaction_window"`
	InteractionSnapshotInterval time.Duration `yaml:"interaction_snapshot_interval"`
	PlanStaleness               time.Duration `yaml:"plan_staleness"`
	TravelingTimeout            time.Duration `yaml:"traveling_timeout"`
	CapturingTimeout            time.Duration `yaml:"capturing_timeout"`
	LocationValidity            time.Duration `yaml:"location_validity"`
	SecondaryValidity           time.Duration `yaml:"secondary_validity"`
	SnapshotWait                time.Duration `yaml:"snapshot_wait"`

	// MaxPending is the pending snapshot request count that forces a
	// camera power cycle.
	MaxPending          int           `yaml:"max_pending"`
	CameraResetCooldown time.Duration `yaml:"camera_reset_cooldown"`

	// PresenceTemplate builds a secondary task's condition; %s is replaced
	// by the member descriptions joined with " or ".
	PresenceTemplate string `yaml:"presence_template"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		HomeBase:                    "home base",
		TickInterval:                10 * time.Second,
		StatusQueryInterval:         60 * time.Second,
		CriticalBattery:             10,
		RestBattery:                 20,
		SpeechCooldown:              60 * time.Second,
		SpeechPause:                 10 * time.Second,
		InteractionWindow:           3 * time.Minute,
		InteractionSnapshotInterval: 20 * time.Second,
		PlanStaleness:               30 * time.Second,
		TravelingTimeout:            120 * time.Second,
		CapturingTimeout:            30 * time.Second,
		LocationValidity:            180 * time.Second,
		SecondaryValidity:           10 * time.Minute,
		SnapshotWait:                30 * time.Second,
		MaxPending:                  5,
		CameraResetCooldown:         60 * time.Second,
		PresenceTemplate:            "Is there a person in the image matching this description: %s?",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HomeBase == "" {
		return fmt.Errorf("home_base must be set")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.CriticalBattery < 0 || c.CriticalBattery > c.RestBattery || c.RestBattery > 100 {
		return fmt.Errorf("battery thresholds must satisfy 0 <= critical_battery <= rest_battery <= 100")
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("max_pending must be at least 1")
	}
	if c.SecondaryValidity <= 0 {
		return fmt.Errorf("secondary_validity must be positive")
	}
	return nil
}
