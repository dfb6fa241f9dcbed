package monitor

import (
	"time"

	"github.com/HerbHall/wakewatch/internal/wake"
)

// Settings controls probe cadence and the wake retry policy.
type Settings struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// MinCheckInterval is the shortest allowed probe period.
const MinCheckInterval = 5 * time.Second

// DefaultSettings returns the stock probe and retry policy.
func DefaultSettings() Settings {
	return Settings{
		CheckInterval:  60 * time.Second,
		MaxAttempts:    2,
		RetryDelay:     5 * time.Second,
		DebounceWindow: wake.DefaultThreshold,
		SettleDelay:    time.Second,
	}
}

// normalize replaces unset values with defaults and enforces the minimum
// probe interval.
func (s Settings) normalize() Settings {
	def := DefaultSettings()
	if s.CheckInterval <= 0 {
		s.CheckInterval = def.CheckInterval
	}
	s.CheckInterval = max(s.CheckInterval, MinCheckInterval)
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = def.MaxAttempts
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = def.RetryDelay
	}
	if s.DebounceWindow < 0 {
		s.DebounceWindow = def.DebounceWindow
	}
	if s.SettleDelay < 0 {
		s.SettleDelay = def.SettleDelay
	}
	return s
}
