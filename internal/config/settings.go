package config

import (
	"time"

	"github.com/spf13/cast"
)

// Numeric defaults for the DeviceMonitor section.
const (
	DefaultCheckIntervalSeconds = 60
	DefaultPingTimeoutMillis    = 1000
)

// Settings is the typed view of the store consumed by the daemon.
type Settings struct {
	DeviceIP      string
	CheckInterval time.Duration
	PingTimeout   time.Duration
	Privileged    bool

	AccessToken        string
	DeviceID           string
	BaseURL            string
	RequestTimeout     time.Duration
	MinRequestInterval time.Duration

	MaxAttempts    int
	RetryDelay     time.Duration
	DebounceWindow time.Duration
	SettleDelay    time.Duration
	ResumeSignal   bool
}

// Settings resolves every key the daemon reads under one read lock, so a
// concurrent Reload never yields a half-old, half-new snapshot.
// Unparseable or negative values fall back to their defaults.
//
// Durations accept Go duration strings ("5s", "1m30s"). A bare number is
// read in the unit of the key: seconds for check_interval and the Monitor
// section, milliseconds for ping_timeout and the SmartThings timings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Settings{
		DeviceIP:      s.getValue(SectionDevice, "device_ip", ""),
		CheckInterval: s.positiveDuration(SectionDevice, "check_interval", time.Second, DefaultCheckIntervalSeconds*time.Second),
		PingTimeout:   s.positiveDuration(SectionDevice, "ping_timeout", time.Millisecond, DefaultPingTimeoutMillis*time.Millisecond),
		Privileged:    s.boolValue(SectionDevice, "privileged", false),

		AccessToken:        s.getValue(SectionSmartThings, "access_token", ""),
		DeviceID:           s.getValue(SectionSmartThings, "tv_device_id", ""),
		BaseURL:            s.getValue(SectionSmartThings, "base_url", "https://api.smartthings.com/v1"),
		RequestTimeout:     s.positiveDuration(SectionSmartThings, "request_timeout", time.Millisecond, 10*time.Second),
		MinRequestInterval: s.duration(SectionSmartThings, "min_request_interval", time.Millisecond, 5*time.Second),

		MaxAttempts:    s.positiveInt(SectionMonitor, "max_attempts", 2),
		RetryDelay:     s.duration(SectionMonitor, "retry_delay", time.Second, 5*time.Second),
		DebounceWindow: s.duration(SectionMonitor, "debounce_window", time.Second, 20*time.Second),
		SettleDelay:    s.duration(SectionMonitor, "settle_delay", time.Second, time.Second),
		ResumeSignal:   s.boolValue(SectionMonitor, "resume_signal", true),
	}
}

// Configured reports whether the remote API credentials are present.
func (st Settings) Configured() bool {
	return st.AccessToken != "" && st.DeviceID != ""
}

func (s *Store) positiveInt(section, key string, def int) int {
	n, err := cast.ToIntE(s.getValue(section, key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// duration parses key as a duration, reading a bare number in unit.
func (s *Store) duration(section, key string, unit, def time.Duration) time.Duration {
	raw := s.getValue(section, key, "")
	if raw == "" {
		return def
	}
	if f, err := cast.ToFloat64E(raw); err == nil {
		if f < 0 {
			return def
		}
		return time.Duration(f * float64(unit))
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func (s *Store) positiveDuration(section, key string, unit, def time.Duration) time.Duration {
	if d := s.duration(section, key, unit, def); d > 0 {
		return d
	}
	return def
}

func (s *Store) boolValue(section, key string, def bool) bool {
	raw := s.getValue(section, key, "")
	if raw == "" {
		return def
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return def
	}
	return b
}
