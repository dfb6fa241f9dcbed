package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config sections. Keys are case-insensitive.
const (
	SectionDevice      = "DeviceMonitor"
	SectionSmartThings = "SmartThings"
	SectionMonitor     = "Monitor"
	SectionServer      = "server"
)

// EnvPrefix prefixes environment overrides, e.g.
// WAKEWATCH_DEVICEMONITOR_DEVICE_IP=192.168.1.50.
const EnvPrefix = "WAKEWATCH"

// Load reads configuration from file and environment variables. An empty
// path searches the standard locations; a missing file is not an error.
func Load(path string) (*Store, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wakewatch")
		for _, dir := range searchPaths() {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return New(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("server.addr", "127.0.0.1:8089")
	v.SetDefault("server.read_only", false)
	v.SetDefault("server.control_rate", 1)
	v.SetDefault("server.control_burst", 5)
	v.SetDefault("server.allowed_hosts", []string{})
	v.SetDefault("server.trusted_origins", []string{})

	v.SetDefault("DeviceMonitor.device_ip", "")
	v.SetDefault("DeviceMonitor.check_interval", DefaultCheckIntervalSeconds)
	v.SetDefault("DeviceMonitor.ping_timeout", DefaultPingTimeoutMillis)
	v.SetDefault("DeviceMonitor.privileged", false)

	v.SetDefault("SmartThings.access_token", "")
	v.SetDefault("SmartThings.tv_device_id", "")
	v.SetDefault("SmartThings.base_url", "https://api.smartthings.com/v1")
	v.SetDefault("SmartThings.request_timeout", "10s")
	v.SetDefault("SmartThings.min_request_interval", "5s")

	v.SetDefault("Monitor.max_attempts", 2)
	v.SetDefault("Monitor.retry_delay", "5s")
	v.SetDefault("Monitor.debounce_window", "20s")
	v.SetDefault("Monitor.settle_delay", "1s")
	v.SetDefault("Monitor.resume_signal", true)
}

func searchPaths() []string {
	paths := []string{".", "./configs"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wakewatch"))
	}
	return append(paths, "/etc/wakewatch")
}

// WriteStarter writes a starter config file to path containing the
// user-facing keys. It refuses to overwrite an existing file.
func WriteStarter(path string) error {
	v := viper.New()
	v.Set("DeviceMonitor.device_ip", "192.168.1.50")
	v.Set("DeviceMonitor.check_interval", DefaultCheckIntervalSeconds)
	v.Set("DeviceMonitor.ping_timeout", DefaultPingTimeoutMillis)
	v.Set("SmartThings.access_token", "")
	v.Set("SmartThings.tv_device_id", "")
	v.Set("logging.level", "info")
	v.Set("logging.format", "console")
	v.Set("server.addr", "127.0.0.1:8089")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
