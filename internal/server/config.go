package server

import "net"

// Config holds the server configuration.
type Config struct {
	Addr     string `mapstructure:"addr"`
	ReadOnly bool   `mapstructure:"read_only"`

	// ControlRate caps state-changing requests per second across all
	// clients. ControlBurst is the bucket size.
	ControlRate  float64 `mapstructure:"control_rate"`
	ControlBurst int     `mapstructure:"control_burst"`

	// AllowedHosts extends the Host header allowlist. A loopback Addr
	// always admits the localhost names.
	AllowedHosts []string `mapstructure:"allowed_hosts"`

	// TrustedOrigins may send cross-origin control requests, e.g. a
	// dashboard served from another port.
	TrustedOrigins []string `mapstructure:"trusted_origins"`
}

// DefaultConfig returns the loopback-only defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8089",
		ControlRate:  1,
		ControlBurst: 5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ControlRate <= 0 {
		c.ControlRate = def.ControlRate
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = def.ControlBurst
	}
	return c
}

// hostAllowlist returns the Host names the server answers to. It is empty,
// disabling the check, when the server listens on a non-loopback address
// and no hosts are configured.
func (c Config) hostAllowlist() []string {
	hosts := append([]string(nil), c.AllowedHosts...)
	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return hosts
	}
	if host == "localhost" {
		return append(hosts, "localhost", "127.0.0.1", "::1")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return append(hosts, "localhost", "127.0.0.1", "::1")
	}
	return hosts
}
