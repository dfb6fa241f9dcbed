// Package presence decides whether the target appliance answers on the
// network, using a majority vote over several ICMP probes.
package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DeviceState is the prober's verdict.
type DeviceState int32

const (
	Unknown DeviceState = iota
	Present
	Absent
)

func (s DeviceState) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Probe defaults.
const (
	DefaultProbes   = 3
	DefaultTimeout  = time.Second
	DefaultProbeGap = 500 * time.Millisecond
	MinTimeout      = 500 * time.Millisecond
	MaxTimeout      = 5 * time.Second
)

// Pinger sends a single echo request and returns nil only when a reply
// arrived within timeout.
type Pinger interface {
	Ping(ctx context.Context, addr string, timeout time.Duration) error
}

// AdapterChecker reports whether any usable network adapter is up.
type AdapterChecker interface {
	HasActiveAdapter(ctx context.Context) (bool, error)
}

// Config holds the probe target and timing.
type Config struct {
	Target   string
	Timeout  time.Duration
	Probes   int
	ProbeGap time.Duration
}

// normalize fills defaults and clamps the timeout into its allowed range.
func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.Timeout = min(max(c.Timeout, MinTimeout), MaxTimeout)
	if c.Probes <= 0 {
		c.Probes = DefaultProbes
	}
	if c.ProbeGap <= 0 {
		c.ProbeGap = DefaultProbeGap
	}
	return c
}

// TopicChanged is the bus topic for Change payloads.
const TopicChanged = "presence.changed"

// Change describes a verdict transition.
type Change struct {
	Target   string `json:"target"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// ChangeFunc is called after the verdict changes.
type ChangeFunc func(previous, current DeviceState)

// Prober runs probe cycles and holds the latest verdict. It is the only
// writer of the verdict; readers may observe a stale value.
type Prober struct {
	pinger   Pinger
	adapters AdapterChecker
	clock    clock.Clock
	logger   *zap.Logger
	onChange ChangeFunc

	mu  sync.RWMutex
	cfg Config

	state atomic.Int32
}

// Option customizes a Prober.
type Option func(*Prober)

// WithClock sets the clock used for the inter-probe delay.
func WithClock(c clock.Clock) Option {
	return func(p *Prober) { p.clock = c }
}

// WithChangeFunc registers a callback for verdict changes.
func WithChangeFunc(fn ChangeFunc) Option {
	return func(p *Prober) { p.onChange = fn }
}

// NewProber creates a Prober. A default cycle is three probes 500ms apart
// with a 1s timeout each.
func NewProber(cfg Config, pinger Pinger, adapters AdapterChecker, logger *zap.Logger, opts ...Option) *Prober {
	p := &Prober{
		pinger:   pinger,
		adapters: adapters,
		clock:    clock.RealClock{},
		logger:   logger,
		cfg:      cfg.normalize(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetConfig replaces the probe configuration for subsequent cycles.
func (p *Prober) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.normalize()
	p.mu.Unlock()
}

// Config returns the active probe configuration.
func (p *Prober) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// State returns the latest verdict.
func (p *Prober) State() DeviceState {
	return DeviceState(p.state.Load())
}

// CheckOnce runs one probe cycle, stores the verdict, and returns it.
// Probe errors are counted as failures and never returned.
func (p *Prober) CheckOnce(ctx context.Context) DeviceState {
	verdict := p.vote(ctx)
	if ctx.Err() != nil {
		// An interrupted cycle leaves the previous verdict in place.
		return p.State()
	}
	p.store(verdict)
	return verdict
}

func (p *Prober) vote(ctx context.Context) DeviceState {
	cfg := p.Config()
	if cfg.Target == "" {
		p.logger.Warn("device address not configured")
		return Absent
	}

	up, err := p.adapters.HasActiveAdapter(ctx)
	if err != nil {
		p.logger.Warn("error checking network status", zap.Error(err))
		return Absent
	}
	if !up {
		p.logger.Info("no active network connection available")
		return Absent
	}

	successes := 0
	for attempt := 1; attempt <= cfg.Probes; attempt++ {
		if ctx.Err() != nil {
			break
		}
		if err := p.pinger.Ping(ctx, cfg.Target, cfg.Timeout); err != nil {
			p.logger.Debug("probe failed",
				zap.Int("attempt", attempt),
				zap.String("target", cfg.Target),
				zap.Error(err),
			)
		} else {
			successes++
			p.logger.Debug("probe succeeded", zap.Int("attempt", attempt))
		}

		if attempt < cfg.Probes && !p.pause(ctx, cfg.ProbeGap) {
			break
		}
	}

	verdict := Absent
	if successes*2 > cfg.Probes {
		verdict = Present
	}
	p.logger.Debug("probe cycle complete",
		zap.Int("successes", successes),
		zap.Int("probes", cfg.Probes),
		zap.Stringer("verdict", verdict),
	)
	return verdict
}

// pause waits d between pings. It returns false if ctx ended first.
func (p *Prober) pause(ctx context.Context, d time.Duration) bool {
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Prober) store(verdict DeviceState) {
	previous := DeviceState(p.state.Swap(int32(verdict)))
	if previous == verdict {
		return
	}
	p.logger.Info("device presence changed",
		zap.Stringer("from", previous),
		zap.Stringer("to", verdict),
	)
	if p.onChange != nil {
		p.onChange(previous, verdict)
	}
}
