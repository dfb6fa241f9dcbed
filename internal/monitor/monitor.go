// Package monitor owns the monitoring lifecycle. It runs the presence probe
// loop, listens for wake events, and drives the bounded power-on retry loop.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/wakewatch/internal/event"
	"github.com/HerbHall/wakewatch/internal/power"
	"github.com/HerbHall/wakewatch/internal/presence"
	"github.com/HerbHall/wakewatch/internal/wake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Bus topics published by the monitor.
const (
	TopicStateChanged  = "monitor.state_changed"
	TopicWakeProcessed = "wake.processed"
)

// State is the monitoring lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Prober runs presence checks. See presence.Prober.
type Prober interface {
	CheckOnce(ctx context.Context) presence.DeviceState
	State() presence.DeviceState
}

// Switch powers the appliance on. See power.Controller.
type Switch interface {
	TurnOn(ctx context.Context) error
	Cached() power.State
}

// Bus is the event bus the monitor subscribes to and publishes on.
type Bus interface {
	event.Publisher
	event.Subscriber
}

// Attempt records one TurnOn call inside a single retry loop.
type Attempt struct {
	Number int       `json:"number"`
	OK     bool      `json:"ok"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// WakeResult is published on TopicWakeProcessed when a retry loop ends.
type WakeResult struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Success  bool      `json:"success"`
	Attempts []Attempt `json:"attempts"`
}

// StateChange is published on TopicStateChanged.
type StateChange struct {
	From State
	To   State
}

// Monitor coordinates presence probing and wake handling.
type Monitor struct {
	prober    Prober
	power     Switch
	bus       Bus
	sources   []wake.Source
	debouncer *wake.Debouncer
	clock     clock.WithTicker
	logger    *zap.Logger

	// mu serializes lifecycle transitions.
	mu          sync.Mutex
	settings    Settings
	base        context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	subscribed  []wake.Source
	loops       sync.WaitGroup

	state atomic.Int32
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock sets the clock for the probe ticker, retry delay, and settle delay.
func WithClock(c clock.WithTicker) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSources registers external wake sources. They are subscribed on
// Start and unsubscribed on Stop.
func WithSources(sources ...wake.Source) Option {
	return func(m *Monitor) { m.sources = append(m.sources, sources...) }
}

// New creates a stopped Monitor.
func New(settings Settings, prober Prober, sw Switch, bus Bus, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		power:    sw,
		bus:      bus,
		clock:    clock.RealClock{},
		logger:   logger,
		settings: settings.normalize(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.debouncer = wake.NewDebouncer(m.settings.DebounceWindow, m.reactive, logger.Named("debounce"))
	monitorState.Set(float64(Stopped))
	return m
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Settings returns the active settings.
func (m *Monitor) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Reconfigure replaces the settings. The probe interval applies from the
// next Start; retry and debounce values apply to the next wake event.
func (m *Monitor) Reconfigure(settings Settings) {
	settings = settings.normalize()
	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()
	m.debouncer.SetThreshold(settings.DebounceWindow)
}

// Start begins probing and subscribes to wake events. No-op if running.
// ctx bounds the background loops and is reused by Resume and Restart.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Running {
		m.logger.Debug("start ignored, already running")
		return
	}
	m.base = ctx
	m.startLocked(ctx)
	m.setState(Running)
	m.logger.Info("monitoring started", zap.Duration("check_interval", m.settings.CheckInterval))
}

// Stop unsubscribes from wake events and halts probing. No-op if stopped.
// A retry loop already in progress is left to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case Stopped:
		m.logger.Debug("stop ignored, already stopped")
		return
	case Running:
		m.stopLocked()
	}
	m.setState(Stopped)
	m.logger.Info("monitoring stopped")
}

// Pause has the same effect as Stop but records the Paused state. Only
// valid while running.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Running {
		m.logger.Debug("pause ignored, not running", zap.Stringer("state", m.State()))
		return
	}
	m.stopLocked()
	m.setState(Paused)
	m.logger.Info("monitoring paused")
}

// Resume restarts monitoring from Paused or Stopped.
func (m *Monitor) Resume() {
	if m.State() == Running {
		m.logger.Debug("resume ignored, already running")
		return
	}
	m.Start(m.baseContext())
	m.logger.Info("monitoring resumed")
}

// Restart stops, waits for the settle delay, and starts again. Used after
// the configuration changed.
func (m *Monitor) Restart() {
	m.Stop()
	m.clock.Sleep(m.Settings().SettleDelay)
	m.Start(m.baseContext())
	m.logger.Info("monitoring restarted")
}

func (m *Monitor) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base == nil {
		return context.Background()
	}
	return m.base
}

// startLocked must be called with m.mu held.
func (m *Monitor) startLocked(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.unsubscribe = m.bus.Subscribe(wake.TopicDetected, m.handleWake)

	publish := m.publishWake(runCtx)
	m.subscribed = m.subscribed[:0]
	for _, src := range m.sources {
		if err := src.Subscribe(runCtx, publish); err != nil {
			m.logger.Warn("error setting up wake source",
				zap.String("source", src.Name()),
				zap.Error(err),
			)
			continue
		}
		m.subscribed = append(m.subscribed, src)
	}

	m.loops.Add(1)
	go m.probeLoop(runCtx, m.settings.CheckInterval)
}

// stopLocked must be called with m.mu held.
func (m *Monitor) stopLocked() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	for _, src := range m.subscribed {
		src.Unsubscribe()
	}
	m.subscribed = m.subscribed[:0]

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.loops.Wait()
}

func (m *Monitor) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	monitorState.Set(float64(s))
	if prev == s {
		return
	}
	// Async: setState runs with m.mu held.
	m.bus.PublishAsync(context.Background(), event.Event{
		Topic:     TopicStateChanged,
		Source:    "monitor",
		Timestamp: m.clock.Now(),
		Payload:   StateChange{From: prev, To: s},
	})
}

// reactive is the debouncer gate: react only while running and while the
// device is not known to be absent.
func (m *Monitor) reactive() bool {
	return m.State() == Running && m.prober.State() != presence.Absent
}

func (m *Monitor) publishWake(ctx context.Context) wake.PublishFunc {
	return func(ev wake.Event) {
		m.bus.PublishAsync(ctx, event.Event{
			Topic:     wake.TopicDetected,
			Source:    ev.Source,
			Timestamp: ev.At,
			Payload:   ev,
		})
	}
}

func (m *Monitor) probeLoop(ctx context.Context, interval time.Duration) {
	defer m.loops.Done()

	// Probe immediately on start, then on each tick.
	m.probe(ctx)

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	verdict := m.prober.CheckOnce(ctx)
	probeCyclesTotal.WithLabelValues(verdict.String()).Inc()
	if verdict == presence.Present {
		devicePresent.Set(1)
	} else {
		devicePresent.Set(0)
	}
}

// handleWake is the bus handler for wake.TopicDetected.
func (m *Monitor) handleWake(ctx context.Context, e event.Event) {
	ev, ok := e.Payload.(wake.Event)
	if !ok {
		return
	}

	release, reason := m.debouncer.Admit(ev)
	wakeEventsTotal.WithLabelValues(reason.String()).Inc()
	if release == nil {
		return
	}
	defer release()

	// The loop outlives Stop; it is never cancelled once admitted.
	m.retry(context.WithoutCancel(ctx), ev)
}

// retry calls TurnOn up to MaxAttempts times, sleeping RetryDelay between
// failures. Exhaustion is logged and nothing else.
func (m *Monitor) retry(ctx context.Context, ev wake.Event) WakeResult {
	settings := m.Settings()
	result := WakeResult{
		ID:       uuid.NewString(),
		Source:   ev.Source,
		Attempts: make([]Attempt, 0, settings.MaxAttempts),
	}
	log := m.logger.With(zap.String("wake_id", result.ID), zap.String("source", ev.Source))
	log.Info("wake event detected, checking appliance power")

	for n := 1; n <= settings.MaxAttempts; n++ {
		log.Debug("power on attempt", zap.Int("attempt", n))
		err := m.power.TurnOn(ctx)

		attempt := Attempt{Number: n, OK: err == nil, At: m.clock.Now()}
		if err != nil {
			attempt.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, attempt)

		if err == nil {
			powerOnAttemptsTotal.WithLabelValues("success").Inc()
			result.Success = true
			break
		}
		powerOnAttemptsTotal.WithLabelValues("failure").Inc()
		log.Warn("power on attempt failed", zap.Int("attempt", n), zap.Error(err))

		if errors.Is(err, power.ErrNotConfigured) {
			// Retrying cannot fix missing credentials.
			break
		}
		if n < settings.MaxAttempts {
			log.Info("waiting before retry", zap.Duration("delay", settings.RetryDelay))
			m.clock.Sleep(settings.RetryDelay)
		}
	}

	if result.Success {
		log.Info("appliance power confirmed", zap.Int("attempts", len(result.Attempts)))
	} else {
		log.Warn("failed to power on appliance", zap.Int("attempts", len(result.Attempts)))
	}

	_ = m.bus.Publish(ctx, event.Event{
		Topic:     TopicWakeProcessed,
		Source:    "monitor",
		Timestamp: m.clock.Now(),
		Payload:   result,
	})
	return result
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	State         string     `json:"state"`
	Device        string     `json:"device"`
	Power         string     `json:"power"`
	Processing    bool       `json:"processing"`
	LastWake      *time.Time `json:"last_wake,omitempty"`
	CheckInterval string     `json:"check_interval"`
}

// Status returns a snapshot of the lifecycle, presence, and power caches.
func (m *Monitor) Status() Status {
	st := Status{
		State:         m.State().String(),
		Device:        m.prober.State().String(),
		Power:         m.power.Cached().String(),
		Processing:    m.debouncer.Busy(),
		CheckInterval: m.Settings().CheckInterval.String(),
	}
	if last := m.debouncer.LastAdmitted(); !last.IsZero() {
		st.LastWake = &last
	}
	return st
}
