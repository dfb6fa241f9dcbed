// Package wake turns external wake notifications into at most one
// in-flight power-on sequence at a time.
package wake

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TopicDetected is the bus topic wake sources publish Event payloads on.
const TopicDetected = "wake.detected"

// DefaultThreshold is the minimum gap between two admitted events.
const DefaultThreshold = 20 * time.Second

// Event is a valueless "wake occurred" signal.
type Event struct {
	Source string
	At     time.Time
}

// Rejection explains why Admit dropped an event.
type Rejection int

const (
	Admitted Rejection = iota
	RejectInactive
	RejectTooSoon
	RejectBusy
)

func (r Rejection) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case RejectInactive:
		return "inactive"
	case RejectTooSoon:
		return "too_soon"
	case RejectBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Gate reports whether reacting to wake events is currently warranted
// (monitoring running and the device not known absent).
type Gate func() bool

// Debouncer admits wake events subject to a gate, a minimum spacing, and a
// single-flight guard.
type Debouncer struct {
	threshold time.Duration
	gate      Gate
	logger    *zap.Logger

	mu           sync.Mutex
	lastAdmitted time.Time

	inFlight atomic.Bool
}

// NewDebouncer creates a Debouncer. A nil gate always allows.
func NewDebouncer(threshold time.Duration, gate Gate, logger *zap.Logger) *Debouncer {
	if gate == nil {
		gate = func() bool { return true }
	}
	return &Debouncer{
		threshold: threshold,
		gate:      gate,
		logger:    logger,
	}
}

// Admit decides whether ev should start processing. On admission it returns
// a release func that frees the single-flight guard; the caller must invoke
// it once processing ends (extra calls are ignored). On rejection release is
// nil and the Rejection says why.
func (d *Debouncer) Admit(ev Event) (release func(), reason Rejection) {
	if !d.gate() {
		d.logger.Debug("ignoring wake event, monitoring inactive or device absent",
			zap.String("source", ev.Source))
		return nil, RejectInactive
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastAdmitted.IsZero() && ev.At.Sub(d.lastAdmitted) < d.threshold {
		d.logger.Info("ignoring wake event, too soon after last event",
			zap.String("source", ev.Source),
			zap.Duration("since_last", ev.At.Sub(d.lastAdmitted)),
		)
		return nil, RejectTooSoon
	}

	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Info("ignoring wake event, previous event still processing",
			zap.String("source", ev.Source))
		return nil, RejectBusy
	}

	d.lastAdmitted = ev.At

	var once sync.Once
	return func() {
		once.Do(func() { d.inFlight.Store(false) })
	}, Admitted
}

// SetThreshold changes the minimum spacing for subsequent events.
func (d *Debouncer) SetThreshold(threshold time.Duration) {
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

// Busy reports whether an admitted event is still being processed.
func (d *Debouncer) Busy() bool {
	return d.inFlight.Load()
}

// LastAdmitted returns the timestamp of the most recently admitted event.
func (d *Debouncer) LastAdmitted() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAdmitted
}
