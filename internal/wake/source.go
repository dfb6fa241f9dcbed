package wake

import (
	"context"
	"sync"
	"time"
)

// PublishFunc hands a detected event to the caller (normally the event bus).
type PublishFunc func(Event)

// Source is an external provider of wake notifications.
type Source interface {
	Name() string
	// Subscribe starts delivering events to publish until Unsubscribe.
	Subscribe(ctx context.Context, publish PublishFunc) error
	Unsubscribe()
}

// ManualSource emits events on demand, from the control API or a signal.
type ManualSource struct {
	mu      sync.Mutex
	publish PublishFunc
	now     func() time.Time
}

// NewManualSource creates an unsubscribed ManualSource.
func NewManualSource() *ManualSource {
	return &ManualSource{now: time.Now}
}

func (m *ManualSource) Name() string { return "manual" }

func (m *ManualSource) Subscribe(_ context.Context, publish PublishFunc) error {
	m.mu.Lock()
	m.publish = publish
	m.mu.Unlock()
	return nil
}

func (m *ManualSource) Unsubscribe() {
	m.mu.Lock()
	m.publish = nil
	m.mu.Unlock()
}

// Trigger emits one event tagged with origin. It reports false when nobody
// is subscribed.
func (m *ManualSource) Trigger(origin string) bool {
	m.mu.Lock()
	publish := m.publish
	m.mu.Unlock()
	if publish == nil {
		return false
	}
	publish(Event{Source: origin, At: m.now()})
	return true
}
