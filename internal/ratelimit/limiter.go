// Package ratelimit spaces outbound calls to the remote control API.
//
// Unlike a token bucket, spacing is measured from the moment the previous
// holder released its slot, so a slow call still pushes the next one back.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// DefaultInterval is the minimum gap between two remote API calls.
const DefaultInterval = 5 * time.Second

// Limiter grants one holder at a time and enforces a minimum interval
// between a release and the next grant.
type Limiter struct {
	interval time.Duration
	clock    clock.Clock
	sem      *semaphore.Weighted

	mu          sync.Mutex
	lastRelease time.Time
}

// New creates a Limiter. A nil clock uses the real wall clock.
func New(interval time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		interval: interval,
		clock:    clk,
		sem:      semaphore.NewWeighted(1),
	}
}

// Acquire blocks until the caller holds the slot and the interval since the
// last release has elapsed. The returned release func must be called exactly
// once; extra calls are ignored. The only error is ctx cancellation.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if wait := l.remaining(); wait > 0 {
		timer := l.clock.NewTimer(wait)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			l.sem.Release(1)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.lastRelease = l.clock.Now()
			l.mu.Unlock()
			l.sem.Release(1)
		})
	}, nil
}

// LastRelease returns the time the slot was last released (zero if never).
func (l *Limiter) LastRelease() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRelease
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

func (l *Limiter) remaining() time.Duration {
	l.mu.Lock()
	last := l.lastRelease
	l.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return l.interval - l.clock.Since(last)
}
