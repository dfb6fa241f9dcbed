package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/wakewatch/internal/event"
	"github.com/HerbHall/wakewatch/internal/power"
	"github.com/HerbHall/wakewatch/internal/presence"
	"github.com/HerbHall/wakewatch/internal/testutil"
	"github.com/HerbHall/wakewatch/internal/wake"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeProber struct {
	state  atomic.Int32
	checks atomic.Int32
}

func newFakeProber(s presence.DeviceState) *fakeProber {
	p := &fakeProber{}
	p.state.Store(int32(s))
	return p
}

func (p *fakeProber) CheckOnce(context.Context) presence.DeviceState {
	p.checks.Add(1)
	return p.State()
}

func (p *fakeProber) State() presence.DeviceState {
	return presence.DeviceState(p.state.Load())
}

type fakeSwitch struct {
	mu      sync.Mutex
	errs    []error // returned in order; nil once exhausted
	calls   []time.Time
	clk     *testingclock.FakeClock
	block   chan struct{}
	entered chan struct{}
}

func (s *fakeSwitch) TurnOn(context.Context) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, s.clk.Now())
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *fakeSwitch) Cached() power.State { return power.On }

func (s *fakeSwitch) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

type fakeSource struct {
	subs   atomic.Int32
	unsubs atomic.Int32
	err    error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Subscribe(context.Context, wake.PublishFunc) error {
	if s.err != nil {
		return s.err
	}
	s.subs.Add(1)
	return nil
}

func (s *fakeSource) Unsubscribe() { s.unsubs.Add(1) }

type harness struct {
	mon    *Monitor
	bus    *event.Bus
	prober *fakeProber
	sw     *fakeSwitch
	clk    *testingclock.FakeClock
}

func newHarness(t *testing.T, state presence.DeviceState, opts ...Option) *harness {
	t.Helper()
	clk := testutil.NewFakeClock()
	bus := event.NewBus(zap.NewNop())
	prober := newFakeProber(state)
	sw := &fakeSwitch{clk: clk}
	opts = append([]Option{WithClock(clk)}, opts...)
	mon := New(DefaultSettings(), prober, sw, bus, zap.NewNop(), opts...)
	t.Cleanup(func() {
		mon.Stop()
		bus.Wait()
	})
	return &harness{mon: mon, bus: bus, prober: prober, sw: sw, clk: clk}
}

func (h *harness) wake(t *testing.T, at time.Time) {
	t.Helper()
	_ = h.bus.Publish(context.Background(), event.Event{
		Topic:     wake.TopicDetected,
		Source:    "test",
		Timestamp: at,
		Payload:   wake.Event{Source: "test", At: at},
	})
}

func TestStartStop_Idempotent(t *testing.T) {
	src := &fakeSource{}
	h := newHarness(t, presence.Present, WithSources(src))
	ctx := context.Background()

	h.mon.Start(ctx)
	h.mon.Start(ctx)

	if got := h.mon.State(); got != Running {
		t.Fatalf("State() = %v, want running", got)
	}
	if got := h.bus.HandlerCount(wake.TopicDetected); got != 1 {
		t.Errorf("wake handlers = %d, want 1", got)
	}
	if got := src.subs.Load(); got != 1 {
		t.Errorf("source subscriptions = %d, want 1", got)
	}

	// One check loop: one immediate cycle, then one cycle per tick.
	testutil.Eventually(t, "first check cycle", func() bool { return h.prober.checks.Load() >= 1 })
	testutil.WaitForWaiters(t, h.clk)
	time.Sleep(20 * time.Millisecond)
	if got := h.prober.checks.Load(); got != 1 {
		t.Fatalf("check cycles after double Start = %d, want 1", got)
	}
	h.clk.Step(DefaultSettings().CheckInterval)
	testutil.Eventually(t, "ticked check cycle", func() bool { return h.prober.checks.Load() >= 2 })
	time.Sleep(20 * time.Millisecond)
	if got := h.prober.checks.Load(); got != 2 {
		t.Errorf("check cycles after one tick = %d, want 2", got)
	}

	h.mon.Stop()
	h.mon.Stop()

	if got := h.mon.State(); got != Stopped {
		t.Fatalf("State() = %v, want stopped", got)
	}
	if got := h.bus.HandlerCount(wake.TopicDetected); got != 0 {
		t.Errorf("wake handlers after stop = %d, want 0", got)
	}
	if got := src.unsubs.Load(); got != 1 {
		t.Errorf("source unsubscriptions = %d, want 1", got)
	}
}

func TestStart_ProbesImmediately(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.mon.Start(context.Background())

	testutil.Eventually(t, "first probe cycle", func() bool { return h.prober.checks.Load() > 0 })
}

func TestStart_SourceErrorIsNotFatal(t *testing.T) {
	bad := &fakeSource{err: errors.New("no system bus")}
	h := newHarness(t, presence.Present, WithSources(bad))

	h.mon.Start(context.Background())
	if got := h.mon.State(); got != Running {
		t.Fatalf("State() = %v, want running", got)
	}

	h.mon.Stop()
	if got := bad.unsubs.Load(); got != 0 {
		t.Errorf("failed source was unsubscribed %d times, want 0", got)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.sw.errs = []error{
		fmt.Errorf("%w: boom", power.ErrRemote),
		fmt.Errorf("%w: boom", power.ErrRemote),
		fmt.Errorf("%w: boom", power.ErrRemote),
	}

	res := h.mon.retry(context.Background(), wake.Event{Source: "test", At: h.clk.Now()})

	if res.Success {
		t.Error("Success = true, want false")
	}
	calls := h.sw.callTimes()
	if len(calls) != 2 {
		t.Fatalf("TurnOn calls = %d, want 2", len(calls))
	}
	if gap := calls[1].Sub(calls[0]); gap != 5*time.Second {
		t.Errorf("gap between attempts = %v, want 5s", gap)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Error == "" {
		t.Errorf("Attempts = %+v, want two failed attempts", res.Attempts)
	}
	if res.ID == "" {
		t.Error("ID is empty")
	}
}

func TestHandleWake_ExhaustedRetriesStayQuiet(t *testing.T) {
	h := newHarness(t, presence.Present)
	failure := fmt.Errorf("%w: boom", power.ErrRemote)
	h.sw.errs = []error{failure, failure, failure, failure}
	h.mon.Start(context.Background())

	t0 := h.clk.Now()
	h.wake(t, t0)
	if got := len(h.sw.callTimes()); got != 2 {
		t.Fatalf("TurnOn calls = %d, want 2", got)
	}

	// Time passing on its own never produces another attempt.
	for range 3 {
		h.clk.Step(h.mon.Settings().RetryDelay)
	}
	h.clk.Step(h.mon.Settings().DebounceWindow)
	time.Sleep(20 * time.Millisecond)
	if got := len(h.sw.callTimes()); got != 2 {
		t.Fatalf("TurnOn calls after exhaustion = %d, want 2", got)
	}

	// A new admitted event starts a fresh bounded loop.
	h.wake(t, h.clk.Now())
	if got := len(h.sw.callTimes()); got != 4 {
		t.Errorf("TurnOn calls after a new event = %d, want 4", got)
	}
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.sw.errs = []error{power.ErrRemote}

	res := h.mon.retry(context.Background(), wake.Event{Source: "test", At: h.clk.Now()})

	if !res.Success {
		t.Error("Success = false, want true")
	}
	if got := len(h.sw.callTimes()); got != 2 {
		t.Errorf("TurnOn calls = %d, want 2", got)
	}
}

func TestRetry_NotConfiguredIsNotRetried(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.sw.errs = []error{power.ErrNotConfigured, power.ErrNotConfigured}
	start := h.clk.Now()

	res := h.mon.retry(context.Background(), wake.Event{Source: "test", At: start})

	if res.Success {
		t.Error("Success = true, want false")
	}
	if got := len(h.sw.callTimes()); got != 1 {
		t.Errorf("TurnOn calls = %d, want 1", got)
	}
	if h.clk.Since(start) != 0 {
		t.Errorf("clock advanced %v, want no retry delay", h.clk.Since(start))
	}
}

func TestRetry_PublishesResult(t *testing.T) {
	h := newHarness(t, presence.Present)

	var got WakeResult
	h.bus.Subscribe(TopicWakeProcessed, func(_ context.Context, e event.Event) {
		got = e.Payload.(WakeResult)
	})

	res := h.mon.retry(context.Background(), wake.Event{Source: "test", At: h.clk.Now()})
	if got.ID != res.ID || !got.Success {
		t.Errorf("published %+v, want %+v", got, res)
	}
}

func TestHandleWake_Gate(t *testing.T) {
	tests := []struct {
		name      string
		start     bool
		state     presence.DeviceState
		wantCalls int
	}{
		{"stopped", false, presence.Present, 0},
		{"running present", true, presence.Present, 1},
		{"running unknown", true, presence.Unknown, 1},
		{"running absent", true, presence.Absent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.state)
			if tt.start {
				h.mon.Start(context.Background())
			}
			// Stopped monitors have no bus handler, so call it directly.
			h.mon.handleWake(context.Background(), event.Event{
				Topic:   wake.TopicDetected,
				Payload: wake.Event{Source: "test", At: h.clk.Now()},
			})
			if got := len(h.sw.callTimes()); got != tt.wantCalls {
				t.Errorf("TurnOn calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestHandleWake_Debounced(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.mon.Start(context.Background())

	t0 := h.clk.Now()
	h.wake(t, t0)
	h.wake(t, t0.Add(10*time.Second))
	h.wake(t, t0.Add(25*time.Second))

	if got := len(h.sw.callTimes()); got != 2 {
		t.Errorf("TurnOn calls = %d, want 2", got)
	}
}

func TestHandleWake_SingleFlight(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.sw.block = make(chan struct{})
	h.sw.entered = make(chan struct{}, 4)
	h.mon.Start(context.Background())

	t0 := h.clk.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wake(t, t0)
	}()
	<-h.sw.entered

	if !h.mon.debouncer.Busy() {
		t.Fatal("debouncer not busy during retry loop")
	}
	// Outside the debounce window, but a loop is still in flight.
	h.wake(t, t0.Add(time.Minute))

	close(h.sw.block)
	<-done

	if got := len(h.sw.callTimes()); got != 1 {
		t.Errorf("TurnOn calls = %d, want 1", got)
	}
	if h.mon.debouncer.Busy() {
		t.Error("debouncer still busy after loop ended")
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, presence.Present)

	h.mon.Pause()
	if got := h.mon.State(); got != Stopped {
		t.Fatalf("Pause from stopped: State() = %v, want stopped", got)
	}

	h.mon.Start(context.Background())
	h.mon.Pause()
	if got := h.mon.State(); got != Paused {
		t.Fatalf("State() = %v, want paused", got)
	}
	if got := h.bus.HandlerCount(wake.TopicDetected); got != 0 {
		t.Errorf("wake handlers while paused = %d, want 0", got)
	}

	h.mon.Resume()
	if got := h.mon.State(); got != Running {
		t.Fatalf("State() = %v, want running", got)
	}
	if got := h.bus.HandlerCount(wake.TopicDetected); got != 1 {
		t.Errorf("wake handlers after resume = %d, want 1", got)
	}

	h.mon.Pause()
	h.mon.Stop()
	if got := h.mon.State(); got != Stopped {
		t.Errorf("Stop from paused: State() = %v, want stopped", got)
	}
}

func TestRestart(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.mon.Start(context.Background())
	start := h.clk.Now()

	h.mon.Restart()

	if got := h.mon.State(); got != Running {
		t.Fatalf("State() = %v, want running", got)
	}
	if got := h.bus.HandlerCount(wake.TopicDetected); got != 1 {
		t.Errorf("wake handlers = %d, want 1", got)
	}
	if got := h.clk.Since(start); got < time.Second {
		t.Errorf("restart settle = %v, want at least 1s", got)
	}
}

func TestStateChangeEvents(t *testing.T) {
	h := newHarness(t, presence.Present)

	var mu sync.Mutex
	var changes []StateChange
	h.bus.Subscribe(TopicStateChanged, func(_ context.Context, e event.Event) {
		mu.Lock()
		changes = append(changes, e.Payload.(StateChange))
		mu.Unlock()
	})

	h.mon.Start(context.Background())
	h.mon.Start(context.Background())
	h.mon.Pause()
	h.bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("got %d state changes, want 2: %+v", len(changes), changes)
	}
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.mon.Reconfigure(Settings{CheckInterval: time.Second, DebounceWindow: time.Minute})

	s := h.mon.Settings()
	if s.CheckInterval != MinCheckInterval {
		t.Errorf("CheckInterval = %v, want %v", s.CheckInterval, MinCheckInterval)
	}
	if s.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", s.MaxAttempts)
	}

	h.mon.Start(context.Background())
	t0 := h.clk.Now()
	h.wake(t, t0)
	h.wake(t, t0.Add(30*time.Second))
	if got := len(h.sw.callTimes()); got != 1 {
		t.Errorf("TurnOn calls = %d, want 1 with a 1m debounce window", got)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, presence.Present)
	h.mon.Start(context.Background())

	st := h.mon.Status()
	if st.State != "running" || st.Device != "present" || st.Power != "on" {
		t.Errorf("Status() = %+v", st)
	}
	if st.LastWake != nil {
		t.Errorf("LastWake = %v, want nil before any wake", st.LastWake)
	}

	h.wake(t, h.clk.Now())
	if st := h.mon.Status(); st.LastWake == nil {
		t.Error("LastWake = nil after a processed wake")
	}
}
