// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

// Epoch is a fixed start time for fake clocks.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFakeClock returns a fake clock set to Epoch.
func NewFakeClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(Epoch)
}

// Eventually polls cond every millisecond and fails the test if it is
// still false after two seconds.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitForWaiters blocks until some goroutine is waiting on the fake clock.
func WaitForWaiters(t testing.TB, fc *testingclock.FakeClock) {
	t.Helper()
	Eventually(t, "a clock waiter", fc.HasWaiters)
}
