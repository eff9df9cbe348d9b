package poweredup

import (
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

func TestStallGuardTripsOnNoMovement(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var raw atomic.Int32
	raw.Store(100)

	tripped := make(chan struct{})
	guard := newStallGuard(logger, raw.Load)
	guard.Arm(50*time.Millisecond, 5, func() { close(tripped) })

	// The tacho never moves, so one full window must declare a stall.
	select {
	case <-tripped:
	case <-time.After(time.Second):
		t.Fatal("stall guard did not trip")
	}
	if !guard.Stalled() {
		t.Fatal("guard should report stalled")
	}
}

func TestStallGuardAdvancesBaselineWhileMoving(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var raw atomic.Int32
	raw.Store(100)

	guard := newStallGuard(logger, raw.Load)
	guard.Arm(50*time.Millisecond, 5, nil)

	// Keep the tacho moving across several windows.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		raw.Add(20)
	}
	if guard.Stalled() {
		t.Fatal("moving motor must not report stalled")
	}
	guard.Cancel()
}

func TestStallGuardCancel(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var raw atomic.Int32

	guard := newStallGuard(logger, raw.Load)
	guard.Arm(30*time.Millisecond, 5, nil)
	guard.Cancel()
	guard.Cancel() // idempotent

	time.Sleep(80 * time.Millisecond)
	if guard.Stalled() {
		t.Fatal("cancelled guard must not trip")
	}
}

func TestStallGuardRearmResetsState(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var raw atomic.Int32

	guard := newStallGuard(logger, raw.Load)
	guard.Arm(30*time.Millisecond, 5, nil)

	deadline := time.Now().Add(time.Second)
	for !guard.Stalled() {
		if time.Now().After(deadline) {
			t.Fatal("guard did not trip")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A new watch starts clean.
	guard.Arm(time.Hour, 5, nil)
	if guard.Stalled() {
		t.Fatal("re-armed guard must clear the stalled state")
	}
	guard.Cancel()
}

func TestStallGuardZeroWindowIsNoop(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var raw atomic.Int32

	guard := newStallGuard(logger, raw.Load)
	guard.Arm(0, 5, nil)
	time.Sleep(30 * time.Millisecond)
	if guard.Stalled() {
		t.Fatal("zero window must not arm the guard")
	}
}
