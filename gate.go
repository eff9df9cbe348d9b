package poweredup

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// errGateClosed is returned by Acquire after the gate's device disconnects.
var errGateClosed = errors.New("port gate closed")

// gate serializes command execution on one port. At most one command holds
// the gate at a time; the holder keeps it until the hub reports a terminal
// feedback for the command, at which point the listener releases it.
type gate struct {
	slot   chan struct{} // capacity 1; holding the token means holding the gate
	closed chan struct{}
	once   sync.Once
}

func newGate() *gate {
	g := &gate{
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	g.slot <- struct{}{}
	return g
}

// Acquire blocks until the gate is free, the context is done, or the gate is
// closed.
func (g *gate) Acquire(ctx context.Context) error {
	select {
	case <-g.slot:
		return nil
	case <-g.closed:
		return errGateClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Releasing a free gate is a no-op so that the
// feedback path and error paths may both call it.
func (g *gate) Release() {
	select {
	case g.slot <- struct{}{}:
	default:
	}
}

// Close permanently fails all pending and future acquisitions.
func (g *gate) Close() {
	g.once.Do(func() { close(g.closed) })
}

// signal is a level-triggered condition: Set latches it, Clear resets it, and
// Wait blocks until it is set. Waiters observing an already-set signal return
// immediately.
type signal struct {
	mu   sync.Mutex
	set  bool
	wake chan struct{}
}

func newSignal() *signal {
	return &signal{wake: make(chan struct{})}
}

// Set latches the signal and wakes all current waiters.
func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	close(s.wake)
	s.wake = make(chan struct{})
}

// Clear resets the signal.
func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = false
}

// IsSet reports the current level.
func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set or the context is done.
func (s *signal) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.set {
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
