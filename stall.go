package poweredup

import (
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// stallGuard watches a motor's raw tacho value while a command runs. Once
// armed it samples a baseline and rechecks after the configured window: if
// the value moved less than the bias the motor is declared stalled, otherwise
// the baseline advances and the window restarts. Terminal feedback, a stop,
// or a superseding command cancels the guard.
type stallGuard struct {
	logger  logging.Logger
	readRaw func() int32

	mu        sync.Mutex
	armed     bool
	window    time.Duration
	bias      int32
	baseline  int32
	timer     *time.Timer
	onStalled func()

	stalled *signal
}

func newStallGuard(logger logging.Logger, readRaw func() int32) *stallGuard {
	return &stallGuard{
		logger:  logger,
		readRaw: readRaw,
		stalled: newSignal(),
	}
}

// Arm starts a fresh watch. An already armed guard is re-armed with the new
// parameters.
func (s *stallGuard) Arm(window time.Duration, bias int32, onStalled func()) {
	if window <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.armed = true
	s.window = window
	s.bias = bias
	s.baseline = s.readRaw()
	s.onStalled = onStalled
	s.stalled.Clear()
	s.timer = time.AfterFunc(window, s.check)
}

// Cancel stops the watch. Safe to call repeatedly and on a guard that never
// was armed.
func (s *stallGuard) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *stallGuard) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
}

// Stalled reports whether the last armed watch tripped.
func (s *stallGuard) Stalled() bool {
	return s.stalled.IsSet()
}

func (s *stallGuard) check() {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	current := s.readRaw()
	delta := current - s.baseline
	if delta < 0 {
		delta = -delta
	}
	if delta >= s.bias {
		// Still moving, advance the baseline and keep watching.
		s.baseline = current
		s.timer = time.AfterFunc(s.window, s.check)
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.timer = nil
	onStalled := s.onStalled
	s.mu.Unlock()

	s.logger.Warnf("motor stalled: tacho moved %d counts in %v", delta, s.window)
	s.stalled.Set()
	if onStalled != nil {
		goutils.PanicCapturingGo(onStalled)
	}
}
