package poweredup

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

var errNotAttached = errors.New("virtual port not attached")

// SynchronizedMotor pairs two motors behind a hub virtual port so that
// movement commands affect both in lockstep. Commands acquire three gates,
// virtual first then both constituents, and release them in reverse order
// once terminal feedback arrived for both motors.
type SynchronizedMotor struct {
	name   string
	logger logging.Logger

	motorA *SingleMotor
	motorB *SingleMotor

	conn  *Conn
	gate  *gate
	stall *stallGuard

	serverConnected *signal
	attached        *signal

	closeCtx     context.Context
	closeFn      context.CancelFunc
	listenerDone chan struct{}

	mu           sync.Mutex
	port         byte // provisional until the hub assigns the real id
	portAssigned bool
	doneA        bool
	doneB        bool
	finishedA    bool
	finishedB    bool
	pending      chan bool // outcome channel of the in-flight command
	armStall     *stallArm
	rawValue     int32
}

// NewSynchronizedMotor builds an unconnected pair. The two motors must sit
// on distinct ports of the same hub.
func NewSynchronizedMotor(name string, motorA, motorB *SingleMotor, logger logging.Logger) (*SynchronizedMotor, error) {
	if motorA == nil || motorB == nil {
		return nil, errors.New("both motors are required")
	}
	if motorA.Port() == motorB.Port() {
		return nil, errors.Errorf("motors share port 0x%02x", motorA.Port())
	}
	if logger == nil {
		logger = logging.NewLogger(name)
	}
	v := &SynchronizedMotor{
		name:            name,
		logger:          logger,
		motorA:          motorA,
		motorB:          motorB,
		gate:            newGate(),
		serverConnected: newSignal(),
		attached:        newSignal(),
		port:            provisionalVirtualPort(motorA.Port(), motorB.Port()),
	}
	v.stall = newStallGuard(logger, v.RawValue)
	return v, nil
}

// provisionalVirtualPort derives a placeholder id for the pair until the hub
// announces the authoritative one.
func provisionalVirtualPort(portA, portB byte) byte {
	return 110 + portA + 2*portB
}

// Name returns the pair's name.
func (v *SynchronizedMotor) Name() string { return v.name }

// Connected reports whether the server registration is currently live.
func (v *SynchronizedMotor) Connected() bool { return v.serverConnected.IsSet() }

// VirtualPort returns the current virtual port id and whether the hub has
// assigned it yet.
func (v *SynchronizedMotor) VirtualPort() (byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.port, v.portAssigned
}

// Connect dials the hub server, registers the provisional port and asks the
// hub to pair the two physical ports. It returns once the hub announced the
// virtual attachment.
func (v *SynchronizedMotor) Connect(ctx context.Context) error {
	conn, err := Dial(v.motorA.cfg.Address, v.motorA.cfg.BaudRate)
	if err != nil {
		return err
	}
	return v.connect(ctx, conn)
}

// ConnectStream runs the same handshake over an established byte stream.
func (v *SynchronizedMotor) ConnectStream(ctx context.Context, stream io.ReadWriteCloser) error {
	return v.connect(ctx, NewConn(stream))
}

func (v *SynchronizedMotor) connect(ctx context.Context, conn *Conn) error {
	v.conn = conn
	v.closeCtx, v.closeFn = context.WithCancel(context.Background())
	v.listenerDone = make(chan struct{})
	goutils.PanicCapturingGo(v.listen)

	var connectErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		v.mu.Lock()
		port := v.port
		v.mu.Unlock()
		if err := conn.WriteMessage(ExtServerConnectRequest(port)); err != nil {
			connectErr = err
			break
		}
		waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		connectErr = v.serverConnected.Wait(waitCtx)
		cancel()
		if connectErr == nil {
			break
		}
		v.logger.Debugf("virtual port: server registration attempt %d failed", attempt)
	}
	if connectErr != nil {
		v.close()
		return errors.Wrap(connectErr, "virtual port: failed to register with hub server")
	}

	setup := SetupVirtualPort{Connect: true, PortA: v.motorA.Port(), PortB: v.motorB.Port()}
	if err := conn.WriteMessage(setup.Encode()); err != nil {
		v.close()
		return err
	}
	if err := v.attached.Wait(ctx); err != nil {
		v.close()
		return errors.Wrap(err, "virtual port attachment not confirmed")
	}

	v.mu.Lock()
	port := v.port
	v.mu.Unlock()
	if err := conn.WriteMessage((PortNotificationRequest{Port: port}).Encode()); err != nil {
		v.close()
		return err
	}
	v.logger.Infof("pair %s attached on virtual port 0x%02x", v.name, port)
	return nil
}

// Close dissolves the virtual port and tears down the connection. The
// teardown frame is only written once the in-flight command, if any, has
// settled: it waits for the virtual gate and both constituent gates.
func (v *SynchronizedMotor) Close() error {
	v.mu.Lock()
	port := v.port
	assigned := v.portAssigned
	v.mu.Unlock()
	if v.conn != nil && assigned {
		waitCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		if err := v.acquireGates(waitCtx); err != nil {
			v.logger.Warnf("virtual port teardown before commands settled: %v", err)
		} else {
			defer v.releaseGates()
		}
		cancel()
		teardown := SetupVirtualPort{Port: port}
		if err := v.conn.WriteMessage(teardown.Encode()); err != nil {
			v.logger.Debugf("virtual port teardown: %v", err)
		}
	}
	v.close()
	return nil
}

func (v *SynchronizedMotor) close() {
	v.stall.Cancel()
	if v.closeFn != nil {
		v.closeFn()
	}
	v.gate.Close()
	if v.conn != nil {
		if err := v.conn.Close(); err != nil {
			v.logger.Debugf("close: %v", err)
		}
	}
	if v.listenerDone != nil {
		<-v.listenerDone
	}
}

func (v *SynchronizedMotor) listen() {
	defer close(v.listenerDone)
	for {
		buf, err := v.conn.ReadMessage()
		if err != nil {
			v.logger.Debugf("virtual port: listener stopped: %v", err)
			v.serverLost()
			return
		}
		msg, err := DecodeUpstream(buf)
		if err != nil {
			v.logger.Warnf("virtual port: dropping message: %v", err)
			continue
		}
		v.dispatch(msg)
	}
}

// serverLost tears the pair down after the connection died or the server
// dropped the registration. Closing the gate and the connection wakes the
// current waiter with errDisconnected; the constituent gates are released
// only when the pair itself held them for an in-flight command. Every step
// is idempotent, so the listener's read-error path may run it again after
// the connection close unblocks ReadMessage.
func (v *SynchronizedMotor) serverLost() {
	v.serverConnected.Clear()
	v.stall.Cancel()
	v.closeFn()
	v.gate.Close()
	v.mu.Lock()
	inFlight := v.pending != nil
	v.pending = nil
	v.armStall = nil
	v.mu.Unlock()
	if inFlight {
		v.motorB.gate.Release()
		v.motorA.gate.Release()
	}
	if err := v.conn.Close(); err != nil {
		v.logger.Debugf("close after server disconnect: %v", err)
	}
}

// acquireGates takes the virtual gate and then both constituent gates, so
// that neither physical motor can slip a command between the pair's.
func (v *SynchronizedMotor) acquireGates(ctx context.Context) error {
	if err := v.gate.Acquire(ctx); err != nil {
		return err
	}
	if err := v.motorA.gate.Acquire(ctx); err != nil {
		v.gate.Release()
		return err
	}
	if err := v.motorB.gate.Acquire(ctx); err != nil {
		v.motorA.gate.Release()
		v.gate.Release()
		return err
	}
	return nil
}

func (v *SynchronizedMotor) releaseGates() {
	v.motorB.gate.Release()
	v.motorA.gate.Release()
	v.gate.Release()
}

func (v *SynchronizedMotor) dispatch(msg Message) {
	switch t := msg.(type) {
	case ExtServerNotification:
		switch t.Event {
		case EventServerConnected:
			v.serverConnected.Set()
		case EventServerDisconnected:
			v.logger.Warnf("virtual port 0x%02x: server dropped the registration", v.currentPort())
			v.serverLost()
		}
	case HubAttachedIO:
		switch t.Event {
		case EventVirtualIOAttached:
			if t.PortA != v.motorA.Port() || t.PortB != v.motorB.Port() {
				v.logger.Warnf("virtual attachment for foreign ports 0x%02x/0x%02x", t.PortA, t.PortB)
				return
			}
			v.mu.Lock()
			v.port = t.Port
			v.portAssigned = true
			v.mu.Unlock()
			v.attached.Set()
		case EventIODetached:
			v.mu.Lock()
			match := t.Port == v.port
			v.mu.Unlock()
			if match {
				v.attached.Clear()
			}
		}
	case PortValue:
		v.mu.Lock()
		if t.Port == v.port {
			v.rawValue = t.RawValue
		}
		v.mu.Unlock()
	case CommandFeedback:
		v.handleFeedback(t)
	case GenericErrorNotification:
		v.logger.Errorf("virtual port: %v", t)
		v.finish(false)
	}
}

// handleFeedback tracks terminal feedback per constituent. The pair's
// command only completes once both motors reported a terminal status; a
// terminal status addressed to the virtual port counts for both.
func (v *SynchronizedMotor) handleFeedback(m CommandFeedback) {
	v.mu.Lock()
	port := v.port
	v.mu.Unlock()

	touched := false
	for _, pf := range m.Ports {
		if pf.Port == port && pf.Feedback.Started() {
			v.mu.Lock()
			arm := v.armStall
			v.mu.Unlock()
			if arm != nil {
				v.stall.Arm(arm.window, arm.bias, arm.onStalled)
			}
			continue
		}
		if !pf.Feedback.Terminal() {
			continue
		}
		finished := pf.Feedback.Finished()
		v.mu.Lock()
		switch pf.Port {
		case port:
			v.doneA, v.doneB = true, true
			v.finishedA, v.finishedB = finished, finished
			touched = true
		case v.motorA.Port():
			v.doneA, v.finishedA = true, finished
			touched = true
		case v.motorB.Port():
			v.doneB, v.finishedB = true, finished
			touched = true
		}
		v.mu.Unlock()
	}
	if !touched {
		return
	}
	v.mu.Lock()
	both := v.doneA && v.doneB
	outcome := v.finishedA && v.finishedB
	v.mu.Unlock()
	if both {
		v.finish(outcome)
	}
}

// finish delivers the outcome and releases the gates in reverse acquisition
// order.
func (v *SynchronizedMotor) finish(outcome bool) {
	v.stall.Cancel()
	v.mu.Lock()
	pending := v.pending
	v.pending = nil
	v.armStall = nil
	v.mu.Unlock()
	if pending != nil {
		pending <- outcome
	}
	v.releaseGates()
}

// execute runs one synced command under all three gates.
func (v *SynchronizedMotor) execute(ctx context.Context, buf []byte, opts CmdOptions) (bool, error) {
	if v.conn == nil {
		return false, errors.Wrap(errNotAttached, v.name)
	}
	if !v.attached.IsSet() {
		return false, errors.Wrap(errNotAttached, v.name)
	}
	if err := v.acquireGates(ctx); err != nil {
		return false, err
	}

	abort := func(err error) (bool, error) {
		v.releaseGates()
		return false, err
	}

	if err := v.preSend(ctx, opts); err != nil {
		return abort(err)
	}

	done := make(chan bool, 1)
	v.mu.Lock()
	v.doneA, v.doneB = false, false
	v.finishedA, v.finishedB = false, false
	v.pending = done
	v.armStall = nil
	if opts.TimeToStalled > 0 {
		v.armStall = &stallArm{window: opts.TimeToStalled, bias: v.stallBias(), onStalled: opts.OnStalled}
	}
	v.mu.Unlock()

	if err := v.conn.WriteMessage(buf); err != nil {
		v.mu.Lock()
		v.pending = nil
		v.armStall = nil
		v.mu.Unlock()
		return abort(err)
	}

	var outcome bool
	select {
	case outcome = <-done:
	case <-ctx.Done():
		// Still in flight; the gates stay held until the hub answers or
		// the connection dies.
		return false, ctx.Err()
	case <-v.closeCtx.Done():
		return false, errors.Wrap(errDisconnected, v.name)
	}
	if opts.DelayAfter > 0 {
		if err := v.sleep(ctx, opts.DelayAfter); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (v *SynchronizedMotor) preSend(ctx context.Context, opts CmdOptions) error {
	if opts.DelayBefore > 0 {
		if err := v.sleep(ctx, opts.DelayBefore); err != nil {
			return err
		}
	}
	if opts.WaitCond != nil {
		waitCtx := ctx
		if opts.WaitCondTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, opts.WaitCondTimeout)
			defer cancel()
		}
		for !opts.WaitCond() {
			if err := v.sleep(waitCtx, waitCondPoll); err != nil {
				return errors.Wrap(err, "wait condition not met")
			}
		}
	}
	return nil
}

// stallBias is the larger of the two constituents' biases; the virtual
// port's tacho count moves roughly twice as fast as either motor's.
func (v *SynchronizedMotor) stallBias() int32 {
	bias := int32(v.motorA.cfg.StallBias)
	if b := int32(v.motorB.cfg.StallBias); b > bias {
		bias = b
	}
	return bias
}

func (v *SynchronizedMotor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-v.closeCtx.Done():
		return errDisconnected
	}
}

func (v *SynchronizedMotor) currentPort() byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.port
}

// StartSpeeds turns both motors at their own regulated speeds until stopped.
func (v *SynchronizedMotor) StartSpeeds(ctx context.Context, speedA, speedB int, opts CmdOptions) (bool, error) {
	cmd := StartSpeed{
		Port:           v.currentPort(),
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Synced:         true,
		SpeedA:         v.motorA.signed(speedA),
		SpeedB:         v.motorB.signed(speedB),
		AbsMaxPower:    opts.absMaxPower(),
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return v.execute(ctx, cmd.Encode(), opts)
}

// StartPowers turns both motors unregulated at their own raw powers.
func (v *SynchronizedMotor) StartPowers(ctx context.Context, powerA, powerB int, opts CmdOptions) (bool, error) {
	cmd := StartPower{
		Port:           v.currentPort(),
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Synced:         true,
		PowerA:         v.motorA.signed(powerA),
		PowerB:         v.motorB.signed(powerB),
		AbsMaxPower:    opts.absMaxPower(),
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return v.execute(ctx, cmd.Encode(), opts)
}

// StartMoveDegrees turns the pair by an output-shaft angle. The wire degrees
// are the average of both gear-scaled angles, matching how the hub splits the
// movement across the two motors.
func (v *SynchronizedMotor) StartMoveDegrees(ctx context.Context, degrees float64, speedA, speedB int, opts CmdOptions) (bool, error) {
	if degrees < 0 {
		degrees = -degrees
		speedA, speedB = -speedA, -speedB
	}
	scaled := (math.Round(degrees*v.motorA.GearRatio()) + math.Round(degrees*v.motorB.GearRatio())) / 2
	cmd := StartMoveDegrees{
		Port:           v.currentPort(),
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Synced:         true,
		Degrees:        uint32(math.Round(scaled)),
		SpeedA:         v.motorA.signed(speedA),
		SpeedB:         v.motorB.signed(speedB),
		AbsMaxPower:    opts.absMaxPower(),
		OnCompletion:   opts.OnCompletion,
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return v.execute(ctx, cmd.Encode(), opts)
}

// StartSpeedsForTime turns both motors for a duration, then applies the end
// state.
func (v *SynchronizedMotor) StartSpeedsForTime(ctx context.Context, d time.Duration, speedA, speedB int, opts CmdOptions) (bool, error) {
	cmd := StartMoveTime{
		Port:           v.currentPort(),
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Synced:         true,
		Time:           uint16(d.Milliseconds()),
		SpeedA:         v.motorA.signed(speedA),
		SpeedB:         v.motorB.signed(speedB),
		Power:          opts.absMaxPower(),
		OnCompletion:   opts.OnCompletion,
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return v.execute(ctx, cmd.Encode(), opts)
}

// GotoAbsolutePositions turns each motor to its own absolute position so that
// both arrive together.
func (v *SynchronizedMotor) GotoAbsolutePositions(ctx context.Context, degreesA, degreesB float64, speed int, opts CmdOptions) (bool, error) {
	cmd := GotoAbsolutePosition{
		Port:           v.currentPort(),
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Synced:         true,
		AbsPosA:        int32(math.Round(degreesA * v.motorA.GearRatio() * float64(v.motorA.cfg.direction()))),
		AbsPosB:        int32(math.Round(degreesB * v.motorB.GearRatio() * float64(v.motorB.cfg.direction()))),
		Speed:          speed,
		AbsMaxPower:    opts.absMaxPower(),
		OnCompletion:   opts.OnCompletion,
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return v.execute(ctx, cmd.Encode(), opts)
}

// PresetPositions presets both tacho counters, typically to zero them before
// a synchronized run.
func (v *SynchronizedMotor) PresetPositions(ctx context.Context, valueA, valueB int32, opts CmdOptions) (bool, error) {
	cmd := PresetEncoderPair{Port: v.currentPort(), ValueA: valueA, ValueB: valueB}
	return v.execute(ctx, cmd.Encode(), opts)
}

// Stop cuts power on both motors.
func (v *SynchronizedMotor) Stop(ctx context.Context, opts CmdOptions) (bool, error) {
	return v.StartPowers(ctx, int(EndStateCoast), int(EndStateCoast), opts)
}

// Stalled reports whether the stall guard tripped during the current or
// most recent synced command.
func (v *SynchronizedMotor) Stalled() bool { return v.stall.Stalled() }

// RawValue returns the last tacho count reported for the virtual port.
func (v *SynchronizedMotor) RawValue() int32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rawValue
}
