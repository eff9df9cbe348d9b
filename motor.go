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

// connectAttempts is how often the server registration is retried before
// giving up.
const (
	connectAttempts = 2
	connectTimeout  = 2 * time.Second
	waitCondPoll    = 10 * time.Millisecond
)

var errDisconnected = errors.New("disconnected while command in flight")

// feedbackLogSize bounds the per-motor feedback history.
const feedbackLogSize = 32

// FeedbackEntry is one received feedback byte with its arrival time.
type FeedbackEntry struct {
	At       time.Time
	Feedback FeedbackByte
}

// stallArm is a stall-watch request stashed with the in-flight command; the
// guard is armed once the hub reports the command started.
type stallArm struct {
	window    time.Duration
	bias      int32
	onStalled func()
}

// SingleMotor drives one motor port of the hub. Every command acquires the
// port's gate before touching the wire and the gate stays held until the hub
// reports a terminal feedback, so at most one command is in flight per port
// at any time.
type SingleMotor struct {
	cfg    MotorConfig
	port   byte
	logger logging.Logger

	conn *Conn
	gate *gate

	serverConnected *signal
	attached        *signal
	notified        *signal
	cmdStarted      *signal
	stall           *stallGuard

	closeCtx context.Context
	closeFn  context.CancelFunc

	listenerDone chan struct{}

	mu           sync.Mutex
	deviceType   uint16
	rawValue     int32
	distance     float64 // mm travelled, all directions summed
	lastFeedback FeedbackByte
	feedbackLog  []FeedbackEntry
	lastError    error
	pending      chan bool // outcome channel of the in-flight command
	busy         bool
	armStall     *stallArm   // armed on the started feedback of the in-flight command
	accProfiles  map[int]int // profile nr -> ms
	decProfiles  map[int]int
	markTime     time.Time // speed measurement marker
	markRaw      int32
}

// NewSingleMotor validates the config and builds an unconnected motor.
func NewSingleMotor(cfg MotorConfig) (*SingleMotor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Name)
	}
	m := &SingleMotor{
		cfg:             cfg,
		port:            byte(cfg.Port),
		logger:          logger,
		gate:            newGate(),
		serverConnected: newSignal(),
		attached:        newSignal(),
		notified:        newSignal(),
		cmdStarted:      newSignal(),
		accProfiles:     map[int]int{},
		decProfiles:     map[int]int{},
	}
	m.stall = newStallGuard(logger, m.RawValue)
	return m, nil
}

// Name returns the configured motor name.
func (m *SingleMotor) Name() string { return m.cfg.Name }

// Port returns the hub port this motor sits on.
func (m *SingleMotor) Port() byte { return m.port }

// GearRatio returns the configured gear ratio.
func (m *SingleMotor) GearRatio() float64 { return m.cfg.GearRatio }

// Connect dials the hub server, registers the port and enables value and
// feedback notifications. The registration is retried once before failing.
func (m *SingleMotor) Connect(ctx context.Context) error {
	conn, err := Dial(m.cfg.Address, m.cfg.BaudRate)
	if err != nil {
		return err
	}
	return m.connect(ctx, conn)
}

// ConnectStream runs the same handshake over an already established byte
// stream.
func (m *SingleMotor) ConnectStream(ctx context.Context, stream io.ReadWriteCloser) error {
	return m.connect(ctx, NewConn(stream))
}

func (m *SingleMotor) connect(ctx context.Context, conn *Conn) error {
	m.conn = conn
	m.closeCtx, m.closeFn = context.WithCancel(context.Background())
	m.listenerDone = make(chan struct{})
	goutils.PanicCapturingGo(m.listen)

	var connectErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := conn.WriteMessage(ExtServerConnectRequest(m.port)); err != nil {
			connectErr = err
			break
		}
		waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		connectErr = m.serverConnected.Wait(waitCtx)
		cancel()
		if connectErr == nil {
			break
		}
		m.logger.Debugf("port 0x%02x: server registration attempt %d failed", m.port, attempt)
	}
	if connectErr != nil {
		m.close()
		return errors.Wrapf(connectErr, "port 0x%02x: failed to register with hub server", m.port)
	}

	if err := conn.WriteMessage((PortNotificationRequest{Port: m.port}).Encode()); err != nil {
		m.close()
		return err
	}
	m.logger.Infof("motor %s connected on port 0x%02x", m.cfg.Name, m.port)
	return nil
}

// Close tears down the connection. Commands awaiting feedback fail with a
// disconnect error instead of hanging.
func (m *SingleMotor) Close() error {
	m.close()
	return nil
}

func (m *SingleMotor) close() {
	if m.closeFn != nil {
		m.closeFn()
	}
	m.stall.Cancel()
	m.gate.Close()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debugf("close: %v", err)
		}
	}
	if m.listenerDone != nil {
		<-m.listenerDone
	}
}

// Connected reports whether the server registration is currently live.
func (m *SingleMotor) Connected() bool { return m.serverConnected.IsSet() }

// Attached blocks until the hub announces a device on this port.
func (m *SingleMotor) Attached(ctx context.Context) error { return m.attached.Wait(ctx) }

func (m *SingleMotor) listen() {
	defer close(m.listenerDone)
	for {
		buf, err := m.conn.ReadMessage()
		if err != nil {
			m.logger.Debugf("port 0x%02x: listener stopped: %v", m.port, err)
			m.serverConnected.Clear()
			m.closeFn()
			m.gate.Close()
			m.stall.Cancel()
			return
		}
		if m.cfg.Debug {
			m.logger.Debugf("port 0x%02x <- % x", m.port, buf)
		}
		msg, err := DecodeUpstream(buf)
		if err != nil {
			m.logger.Warnf("port 0x%02x: dropping message: %v", m.port, err)
			continue
		}
		m.dispatch(msg)
	}
}

func (m *SingleMotor) dispatch(msg Message) {
	switch t := msg.(type) {
	case ExtServerNotification:
		if t.Port != m.port {
			return
		}
		switch t.Event {
		case EventServerConnected:
			m.serverConnected.Set()
		case EventServerDisconnected:
			m.logger.Warnf("port 0x%02x: server dropped the registration", m.port)
			m.serverLost()
		}
	case HubAttachedIO:
		if t.Port != m.port {
			return
		}
		switch t.Event {
		case EventIOAttached:
			m.mu.Lock()
			m.deviceType = t.DeviceType
			m.mu.Unlock()
			m.attached.Set()
		case EventIODetached:
			m.attached.Clear()
		}
	case PortNotification:
		if t.Port == m.port {
			m.notified.Set()
		}
	case PortValue:
		if t.Port == m.port {
			m.updateValue(t.RawValue)
		}
	case CommandFeedback:
		fb, ok := t.For(m.port)
		if !ok {
			return
		}
		m.handleFeedback(fb)
	case GenericErrorNotification:
		m.logger.Errorf("port 0x%02x: %v", m.port, t)
		m.mu.Lock()
		m.lastError = t
		m.mu.Unlock()
		m.stall.Cancel()
		m.settle(false)
	case HubActionNotification:
		if t.Action == HubActionWillSwitchOff || t.Action == HubActionWillDisconnect {
			m.logger.Infof("hub announced shutdown (0x%02x)", t.Action)
		}
	}
}

// serverLost tears the port down after the proxy server dropped the
// registration mid-session. The command waiter observes the disconnect
// instead of hanging on feedback that will never come.
func (m *SingleMotor) serverLost() {
	m.serverConnected.Clear()
	m.stall.Cancel()
	m.closeFn()
	m.gate.Close()
	if err := m.conn.Close(); err != nil {
		m.logger.Debugf("close after server disconnect: %v", err)
	}
}

func (m *SingleMotor) updateValue(rawValue int32) {
	m.mu.Lock()
	delta := math.Abs(float64(rawValue-m.rawValue)) / m.cfg.GearRatio
	m.distance += delta / 360.0 * math.Pi * m.cfg.WheelDiameter
	m.rawValue = rawValue
	m.mu.Unlock()
}

func (m *SingleMotor) handleFeedback(fb FeedbackByte) {
	m.mu.Lock()
	m.lastFeedback = fb
	m.feedbackLog = append(m.feedbackLog, FeedbackEntry{At: time.Now(), Feedback: fb})
	if len(m.feedbackLog) > feedbackLogSize {
		m.feedbackLog = m.feedbackLog[len(m.feedbackLog)-feedbackLogSize:]
	}
	m.mu.Unlock()
	if fb.Started() {
		m.mu.Lock()
		arm := m.armStall
		m.mu.Unlock()
		if arm != nil {
			m.stall.Arm(arm.window, arm.bias, arm.onStalled)
		}
		m.cmdStarted.Set()
		return
	}
	m.stall.Cancel()
	m.settle(fb.Finished())
}

// settle ends the in-flight command's lifecycle: deliver the outcome to the
// waiter, then free the port for the next command.
func (m *SingleMotor) settle(outcome bool) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.busy = false
	m.armStall = nil
	m.mu.Unlock()
	if pending != nil {
		pending <- outcome
	}
	m.gate.Release()
}

// execute runs one gated command: acquire the port, honor the option delays
// and conditions, send the frame, then block until the hub reports a terminal
// feedback. The returned bool is true when the command ran to completion and
// false when the hub discarded it.
func (m *SingleMotor) execute(ctx context.Context, buf []byte, opts CmdOptions) (bool, error) {
	if m.conn == nil {
		return false, errors.Errorf("port 0x%02x: not connected", m.port)
	}
	if err := m.gate.Acquire(ctx); err != nil {
		return false, errors.Wrapf(err, "port 0x%02x", m.port)
	}
	m.stall.Cancel()

	if err := m.preSend(ctx, opts); err != nil {
		m.gate.Release()
		return false, err
	}

	done := make(chan bool, 1)
	m.cmdStarted.Clear()
	m.mu.Lock()
	m.pending = done
	m.busy = true
	m.armStall = nil
	if opts.TimeToStalled > 0 {
		m.armStall = &stallArm{window: opts.TimeToStalled, bias: int32(m.cfg.StallBias), onStalled: opts.OnStalled}
	}
	m.mu.Unlock()

	if m.cfg.Debug {
		m.logger.Debugf("port 0x%02x -> % x", m.port, buf)
	}
	if err := m.conn.WriteMessage(buf); err != nil {
		m.mu.Lock()
		m.pending = nil
		m.busy = false
		m.armStall = nil
		m.mu.Unlock()
		m.gate.Release()
		return false, err
	}

	var outcome bool
	select {
	case outcome = <-done:
	case <-ctx.Done():
		// The command is still in flight; the gate stays held until the
		// hub answers or the connection dies.
		return false, ctx.Err()
	case <-m.closeCtx.Done():
		return false, errors.Wrapf(errDisconnected, "port 0x%02x", m.port)
	}

	if opts.DelayAfter > 0 {
		if err := m.sleep(ctx, opts.DelayAfter); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (m *SingleMotor) preSend(ctx context.Context, opts CmdOptions) error {
	if opts.DelayBefore > 0 {
		if err := m.sleep(ctx, opts.DelayBefore); err != nil {
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
			if err := m.sleep(waitCtx, waitCondPoll); err != nil {
				return errors.Wrap(err, "wait condition not met")
			}
		}
	}
	return nil
}

func (m *SingleMotor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closeCtx.Done():
		return errDisconnected
	}
}

// StartPower turns the motor unregulated at the given percent power until
// stopped. EndStateBrake and EndStateHold act as special power values.
func (m *SingleMotor) StartPower(ctx context.Context, power int, opts CmdOptions) (bool, error) {
	cmd := StartPower{
		Port:           m.port,
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Power:          m.signed(power),
	}
	return m.execute(ctx, cmd.Encode(), opts)
}

// checkProfiles rejects a command that references an acceleration or
// deceleration profile that was never registered with the hub.
func (m *SingleMotor) checkProfiles(opts CmdOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.UseAccProfile {
		if _, ok := m.accProfiles[opts.ProfileNr]; !ok {
			return errors.Errorf("acceleration profile %d not registered", opts.ProfileNr)
		}
	}
	if opts.UseDecProfile {
		if _, ok := m.decProfiles[opts.ProfileNr]; !ok {
			return errors.Errorf("deceleration profile %d not registered", opts.ProfileNr)
		}
	}
	return nil
}

// StartSpeed turns the motor at a regulated percent speed until stopped.
func (m *SingleMotor) StartSpeed(ctx context.Context, speed int, opts CmdOptions) (bool, error) {
	if err := m.checkProfiles(opts); err != nil {
		return false, err
	}
	cmd := StartSpeed{
		Port:           m.port,
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Speed:          m.signed(speed),
		AbsMaxPower:    opts.absMaxPower(),
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return m.execute(ctx, cmd.Encode(), opts)
}

// StartMoveDegrees turns the motor by the given output-shaft angle. The sign
// of degrees picks the direction; speed is a magnitude.
func (m *SingleMotor) StartMoveDegrees(ctx context.Context, degrees float64, speed int, opts CmdOptions) (bool, error) {
	if err := m.checkProfiles(opts); err != nil {
		return false, err
	}
	if speed < 0 {
		speed = -speed
	}
	if degrees < 0 {
		degrees = -degrees
		speed = -speed
	}
	cmd := StartMoveDegrees{
		Port:           m.port,
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Degrees:        uint32(math.Round(degrees * m.cfg.GearRatio)),
		Speed:          m.signed(speed),
		AbsMaxPower:    opts.absMaxPower(),
		OnCompletion:   opts.OnCompletion,
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return m.execute(ctx, cmd.Encode(), opts)
}

// StartSpeedForTime turns the motor at a regulated speed for a duration, then
// applies the end state.
func (m *SingleMotor) StartSpeedForTime(ctx context.Context, d time.Duration, speed int, opts CmdOptions) (bool, error) {
	if err := m.checkProfiles(opts); err != nil {
		return false, err
	}
	cmd := StartMoveTime{
		Port:           m.port,
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		Time:           uint16(d.Milliseconds()),
		Speed:          m.signed(speed),
		Power:          opts.absMaxPower(),
		OnCompletion:   opts.OnCompletion,
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return m.execute(ctx, cmd.Encode(), opts)
}

// GotoAbsolutePosition turns the motor to an absolute output-shaft position
// in degrees.
func (m *SingleMotor) GotoAbsolutePosition(ctx context.Context, degrees float64, speed int, opts CmdOptions) (bool, error) {
	if err := m.checkProfiles(opts); err != nil {
		return false, err
	}
	cmd := GotoAbsolutePosition{
		Port:           m.port,
		StartCond:      opts.StartCond,
		CompletionCond: opts.CompletionCond,
		AbsPos:         int32(math.Round(degrees * m.cfg.GearRatio * float64(m.cfg.direction()))),
		Speed:          speed,
		AbsMaxPower:    opts.absMaxPower(),
		OnCompletion:   opts.OnCompletion,
		ProfileNr:      opts.ProfileNr,
		UseAcc:         opts.UseAccProfile,
		UseDec:         opts.UseDecProfile,
	}
	return m.execute(ctx, cmd.Encode(), opts)
}

// SetAccProfile registers an acceleration profile on the hub and remembers
// its time for later lookup.
func (m *SingleMotor) SetAccProfile(ctx context.Context, profileNr, msToFullSpeed int, opts CmdOptions) (bool, error) {
	return m.setProfile(ctx, SubCmdSetAccProfile, profileNr, msToFullSpeed, opts)
}

// SetDecProfile registers a deceleration profile on the hub.
func (m *SingleMotor) SetDecProfile(ctx context.Context, profileNr, msToZeroSpeed int, opts CmdOptions) (bool, error) {
	return m.setProfile(ctx, SubCmdSetDecProfile, profileNr, msToZeroSpeed, opts)
}

func (m *SingleMotor) setProfile(ctx context.Context, subCmd byte, profileNr, ms int, opts CmdOptions) (bool, error) {
	buf, err := SetAccDecProfile{
		Port:            m.port,
		StartCond:       opts.StartCond,
		CompletionCond:  opts.CompletionCond,
		SubCmd:          subCmd,
		TimeToFullSpeed: ms,
		ProfileNr:       profileNr,
	}.Encode()
	if err != nil {
		return false, err
	}
	ok, err := m.execute(ctx, buf, opts)
	if err == nil && ok {
		m.mu.Lock()
		if subCmd == SubCmdSetAccProfile {
			m.accProfiles[profileNr] = ms
		} else {
			m.decProfiles[profileNr] = ms
		}
		m.mu.Unlock()
	}
	return ok, err
}

// Stop cuts power and lets the motor coast. A running stall watch is
// cancelled before the stop goes out.
func (m *SingleMotor) Stop(ctx context.Context, opts CmdOptions) (bool, error) {
	return m.StartPower(ctx, int(EndStateCoast), opts)
}

// Brake actively brakes the motor.
func (m *SingleMotor) Brake(ctx context.Context, opts CmdOptions) (bool, error) {
	return m.StartPower(ctx, int(EndStateBrake), opts)
}

// Hold holds the motor at the current position against external force.
func (m *SingleMotor) Hold(ctx context.Context, opts CmdOptions) (bool, error) {
	return m.StartPower(ctx, int(EndStateHold), opts)
}

// Reset presets the tacho counter to zero.
func (m *SingleMotor) Reset(ctx context.Context, opts CmdOptions) (bool, error) {
	return m.execute(ctx, WriteDirectPresetPosition(m.port, 0), opts)
}

// RequestPortNotification re-requests value updates, e.g. with a different
// delta interval.
func (m *SingleMotor) RequestPortNotification(ctx context.Context, req PortNotificationRequest) error {
	req.Port = m.port
	m.notified.Clear()
	if err := m.conn.WriteMessage(req.Encode()); err != nil {
		return err
	}
	return m.notified.Wait(ctx)
}

// RawValue returns the last reported tacho count.
func (m *SingleMotor) RawValue() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rawValue
}

// Position returns the output-shaft position in degrees.
func (m *SingleMotor) Position() float64 {
	return float64(m.RawValue()) / m.cfg.GearRatio
}

// PositionRadians returns the output-shaft position in radians.
func (m *SingleMotor) PositionRadians() float64 {
	return m.Position() * math.Pi / 180.0
}

// MarkSpeed places the measurement marker for AvgSpeed at the current
// position and time.
func (m *SingleMotor) MarkSpeed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markTime = time.Now()
	m.markRaw = m.rawValue
}

// AvgSpeed returns the average output-shaft speed in degrees per second since
// the last MarkSpeed call, or zero if no marker was placed.
func (m *SingleMotor) AvgSpeed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markTime.IsZero() {
		return 0
	}
	elapsed := time.Since(m.markTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.rawValue-m.markRaw) / m.cfg.GearRatio / elapsed
}

// FeedbackLog returns a copy of the recent feedback history, oldest first.
func (m *SingleMotor) FeedbackLog() []FeedbackEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := make([]FeedbackEntry, len(m.feedbackLog))
	copy(log, m.feedbackLog)
	return log
}

// Distance returns the total distance travelled in mm, based on the
// configured wheel diameter.
func (m *SingleMotor) Distance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distance
}

// DeviceType returns the attached device's type id, once announced.
func (m *SingleMotor) DeviceType() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceType
}

// Stalled reports whether the last watched command stalled.
func (m *SingleMotor) Stalled() bool { return m.stall.Stalled() }

// LastFeedback returns the most recent feedback byte for this port.
func (m *SingleMotor) LastFeedback() FeedbackByte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFeedback
}

// LastError returns the most recent hub error for this port, if any.
func (m *SingleMotor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Busy reports whether a command currently holds the port gate.
func (m *SingleMotor) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (m *SingleMotor) signed(v int) int {
	return v * m.cfg.direction()
}
