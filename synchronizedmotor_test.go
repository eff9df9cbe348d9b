package poweredup

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func testPairMotors(t *testing.T) (*SingleMotor, *SingleMotor) {
	t.Helper()
	motorA, err := NewSingleMotor(MotorConfig{
		Name: "left", Address: "pipe", Port: 0, ClockwiseIsForward: true,
		Logger: logging.NewTestLogger(t),
	})
	require.NoError(t, err)
	motorB, err := NewSingleMotor(MotorConfig{
		Name: "right", Address: "pipe", Port: 1, ClockwiseIsForward: true,
		Logger: logging.NewTestLogger(t),
	})
	require.NoError(t, err)
	return motorA, motorB
}

// connectTestPair scripts the virtual port handshake: registration, pairing
// request, virtual attachment with the hub-assigned port id.
func connectTestPair(t *testing.T, assignedPort byte) (*SynchronizedMotor, *testHub) {
	t.Helper()
	motorA, motorB := testPairMotors(t)
	pair, err := NewSynchronizedMotor("pair", motorA, motorB, logging.NewTestLogger(t))
	require.NoError(t, err)

	client, server := net.Pipe()
	hub := newTestHub(t, server)

	errCh := make(chan error, 1)
	go func() { errCh <- pair.ConnectStream(context.Background(), client) }()

	reg := hub.read()
	require.Equal(t, MsgTypeExtServer, reg[2])
	require.Equal(t, provisionalVirtualPort(0, 1), reg[3])
	hub.write(frame(MsgTypeExtServer, reg[3], EventServerConnected))

	setup := hub.read()
	require.Equal(t, MsgTypeVirtualPortSetup, setup[2])
	require.Equal(t, VirtualPortConnect, setup[3])
	require.Equal(t, byte(0), setup[4])
	require.Equal(t, byte(1), setup[5])
	hub.write(frame(MsgTypeHubAttachedIO, assignedPort, EventVirtualIOAttached, 0x2E, 0x00, 0x00, 0x01))

	notify := hub.read()
	require.Equal(t, MsgTypePortNotifyReq, notify[2])
	require.Equal(t, assignedPort, notify[3])
	require.NoError(t, <-errCh)

	t.Cleanup(func() {
		// Drain the teardown frame so Close does not block on the pipe. Close
		// may wait up to connectTimeout for the gates before writing it, so
		// keep reading longer than that.
		go func() {
			_ = hub.raw.SetReadDeadline(time.Now().Add(connectTimeout + time.Second))
			_, _ = hub.conn.ReadMessage()
		}()
		_ = pair.Close()
	})
	return pair, hub
}

func TestProvisionalVirtualPort(t *testing.T) {
	assert.Equal(t, byte(112), provisionalVirtualPort(0, 1))
	assert.Equal(t, byte(117), provisionalVirtualPort(1, 3))
}

func TestSynchronizedMotorRequiresDistinctPorts(t *testing.T) {
	motorA, _ := testPairMotors(t)
	_, err := NewSynchronizedMotor("pair", motorA, motorA, logging.NewTestLogger(t))
	assert.Error(t, err)
}

func TestSynchronizedMotorAttachAssignsPort(t *testing.T) {
	pair, _ := connectTestPair(t, 0x10)
	port, assigned := pair.VirtualPort()
	assert.True(t, assigned)
	assert.Equal(t, byte(0x10), port, "hub-assigned id replaces the provisional one")
}

func TestSynchronizedMotorRejectsCommandsBeforeAttach(t *testing.T) {
	motorA, motorB := testPairMotors(t)
	pair, err := NewSynchronizedMotor("pair", motorA, motorB, logging.NewTestLogger(t))
	require.NoError(t, err)

	_, err = pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNotAttached)
}

func TestSynchronizedMotorCommandLifecycle(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartMoveDegrees(context.Background(), 360, 50, 50, CmdOptions{OnCompletion: EndStateHold})
		require.NoError(t, err)
		resCh <- finished
	}()

	cmd := hub.read()
	require.Equal(t, MsgTypePortCommand, cmd[2])
	assert.Equal(t, byte(0x10), cmd[3], "sent to the virtual port")
	assert.Equal(t, SubCmdStartMoveDegreesSynced, cmd[5])
	assert.Equal(t, []byte{0x68, 0x01, 0x00, 0x00}, cmd[6:10], "360 degrees")
	assert.Equal(t, byte(50), cmd[10])
	assert.Equal(t, byte(50), cmd[11])

	hub.feedback(0x10, 0x0A)
	assert.True(t, <-resCh)
}

func TestSynchronizedMotorWaitsForBothConstituents(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{})
		require.NoError(t, err)
		resCh <- finished
	}()
	hub.read()

	// Only one constituent reported: the command must stay open and all
	// three gates stay held.
	hub.feedback(0, 0x0A)
	select {
	case <-resCh:
		t.Fatal("command completed with only one constituent terminal")
	case <-time.After(50 * time.Millisecond):
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	if err := pair.motorA.gate.Acquire(shortCtx); err == nil {
		t.Fatal("constituent gate released before both feedbacks arrived")
	}
	cancel()

	hub.feedback(1, 0x0A)
	assert.True(t, <-resCh)

	// Gates are free again, in particular the constituents'.
	ctx := context.Background()
	require.NoError(t, pair.motorA.gate.Acquire(ctx))
	require.NoError(t, pair.motorB.gate.Acquire(ctx))
	require.NoError(t, pair.gate.Acquire(ctx))
}

func TestSynchronizedMotorMixedOutcomeIsDiscarded(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{})
		require.NoError(t, err)
		resCh <- finished
	}()
	hub.read()

	// One finished, one discarded: the pair command did not fully run.
	hub.write(frame(MsgTypeCommandFeedback, 0, 0x0A, 1, 0x04))
	assert.False(t, <-resCh)
}

func TestSynchronizedMotorHoldsConstituentGates(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)
	motorA := pair.motorA

	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartSpeeds(context.Background(), 40, 40, CmdOptions{})
		require.NoError(t, err)
		resCh <- finished
	}()
	hub.read()

	// A single-motor command on a constituent must block while the synced
	// command is in flight.
	shortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := motorA.gate.Acquire(shortCtx)
	require.Error(t, err, "constituent port must be gated during a synced command")

	hub.feedback(0x10, 0x0A)
	assert.True(t, <-resCh)
}

func TestSynchronizedMotorDisconnectFailsInFlight(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	errCh := make(chan error, 1)
	go func() {
		_, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{})
		errCh <- err
	}()
	hub.read()

	require.NoError(t, hub.raw.Close())
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("synced command hung after disconnect")
	}
}

func TestSynchronizedMotorServerDisconnectNotificationFailsInFlight(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	errCh := make(chan error, 1)
	go func() {
		_, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{})
		errCh <- err
	}()
	hub.read()

	// The server drops the registration while the command awaits feedback.
	hub.write(frame(MsgTypeExtServer, 0x10, EventServerDisconnected))

	select {
	case err := <-errCh:
		require.Error(t, err, "in-flight synced command must observe the disconnect")
		assert.ErrorIs(t, err, errDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("synced command hung after server disconnect notification")
	}
	assert.False(t, pair.Connected())

	// The constituents get their gates back once the pair is torn down.
	ctx := context.Background()
	require.NoError(t, pair.motorA.gate.Acquire(ctx))
	require.NoError(t, pair.motorB.gate.Acquire(ctx))

	_, err := pair.StartSpeeds(context.Background(), 10, 10, CmdOptions{})
	assert.Error(t, err, "later synced commands fail fast")
}

func TestSynchronizedMotorCloseWaitsForInFlightCommand(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{})
		require.NoError(t, err)
		resCh <- finished
	}()
	hub.read()

	closed := make(chan struct{})
	go func() {
		_ = pair.Close()
		close(closed)
	}()

	// The teardown frame must wait for the running command to settle.
	hub.expectNothing(100 * time.Millisecond)

	hub.feedback(0x10, 0x0A)
	assert.True(t, <-resCh)

	teardown := hub.read()
	require.Equal(t, MsgTypeVirtualPortSetup, teardown[2])
	assert.Equal(t, VirtualPortDisconnect, teardown[3])
	assert.Equal(t, byte(0x10), teardown[4])

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish after the command settled")
	}
}

func TestSynchronizedMotorWaitCondDefersSend(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	var ready atomic.Bool
	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{
			WaitCond: ready.Load,
		})
		require.NoError(t, err)
		resCh <- finished
	}()

	hub.expectNothing(80 * time.Millisecond)
	ready.Store(true)

	cmd := hub.read()
	require.Equal(t, MsgTypePortCommand, cmd[2])
	hub.feedback(0x10, 0x0A)
	assert.True(t, <-resCh)
}

func TestSynchronizedMotorStallWatch(t *testing.T) {
	pair, hub := connectTestPair(t, 0x10)

	stalled := make(chan struct{})
	resCh := make(chan bool, 1)
	go func() {
		finished, err := pair.StartSpeeds(context.Background(), 50, 50, CmdOptions{
			TimeToStalled: 60 * time.Millisecond,
			OnStalled:     func() { close(stalled) },
		})
		require.NoError(t, err)
		resCh <- finished
	}()
	hub.read()

	// Queued but not started: the watchdog must stay quiet.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, pair.Stalled(), "watchdog armed before the synced command started")

	hub.feedback(0x10, 0x01)
	// No value updates arrive for the virtual port, so the watchdog trips.
	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("pair stall watchdog did not trip")
	}
	assert.True(t, pair.Stalled())

	hub.feedback(0x10, 0x0A)
	assert.True(t, <-resCh)
}

func TestSynchronizedMotorDegreeAveraging(t *testing.T) {
	motorA, err := NewSingleMotor(MotorConfig{
		Name: "geared", Address: "pipe", Port: 0, GearRatio: 2.0, ClockwiseIsForward: true,
		Logger: logging.NewTestLogger(t),
	})
	require.NoError(t, err)
	motorB, err := NewSingleMotor(MotorConfig{
		Name: "plain", Address: "pipe", Port: 1, ClockwiseIsForward: true,
		Logger: logging.NewTestLogger(t),
	})
	require.NoError(t, err)
	pair, err := NewSynchronizedMotor("pair", motorA, motorB, logging.NewTestLogger(t))
	require.NoError(t, err)

	client, server := net.Pipe()
	hub := newTestHub(t, server)
	errCh := make(chan error, 1)
	go func() { errCh <- pair.ConnectStream(context.Background(), client) }()
	reg := hub.read()
	hub.write(frame(MsgTypeExtServer, reg[3], EventServerConnected))
	hub.read()
	hub.write(frame(MsgTypeHubAttachedIO, 0x11, EventVirtualIOAttached, 0x2E, 0x00, 0x00, 0x01))
	hub.read()
	require.NoError(t, <-errCh)
	defer func() {
		go func() {
			_ = hub.raw.SetReadDeadline(time.Now().Add(connectTimeout + time.Second))
			_, _ = hub.conn.ReadMessage()
		}()
		pair.Close()
	}()

	go func() {
		_, err := pair.StartMoveDegrees(context.Background(), 100, 50, 50, CmdOptions{})
		require.NoError(t, err)
	}()
	cmd := hub.read()
	// (100*2 + 100*1) / 2 = 150 wire degrees.
	assert.Equal(t, []byte{0x96, 0x00, 0x00, 0x00}, cmd[6:10])
	hub.feedback(0x11, 0x0A)
}
