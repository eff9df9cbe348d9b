// Package poweredup drives motors attached to a LEGO Powered-Up style hub
// over a byte-stream transport. The hub speaks a length-prefixed little-endian
// binary protocol ("LWP3"); this file holds the downstream (host -> hub) side
// of the codec.
package poweredup

import (
	"encoding/binary"
	"fmt"
)

// HubID is the hub identifier byte carried in every message header. Hosts
// always send 0x00.
const HubID byte = 0x00

// Message type bytes. The third byte of every frame selects the message kind,
// both downstream and upstream.
const (
	MsgTypeHubAction        byte = 0x02
	MsgTypeHubAlert         byte = 0x03
	MsgTypeHubAttachedIO    byte = 0x04
	MsgTypeGenericError     byte = 0x05
	MsgTypePortNotifyReq    byte = 0x41
	MsgTypePortValue        byte = 0x45
	MsgTypePortNotification byte = 0x47
	MsgTypeExtServer        byte = 0x5C
	MsgTypeVirtualPortSetup byte = 0x61
	MsgTypePortCommand      byte = 0x81
	MsgTypeCommandFeedback  byte = 0x82
)

// Port output sub-command opcodes (payload byte 5 of a MsgTypePortCommand).
const (
	SubCmdStartPower             byte = 0x01
	SubCmdStartPowerSynced       byte = 0x02
	SubCmdSetAccProfile          byte = 0x05
	SubCmdSetDecProfile          byte = 0x06
	SubCmdStartSpeed             byte = 0x07
	SubCmdStartSpeedSynced       byte = 0x08
	SubCmdStartSpeedTime         byte = 0x09
	SubCmdStartSpeedTimeSynced   byte = 0x0A
	SubCmdStartMoveDegrees       byte = 0x0B
	SubCmdStartMoveDegreesSynced byte = 0x0C
	SubCmdGotoAbsPos             byte = 0x0D
	SubCmdGotoAbsPosSynced       byte = 0x0E
	SubCmdPresetEncoderPair      byte = 0x14
	SubCmdWriteDirect            byte = 0x51
)

// Start and completion condition masks. A command's condition byte is the
// bitwise AND of one start mask and one completion mask, e.g.
// StartImmediately & CompletionUpdateStatus == 0x11.
const (
	StartImmediately       byte = 0x1F
	StartBufferIfNeeded    byte = 0x0F
	CompletionUpdateStatus byte = 0xF1
	CompletionNoAction     byte = 0xF0
)

// End states for movement commands (the on-completion byte).
const (
	EndStateCoast byte = 0
	EndStateHold  byte = 126
	EndStateBrake byte = 127
)

// Profile flag bits, added to the profile number to form the profile byte.
const (
	FlagUseAccProfile byte = 0x01
	FlagUseDecProfile byte = 0x02
)

// Direction multipliers. Magnitudes (speed, power, position) are multiplied
// by a direction before byte conversion; the sign is what tells the hub to
// turn left instead of right.
const (
	Clockwise        = 1
	Counterclockwise = -1
)

// WriteDirect preset modes. The mode byte selects how the hub interprets the
// remaining payload; meanings are port-type dependent.
const (
	ModeMotorPower    byte = 0x00
	ModeLEDColor      byte = 0x00
	ModeLEDRGB        byte = 0x01
	ModeMotorPosition byte = 0x02
)

// Hub action bytes (downstream requests and upstream announcements).
const (
	HubActionSwitchOff      byte = 0x01
	HubActionDisconnect     byte = 0x02
	HubActionFastShutdown   byte = 0x2F
	HubActionWillSwitchOff  byte = 0x30
	HubActionWillDisconnect byte = 0x31
)

// Hub alert types and operations.
const (
	AlertLowVoltage  byte = 0x01
	AlertHighCurrent byte = 0x02
	AlertLowSignal   byte = 0x03
	AlertOverPower   byte = 0x04

	AlertOpEnableUpdates  byte = 0x01
	AlertOpDisableUpdates byte = 0x02
	AlertOpRequestUpdate  byte = 0x03
	AlertOpUpdate         byte = 0x04

	AlertStatusOK    byte = 0x00
	AlertStatusAlert byte = 0xFF
)

// Peripheral events (HubAttachedIO byte 4, ExtServer byte 4).
const (
	EventIODetached         byte = 0x00
	EventIOAttached         byte = 0x01
	EventVirtualIOAttached  byte = 0x02
	EventServerConnected    byte = 0x03
	EventServerDisconnected byte = 0x04
)

// External-server sub-commands (registration protocol of the radio proxy).
const (
	ServerSubCmdRegister   byte = 0x00
	ServerSubCmdDisconnect byte = 0xFF
)

// Virtual port setup sub-commands.
const (
	VirtualPortDisconnect byte = 0x00
	VirtualPortConnect    byte = 0x01
)

// Well-known ports.
const (
	PortLED byte = 0x32
	PortHub byte = 0xFE
)

// MaxProfileTime is the upper bound, in milliseconds, for the
// time-to-full-speed of an acceleration/deceleration profile.
const MaxProfileTime = 10000

// frame assembles a complete downstream buffer [length][hub id][type]payload.
// The length byte counts itself.
func frame(msgType byte, payload ...byte) []byte {
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, byte(3+len(payload)), HubID, msgType)
	return append(buf, payload...)
}

// condByte composes the start/completion condition byte, substituting the
// defaults (execute immediately, update status) for zero values.
func condByte(start, completion byte) byte {
	if start == 0 {
		start = StartImmediately
	}
	if completion == 0 {
		completion = CompletionUpdateStatus
	}
	return start & completion
}

// profileByte folds the profile number and the acc/dec usage flags into one
// byte, the way the hub expects them.
func profileByte(profileNr int, useAcc, useDec bool) byte {
	b := byte(profileNr)
	if useAcc {
		b += FlagUseAccProfile
	}
	if useDec {
		b += FlagUseDecProfile
	}
	return b
}

func appendInt32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

// ExtServerConnectRequest registers a device port with the radio proxy server.
func ExtServerConnectRequest(port byte) []byte {
	return frame(MsgTypeExtServer, port, ServerSubCmdRegister)
}

// ExtServerDisconnectRequest deregisters a device port from the proxy server.
func ExtServerDisconnectRequest(port byte) []byte {
	return frame(MsgTypeExtServer, port, ServerSubCmdDisconnect)
}

// PortNotificationRequest enables (or disables) value and feedback updates
// for a port.
type PortNotificationRequest struct {
	Port          byte
	Mode          byte   // sensor mode; 0x02 reports the tacho position
	DeltaInterval uint32 // minimum value change that triggers an update
	Disabled      bool
}

// Encode builds the PORT_NOTIFICATION_REQ buffer.
func (c PortNotificationRequest) Encode() []byte {
	mode := c.Mode
	if mode == 0 {
		mode = 0x02
	}
	delta := c.DeltaInterval
	if delta == 0 {
		delta = 1
	}
	enabled := byte(0x01)
	if c.Disabled {
		enabled = 0x00
	}
	payload := []byte{c.Port, mode}
	payload = binary.LittleEndian.AppendUint32(payload, delta)
	payload = append(payload, enabled)
	return frame(MsgTypePortNotifyReq, payload...)
}

// StartPower turns motors unregulated at a raw power until actively stopped.
// The single-port variant is expressed through WriteDirect motor-power mode;
// only the synced variant has a dedicated sub-command.
type StartPower struct {
	Port           byte
	StartCond      byte
	CompletionCond byte

	Power int // single port; EndStateBrake/EndStateHold act as special powers

	Synced bool
	PowerA int
	PowerB int

	AbsMaxPower int
	ProfileNr   int
	UseAcc      bool
	UseDec      bool
}

// Encode builds the START_POWER buffer.
func (c StartPower) Encode() []byte {
	if !c.Synced {
		return WriteDirect{
			Port:           c.Port,
			StartCond:      c.StartCond,
			CompletionCond: c.CompletionCond,
			Mode:           ModeMotorPower,
			Values:         []byte{byte(int8(c.Power))},
		}.Encode()
	}
	payload := []byte{
		c.Port,
		condByte(c.StartCond, c.CompletionCond),
		SubCmdStartPowerSynced,
		byte(int8(c.PowerA)),
		byte(int8(c.PowerB)),
		byte(c.AbsMaxPower),
		profileByte(c.ProfileNr, c.UseAcc, c.UseDec),
	}
	return frame(MsgTypePortCommand, payload...)
}

// StartSpeed turns motors at a regulated speed until actively stopped.
// Speed 0 holds the current position.
type StartSpeed struct {
	Port           byte
	StartCond      byte
	CompletionCond byte

	Speed int // signed; direction already folded in

	Synced bool
	SpeedA int
	SpeedB int

	AbsMaxPower int
	ProfileNr   int
	UseAcc      bool
	UseDec      bool
}

// Encode builds the START_SPEED buffer.
func (c StartSpeed) Encode() []byte {
	payload := []byte{c.Port, condByte(c.StartCond, c.CompletionCond)}
	if c.Synced {
		payload = append(payload, SubCmdStartSpeedSynced, byte(int8(c.SpeedA)), byte(int8(c.SpeedB)))
	} else {
		payload = append(payload, SubCmdStartSpeed, byte(int8(c.Speed)))
	}
	payload = append(payload,
		byte(c.AbsMaxPower),
		profileByte(c.ProfileNr, c.UseAcc, c.UseDec),
	)
	return frame(MsgTypePortCommand, payload...)
}

// StartMoveDegrees turns motors by a given angle and then applies the
// on-completion end state.
type StartMoveDegrees struct {
	Port           byte
	StartCond      byte
	CompletionCond byte

	Degrees uint32 // magnitude; the speed sign carries the direction
	Speed   int

	Synced bool
	SpeedA int
	SpeedB int

	AbsMaxPower  int
	OnCompletion byte
	ProfileNr    int
	UseAcc       bool
	UseDec       bool
}

// Encode builds the START_MOVE_DEGREES buffer.
func (c StartMoveDegrees) Encode() []byte {
	payload := []byte{c.Port, condByte(c.StartCond, c.CompletionCond)}
	if c.Synced {
		payload = append(payload, SubCmdStartMoveDegreesSynced)
	} else {
		payload = append(payload, SubCmdStartMoveDegrees)
	}
	payload = binary.LittleEndian.AppendUint32(payload, c.Degrees)
	if c.Synced {
		payload = append(payload, byte(int8(c.SpeedA)), byte(int8(c.SpeedB)))
	} else {
		payload = append(payload, byte(int8(c.Speed)))
	}
	payload = append(payload,
		byte(c.AbsMaxPower),
		c.OnCompletion,
		profileByte(c.ProfileNr, c.UseAcc, c.UseDec),
	)
	return frame(MsgTypePortCommand, payload...)
}

// StartMoveTime turns motors for a duration in milliseconds.
type StartMoveTime struct {
	Port           byte
	StartCond      byte
	CompletionCond byte

	Time  uint16 // ms
	Speed int

	Synced bool
	SpeedA int
	SpeedB int

	Power        int
	OnCompletion byte
	ProfileNr    int
	UseAcc       bool
	UseDec       bool
}

// Encode builds the START_MOVE_TIME buffer.
func (c StartMoveTime) Encode() []byte {
	payload := []byte{c.Port, condByte(c.StartCond, c.CompletionCond)}
	if c.Synced {
		payload = append(payload, SubCmdStartSpeedTimeSynced)
	} else {
		payload = append(payload, SubCmdStartSpeedTime)
	}
	payload = binary.LittleEndian.AppendUint16(payload, c.Time)
	if c.Synced {
		payload = append(payload, byte(int8(c.SpeedA)), byte(int8(c.SpeedB)))
	} else {
		payload = append(payload, byte(int8(c.Speed)))
	}
	payload = append(payload,
		byte(c.Power),
		c.OnCompletion,
		profileByte(c.ProfileNr, c.UseAcc, c.UseDec),
	)
	return frame(MsgTypePortCommand, payload...)
}

// GotoAbsolutePosition turns motors to an absolute tacho position as fast as
// the speed limit allows. For the synced variant the hub coordinates both
// motors so they arrive together.
type GotoAbsolutePosition struct {
	Port           byte
	StartCond      byte
	CompletionCond byte

	AbsPos int32

	Synced  bool
	AbsPosA int32
	AbsPosB int32

	Speed        int
	AbsMaxPower  int
	OnCompletion byte
	ProfileNr    int
	UseAcc       bool
	UseDec       bool
}

// Encode builds the GOTO_ABS_POS buffer.
func (c GotoAbsolutePosition) Encode() []byte {
	payload := []byte{c.Port, condByte(c.StartCond, c.CompletionCond)}
	if c.Synced {
		payload = append(payload, SubCmdGotoAbsPosSynced)
		payload = appendInt32(payload, c.AbsPosA)
		payload = appendInt32(payload, c.AbsPosB)
	} else {
		payload = append(payload, SubCmdGotoAbsPos)
		payload = appendInt32(payload, c.AbsPos)
	}
	payload = append(payload,
		byte(c.Speed),
		byte(c.AbsMaxPower),
		c.OnCompletion,
		profileByte(c.ProfileNr, c.UseAcc, c.UseDec),
	)
	return frame(MsgTypePortCommand, payload...)
}

// SetAccDecProfile defines how long the motor may take to reach (or leave)
// full speed. Longer times give smoother ramps at the cost of responsiveness.
type SetAccDecProfile struct {
	Port           byte
	StartCond      byte
	CompletionCond byte

	SubCmd          byte // SubCmdSetAccProfile or SubCmdSetDecProfile
	TimeToFullSpeed int  // ms, range [0, MaxProfileTime]
	ProfileNr       int
}

// Encode builds the SET_ACC_PROFILE / SET_DEC_PROFILE buffer. The time range
// is checked here so that no malformed bytes ever reach the wire.
func (c SetAccDecProfile) Encode() ([]byte, error) {
	if c.TimeToFullSpeed < 0 || c.TimeToFullSpeed > MaxProfileTime {
		return nil, fmt.Errorf("time to full speed %d ms outside range [0, %d]", c.TimeToFullSpeed, MaxProfileTime)
	}
	sub := c.SubCmd
	if sub != SubCmdSetAccProfile && sub != SubCmdSetDecProfile {
		return nil, fmt.Errorf("invalid profile sub-command 0x%02x", sub)
	}
	payload := []byte{c.Port, condByte(c.StartCond, c.CompletionCond), sub}
	payload = binary.LittleEndian.AppendUint16(payload, uint16(c.TimeToFullSpeed))
	payload = append(payload, byte(c.ProfileNr))
	return frame(MsgTypePortCommand, payload...), nil
}

// SetupVirtualPort pairs two physical ports into one virtual port, or
// dissolves an existing pairing.
type SetupVirtualPort struct {
	Connect bool
	PortA   byte // connect only
	PortB   byte // connect only
	Port    byte // disconnect only: the virtual port to dissolve
}

// Encode builds the SETUP_VIRTUAL_PORT buffer.
func (c SetupVirtualPort) Encode() []byte {
	if c.Connect {
		return frame(MsgTypeVirtualPortSetup, VirtualPortConnect, c.PortA, c.PortB)
	}
	return frame(MsgTypeVirtualPortSetup, VirtualPortDisconnect, c.Port)
}

// PresetEncoderPair presets the tacho counters of both motors behind a
// virtual port, typically to zero them.
type PresetEncoderPair struct {
	Port   byte
	ValueA int32
	ValueB int32
}

// Encode builds the SET_VALUE_L_R buffer.
func (c PresetEncoderPair) Encode() []byte {
	payload := []byte{c.Port, condByte(0, 0), SubCmdPresetEncoderPair}
	payload = appendInt32(payload, c.ValueA)
	payload = appendInt32(payload, c.ValueB)
	return frame(MsgTypePortCommand, payload...)
}

// WriteDirect is the immediate-set escape hatch: a preset mode byte followed
// by mode-specific values (motor power, preset position, LED color, LED RGB).
type WriteDirect struct {
	Port           byte
	StartCond      byte
	CompletionCond byte
	Mode           byte
	Values         []byte
}

// Encode builds the WRITE_DIRECT buffer.
func (c WriteDirect) Encode() []byte {
	payload := []byte{c.Port, condByte(c.StartCond, c.CompletionCond), SubCmdWriteDirect, c.Mode}
	payload = append(payload, c.Values...)
	return frame(MsgTypePortCommand, payload...)
}

// WriteDirectPresetPosition presets a single motor's tacho counter.
func WriteDirectPresetPosition(port byte, position int32) []byte {
	return WriteDirect{
		Port:   port,
		Mode:   ModeMotorPosition,
		Values: appendInt32(nil, position),
	}.Encode()
}

// WriteDirectLEDColor sets the hub LED to one of the preset colors.
func WriteDirectLEDColor(port, color byte) []byte {
	return WriteDirect{Port: port, Mode: ModeLEDColor, Values: []byte{color}}.Encode()
}

// WriteDirectLEDRGB sets the hub LED to an RGB value.
func WriteDirectLEDRGB(port, r, g, b byte) []byte {
	return WriteDirect{Port: port, Mode: ModeLEDRGB, Values: []byte{r, g, b}}.Encode()
}

// HubActionCommand requests a hub-level action such as shutdown.
func HubActionCommand(action byte) []byte {
	return frame(MsgTypeHubAction, action)
}

// HubAlertUpdateRequest asks the hub for the current status of one alert.
func HubAlertUpdateRequest(alert byte) []byte {
	return frame(MsgTypeHubAlert, alert, AlertOpRequestUpdate)
}

// HubAlertSubscribeRequest enables (or disables) push updates for one alert.
func HubAlertSubscribeRequest(alert byte, enable bool) []byte {
	op := AlertOpEnableUpdates
	if !enable {
		op = AlertOpDisableUpdates
	}
	return frame(MsgTypeHubAlert, alert, op)
}
