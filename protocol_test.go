package poweredup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLengthByte(t *testing.T) {
	profileBuf, err := SetAccDecProfile{Port: 0, SubCmd: SubCmdSetAccProfile, TimeToFullSpeed: 500}.Encode()
	require.NoError(t, err)

	buffers := map[string][]byte{
		"ext server connect":  ExtServerConnectRequest(0),
		"notification req":    PortNotificationRequest{Port: 0}.Encode(),
		"start power":         StartPower{Port: 0, Power: 50}.Encode(),
		"start power synced":  StartPower{Port: 16, Synced: true, PowerA: 50, PowerB: -50}.Encode(),
		"start speed":         StartSpeed{Port: 0, Speed: 70, AbsMaxPower: 100}.Encode(),
		"start speed synced":  StartSpeed{Port: 16, Synced: true, SpeedA: 70, SpeedB: 70}.Encode(),
		"move degrees":        StartMoveDegrees{Port: 0, Degrees: 720, Speed: 50}.Encode(),
		"move degrees synced": StartMoveDegrees{Port: 16, Synced: true, Degrees: 360, SpeedA: 50, SpeedB: 50}.Encode(),
		"move time":           StartMoveTime{Port: 0, Time: 2000, Speed: 40}.Encode(),
		"goto abs pos":        GotoAbsolutePosition{Port: 0, AbsPos: -900, Speed: 60}.Encode(),
		"goto abs pos synced": GotoAbsolutePosition{Port: 16, Synced: true, AbsPosA: 90, AbsPosB: -90, Speed: 60}.Encode(),
		"acc profile":         profileBuf,
		"virtual connect":     SetupVirtualPort{Connect: true, PortA: 0, PortB: 1}.Encode(),
		"virtual disconnect":  SetupVirtualPort{Port: 16}.Encode(),
		"preset encoder pair": PresetEncoderPair{Port: 16, ValueA: 0, ValueB: 0}.Encode(),
		"write direct preset": WriteDirectPresetPosition(0, 0),
		"led color":           WriteDirectLEDColor(PortLED, ColorGreen),
		"led rgb":             WriteDirectLEDRGB(PortLED, 0x10, 0x20, 0x30),
		"hub action":          HubActionCommand(HubActionSwitchOff),
		"hub alert":           HubAlertUpdateRequest(AlertLowVoltage),
	}
	for name, buf := range buffers {
		t.Run(name, func(t *testing.T) {
			require.NotEmpty(t, buf)
			assert.Equal(t, len(buf), int(buf[0]), "length byte must count the whole buffer")
			assert.Equal(t, HubID, buf[1])
		})
	}
}

func TestStartMoveDegreesEncoding(t *testing.T) {
	buf := StartMoveDegrees{
		Port:         0,
		Degrees:      720,
		Speed:        50,
		AbsMaxPower:  100,
		OnCompletion: EndStateBrake,
	}.Encode()

	assert.Equal(t, MsgTypePortCommand, buf[2])
	assert.Equal(t, byte(0), buf[3], "port")
	assert.Equal(t, byte(0x11), buf[4], "condition byte")
	assert.Equal(t, SubCmdStartMoveDegrees, buf[5])
	assert.Equal(t, []byte{0xD0, 0x02, 0x00, 0x00}, buf[6:10], "720 degrees little-endian")
	assert.Equal(t, byte(50), buf[10], "speed")
	assert.Equal(t, byte(100), buf[11], "abs max power")
	assert.Equal(t, EndStateBrake, buf[12], "end state")
}

func TestConditionByteComposition(t *testing.T) {
	tests := []struct {
		name       string
		start      byte
		completion byte
		want       byte
	}{
		{"defaults", 0, 0, 0x11},
		{"immediate with status", StartImmediately, CompletionUpdateStatus, 0x11},
		{"immediate no action", StartImmediately, CompletionNoAction, 0x10},
		{"buffered with status", StartBufferIfNeeded, CompletionUpdateStatus, 0x01},
		{"buffered no action", StartBufferIfNeeded, CompletionNoAction, 0x00},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, condByte(tc.start, tc.completion))
		})
	}
}

func TestNegativeMagnitudesEncodeAsSignedBytes(t *testing.T) {
	buf := StartSpeed{Port: 2, Speed: -70, AbsMaxPower: 100}.Encode()
	assert.Equal(t, byte(0xBA), buf[6], "-70 as two's complement")

	buf = StartPower{Port: 3, Synced: true, PowerA: -90, PowerB: 90}.Encode()
	assert.Equal(t, byte(0xA6), buf[6])
	assert.Equal(t, byte(0x5A), buf[7])
}

func TestStartPowerSingleUsesWriteDirect(t *testing.T) {
	buf := StartPower{Port: 1, Power: int(EndStateBrake)}.Encode()
	assert.Equal(t, MsgTypePortCommand, buf[2])
	assert.Equal(t, SubCmdWriteDirect, buf[5])
	assert.Equal(t, ModeMotorPower, buf[6])
	assert.Equal(t, byte(127), buf[7], "brake special power")
}

func TestProfileByte(t *testing.T) {
	assert.Equal(t, byte(0), profileByte(0, false, false))
	assert.Equal(t, byte(1), profileByte(0, true, false))
	assert.Equal(t, byte(2), profileByte(0, false, true))
	assert.Equal(t, byte(3), profileByte(0, true, true))
	assert.Equal(t, byte(7), profileByte(4, true, true))
}

func TestSetAccDecProfileRange(t *testing.T) {
	_, err := SetAccDecProfile{SubCmd: SubCmdSetAccProfile, TimeToFullSpeed: MaxProfileTime + 1}.Encode()
	assert.Error(t, err)

	_, err = SetAccDecProfile{SubCmd: SubCmdSetDecProfile, TimeToFullSpeed: -1}.Encode()
	assert.Error(t, err)

	buf, err := SetAccDecProfile{Port: 1, SubCmd: SubCmdSetDecProfile, TimeToFullSpeed: MaxProfileTime, ProfileNr: 2}.Encode()
	require.NoError(t, err)
	assert.Equal(t, SubCmdSetDecProfile, buf[5])
	assert.Equal(t, []byte{0x10, 0x27}, buf[6:8], "10000 ms little-endian")
	assert.Equal(t, byte(2), buf[8])

	_, err = SetAccDecProfile{SubCmd: 0x42, TimeToFullSpeed: 100}.Encode()
	assert.Error(t, err, "unknown sub-command must be rejected")
}

func TestSetupVirtualPort(t *testing.T) {
	buf := SetupVirtualPort{Connect: true, PortA: 0, PortB: 1}.Encode()
	assert.Equal(t, []byte{0x06, 0x00, MsgTypeVirtualPortSetup, VirtualPortConnect, 0x00, 0x01}, buf)

	buf = SetupVirtualPort{Port: 0x10}.Encode()
	assert.Equal(t, []byte{0x05, 0x00, MsgTypeVirtualPortSetup, VirtualPortDisconnect, 0x10}, buf)
}

func TestPresetEncoderPairEncoding(t *testing.T) {
	buf := PresetEncoderPair{Port: 0x10, ValueA: -1, ValueB: 1}.Encode()
	assert.Equal(t, SubCmdPresetEncoderPair, buf[5])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf[6:10])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, buf[10:14])
}
