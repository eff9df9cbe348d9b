package poweredup

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Message is an upstream (hub -> host) notification decoded from the wire.
// The concrete types carry the fields relevant to their kind; Raw always
// returns the full original buffer including the length byte.
type Message interface {
	Raw() []byte
	Type() byte
}

type raw []byte

func (r raw) Raw() []byte { return []byte(r) }
func (r raw) Type() byte  { return r[2] }

// HubActionNotification announces a hub-level action, e.g. an imminent
// shutdown.
type HubActionNotification struct {
	raw
	Action byte
}

// HubAlertNotification reports the status of one hub alert.
type HubAlertNotification struct {
	raw
	Alert  byte
	Op     byte
	Status byte
}

// Triggered reports whether the alert condition is currently active.
func (m HubAlertNotification) Triggered() bool { return m.Status == AlertStatusAlert }

// HubAttachedIO announces a device being attached to or detached from a
// port. For virtual attachments the two constituent ports are included.
type HubAttachedIO struct {
	raw
	Port       byte
	Event      byte
	DeviceType uint16
	PortA      byte // EventVirtualIOAttached only
	PortB      byte // EventVirtualIOAttached only
}

// GenericErrorNotification reports that the hub rejected a downstream
// command.
type GenericErrorNotification struct {
	raw
	CommandType byte
	ErrorCode   byte
}

// Error code bytes of a GenericErrorNotification.
const (
	ErrACK                  byte = 0x01
	ErrMACK                 byte = 0x02
	ErrBufferOverflow       byte = 0x03
	ErrTimeout              byte = 0x04
	ErrCommandNotRecognized byte = 0x05
	ErrInvalidUse           byte = 0x06
	ErrOverCurrent          byte = 0x07
	ErrInternal             byte = 0x08
)

func (m GenericErrorNotification) Error() string {
	return fmt.Sprintf("hub rejected command 0x%02x: error 0x%02x", m.CommandType, m.ErrorCode)
}

// PortValue carries the current sensor reading of a port, for motors the
// raw tacho count.
type PortValue struct {
	raw
	Port     byte
	RawValue int32
}

// Degrees converts the raw tacho count into output-shaft degrees. A zero
// gear ratio has no meaningful conversion and yields an error.
func (m PortValue) Degrees(gearRatio float64) (float64, error) {
	if gearRatio == 0 {
		return 0, fmt.Errorf("gear ratio is zero")
	}
	return float64(m.RawValue) / gearRatio, nil
}

// Radians converts the raw tacho count into output-shaft radians.
func (m PortValue) Radians(gearRatio float64) (float64, error) {
	deg, err := m.Degrees(gearRatio)
	if err != nil {
		return 0, err
	}
	return deg * math.Pi / 180.0, nil
}

// PortNotification confirms a change of a port's notification settings.
type PortNotification struct {
	raw
	Port byte
}

// ExtServerNotification reports connection state changes of the radio proxy
// server for one port.
type ExtServerNotification struct {
	raw
	Port  byte
	Event byte
}

// FeedbackByte is the per-port status byte of a command feedback message.
type FeedbackByte byte

// Feedback status bits.
const (
	FeedbackInProgress FeedbackByte = 0x01
	FeedbackCompleted  FeedbackByte = 0x02
	FeedbackDiscarded  FeedbackByte = 0x04
	FeedbackIdle       FeedbackByte = 0x08
	FeedbackBusy       FeedbackByte = 0x10
)

// Started reports whether the hub accepted the command and began executing.
func (f FeedbackByte) Started() bool { return f == 0x01 }

// Finished reports whether the command ran to completion. Any terminal byte
// other than 0x0a means the command was discarded.
func (f FeedbackByte) Finished() bool { return f == 0x0A }

// Terminal reports whether this byte ends the command's lifecycle.
func (f FeedbackByte) Terminal() bool { return !f.Started() }

func (f FeedbackByte) String() string {
	switch {
	case f.Started():
		return "started"
	case f.Finished():
		return "finished"
	default:
		return fmt.Sprintf("discarded(0x%02x)", byte(f))
	}
}

// PortFeedback pairs a port with its feedback status byte.
type PortFeedback struct {
	Port     byte
	Feedback FeedbackByte
}

// CommandFeedback reports the execution status of commands on up to three
// ports at once.
type CommandFeedback struct {
	raw
	Ports []PortFeedback
}

// For returns the feedback byte for one port, if present in this message.
func (m CommandFeedback) For(port byte) (FeedbackByte, bool) {
	for _, pf := range m.Ports {
		if pf.Port == port {
			return pf.Feedback, true
		}
	}
	return 0, false
}

// DecodeUpstream parses a complete upstream buffer into its typed message.
// The buffer must be exactly one frame, length byte included.
func DecodeUpstream(data []byte) (Message, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}
	if int(data[0]) != len(data) {
		return nil, fmt.Errorf("length byte %d does not match buffer length %d", data[0], len(data))
	}
	r := raw(data)
	switch data[2] {
	case MsgTypeHubAction:
		if len(data) < 4 {
			return nil, truncated(data)
		}
		return HubActionNotification{raw: r, Action: data[3]}, nil
	case MsgTypeHubAlert:
		if len(data) < 6 {
			return nil, truncated(data)
		}
		return HubAlertNotification{raw: r, Alert: data[3], Op: data[4], Status: data[5]}, nil
	case MsgTypeHubAttachedIO:
		if len(data) < 5 {
			return nil, truncated(data)
		}
		m := HubAttachedIO{raw: r, Port: data[3], Event: data[4]}
		if m.Event == EventIOAttached || m.Event == EventVirtualIOAttached {
			if len(data) < 7 {
				return nil, truncated(data)
			}
			m.DeviceType = binary.LittleEndian.Uint16(data[5:7])
		}
		if m.Event == EventVirtualIOAttached {
			if len(data) < 9 {
				return nil, truncated(data)
			}
			m.PortA, m.PortB = data[7], data[8]
		}
		return m, nil
	case MsgTypeGenericError:
		if len(data) < 5 {
			return nil, truncated(data)
		}
		return GenericErrorNotification{raw: r, CommandType: data[3], ErrorCode: data[4]}, nil
	case MsgTypePortValue:
		// The value is 1, 2 or 4 bytes depending on the sensor mode.
		if len(data) < 5 {
			return nil, truncated(data)
		}
		if len(data) > 8 {
			return nil, fmt.Errorf("port value with unexpected length %d", len(data))
		}
		return PortValue{
			raw:      r,
			Port:     data[3],
			RawValue: signedLE(data[4:]),
		}, nil
	case MsgTypePortNotification:
		if len(data) < 4 {
			return nil, truncated(data)
		}
		return PortNotification{raw: r, Port: data[3]}, nil
	case MsgTypeExtServer:
		if len(data) < 5 {
			return nil, truncated(data)
		}
		return ExtServerNotification{raw: r, Port: data[3], Event: data[4]}, nil
	case MsgTypeCommandFeedback:
		m := CommandFeedback{raw: r}
		// 5, 7 or 9 bytes carry one, two or three port/status pairs.
		switch len(data) {
		case 5, 7, 9:
			for i := 3; i < len(data); i += 2 {
				m.Ports = append(m.Ports, PortFeedback{Port: data[i], Feedback: FeedbackByte(data[i+1])})
			}
		default:
			return nil, fmt.Errorf("command feedback with unexpected length %d", len(data))
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown upstream message type 0x%02x", data[2])
	}
}

func truncated(data []byte) error {
	return fmt.Errorf("truncated message type 0x%02x: %d bytes", data[2], len(data))
}

// signedLE decodes a little-endian signed integer of 1 to 4 bytes, sign
// extending from the highest bit of the last byte.
func signedLE(b []byte) int32 {
	var v uint32
	for i, by := range b {
		v |= uint32(by) << (8 * i)
	}
	if bits := uint(len(b)) * 8; bits < 32 && v&(1<<(bits-1)) != 0 {
		v |= ^uint32(0) << bits
	}
	return int32(v)
}
