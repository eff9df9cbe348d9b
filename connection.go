package poweredup

import (
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// DefaultBaudRate matches the UART bridge firmware shipped with the radio
// proxy server.
const DefaultBaudRate = 115200

// Conn carries framed hub messages over any byte stream. Writes are
// serialized; reads are expected to happen from a single listener goroutine.
type Conn struct {
	writeMu sync.Mutex
	stream  io.ReadWriteCloser
}

// NewConn wraps an established byte stream.
func NewConn(stream io.ReadWriteCloser) *Conn {
	return &Conn{stream: stream}
}

// Dial opens a connection to the hub server. Addresses containing a colon
// are dialed as TCP endpoints, anything else is opened as a serial port.
func Dial(address string, baudRate int) (*Conn, error) {
	if strings.Contains(address, ":") {
		tcp, err := net.Dial("tcp", address)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to connect to hub server at %s", address)
		}
		return NewConn(tcp), nil
	}
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(address, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", address)
	}
	return NewConn(port), nil
}

// WriteMessage sends one complete frame. The buffer already carries its
// length byte; a short write is an error.
func (c *Conn) WriteMessage(buf []byte) error {
	if len(buf) == 0 || int(buf[0]) != len(buf) {
		return errors.Errorf("malformed outgoing frame of %d bytes", len(buf))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.stream.Write(buf)
	if err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	if n != len(buf) {
		return errors.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	return nil
}

// ReadMessage reads exactly one frame: the length byte first, then the
// remaining length-1 bytes. The returned buffer includes the length byte so
// that decode offsets match the wire layout.
func (c *Conn) ReadMessage() ([]byte, error) {
	var lengthByte [1]byte
	if _, err := io.ReadFull(c.stream, lengthByte[:]); err != nil {
		return nil, err
	}
	total := int(lengthByte[0])
	if total < 3 {
		return nil, errors.Errorf("invalid frame length %d", total)
	}
	buf := make([]byte, total)
	buf[0] = lengthByte[0]
	if _, err := io.ReadFull(c.stream, buf[1:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame body")
	}
	return buf, nil
}

// Close closes the underlying stream. Blocked reads return immediately.
func (c *Conn) Close() error {
	return c.stream.Close()
}
