package poweredup

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnFraming(t *testing.T) {
	client, server := net.Pipe()
	a, b := NewConn(client), NewConn(server)
	defer a.Close()
	defer b.Close()

	sent := frame(MsgTypeCommandFeedback, 0x00, 0x0A)
	go func() { _ = a.WriteMessage(sent) }()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	got, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, sent, got, "reader keeps the length byte at offset 0")
}

func TestConnRejectsMalformedWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(client)
	assert.Error(t, c.WriteMessage(nil))
	assert.Error(t, c.WriteMessage([]byte{0x09, 0x00, 0x82}), "length byte must match")
}

func TestConnReadRejectsShortFrames(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	go func() {
		_, _ = server.Write([]byte{0x02, 0x00})
	}()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := c.ReadMessage()
	assert.Error(t, err, "frames shorter than a header are invalid")
}

func TestConnReadSplitAcrossWrites(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	sent := frame(MsgTypePortValue, 0x00, 0x10, 0x00, 0x00, 0x00)
	go func() {
		// Byte-dribble the frame; the reader must reassemble it.
		for _, by := range sent {
			_, _ = server.Write([]byte{by})
		}
	}()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	got, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := Dial(ln.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never saw the connection")
	}
}
