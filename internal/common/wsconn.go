package common

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn wraps a websocket.Conn to implement net.Conn interface.
// This lets the frame codec and the relay run unchanged over a WebSocket
// gateway in front of the relay server. Message boundaries are not
// significant; the connection behaves as one byte stream.
type WSConn struct {
	ws     *websocket.Conn
	reader io.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewWSConn creates a new WSConn wrapper.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{
		ws: ws,
	}
}

// Read reads data from the WebSocket connection. A normal close from the
// peer is reported as io.EOF.
func (c *WSConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			_, reader, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = reader
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// Write writes data to the WebSocket connection as one binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite sends a close frame so the peer sees end-of-stream.
//
// WebSocket has no true half-close. Messages the peer sent before it
// received the close frame are still delivered, but a peer that answers
// the close (as gorilla/websocket does by default) can send nothing after
// it, and Read then returns io.EOF.
func (c *WSConn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Close closes the WebSocket connection.
func (c *WSConn) Close() error {
	return c.ws.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
