package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Codec frames messages over a connection. Each frame is the JSON encoding
// of one message followed by a single zero byte.
//
// Writes are serialized so concurrent senders never interleave frames.
// Reads are serialized as well. A failed read (timeout, oversized or
// undecodable frame) leaves the stream at an unknown position, so the codec
// refuses further reads and the connection should be closed.
type Codec struct {
	conn   net.Conn
	reader *bufio.Reader

	readMu  sync.Mutex
	readErr error
	writeMu sync.Mutex
}

// NewCodec creates a new Codec for the given connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Conn returns the underlying connection.
func (c *Codec) Conn() net.Conn {
	return c.conn
}

// WriteFrame writes data followed by the null terminator as a single write.
func (c *Codec) WriteFrame(data []byte) error {
	if len(data) > MaxFrameLength {
		return NewError(ErrProtocol, fmt.Sprintf("frame of %d bytes exceeds maximum of %d", len(data), MaxFrameLength), ErrFrameTooLarge)
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, 0)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame without its terminator. It returns
// ErrConnectionClosed if the stream ended before any byte of a new frame.
// A stream that ends in the middle of a frame yields the partial frame.
func (c *Codec) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	return c.readFrame()
}

// ReadFrameTimeout behaves like ReadFrame but fails with ErrTimeout if no
// complete frame arrives within d.
func (c *Codec) ReadFrameTimeout(d time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	data, err := c.readFrame()
	if resetErr := c.conn.SetReadDeadline(time.Time{}); resetErr != nil && err == nil {
		err = fmt.Errorf("failed to clear read deadline: %w", resetErr)
		c.readErr = err
	}
	return data, err
}

func (c *Codec) readFrame() ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}

	var buf []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return nil, ErrConnectionClosed
				}
				return buf, nil
			}
			return nil, c.fail(readError(err))
		}
		if b == 0 {
			return buf, nil
		}
		if len(buf) == MaxFrameLength {
			return nil, c.fail(NewError(ErrProtocol, fmt.Sprintf("frame exceeds maximum of %d bytes", MaxFrameLength), ErrFrameTooLarge))
		}
		buf = append(buf, b)
	}
}

func (c *Codec) fail(err error) error {
	c.readErr = err
	return err
}

func readError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return NewError(ErrConnect, "timed out waiting for message", ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrConnect, "timed out waiting for message", ErrTimeout)
	}
	return fmt.Errorf("failed to read frame: %w", err)
}

// Drain removes and returns any bytes already read from the connection but
// not yet consumed as frames. After Drain, reads on Conn() see the stream
// exactly where the last frame ended.
func (c *Codec) Drain() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	n := c.reader.Buffered()
	if n == 0 {
		return nil, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, fmt.Errorf("failed to drain buffered data: %w", err)
	}
	return data, nil
}

// SendClient encodes and writes a client message.
func (c *Codec) SendClient(msg ClientMessage) error {
	data, err := EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

// SendServer encodes and writes a server message.
func (c *Codec) SendServer(msg ServerMessage) error {
	data, err := EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

// RecvServer reads and decodes the next server message.
func (c *Codec) RecvServer() (ServerMessage, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return c.decodeServer(data)
}

// RecvServerTimeout reads and decodes the next server message, failing
// with ErrTimeout if none arrives within d.
func (c *Codec) RecvServerTimeout(d time.Duration) (ServerMessage, error) {
	data, err := c.ReadFrameTimeout(d)
	if err != nil {
		return nil, err
	}
	return c.decodeServer(data)
}

// RecvClient reads and decodes the next client message.
func (c *Codec) RecvClient() (ClientMessage, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		c.poison(err)
		return nil, err
	}
	return msg, nil
}

// RecvClientTimeout reads and decodes the next client message, failing
// with ErrTimeout if none arrives within d.
func (c *Codec) RecvClientTimeout(d time.Duration) (ClientMessage, error) {
	data, err := c.ReadFrameTimeout(d)
	if err != nil {
		return nil, err
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		c.poison(err)
		return nil, err
	}
	return msg, nil
}

func (c *Codec) decodeServer(data []byte) (ServerMessage, error) {
	msg, err := DecodeServerMessage(data)
	if err != nil {
		c.poison(err)
		return nil, err
	}
	return msg, nil
}

func (c *Codec) poison(err error) {
	c.readMu.Lock()
	c.readErr = err
	c.readMu.Unlock()
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
