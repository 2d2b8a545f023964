package client

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anyhost/bore/internal/auth"
	"github.com/anyhost/bore/internal/common"
	"github.com/anyhost/bore/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listenTCP opens a loopback listener that is closed when the test ends.
func listenTCP(t *testing.T) (net.Listener, uint16) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ln, uint16(port)
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

func testConfig(controlPort, localPort uint16) *common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Server = "127.0.0.1"
	cfg.ControlPort = controlPort
	cfg.LocalHost = "127.0.0.1"
	cfg.LocalPort = localPort
	cfg.Timeouts.Connect = time.Second
	cfg.Timeouts.Handshake = time.Second
	return cfg
}

// echoService runs a local service that echoes every connection.
func echoService(t *testing.T) uint16 {
	t.Helper()

	ln, port := listenTCP(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return port
}

// recordingService runs a local service that reports everything received
// on each connection once the client half-closes it.
func recordingService(t *testing.T) (uint16, <-chan []byte) {
	t.Helper()

	ln, port := listenTCP(t)
	received := make(chan []byte, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				data, _ := io.ReadAll(conn)
				received <- data
			}()
		}
	}()
	return port, received
}

// acceptedConn is a data-plane connection claimed by the client.
type acceptedConn struct {
	id    uuid.UUID
	codec *protocol.Codec
}

// fakeRelay is a scripted relay server. Control connections are answered
// with Hello(port) and handed to the test; data-plane connections are
// handed over once their Accept arrives.
type fakeRelay struct {
	ln       net.Listener
	port     uint16
	auth     *auth.Authenticator
	assigned uint16

	controls chan *protocol.Codec
	accepts  chan acceptedConn

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func newFakeRelay(t *testing.T, secret string) *fakeRelay {
	t.Helper()

	ln, port := listenTCP(t)
	r := &fakeRelay{
		ln:       ln,
		port:     port,
		assigned: 9000,
		controls: make(chan *protocol.Codec, 4),
		accepts:  make(chan acceptedConn, 16),
	}
	if secret != "" {
		r.auth = auth.New(secret)
	}
	t.Cleanup(r.close)
	go r.serve()
	return r
}

func (r *fakeRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conns = append(r.conns, conn)
		r.mu.Unlock()

		go r.handle(conn)
	}
}

func (r *fakeRelay) close() {
	r.ln.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, conn := range r.conns {
		conn.Close()
	}
}

func (r *fakeRelay) handle(conn net.Conn) {
	codec := protocol.NewCodec(conn)
	if r.auth != nil {
		if err := r.auth.ServerHandshake(codec, time.Second); err != nil {
			conn.Close()
			return
		}
	}

	msg, err := codec.RecvClientTimeout(time.Second)
	if err != nil {
		conn.Close()
		return
	}

	switch m := msg.(type) {
	case protocol.ClientHello:
		if err := codec.SendServer(protocol.ServerHello{Port: r.assigned}); err != nil {
			conn.Close()
			return
		}
		r.controls <- codec
	case protocol.Accept:
		r.accepts <- acceptedConn{id: m.ID, codec: codec}
	default:
		conn.Close()
	}
}

func (r *fakeRelay) control(t *testing.T) *protocol.Codec {
	t.Helper()
	select {
	case codec := <-r.controls:
		return codec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control connection")
		return nil
	}
}

func (r *fakeRelay) accepted(t *testing.T) acceptedConn {
	t.Helper()
	select {
	case ac := <-r.accepts:
		return ac
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
		return acceptedConn{}
	}
}

func (r *fakeRelay) expectNoAccept(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ac := <-r.accepts:
		t.Fatalf("unexpected Accept for %s", ac.id)
	case <-time.After(wait):
	}
}

// listenAsync runs Listen in the background and returns its result channel.
func listenAsync(c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Listen() }()
	return done
}

func waitListen(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return")
		return nil
	}
}
