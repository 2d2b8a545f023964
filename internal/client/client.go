package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/anyhost/bore/internal/auth"
	"github.com/anyhost/bore/internal/common"
	"github.com/anyhost/bore/internal/obs"
	"github.com/anyhost/bore/internal/protocol"
)

// State represents the current state of a control session.
type State int32

const (
	// StateConnecting indicates the control connection is being opened.
	StateConnecting State = iota

	// StateAuthenticating indicates the challenge-response handshake is running.
	StateAuthenticating

	// StateRegistering indicates Hello was sent and the reply is awaited.
	StateRegistering

	// StateActive indicates the tunnel is registered and notices are dispatched.
	StateActive

	// StateClosed indicates the session has been permanently closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is a registered control session with a relay server. It exposes
// one local TCP service on the server-assigned remote port.
//
// The control loop has no read timeout: a server that stops sending
// heartbeats without closing the connection is not detected.
type Client struct {
	config *common.ClientConfig
	logger *slog.Logger
	dialer *dialer

	// auth is nil when no secret is configured.
	auth       *auth.Authenticator
	conn       *protocol.Codec
	remotePort uint16

	// slots bounds concurrent tunnels; nil means unlimited.
	slots *semaphore.Weighted

	// inFlight holds the ids of tunnels with a running proxy task.
	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]struct{}

	state     atomic.Int32
	listening atomic.Bool
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to the relay server, authenticates if a secret is configured
// and registers the tunnel. ctx bounds only this setup. On failure no
// session exists and the returned error explains why.
func New(ctx context.Context, cfg *common.ClientConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:   cfg,
		logger:   logger.With(slog.String("component", "client")),
		dialer:   newDialer(cfg),
		ctx:      sessionCtx,
		cancel:   cancel,
		inFlight: make(map[uuid.UUID]struct{}),
	}
	if cfg.MaxConnections > 0 {
		c.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}

	if err := c.connect(ctx); err != nil {
		cancel()
		c.setState(StateClosed)
		return nil, err
	}

	obs.ControlSessions.Inc()
	c.logger.Info("connected to server", slog.Int("remote_port", int(c.remotePort)))
	c.logger.Info("listening", slog.String("addr", c.PublicAddr()))

	return c, nil
}

// connect runs the Connecting, Authenticating and Registering states.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Debug("connecting to server", slog.String("addr", c.dialer.serverAddr()))

	conn, err := c.dialer.dialServer(ctx)
	if err != nil {
		return err
	}
	codec := protocol.NewCodec(conn)

	// Unblock the setup reads if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if c.config.Secret != "" {
		c.setState(StateAuthenticating)
		c.auth = auth.New(c.config.Secret)
		if err := c.auth.ClientHandshake(codec, c.config.Timeouts.Handshake); err != nil {
			conn.Close()
			return err
		}
	}

	c.setState(StateRegistering)
	port, err := c.register(codec)
	if err != nil {
		conn.Close()
		return err
	}

	if !stop() {
		conn.Close()
		return protocol.NewError(protocol.ErrConnect, "setup cancelled", ctx.Err())
	}

	c.conn = codec
	c.remotePort = port
	c.setState(StateActive)
	return nil
}

// register sends Hello and waits for the assigned port.
func (c *Client) register(codec *protocol.Codec) (uint16, error) {
	if err := codec.SendClient(protocol.ClientHello{Port: c.config.RemotePort}); err != nil {
		return 0, protocol.NewError(protocol.ErrConnect, "failed to send hello", err)
	}

	msg, err := codec.RecvServerTimeout(c.config.Timeouts.Handshake)
	if err != nil {
		if errors.Is(err, protocol.ErrConnectionClosed) {
			return 0, protocol.NewError(protocol.ErrProtocol, "unexpected EOF during registration", err)
		}
		return 0, err
	}

	switch m := msg.(type) {
	case protocol.ServerHello:
		return m.Port, nil
	case protocol.ServerError:
		return 0, protocol.NewError(protocol.ErrServer, m.Message, nil)
	case protocol.Challenge:
		return 0, protocol.NewError(protocol.ErrAuth,
			"server requires authentication, but no client secret was provided", protocol.ErrSecretRequired)
	default:
		return 0, protocol.NewError(protocol.ErrProtocol,
			fmt.Sprintf("unexpected initial non-hello message %s", protocol.MessageName(msg)), nil)
	}
}

// RemotePort returns the port publicly available on the relay server.
func (c *Client) RemotePort() uint16 {
	return c.remotePort
}

// PublicAddr returns the public address tunneled to the local service.
func (c *Client) PublicAddr() string {
	return net.JoinHostPort(publicHost(c.config.Server), strconv.Itoa(int(c.remotePort)))
}

// Authenticator returns the session's authenticator, or nil when no secret
// is configured.
func (c *Client) Authenticator() *auth.Authenticator {
	return c.auth
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(state State) {
	c.state.Store(int32(state))
}

// Listen dispatches server messages until the control connection ends or
// Close is called, then closes the session and waits for in-flight tunnels
// to wind down. An orderly end of the control connection returns nil.
func (c *Client) Listen() error {
	if !c.listening.CompareAndSwap(false, true) {
		return errors.New("client is already listening")
	}
	defer func() {
		c.Close()
		c.wg.Wait()
	}()

	for {
		msg, err := c.conn.RecvServer()
		if err != nil {
			if c.State() == StateClosed {
				return nil
			}
			if errors.Is(err, protocol.ErrConnectionClosed) {
				c.logger.Info("server closed the control connection")
				return nil
			}
			return fmt.Errorf("control connection failed: %w", err)
		}

		switch m := msg.(type) {
		case protocol.Heartbeat:
			obs.HeartbeatsTotal.Inc()
		case protocol.Connection:
			c.spawn(m.ID)
		case protocol.ServerError:
			obs.ServerErrorsTotal.Inc()
			c.logger.Error("server error", slog.String("message", m.Message))
		case protocol.ServerHello:
			c.logger.Warn("unexpected hello", slog.Int("port", int(m.Port)))
		case protocol.Challenge:
			c.logger.Warn("unexpected challenge")
		}
	}
}

// spawn starts a proxy task for id without waiting for it. A notice for an
// id whose task is still running is dropped, so an id is never claimed
// twice. With a connection limit in place, a notice arriving while all
// slots are taken is dropped as well.
func (c *Client) spawn(id uuid.UUID) {
	if !c.claim(id) {
		obs.TunnelsTotal.WithLabelValues(obs.OutcomeDropped).Inc()
		c.logger.Warn("dropping duplicate connection notice",
			slog.String("connection_id", id.String()))
		return
	}

	if c.slots != nil && !c.slots.TryAcquire(1) {
		c.release(id)
		obs.TunnelsTotal.WithLabelValues(obs.OutcomeDropped).Inc()
		c.logger.Warn("dropping connection, limit reached",
			slog.String("connection_id", id.String()),
			slog.Int("max_connections", c.config.MaxConnections))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(id)
		if c.slots != nil {
			defer c.slots.Release(1)
		}
		c.handleConnection(c.ctx, id)
	}()
}

// claim records id as in flight. It reports false if it already was.
func (c *Client) claim(id uuid.UUID) bool {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()

	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Client) release(id uuid.UUID) {
	c.inFlightMu.Lock()
	delete(c.inFlight, id)
	c.inFlightMu.Unlock()
}

// Close closes the control connection and cancels every in-flight tunnel.
// It does not wait for them and is safe to call more than once and from
// any goroutine.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()
		if cerr := c.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close control connection: %w", cerr)
		}
		obs.ControlSessions.Dec()
		c.logger.Info("client closed")
	})
	return err
}
