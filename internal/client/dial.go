package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anyhost/bore/internal/common"
	"github.com/anyhost/bore/internal/protocol"
)

// dialer opens connections to the relay server and to the local service.
// Every connect is bounded by timeout.
type dialer struct {
	server      string
	controlPort uint16
	timeout     time.Duration
	ws          *websocket.Dialer
}

func newDialer(cfg *common.ClientConfig) *dialer {
	return &dialer{
		server:      cfg.Server,
		controlPort: cfg.ControlPort,
		timeout:     cfg.Timeouts.Connect,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeouts.Connect,
		},
	}
}

// serverAddr returns the address used for every connection to the relay.
func (d *dialer) serverAddr() string {
	if common.IsWebSocketURL(d.server) {
		return d.server
	}
	return net.JoinHostPort(d.server, strconv.Itoa(int(d.controlPort)))
}

// dialServer opens a new connection to the relay's control port, over
// WebSocket when the server is a ws:// or wss:// URL.
func (d *dialer) dialServer(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addr := d.serverAddr()
	if common.IsWebSocketURL(d.server) {
		ws, resp, err := d.ws.DialContext(ctx, addr, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, connectError(ctx, addr, err)
		}
		return common.NewWSConn(ws), nil
	}

	return d.dialTCP(ctx, addr)
}

// dialLocal opens a connection to the local service.
func (d *dialer) dialLocal(ctx context.Context, host string, port uint16) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return d.dialTCP(ctx, net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (d *dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectError(ctx, addr, err)
	}
	return conn, nil
}

func connectError(ctx context.Context, addr string, err error) error {
	msg := fmt.Sprintf("could not connect to %s", addr)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.NewError(protocol.ErrConnect, msg, fmt.Errorf("%w: %w", protocol.ErrTimeout, err))
	}
	return protocol.NewError(protocol.ErrConnect, msg, err)
}

// publicHost returns the host clients of the tunnel connect to.
func publicHost(server string) string {
	if !common.IsWebSocketURL(server) {
		return server
	}
	u, err := url.Parse(server)
	if err != nil {
		return server
	}
	return u.Hostname()
}
