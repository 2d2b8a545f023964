package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anyhost/bore/internal/obs"
	"github.com/anyhost/bore/internal/protocol"
)

// handleConnection claims one tunneled connection and relays it to the
// local service. Failures are logged and affect only this connection.
func (c *Client) handleConnection(ctx context.Context, id uuid.UUID) {
	logger := c.logger.With(slog.String("connection_id", id.String()))
	logger.Info("new connection")

	obs.ActiveTunnels.Inc()
	defer obs.ActiveTunnels.Dec()

	startTime := time.Now()
	stats, err := c.proxy(ctx, id)
	duration := time.Since(startTime)

	obs.TunnelDuration.Observe(duration.Seconds())
	obs.BytesTotal.WithLabelValues(obs.DirectionInbound).Add(float64(stats.Inbound))
	obs.BytesTotal.WithLabelValues(obs.DirectionOutbound).Add(float64(stats.Outbound))

	attrs := []any{
		slog.Int64("bytes_in", stats.Inbound),
		slog.Int64("bytes_out", stats.Outbound),
		slog.Duration("duration", duration),
	}

	if err != nil {
		obs.TunnelsTotal.WithLabelValues(obs.OutcomeFailed).Inc()
		if ctx.Err() != nil {
			logger.Debug("connection cancelled", append(attrs, slog.Any("error", err))...)
			return
		}
		logger.Warn("connection exited with error", append(attrs, slog.Any("error", err))...)
		return
	}

	obs.TunnelsTotal.WithLabelValues(obs.OutcomeCompleted).Inc()
	logger.Info("connection exited", attrs...)
}

// proxy opens a data-plane connection to the server, authenticates it,
// claims id with Accept and bridges it to a fresh local connection.
func (c *Client) proxy(ctx context.Context, id uuid.UUID) (RelayStats, error) {
	remoteConn, err := c.dialer.dialServer(ctx)
	if err != nil {
		return RelayStats{}, err
	}
	defer remoteConn.Close()

	// Unblock the handshake if the session is closed meanwhile.
	stop := context.AfterFunc(ctx, func() { remoteConn.Close() })
	defer stop()

	remote := protocol.NewCodec(remoteConn)

	// Each physical connection authenticates on its own.
	if c.auth != nil {
		if err := c.auth.ClientHandshake(remote, c.config.Timeouts.Handshake); err != nil {
			return RelayStats{}, err
		}
	}

	if err := remote.SendClient(protocol.Accept{ID: id}); err != nil {
		return RelayStats{}, fmt.Errorf("failed to accept connection: %w", err)
	}

	localConn, err := c.dialer.dialLocal(ctx, c.config.LocalHost, c.config.LocalPort)
	if err != nil {
		return RelayStats{}, err
	}
	defer localConn.Close()

	// Bytes the server sent ahead of schedule were read into the codec's
	// buffer and must reach the local service first.
	buffered, err := remote.Drain()
	if err != nil {
		return RelayStats{}, err
	}
	if len(buffered) > 0 {
		if _, err := localConn.Write(buffered); err != nil {
			return RelayStats{}, fmt.Errorf("failed to forward buffered data: %w", err)
		}
	}

	stats, err := Relay(ctx, localConn, remoteConn, c.config.Timeouts.Relay)
	stats.Inbound += int64(len(buffered))
	return stats, err
}
