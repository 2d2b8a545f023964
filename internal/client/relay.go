package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anyhost/bore/internal/protocol"
)

const relayBufferSize = 32 * 1024

// RelayStats counts the bytes moved by Relay.
type RelayStats struct {
	// Inbound is the number of bytes copied from remote to local.
	Inbound int64

	// Outbound is the number of bytes copied from local to remote.
	Outbound int64
}

// closeWriter is implemented by connections that support half-close.
type closeWriter interface {
	CloseWrite() error
}

// Relay copies data between local and remote in both directions until both
// reach end-of-stream. When one direction finishes, its destination is
// half-closed and the other direction keeps draining. Over the WebSocket
// transport the half-close is a close frame, which ends the remote
// direction too once the peer answers it.
//
// If maxLifetime elapses (when positive) or ctx is cancelled first, both
// connections are closed to force the copies to stop. Relay never closes
// the connections otherwise; that is left to the caller.
func Relay(ctx context.Context, local, remote net.Conn, maxLifetime time.Duration) (RelayStats, error) {
	if maxLifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxLifetime)
		defer cancel()
	}

	var (
		inbound, outbound atomic.Int64
		wg                sync.WaitGroup
	)
	errCh := make(chan error, 2)
	wg.Add(2)

	// Remote -> Local
	go func() {
		defer wg.Done()
		if err := pipe(local, remote, &inbound); err != nil {
			errCh <- fmt.Errorf("remote->local: %w", err)
		}
	}()

	// Local -> Remote
	go func() {
		defer wg.Done()
		if err := pipe(remote, local, &outbound); err != nil {
			errCh <- fmt.Errorf("local->remote: %w", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		local.Close()
		remote.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = protocol.NewError(protocol.ErrConnect, "relay exceeded its maximum lifetime", protocol.ErrTimeout)
		} else {
			result = ctx.Err()
		}
	}
	close(errCh)

	stats := RelayStats{Inbound: inbound.Load(), Outbound: outbound.Load()}
	if result != nil {
		return stats, result
	}
	// Return first error if any
	for err := range errCh {
		return stats, err
	}
	return stats, nil
}

// pipe copies src to dst until src reaches end-of-stream, then half-closes
// dst. Each chunk is written as soon as it is read.
func pipe(dst, src net.Conn, counter *atomic.Int64) error {
	buf := make([]byte, relayBufferSize)
	var copyErr error
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			counter.Add(int64(written))
			if werr != nil {
				copyErr = werr
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				copyErr = err
			}
			break
		}
	}

	// Signal EOF to the other side
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	}

	if isClosedError(copyErr) {
		return nil
	}
	return copyErr
}

// isClosedError checks if the error is due to a closed connection.
func isClosedError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
