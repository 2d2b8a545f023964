package client

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/anyhost/bore/internal/common"
)

// Reconnector paces attempts to re-establish a session with exponential
// backoff and jitter. Client never retries on its own.
type Reconnector struct {
	config *common.ReconnectConfig
	logger *slog.Logger

	mu       sync.Mutex
	attempts int
	delay    time.Duration
}

// NewReconnector creates a Reconnector for cfg.
func NewReconnector(cfg *common.ReconnectConfig, logger *slog.Logger) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		config: cfg,
		logger: logger.With(slog.String("component", "reconnector")),
		delay:  cfg.InitialDelay,
	}
}

// NextDelay records an attempt and returns how long to wait before it.
// ok is false once MaxAttempts is exceeded.
func (r *Reconnector) NextDelay() (delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts++
	if r.config.MaxAttempts > 0 && r.attempts > r.config.MaxAttempts {
		r.logger.Warn("max reconnection attempts exceeded",
			slog.Int("attempts", r.attempts-1),
			slog.Int("max_attempts", r.config.MaxAttempts))
		return 0, false
	}

	base := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(r.attempts-1))
	base = math.Min(base, float64(r.config.MaxDelay))

	// Up to 25% jitter on top.
	r.delay = time.Duration(base + base*0.25*rand.Float64())

	r.logger.Debug("calculated reconnect delay",
		slog.Int("attempt", r.attempts),
		slog.Duration("delay", r.delay))
	return r.delay, true
}

// Wait sleeps until the next attempt is due. It returns false if attempts
// are exhausted or ctx is done first.
func (r *Reconnector) Wait(ctx context.Context) bool {
	delay, ok := r.NextDelay()
	if !ok {
		return false
	}

	r.logger.Info("reconnecting", slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Reset starts the backoff over after a successful session.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = 0
	r.delay = r.config.InitialDelay
}

// Attempts returns the number of attempts since the last Reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CurrentDelay returns the most recent delay.
func (r *Reconnector) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}
