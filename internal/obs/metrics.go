// Package obs holds the client's Prometheus collectors.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ControlSessions   = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_control_sessions", Help: "Registered control sessions"})
	HeartbeatsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_heartbeats_total", Help: "Heartbeats received on the control channel"})
	ActiveTunnels     = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_active_tunnels", Help: "Tunneled connections currently being proxied"})
	TunnelsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bore_tunnels_total", Help: "Tunneled connections by outcome"}, []string{"outcome"})
	BytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bore_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ServerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_server_errors_total", Help: "Error messages received from the server"})
	TunnelDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bore_tunnel_duration_seconds", Help: "Tunneled connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

// Tunnel outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Relay directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
