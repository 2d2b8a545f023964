package common

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anyhost/bore/internal/protocol"
)

// ClientConfig holds configuration for the tunnel client.
type ClientConfig struct {
	// LocalHost is the host of the local service to expose.
	LocalHost string `yaml:"local_host"`

	// LocalPort is the port of the local service to expose.
	LocalPort uint16 `yaml:"local_port"`

	// Server is the relay server: a host name or address, or a ws:// or
	// wss:// URL when the relay sits behind a WebSocket gateway.
	Server string `yaml:"server"`

	// ControlPort is the relay's control port.
	ControlPort uint16 `yaml:"control_port"`

	// RemotePort is the public port to request (0 = server chooses).
	RemotePort uint16 `yaml:"remote_port"`

	// Secret is the optional shared secret for authentication.
	Secret string `yaml:"secret"`

	// MaxConnections bounds concurrent tunneled connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`

	// Timeouts configuration for connects, handshakes and relays.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Reconnect configuration for the CLI supervisor.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// TimeoutsConfig holds timeout configuration.
type TimeoutsConfig struct {
	// Connect bounds each TCP or WebSocket connect.
	Connect time.Duration `yaml:"connect"`

	// Handshake bounds each read during authentication and registration.
	Handshake time.Duration `yaml:"handshake"`

	// Relay is the safety bound on a single tunneled connection's lifetime.
	Relay time.Duration `yaml:"relay"`
}

// ReconnectConfig holds reconnection settings.
type ReconnectConfig struct {
	// Enabled indicates whether automatic reconnection is enabled.
	Enabled bool `yaml:"enabled"`

	// InitialDelay is the initial delay before the first reconnection attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between reconnection attempts.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the factor by which the delay increases after each attempt.
	Multiplier float64 `yaml:"multiplier"`

	// MaxAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxAttempts int `yaml:"max_attempts"`
}

// MetricsConfig holds configuration for the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		LocalHost:   "localhost",
		ControlPort: protocol.ControlPort,
		Timeouts: TimeoutsConfig{
			Connect:   protocol.NetworkTimeout,
			Handshake: protocol.NetworkTimeout,
			Relay:     time.Hour,
		},
		Reconnect: ReconnectConfig{
			Enabled:      false,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  0, // unlimited
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		LogLevel: "info",
	}
}

// LoadClientConfig loads client configuration from a YAML file on top of
// the defaults. The result is not validated so that flags can still fill
// in missing fields.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultClientConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Validate checks if the client configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if IsWebSocketURL(c.Server) {
		if _, err := url.Parse(c.Server); err != nil {
			return fmt.Errorf("invalid server URL: %w", err)
		}
	} else if c.ControlPort == 0 {
		return fmt.Errorf("control_port must be between 1 and 65535")
	}
	if c.LocalHost == "" {
		return fmt.Errorf("local_host is required")
	}
	if c.LocalPort == 0 {
		return fmt.Errorf("local_port must be between 1 and 65535")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative")
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Handshake <= 0 {
		return fmt.Errorf("timeouts.connect and timeouts.handshake must be positive")
	}
	if c.Timeouts.Relay < 0 {
		return fmt.Errorf("timeouts.relay cannot be negative")
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			return fmt.Errorf("reconnect delays must satisfy 0 < initial_delay <= max_delay")
		}
		if c.Reconnect.Multiplier < 1 {
			return fmt.Errorf("reconnect.multiplier must be at least 1")
		}
	}
	return nil
}

// IsWebSocketURL reports whether addr names a WebSocket endpoint.
func IsWebSocketURL(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}
