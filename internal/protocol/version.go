// Package protocol defines the wire protocol spoken with a bore relay server.
// Messages are JSON objects with a single key naming the variant, sent as
// null-terminated frames over a plain byte stream.
package protocol

import "time"

const (
	// ControlPort is the TCP port the relay server listens on for control
	// and data-plane connections.
	ControlPort = 7835

	// MaxFrameLength is the maximum length in bytes of a single frame,
	// excluding its null terminator.
	MaxFrameLength = 256

	// NetworkTimeout bounds connection establishment and the initial
	// protocol messages of every connection.
	NetworkTimeout = 3 * time.Second
)
