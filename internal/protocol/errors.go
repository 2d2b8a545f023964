package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	// ErrConnect indicates the server or local service could not be reached.
	ErrConnect = errors.New("connect error")

	// ErrProtocol indicates the peer violated the wire protocol.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth indicates an authentication mismatch or handshake failure.
	ErrAuth = errors.New("authentication error")

	// ErrServer indicates the server reported an explicit error.
	ErrServer = errors.New("server error")
)

// Causes that may sit underneath an Error.
var (
	// ErrConnectionClosed indicates the peer closed the stream before a frame began.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrFrameTooLarge indicates a frame exceeded MaxFrameLength.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrDecode indicates a frame did not match the message grammar.
	ErrDecode = errors.New("invalid protocol message")

	// ErrNoChallenge indicates a secret was configured but the server did
	// not open with a Challenge.
	ErrNoChallenge = errors.New("server did not send a challenge")

	// ErrSecretRequired indicates the server demanded authentication that
	// the client did not attempt.
	ErrSecretRequired = errors.New("server requires a secret")
)

// Error carries a kind from the taxonomy above, a human-readable message and
// an optional underlying cause.
type Error struct {
	Kind       error
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Underlying.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns both the kind and the cause for errors.Is/As support.
func (e *Error) Unwrap() []error {
	if e.Underlying == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Underlying}
}

// NewError creates a new Error with the given details.
func NewError(kind error, message string, underlying error) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Underlying: underlying,
	}
}

// IsTimeout reports whether err was caused by a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
