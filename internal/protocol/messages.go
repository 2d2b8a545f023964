package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Variant keys. The casing is part of the wire contract with the server.
const (
	keyAuthenticate = "Authenticate"
	keyHello        = "Hello"
	keyAccept       = "Accept"
	keyChallenge    = "Challenge"
	keyHeartbeat    = "Heartbeat"
	keyConnection   = "Connection"
	keyError        = "Error"
)

// ClientMessage is a message sent from the client to the server.
// It is implemented by Authenticate, ClientHello and Accept.
type ClientMessage interface {
	clientMessage()
}

// Authenticate answers a Challenge with a hex-encoded MAC tag.
type Authenticate struct {
	Tag string
}

// ClientHello registers a tunnel on the given remote port (0 lets the
// server choose).
type ClientHello struct {
	Port uint16
}

// Accept claims the tunneled connection announced by a Connection notice.
type Accept struct {
	ID uuid.UUID
}

func (Authenticate) clientMessage() {}
func (ClientHello) clientMessage()  {}
func (Accept) clientMessage()       {}

// ServerMessage is a message sent from the server to the client.
// It is implemented by Challenge, ServerHello, Heartbeat, Connection and
// ServerError.
type ServerMessage interface {
	serverMessage()
}

// Challenge asks the client to prove knowledge of the shared secret.
type Challenge struct {
	ID uuid.UUID
}

// ServerHello confirms registration and carries the assigned remote port.
type ServerHello struct {
	Port uint16
}

// Heartbeat is sent periodically on the control channel. It has no payload.
type Heartbeat struct{}

// Connection announces a new inbound connection on the public port.
type Connection struct {
	ID uuid.UUID
}

// ServerError reports an error from the server.
type ServerError struct {
	Message string
}

func (Challenge) serverMessage()   {}
func (ServerHello) serverMessage() {}
func (Heartbeat) serverMessage()   {}
func (Connection) serverMessage()  {}
func (ServerError) serverMessage() {}

// MessageName returns the wire name of a client or server message variant.
func MessageName(msg any) string {
	switch msg.(type) {
	case Authenticate:
		return keyAuthenticate
	case ClientHello, ServerHello:
		return keyHello
	case Accept:
		return keyAccept
	case Challenge:
		return keyChallenge
	case Heartbeat:
		return keyHeartbeat
	case Connection:
		return keyConnection
	case ServerError:
		return keyError
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// EncodeClientMessage returns the canonical JSON form of msg.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	switch m := msg.(type) {
	case Authenticate:
		return encodeVariant(keyAuthenticate, m.Tag)
	case ClientHello:
		return encodeVariant(keyHello, m.Port)
	case Accept:
		return encodeVariant(keyAccept, m.ID)
	default:
		return nil, fmt.Errorf("unknown client message %T", msg)
	}
}

// EncodeServerMessage returns the canonical JSON form of msg.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case Challenge:
		return encodeVariant(keyChallenge, m.ID)
	case ServerHello:
		return encodeVariant(keyHello, m.Port)
	case Heartbeat:
		return encodeVariant(keyHeartbeat, nil)
	case Connection:
		return encodeVariant(keyConnection, m.ID)
	case ServerError:
		return encodeVariant(keyError, m.Message)
	default:
		return nil, fmt.Errorf("unknown server message %T", msg)
	}
}

// DecodeClientMessage parses a single client message. Unknown fields are
// ignored.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	key, raw, err := decodeVariant(data, keyAuthenticate, keyHello, keyAccept)
	if err != nil {
		return nil, err
	}

	switch key {
	case keyAuthenticate:
		var tag string
		if err := decodePayload(key, raw, &tag); err != nil {
			return nil, err
		}
		return Authenticate{Tag: tag}, nil
	case keyHello:
		var port uint16
		if err := decodePayload(key, raw, &port); err != nil {
			return nil, err
		}
		return ClientHello{Port: port}, nil
	default:
		var id uuid.UUID
		if err := decodePayload(key, raw, &id); err != nil {
			return nil, err
		}
		return Accept{ID: id}, nil
	}
}

// DecodeServerMessage parses a single server message. Unknown fields are
// ignored. The payload-less Heartbeat is accepted both as an object and as
// the bare JSON string "Heartbeat".
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var unit string
	if json.Unmarshal(data, &unit) == nil {
		if unit == keyHeartbeat {
			return Heartbeat{}, nil
		}
		return nil, NewError(ErrProtocol, fmt.Sprintf("unknown server message %q", unit), ErrDecode)
	}

	key, raw, err := decodeVariant(data, keyChallenge, keyHello, keyHeartbeat, keyConnection, keyError)
	if err != nil {
		return nil, err
	}

	switch key {
	case keyChallenge:
		var id uuid.UUID
		if err := decodePayload(key, raw, &id); err != nil {
			return nil, err
		}
		return Challenge{ID: id}, nil
	case keyHello:
		var port uint16
		if err := decodePayload(key, raw, &port); err != nil {
			return nil, err
		}
		return ServerHello{Port: port}, nil
	case keyHeartbeat:
		return Heartbeat{}, nil
	case keyConnection:
		var id uuid.UUID
		if err := decodePayload(key, raw, &id); err != nil {
			return nil, err
		}
		return Connection{ID: id}, nil
	default:
		var message string
		if err := decodePayload(key, raw, &message); err != nil {
			return nil, err
		}
		return ServerError{Message: message}, nil
	}
}

func encodeVariant(key string, payload any) ([]byte, error) {
	data, err := json.Marshal(map[string]any{key: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return data, nil
}

// decodeVariant finds the one recognized key in a JSON object. Objects with
// none or several of the recognized keys are rejected.
func decodeVariant(data []byte, keys ...string) (string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, NewError(ErrProtocol, "malformed message", fmt.Errorf("%w: %v", ErrDecode, err))
	}
	if fields == nil {
		return "", nil, NewError(ErrProtocol, "message is not an object", ErrDecode)
	}

	var (
		found string
		raw   json.RawMessage
	)
	for _, key := range keys {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if found != "" {
			return "", nil, NewError(ErrProtocol, fmt.Sprintf("ambiguous message with both %s and %s", found, key), ErrDecode)
		}
		found, raw = key, value
	}
	if found == "" {
		return "", nil, NewError(ErrProtocol, "no recognized message variant", ErrDecode)
	}
	return found, raw, nil
}

func decodePayload(key string, raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return NewError(ErrProtocol, fmt.Sprintf("missing %s payload", key), ErrDecode)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return NewError(ErrProtocol, fmt.Sprintf("invalid %s payload", key), fmt.Errorf("%w: %v", ErrDecode, err))
	}
	return nil
}
