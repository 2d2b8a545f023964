// Package auth implements the HMAC challenge-response handshake used to
// prove knowledge of a shared secret to the relay server.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anyhost/bore/internal/protocol"
)

// Authenticator answers and validates challenges with an HMAC-SHA256 keyed
// by the SHA-256 digest of the shared secret. It is safe for concurrent use.
type Authenticator struct {
	mu  sync.Mutex
	mac hash.Hash
}

// New creates an Authenticator for the given secret.
func New(secret string) *Authenticator {
	key := sha256.Sum256([]byte(secret))
	return &Authenticator{
		mac: hmac.New(sha256.New, key[:]),
	}
}

func (a *Authenticator) sum(challenge uuid.UUID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mac.Reset()
	a.mac.Write(challenge[:])
	return a.mac.Sum(nil)
}

// Answer returns the lowercase hex tag for a challenge.
func (a *Authenticator) Answer(challenge uuid.UUID) string {
	return hex.EncodeToString(a.sum(challenge))
}

// Validate reports whether tag is the correct answer to challenge.
// Malformed hex and tags of the wrong length are simply invalid.
func (a *Authenticator) Validate(challenge uuid.UUID, tag string) bool {
	given, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	expected := a.sum(challenge)
	if len(given) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(given, expected) == 1
}

// ClientHandshake answers the server's challenge on a fresh connection.
// The server never confirms success; it simply carries on with the session
// or closes the connection.
func (a *Authenticator) ClientHandshake(codec *protocol.Codec, timeout time.Duration) error {
	msg, err := codec.RecvServerTimeout(timeout)
	if err != nil {
		if protocol.IsTimeout(err) {
			return protocol.NewError(protocol.ErrAuth, "no authentication challenge received; the server may not require a secret",
				fmt.Errorf("%w: %w", protocol.ErrNoChallenge, err))
		}
		return protocol.NewError(protocol.ErrAuth, "failed to read authentication challenge", err)
	}

	challenge, ok := msg.(protocol.Challenge)
	if !ok {
		return protocol.NewError(protocol.ErrAuth,
			fmt.Sprintf("expected authentication challenge, got %s; the server may not require a secret", protocol.MessageName(msg)), protocol.ErrNoChallenge)
	}

	if err := codec.SendClient(protocol.Authenticate{Tag: a.Answer(challenge.ID)}); err != nil {
		return protocol.NewError(protocol.ErrAuth, "failed to send authentication tag", err)
	}
	return nil
}

// ServerHandshake issues a challenge and validates the client's answer.
func (a *Authenticator) ServerHandshake(codec *protocol.Codec, timeout time.Duration) error {
	challenge := uuid.New()
	if err := codec.SendServer(protocol.Challenge{ID: challenge}); err != nil {
		return protocol.NewError(protocol.ErrAuth, "failed to send authentication challenge", err)
	}

	msg, err := codec.RecvClientTimeout(timeout)
	if err != nil {
		return protocol.NewError(protocol.ErrAuth, "failed to read authentication tag", err)
	}

	answer, ok := msg.(protocol.Authenticate)
	if !ok {
		return protocol.NewError(protocol.ErrAuth, fmt.Sprintf("expected authentication tag, got %s", protocol.MessageName(msg)), nil)
	}
	if !a.Validate(challenge, answer.Tag) {
		return protocol.NewError(protocol.ErrAuth, "invalid secret", nil)
	}
	return nil
}
