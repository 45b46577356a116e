package control

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// Authenticator checks the token carried by each Command.
// A disabled authenticator accepts every command.
type Authenticator struct {
	enabled bool
	token   string
}

// NewAuthenticator returns an authenticator requiring token.
// An empty token disables authentication.
func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{enabled: token != "", token: token}
}

// Enabled reports whether commands must carry a token.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Validate checks a provided token in constant time.
func (a *Authenticator) Validate(provided string) error {
	if !a.enabled {
		return nil
	}
	if provided == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(provided)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// GenerateToken returns a random 256 bit token in hex, suitable for
// PARK_CONTROL_TOKEN.
func GenerateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("control: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
