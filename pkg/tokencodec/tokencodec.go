// Package tokencodec mints and verifies the signed, expiring session
// tokens that carry a Connection's recoverable identity across a
// transport-level reconnect (spec.md §4.1). Tokens are HMAC-signed JWTs;
// the codec is otherwise stateless and deterministic in its inputs.
package tokencodec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aionbuilders/helios/pkg/clock"
)

// MinSecretLen is the minimum signing-key length the codec accepts,
// matching spec.md §4.1's "at least 256 bits of entropy" requirement.
const MinSecretLen = 32

// ErrSecretTooShort is returned by New when the configured secret is
// shorter than MinSecretLen bytes.
var ErrSecretTooShort = fmt.Errorf("tokencodec: secret must be at least %d bytes", MinSecretLen)

// ErrInvalid is returned by Verify for any token that fails signature
// verification, is malformed, or has expired. The spec treats all of
// these as a single SESSION_INVALID/SESSION_EXPIRED outcome that
// downgrades to fresh-session creation, so callers do not need to
// distinguish the cause.
var ErrInvalid = errors.New("tokencodec: invalid or expired token")

// Session is the record carried inside a token. It is never stored
// server-side beyond the Connection it names.
type Session struct {
	SessionID    string
	ConnectionID string
	Metadata     map[string]any
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Codec mints and verifies Session tokens.
type Codec struct {
	secret []byte
	clock  clock.Clock
}

// New constructs a Codec with the given signing secret. It returns
// ErrSecretTooShort if secret is under MinSecretLen bytes.
func New(secret []byte) (*Codec, error) {
	return NewWithClock(secret, clock.New())
}

// NewWithClock is New with an injectable Clock, for deterministic tests.
func NewWithClock(secret []byte, c clock.Clock) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Codec{secret: secret, clock: c}, nil
}

type claims struct {
	SessionID string         `json:"sid"`
	Metadata  map[string]any `json:"md,omitempty"`
	jwt.RegisteredClaims
}

// Mint signs a new token naming sessionID and connectionID, carrying
// metadata, valid for ttl starting now.
func (c *Codec) Mint(sessionID, connectionID string, metadata map[string]any, ttl time.Duration) (string, error) {
	now := c.clock.Now()
	cl := claims{
		SessionID: sessionID,
		Metadata:  metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connectionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString(c.secret)
}

// Verify checks a token's signature and expiry, returning the Session it
// carries. It returns ErrInvalid for any malformed, unsigned, or expired
// token, or one signed under a different secret.
func (c *Codec) Verify(tokenString string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.clock.Now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalid
	}

	cl, ok := parsed.Claims.(*claims)
	if !ok || cl.ExpiresAt == nil || cl.IssuedAt == nil {
		return nil, ErrInvalid
	}

	return &Session{
		SessionID:    cl.SessionID,
		ConnectionID: cl.Subject,
		Metadata:     cl.Metadata,
		IssuedAt:     cl.IssuedAt.Time,
		ExpiresAt:    cl.ExpiresAt.Time,
	}, nil
}

// Refresh re-mints a token for the same session, with a fresh issuance
// and expiry. It never rotates sessionID, connectionID, or metadata.
func (c *Codec) Refresh(prev *Session, ttl time.Duration) (string, error) {
	return c.Mint(prev.SessionID, prev.ConnectionID, prev.Metadata, ttl)
}
