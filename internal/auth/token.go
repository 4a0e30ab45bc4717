// ABOUTME: Bearer token sources for gateway authentication
// ABOUTME: Supports a static shared token or self-minted HS256 JWTs keyed to the device ID

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken indicates no credential is currently available. The connection
// engine defers its attempt instead of sending a request guaranteed to fail.
var ErrNoToken = errors.New("no bearer token available")

// DefaultTokenTTL is the lifetime of self-minted tokens. Long enough to
// cover a handshake round-trip with clock skew, short enough that a leaked
// token is of little use.
const DefaultTokenTTL = 5 * time.Minute

// TokenSource yields the bearer token to present on a connection attempt.
type TokenSource interface {
	Token() (string, error)
}

// Static is a fixed shared token. An empty Static yields ErrNoToken.
type Static string

// Token returns the fixed token.
func (s Static) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Minter self-issues short-lived HS256 JWTs with the device ID as subject.
// The gateway verifies these with the same shared secret.
type Minter struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time
}

// NewMinter creates a token minter for the given shared secret and subject.
func NewMinter(secret []byte, subject string) (*Minter, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	if subject == "" {
		return nil, errors.New("token subject is empty")
	}
	return &Minter{
		secret:  secret,
		subject: subject,
		ttl:     DefaultTokenTTL,
		now:     time.Now,
	}, nil
}

// Token mints a fresh signed token.
func (m *Minter) Token() (string, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"sub": m.subject,
		"iat": now.Unix(),
		"exp": now.Add(m.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
