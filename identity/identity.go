// Package identity defines the contract between the session core and the
// remote identity provider. Login and token issuance are the provider's
// business; the core only reads the current session, refreshes it and
// signs out.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/sessionkeeper/recovery"
)

// Session is the credential set held by one instance.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}

// ExpiresIn returns the remaining lifetime at now. It is negative once the
// session has expired.
func (s Session) ExpiresIn(now time.Time) time.Duration { return s.ExpiresAt.Sub(now) }

// Valid reports whether s carries an access token that has not expired.
func (s Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// Apply returns s updated with a refreshed token pair. Providers that do not
// rotate refresh tokens leave RefreshToken empty; the old one is kept.
func (s Session) Apply(p TokenPair) Session {
	s.AccessToken = p.AccessToken
	if p.RefreshToken != "" {
		s.RefreshToken = p.RefreshToken
	}
	if !p.ExpiresAt.IsZero() {
		s.ExpiresAt = p.ExpiresAt
	}
	return s
}

// TokenPair is the immutable result of one refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthEvent names a provider-side change.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "signed_in"
	EventSignedOut      AuthEvent = "signed_out"
	EventTokenRefreshed AuthEvent = "token_refreshed"
)

// AuthStateChange is delivered to OnAuthStateChange observers. Session is
// nil for EventSignedOut.
type AuthStateChange struct {
	Event   AuthEvent
	Session *Session
}

// Provider is the identity provider as seen by the session core.
type Provider interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	// RefreshSession exchanges refreshToken for a new token pair. An
	// invalid or revoked refresh token yields an error matching
	// ErrInvalidRefreshToken and classified as recovery.CategoryAuth.
	RefreshSession(ctx context.Context, refreshToken string) (TokenPair, error)
	// SignOut ends the provider session.
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers fn and returns a function removing it.
	OnAuthStateChange(fn func(AuthStateChange)) (unsubscribe func())
}

// ErrInvalidRefreshToken marks a refresh token the provider will never
// accept again.
var ErrInvalidRefreshToken = errors.New("identity: invalid refresh token")

// InvalidRefreshToken wraps cause as a permanent auth failure.
func InvalidRefreshToken(op string, cause error) error {
	if cause == nil {
		return recovery.Auth(op, ErrInvalidRefreshToken)
	}
	return recovery.Auth(op, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, cause))
}
