// Package jwtauth reads the claims the session core needs (subject, expiry,
// scopes) out of JWT access tokens. Tokens from the provider's token
// endpoint can be inspected unverified; a Verifier checks signatures
// against the issuer's JWKS when the caller wants that assurance.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of access token claims used for session lifecycle.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
}

// Inspector extracts Claims from an access token.
type Inspector interface {
	Inspect(ctx context.Context, tok string) (Claims, error)
}

var (
	// ErrNotJWT is returned for opaque (non-JWT) access tokens.
	ErrNotJWT = errors.New("jwtauth: token is not a JWT")
	// ErrUnauthorized indicates the token failed signature or claim
	// validation.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
)

// Unverified inspects tokens without checking signatures.
type Unverified struct{}

// Inspect implements Inspector.
func (Unverified) Inspect(_ context.Context, tok string) (Claims, error) {
	if strings.Count(tok, ".") != 2 {
		return Claims{}, ErrNotJWT
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}
	return fromMap(claims), nil
}

func fromMap(m jwt.MapClaims) Claims {
	var c Claims
	c.Subject, _ = m.GetSubject()
	c.Issuer, _ = m.GetIssuer()
	if exp, _ := m.GetExpirationTime(); exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, _ := m.GetIssuedAt(); iat != nil {
		c.IssuedAt = iat.Time
	}
	switch v := m["scope"].(type) {
	case string:
		c.Scopes = strings.Fields(v)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				c.Scopes = append(c.Scopes, str)
			}
		}
	}
	return c
}

// Config controls signature verification.
type Config struct {
	Issuer      string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Verifier validates signatures against an auto-refreshing JWKS.
type Verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewVerifier builds a Verifier for a known JWKS URI.
func NewVerifier(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// NewFromDiscovery resolves jwks_uri through OIDC discovery on cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewVerifier(ctx, cfg, meta.JwksURI)
}

// Inspect implements Inspector.
func (v *Verifier) Inspect(_ context.Context, tok string) (Claims, error) {
	if tok == "" {
		return Claims{}, errors.New("empty token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tok, claims, v.keyfunc); err != nil {
		return Claims{}, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	c := fromMap(claims)
	if c.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return c, nil
}

var (
	_ Inspector = Unverified{}
	_ Inspector = (*Verifier)(nil)
)
