// Package oidcprovider implements identity.Provider on top of an OpenID
// Connect issuer. Endpoints are discovered from the issuer's metadata;
// refreshes use the OAuth2 refresh_token grant and sign-out revokes the
// refresh token when the issuer advertises a revocation endpoint.
package oidcprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/sessionkeeper/identity"
	"github.com/ggoodman/sessionkeeper/internal/jwtauth"
	"github.com/ggoodman/sessionkeeper/internal/observer"
	"github.com/ggoodman/sessionkeeper/recovery"
	"golang.org/x/oauth2"
)

// Config identifies the OAuth2 client at the issuer.
type Config struct {
	Issuer       string   `yaml:"issuer" env:"SESSIONKEEPER_OIDC_ISSUER"`
	ClientID     string   `yaml:"client_id" env:"SESSIONKEEPER_OIDC_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"SESSIONKEEPER_OIDC_CLIENT_SECRET"`
	Scopes       []string `yaml:"scopes" env:"SESSIONKEEPER_OIDC_SCOPES"`
	// RequestTimeout bounds each token endpoint call. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SESSIONKEEPER_OIDC_REQUEST_TIMEOUT"`
	// VerifyAccessTokens checks access token signatures against the
	// issuer's jwks_uri and rejects tokens that fail. Ignored when
	// WithInspector is given. ENV: SESSIONKEEPER_OIDC_VERIFY_ACCESS_TOKENS
	VerifyAccessTokens bool `yaml:"verify_access_tokens" env:"SESSIONKEEPER_OIDC_VERIFY_ACCESS_TOKENS"`
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for discovery and token calls.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.httpClient = c } }

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.log = l } }

// WithInspector sets how access tokens are read when the token response
// omits an expiry or the subject is needed. Default: jwtauth.Unverified.
func WithInspector(i jwtauth.Inspector) Option { return func(p *Provider) { p.inspector = i } }

// Provider is an identity.Provider backed by an OIDC issuer.
type Provider struct {
	cfg           Config
	oauth         *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	revocationURL string
	httpClient    *http.Client
	inspector     jwtauth.Inspector
	verify        bool
	log           *slog.Logger
	observers     *observer.Registry[identity.AuthStateChange]

	mu      sync.Mutex
	session *identity.Session
}

// New discovers the issuer's endpoints and returns a provider with no
// session. Seed it with Adopt after an interactive login. With
// VerifyAccessTokens set, ctx also bounds the background refresh of the
// issuer's signing keys.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidcprovider: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidcprovider: client id is required")
	}
	cfg.applyDefaults()

	p := &Provider{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p.observers = observer.New[identity.AuthStateChange](p.log)

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Revocation string `json:"revocation_endpoint"`
		JWKSURI    string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	p.revocationURL = meta.Revocation

	switch {
	case p.inspector != nil:
	case cfg.VerifyAccessTokens:
		if meta.JWKSURI == "" {
			return nil, errors.New("oidcprovider: issuer advertises no jwks_uri to verify access tokens")
		}
		jc := jwtauth.DefaultConfig()
		jc.Issuer = cfg.Issuer
		v, err := jwtauth.NewVerifier(ctx, jc, meta.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("access token verifier: %w", err)
		}
		p.inspector = v
		p.verify = true
	default:
		p.inspector = jwtauth.Unverified{}
	}

	endpoint := op.Endpoint()
	// Sending credentials in the body avoids the library probing the token
	// endpoint twice to detect the auth style.
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}
	p.verifier = op.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return p, nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// Adopt installs the session obtained by an out-of-band login.
func (p *Provider) Adopt(ctx context.Context, tok *oauth2.Token) (*identity.Session, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("oidcprovider: token has no access token")
	}
	s := identity.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		idt, err := p.verifier.Verify(p.clientContext(ctx), raw)
		if err != nil {
			return nil, recovery.Auth("adopt", fmt.Errorf("id token: %w", err))
		}
		s.UserID = idt.Subject
	}
	if p.verify || s.UserID == "" || s.ExpiresAt.IsZero() {
		c, err := p.inspector.Inspect(ctx, tok.AccessToken)
		switch {
		case err != nil && p.verify:
			return nil, recovery.Auth("adopt", fmt.Errorf("access token: %w", err))
		case err == nil:
			if s.UserID == "" {
				s.UserID = c.Subject
			}
			if s.ExpiresAt.IsZero() {
				s.ExpiresAt = c.ExpiresAt
			}
		}
	}

	p.mu.Lock()
	cp := s
	p.session = &cp
	p.mu.Unlock()

	out := s
	p.observers.Emit(identity.AuthStateChange{Event: identity.EventSignedIn, Session: &out})
	return &s, nil
}

// GetSession implements identity.Provider.
func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, nil
	}
	cp := *p.session
	return &cp, nil
}

// RefreshSession implements identity.Provider.
func (p *Provider) RefreshSession(ctx context.Context, refreshToken string) (identity.TokenPair, error) {
	const op = "oidc refresh"
	if refreshToken == "" {
		return identity.TokenPair{}, identity.InvalidRefreshToken(op, errors.New("no refresh token"))
	}

	cctx, cancel := context.WithTimeout(p.clientContext(ctx), p.cfg.RequestTimeout)
	defer cancel()

	tok, err := p.oauth.TokenSource(cctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return identity.TokenPair{}, classifyRefreshError(op, err)
	}

	now := time.Now()
	pair := identity.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    tok.Expiry,
	}
	if p.verify || pair.ExpiresAt.IsZero() {
		c, err := p.inspector.Inspect(ctx, tok.AccessToken)
		switch {
		case err != nil && p.verify:
			return identity.TokenPair{}, recovery.Auth(op, fmt.Errorf("access token: %w", err))
		case err == nil && pair.ExpiresAt.IsZero():
			pair.ExpiresAt = c.ExpiresAt
		}
	}

	p.mu.Lock()
	var ev *identity.AuthStateChange
	if p.session != nil {
		next := p.session.Apply(pair)
		p.session = &next
		cp := next
		ev = &identity.AuthStateChange{Event: identity.EventTokenRefreshed, Session: &cp}
	}
	p.mu.Unlock()
	if ev != nil {
		p.observers.Emit(*ev)
	}
	return pair, nil
}

func classifyRefreshError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant":
			return identity.InvalidRefreshToken(op, err)
		case status >= 500:
			return recovery.Network(op, err)
		case status >= 400:
			return recovery.Auth(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || recovery.Classify(err) == recovery.CategoryTimeout {
		return recovery.Timeout(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return recovery.Network(op, err)
}

// SignOut implements identity.Provider. Revocation is best-effort; the
// local session is cleared regardless.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s != nil && s.RefreshToken != "" && p.revocationURL != "" {
		if err := p.revoke(ctx, s.RefreshToken); err != nil {
			p.log.WarnContext(ctx, "oidcprovider: token revocation failed", slog.String("err", err.Error()))
		}
	}
	p.observers.Emit(identity.AuthStateChange{Event: identity.EventSignedOut})
	return nil
}

func (p *Provider) revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {p.cfg.ClientID},
	}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("revocation endpoint returned %s", resp.Status)
	}
	return nil
}

// OnAuthStateChange implements identity.Provider.
func (p *Provider) OnAuthStateChange(fn func(identity.AuthStateChange)) func() {
	return p.observers.Subscribe(fn)
}

var _ identity.Provider = (*Provider)(nil)
