// Package identitytest provides a scripted identity.Provider for tests and
// examples.
package identitytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/sessionkeeper/identity"
	"github.com/ggoodman/sessionkeeper/internal/observer"
)

// Result is one scripted refresh outcome.
type Result struct {
	Pair identity.TokenPair
	Err  error
}

// Provider is an in-memory identity.Provider. Refreshes consume scripted
// results in order; once the script is empty each refresh issues a fresh
// token valid for Lifetime.
type Provider struct {
	// Lifetime of tokens issued by unscripted refreshes. Default: 1 hour.
	Lifetime time.Duration
	// Delay is slept (respecting ctx) before each refresh returns.
	Delay time.Duration

	mu           sync.Mutex
	session      *identity.Session
	script       []Result
	refreshCalls int
	signOuts     int
	issued       int
	tokensSeen   []string
	observers    *observer.Registry[identity.AuthStateChange]
}

// New returns a provider holding s (which may be nil).
func New(s *identity.Session) *Provider {
	p := &Provider{observers: observer.New[identity.AuthStateChange](nil)}
	if s != nil {
		cp := *s
		p.session = &cp
	}
	return p
}

// Script appends refresh outcomes.
func (p *Provider) Script(results ...Result) {
	p.mu.Lock()
	p.script = append(p.script, results...)
	p.mu.Unlock()
}

// SetSession replaces the provider session and notifies observers.
func (p *Provider) SetSession(s *identity.Session) {
	p.mu.Lock()
	var ev identity.AuthStateChange
	if s == nil {
		p.session = nil
		ev.Event = identity.EventSignedOut
	} else {
		cp := *s
		p.session = &cp
		ev = identity.AuthStateChange{Event: identity.EventSignedIn, Session: &cp}
	}
	p.mu.Unlock()
	p.observers.Emit(ev)
}

// RefreshCalls reports how many times RefreshSession was invoked.
func (p *Provider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// RefreshTokensSeen returns the refresh tokens passed to RefreshSession.
func (p *Provider) RefreshTokensSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokensSeen...)
}

// SignOutCalls reports how many times SignOut was invoked.
func (p *Provider) SignOutCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

// GetSession implements identity.Provider.
func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
	p.mu.Lock()
	p.refreshCalls++
	p.tokensSeen = append(p.tokensSeen, refreshToken)
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return identity.TokenPair{}, ctx.Err()
		}
	}

	p.mu.Lock()
	var r Result
	if len(p.script) > 0 {
		r = p.script[0]
		p.script = p.script[1:]
	} else {
		p.issued++
		life := p.Lifetime
		if life <= 0 {
			life = time.Hour
		}
		now := time.Now()
		r.Pair = identity.TokenPair{
			AccessToken:  fmt.Sprintf("access-%d", p.issued),
			RefreshToken: fmt.Sprintf("refresh-%d", p.issued),
			IssuedAt:     now,
			ExpiresAt:    now.Add(life),
		}
	}
	var ev *identity.AuthStateChange
	if r.Err == nil && p.session != nil {
		next := p.session.Apply(r.Pair)
		p.session = &next
		cp := next
		ev = &identity.AuthStateChange{Event: identity.EventTokenRefreshed, Session: &cp}
	}
	p.mu.Unlock()

	if ev != nil {
		p.observers.Emit(*ev)
	}
	return r.Pair, r.Err
}

// SignOut implements identity.Provider.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signOuts++
	p.session = nil
	p.mu.Unlock()
	p.observers.Emit(identity.AuthStateChange{Event: identity.EventSignedOut})
	return nil
}

// OnAuthStateChange implements identity.Provider.
func (p *Provider) OnAuthStateChange(fn func(identity.AuthStateChange)) func() {
	return p.observers.Subscribe(fn)
}

var _ identity.Provider = (*Provider)(nil)
