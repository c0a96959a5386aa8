// Package refresh deduplicates credential refreshes. Concurrent callers in
// one instance share a single in-flight refresh. Across instances, a
// refresher announces its intent on the bus and records a short-lived lock
// in the shared store; other instances wait for its tokens-updated
// broadcast instead of calling the identity provider themselves. Waits are
// bounded so a vanished peer never stalls a refresh.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/identity"
	"github.com/ggoodman/sessionkeeper/internal/observer"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// Bus message types.
const (
	TypeRefreshIntent = "refresh-intent"
	TypeTokensUpdated = "tokens-updated"
	TypeRefreshFailed = "refresh-failed"
)

var (
	// ErrNoCredentials is returned when no session has been provided.
	ErrNoCredentials = errors.New("refresh: no credentials")
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("refresh: service destroyed")
)

// Origin tells observers where a token update came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// TokensUpdated is delivered to OnTokensUpdated observers.
type TokensUpdated struct {
	Pair     identity.TokenPair
	UserID   string
	Origin   Origin
	SenderID string
}

// Config tunes cross-instance coordination. Zero values take defaults.
type Config struct {
	// LockTTL bounds how long a peer's refresh intent or lock is honored.
	// Default: 10s.
	LockTTL time.Duration `yaml:"lock_ttl" env:"SESSIONKEEPER_REFRESH_LOCK_TTL"`
	// IntentSettle is how long to listen for competing intents after
	// announcing one. Default: 50ms.
	IntentSettle time.Duration `yaml:"intent_settle" env:"SESSIONKEEPER_REFRESH_INTENT_SETTLE"`
	// WaitTimeout bounds the wait for a peer's result. Default: 10s.
	WaitTimeout time.Duration `yaml:"wait_timeout" env:"SESSIONKEEPER_REFRESH_WAIT_TIMEOUT"`
	// Policy retries transient provider failures. Default: 5 attempts,
	// 1s doubling up to 30s, no jitter.
	Policy recovery.Policy `yaml:"policy"`
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.IntentSettle <= 0 {
		c.IntentSettle = 50 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Second
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = DefaultPolicy()
	}
	c.Policy.Retryable = true
}

// DefaultPolicy is the retry policy for network refresh calls.
func DefaultPolicy() recovery.Policy {
	return recovery.Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Retryable:       true,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithStore enables the shared lock record.
func WithStore(st store.Store) Option { return func(s *Service) { s.store = st } }

// WithRecovery sets the manager used for provider calls.
func WithRecovery(m *recovery.Manager) Option { return func(s *Service) { s.rec = m } }

// WithRegisterer registers the refresh counter with reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(s *Service) { s.reg = reg } }

// Service implements deduplicated token refresh.
type Service struct {
	cfg      Config
	provider identity.Provider
	bus      *bus.Bus
	store    store.Store
	rec      *recovery.Manager
	ownRec   bool
	log      *slog.Logger
	reg      prometheus.Registerer
	total    *prometheus.CounterVec

	sf        singleflight.Group
	observers *observer.Registry[TokensUpdated]
	handlers  []handlerRef

	mu          sync.Mutex
	creds       identity.Session
	hasCreds    bool
	peerIntents map[string]time.Time
	gen         uint64
	last        peerOutcome
	notify      chan struct{}
	destroyed   bool
}

type handlerRef struct {
	typ string
	id  bus.HandlerID
}

type peerOutcome struct {
	ok        bool
	permanent bool
	pair      identity.TokenPair
}

type intentPayload struct {
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id"`
}

type tokensPayload struct {
	UserID string             `json:"user_id"`
	Pair   identity.TokenPair `json:"pair"`
}

type failedPayload struct {
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
	Permanent bool   `json:"permanent"`
}

type lockRecord struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// New creates a service and subscribes it to b. A nil b behaves as a
// single-instance bus.
func New(cfg Config, provider identity.Provider, b *bus.Bus, opts ...Option) *Service {
	cfg.applyDefaults()
	if b == nil {
		b = bus.New(nil)
	}
	s := &Service{
		cfg:         cfg,
		provider:    provider,
		bus:         b,
		peerIntents: make(map[string]time.Time),
		notify:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}
	if s.rec == nil {
		s.rec = recovery.New(recovery.Config{}, recovery.WithLogger(s.log))
		s.ownRec = true
	}
	s.total = promauto.With(s.reg).NewCounterVec(prometheus.CounterOpts{
		Name: "sessionkeeper_refresh_total",
		Help: "Refresh outcomes by result.",
	}, []string{"result"})
	s.observers = observer.New[TokensUpdated](s.log)

	s.subscribe(TypeRefreshIntent, s.handleIntent)
	s.subscribe(TypeTokensUpdated, s.handleTokens)
	s.subscribe(TypeRefreshFailed, s.handleFailed)
	return s
}

func (s *Service) subscribe(typ string, h bus.Handler) {
	s.handlers = append(s.handlers, handlerRef{typ: typ, id: s.bus.OnMessage(typ, h)})
}

// SetCredentials installs the session whose refresh token is used.
func (s *Service) SetCredentials(sess identity.Session) {
	s.mu.Lock()
	s.creds = sess
	s.hasCreds = true
	s.mu.Unlock()
}

// ClearCredentials forgets the current session.
func (s *Service) ClearCredentials() {
	s.mu.Lock()
	s.creds = identity.Session{}
	s.hasCreds = false
	s.mu.Unlock()
}

// Credentials returns the current session.
func (s *Service) Credentials() (identity.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, s.hasCreds
}

// OnTokensUpdated registers fn for local and remote token updates.
func (s *Service) OnTokensUpdated(fn func(TokensUpdated)) func() {
	return s.observers.Subscribe(fn)
}

// RefreshTokens returns a fresh token pair. Concurrent calls share one
// refresh; the shared refresh is not cancelled when one caller gives up.
func (s *Service) RefreshTokens(ctx context.Context) (identity.TokenPair, error) {
	ch := s.sf.DoChan("refresh", func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return identity.TokenPair{}, r.Err
		}
		return r.Val.(identity.TokenPair), nil
	case <-ctx.Done():
		return identity.TokenPair{}, ctx.Err()
	}
}

func (s *Service) refresh(ctx context.Context) (identity.TokenPair, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return identity.TokenPair{}, ErrDestroyed
	}
	if !s.hasCreds {
		s.mu.Unlock()
		return identity.TokenPair{}, ErrNoCredentials
	}
	creds := s.creds
	gen := s.gen
	s.mu.Unlock()

	self := s.bus.InstanceID()

	if s.peerRefreshing(ctx, creds.UserID, self) {
		if pair, done, err := s.awaitPeer(ctx, gen); done {
			return pair, err
		}
	} else {
		s.acquireLock(ctx, creds.UserID, self)
		if err := s.bus.SendMessage(ctx, TypeRefreshIntent, intentPayload{UserID: creds.UserID, InstanceID: self}); err != nil {
			s.log.Warn("refresh: intent broadcast failed", slog.String("err", err.Error()))
		}
		if !s.bus.IsNoop() {
			time.Sleep(s.cfg.IntentSettle)
		}
		if s.lowerIntent(self) {
			s.releaseLock(ctx, creds.UserID, self)
			if pair, done, err := s.awaitPeer(ctx, gen); done {
				return pair, err
			}
		}
	}

	return s.refreshNow(ctx, creds, self)
}

// peerRefreshing reports whether another instance announced or locked a
// refresh recently.
func (s *Service) peerRefreshing(ctx context.Context, userID, self string) bool {
	s.mu.Lock()
	now := time.Now()
	for id, at := range s.peerIntents {
		if now.Sub(at) > s.cfg.LockTTL {
			delete(s.peerIntents, id)
			continue
		}
		if id != self {
			s.mu.Unlock()
			return true
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		return false
	}
	it, err := s.store.Get(ctx, lockKey(userID))
	if err != nil || it == nil {
		return false
	}
	var rec lockRecord
	if json.Unmarshal(it.Data, &rec) != nil {
		return false
	}
	return rec.InstanceID != self && time.Since(rec.AcquiredAt) < s.cfg.LockTTL
}

// lowerIntent reports whether a live peer intent beats self.
func (s *Service) lowerIntent(self string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, at := range s.peerIntents {
		if id < self && now.Sub(at) <= s.cfg.LockTTL {
			return true
		}
	}
	return false
}

func lockKey(userID string) string { return "refresh-lock:" + userID }

func (s *Service) acquireLock(ctx context.Context, userID, self string) {
	if s.store == nil {
		return
	}
	b, _ := json.Marshal(lockRecord{InstanceID: self, AcquiredAt: time.Now()})
	if err := s.store.Set(ctx, lockKey(userID), b, store.WithTTL(s.cfg.LockTTL)); err != nil {
		s.log.Debug("refresh: lock write failed", slog.String("err", err.Error()))
	}
}

func (s *Service) releaseLock(ctx context.Context, userID, self string) {
	if s.store == nil {
		return
	}
	it, err := s.store.Get(ctx, lockKey(userID))
	if err != nil || it == nil {
		return
	}
	var rec lockRecord
	if json.Unmarshal(it.Data, &rec) == nil && rec.InstanceID == self {
		_ = s.store.Delete(ctx, lockKey(userID))
	}
}

// awaitPeer waits for a peer's outcome newer than gen. done is false when
// the caller should refresh on its own.
func (s *Service) awaitPeer(ctx context.Context, gen uint64) (identity.TokenPair, bool, error) {
	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return identity.TokenPair{}, true, ErrDestroyed
		}
		if s.gen != gen {
			out := s.last
			s.mu.Unlock()
			switch {
			case out.ok:
				s.total.WithLabelValues("peer").Inc()
				return out.pair, true, nil
			case out.permanent:
				return identity.TokenPair{}, true, identity.InvalidRefreshToken("refresh", errors.New("rejected for a peer instance"))
			default:
				return identity.TokenPair{}, false, nil
			}
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			s.log.Info("refresh: timed out waiting for peer, refreshing independently")
			return identity.TokenPair{}, false, nil
		case <-ctx.Done():
			return identity.TokenPair{}, true, ctx.Err()
		}
	}
}

func (s *Service) refreshNow(ctx context.Context, creds identity.Session, self string) (identity.TokenPair, error) {
	transient := s.cfg.Policy
	pair, err := recovery.Execute(ctx, s.rec, func(ctx context.Context) (identity.TokenPair, error) {
		return s.provider.RefreshSession(ctx, creds.RefreshToken)
	},
		recovery.WithName("refresh-tokens"),
		recovery.WithCategoryPolicy(recovery.CategoryNetwork, transient),
		recovery.WithCategoryPolicy(recovery.CategoryTimeout, transient),
	)
	s.releaseLock(ctx, creds.UserID, self)

	s.mu.Lock()
	destroyed := s.destroyed
	if err == nil && !destroyed {
		s.creds = s.creds.Apply(pair)
	}
	s.mu.Unlock()
	if destroyed {
		return identity.TokenPair{}, ErrDestroyed
	}

	if err != nil {
		s.total.WithLabelValues("failure").Inc()
		_ = s.bus.SendMessage(ctx, TypeRefreshFailed, failedPayload{
			UserID:    creds.UserID,
			Reason:    err.Error(),
			Permanent: recovery.IsPermanent(err),
		})
		return identity.TokenPair{}, fmt.Errorf("refresh tokens: %w", err)
	}

	s.total.WithLabelValues("success").Inc()
	if err := s.bus.SendMessage(ctx, TypeTokensUpdated, tokensPayload{UserID: creds.UserID, Pair: pair}); err != nil {
		s.log.Warn("refresh: tokens broadcast failed", slog.String("err", err.Error()))
	}
	s.observers.Emit(TokensUpdated{Pair: pair, UserID: creds.UserID, Origin: OriginLocal, SenderID: self})
	return pair, nil
}

func (s *Service) sameUserLocked(userID string) bool {
	return !s.hasCreds || s.creds.UserID == "" || userID == "" || s.creds.UserID == userID
}

func (s *Service) handleIntent(msg bus.Message) {
	var p intentPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || !s.sameUserLocked(p.UserID) {
		return
	}
	s.peerIntents[msg.SenderID] = time.Now()
}

func (s *Service) handleTokens(msg bus.Message) {
	var p tokensPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	if s.destroyed || !s.sameUserLocked(p.UserID) {
		s.mu.Unlock()
		return
	}
	if s.hasCreds {
		s.creds = s.creds.Apply(p.Pair)
	}
	delete(s.peerIntents, msg.SenderID)
	s.publishLocked(peerOutcome{ok: true, pair: p.Pair})
	s.mu.Unlock()

	s.observers.Emit(TokensUpdated{Pair: p.Pair, UserID: p.UserID, Origin: OriginRemote, SenderID: msg.SenderID})
}

func (s *Service) handleFailed(msg bus.Message) {
	var p failedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || !s.sameUserLocked(p.UserID) {
		return
	}
	delete(s.peerIntents, msg.SenderID)
	s.publishLocked(peerOutcome{permanent: p.Permanent})
}

func (s *Service) publishLocked(out peerOutcome) {
	s.gen++
	s.last = out
	close(s.notify)
	s.notify = make(chan struct{})
}

// Destroy unsubscribes from the bus and discards in-flight results.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	for _, h := range s.handlers {
		s.bus.OffMessage(h.typ, h.id)
	}
	s.observers.Clear()
	if s.ownRec {
		s.rec.Destroy()
	}
}
