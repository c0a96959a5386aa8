// Package session owns one instance's view of the signed-in session. It
// drives the session state machine, delegates refreshes to the refresh
// service, runs periodic validation on the leader instance and keeps
// peers converged through session-expired and session-terminated
// broadcasts.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/connection"
	"github.com/ggoodman/sessionkeeper/identity"
	"github.com/ggoodman/sessionkeeper/internal/logctx"
	"github.com/ggoodman/sessionkeeper/internal/observer"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/refresh"
)

// State is a session lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateRefreshing    State = "refreshing"
	StateExpired       State = "expired"
	// StateTerminated is terminal.
	StateTerminated State = "terminated"
)

// Bus message types.
const (
	TypeSessionExpired    = "session-expired"
	TypeSessionTerminated = "session-terminated"
)

var (
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("session: manager destroyed")
	// ErrTerminated is returned by operations on a terminated session.
	ErrTerminated = errors.New("session: terminated")
	// ErrNotActive is returned when an operation needs an active session.
	ErrNotActive = errors.New("session: not active")
)

// Config tunes validation. Zero values take defaults.
type Config struct {
	// RefreshThreshold triggers a refresh once the remaining lifetime
	// drops below it. Default: 2m.
	RefreshThreshold time.Duration `yaml:"refresh_threshold" env:"SESSIONKEEPER_SESSION_REFRESH_THRESHOLD"`
	// ValidateInterval is the monitoring period. Default: 30s.
	ValidateInterval time.Duration `yaml:"validate_interval" env:"SESSIONKEEPER_SESSION_VALIDATE_INTERVAL"`
	// MaxValidationFailures consecutive transient failures force the
	// session to expire. Default: 3.
	MaxValidationFailures int `yaml:"max_validation_failures" env:"SESSIONKEEPER_SESSION_MAX_VALIDATION_FAILURES"`
}

func (c *Config) applyDefaults() {
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 2 * time.Minute
	}
	if c.ValidateInterval <= 0 {
		c.ValidateInterval = 30 * time.Second
	}
	if c.MaxValidationFailures <= 0 {
		c.MaxValidationFailures = 3
	}
}

// Status is the externally visible session summary.
type Status struct {
	IsActive          bool
	ExpiresAt         time.Time
	ConnectionQuality connection.Quality
	State             State
	UserID            string
}

// Expired is delivered to OnSessionExpired observers.
type Expired struct {
	UserID string
	Reason string
	Err    error
	// Remote is set when a peer instance reported the expiry.
	Remote bool
}

// Refreshed is delivered to OnSessionRefreshed observers.
type Refreshed struct {
	Session identity.Session
	Origin  refresh.Origin
}

// StateChange is delivered to OnStateChange observers.
type StateChange struct {
	From, To State
}

// Refresher performs deduplicated token refreshes.
type Refresher interface {
	RefreshTokens(ctx context.Context) (identity.TokenPair, error)
	SetCredentials(identity.Session)
	ClearCredentials()
	OnTokensUpdated(fn func(refresh.TokensUpdated)) func()
}

// LeaderGate decides whether this instance runs background maintenance.
type LeaderGate interface {
	ShouldHandleSessionManagement() bool
	OnLeadershipChange(fn func(isLeader bool)) func()
}

// ConnectionSource reports connectivity.
type ConnectionSource interface {
	State() connection.State
	OnChange(fn func(connection.State)) func()
}

var (
	_ Refresher        = (*refresh.Service)(nil)
	_ ConnectionSource = (*connection.Monitor)(nil)
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithBus enables cross-instance expiry and termination broadcasts.
func WithBus(b *bus.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithLeader gates monitoring on leadership. Without it the instance
// always monitors.
func WithLeader(g LeaderGate) Option { return func(m *Manager) { m.leader = g } }

// WithConnection reports connection quality in Status and feeds
// OnConnectionChanged.
func WithConnection(c ConnectionSource) Option { return func(m *Manager) { m.conn = c } }

// WithRecovery routes identity provider lookups through r.
func WithRecovery(r *recovery.Manager) Option { return func(m *Manager) { m.rec = r } }

// Manager is the session state machine for one instance.
type Manager struct {
	cfg       Config
	provider  identity.Provider
	refresher Refresher
	bus       *bus.Bus
	leader    LeaderGate
	conn      ConnectionSource
	rec       *recovery.Manager
	log       *slog.Logger

	expired   *observer.Registry[Expired]
	refreshed *observer.Registry[Refreshed]
	changes   *observer.Registry[StateChange]
	connected *observer.Registry[connection.State]

	mu         sync.Mutex
	state      State
	session    identity.Session
	failures   int
	monCancel  context.CancelFunc
	destroyed  bool
	unsubs     []func()
	busHandles []busHandle
}

type busHandle struct {
	typ string
	id  bus.HandlerID
}

type expiredPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type terminatedPayload struct {
	UserID string `json:"user_id"`
}

// New creates a manager. The refresher is typically a *refresh.Service
// sharing the manager's bus.
func New(cfg Config, provider identity.Provider, refresher Refresher, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		provider:  provider,
		refresher: refresher,
		state:     StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.bus == nil {
		m.bus = bus.New(nil)
	}
	m.expired = observer.New[Expired](m.log)
	m.refreshed = observer.New[Refreshed](m.log)
	m.changes = observer.New[StateChange](m.log)
	m.connected = observer.New[connection.State](m.log)

	m.unsubs = append(m.unsubs, refresher.OnTokensUpdated(m.handleTokens))
	m.unsubs = append(m.unsubs, provider.OnAuthStateChange(m.handleAuthChange))
	if m.leader != nil {
		m.unsubs = append(m.unsubs, m.leader.OnLeadershipChange(m.handleLeadership))
	}
	if m.conn != nil {
		m.unsubs = append(m.unsubs, m.conn.OnChange(func(s connection.State) { m.connected.Emit(s) }))
	}
	m.busHandles = []busHandle{
		{TypeSessionExpired, m.bus.OnMessage(TypeSessionExpired, m.handleRemoteExpired)},
		{TypeSessionTerminated, m.bus.OnMessage(TypeSessionTerminated, m.handleRemoteTerminated)},
	}
	return m
}

// OnSessionExpired registers fn for transitions into StateExpired.
func (m *Manager) OnSessionExpired(fn func(Expired)) func() { return m.expired.Subscribe(fn) }

// OnSessionRefreshed registers fn for new tokens, local or remote.
func (m *Manager) OnSessionRefreshed(fn func(Refreshed)) func() { return m.refreshed.Subscribe(fn) }

// OnConnectionChanged registers fn for connection state updates.
func (m *Manager) OnConnectionChanged(fn func(connection.State)) func() {
	return m.connected.Subscribe(fn)
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) func() { return m.changes.Subscribe(fn) }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current credentials.
func (m *Manager) Session() identity.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// GetSessionStatus summarizes the session for display.
func (m *Manager) GetSessionStatus() Status {
	m.mu.Lock()
	st := Status{
		IsActive:  m.state == StateActive || m.state == StateRefreshing,
		ExpiresAt: m.session.ExpiresAt,
		State:     m.state,
		UserID:    m.session.UserID,
	}
	m.mu.Unlock()

	st.ConnectionQuality = connection.QualityGood
	if m.conn != nil {
		st.ConnectionQuality = m.conn.State().Quality
	}
	return st
}

func (m *Manager) logCtx(ctx context.Context) context.Context {
	m.mu.Lock()
	sd := &logctx.SessionData{UserID: m.session.UserID, State: string(m.state)}
	m.mu.Unlock()
	return logctx.WithSession(ctx, sd)
}

// transitionLocked moves to next and returns the change to emit.
func (m *Manager) transitionLocked(next State) (StateChange, bool) {
	if m.state == next {
		return StateChange{}, false
	}
	c := StateChange{From: m.state, To: next}
	m.state = next
	return c, true
}

func (m *Manager) emitChange(c StateChange, ok bool) {
	if ok {
		m.changes.Emit(c)
	}
}

// InitializeSession loads the provider's current session. A valid session
// becomes Active and starts monitoring on the leader; a missing or expired
// one moves to Expired.
func (m *Manager) InitializeSession(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		return ErrDestroyed
	case m.state == StateTerminated:
		m.mu.Unlock()
		return ErrTerminated
	}
	m.mu.Unlock()

	lookup := func(ctx context.Context) (*identity.Session, error) { return m.provider.GetSession(ctx) }
	var (
		sess *identity.Session
		err  error
	)
	if m.rec != nil {
		sess, err = recovery.Execute(ctx, m.rec, lookup, recovery.WithName("get-session"))
	} else {
		sess, err = lookup(ctx)
	}
	if err != nil {
		return fmt.Errorf("session: get session: %w", err)
	}

	if sess == nil || !sess.Valid(time.Now()) {
		reason := "no session"
		if sess != nil {
			reason = "session invalid"
		}
		m.expire(ctx, reason, nil, false, false)
		return nil
	}

	m.mu.Lock()
	if m.destroyed || m.state == StateTerminated {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.session = *sess
	m.failures = 0
	change, ok := m.transitionLocked(StateActive)
	m.mu.Unlock()

	m.refresher.SetCredentials(*sess)
	m.emitChange(change, ok)
	m.log.InfoContext(m.logCtx(ctx), "session: initialized", slog.Duration("expires_in", sess.ExpiresIn(time.Now()).Round(time.Second)))

	m.StartMonitoring()
	return nil
}

// ValidateSession refreshes proactively once the remaining lifetime drops
// below RefreshThreshold. Transient refresh failures are not reported to
// observers; after MaxValidationFailures in a row the session expires.
func (m *Manager) ValidateSession(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	state := m.state
	remaining := m.session.ExpiresIn(time.Now())
	m.mu.Unlock()

	switch state {
	case StateRefreshing:
		return nil
	case StateActive:
	default:
		return ErrNotActive
	}
	if remaining > m.cfg.RefreshThreshold {
		return nil
	}

	m.log.DebugContext(m.logCtx(ctx), "session: refreshing ahead of expiry", slog.Duration("remaining", remaining.Round(time.Second)))
	_, err := m.RefreshSession(ctx)
	if err == nil || recovery.IsPermanent(err) || errors.Is(err, ErrDestroyed) || errors.Is(err, ErrNotActive) {
		return err
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()
	m.log.WarnContext(m.logCtx(ctx), "session: validation refresh failed",
		slog.Int("failures", failures),
		slog.String("err", err.Error()))
	if failures >= m.cfg.MaxValidationFailures {
		m.expire(ctx, "validation failures exceeded", err, true, false)
	}
	return err
}

// RefreshSession refreshes through the refresh service. A permanent
// failure expires the session on every instance.
func (m *Manager) RefreshSession(ctx context.Context) (identity.Session, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return identity.Session{}, ErrDestroyed
	}
	if m.state != StateActive && m.state != StateRefreshing {
		m.mu.Unlock()
		return identity.Session{}, ErrNotActive
	}
	change, ok := m.transitionLocked(StateRefreshing)
	m.mu.Unlock()
	m.emitChange(change, ok)

	pair, err := m.refresher.RefreshTokens(ctx)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return identity.Session{}, ErrDestroyed
	}
	m.mu.Unlock()

	if err != nil {
		if recovery.IsPermanent(err) {
			m.expire(ctx, "refresh rejected", err, true, false)
			return identity.Session{}, err
		}
		m.mu.Lock()
		change, ok := StateChange{}, false
		if m.state == StateRefreshing {
			change, ok = m.transitionLocked(StateActive)
		}
		m.mu.Unlock()
		m.emitChange(change, ok)
		return identity.Session{}, err
	}

	sess, applied := m.applyTokens(pair, refresh.OriginLocal)
	if !applied {
		m.mu.Lock()
		st := m.state
		m.mu.Unlock()
		if st != StateActive {
			return identity.Session{}, ErrNotActive
		}
	}
	return sess, nil
}

// applyTokens installs pair and reports whether it changed anything.
func (m *Manager) applyTokens(pair identity.TokenPair, origin refresh.Origin) (identity.Session, bool) {
	m.mu.Lock()
	if m.destroyed || (m.state != StateActive && m.state != StateRefreshing) {
		m.mu.Unlock()
		return identity.Session{}, false
	}
	if m.session.AccessToken == pair.AccessToken {
		change, ok := m.transitionLocked(StateActive)
		sess := m.session
		m.mu.Unlock()
		m.emitChange(change, ok)
		return sess, false
	}
	m.session = m.session.Apply(pair)
	m.failures = 0
	change, ok := m.transitionLocked(StateActive)
	sess := m.session
	m.mu.Unlock()

	m.emitChange(change, ok)
	m.log.Info("session: tokens refreshed", slog.String("origin", string(origin)))
	m.refreshed.Emit(Refreshed{Session: sess, Origin: origin})
	return sess, true
}

func (m *Manager) handleTokens(u refresh.TokensUpdated) {
	if u.Origin != refresh.OriginRemote {
		return
	}
	m.applyTokens(u.Pair, refresh.OriginRemote)
}

// expire moves to StateExpired. broadcast tells peers to follow; remote
// marks an expiry reported by a peer.
func (m *Manager) expire(ctx context.Context, reason string, cause error, broadcast, remote bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateExpired, StateTerminated:
		m.mu.Unlock()
		return
	}
	userID := m.session.UserID
	change, ok := m.transitionLocked(StateExpired)
	m.failures = 0
	m.stopMonitoringLocked()
	m.mu.Unlock()

	m.refresher.ClearCredentials()
	m.emitChange(change, ok)
	m.log.WarnContext(m.logCtx(ctx), "session: expired", slog.String("reason", reason))
	m.expired.Emit(Expired{UserID: userID, Reason: reason, Err: cause, Remote: remote})

	if broadcast {
		if err := m.bus.SendMessage(ctx, TypeSessionExpired, expiredPayload{UserID: userID, Reason: reason}); err != nil {
			m.log.Warn("session: expiry broadcast failed", slog.String("err", err.Error()))
		}
	}
}

func (m *Manager) handleRemoteExpired(msg bus.Message) {
	var p expiredPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	m.mu.Lock()
	mine := m.session.UserID
	m.mu.Unlock()
	if p.UserID != "" && mine != "" && p.UserID != mine {
		return
	}
	m.expire(context.Background(), p.Reason, nil, false, true)
}

// TerminateSession moves to the terminal state, signs out with the
// provider and tells peers. The transition stands even when sign-out fails.
func (m *Manager) TerminateSession(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state == StateTerminated {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	userID := m.terminate(ctx)
	signOutErr := m.provider.SignOut(ctx)

	if err := m.bus.SendMessage(ctx, TypeSessionTerminated, terminatedPayload{UserID: userID}); err != nil {
		m.log.Warn("session: termination broadcast failed", slog.String("err", err.Error()))
	}
	if signOutErr != nil {
		return fmt.Errorf("session: sign out: %w", signOutErr)
	}
	return nil
}

// terminate performs the local transition and returns the former user id.
func (m *Manager) terminate(ctx context.Context) string {
	m.mu.Lock()
	if m.destroyed || m.state == StateTerminated {
		m.mu.Unlock()
		return ""
	}
	userID := m.session.UserID
	m.session = identity.Session{}
	change, ok := m.transitionLocked(StateTerminated)
	m.stopMonitoringLocked()
	m.mu.Unlock()

	m.refresher.ClearCredentials()
	m.emitChange(change, ok)
	m.log.InfoContext(logctx.WithSession(ctx, &logctx.SessionData{UserID: userID, State: string(StateTerminated)}), "session: terminated")
	return userID
}

func (m *Manager) handleRemoteTerminated(msg bus.Message) {
	var p terminatedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	m.mu.Lock()
	mine := m.session.UserID
	m.mu.Unlock()
	if p.UserID != "" && mine != "" && p.UserID != mine {
		return
	}
	m.terminate(context.Background())
}

func (m *Manager) handleAuthChange(c identity.AuthStateChange) {
	switch c.Event {
	case identity.EventSignedOut:
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state == StateActive || state == StateRefreshing {
			ctx := context.Background()
			userID := m.terminate(ctx)
			_ = m.bus.SendMessage(ctx, TypeSessionTerminated, terminatedPayload{UserID: userID})
		}
	case identity.EventSignedIn:
		if c.Session == nil || !c.Session.Valid(time.Now()) {
			return
		}
		m.mu.Lock()
		if m.destroyed || m.state == StateTerminated || m.state == StateActive || m.state == StateRefreshing {
			m.mu.Unlock()
			return
		}
		m.session = *c.Session
		m.failures = 0
		change, ok := m.transitionLocked(StateActive)
		m.mu.Unlock()
		m.refresher.SetCredentials(*c.Session)
		m.emitChange(change, ok)
		m.StartMonitoring()
	}
}

func (m *Manager) handleLeadership(isLeader bool) {
	if isLeader {
		m.StartMonitoring()
		return
	}
	m.StopMonitoring()
}

// StartMonitoring begins periodic validation. It reports whether
// monitoring is running, which requires leadership and a live session.
func (m *Manager) StartMonitoring() bool {
	if m.leader != nil && !m.leader.ShouldHandleSessionManagement() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || (m.state != StateActive && m.state != StateRefreshing) {
		return false
	}
	if m.monCancel != nil {
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.monCancel = cancel
	go m.monitor(ctx)
	m.log.Debug("session: monitoring started", slog.Duration("interval", m.cfg.ValidateInterval))
	return true
}

// IsMonitoring reports whether periodic validation is running.
func (m *Manager) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monCancel != nil
}

func (m *Manager) monitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ValidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ValidateSession(ctx); err != nil && ctx.Err() == nil {
				m.log.Debug("session: validation tick failed", slog.String("err", err.Error()))
			}
		}
	}
}

// StopMonitoring stops periodic validation.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopMonitoringLocked()
}

func (m *Manager) stopMonitoringLocked() {
	if m.monCancel != nil {
		m.monCancel()
		m.monCancel = nil
	}
}

// Destroy stops monitoring and detaches every subscription. Results of
// operations still in flight are discarded.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.stopMonitoringLocked()
	unsubs, handles := m.unsubs, m.busHandles
	m.unsubs, m.busHandles = nil, nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, h := range handles {
		m.bus.OffMessage(h.typ, h.id)
	}
	m.expired.Clear()
	m.refreshed.Clear()
	m.changes.Clear()
	m.connected.Clear()
}
