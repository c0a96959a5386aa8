// Package leader elects one coordinating instance among the instances
// sharing a bus. Every instance broadcasts a heartbeat each interval and
// independently picks the lowest instance id heard within the heartbeat
// timeout. With functioning heartbeats all instances converge on the same
// answer; when the leader goes silent it ages out and the next lowest id
// takes over.
package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/internal/observer"
)

// TypeHeartbeat is the bus message type for liveness signals.
const TypeHeartbeat = "leader-heartbeat"

// ErrDestroyed is returned by Start after Destroy.
var ErrDestroyed = errors.New("leader: manager destroyed")

// Role is an instance's part in the election.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// InstanceRecord describes one live instance as seen locally.
type InstanceRecord struct {
	InstanceID      string
	Role            Role
	LastHeartbeatAt time.Time
}

// Config holds election timings. Zero values take defaults.
type Config struct {
	// HeartbeatInterval is how often heartbeats are sent. Default: 2s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"SESSIONKEEPER_LEADER_HEARTBEAT_INTERVAL"`
	// HeartbeatTimeout is how long a silent peer stays live. A silent leader
	// is replaced once it elapses. Default: twice HeartbeatInterval.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"SESSIONKEEPER_LEADER_HEARTBEAT_TIMEOUT"`
	// ConvergenceWindow delays a fresh instance's own claim to leadership
	// so it can hear existing peers first. Default: 3s.
	ConvergenceWindow time.Duration `yaml:"convergence_window" env:"SESSIONKEEPER_LEADER_CONVERGENCE_WINDOW"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.ConvergenceWindow <= 0 {
		c.ConvergenceWindow = 3 * time.Second
	}
}

type heartbeat struct {
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager runs the election for one instance.
type Manager struct {
	cfg       Config
	bus       *bus.Bus
	log       *slog.Logger
	observers *observer.Registry[bool]

	mu        sync.Mutex
	peers     map[string]time.Time
	handlers  []handlerRef
	converged bool
	leader    bool
	leaderID  string
	started   bool
	destroyed bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type handlerRef struct {
	typ string
	id  bus.HandlerID
}

// New creates a manager over b. A nil b behaves as a single-instance bus.
func New(cfg Config, b *bus.Bus, opts ...Option) *Manager {
	cfg.applyDefaults()
	if b == nil {
		b = bus.New(nil)
	}
	m := &Manager{
		cfg:   cfg,
		bus:   b,
		peers: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.observers = observer.New[bool](m.log)
	m.leaderID = b.InstanceID()
	return m
}

// InstanceID returns this instance's id.
func (m *Manager) InstanceID() string { return m.bus.InstanceID() }

// Start announces the instance and begins heartbeating. The bus should
// already be started. On a no-op bus the instance leads immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.handlers = []handlerRef{
		{TypeHeartbeat, m.bus.OnMessage(TypeHeartbeat, m.handleHeartbeat)},
		{bus.TypeInstanceOpened, m.bus.OnMessage(bus.TypeInstanceOpened, m.handleOpened)},
		{bus.TypeInstanceClosed, m.bus.OnMessage(bus.TypeInstanceClosed, m.handleClosed)},
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	if m.bus.IsNoop() {
		m.converged = true
	}
	m.mu.Unlock()

	if err := m.bus.AnnounceInstanceOpened(ctx); err != nil {
		m.log.Warn("leader: announce failed", slog.String("err", err.Error()))
	}
	m.sendHeartbeat(ctx)
	m.evaluate()

	go m.run(loopCtx)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	converge := time.NewTimer(m.cfg.ConvergenceWindow)
	defer converge.Stop()
	// expire fires when the oldest peer times out so failover does not wait
	// for the next tick.
	expire := time.NewTimer(m.cfg.HeartbeatTimeout)
	defer expire.Stop()
	rearm := func(d time.Duration) {
		if d <= 0 {
			d = m.cfg.HeartbeatTimeout
		}
		expire.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-converge.C:
			m.mu.Lock()
			m.converged = true
			m.mu.Unlock()
			rearm(m.evaluate())
		case <-ticker.C:
			m.sendHeartbeat(ctx)
			rearm(m.evaluate())
		case <-expire.C:
			rearm(m.evaluate())
		}
	}
}

func (m *Manager) sendHeartbeat(ctx context.Context) {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return
	}
	hb := heartbeat{InstanceID: m.bus.InstanceID(), Timestamp: time.Now()}
	if err := m.bus.SendMessage(ctx, TypeHeartbeat, hb); err != nil {
		m.log.Debug("leader: heartbeat failed", slog.String("err", err.Error()))
	}
}

// evaluate ages out silent peers and recomputes leadership. It returns the
// time until the next live peer times out, or zero when there is none.
func (m *Manager) evaluate() time.Duration {
	self := m.bus.InstanceID()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0
	}
	now := time.Now()
	lowest := self
	var next time.Duration
	for id, at := range m.peers {
		left := m.cfg.HeartbeatTimeout - now.Sub(at)
		if left < 0 {
			m.log.Info("leader: peer timed out", slog.String("peer", id))
			delete(m.peers, id)
			continue
		}
		if next == 0 || left < next {
			next = left
		}
		if id < lowest {
			lowest = id
		}
	}
	prevID := m.leaderID
	m.leaderID = lowest
	isLeader := m.converged && lowest == self
	changed := isLeader != m.leader
	m.leader = isLeader
	m.mu.Unlock()

	if prevID != lowest {
		m.log.Debug("leader: leader recomputed", slog.String("leader", lowest))
	}
	if changed {
		m.log.Info("leader: leadership changed", slog.Bool("leader", isLeader))
		m.observers.Emit(isLeader)
	}
	// Wake just after the deadline so the peer is past it.
	if next > 0 {
		next += time.Millisecond
	}
	return next
}

func (m *Manager) touch(id string) bool {
	if id == "" || id == m.bus.InstanceID() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return false
	}
	m.peers[id] = time.Now()
	return true
}

func (m *Manager) handleHeartbeat(msg bus.Message) {
	var hb heartbeat
	if err := msg.Decode(&hb); err != nil || hb.InstanceID != msg.SenderID {
		return
	}
	if m.touch(hb.InstanceID) {
		m.evaluate()
	}
}

func (m *Manager) handleOpened(msg bus.Message) {
	if !m.touch(msg.SenderID) {
		return
	}
	// Reply off the delivery goroutine so a slow transport cannot stall it.
	go m.sendHeartbeat(context.Background())
	m.evaluate()
}

func (m *Manager) handleClosed(msg bus.Message) {
	m.mu.Lock()
	_, known := m.peers[msg.SenderID]
	delete(m.peers, msg.SenderID)
	m.mu.Unlock()
	if known {
		m.evaluate()
	}
}

// IsLeaderInstance reports whether this instance currently leads.
func (m *Manager) IsLeaderInstance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// ShouldHandleSessionManagement gates background session maintenance.
func (m *Manager) ShouldHandleSessionManagement() bool {
	return m.IsLeaderInstance()
}

// LeaderID returns the id this instance believes leads.
func (m *Manager) LeaderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID
}

// Instances returns the live instances, self included, sorted by id.
func (m *Manager) Instances() []InstanceRecord {
	self := m.bus.InstanceID()
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	role := func(id string) Role {
		if id == m.leaderID && (id != self || m.leader) {
			return RoleLeader
		}
		return RoleFollower
	}
	out := []InstanceRecord{{InstanceID: self, Role: role(self), LastHeartbeatAt: now}}
	for id, at := range m.peers {
		if now.Sub(at) > m.cfg.HeartbeatTimeout {
			continue
		}
		out = append(out, InstanceRecord{InstanceID: id, Role: role(id), LastHeartbeatAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// OnLeadershipChange registers fn, called with the new leadership status
// each time it changes.
func (m *Manager) OnLeadershipChange(fn func(isLeader bool)) func() {
	return m.observers.Subscribe(fn)
}

func (m *Manager) stop() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.leader = false
	cancel, done := m.cancel, m.done
	handlers := m.handlers
	m.handlers = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, h := range handlers {
		m.bus.OffMessage(h.typ, h.id)
	}
	m.observers.Clear()
}

// Destroy stops heartbeating and tells peers this instance is leaving so
// they fail over without waiting for the heartbeat timeout.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	wasStarted := m.started && !m.destroyed
	m.mu.Unlock()

	m.stop()
	if !wasStarted {
		return nil
	}
	if err := m.bus.AnnounceInstanceClosed(ctx); err != nil && !errors.Is(err, bus.ErrClosed) {
		return err
	}
	return nil
}
