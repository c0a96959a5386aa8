// Package connection tracks whether this instance can reach the backend.
// It combines the platform's network availability signal with periodic
// active health checks, grades connection quality from latency and recent
// failures, and drives a bounded reconnection schedule after going
// offline.
package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/sessionkeeper/internal/observer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrDestroyed is returned by operations on a destroyed Monitor.
var ErrDestroyed = errors.New("connection: monitor destroyed")

// Quality grades the connection.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// State is the monitor's view of connectivity. It is only mutated by the
// Monitor; callers receive copies.
type State struct {
	IsOnline            bool
	Quality             Quality
	LastCheckedAt       time.Time
	ConsecutiveFailures int
	Latency             time.Duration
}

// QualityChange is delivered to OnQualityChanged listeners.
type QualityChange struct {
	From, To Quality
	State    State
}

// Config tunes the monitor. Zero values take defaults.
type Config struct {
	CheckInterval        time.Duration `yaml:"check_interval" env:"SESSIONKEEPER_CONNECTION_CHECK_INTERVAL"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout" env:"SESSIONKEEPER_CONNECTION_PROBE_TIMEOUT"`
	OfflineAfterFailures int           `yaml:"offline_after_failures" env:"SESSIONKEEPER_CONNECTION_OFFLINE_AFTER"`
	ReconnectInitial     time.Duration `yaml:"reconnect_initial" env:"SESSIONKEEPER_CONNECTION_RECONNECT_INITIAL"`
	ReconnectMax         time.Duration `yaml:"reconnect_max" env:"SESSIONKEEPER_CONNECTION_RECONNECT_MAX"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"SESSIONKEEPER_CONNECTION_MAX_RECONNECT"`
	ExcellentLatency     time.Duration `yaml:"excellent_latency" env:"SESSIONKEEPER_CONNECTION_EXCELLENT_LATENCY"`
	GoodLatency          time.Duration `yaml:"good_latency" env:"SESSIONKEEPER_CONNECTION_GOOD_LATENCY"`
	// HealthURL, when set, is probed with an HTTPProber expecting JSON.
	HealthURL string `yaml:"health_url" env:"SESSIONKEEPER_HEALTH_URL"`
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.OfflineAfterFailures <= 0 {
		c.OfflineAfterFailures = 2
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 20 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ExcellentLatency <= 0 {
		c.ExcellentLatency = 150 * time.Millisecond
	}
	if c.GoodLatency <= 0 {
		c.GoodLatency = 500 * time.Millisecond
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithRegisterer registers the online gauge with reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(m *Monitor) { m.reg = reg } }

// Monitor implements connectivity tracking.
type Monitor struct {
	cfg    Config
	prober Prober
	log    *slog.Logger
	reg    prometheus.Registerer
	online prometheus.Gauge

	onOnline  *observer.Registry[State]
	onOffline *observer.Registry[State]
	onQuality *observer.Registry[QualityChange]
	onChange  *observer.Registry[State]

	probeMu sync.Mutex

	mu               sync.Mutex
	state            State
	networkAvailable bool
	reconnect        backoff.BackOff
	reconnectTimer   *time.Timer
	manualRetry      bool
	started          bool
	destroyed        bool
	ctx              context.Context
	cancel           context.CancelFunc
}

// New creates a monitor. A nil prober disables active health checks so
// only SetNetworkAvailable drives the state.
func New(cfg Config, prober Prober, opts ...Option) *Monitor {
	cfg.applyDefaults()
	if prober == nil && cfg.HealthURL != "" {
		prober = &HTTPProber{URL: cfg.HealthURL, ExpectJSON: true}
	}
	m := &Monitor{
		cfg:              cfg,
		prober:           prober,
		networkAvailable: true,
		state:            State{IsOnline: true, Quality: QualityGood},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.reg == nil {
		m.reg = prometheus.NewRegistry()
	}
	m.online = promauto.With(m.reg).NewGauge(prometheus.GaugeOpts{
		Name: "sessionkeeper_connection_online",
		Help: "1 when the instance considers itself online.",
	})
	m.online.Set(1)
	m.onOnline = observer.New[State](m.log)
	m.onOffline = observer.New[State](m.log)
	m.onQuality = observer.New[QualityChange](m.log)
	m.onChange = observer.New[State](m.log)
	m.reconnect = m.newReconnectBackOff()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Monitor) newReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectInitial
	b.MaxInterval = m.cfg.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(m.cfg.MaxReconnectAttempts))
}

// ReconnectDelays returns the automatic reconnection schedule.
func (m *Monitor) ReconnectDelays() []time.Duration {
	b := m.newReconnectBackOff()
	var out []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		out = append(out, d)
	}
	return out
}

// OnOnline registers fn for offline to online transitions.
func (m *Monitor) OnOnline(fn func(State)) func() { return m.onOnline.Subscribe(fn) }

// OnOffline registers fn for online to offline transitions.
func (m *Monitor) OnOffline(fn func(State)) func() { return m.onOffline.Subscribe(fn) }

// OnQualityChanged registers fn for quality changes.
func (m *Monitor) OnQualityChanged(fn func(QualityChange)) func() { return m.onQuality.Subscribe(fn) }

// OnChange registers fn for every state update.
func (m *Monitor) OnChange(fn func(State)) func() { return m.onChange.Subscribe(fn) }

// State returns a copy of the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports the current online flag.
func (m *Monitor) IsOnline() bool { return m.State().IsOnline }

// NeedsManualRetry reports whether automatic reconnection gave up.
func (m *Monitor) NeedsManualRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manualRetry
}

// Start runs an initial check and then probes every CheckInterval while
// online.
func (m *Monitor) Start(ctx context.Context) error {
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
	m.mu.Unlock()

	m.CheckNow(ctx)
	go m.loop()
	return nil
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		// Offline recovery is owned by the reconnection schedule.
		if m.IsOnline() {
			m.CheckNow(m.ctx)
		}
	}
}

// Destroy stops timers. Probe results arriving later are discarded.
func (m *Monitor) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.mu.Unlock()
	m.cancel()
	m.onOnline.Clear()
	m.onOffline.Clear()
	m.onQuality.Clear()
	m.onChange.Clear()
}

// SetNetworkAvailable feeds the platform's online/offline signal. Losing
// the network takes the monitor offline at once; regaining it triggers an
// immediate probe.
func (m *Monitor) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.networkAvailable = available
	if available {
		m.mu.Unlock()
		go m.CheckNow(m.ctx)
		return
	}
	prev := m.state
	m.state.IsOnline = false
	m.state.Quality = QualityOffline
	m.state.LastCheckedAt = time.Now()
	m.stopReconnectLocked()
	next := m.state
	m.mu.Unlock()
	m.emit(prev, next)
}

// Reconnect restarts the reconnection schedule with an immediate probe.
func (m *Monitor) Reconnect(ctx context.Context) State {
	m.mu.Lock()
	m.manualRetry = false
	m.stopReconnectLocked()
	m.reconnect.Reset()
	m.mu.Unlock()
	return m.CheckNow(ctx)
}

// CheckNow probes immediately and returns the resulting state.
func (m *Monitor) CheckNow(ctx context.Context) State {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		st := m.state
		m.mu.Unlock()
		return st
	}
	available := m.networkAvailable
	m.mu.Unlock()

	var err error
	var latency time.Duration
	switch {
	case !available:
		err = errors.New("network unavailable")
	case m.prober != nil:
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		start := time.Now()
		err = m.prober.Probe(pctx)
		latency = time.Since(start)
		cancel()
	}
	return m.record(err, latency)
}

func (m *Monitor) record(err error, latency time.Duration) State {
	m.mu.Lock()
	if m.destroyed {
		st := m.state
		m.mu.Unlock()
		return st
	}
	if err == nil && !m.networkAvailable {
		err = errors.New("network unavailable")
	}
	prev := m.state
	m.state.LastCheckedAt = time.Now()
	if err == nil {
		m.state.ConsecutiveFailures = 0
		m.state.Latency = latency
		m.state.IsOnline = true
		m.manualRetry = false
		m.stopReconnectLocked()
	} else {
		m.state.ConsecutiveFailures++
		if !m.networkAvailable || m.state.ConsecutiveFailures >= m.cfg.OfflineAfterFailures {
			m.state.IsOnline = false
		}
		m.log.Debug("connection: probe failed",
			slog.Int("consecutive_failures", m.state.ConsecutiveFailures),
			slog.String("err", err.Error()),
		)
	}
	m.state.Quality = m.grade(m.state)
	if !m.state.IsOnline && m.networkAvailable && m.reconnectTimer == nil && !m.manualRetry {
		m.scheduleReconnectLocked()
	}
	next := m.state
	m.mu.Unlock()

	m.emit(prev, next)
	return next
}

// grade derives quality from a state.
func (m *Monitor) grade(s State) Quality {
	switch {
	case !s.IsOnline:
		return QualityOffline
	case s.ConsecutiveFailures >= 1 || s.Latency > m.cfg.GoodLatency:
		return QualityPoor
	case s.Latency > m.cfg.ExcellentLatency:
		return QualityGood
	default:
		return QualityExcellent
	}
}

func (m *Monitor) scheduleReconnectLocked() {
	d := m.reconnect.NextBackOff()
	if d == backoff.Stop {
		m.manualRetry = true
		m.log.Info("connection: automatic reconnection exhausted")
		return
	}
	m.log.Debug("connection: reconnect scheduled", slog.Duration("delay", d))
	var t *time.Timer
	t = time.AfterFunc(d, func() { m.reconnectFired(t) })
	m.reconnectTimer = t
}

// reconnectFired runs the attempt scheduled by t. A timer that was stopped
// or replaced after it had already fired does nothing.
func (m *Monitor) reconnectFired(t *time.Timer) {
	m.mu.Lock()
	if m.reconnectTimer != t {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	destroyed := m.destroyed
	m.mu.Unlock()
	if !destroyed {
		m.CheckNow(m.ctx)
	}
}

func (m *Monitor) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnect.Reset()
}

func (m *Monitor) emit(prev, next State) {
	if next.IsOnline {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
	if prev.IsOnline && !next.IsOnline {
		m.onOffline.Emit(next)
	}
	if !prev.IsOnline && next.IsOnline {
		m.onOnline.Emit(next)
	}
	if prev.Quality != next.Quality {
		m.onQuality.Emit(QualityChange{From: prev.Quality, To: next.Quality, State: next})
	}
	if prev != next {
		m.onChange.Emit(next)
	}
}
