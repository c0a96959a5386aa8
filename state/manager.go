// Package state persists recoverable UI state as versioned snapshots.
//
// Records are written through a store.Store under a key prefix, stamped
// with the current schema version and upgraded through registered
// migrations on load. A record that cannot be upgraded or decoded is
// discarded and the caller's default is used instead. Saves never fail
// for lack of space while older, lower-priority records can be evicted.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/connection"
	"github.com/ggoodman/sessionkeeper/internal/observer"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/store"
)

// TypeStateUpdated is broadcast after each successful save.
const TypeStateUpdated = "state-updated"

var (
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("state: manager destroyed")
	// ErrInvalidMigration is returned by RegisterMigration for a version
	// outside [1, current).
	ErrInvalidMigration = errors.New("state: invalid migration version")
)

// Migration upgrades data from one schema version to the next.
type Migration func(data json.RawMessage) (json.RawMessage, error)

// Config tunes the manager. Zero values take defaults.
type Config struct {
	// Version is the current schema version. Default: 1.
	Version int `yaml:"version" env:"SESSIONKEEPER_STATE_VERSION"`
	// KeyPrefix namespaces state records in the store. Default: "state:".
	KeyPrefix string `yaml:"key_prefix" env:"SESSIONKEEPER_STATE_KEY_PREFIX"`
	// AutoSaveDelay debounces AutoSave. Default: 2s.
	AutoSaveDelay time.Duration `yaml:"autosave_delay" env:"SESSIONKEEPER_STATE_AUTOSAVE_DELAY"`
	// CompressThreshold is the encoded size above which records are
	// compressed. Default: 4096.
	CompressThreshold int `yaml:"compress_threshold" env:"SESSIONKEEPER_STATE_COMPRESS_THRESHOLD"`
	// NavigationKey prefixes the store key of each instance's offline
	// navigation queue; the bus instance id is appended. A queue survives a
	// restart only when the instance id is stable. Default: "navigation-queue".
	NavigationKey string `yaml:"navigation_key" env:"SESSIONKEEPER_STATE_NAVIGATION_KEY"`
}

func (c *Config) applyDefaults() {
	if c.Version <= 0 {
		c.Version = 1
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "state:"
	}
	if c.AutoSaveDelay <= 0 {
		c.AutoSaveDelay = 2 * time.Second
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 4096
	}
	if c.NavigationKey == "" {
		c.NavigationKey = "navigation-queue"
	}
}

// Resolution describes how a sync conflict was settled.
type Resolution string

const (
	// RemoteWins means the other instance's newer write was kept and the
	// local data was dropped.
	RemoteWins Resolution = "remote-wins"
)

// SyncConflict reports local data lost to a newer write elsewhere.
type SyncConflict struct {
	Key           string
	Local         json.RawMessage
	Remote        json.RawMessage
	LocalAt       time.Time
	RemoteSavedAt time.Time
	Resolution    Resolution
}

// Update reports a save observed from another instance.
type Update struct {
	Key      string
	SavedAt  time.Time
	SenderID string
}

// SaveOption configures SaveState and AutoSave.
type SaveOption func(*saveOptions)

type saveOptions struct {
	ttl      time.Duration
	priority int
}

// WithTTL expires the record after ttl.
func WithTTL(ttl time.Duration) SaveOption { return func(o *saveOptions) { o.ttl = ttl } }

// WithPriority sets the eviction priority. Lower priorities are evicted
// first. Default: 0.
func WithPriority(p int) SaveOption { return func(o *saveOptions) { o.priority = p } }

// Connectivity is the part of the connection monitor the manager uses.
type Connectivity interface {
	IsOnline() bool
	OnOnline(fn func(connection.State)) func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithBus enables cross-instance update notifications.
func WithBus(b *bus.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithRecovery routes store writes through r.
func WithRecovery(r *recovery.Manager) Option { return func(m *Manager) { m.rec = r } }

// WithNavigator sets the target of Navigate.
func WithNavigator(n Navigator) Option { return func(m *Manager) { m.navigator = n } }

// WithConnectivity makes Navigate queue while offline and replay on
// reconnect.
func WithConnectivity(c Connectivity) Option { return func(m *Manager) { m.conn = c } }

// Manager saves and loads state snapshots.
type Manager struct {
	cfg       Config
	store     store.Store
	bus       *bus.Bus
	rec       *recovery.Manager
	conn      Connectivity
	navigator Navigator
	log       *slog.Logger

	conflicts *observer.Registry[SyncConflict]
	updates   *observer.Registry[Update]

	mu         sync.Mutex
	migrations map[int]Migration
	drafts     map[string]*draft
	lastSaved  map[string]time.Time
	busID      bus.HandlerID
	unsubConn  func()
	stopWatch  context.CancelFunc
	started    bool
	destroyed  bool

	navMu    sync.Mutex
	navQueue []NavigationQueueEntry
	replayMu sync.Mutex
}

type draft struct {
	data     json.RawMessage
	opts     []SaveOption
	editedAt time.Time
	timer    *time.Timer
}

type updatePayload struct {
	Key     string    `json:"key"`
	SavedAt time.Time `json:"saved_at"`
}

// New creates a manager over st.
func New(cfg Config, st store.Store, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		store:      st,
		migrations: make(map[int]Migration),
		drafts:     make(map[string]*draft),
		lastSaved:  make(map[string]time.Time),
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
	m.conflicts = observer.New[SyncConflict](m.log)
	m.updates = observer.New[Update](m.log)
	m.busID = m.bus.OnMessage(TypeStateUpdated, m.handleBusUpdate)
	return m
}

// Version returns the current schema version.
func (m *Manager) Version() int { return m.cfg.Version }

// Start restores the persisted navigation queue and begins watching for
// remote changes.
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
	if m.conn != nil {
		m.unsubConn = m.conn.OnOnline(func(connection.State) {
			go m.replayOnline()
		})
	}
	if w, ok := m.store.(store.Watcher); ok {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.stopWatch = cancel
		go func() {
			err := w.Watch(watchCtx, m.handleStoreChange)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("state: store watch stopped", slog.String("err", err.Error()))
			}
		}()
	}
	m.mu.Unlock()

	m.restoreNavigation(ctx)
	if m.conn != nil && m.conn.IsOnline() && len(m.PendingNavigation()) > 0 {
		go m.replayOnline()
	}
	return nil
}

// RegisterMigration installs the step upgrading data saved at version from
// to version from+1.
func (m *Manager) RegisterMigration(from int, fn Migration) error {
	if from < 1 || from >= m.cfg.Version || fn == nil {
		return fmt.Errorf("%w: %d", ErrInvalidMigration, from)
	}
	m.mu.Lock()
	m.migrations[from] = fn
	m.mu.Unlock()
	return nil
}

// OnSyncConflict registers fn for local data lost to a newer remote write.
func (m *Manager) OnSyncConflict(fn func(SyncConflict)) func() {
	return m.conflicts.Subscribe(fn)
}

// OnRemoteUpdate registers fn for saves made by other instances.
func (m *Manager) OnRemoteUpdate(fn func(Update)) func() {
	return m.updates.Subscribe(fn)
}

func (m *Manager) storeKey(key string) string { return m.cfg.KeyPrefix + key }

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// SaveState persists data under key at the current version. A pending
// AutoSave for key is superseded.
func (m *Manager) SaveState(ctx context.Context, key string, data any, opts ...SaveOption) error {
	if m.isDestroyed() {
		return ErrDestroyed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("state: marshal %q: %w", key, err)
	}
	m.dropDraft(key)
	return m.save(ctx, key, raw, time.Now(), opts)
}

func (m *Manager) save(ctx context.Context, key string, raw json.RawMessage, localAt time.Time, opts []SaveOption) error {
	var so saveOptions
	for _, opt := range opts {
		opt(&so)
	}

	m.mu.Lock()
	savedAt := time.Now()
	if prev, ok := m.lastSaved[key]; ok && !savedAt.After(prev) {
		savedAt = prev.Add(time.Nanosecond)
	}
	// Reserved up front so the store's echo of this write is not taken
	// for a remote save.
	m.lastSaved[key] = savedAt
	m.mu.Unlock()

	rec := Record{Key: key, Version: m.cfg.Version, Data: raw, SavedAt: savedAt, TTL: so.ttl, Priority: so.priority}
	b, err := encodeRecord(rec, m.cfg.CompressThreshold)
	if err != nil {
		return err
	}

	write := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.writeWithEviction(ctx, key, b, savedAt, so.ttl)
	}
	if m.rec != nil {
		_, err = recovery.Execute(ctx, m.rec, write, recovery.WithName("save-state:"+key))
	} else {
		_, err = write(ctx)
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleWrite):
		m.reportStale(ctx, key, raw, localAt)
		return recovery.Conflict("save-state", fmt.Errorf("%q: %w", key, err))
	default:
		return recovery.Storage("save-state", fmt.Errorf("%q: %w", key, err))
	}

	if err := m.bus.SendMessage(ctx, TypeStateUpdated, updatePayload{Key: key, SavedAt: savedAt}); err != nil {
		m.log.Debug("state: update broadcast failed", slog.String("key", key), slog.String("err", err.Error()))
	}
	return nil
}

// writeWithEviction writes b, evicting other records by (priority,
// saved_at) while the store reports it is full.
func (m *Manager) writeWithEviction(ctx context.Context, key string, b []byte, savedAt time.Time, ttl time.Duration) error {
	set := func() error {
		return m.store.Set(ctx, m.storeKey(key), b, store.WithTimestamp(savedAt), store.WithTTL(ttl))
	}
	err := set()
	if !errors.Is(err, store.ErrQuotaExceeded) {
		return err
	}

	candidates, lerr := m.evictionCandidates(ctx, key)
	if lerr != nil {
		return errors.Join(err, lerr)
	}
	for _, c := range candidates {
		if derr := m.store.Delete(ctx, c.storeKey); derr != nil {
			return errors.Join(err, derr)
		}
		m.log.Info("state: evicted record for space",
			slog.String("key", c.key),
			slog.Int("priority", c.priority))
		if err = set(); !errors.Is(err, store.ErrQuotaExceeded) {
			return err
		}
	}
	return err
}

type evictionCandidate struct {
	storeKey string
	key      string
	priority int
	savedAt  time.Time
	corrupt  bool
}

func (m *Manager) evictionCandidates(ctx context.Context, exclude string) ([]evictionCandidate, error) {
	keys, err := m.store.Keys(ctx, m.cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	var out []evictionCandidate
	for _, sk := range keys {
		key := strings.TrimPrefix(sk, m.cfg.KeyPrefix)
		if key == exclude {
			continue
		}
		it, err := m.store.Get(ctx, sk)
		if errors.Is(err, store.ErrCorrupt) {
			out = append(out, evictionCandidate{storeKey: sk, key: key, corrupt: true})
			continue
		}
		if err != nil || it == nil {
			continue
		}
		c := evictionCandidate{storeKey: sk, key: key, savedAt: it.SavedAt}
		if rec, err := decodeRecord(it.Data); err != nil {
			c.corrupt = true
		} else {
			c.priority = rec.Priority
			c.savedAt = rec.SavedAt
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.corrupt != b.corrupt {
			return a.corrupt
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.savedAt.Before(b.savedAt)
	})
	return out, nil
}

// LoadState decodes the record at key into dst, which must be a non-nil
// pointer. It reports false, leaving dst untouched, when there is no usable
// record. Unsaved AutoSave data takes precedence over the store.
func (m *Manager) LoadState(ctx context.Context, key string, dst any) bool {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || m.isDestroyed() {
		return false
	}

	m.mu.Lock()
	d, hasDraft := m.drafts[key]
	var draftData json.RawMessage
	if hasDraft {
		draftData = d.data
	}
	m.mu.Unlock()
	if hasDraft {
		return decodeInto(draftData, rv)
	}

	it, err := m.store.Get(ctx, m.storeKey(key))
	if errors.Is(err, store.ErrCorrupt) {
		m.discard(ctx, key, err.Error())
		return false
	}
	if err != nil {
		m.log.Warn("state: load failed", slog.String("key", key), slog.String("err", err.Error()))
		return false
	}
	if it == nil {
		return false
	}

	rec, err := decodeRecord(it.Data)
	if err != nil {
		m.discard(ctx, key, err.Error())
		return false
	}
	if rec.Key != key {
		m.discard(ctx, key, "key mismatch")
		return false
	}
	if rec.Version > m.cfg.Version {
		m.discard(ctx, key, fmt.Sprintf("version %d is newer than %d", rec.Version, m.cfg.Version))
		return false
	}

	data := rec.Data
	migrated := rec.Version < m.cfg.Version
	if migrated {
		data, err = m.migrate(rec.Version, data)
		if err != nil {
			m.discard(ctx, key, err.Error())
			return false
		}
	}

	if !decodeInto(data, rv) {
		m.discard(ctx, key, "undecodable data")
		return false
	}

	if migrated {
		var opts []SaveOption
		if rec.TTL > 0 {
			if left := time.Until(rec.SavedAt.Add(rec.TTL)); left > 0 {
				opts = append(opts, WithTTL(left))
			}
		}
		opts = append(opts, WithPriority(rec.Priority))
		if err := m.save(ctx, key, data, time.Now(), opts); err != nil {
			m.log.Warn("state: rewrite after migration failed", slog.String("key", key), slog.String("err", err.Error()))
		}
	}
	return true
}

// Load is the typed form of LoadState, returning def when no usable record
// exists.
func Load[T any](ctx context.Context, m *Manager, key string, def T) T {
	var v T
	if m.LoadState(ctx, key, &v) {
		return v
	}
	return def
}

// decodeInto unmarshals into a fresh value so that dst is written only on
// success.
func decodeInto(data json.RawMessage, dst reflect.Value) bool {
	tmp := reflect.New(dst.Elem().Type())
	if err := json.Unmarshal(data, tmp.Interface()); err != nil {
		return false
	}
	dst.Elem().Set(tmp.Elem())
	return true
}

func (m *Manager) migrate(from int, data json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	steps := make([]Migration, 0, m.cfg.Version-from)
	for v := from; v < m.cfg.Version; v++ {
		fn, ok := m.migrations[v]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("no migration from version %d", v)
		}
		steps = append(steps, fn)
	}
	m.mu.Unlock()

	for i, fn := range steps {
		next, err := fn(data)
		if err != nil {
			return nil, fmt.Errorf("migration from version %d: %w", from+i, err)
		}
		data = next
	}
	return data, nil
}

func (m *Manager) discard(ctx context.Context, key, reason string) {
	m.log.Warn("state: discarding record", slog.String("key", key), slog.String("reason", reason))
	if err := m.store.Delete(ctx, m.storeKey(key)); err != nil {
		m.log.Debug("state: discard failed", slog.String("key", key), slog.String("err", err.Error()))
	}
}

// DeleteState removes the record at key and any pending AutoSave for it.
func (m *Manager) DeleteState(ctx context.Context, key string) error {
	if m.isDestroyed() {
		return ErrDestroyed
	}
	m.dropDraft(key)
	if err := m.store.Delete(ctx, m.storeKey(key)); err != nil {
		return recovery.Storage("delete-state", err)
	}
	return nil
}

// Keys lists the keys with stored records.
func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	sks, err := m.store.Keys(ctx, m.cfg.KeyPrefix)
	if err != nil {
		return nil, recovery.Storage("list-state", err)
	}
	out := make([]string, 0, len(sks))
	for _, sk := range sks {
		out = append(out, strings.TrimPrefix(sk, m.cfg.KeyPrefix))
	}
	sort.Strings(out)
	return out, nil
}

// Destroy cancels pending AutoSaves and stops watching for remote changes.
// Call Flush first to persist pending edits.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	for k, d := range m.drafts {
		d.timer.Stop()
		delete(m.drafts, k)
	}
	stopWatch, unsubConn := m.stopWatch, m.unsubConn
	m.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if unsubConn != nil {
		unsubConn()
	}
	m.bus.OffMessage(TypeStateUpdated, m.busID)
	m.conflicts.Clear()
	m.updates.Clear()
}
