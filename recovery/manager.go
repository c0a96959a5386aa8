// Package recovery centralizes failure handling. Callers wrap network and
// storage operations in ExecuteWithRecovery; failures are classified into a
// Category, and retryable ones are parked in a retry queue that a single
// worker drains with per-category exponential backoff.
//
// The first attempt runs on the caller's goroutine. Later attempts run on
// the worker, which dispatches due entries high-priority categories first
// and otherwise in insertion order, paced by a rate limiter.
package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/sessionkeeper/internal/logctx"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config tunes the manager. Zero values take defaults.
type Config struct {
	// CacheSize bounds the idempotent result cache. Default: 256.
	CacheSize int `yaml:"cache_size" env:"SESSIONKEEPER_RECOVERY_CACHE_SIZE"`
	// CacheTTL is the default and maximum lifetime of a cached result.
	// Default: 5 minutes.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"SESSIONKEEPER_RECOVERY_CACHE_TTL"`
	// DrainRate caps retry dispatches per second. Default: 10.
	DrainRate float64 `yaml:"drain_rate" env:"SESSIONKEEPER_RECOVERY_DRAIN_RATE"`
	// DrainBurst is the limiter burst. Default: 5.
	DrainBurst int `yaml:"drain_burst" env:"SESSIONKEEPER_RECOVERY_DRAIN_BURST"`
}

func (c *Config) applyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.DrainRate <= 0 {
		c.DrainRate = 10
	}
	if c.DrainBurst <= 0 {
		c.DrainBurst = 5
	}
}

// Operation is the unit of work retried by the manager.
type Operation func(ctx context.Context) (any, error)

// RetryQueueEntry describes a parked operation.
type RetryQueueEntry struct {
	ID       string
	Category Category
	// Attempt counts the attempts already made.
	Attempt       int
	NextAttemptAt time.Time
	// PayloadRef names the operation (its idempotency key or name).
	PayloadRef string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

// WithRegisterer registers the manager's collectors with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) { m.reg = reg }
}

// WithDefaultPolicy replaces the manager-wide policy for c.
func WithDefaultPolicy(c Category, p Policy) ManagerOption {
	return func(m *Manager) { m.policies[c] = p }
}

// Manager implements execute-with-recovery.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	reg      prometheus.Registerer
	policies map[Category]Policy
	metrics  *metrics
	cache    *resultCache
	limiter  *rate.Limiter

	mu        sync.Mutex
	queues    map[Category][]*entry
	seq       uint64
	destroyed bool
	wake      chan struct{}
	cancel    context.CancelFunc
}

type entry struct {
	RetryQueueEntry
	seq      uint64
	ctx      context.Context
	op       Operation
	opts     *execOptions
	backoff  backoff.BackOff
	policy   Policy
	lastErr  error
	done     chan result
	doneOnce sync.Once
}

type result struct {
	value any
	err   error
}

func (e *entry) finish(v any, err error) {
	e.doneOnce.Do(func() { e.done <- result{value: v, err: err} })
}

// New creates a manager and starts its queue worker.
func New(cfg Config, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		policies: DefaultPolicies(),
		queues:   make(map[Category][]*entry),
		wake:     make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Limit(cfg.DrainRate), cfg.DrainBurst),
		cache:    newResultCache(cfg.CacheSize, cfg.CacheTTL),
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
	m.metrics = newMetrics(m.reg)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
	return m
}

// Policy returns the manager-wide policy for c.
func (m *Manager) Policy(c Category) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[c]
}

type execOptions struct {
	name           string
	idempotencyKey string
	cacheTTL       time.Duration
	policy         *Policy
	categoryPolicy map[Category]Policy
	onRetry        func(RetryQueueEntry, error)
}

// Option configures one ExecuteWithRecovery call.
type Option func(*execOptions)

// WithName labels the operation in logs and queue entries.
func WithName(name string) Option { return func(o *execOptions) { o.name = name } }

// WithIdempotencyKey caches a successful result under key. Later calls with
// the same key return the cached value without running the operation.
func WithIdempotencyKey(key string) Option {
	return func(o *execOptions) { o.idempotencyKey = key }
}

// WithCacheTTL overrides how long the idempotent result stays cached. It is
// capped by Config.CacheTTL.
func WithCacheTTL(d time.Duration) Option { return func(o *execOptions) { o.cacheTTL = d } }

// WithPolicy applies p to failures of every category.
func WithPolicy(p Policy) Option { return func(o *execOptions) { o.policy = &p } }

// WithCategoryPolicy applies p to failures classified as c.
func WithCategoryPolicy(c Category, p Policy) Option {
	return func(o *execOptions) {
		if o.categoryPolicy == nil {
			o.categoryPolicy = make(map[Category]Policy)
		}
		o.categoryPolicy[c] = p
	}
}

// WithOnRetry is called each time a retry is scheduled.
func WithOnRetry(fn func(RetryQueueEntry, error)) Option {
	return func(o *execOptions) { o.onRetry = fn }
}

func (m *Manager) policyFor(o *execOptions, c Category) Policy {
	if p, ok := o.categoryPolicy[c]; ok {
		return p
	}
	if o.policy != nil {
		return *o.policy
	}
	return m.Policy(c)
}

// ExecuteWithRecovery runs op, retrying per policy, and returns its result
// or the final error. Permanent failures are returned unchanged; exhausted
// retries return an *ExhaustedError wrapping the last failure.
func (m *Manager) ExecuteWithRecovery(ctx context.Context, op Operation, opts ...Option) (any, error) {
	o := &execOptions{}
	for _, opt := range opts {
		opt(o)
	}

	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}

	if o.idempotencyKey != "" {
		if v, ok := m.cache.get(o.idempotencyKey); ok {
			m.metrics.recordCacheHit()
			return v, nil
		}
	}

	v, err := m.attempt(ctx, o, op, 1, "")
	if err == nil {
		m.succeed(o, v)
		return v, nil
	}

	cat := Classify(err)
	pol := m.policyFor(o, cat)
	if !pol.canRetry(1) {
		m.fail(o, cat, 1, err)
		return nil, m.finalError(pol, cat, 1, err)
	}

	e := &entry{
		RetryQueueEntry: RetryQueueEntry{
			ID:         uuid.NewString(),
			Category:   cat,
			Attempt:    1,
			PayloadRef: o.ref(),
		},
		ctx:     ctx,
		op:      op,
		opts:    o,
		policy:  pol,
		backoff: pol.NewBackOff(),
		lastErr: err,
		done:    make(chan result, 1),
	}
	e.NextAttemptAt = time.Now().Add(e.nextDelay())
	if !m.enqueue(e, err) {
		return nil, ErrDestroyed
	}

	select {
	case r := <-e.done:
		return r.value, r.err
	case <-ctx.Done():
		m.remove(e)
		return nil, ctx.Err()
	}
}

// Execute is the typed form of ExecuteWithRecovery.
func Execute[T any](ctx context.Context, m *Manager, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	v, err := m.ExecuteWithRecovery(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

func (o *execOptions) ref() string {
	if o.idempotencyKey != "" {
		return o.idempotencyKey
	}
	return o.name
}

func (e *entry) nextDelay() time.Duration {
	d := e.backoff.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (m *Manager) attempt(ctx context.Context, o *execOptions, op Operation, n int, cat Category) (any, error) {
	actx := logctx.WithOperation(ctx, &logctx.Operation{Name: o.name, Category: string(cat), Attempt: n})
	v, err := op(actx)
	if err != nil {
		m.log.DebugContext(actx, "recovery: attempt failed", slog.String("err", err.Error()))
	}
	return v, err
}

func (m *Manager) succeed(o *execOptions, v any) {
	m.metrics.recordOutcome(true)
	if o.idempotencyKey == "" {
		return
	}
	ttl := o.cacheTTL
	if ttl <= 0 || ttl > m.cfg.CacheTTL {
		ttl = m.cfg.CacheTTL
	}
	m.cache.put(o.idempotencyKey, v, ttl)
}

func (m *Manager) fail(o *execOptions, cat Category, attempts int, err error) {
	m.metrics.recordError(cat)
	m.metrics.recordOutcome(false)
	m.log.Warn("recovery: operation failed",
		slog.String("name", o.name),
		slog.String("category", string(cat)),
		slog.Int("attempts", attempts),
		slog.String("err", err.Error()),
	)
}

func (m *Manager) finalError(pol Policy, cat Category, attempts int, err error) error {
	if pol.Retryable && attempts >= pol.MaxAttempts && attempts > 1 {
		return &ExhaustedError{Category: cat, Attempts: attempts, Err: err}
	}
	return err
}

// enqueue parks e. It reports false when the manager is destroyed.
func (m *Manager) enqueue(e *entry, cause error) bool {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return false
	}
	m.metrics.recordError(e.Category)
	m.seq++
	e.seq = m.seq
	m.queues[e.Category] = append(m.queues[e.Category], e)
	m.metrics.setQueueDepth(e.Category, len(m.queues[e.Category]))
	snapshot := e.RetryQueueEntry
	m.mu.Unlock()

	m.log.Debug("recovery: retry scheduled",
		slog.String("id", snapshot.ID),
		slog.String("category", string(snapshot.Category)),
		slog.Int("attempt", snapshot.Attempt),
		slog.Time("next_attempt_at", snapshot.NextAttemptAt),
	)
	if e.opts.onRetry != nil {
		e.opts.onRetry(snapshot, cause)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// removeLocked drops e from its queue. It reports whether e was queued.
func (m *Manager) removeLocked(e *entry) bool {
	q := m.queues[e.Category]
	for i, x := range q {
		if x == e {
			m.queues[e.Category] = append(q[:i:i], q[i+1:]...)
			m.metrics.setQueueDepth(e.Category, len(m.queues[e.Category]))
			return true
		}
	}
	return false
}

func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	m.removeLocked(e)
	m.mu.Unlock()
}

// nextDue pops the entry to dispatch at now. When none is due it returns
// the wait until the earliest entry, or zero for an empty queue.
func (m *Manager) nextDue(now time.Time) (*entry, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *entry
	var earliest time.Time
	for _, q := range m.queues {
		for _, e := range q {
			if e.NextAttemptAt.After(now) {
				if earliest.IsZero() || e.NextAttemptAt.Before(earliest) {
					earliest = e.NextAttemptAt
				}
				continue
			}
			if best == nil || dispatchBefore(e, best) {
				best = e
			}
		}
	}
	if best != nil {
		m.removeLocked(best)
		return best, 0
	}
	if earliest.IsZero() {
		return nil, 0
	}
	return nil, earliest.Sub(now)
}

func dispatchBefore(a, b *entry) bool {
	if a.policy.HighPriority != b.policy.HighPriority {
		return a.policy.HighPriority
	}
	return a.seq < b.seq
}

func (m *Manager) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		e, wait := m.nextDue(time.Now())
		if e == nil {
			if wait > 0 {
				timer.Reset(wait)
			}
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			e.finish(nil, ErrDestroyed)
			return
		}
		if e.ctx.Err() != nil {
			e.finish(nil, e.ctx.Err())
			continue
		}
		go m.retry(e)
	}
}

func (m *Manager) retry(e *entry) {
	v, err := m.attempt(e.ctx, e.opts, e.op, e.Attempt+1, e.Category)
	e.Attempt++

	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		e.finish(nil, ErrDestroyed)
		return
	}
	if err == nil {
		m.succeed(e.opts, v)
		e.finish(v, nil)
		return
	}

	cat := Classify(err)
	if cat != e.Category {
		e.Category = cat
		e.policy = m.policyFor(e.opts, cat)
		e.backoff = e.policy.NewBackOff()
	}
	e.lastErr = err
	if !e.policy.canRetry(e.Attempt) {
		m.fail(e.opts, cat, e.Attempt, err)
		e.finish(nil, m.finalError(e.policy, cat, e.Attempt, err))
		return
	}

	next := time.Now().Add(e.nextDelay())
	if !next.After(e.NextAttemptAt) {
		next = e.NextAttemptAt.Add(time.Millisecond)
	}
	e.NextAttemptAt = next
	if !m.enqueue(e, err) {
		e.finish(nil, ErrDestroyed)
	}
}

// Pending returns the queued entries in dispatch order, ignoring due times.
func (m *Manager) Pending() []RetryQueueEntry {
	type ordered struct {
		RetryQueueEntry
		high bool
		seq  uint64
	}
	m.mu.Lock()
	var all []ordered
	for _, q := range m.queues {
		for _, e := range q {
			all = append(all, ordered{e.RetryQueueEntry, e.policy.HighPriority, e.seq})
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].high != all[j].high {
			return all[i].high
		}
		return all[i].seq < all[j].seq
	})
	out := make([]RetryQueueEntry, len(all))
	for i, e := range all {
		out[i] = e.RetryQueueEntry
	}
	return out
}

// Metrics returns a snapshot of the in-memory counters.
func (m *Manager) Metrics() Snapshot { return m.metrics.snapshot() }

// ResetMetrics clears the in-memory counters.
func (m *Manager) ResetMetrics() { m.metrics.reset() }

// Destroy stops the worker and fails every queued entry with ErrDestroyed.
// Attempts already running complete but their results are discarded.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	var pending []*entry
	for c, q := range m.queues {
		pending = append(pending, q...)
		delete(m.queues, c)
		m.metrics.setQueueDepth(c, 0)
	}
	m.mu.Unlock()

	m.cancel()
	for _, e := range pending {
		e.finish(nil, ErrDestroyed)
	}
	m.cache.purge()
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool { return errors.Is(err, ErrRetriesExhausted) }
