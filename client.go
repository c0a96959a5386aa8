package sessionkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/bus/redisbus"
	"github.com/ggoodman/sessionkeeper/connection"
	"github.com/ggoodman/sessionkeeper/identity"
	"github.com/ggoodman/sessionkeeper/internal/logctx"
	"github.com/ggoodman/sessionkeeper/leader"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/refresh"
	"github.com/ggoodman/sessionkeeper/session"
	"github.com/ggoodman/sessionkeeper/state"
	"github.com/ggoodman/sessionkeeper/store"
	"github.com/ggoodman/sessionkeeper/store/filestore"
	"github.com/ggoodman/sessionkeeper/store/memorystore"
	"github.com/ggoodman/sessionkeeper/store/redisstore"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrDestroyed is returned by Start after Destroy.
var ErrDestroyed = errors.New("sessionkeeper: client destroyed")

// Option configures dependencies that do not belong in Config.
type Option func(*options)

type options struct {
	handler   slog.Handler
	transport bus.Transport
	store     store.Store
	prober    connection.Prober
	reg       prometheus.Registerer
	navigator state.Navigator
}

// WithLogHandler routes component logs to h. Records logged with a context
// carry the instance and session attributes.
func WithLogHandler(h slog.Handler) Option { return func(o *options) { o.handler = h } }

// WithTransport overrides the configured bus driver. Use a memorybus.Hub
// to coordinate several clients in one process.
func WithTransport(t bus.Transport) Option { return func(o *options) { o.transport = t } }

// WithStore overrides the configured store driver. The caller keeps
// ownership and must close st after Destroy.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithProber overrides the health probe derived from Connection.HealthURL.
func WithProber(p connection.Prober) Option { return func(o *options) { o.prober = p } }

// WithRegisterer registers every collector with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option { return func(o *options) { o.reg = reg } }

// WithNavigator sets the target of queued navigation requests.
func WithNavigator(n state.Navigator) Option { return func(o *options) { o.navigator = n } }

// Client is one instance of the session core: a persistent store, a bus to
// peer instances and the managers built on them.
type Client struct {
	log      *slog.Logger
	store    store.Store
	ownStore bool

	bus      *bus.Bus
	conn     *connection.Monitor
	recovery *recovery.Manager
	refresh  *refresh.Service
	leader   *leader.Manager
	state    *state.Manager
	session  *session.Manager

	startMu   sync.Mutex
	mu        sync.Mutex
	started   bool
	destroyed bool
}

// New assembles a client. Nothing runs until Start.
func New(cfg Config, provider identity.Provider, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, errors.New("sessionkeeper: identity provider is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.handler == nil {
		o.handler = slog.NewTextHandler(io.Discard, nil)
	}
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}
	log := slog.New(logctx.Handler{Handler: o.handler})

	c := &Client{log: log}

	if o.store != nil {
		c.store = o.store
	} else {
		st, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		c.store, c.ownStore = st, true
	}

	t := o.transport
	if t == nil && cfg.Bus.Driver == BusRedis {
		rt, err := redisbus.New(redisbus.Config{RedisAddr: cfg.Redis.Addr, Channel: cfg.Redis.BusChannel})
		if err != nil {
			_ = c.closeStore()
			return nil, fmt.Errorf("open bus: %w", err)
		}
		t = rt
	}
	c.bus = bus.New(t, bus.WithInstanceID(cfg.InstanceID), bus.WithLogger(log.With(slog.String("component", "bus"))))

	c.conn = connection.New(cfg.Connection, o.prober,
		connection.WithLogger(log.With(slog.String("component", "connection"))),
		connection.WithRegisterer(o.reg),
	)
	c.recovery = recovery.New(cfg.Recovery,
		recovery.WithLogger(log.With(slog.String("component", "recovery"))),
		recovery.WithRegisterer(o.reg),
	)
	c.refresh = refresh.New(cfg.Refresh, provider, c.bus,
		refresh.WithLogger(log.With(slog.String("component", "refresh"))),
		refresh.WithStore(c.store),
		refresh.WithRecovery(c.recovery),
		refresh.WithRegisterer(o.reg),
	)
	c.leader = leader.New(cfg.Leader, c.bus, leader.WithLogger(log.With(slog.String("component", "leader"))))

	stateOpts := []state.Option{
		state.WithLogger(log.With(slog.String("component", "state"))),
		state.WithBus(c.bus),
		state.WithRecovery(c.recovery),
		state.WithConnectivity(c.conn),
	}
	if o.navigator != nil {
		stateOpts = append(stateOpts, state.WithNavigator(o.navigator))
	}
	c.state = state.New(cfg.State, c.store, stateOpts...)

	c.session = session.New(cfg.Session, provider, c.refresh,
		session.WithLogger(log.With(slog.String("component", "session"))),
		session.WithBus(c.bus),
		session.WithLeader(c.leader),
		session.WithConnection(c.conn),
		session.WithRecovery(c.recovery),
	)
	return c, nil
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case StoreFile:
		st, err := filestore.New(cfg.Store.File)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	case StoreRedis:
		st, err := redisstore.New(redisstore.Config{RedisAddr: cfg.Redis.Addr, KeyPrefix: cfg.Redis.StorePrefix})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	default:
		st, err := memorystore.New(memorystore.Config{
			MaxItems:    cfg.Store.Memory.MaxItems,
			MaxBytes:    cfg.Store.Memory.MaxBytes,
			EvictOnFull: cfg.Store.Memory.EvictOnFull,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	}
}

// Start attaches to the bus, joins the leader election, starts the
// connection monitor and state sync, then initializes the session from
// the provider. A missing or expired session is not an error; the session
// is left Expired. When a step fails Start may be called again: steps that
// already succeeded are kept and the remaining ones are retried.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx = logctx.WithInstance(ctx, &logctx.InstanceData{InstanceID: c.bus.InstanceID(), Role: "starting"})

	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	if err := c.leader.Start(ctx); err != nil {
		return fmt.Errorf("start leader election: %w", err)
	}
	if err := c.conn.Start(ctx); err != nil {
		return fmt.Errorf("start connection monitor: %w", err)
	}
	if err := c.state.Start(ctx); err != nil {
		return fmt.Errorf("start state sync: %w", err)
	}
	if err := c.session.InitializeSession(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.log.InfoContext(ctx, "sessionkeeper: client started",
		slog.Bool("leader", c.leader.IsLeaderInstance()),
		slog.String("session_state", string(c.session.State())),
	)
	return nil
}

// Destroy flushes pending drafts, stops every component in reverse start
// order and closes the store when the client opened it. The returned
// error joins the failures of each step.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	var errs []error
	if err := c.state.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush drafts: %w", err))
	}
	c.session.Destroy()
	c.state.Destroy()
	c.refresh.Destroy()
	if err := c.leader.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave election: %w", err))
	}
	c.conn.Destroy()
	if err := c.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	c.recovery.Destroy()
	if err := c.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	ctx = logctx.WithInstance(ctx, &logctx.InstanceData{InstanceID: c.bus.InstanceID(), Role: "destroyed"})
	c.log.InfoContext(ctx, "sessionkeeper: client destroyed", slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (c *Client) closeStore() error {
	if !c.ownStore {
		return nil
	}
	return c.store.Close()
}

// InstanceID returns the id this instance uses on the bus.
func (c *Client) InstanceID() string { return c.bus.InstanceID() }

// Session returns the session manager.
func (c *Client) Session() *session.Manager { return c.session }

// State returns the state manager.
func (c *Client) State() *state.Manager { return c.state }

// Leader returns the leader manager.
func (c *Client) Leader() *leader.Manager { return c.leader }

// Connection returns the connection monitor.
func (c *Client) Connection() *connection.Monitor { return c.conn }

// Recovery returns the error recovery manager.
func (c *Client) Recovery() *recovery.Manager { return c.recovery }

// Refresh returns the token refresh service.
func (c *Client) Refresh() *refresh.Service { return c.refresh }

// Bus returns the cross-instance bus.
func (c *Client) Bus() *bus.Bus { return c.bus }

// Store returns the persistent store.
func (c *Client) Store() store.Store { return c.store }

// GetSessionStatus is a shorthand for Session().GetSessionStatus.
func (c *Client) GetSessionStatus() session.Status { return c.session.GetSessionStatus() }

// OnSessionExpired registers fn for session expiry, local or remote.
func (c *Client) OnSessionExpired(fn func(session.Expired)) func() {
	return c.session.OnSessionExpired(fn)
}

// OnSessionRefreshed registers fn for every applied token refresh.
func (c *Client) OnSessionRefreshed(fn func(session.Refreshed)) func() {
	return c.session.OnSessionRefreshed(fn)
}

// OnConnectionChanged registers fn for connection state updates.
func (c *Client) OnConnectionChanged(fn func(connection.State)) func() {
	return c.session.OnConnectionChanged(fn)
}

// OnSyncConflict registers fn for state records where a peer's write
// replaced local data.
func (c *Client) OnSyncConflict(fn func(state.SyncConflict)) func() {
	return c.state.OnSyncConflict(fn)
}
