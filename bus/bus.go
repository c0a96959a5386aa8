// Package bus connects concurrently running instances of the client on one
// device. Messages are JSON envelopes broadcast over a pluggable Transport:
// memorybus for instances in one process, redisbus for instances that share
// a Redis server. A Bus built without a transport is a no-op, so callers do
// not special-case single-instance execution.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sessionkeeper/internal/observer"
	"github.com/google/uuid"
)

// Lifecycle message types used for instance discovery.
const (
	TypeInstanceOpened = "instance-opened"
	TypeInstanceClosed = "instance-closed"
)

// ErrClosed is returned by SendMessage after Close.
var ErrClosed = errors.New("bus: closed")

// Transport moves opaque frames between instances.
//
// Broadcast delivers a frame to every listener attached to the shared
// medium, including the sender's own listeners. Listen attaches fn and
// returns once the subscription is live; frames are then passed to fn
// sequentially, in the order the medium received them, until ctx is
// cancelled or the transport is closed.
type Transport interface {
	Broadcast(ctx context.Context, frame []byte) error
	Listen(ctx context.Context, fn func(frame []byte)) error
	Close() error
}

// Message is the envelope exchanged between instances.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("bus: message %s has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler receives messages of one type. Handlers run on the bus's delivery
// goroutine and must not block.
type Handler func(msg Message)

// HandlerID identifies a registration for OffMessage.
type HandlerID uint64

type registration struct {
	typ   string
	unsub func()
}

type options struct {
	instanceID string
	log        *slog.Logger
}

// Option configures a Bus.
type Option func(*options)

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) Option { return func(o *options) { o.instanceID = id } }

// WithLogger sets the logger used for dropped frames and handler panics.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// Bus dispatches typed messages to local handlers and broadcasts outgoing
// messages through its Transport.
type Bus struct {
	t   Transport
	id  string
	log *slog.Logger
	seq atomic.Uint64

	mu       sync.Mutex
	handlers map[string]*observer.Registry[Message]
	unsubs   map[HandlerID]registration
	nextID   HandlerID
	cancel   context.CancelFunc
	started  bool
	closed   bool
}

// New creates a bus over t. A nil t yields a no-op bus.
func New(t Transport, opts ...Option) *Bus {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		t:        t,
		id:       o.instanceID,
		log:      o.log,
		handlers: make(map[string]*observer.Registry[Message]),
		unsubs:   make(map[HandlerID]registration),
	}
}

// InstanceID returns the id stamped on outgoing messages.
func (b *Bus) InstanceID() string { return b.id }

// IsNoop reports whether messages are never delivered to other instances.
func (b *Bus) IsNoop() bool { return b.t == nil }

// Start attaches to the transport. It is a no-op for a no-op bus and on
// repeated calls.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started || b.t == nil {
		return nil
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := b.t.Listen(lctx, b.deliver); err != nil {
		cancel()
		return fmt.Errorf("bus: listen: %w", err)
	}
	b.cancel = cancel
	b.started = true
	return nil
}

// Close detaches from and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if b.t != nil {
		return b.t.Close()
	}
	return nil
}

// SendMessage broadcasts payload under typ to every other instance.
func (b *Bus) SendMessage(ctx context.Context, typ string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if b.t == nil {
		return nil
	}

	msg := Message{
		ID:        uuid.NewString(),
		Type:      typ,
		SenderID:  b.id,
		Timestamp: time.Now(),
		Seq:       b.seq.Add(1),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bus: marshal %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if err := b.t.Broadcast(ctx, frame); err != nil {
		return fmt.Errorf("bus: broadcast %s: %w", typ, err)
	}
	return nil
}

// OnMessage registers h for messages of type typ. Handlers for one type run
// in registration order.
func (b *Bus) OnMessage(typ string, h Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.handlers[typ]
	if !ok {
		reg = observer.New[Message](b.log)
		b.handlers[typ] = reg
	}
	b.nextID++
	id := b.nextID
	b.unsubs[id] = registration{typ: typ, unsub: reg.Subscribe(h)}
	return id
}

// OffMessage removes the handler registered as id for typ. It reports
// whether such a registration existed.
func (b *Bus) OffMessage(typ string, id HandlerID) bool {
	b.mu.Lock()
	r, ok := b.unsubs[id]
	if ok && r.typ == typ {
		delete(b.unsubs, id)
	}
	b.mu.Unlock()
	if !ok || r.typ != typ {
		return false
	}
	r.unsub()
	return true
}

// AnnounceInstanceOpened tells peers this instance has joined.
func (b *Bus) AnnounceInstanceOpened(ctx context.Context) error {
	return b.SendMessage(ctx, TypeInstanceOpened, nil)
}

// AnnounceInstanceClosed tells peers this instance is leaving.
func (b *Bus) AnnounceInstanceClosed(ctx context.Context) error {
	return b.SendMessage(ctx, TypeInstanceClosed, nil)
}

func (b *Bus) deliver(frame []byte) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type == "" {
		b.log.Debug("bus: dropping malformed frame", slog.Int("size", len(frame)))
		return
	}
	if msg.SenderID == b.id {
		return
	}

	b.mu.Lock()
	reg, ok := b.handlers[msg.Type]
	closed := b.closed
	b.mu.Unlock()
	if !ok || closed {
		return
	}
	reg.Emit(msg)
}
