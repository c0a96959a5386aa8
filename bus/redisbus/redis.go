// Package redisbus provides a bus.Transport over Redis pub/sub for
// instances that share a Redis server rather than a process.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis transport. Defaults can be loaded via envdecode.
type Config struct {
	// Client is used when set. Otherwise a client dialing RedisAddr is
	// created and owned by the transport.
	Client *redis.Client `yaml:"-"`
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `yaml:"addr" env:"REDIS_ADDR,default=localhost:6379"`
	// Channel carries every frame. ENV: SESSIONKEEPER_BUS_CHANNEL
	Channel string `yaml:"channel" env:"SESSIONKEEPER_BUS_CHANNEL,default=sessionkeeper:bus"`
}

// Transport implements bus.Transport with PUBLISH/SUBSCRIBE.
type Transport struct {
	client    *redis.Client
	ownClient bool
	channel   string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// New creates a transport and verifies connectivity.
func New(cfg Config) (*Transport, error) {
	cl, own := cfg.Client, false
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl, own = redis.NewClient(&redis.Options{Addr: addr}), true
	}
	if err := cl.Ping(context.Background()).Err(); err != nil {
		if own {
			_ = cl.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ch := cfg.Channel
	if ch == "" {
		ch = "sessionkeeper:bus"
	}
	return &Transport{client: cl, ownClient: own, channel: ch}, nil
}

// NewFromEnv builds a Transport using envdecode to populate Config.
func NewFromEnv() (*Transport, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Broadcast implements bus.Transport.
func (t *Transport) Broadcast(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	if err := t.client.Publish(ctx, t.channel, frame).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Listen implements bus.Transport.
func (t *Transport) Listen(ctx context.Context, fn func([]byte)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return bus.ErrClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription confirmation so frames published after
	// Listen returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, ps)
	t.mu.Unlock()

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close implements bus.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

var _ bus.Transport = (*Transport)(nil)
