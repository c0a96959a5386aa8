// Package redisstore provides a Redis-backed implementation of store.Store
// for instances that share state across processes or hosts. Each key is a
// hash holding the value and its last-write-wins timestamp; writes go
// through a Lua compare-and-set so concurrent writers cannot interleave.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/sessionkeeper/store"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// Client is used when set. Otherwise a client dialing RedisAddr is
	// created and owned by the store.
	Client *redis.Client `yaml:"-"`
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `yaml:"addr" env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONKEEPER_STORE_PREFIX
	KeyPrefix string `yaml:"key_prefix" env:"SESSIONKEEPER_STORE_PREFIX,default=sessionkeeper:store:"`
}

// Store implements store.Store on Redis.
type Store struct {
	client    *redis.Client
	ownClient bool
	keyPrefix string
}

// New creates a Redis-backed store and verifies connectivity.
func New(cfg Config) (*Store, error) {
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
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sessionkeeper:store:"
	}
	return &Store{client: cl, ownClient: own, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) redisKey(key string) string { return s.keyPrefix + key }

// encodeTimestamp renders t so that lexical order matches time order.
func encodeTimestamp(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }

func decodeTimestamp(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

var setScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'saved_at')
if cur and ARGV[2] < cur then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'saved_at', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (*store.Item, error) {
	rk := s.redisKey(key)
	var (
		fields *redis.MapStringStringCmd
		pttl   *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, rk)
		pttl = p.PTTL(ctx, rk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", rk, err)
	}
	vals := fields.Val()
	if len(vals) == 0 {
		return nil, nil
	}
	savedAt, err := decodeTimestamp(vals["saved_at"])
	if err != nil {
		return nil, fmt.Errorf("timestamp on key %s: %w: %v", rk, store.ErrCorrupt, err)
	}
	it := &store.Item{Data: []byte(vals["data"]), SavedAt: savedAt}
	if d := pttl.Val(); d > 0 {
		exp := time.Now().Add(d)
		it.ExpiresAt = &exp
	}
	return it, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...store.Option) error {
	o := store.ApplyOptions(opts)
	rk := s.redisKey(key)
	res, err := setScript.Run(ctx, s.client, []string{rk}, data, encodeTimestamp(o.Timestamp), o.TTL.Milliseconds()).Int()
	if err != nil {
		if isOOM(err) {
			return fmt.Errorf("failed to set key %s: %w", rk, store.ErrQuotaExceeded)
		}
		return fmt.Errorf("failed to set key %s: %w", rk, err)
	}
	if res == 0 {
		return store.ErrStaleWrite
	}
	return nil
}

func isOOM(err error) bool {
	return strings.HasPrefix(err.Error(), "OOM ")
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	rk := s.redisKey(key)
	if err := s.client.Del(ctx, rk).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", rk, err)
	}
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.keyPrefix+prefix) + "*"
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the Redis client when the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

var _ store.Store = (*Store)(nil)
