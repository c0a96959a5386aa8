// Package memorystore provides an in-memory implementation of store.Store
// using github.com/hashicorp/golang-lru/v2 for recency tracking with TTL
// support. It is the default backend for tests and single-process use.
package memorystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/sessionkeeper/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config bounds the store's capacity.
type Config struct {
	// MaxItems caps the number of keys. Default: 10000.
	MaxItems int
	// MaxBytes caps the sum of stored value sizes. Zero means unbounded.
	MaxBytes int
	// EvictOnFull evicts least recently used items instead of returning
	// store.ErrQuotaExceeded when a write does not fit.
	EvictOnFull bool
	// CleanupInterval controls the background sweep of expired items.
	// Default: 5 minutes.
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxItems <= 0 {
		c.MaxItems = 10000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// Store implements store.Store using in-memory storage.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	cache  *lru.Cache[string, *store.Item]
	bytes  int
	closed bool
	stop   chan struct{}
}

// New creates a new in-memory store.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	s := &Store{cfg: cfg, stop: make(chan struct{})}

	cache, err := lru.NewWithEvict[string, *store.Item](cfg.MaxItems, func(_ string, it *store.Item) {
		// Invoked synchronously from Add/Remove/RemoveOldest while s.mu is held.
		s.bytes -= len(it.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s.cache = cache

	go s.cleanupExpired()

	return s, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (*store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	it, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if it.IsExpired() {
		s.cache.Remove(key)
		return nil, nil
	}
	return cloneItem(it), nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...store.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := store.ApplyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	prevSize := 0
	cur, exists := s.cache.Peek(key)
	if exists {
		if !cur.IsExpired() && o.Timestamp.Before(cur.SavedAt) {
			return store.ErrStaleWrite
		}
		prevSize = len(cur.Data)
	}

	if err := s.makeRoomLocked(key, len(data)-prevSize, exists); err != nil {
		return err
	}

	it := &store.Item{
		Data:    append([]byte(nil), data...),
		SavedAt: o.Timestamp,
	}
	if o.TTL > 0 {
		exp := time.Now().Add(o.TTL)
		it.ExpiresAt = &exp
	}

	// Remove first so the eviction callback releases the previous size.
	s.cache.Remove(key)
	s.cache.Add(key, it)
	s.bytes += len(it.Data)
	return nil
}

// makeRoomLocked ensures a write growing the store by delta bytes fits.
func (s *Store) makeRoomLocked(key string, delta int, exists bool) error {
	fitsItems := func() bool { return exists || s.cache.Len() < s.cfg.MaxItems }
	fitsBytes := func() bool { return s.cfg.MaxBytes <= 0 || s.bytes+delta <= s.cfg.MaxBytes }

	if fitsItems() && fitsBytes() {
		return nil
	}
	if !s.cfg.EvictOnFull {
		return store.ErrQuotaExceeded
	}
	for !(fitsItems() && fitsBytes()) {
		oldest, _, ok := s.cache.GetOldest()
		if !ok {
			return store.ErrQuotaExceeded
		}
		if oldest == key {
			// The key being rewritten is the only candidate left.
			if s.cache.Len() == 1 {
				return store.ErrQuotaExceeded
			}
			s.cache.Get(key) // bump recency so another key becomes oldest
			continue
		}
		s.cache.RemoveOldest()
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.cache.Remove(key)
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var out []string
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if it, ok := s.cache.Peek(k); ok && !it.IsExpired() {
			out = append(out, k)
		}
	}
	return out, nil
}

// Bytes reports the total size of stored values.
func (s *Store) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	s.cache.Purge()
	return nil
}

// cleanupExpired periodically removes expired items until Close.
func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		for _, k := range s.cache.Keys() {
			if it, ok := s.cache.Peek(k); ok && it.IsExpired() {
				s.cache.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}

func cloneItem(it *store.Item) *store.Item {
	out := &store.Item{Data: append([]byte(nil), it.Data...), SavedAt: it.SavedAt}
	if it.ExpiresAt != nil {
		exp := *it.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// Compile-time interface check
var _ store.Store = (*Store)(nil)
