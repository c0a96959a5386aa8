// Package store defines the durable key/value contract shared by every
// component that persists state on the local device. Backends live in the
// memorystore, filestore and redisstore subpackages.
//
// Writes are last-write-wins by timestamp: a Set carrying a timestamp older
// than the stored item is rejected with ErrStaleWrite, so stale data arriving
// out of order from another instance never clobbers newer data. Capacity is
// bounded; a write that does not fit fails with ErrQuotaExceeded and the
// caller decides what to evict.
package store

import (
	"context"
	"errors"
	"time"
)

// Store is the persistence contract consumed by the session core.
type Store interface {
	// Get retrieves the item stored at key.
	// Returns nil Item if key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data at key. The write is rejected with ErrStaleWrite when
	// the stored item carries a newer timestamp.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys beginning with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Watcher is implemented by backends that can observe writes made by other
// processes sharing the same storage.
type Watcher interface {
	// Watch calls fn with the key of every externally observed change until
	// ctx is cancelled.
	Watch(ctx context.Context, fn func(key string)) error
}

// Item represents a stored piece of data with metadata
type Item struct {
	Data      []byte     // The stored data
	SavedAt   time.Time  // Timestamp used for last-write-wins comparison
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a Set operation.
type Option func(*Options)

// Options contains configuration for Set operations.
type Options struct {
	TTL       time.Duration // Zero means no expiration
	Timestamp time.Time     // Zero means time.Now()
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// WithTimestamp sets the logical write time used for last-write-wins.
func WithTimestamp(t time.Time) Option {
	return func(o *Options) { o.Timestamp = t }
}

// ApplyOptions resolves opts, filling the timestamp with now when unset.
func ApplyOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	return o
}

var (
	// ErrQuotaExceeded is returned when a write would exceed the backend's capacity.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
	// ErrStaleWrite is returned when a write is older than the stored item.
	ErrStaleWrite = errors.New("store: stale write rejected")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrCorrupt is returned by Get when the stored record cannot be
	// decoded. Deleting the key clears it.
	ErrCorrupt = errors.New("store: corrupt record")
)
