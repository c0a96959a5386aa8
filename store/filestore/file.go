// Package filestore provides a directory-backed implementation of
// store.Store. Each key lives in its own file, written through a temporary
// file and an atomic rename, so several processes on the same device can
// share a directory. Writes and deletes hold an flock on a lock file in the
// directory, so last-write-wins holds across processes too. Changes made by
// any of them are observable via Watch.
package filestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/sessionkeeper/store"
)

const (
	recordExt    = ".rec"
	tempPrefix   = ".tmp-"
	lockFileName = ".lock"
)

// Config for a directory-backed store.
type Config struct {
	// Dir holds one file per key. It is created if missing.
	Dir string `yaml:"dir" env:"SESSIONKEEPER_STORE_DIR"`
	// MaxBytes caps the total size of record files. Zero means unbounded.
	MaxBytes int64 `yaml:"max_bytes" env:"SESSIONKEEPER_STORE_MAX_BYTES"`
}

// Store implements store.Store and store.Watcher on a directory.
type Store struct {
	dir      string
	maxBytes int64

	mu     sync.Mutex
	closed bool
}

type record struct {
	Data      []byte     `json:"data"`
	SavedAt   time.Time  `json:"saved_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New opens (creating if needed) a store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("filestore: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{dir: cfg.Dir, maxBytes: cfg.MaxBytes}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+recordExt)
}

func keyFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, tempPrefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, recordExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *Store) read(key string) (*record, int64, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, 0, fmt.Errorf("failed to decode key %s: %w: %v", key, store.ErrCorrupt, err)
	}
	return &rec, int64(len(b)), nil
}

// withLock runs fn holding the directory lock. Callers hold s.mu.
func (s *Store) withLock(fn func() error) (err error) {
	l, err := lockDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to lock store directory: %w", err)
	}
	defer func() {
		if uerr := l.unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("failed to unlock store directory: %w", uerr)
		}
	}()
	return fn()
}

func (rec *record) expired() bool {
	return rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt)
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

	rec, _, err := s.read(key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.expired() {
		_ = s.withLock(func() error {
			// A peer may have replaced the record since it was read.
			if cur, _, err := s.read(key); err == nil && cur != nil && cur.expired() {
				_ = os.Remove(s.path(key))
			}
			return nil
		})
		return nil, nil
	}
	return &store.Item{Data: rec.Data, SavedAt: rec.SavedAt, ExpiresAt: rec.ExpiresAt}, nil
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

	rec := record{Data: data, SavedAt: o.Timestamp}
	if o.TTL > 0 {
		exp := time.Now().Add(o.TTL)
		rec.ExpiresAt = &exp
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", key, err)
	}

	return s.withLock(func() error {
		cur, curSize, err := s.read(key)
		if err != nil && !errors.Is(err, store.ErrCorrupt) {
			return err
		}
		if cur != nil && !cur.expired() && o.Timestamp.Before(cur.SavedAt) {
			return store.ErrStaleWrite
		}
		if s.maxBytes > 0 {
			used, err := s.usage()
			if err != nil {
				return err
			}
			if used-curSize+int64(len(b)) > s.maxBytes {
				return store.ErrQuotaExceeded
			}
		}
		return s.writeAtomic(s.path(key), b)
	})
}

func (s *Store) writeAtomic(dst string, b []byte) error {
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install record: %w", err)
	}
	return nil
}

// usage sums the size of every record file in the directory.
func (s *Store) usage() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list store directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		if _, ok := keyFromName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
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
	return s.withLock(func() error {
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return nil
	})
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

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		key, ok := keyFromName(e.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		rec, _, err := s.read(key)
		if err != nil || rec == nil || rec.expired() {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Watch implements store.Watcher. Writes by this process are reported too.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	const interesting = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&interesting == 0 {
				continue
			}
			if key, ok := keyFromName(filepath.Base(ev.Name)); ok {
				fn(key)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", s.dir, err)
		}
	}
}

// Close implements store.Store. Files are left in place.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Watcher = (*Store)(nil)
)
