package memorystore

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/sessionkeeper/store"
	"github.com/ggoodman/sessionkeeper/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		s, err := New(Config{})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return s
	})
}

func TestMemoryStore_QuotaExceeded(t *testing.T) {
	s, err := New(Config{MaxBytes: 10})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("123456")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := s.Set(ctx, "b", []byte("123456")); !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	// Rewriting an existing key only counts the size difference.
	if err := s.Set(ctx, "a", []byte("1234567890")); err != nil {
		t.Fatalf("rewrite a: %v", err)
	}
	if got := s.Bytes(); got != 10 {
		t.Fatalf("expected 10 bytes, got %d", got)
	}
}

func TestMemoryStore_EvictOnFull(t *testing.T) {
	s, err := New(Config{MaxBytes: 10, EvictOnFull: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("123456"))
	if err := s.Set(ctx, "b", []byte("123456")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	it, _ := s.Get(ctx, "a")
	if it != nil {
		t.Fatal("expected a to be evicted")
	}
	it, _ = s.Get(ctx, "b")
	if it == nil {
		t.Fatal("expected b to be present")
	}
}

func TestMemoryStore_MaxItems(t *testing.T) {
	s, err := New(Config{MaxItems: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("x"))
	if err := s.Set(ctx, "b", []byte("x")); !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s, _ := New(Config{})
	_ = s.Close()
	if _, err := s.Get(context.Background(), "a"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
