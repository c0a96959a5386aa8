// Package storetest provides a conformance suite for store.Store backends.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/sessionkeeper/store"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) store.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Get_MissingReturnsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Set_RoundTrip", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("Set_NewerTimestampOverwrites", func(t *testing.T) { testNewerOverwrites(t, factory) })
	t.Run("Set_StaleTimestampRejected", func(t *testing.T) { testStaleRejected(t, factory) })
	t.Run("Delete_Idempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("TTL_ExpiredItemsVanish", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("Keys_FilteredByPrefix", func(t *testing.T) { testKeysByPrefix(t, factory) })
}

func uniquePrefix() string {
	return "storetest:" + strconv.FormatInt(time.Now().UnixNano(), 36) + ":"
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	it, err := s.Get(context.Background(), uniquePrefix()+"missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it != nil {
		t.Fatalf("expected nil item, got %+v", it)
	}
}

func testRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	key := uniquePrefix() + "k"
	ts := time.Unix(1700000000, 123456789)
	if err := s.Set(ctx, key, []byte("hello"), store.WithTimestamp(ts)); err != nil {
		t.Fatalf("set: %v", err)
	}
	it, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it == nil {
		t.Fatal("expected item")
	}
	if !bytes.Equal(it.Data, []byte("hello")) {
		t.Fatalf("expected hello, got %q", it.Data)
	}
	if !it.SavedAt.Equal(ts) {
		t.Fatalf("expected saved at %v, got %v", ts, it.SavedAt)
	}
	if it.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", it.ExpiresAt)
	}
}

func testNewerOverwrites(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	key := uniquePrefix() + "k"
	t0 := time.Unix(1700000000, 0)
	if err := s.Set(ctx, key, []byte("v1"), store.WithTimestamp(t0)); err != nil {
		t.Fatalf("set v1: %v", err)
	}
	if err := s.Set(ctx, key, []byte("v2"), store.WithTimestamp(t0.Add(time.Second))); err != nil {
		t.Fatalf("set v2: %v", err)
	}
	it, err := s.Get(ctx, key)
	if err != nil || it == nil {
		t.Fatalf("get: %v %v", it, err)
	}
	if string(it.Data) != "v2" {
		t.Fatalf("expected v2, got %q", it.Data)
	}
}

func testStaleRejected(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	key := uniquePrefix() + "k"
	t0 := time.Unix(1700000000, 0)
	if err := s.Set(ctx, key, []byte("new"), store.WithTimestamp(t0)); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := s.Set(ctx, key, []byte("old"), store.WithTimestamp(t0.Add(-time.Second)))
	if !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	it, err := s.Get(ctx, key)
	if err != nil || it == nil {
		t.Fatalf("get: %v %v", it, err)
	}
	if string(it.Data) != "new" {
		t.Fatalf("stale write clobbered data: %q", it.Data)
	}
}

func testDeleteIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	key := uniquePrefix() + "k"
	if err := s.Set(ctx, key, []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	it, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it != nil {
		t.Fatalf("expected deleted, got %+v", it)
	}
}

func testTTLExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	key := uniquePrefix() + "ttl"
	if err := s.Set(ctx, key, []byte("x"), store.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	it, err := s.Get(ctx, key)
	if err != nil || it == nil {
		t.Fatalf("expected live item: %v %v", it, err)
	}
	if it.ExpiresAt == nil {
		t.Fatal("expected expiry to be reported")
	}

	time.Sleep(150 * time.Millisecond)

	it, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it != nil {
		t.Fatalf("expected expired item to vanish, got %+v", it)
	}
}

func testKeysByPrefix(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	p := uniquePrefix()
	for _, k := range []string{p + "a:1", p + "a:2", p + "b:1"} {
		if err := s.Set(ctx, k, []byte("x")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := s.Keys(ctx, p+"a:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != p+"a:1" || keys[1] != p+"a:2" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
