package redisstore

import (
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/sessionkeeper/store"
	"github.com/ggoodman/sessionkeeper/store/storetest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		ss, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		return ss
	})
}

func TestTimestampEncodingSortsLexically(t *testing.T) {
	a := encodeTimestamp(time.Unix(9, 0))
	b := encodeTimestamp(time.Unix(10, 0))
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
	got, err := decodeTimestamp(b)
	if err != nil || !got.Equal(time.Unix(10, 0)) {
		t.Fatalf("decode: %v %v", got, err)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Fatalf("unexpected escape: %s", got)
	}
}

func TestOOMMapping(t *testing.T) {
	if !isOOM(errors.New("OOM command not allowed when used memory > 'maxmemory'.")) {
		t.Fatal("expected OOM to be recognized")
	}
	if isOOM(errors.New("ERR something else")) {
		t.Fatal("unexpected OOM match")
	}
}
