package redisbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/bus/bustest"
	"github.com/joeshaw/envdecode"
)

func TestRedisTransport(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	tr, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis bus tests: %v", err)
		return
	}
	_ = tr.Close()

	bustest.RunTransportTests(t, func(t *testing.T) (bus.Transport, bus.Transport) {
		var cfg Config
		_ = envdecode.Decode(&cfg)
		// A private channel per test keeps subtests from hearing each other.
		cfg.Channel = fmt.Sprintf("sessionkeeper:bustest:%d", time.Now().UnixNano())
		a, err := New(cfg)
		if err != nil {
			t.Fatalf("new a: %v", err)
		}
		b, err := New(cfg)
		if err != nil {
			t.Fatalf("new b: %v", err)
		}
		return a, b
	})
}
