// Package bustest provides a conformance suite for bus.Transport
// implementations.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
)

// PairFactory creates two transports attached to the same medium.
type PairFactory func(t *testing.T) (a, b bus.Transport)

// RunTransportTests runs the complete Transport test suite against the
// provided factory.
func RunTransportTests(t *testing.T, factory PairFactory) {
	t.Run("BroadcastReachesPeer", func(t *testing.T) { testBroadcastReachesPeer(t, factory) })
	t.Run("OrderPreservedPerSender", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("ListenStopsOnCancel", func(t *testing.T) { testListenStopsOnCancel(t, factory) })
	t.Run("BusIgnoresOwnMessages", func(t *testing.T) { testBusIgnoresOwnMessages(t, factory) })
}

type collector struct {
	mu     sync.Mutex
	frames []string
	signal chan struct{}
}

func newCollector() *collector { return &collector{signal: make(chan struct{}, 1024)} }

func (c *collector) add(b []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, string(b))
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := append([]string(nil), c.frames...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func closePair(a, b bus.Transport) {
	_ = a.Close()
	_ = b.Close()
}

func testBroadcastReachesPeer(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closePair(a, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := newCollector()
	if err := b.Listen(ctx, got.add); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := a.Broadcast(ctx, []byte("hello")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	frames := got.waitFor(t, 1)
	if frames[0] != "hello" {
		t.Fatalf("unexpected frame %q", frames[0])
	}
}

func testOrderPreserved(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closePair(a, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := newCollector()
	if err := b.Listen(ctx, got.add); err != nil {
		t.Fatalf("listen: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := a.Broadcast(ctx, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}
	frames := got.waitFor(t, n)
	for i := 0; i < n; i++ {
		if frames[i] != fmt.Sprint(i) {
			t.Fatalf("frame %d out of order: %q", i, frames[i])
		}
	}
}

func testListenStopsOnCancel(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closePair(a, b)

	got := newCollector()
	lctx, lcancel := context.WithCancel(context.Background())
	if err := b.Listen(lctx, got.add); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := a.Broadcast(context.Background(), []byte("before")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	got.waitFor(t, 1)
	lcancel()
	time.Sleep(100 * time.Millisecond)

	_ = a.Broadcast(context.Background(), []byte("after"))
	time.Sleep(200 * time.Millisecond)
	if c := got.count(); c != 1 {
		t.Fatalf("expected delivery to stop after cancel, got %d frames", c)
	}
}

func testBusIgnoresOwnMessages(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	ba := bus.New(a, bus.WithInstanceID("a"))
	bb := bus.New(b, bus.WithInstanceID("b"))
	defer ba.Close()
	defer bb.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var seenA, seenB []string
	done := make(chan struct{}, 1)
	ba.OnMessage("ping", func(m bus.Message) {
		mu.Lock()
		seenA = append(seenA, m.SenderID)
		mu.Unlock()
	})
	bb.OnMessage("ping", func(m bus.Message) {
		mu.Lock()
		seenB = append(seenB, m.SenderID)
		mu.Unlock()
		done <- struct{}{}
	})
	if err := ba.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := bb.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if err := ba.SendMessage(ctx, "ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer never received message")
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seenA) != 0 {
		t.Fatalf("sender received its own message: %v", seenA)
	}
	if len(seenB) != 1 || seenB[0] != "a" {
		t.Fatalf("unexpected peer deliveries: %v", seenB)
	}
}
