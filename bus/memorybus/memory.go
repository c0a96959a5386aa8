// Package memorybus provides an in-process bus.Transport. Instances that
// join the same Hub see each other's broadcasts, which makes it the
// transport of choice for tests and for several client instances hosted in
// one process.
package memorybus

import (
	"context"
	"sync"

	"github.com/ggoodman/sessionkeeper/bus"
)

// Hub is the shared medium. The zero value is not usable; call NewHub.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Join returns a new transport attached to the hub.
func (h *Hub) Join() *Transport {
	return &Transport{hub: h}
}

// Transport implements bus.Transport on a Hub.
type Transport struct {
	hub *Hub

	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

// subscriber delivers frames in arrival order on its own goroutine, so a
// slow listener never blocks broadcasters.
type subscriber struct {
	fn     func([]byte)
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) push(frame []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, frame)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			frame := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(frame)
		}
	}
}

// Broadcast implements bus.Transport.
func (t *Transport) Broadcast(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	cp := append([]byte(nil), frame...)
	// Holding the hub lock during fan-out gives every subscriber the same
	// global order.
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for s := range t.hub.subs {
		s.push(cp)
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
	s := &subscriber{fn: fn, notify: make(chan struct{}, 1), done: make(chan struct{})}
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	t.hub.mu.Lock()
	t.hub.subs[s] = struct{}{}
	t.hub.mu.Unlock()

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		t.detach(s)
	}()
	return nil
}

func (t *Transport) detach(s *subscriber) {
	t.hub.mu.Lock()
	delete(t.hub.subs, s)
	t.hub.mu.Unlock()
	s.stop()
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

	for _, s := range subs {
		t.detach(s)
	}
	return nil
}

var _ bus.Transport = (*Transport)(nil)
