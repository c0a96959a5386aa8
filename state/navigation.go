package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ggoodman/sessionkeeper/store"
	"github.com/google/uuid"
)

// ErrNoNavigator is returned by Navigate when no Navigator is configured.
var ErrNoNavigator = errors.New("state: no navigator configured")

// NavigationEntry is a navigation action.
type NavigationEntry struct {
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
}

// NavigationQueueEntry is a navigation attempted while offline.
type NavigationQueueEntry struct {
	ID       string            `json:"id"`
	Target   string            `json:"target"`
	Params   map[string]string `json:"params,omitempty"`
	QueuedAt time.Time         `json:"queued_at"`
}

// Navigator performs navigation actions.
type Navigator interface {
	Navigate(ctx context.Context, e NavigationEntry) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, e NavigationEntry) error

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(ctx context.Context, e NavigationEntry) error { return f(ctx, e) }

// Navigate performs e now when online, or queues it for replay once
// connectivity returns. queued reports which happened. Entries queued
// earlier are always performed first.
func (m *Manager) Navigate(ctx context.Context, e NavigationEntry) (queued bool, err error) {
	if m.isDestroyed() {
		return false, ErrDestroyed
	}
	if m.navigator == nil {
		return false, ErrNoNavigator
	}
	online := m.conn == nil || m.conn.IsOnline()

	m.navMu.Lock()
	backlog := len(m.navQueue) > 0
	if online && !backlog {
		m.navMu.Unlock()
		return false, m.navigator.Navigate(ctx, e)
	}
	m.navQueue = append(m.navQueue, NavigationQueueEntry{
		ID:       uuid.NewString(),
		Target:   e.Target,
		Params:   e.Params,
		QueuedAt: time.Now(),
	})
	m.persistNavigationLocked(ctx)
	m.navMu.Unlock()

	if online {
		go m.replayOnline()
	}
	return true, nil
}

// PendingNavigation returns the queued entries in replay order.
func (m *Manager) PendingNavigation() []NavigationQueueEntry {
	m.navMu.Lock()
	defer m.navMu.Unlock()
	return append([]NavigationQueueEntry(nil), m.navQueue...)
}

// ReplayNavigation performs queued entries in order. It stops at the first
// failure, or when connectivity drops, leaving the rest queued.
func (m *Manager) ReplayNavigation(ctx context.Context) error {
	if m.navigator == nil {
		return ErrNoNavigator
	}
	m.replayMu.Lock()
	defer m.replayMu.Unlock()

	for {
		if m.isDestroyed() {
			return ErrDestroyed
		}
		if m.conn != nil && !m.conn.IsOnline() {
			return nil
		}
		m.navMu.Lock()
		if len(m.navQueue) == 0 {
			m.navMu.Unlock()
			return nil
		}
		next := m.navQueue[0]
		m.navMu.Unlock()

		if err := m.navigator.Navigate(ctx, NavigationEntry{Target: next.Target, Params: next.Params}); err != nil {
			return err
		}

		m.navMu.Lock()
		if len(m.navQueue) > 0 && m.navQueue[0].ID == next.ID {
			m.navQueue = m.navQueue[1:]
		}
		m.persistNavigationLocked(ctx)
		m.navMu.Unlock()
	}
}

func (m *Manager) replayOnline() {
	if err := m.ReplayNavigation(context.Background()); err != nil && !errors.Is(err, ErrDestroyed) {
		m.log.Warn("state: navigation replay stopped", slog.String("err", err.Error()))
	}
}

// navigationKey is the store key of this instance's queue. Entries queued by
// one instance are never replayed by another.
func (m *Manager) navigationKey() string {
	return m.cfg.NavigationKey + ":" + m.bus.InstanceID()
}

func (m *Manager) persistNavigationLocked(ctx context.Context) {
	if len(m.navQueue) == 0 {
		if err := m.store.Delete(ctx, m.navigationKey()); err != nil {
			m.log.Debug("state: clear navigation queue failed", slog.String("err", err.Error()))
		}
		return
	}
	b, err := json.Marshal(m.navQueue)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, m.navigationKey(), b); err != nil {
		m.log.Warn("state: persist navigation queue failed", slog.String("err", err.Error()))
	}
}

// restoreNavigation merges entries persisted by an earlier run with the same
// instance id.
func (m *Manager) restoreNavigation(ctx context.Context) {
	it, err := m.store.Get(ctx, m.navigationKey())
	if errors.Is(err, store.ErrCorrupt) {
		m.log.Warn("state: discarding unreadable navigation queue", slog.String("err", err.Error()))
		_ = m.store.Delete(ctx, m.navigationKey())
		return
	}
	if err != nil || it == nil {
		return
	}
	var stored []NavigationQueueEntry
	if err := json.Unmarshal(it.Data, &stored); err != nil {
		m.log.Warn("state: discarding unreadable navigation queue", slog.String("err", err.Error()))
		_ = m.store.Delete(ctx, m.navigationKey())
		return
	}

	m.navMu.Lock()
	defer m.navMu.Unlock()
	seen := make(map[string]bool, len(m.navQueue))
	for _, e := range m.navQueue {
		seen[e.ID] = true
	}
	for _, e := range stored {
		if !seen[e.ID] {
			m.navQueue = append(m.navQueue, e)
		}
	}
	sort.SliceStable(m.navQueue, func(i, j int) bool {
		return m.navQueue[i].QueuedAt.Before(m.navQueue[j].QueuedAt)
	})
}
