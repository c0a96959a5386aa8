package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AutoSave records data as the pending edit for key and persists it once
// no further AutoSave for key arrives within AutoSaveDelay.
func (m *Manager) AutoSave(key string, data any, opts ...SaveOption) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("state: marshal %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	if prev, ok := m.drafts[key]; ok {
		prev.timer.Stop()
	}
	d := &draft{data: raw, opts: opts, editedAt: time.Now()}
	d.timer = time.AfterFunc(m.cfg.AutoSaveDelay, func() { m.flushDraft(key, d) })
	m.drafts[key] = d
	return nil
}

// HasDraft reports whether key has an AutoSave that is not yet persisted.
func (m *Manager) HasDraft(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.drafts[key]
	return ok
}

func (m *Manager) flushDraft(key string, d *draft) {
	m.mu.Lock()
	if m.destroyed || m.drafts[key] != d {
		m.mu.Unlock()
		return
	}
	delete(m.drafts, key)
	m.mu.Unlock()

	if err := m.save(context.Background(), key, d.data, d.editedAt, d.opts); err != nil {
		m.log.Warn("state: autosave failed", slog.String("key", key), slog.String("err", err.Error()))
	}
}

func (m *Manager) dropDraft(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drafts[key]; ok {
		d.timer.Stop()
		delete(m.drafts, key)
	}
}

// Flush persists every pending AutoSave immediately.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	pending := make(map[string]*draft, len(m.drafts))
	for k, d := range m.drafts {
		d.timer.Stop()
		pending[k] = d
		delete(m.drafts, k)
	}
	m.mu.Unlock()

	var errs []error
	for k, d := range pending {
		if err := m.save(ctx, k, d.data, d.editedAt, d.opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
