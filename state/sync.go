package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
)

func (m *Manager) handleBusUpdate(msg bus.Message) {
	var p updatePayload
	if err := msg.Decode(&p); err != nil || p.Key == "" {
		return
	}
	m.remoteUpdate(context.Background(), p.Key, p.SavedAt, msg.SenderID)
}

func (m *Manager) handleStoreChange(storeKey string) {
	if !strings.HasPrefix(storeKey, m.cfg.KeyPrefix) {
		return
	}
	key := strings.TrimPrefix(storeKey, m.cfg.KeyPrefix)
	it, err := m.store.Get(context.Background(), storeKey)
	if err != nil || it == nil {
		return
	}
	m.remoteUpdate(context.Background(), key, it.SavedAt, "")
}

// remoteUpdate applies last-write-wins between a newer remote save and an
// unsaved local edit of the same key.
func (m *Manager) remoteUpdate(ctx context.Context, key string, savedAt time.Time, sender string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	if prev, ok := m.lastSaved[key]; ok && !savedAt.After(prev) {
		m.mu.Unlock()
		return
	}
	m.lastSaved[key] = savedAt
	var lost *draft
	if d, ok := m.drafts[key]; ok && savedAt.After(d.editedAt) {
		d.timer.Stop()
		delete(m.drafts, key)
		lost = d
	}
	m.mu.Unlock()

	if lost != nil {
		m.log.Info("state: local edit superseded by remote save", slog.String("key", key))
		m.conflicts.Emit(SyncConflict{
			Key:           key,
			Local:         lost.data,
			Remote:        m.storedData(ctx, key),
			LocalAt:       lost.editedAt,
			RemoteSavedAt: savedAt,
			Resolution:    RemoteWins,
		})
	}
	m.updates.Emit(Update{Key: key, SavedAt: savedAt, SenderID: sender})
}

// reportStale surfaces a write the store rejected as older than its copy.
func (m *Manager) reportStale(ctx context.Context, key string, local json.RawMessage, localAt time.Time) {
	c := SyncConflict{Key: key, Local: local, LocalAt: localAt, Resolution: RemoteWins}
	if it, err := m.store.Get(ctx, m.storeKey(key)); err == nil && it != nil {
		c.RemoteSavedAt = it.SavedAt
		if rec, err := decodeRecord(it.Data); err == nil {
			c.Remote = rec.Data
		}
		m.mu.Lock()
		if prev, ok := m.lastSaved[key]; !ok || it.SavedAt.After(prev) {
			m.lastSaved[key] = it.SavedAt
		}
		m.mu.Unlock()
	}
	m.conflicts.Emit(c)
}

func (m *Manager) storedData(ctx context.Context, key string) json.RawMessage {
	it, err := m.store.Get(ctx, m.storeKey(key))
	if err != nil || it == nil {
		return nil
	}
	rec, err := decodeRecord(it.Data)
	if err != nil {
		return nil
	}
	return rec.Data
}
