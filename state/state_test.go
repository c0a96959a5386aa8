package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/bus/memorybus"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/store"
	"github.com/ggoodman/sessionkeeper/store/filestore"
	"github.com/ggoodman/sessionkeeper/store/memorystore"
)

type form struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags,omitempty"`
}

func newMemStore(t *testing.T, cfg memorystore.Config) *memorystore.Store {
	t.Helper()
	st, err := memorystore.New(cfg)
	if err != nil {
		t.Fatalf("memorystore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newManager(t *testing.T, cfg Config, st store.Store, opts ...Option) *Manager {
	t.Helper()
	m := New(cfg, st, opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func putRecord(t *testing.T, st store.Store, r Record) {
	t.Helper()
	b, err := encodeRecord(r, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := st.Set(context.Background(), "state:"+r.Key, b, store.WithTimestamp(r.SavedAt)); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func storedRecord(t *testing.T, st store.Store, key string) (Record, bool) {
	t.Helper()
	it, err := st.Get(context.Background(), "state:"+key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it == nil {
		return Record{}, false
	}
	rec, err := decodeRecord(it.Data)
	if err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	return rec, true
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{}, st)
	ctx := context.Background()

	want := form{Title: "draft", Tags: []string{"a", "b"}}
	if err := m.SaveState(ctx, "compose", want, WithPriority(3)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := Load(ctx, m, "compose", form{})
	if got.Title != want.Title || len(got.Tags) != 2 || got.Tags[1] != "b" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	rec, ok := storedRecord(t, st, "compose")
	if !ok || rec.Version != 1 || rec.Priority != 3 || rec.Key != "compose" {
		t.Fatalf("unexpected stored record %+v", rec)
	}
	if keys, _ := m.Keys(ctx); len(keys) != 1 || keys[0] != "compose" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestLoad_MissingReturnsDefault(t *testing.T) {
	m := newManager(t, Config{}, newMemStore(t, memorystore.Config{}))
	def := form{Title: "default"}
	if got := Load(context.Background(), m, "nope", def); got.Title != "default" {
		t.Fatalf("expected default, got %+v", got)
	}
}

func TestLoad_DiscardsUnusableRecords(t *testing.T) {
	ctx := context.Background()
	badChecksum := func() []byte {
		body, _ := encMode.Marshal(wireRecord{Key: "k", Version: 1, Data: []byte(`{"title":"x"}`), SavedAt: 1, Checksum: []byte{1, 2, 3}})
		return append([]byte{frameCBOR}, body...)
	}

	tests := []struct {
		name  string
		write func(t *testing.T, st store.Store)
	}{
		{"garbage bytes", func(t *testing.T, st store.Store) {
			_ = st.Set(ctx, "state:k", []byte("not a record"))
		}},
		{"unknown framing", func(t *testing.T, st store.Store) {
			_ = st.Set(ctx, "state:k", []byte{0x7f, 0x00, 0x01})
		}},
		{"checksum mismatch", func(t *testing.T, st store.Store) {
			_ = st.Set(ctx, "state:k", badChecksum())
		}},
		{"future version", func(t *testing.T, st store.Store) {
			putRecord(t, st, Record{Key: "k", Version: 2, Data: json.RawMessage(`{"title":"x"}`), SavedAt: time.Now()})
		}},
		{"key mismatch", func(t *testing.T, st store.Store) {
			r := Record{Key: "other", Version: 1, Data: json.RawMessage(`{"title":"x"}`), SavedAt: time.Now()}
			b, _ := encodeRecord(r, 0)
			_ = st.Set(ctx, "state:k", b)
		}},
		{"undecodable data", func(t *testing.T, st store.Store) {
			putRecord(t, st, Record{Key: "k", Version: 1, Data: json.RawMessage(`"just a string"`), SavedAt: time.Now()})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore(t, memorystore.Config{})
			m := newManager(t, Config{}, st)
			tt.write(t, st)

			dst := form{Title: "untouched"}
			if m.LoadState(ctx, "k", &dst) {
				t.Fatalf("expected load to fail")
			}
			if dst.Title != "untouched" {
				t.Fatalf("destination modified: %+v", dst)
			}
			if it, _ := st.Get(ctx, "state:k"); it != nil {
				t.Fatalf("record not discarded")
			}
		})
	}
}

func TestLoad_DiscardsRecordTheStoreCannotDecode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := filestore.New(filestore.Config{Dir: dir})
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	m := newManager(t, Config{}, st)

	if err := m.SaveState(ctx, "k", form{Title: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.rec"))
	if len(files) != 1 {
		t.Fatalf("expected one record file, got %v", files)
	}
	if err := os.WriteFile(files[0], []byte("{truncated"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	dst := form{Title: "untouched"}
	if m.LoadState(ctx, "k", &dst) {
		t.Fatal("expected load to fail")
	}
	if dst.Title != "untouched" {
		t.Fatalf("destination modified: %+v", dst)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Fatalf("corrupt record file not removed: %v", err)
	}
	if err := m.SaveState(ctx, "k", form{Title: "again"}); err != nil {
		t.Fatalf("save after discard: %v", err)
	}
	if got := Load(ctx, m, "k", form{}); got.Title != "again" {
		t.Fatalf("unexpected reload %+v", got)
	}
}

func TestLoad_AppliesMigrationsInOrder(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{Version: 3}, st)
	ctx := context.Background()

	var calls []int
	step := func(from int, fn func(map[string]any)) Migration {
		return func(data json.RawMessage) (json.RawMessage, error) {
			calls = append(calls, from)
			var v map[string]any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			fn(v)
			return json.Marshal(v)
		}
	}
	if err := m.RegisterMigration(2, step(2, func(v map[string]any) { v["tags"] = []string{"migrated"} })); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if err := m.RegisterMigration(1, step(1, func(v map[string]any) { v["title"] = v["name"]; delete(v, "name") })); err != nil {
		t.Fatalf("register 1: %v", err)
	}

	putRecord(t, st, Record{Key: "k", Version: 1, Data: json.RawMessage(`{"name":"old"}`), SavedAt: time.Now().Add(-time.Minute), Priority: 2})

	got := Load(ctx, m, "k", form{})
	if got.Title != "old" || len(got.Tags) != 1 || got.Tags[0] != "migrated" {
		t.Fatalf("unexpected migrated value %+v", got)
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("migrations ran out of order: %v", calls)
	}

	rec, ok := storedRecord(t, st, "k")
	if !ok || rec.Version != 3 || rec.Priority != 2 {
		t.Fatalf("record not rewritten at current version: %+v", rec)
	}
	// Reloading does not migrate again.
	_ = Load(ctx, m, "k", form{})
	if len(calls) != 2 {
		t.Fatalf("migrations ran again: %v", calls)
	}
}

func TestLoad_MissingMigrationStepDiscards(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{Version: 3}, st)
	ctx := context.Background()

	if err := m.RegisterMigration(2, func(d json.RawMessage) (json.RawMessage, error) { return d, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	putRecord(t, st, Record{Key: "k", Version: 1, Data: json.RawMessage(`{"title":"old"}`), SavedAt: time.Now()})

	if got := Load(ctx, m, "k", form{Title: "default"}); got.Title != "default" {
		t.Fatalf("expected default, got %+v", got)
	}
	if _, ok := storedRecord(t, st, "k"); ok {
		t.Fatalf("record should be discarded")
	}
}

func TestLoad_FailingMigrationDiscards(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{Version: 2}, st)
	_ = m.RegisterMigration(1, func(json.RawMessage) (json.RawMessage, error) { return nil, errors.New("boom") })
	putRecord(t, st, Record{Key: "k", Version: 1, Data: json.RawMessage(`{"title":"old"}`), SavedAt: time.Now()})

	if got := Load(context.Background(), m, "k", form{Title: "default"}); got.Title != "default" {
		t.Fatalf("expected default, got %+v", got)
	}
}

func TestRegisterMigration_RejectsOutOfRange(t *testing.T) {
	m := New(Config{Version: 2}, newMemStore(t, memorystore.Config{}))
	defer m.Destroy()
	noop := func(d json.RawMessage) (json.RawMessage, error) { return d, nil }
	for _, v := range []int{0, 2, 5} {
		if err := m.RegisterMigration(v, noop); !errors.Is(err, ErrInvalidMigration) {
			t.Fatalf("version %d: expected ErrInvalidMigration, got %v", v, err)
		}
	}
}

func TestSave_CompressesLargeRecords(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{}, st)
	ctx := context.Background()

	big := form{Title: strings.Repeat("lorem ipsum ", 2000)}
	if err := m.SaveState(ctx, "big", big); err != nil {
		t.Fatalf("save: %v", err)
	}
	it, _ := st.Get(ctx, "state:big")
	if it == nil || it.Data[0] != frameCBORZstd {
		t.Fatalf("expected zstd framing")
	}
	if len(it.Data) >= len(big.Title) {
		t.Fatalf("record not compressed: %d bytes", len(it.Data))
	}
	if got := Load(ctx, m, "big", form{}); got.Title != big.Title {
		t.Fatalf("compressed round trip mismatch")
	}
}

func TestSave_EvictsLowestPriorityThenOldest(t *testing.T) {
	payload := form{Title: strings.Repeat("x", 200)}
	raw, _ := json.Marshal(payload)
	sample, _ := encodeRecord(Record{Key: "a", Version: 1, Data: raw, SavedAt: time.Now(), Priority: -1}, 4096)
	size := len(sample)

	st := newMemStore(t, memorystore.Config{MaxBytes: 2*size + size/2})
	m := newManager(t, Config{}, st)
	ctx := context.Background()

	if err := m.SaveState(ctx, "a", payload, WithPriority(-1)); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := m.SaveState(ctx, "b", payload); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := m.SaveState(ctx, "c", payload); err != nil {
		t.Fatalf("save c: %v", err)
	}
	if _, ok := storedRecord(t, st, "a"); ok {
		t.Fatalf("lowest priority record a should be evicted first")
	}
	if _, ok := storedRecord(t, st, "b"); !ok {
		t.Fatalf("b evicted too early")
	}

	if err := m.SaveState(ctx, "d", payload); err != nil {
		t.Fatalf("save d: %v", err)
	}
	if _, ok := storedRecord(t, st, "b"); ok {
		t.Fatalf("oldest record b should be evicted next")
	}
	for _, k := range []string{"c", "d"} {
		if _, ok := storedRecord(t, st, k); !ok {
			t.Fatalf("%s missing", k)
		}
	}
}

func TestSave_QuotaWithNothingToEvict(t *testing.T) {
	st := newMemStore(t, memorystore.Config{MaxBytes: 16})
	m := newManager(t, Config{}, st)

	err := m.SaveState(context.Background(), "k", form{Title: strings.Repeat("x", 100)})
	if !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if got := recovery.Classify(err); got != recovery.CategoryStorage {
		t.Fatalf("expected storage category, got %s", got)
	}
}

func TestSave_RetriesThroughRecovery(t *testing.T) {
	rec := recovery.New(recovery.Config{})
	defer rec.Destroy()
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{}, st, WithRecovery(rec))

	if err := m.SaveState(context.Background(), "k", form{Title: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if snap := rec.Metrics(); snap.Successes != 1 {
		t.Fatalf("expected one recovered operation, got %+v", snap)
	}
}

func TestAutoSave_Debounces(t *testing.T) {
	hub := memorybus.NewHub()
	local := bus.New(hub.Join(), bus.WithInstanceID("local"))
	peer := bus.New(hub.Join(), bus.WithInstanceID("peer"))
	for _, b := range []*bus.Bus{local, peer} {
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("start bus: %v", err)
		}
		defer b.Close()
	}
	var mu sync.Mutex
	var broadcasts int
	peer.OnMessage(TypeStateUpdated, func(bus.Message) {
		mu.Lock()
		broadcasts++
		mu.Unlock()
	})

	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{AutoSaveDelay: 50 * time.Millisecond}, st, WithBus(local))
	ctx := context.Background()

	for i, title := range []string{"h", "he", "hello"} {
		if err := m.AutoSave("compose", form{Title: title}); err != nil {
			t.Fatalf("autosave %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := storedRecord(t, st, "compose"); ok {
		t.Fatalf("saved before the debounce delay elapsed")
	}
	if got := Load(ctx, m, "compose", form{}); got.Title != "hello" {
		t.Fatalf("pending draft not visible to LoadState: %+v", got)
	}

	eventually(t, time.Second, func() bool { return !m.HasDraft("compose") }, "draft never flushed")
	rec, ok := storedRecord(t, st, "compose")
	if !ok || !strings.Contains(string(rec.Data), "hello") {
		t.Fatalf("unexpected stored record %+v", rec)
	}
	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return broadcasts == 1
	}, "expected exactly one state-updated broadcast")
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if broadcasts != 1 {
		t.Fatalf("expected 1 broadcast, got %d", broadcasts)
	}
}

func TestFlush_PersistsPendingEdits(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{AutoSaveDelay: time.Hour}, st)

	_ = m.AutoSave("a", form{Title: "one"})
	_ = m.AutoSave("b", form{Title: "two"})
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok := storedRecord(t, st, k); !ok {
			t.Fatalf("%s not flushed", k)
		}
	}
	if m.HasDraft("a") || m.HasDraft("b") {
		t.Fatalf("drafts remain after flush")
	}
}

func TestDestroy_CancelsAutoSave(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := New(Config{AutoSaveDelay: 20 * time.Millisecond}, st)
	_ = m.AutoSave("k", form{Title: "x"})
	m.Destroy()
	time.Sleep(60 * time.Millisecond)
	if _, ok := storedRecord(t, st, "k"); ok {
		t.Fatalf("autosave ran after destroy")
	}
	if err := m.SaveState(context.Background(), "k", form{}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

type pair struct {
	a, b *Manager
	st   store.Store
}

func newPair(t *testing.T) pair {
	t.Helper()
	hub := memorybus.NewHub()
	st := newMemStore(t, memorystore.Config{})
	mk := func(id string) *Manager {
		b := bus.New(hub.Join(), bus.WithInstanceID(id))
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("start bus: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return newManager(t, Config{AutoSaveDelay: time.Hour}, st, WithBus(b))
	}
	return pair{a: mk("a"), b: mk("b"), st: st}
}

func TestSyncConflict_RemoteNewerWins(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	conflicts := make(chan SyncConflict, 1)
	p.a.OnSyncConflict(func(c SyncConflict) { conflicts <- c })

	_ = p.a.AutoSave("compose", form{Title: "local"})
	time.Sleep(5 * time.Millisecond)
	if err := p.b.SaveState(ctx, "compose", form{Title: "remote"}); err != nil {
		t.Fatalf("remote save: %v", err)
	}

	select {
	case c := <-conflicts:
		if c.Key != "compose" || c.Resolution != RemoteWins {
			t.Fatalf("unexpected conflict %+v", c)
		}
		if !strings.Contains(string(c.Local), "local") || !strings.Contains(string(c.Remote), "remote") {
			t.Fatalf("conflict payloads wrong: local=%s remote=%s", c.Local, c.Remote)
		}
		if !c.RemoteSavedAt.After(c.LocalAt) {
			t.Fatalf("remote should be newer")
		}
	case <-time.After(time.Second):
		t.Fatalf("no conflict reported")
	}
	if p.a.HasDraft("compose") {
		t.Fatalf("losing draft kept")
	}
	if got := Load(ctx, p.a, "compose", form{}); got.Title != "remote" {
		t.Fatalf("expected remote value, got %+v", got)
	}
}

func TestSyncConflict_LocalNewerKept(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	var conflicts int
	p.a.OnSyncConflict(func(SyncConflict) { conflicts++ })
	updated := make(chan Update, 1)
	p.a.OnRemoteUpdate(func(u Update) { updated <- u })

	if err := p.b.SaveState(ctx, "compose", form{Title: "remote"}); err != nil {
		t.Fatalf("remote save: %v", err)
	}
	select {
	case u := <-updated:
		if u.Key != "compose" || u.SenderID != "b" {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("remote update not observed")
	}

	_ = p.a.AutoSave("compose", form{Title: "local"})
	if err := p.a.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if conflicts != 0 {
		t.Fatalf("unexpected conflict")
	}
	if got := Load(ctx, p.b, "compose", form{}); got.Title != "local" {
		t.Fatalf("expected newer local edit to win, got %+v", got)
	}
}

func TestSave_StaleWriteReportsConflict(t *testing.T) {
	st := newMemStore(t, memorystore.Config{})
	m := newManager(t, Config{}, st)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	putRecord(t, st, Record{Key: "k", Version: 1, Data: json.RawMessage(`{"title":"future"}`), SavedAt: future})

	var got SyncConflict
	m.OnSyncConflict(func(c SyncConflict) { got = c })

	err := m.SaveState(ctx, "k", form{Title: "now"})
	if recovery.Classify(err) != recovery.CategoryConflict || !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if got.Key != "k" || !got.RemoteSavedAt.Equal(future) || !strings.Contains(string(got.Remote), "future") {
		t.Fatalf("unexpected conflict %+v", got)
	}
}

func TestSyncConflict_ViaStoreWatcher(t *testing.T) {
	dir := t.TempDir()
	open := func() store.Store {
		st, err := filestore.New(filestore.Config{Dir: dir})
		if err != nil {
			t.Fatalf("filestore: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	}
	a := newManager(t, Config{AutoSaveDelay: time.Hour}, open())
	b := newManager(t, Config{}, open())
	time.Sleep(50 * time.Millisecond)

	conflicts := make(chan SyncConflict, 1)
	a.OnSyncConflict(func(c SyncConflict) { conflicts <- c })
	_ = a.AutoSave("compose", form{Title: "local"})
	time.Sleep(5 * time.Millisecond)
	if err := b.SaveState(context.Background(), "compose", form{Title: "remote"}); err != nil {
		t.Fatalf("remote save: %v", err)
	}

	select {
	case c := <-conflicts:
		if c.Key != "compose" {
			t.Fatalf("unexpected conflict %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not surface the conflict")
	}
}
