package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type scriptedProber struct {
	mu    sync.Mutex
	fail  bool
	delay time.Duration
	calls atomic.Int32
}

func (p *scriptedProber) set(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	p.mu.Lock()
	fail, delay := p.fail, p.delay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return errors.New("unreachable")
	}
	return nil
}

func fastConfig() Config {
	return Config{
		CheckInterval:    time.Hour,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	}
}

func eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultReconnectSchedule(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Destroy()
	got := m.ReconnectDelays()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReconnectScheduleIsCapped(t *testing.T) {
	m := New(Config{ReconnectInitial: 5 * time.Second, ReconnectMax: 20 * time.Second, MaxReconnectAttempts: 5}, nil)
	defer m.Destroy()
	got := m.ReconnectDelays()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second, 20 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestQualityGrading(t *testing.T) {
	m := New(Config{}, nil)
	defer m.Destroy()
	tests := []struct {
		s    State
		want Quality
	}{
		{State{IsOnline: false}, QualityOffline},
		{State{IsOnline: true, Latency: 50 * time.Millisecond}, QualityExcellent},
		{State{IsOnline: true, Latency: 300 * time.Millisecond}, QualityGood},
		{State{IsOnline: true, Latency: time.Second}, QualityPoor},
		{State{IsOnline: true, Latency: 10 * time.Millisecond, ConsecutiveFailures: 1}, QualityPoor},
	}
	for _, tt := range tests {
		if got := m.grade(tt.s); got != tt.want {
			t.Fatalf("grade(%+v) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestOfflineAfterConsecutiveFailuresAndBoundedReconnect(t *testing.T) {
	p := &scriptedProber{}
	m := New(fastConfig(), p)
	defer m.Destroy()

	var offline atomic.Int32
	m.OnOffline(func(State) { offline.Add(1) })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.IsOnline() {
		t.Fatal("expected online after successful probe")
	}

	p.set(true)
	if st := m.CheckNow(context.Background()); !st.IsOnline || st.Quality != QualityPoor {
		t.Fatalf("one failure should degrade, not disconnect: %+v", st)
	}
	if st := m.CheckNow(context.Background()); st.IsOnline || st.Quality != QualityOffline {
		t.Fatalf("expected offline after two failures: %+v", st)
	}
	if offline.Load() != 1 {
		t.Fatalf("expected one offline event, got %d", offline.Load())
	}

	// 1 start probe + 2 failing checks + 3 automatic reconnects.
	eventually(t, 2*time.Second, m.NeedsManualRetry)
	time.Sleep(100 * time.Millisecond)
	if n := p.calls.Load(); n != 6 {
		t.Fatalf("expected 6 probes, got %d", n)
	}

	p.set(false)
	var online atomic.Int32
	m.OnOnline(func(State) { online.Add(1) })
	st := m.Reconnect(context.Background())
	if !st.IsOnline || m.NeedsManualRetry() {
		t.Fatalf("manual reconnect should restore the connection: %+v", st)
	}
	if online.Load() != 1 {
		t.Fatalf("expected one online event, got %d", online.Load())
	}
}

func TestReconnectSucceedsAutomatically(t *testing.T) {
	p := &scriptedProber{}
	m := New(fastConfig(), p)
	defer m.Destroy()
	_ = m.Start(context.Background())

	p.set(true)
	m.CheckNow(context.Background())
	m.CheckNow(context.Background())
	if m.IsOnline() {
		t.Fatal("expected offline")
	}
	p.set(false)
	eventually(t, 2*time.Second, m.IsOnline)
	if m.State().ConsecutiveFailures != 0 {
		t.Fatalf("failures should reset: %+v", m.State())
	}
}

func TestStaleReconnectTimerKeepsCurrentSchedule(t *testing.T) {
	p := &scriptedProber{}
	cfg := fastConfig()
	cfg.ReconnectInitial = time.Hour
	cfg.ReconnectMax = time.Hour
	m := New(cfg, p)
	defer m.Destroy()
	_ = m.Start(context.Background())

	p.set(true)
	m.CheckNow(context.Background())
	m.CheckNow(context.Background())
	m.mu.Lock()
	current := m.reconnectTimer
	m.mu.Unlock()
	if current == nil {
		t.Fatal("expected a scheduled reconnect")
	}

	// A timer that fired just before being replaced.
	stale := time.NewTimer(time.Hour)
	defer stale.Stop()
	calls := p.calls.Load()
	m.reconnectFired(stale)

	m.mu.Lock()
	got := m.reconnectTimer
	m.mu.Unlock()
	if got != current {
		t.Fatal("stale timer cleared the pending reconnect")
	}
	if n := p.calls.Load(); n != calls {
		t.Fatalf("stale timer ran a probe: %d calls, want %d", n, calls)
	}
}

func TestNetworkSignal(t *testing.T) {
	p := &scriptedProber{}
	reg := prometheus.NewRegistry()
	m := New(fastConfig(), p, WithRegisterer(reg))
	defer m.Destroy()
	_ = m.Start(context.Background())

	var qualities []Quality
	var mu sync.Mutex
	m.OnQualityChanged(func(c QualityChange) {
		mu.Lock()
		qualities = append(qualities, c.To)
		mu.Unlock()
	})

	m.SetNetworkAvailable(false)
	if m.IsOnline() {
		t.Fatal("network loss must go offline immediately")
	}
	if got := testutil.ToFloat64(m.online); got != 0 {
		t.Fatalf("online gauge = %v", got)
	}
	before := p.calls.Load()
	m.SetNetworkAvailable(true)
	eventually(t, time.Second, m.IsOnline)
	if p.calls.Load() <= before {
		t.Fatal("network regain should trigger a probe")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(qualities) < 2 || qualities[0] != QualityOffline {
		t.Fatalf("unexpected quality changes %v", qualities)
	}
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	m := New(fastConfig(), nil)
	defer m.Destroy()
	var second atomic.Bool
	m.OnOffline(func(State) { panic("listener bug") })
	m.OnOffline(func(State) { second.Store(true) })
	m.SetNetworkAvailable(false)
	if !second.Load() {
		t.Fatal("second listener did not run")
	}
}

func TestDestroyStopsUpdates(t *testing.T) {
	p := &scriptedProber{}
	m := New(fastConfig(), p)
	_ = m.Start(context.Background())
	m.Destroy()

	var changes atomic.Int32
	m.OnChange(func(State) { changes.Add(1) })
	p.set(true)
	m.CheckNow(context.Background())
	m.CheckNow(context.Background())
	if changes.Load() != 0 || !m.IsOnline() {
		t.Fatal("destroyed monitor must not change state")
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestHTTPProber(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/portal", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	if err := (&HTTPProber{URL: srv.URL + "/health", ExpectJSON: true}).Probe(ctx); err != nil {
		t.Fatalf("healthy endpoint: %v", err)
	}
	if err := (&HTTPProber{URL: srv.URL + "/portal", ExpectJSON: true}).Probe(ctx); err == nil {
		t.Fatal("captive portal should fail the probe")
	}
	if err := (&HTTPProber{URL: srv.URL + "/portal"}).Probe(ctx); err != nil {
		t.Fatalf("portal without JSON expectation: %v", err)
	}
	if err := (&HTTPProber{URL: srv.URL + "/down"}).Probe(ctx); err == nil {
		t.Fatal("5xx should fail the probe")
	}
}
