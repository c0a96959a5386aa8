package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sessionkeeper/bus"
	"github.com/ggoodman/sessionkeeper/bus/memorybus"
	"github.com/ggoodman/sessionkeeper/identity"
	"github.com/ggoodman/sessionkeeper/identity/identitytest"
	"github.com/ggoodman/sessionkeeper/recovery"
	"github.com/ggoodman/sessionkeeper/store"
	"github.com/ggoodman/sessionkeeper/store/memorystore"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testSession() identity.Session {
	return identity.Session{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(90 * time.Second),
		UserID:       "user-1",
	}
}

func fastConfig() Config {
	return Config{
		IntentSettle: 50 * time.Millisecond,
		WaitTimeout:  2 * time.Second,
		Policy: recovery.Policy{
			MaxAttempts:     5,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      2,
			Retryable:       true,
		},
	}
}

func startBus(t *testing.T, hub *memorybus.Hub, id string) *bus.Bus {
	t.Helper()
	b := bus.New(hub.Join(), bus.WithInstanceID(id))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus %s: %v", id, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newService(t *testing.T, p identity.Provider, b *bus.Bus, opts ...Option) *Service {
	t.Helper()
	s := New(fastConfig(), p, b, opts...)
	s.SetCredentials(testSession())
	t.Cleanup(s.Destroy)
	return s
}

func TestRefreshTokens_ConcurrentCallersShareOneCall(t *testing.T) {
	p := identitytest.New(nil)
	p.Delay = 50 * time.Millisecond
	s := newService(t, p, nil)

	const callers = 10
	var wg sync.WaitGroup
	pairs := make([]identity.TokenPair, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i], errs[i] = s.RefreshTokens(context.Background())
		}(i)
	}
	wg.Wait()

	if got := p.RefreshCalls(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
	for i := range pairs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if pairs[i].AccessToken != pairs[0].AccessToken {
			t.Fatalf("caller %d got %q, want %q", i, pairs[i].AccessToken, pairs[0].AccessToken)
		}
	}
	creds, _ := s.Credentials()
	if creds.AccessToken != pairs[0].AccessToken {
		t.Fatalf("credentials not updated: %q", creds.AccessToken)
	}
	if got := testutil.ToFloat64(s.total.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected success counter 1, got %v", got)
	}
}

func TestRefreshTokens_CrossInstanceSettleWindow(t *testing.T) {
	hub := memorybus.NewHub()
	p := identitytest.New(nil)
	p.Delay = 100 * time.Millisecond

	a := newService(t, p, startBus(t, hub, "instance-a"))
	b := newService(t, p, startBus(t, hub, "instance-b"))

	var wg sync.WaitGroup
	var pa, pb identity.TokenPair
	var ea, eb error
	wg.Add(2)
	go func() { defer wg.Done(); pa, ea = a.RefreshTokens(context.Background()) }()
	go func() { defer wg.Done(); pb, eb = b.RefreshTokens(context.Background()) }()
	wg.Wait()

	if ea != nil || eb != nil {
		t.Fatalf("unexpected errors: a=%v b=%v", ea, eb)
	}
	if got := p.RefreshCalls(); got != 1 {
		t.Fatalf("expected 1 provider call across instances, got %d", got)
	}
	if pa.AccessToken != pb.AccessToken {
		t.Fatalf("instances disagree: %q vs %q", pa.AccessToken, pb.AccessToken)
	}
}

func TestRefreshTokens_SharedLockRecord(t *testing.T) {
	hub := memorybus.NewHub()
	st, err := memorystore.New(memorystore.Config{})
	if err != nil {
		t.Fatalf("memorystore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := identitytest.New(nil)
	p.Delay = 100 * time.Millisecond
	a := newService(t, p, startBus(t, hub, "instance-a"), WithStore(st))
	b := newService(t, p, startBus(t, hub, "instance-b"), WithStore(st))

	done := make(chan error, 1)
	go func() {
		_, err := b.RefreshTokens(context.Background())
		done <- err
	}()
	// b announces first, so a must wait even though its id is lower.
	time.Sleep(20 * time.Millisecond)
	pa, err := a.RefreshTokens(context.Background())
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("b: %v", err)
	}
	if got := p.RefreshCalls(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
	if pa.AccessToken != "access-1" {
		t.Fatalf("a received %q", pa.AccessToken)
	}
	it, err := st.Get(context.Background(), lockKey("user-1"))
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if it != nil {
		t.Fatalf("lock record not released")
	}
}

func TestRefreshTokens_RetriesTransientFailure(t *testing.T) {
	p := identitytest.New(nil)
	p.Script(identitytest.Result{Err: recovery.Network("refresh", errors.New("connection reset"))})
	s := newService(t, p, nil)

	pair, err := s.RefreshTokens(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := p.RefreshCalls(); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
	if pair.AccessToken != "access-1" {
		t.Fatalf("unexpected pair %+v", pair)
	}
}

func TestRefreshTokens_PermanentFailureNotRetried(t *testing.T) {
	hub := memorybus.NewHub()
	watcher := startBus(t, hub, "watcher")
	failed := make(chan bus.Message, 1)
	watcher.OnMessage(TypeRefreshFailed, func(m bus.Message) { failed <- m })

	p := identitytest.New(nil)
	p.Script(identitytest.Result{Err: identity.InvalidRefreshToken("refresh", nil)})
	s := newService(t, p, startBus(t, hub, "instance-a"))

	_, err := s.RefreshTokens(context.Background())
	if !errors.Is(err, identity.ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if got := p.RefreshCalls(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
	select {
	case m := <-failed:
		var fp failedPayload
		if err := m.Decode(&fp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !fp.Permanent || fp.UserID != "user-1" {
			t.Fatalf("unexpected payload %+v", fp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("refresh-failed not broadcast")
	}
}

func TestRefreshTokens_PeerPermanentFailureEndsWait(t *testing.T) {
	hub := memorybus.NewHub()
	p := identitytest.New(nil)
	p.Delay = 50 * time.Millisecond
	p.Script(identitytest.Result{Err: identity.InvalidRefreshToken("refresh", nil)})

	a := newService(t, p, startBus(t, hub, "instance-a"))
	b := newService(t, p, startBus(t, hub, "instance-b"))

	var wg sync.WaitGroup
	var ea, eb error
	wg.Add(2)
	go func() { defer wg.Done(); _, ea = a.RefreshTokens(context.Background()) }()
	go func() { defer wg.Done(); _, eb = b.RefreshTokens(context.Background()) }()
	wg.Wait()

	if !errors.Is(ea, identity.ErrInvalidRefreshToken) || !errors.Is(eb, identity.ErrInvalidRefreshToken) {
		t.Fatalf("expected both to fail permanently: a=%v b=%v", ea, eb)
	}
	if got := p.RefreshCalls(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
}

func TestRefreshTokens_WaitTimeoutFallsBack(t *testing.T) {
	hub := memorybus.NewHub()
	ghost := startBus(t, hub, "instance-0")

	p := identitytest.New(nil)
	cfg := fastConfig()
	cfg.WaitTimeout = 100 * time.Millisecond
	s := New(cfg, p, startBus(t, hub, "instance-a"))
	s.SetCredentials(testSession())
	t.Cleanup(s.Destroy)

	// A peer that announces a refresh and then disappears.
	if err := ghost.SendMessage(context.Background(), TypeRefreshIntent, intentPayload{UserID: "user-1", InstanceID: "instance-0"}); err != nil {
		t.Fatalf("send intent: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if _, err := s.RefreshTokens(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned before wait timeout: %v", elapsed)
	}
	if got := p.RefreshCalls(); got != 1 {
		t.Fatalf("expected fallback refresh, got %d calls", got)
	}
}

func TestOnTokensUpdated_ReportsOrigin(t *testing.T) {
	hub := memorybus.NewHub()
	p := identitytest.New(nil)
	a := newService(t, p, startBus(t, hub, "instance-a"))
	b := newService(t, p, startBus(t, hub, "instance-b"))

	local := make(chan TokensUpdated, 1)
	remote := make(chan TokensUpdated, 1)
	a.OnTokensUpdated(func(u TokensUpdated) { local <- u })
	b.OnTokensUpdated(func(u TokensUpdated) { remote <- u })

	pair, err := a.RefreshTokens(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	select {
	case u := <-local:
		if u.Origin != OriginLocal || u.Pair.AccessToken != pair.AccessToken {
			t.Fatalf("unexpected local update %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("no local update")
	}
	select {
	case u := <-remote:
		if u.Origin != OriginRemote || u.SenderID != "instance-a" || u.UserID != "user-1" {
			t.Fatalf("unexpected remote update %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("no remote update")
	}
	creds, _ := b.Credentials()
	if creds.AccessToken != pair.AccessToken || creds.RefreshToken != pair.RefreshToken {
		t.Fatalf("peer credentials not mirrored: %+v", creds)
	}
}

func TestRefreshTokens_NoCredentials(t *testing.T) {
	s := New(fastConfig(), identitytest.New(nil), nil)
	t.Cleanup(s.Destroy)
	if _, err := s.RefreshTokens(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestDestroy_DiscardsInFlightResult(t *testing.T) {
	p := identitytest.New(nil)
	p.Delay = 100 * time.Millisecond
	s := New(fastConfig(), p, nil)
	s.SetCredentials(testSession())

	var updates int
	s.OnTokensUpdated(func(TokensUpdated) { updates++ })

	done := make(chan error, 1)
	go func() {
		_, err := s.RefreshTokens(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Destroy()

	if err := <-done; !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if updates != 0 {
		t.Fatalf("observer invoked after destroy")
	}
	creds, _ := s.Credentials()
	if creds.AccessToken != "access-0" {
		t.Fatalf("credentials changed after destroy: %q", creds.AccessToken)
	}
}

var _ store.Store = (*memorystore.Store)(nil)
