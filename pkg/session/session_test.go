package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babmoim/babmoim-go/pkg/alarm"
	"github.com/babmoim/babmoim-go/pkg/api"
	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/session"
	"github.com/babmoim/babmoim-go/pkg/store"
	"github.com/babmoim/babmoim-go/pkg/transport"
	"github.com/babmoim/babmoim-go/pkg/transport/transporttest"
)

const waitTimeout = 2 * time.Second

// backend is a scripted auth backend. Handlers can be swapped mid-test.
type backend struct {
	mu           sync.Mutex
	srv          *httptest.Server
	refreshOK    bool
	probeOK      bool
	refreshDelay time.Duration
	refreshes    atomic.Int64
	token        atomic.Value
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{refreshOK: true, probeOK: true}
	b.token.Store("tok-initial")

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		refreshOK, probeOK, refreshDelay := b.refreshOK, b.probeOK, b.refreshDelay
		b.mu.Unlock()

		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(api.AuthResponse{Token: b.token.Load().(string), UserID: 42, IsAdmin: false})
		case "/auth/me":
			if !probeOK {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(api.AuthResponse{UserID: 42})
		case "/auth/refresh":
			b.refreshes.Add(1)
			time.Sleep(refreshDelay)
			if !refreshOK {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			b.token.Store("tok-refreshed")
			_ = json.NewEncoder(w).Encode(api.RefreshResponse{Token: "tok-refreshed"})
		case "/auth/logout":
			w.WriteHeader(http.StatusOK)
		case "/chat/rooms/5/leave":
			if r.Header.Get("Authorization") != "Bearer "+b.token.Load().(string) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) setRefreshOK(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshOK = ok
}

func (b *backend) setProbeOK(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeOK = ok
}

type fixture struct {
	backend *backend
	creds   *store.MemoryStore
	dialer  *transporttest.Dialer
	mux     *transport.Mux
	api     *api.Client
	alarms  *alarm.Store
	mgr     *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	b := newBackend(t)
	creds := store.NewMemory()
	dialer := transporttest.NewDialer()
	mux := transport.NewMux("wss://example.test/realtime",
		transport.WithDialer(dialer),
		transport.WithRetryDelay(10*time.Millisecond),
	)
	t.Cleanup(mux.CloseAll)

	apiClient := api.NewClient(b.srv.URL)
	alarms := alarm.New(creds)
	mgr := session.NewManager(apiClient, mux, creds, alarms,
		session.WithRefreshInterval(time.Hour), // proactive path driven manually in tests
	)

	return &fixture{backend: b, creds: creds, dialer: dialer, mux: mux, api: apiClient, alarms: alarms, mgr: mgr}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginAdoptsSession(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	sess := f.mgr.Snapshot()
	if !sess.LoggedIn || sess.UserID != 42 || sess.Token != "tok-initial" {
		t.Fatalf("session = %+v", sess)
	}
	if !sess.Valid() {
		t.Fatalf("session violates its invariant: %+v", sess)
	}

	// Auto-login flags persisted.
	if v, _ := f.creds.Flag(store.KeyAutoLogin); v != "true" {
		t.Errorf("auto-login flag = %q, want true", v)
	}
	if v, _ := f.creds.Flag(store.KeyUserID); v != "42" {
		t.Errorf("user id flag = %q, want 42", v)
	}
	if tok, ok := f.creds.Token(); !ok || tok != "tok-initial" {
		t.Errorf("persisted token = %q, %v", tok, ok)
	}

	// The global channel opens and subscribes to the user topic.
	conn := f.dialer.WaitConn(waitTimeout)
	if conn == nil {
		t.Fatalf("global channel never connected")
	}
	if err := conn.WaitWritten(1, waitTimeout); err != nil {
		t.Fatalf("global subscribe: %v", err)
	}
	written := conn.Written()
	if topic, _ := written[0]["topic"].(string); topic != session.GlobalTopic(42) {
		t.Errorf("subscribed topic = %q, want %q", topic, session.GlobalTopic(42))
	}
}

func TestReactiveRefreshKeepsSession(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Invalidate the server-side token so the next call 401s, forcing the
	// reactive path: refresh once, replay once.
	f.backend.token.Store("tok-refreshed")

	if err := f.api.LeaveRoom(context.Background(), 5); err != nil {
		t.Fatalf("call after token rotation: %v", err)
	}

	if got := f.backend.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if f.mgr.State() != session.StateAuthenticated {
		t.Errorf("state = %s, want authenticated", f.mgr.State())
	}
	if f.mgr.Token() != "tok-refreshed" {
		t.Errorf("token = %q, want refreshed", f.mgr.Token())
	}
}

func TestReactiveRefreshFailureCascadesToLogout(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	conn := f.dialer.WaitConn(waitTimeout)
	if conn == nil {
		t.Fatalf("global channel never connected")
	}

	f.backend.token.Store("tok-rotated") // all calls now 401
	f.backend.setRefreshOK(false)        // and refresh fails too

	if err := f.api.LeaveRoom(context.Background(), 5); err == nil {
		t.Fatalf("expected unauthorized error")
	}

	waitFor(t, "logout cascade", func() bool {
		return f.mgr.State() == session.StateUnauthenticated
	})
	waitFor(t, "global channel teardown", conn.IsClosed)

	if _, ok := f.creds.Token(); ok {
		t.Errorf("token survived logout")
	}
	if sess := f.mgr.Snapshot(); sess.LoggedIn {
		t.Errorf("session survived logout: %+v", sess)
	}
}

func TestProactiveRefreshCoalesced(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// A slow refresh endpoint keeps the attempt in flight long enough that
	// every concurrent trigger must join it.
	f.backend.mu.Lock()
	f.backend.refreshDelay = 100 * time.Millisecond
	f.backend.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.mgr.Refresh(context.Background())
		}()
	}
	wg.Wait()

	if got := f.backend.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want a single coalesced call", got)
	}
	if f.mgr.Token() != "tok-refreshed" {
		t.Errorf("token = %q, want refreshed", f.mgr.Token())
	}
}

func TestProactiveRefreshFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.backend.setRefreshOK(false)
	if err := f.mgr.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh failure")
	}

	// The timer path treats this as transient: still authenticated.
	if f.mgr.State() != session.StateAuthenticated {
		t.Errorf("state = %s after failed proactive refresh, want authenticated", f.mgr.State())
	}
}

func TestLogoutIsConcurrentSafe(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.alarms.Handle(model.AlarmItem{Message: "pending"})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mgr.Logout(context.Background(), "test")
		}()
	}
	wg.Wait()

	if f.mgr.State() != session.StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated", f.mgr.State())
	}
	if _, ok := f.creds.Token(); ok {
		t.Errorf("token survived logout")
	}
	if len(f.alarms.Items()) != 0 || f.alarms.Unread() != 0 {
		t.Errorf("alarm state survived logout")
	}

	// Logout again after the fact: still safe.
	f.mgr.Logout(context.Background(), "again")
}

func TestLoginReplacesLiveSession(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	first := f.dialer.WaitConn(waitTimeout)
	if first == nil {
		t.Fatalf("global channel never connected")
	}

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	// The first session's global channel is torn down and a fresh one opened.
	waitFor(t, "old global channel teardown", first.IsClosed)
	waitFor(t, "new global channel", func() bool {
		return len(f.dialer.Conns()) >= 2
	})
	second := f.dialer.Conns()[1]
	if err := second.WaitWritten(1, waitTimeout); err != nil {
		t.Fatalf("resubscribe on new channel: %v", err)
	}

	// Logout after the replacement still tears everything down cleanly.
	f.mgr.Logout(context.Background(), "test")
	if f.mgr.State() != session.StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated", f.mgr.State())
	}
	waitFor(t, "new global channel teardown", second.IsClosed)
}

func TestRefreshCompletingAfterLogoutIsDiscarded(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.backend.mu.Lock()
	f.backend.refreshDelay = 150 * time.Millisecond
	f.backend.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- f.mgr.Refresh(context.Background()) }()
	waitFor(t, "refresh in flight", func() bool {
		return f.backend.refreshes.Load() == 1
	})

	f.mgr.Logout(context.Background(), "test")

	select {
	case <-errCh:
	case <-time.After(waitTimeout):
		t.Fatalf("refresh never returned")
	}

	// The late refresh result must not resurrect the cleared session.
	if f.mgr.State() != session.StateUnauthenticated {
		t.Errorf("state = %s, want unauthenticated", f.mgr.State())
	}
	if got := f.mgr.Token(); got != "" {
		t.Errorf("token = %q after logout, want empty", got)
	}
	if _, ok := f.creds.Token(); ok {
		t.Errorf("refreshed token repopulated the cleared store")
	}
}

func TestForcedLogoutEvent(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	conn := f.dialer.WaitConn(waitTimeout)
	if conn == nil {
		t.Fatalf("global channel never connected")
	}
	if err := conn.WaitWritten(1, waitTimeout); err != nil {
		t.Fatalf("global subscribe: %v", err)
	}

	if err := conn.Push(session.GlobalTopic(42), map[string]string{"type": "forced_logout", "message": "banned"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitFor(t, "forced logout", func() bool {
		return f.mgr.State() == session.StateUnauthenticated
	})
}

func TestAlarmEventFeedsStore(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Login(context.Background(), "u@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	conn := f.dialer.WaitConn(waitTimeout)
	if conn == nil {
		t.Fatalf("global channel never connected")
	}
	if err := conn.WaitWritten(1, waitTimeout); err != nil {
		t.Fatalf("global subscribe: %v", err)
	}

	if err := conn.Push(session.GlobalTopic(42), map[string]string{"type": "alarm", "message": "새 리뷰가 달렸습니다"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitFor(t, "alarm recorded", func() bool {
		return f.alarms.Unread() == 1
	})
	items := f.alarms.Items()
	if len(items) != 1 || items[0].Message != "새 리뷰가 달렸습니다" {
		t.Fatalf("items = %+v", items)
	}
}

func TestBootstrapRestoresSession(t *testing.T) {
	f := newFixture(t)

	f.creds.SetToken("tok-initial")
	f.creds.SetFlag(store.KeyAutoLogin, "true")
	f.creds.SetFlag(store.KeyUserID, strconv.Itoa(42))

	if err := f.mgr.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if f.mgr.State() != session.StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", f.mgr.State())
	}
	if sess := f.mgr.Snapshot(); sess.UserID != 42 || !sess.LoggedIn {
		t.Fatalf("session = %+v", sess)
	}
}

func TestBootstrapWithoutFlagsStaysLoggedOut(t *testing.T) {
	f := newFixture(t)

	if err := f.mgr.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if f.mgr.State() != session.StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", f.mgr.State())
	}
}

func TestBootstrapProbeFailureFallsBackToRefresh(t *testing.T) {
	f := newFixture(t)

	f.creds.SetToken("tok-initial")
	f.creds.SetFlag(store.KeyAutoLogin, "true")
	f.creds.SetFlag(store.KeyUserID, strconv.Itoa(42))
	f.backend.setProbeOK(false)

	if err := f.mgr.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if f.mgr.State() != session.StateAuthenticated {
		t.Fatalf("state = %s, want authenticated via silent refresh", f.mgr.State())
	}
	if got := f.backend.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", got)
	}
	if f.mgr.Token() != "tok-refreshed" {
		t.Errorf("token = %q, want refreshed", f.mgr.Token())
	}
}

func TestBootstrapRefreshFailureLogsOut(t *testing.T) {
	f := newFixture(t)

	f.creds.SetToken("tok-initial")
	f.creds.SetFlag(store.KeyAutoLogin, "true")
	f.creds.SetFlag(store.KeyUserID, strconv.Itoa(42))
	f.backend.setProbeOK(false)
	f.backend.setRefreshOK(false)

	if err := f.mgr.Bootstrap(context.Background()); err == nil {
		t.Fatalf("expected bootstrap failure")
	}
	if f.mgr.State() != session.StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", f.mgr.State())
	}
	if _, ok := f.creds.Token(); ok {
		t.Errorf("stale token survived failed restore")
	}
}
