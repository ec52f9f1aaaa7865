// Package session owns the authenticated session: the current token, the
// proactive refresh timer, the reactive refresh-on-401 hook, and the
// login/logout state machine that cascades into the transport channels and
// the credential cache.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/babmoim/babmoim-go/pkg/alarm"
	"github.com/babmoim/babmoim-go/pkg/api"
	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/store"
	"github.com/babmoim/babmoim-go/pkg/transport"
)

// State represents the session lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateLoading
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// GlobalChannelID is the channel id of the per-user global event channel.
const GlobalChannelID = "global"

// GlobalTopic returns the topic carrying a user's global events.
func GlobalTopic(userID int64) string {
	return fmt.Sprintf("/user/%d/events", userID)
}

// defaultRefreshInterval is deliberately shorter than the server-side token
// lifetime so a healthy client never hits expiry on the reactive path.
const defaultRefreshInterval = 5 * time.Minute

// Manager is the sole owner and mutator of the session. Everything else
// reads copies via Snapshot.
type Manager struct {
	api    *api.Client
	mux    *transport.Mux
	creds  store.CredentialStore
	alarms *alarm.Store

	refreshInterval time.Duration

	mu        sync.RWMutex
	state     State
	session   model.Session
	tickStop  chan struct{}
	globalSub *transport.Subscription

	refreshMu sync.Mutex
	inflight  *refreshAttempt

	// Callbacks for the presentation layer.
	OnStateChange func(State)
	OnLoggedOut   func(reason string)
	OnAlarm       func(model.AlarmItem)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRefreshInterval overrides the proactive refresh interval.
func WithRefreshInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshInterval = d }
}

// NewManager wires the session manager into its collaborators. It installs
// itself as the API client's token source, refresh hook, and unauthorized
// handler.
func NewManager(apiClient *api.Client, mux *transport.Mux, creds store.CredentialStore, alarms *alarm.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:             apiClient,
		mux:             mux,
		creds:           creds,
		alarms:          alarms,
		refreshInterval: defaultRefreshInterval,
		state:           StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}

	apiClient.SetTokenSource(m.Token)
	apiClient.SetRefreshFunc(m.Refresh)
	apiClient.SetUnauthorizedHandler(func() {
		// Reactive refresh failed: the session is gone. Logout runs on its
		// own goroutine so the failing caller is not blocked on cleanup.
		go m.Logout(context.Background(), "session expired")
	})
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Token returns the current bearer token, or empty when unauthenticated.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Token
}

// Snapshot returns a read-only copy of the session.
func (m *Manager) Snapshot() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Bootstrap restores a persisted session on app start. If the auto-login
// flag and user id are present, the session is verified by a lightweight
// probe; on probe failure exactly one silent refresh is attempted before
// giving up and logging out.
func (m *Manager) Bootstrap(ctx context.Context) error {
	autoLogin, _ := m.creds.Flag(store.KeyAutoLogin)
	rawUserID, _ := m.creds.Flag(store.KeyUserID)
	token, hasToken := m.creds.Token()

	userID, _ := strconv.ParseInt(rawUserID, 10, 64)
	if autoLogin != "true" || userID == 0 || !hasToken {
		m.setState(StateUnauthenticated)
		return nil
	}

	m.mu.Lock()
	m.state = StateLoading
	// Candidate token so the probe and refresh calls are authenticated.
	m.session = model.Session{Token: token, UserID: userID}
	m.mu.Unlock()
	m.notifyState(StateLoading)

	resp, err := m.api.Probe(ctx)
	if err == nil {
		m.adopt(resp.UserID, resp.IsAdmin, firstNonEmpty(resp.Token, token))
		return nil
	}
	slog.Info("session probe failed, attempting silent refresh", "err", err)

	if err := m.Refresh(ctx); err != nil {
		m.Logout(ctx, "session restore failed")
		return fmt.Errorf("session: restore: %w", err)
	}

	isAdmin, _ := m.creds.Flag(store.KeyIsAdmin)
	m.adopt(userID, isAdmin == "true", m.Token())
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Login exchanges credentials for a session and adopts it.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.setState(StateLoading)

	resp, err := m.api.Login(ctx, api.LoginRequest{Email: email, Password: password})
	if err != nil {
		m.setState(StateUnauthenticated)
		return fmt.Errorf("session: login: %w", err)
	}

	m.adopt(resp.UserID, resp.IsAdmin, resp.Token)
	slog.Info("logged in", "user", resp.UserID, "admin", resp.IsAdmin)
	return nil
}

// adopt installs an authenticated session: persists the auto-login flags and
// credential, restores the user's alarms, opens the global channel, and
// starts the proactive refresh timer.
func (m *Manager) adopt(userID int64, isAdmin bool, token string) {
	m.mu.Lock()
	// A login over a live session replaces it: stop the previous refresh
	// ticker and global feed before installing the new identity, or their
	// goroutines would outlive every later logout.
	if m.tickStop != nil {
		close(m.tickStop)
	}
	oldSub := m.globalSub
	m.globalSub = nil
	m.session = model.Session{
		Token:    token,
		UserID:   userID,
		IsAdmin:  isAdmin,
		LoggedIn: true,
	}
	m.state = StateAuthenticated
	m.tickStop = make(chan struct{})
	tickStop := m.tickStop
	m.mu.Unlock()

	if oldSub != nil {
		oldSub.Cancel()
	}
	// Drop the previous user's global channel so the reopen below carries
	// the new token.
	m.mux.Close(GlobalChannelID)

	m.creds.SetToken(token)
	m.creds.SetFlag(store.KeyAutoLogin, "true")
	m.creds.SetFlag(store.KeyIsAdmin, strconv.FormatBool(isAdmin))
	m.creds.SetFlag(store.KeyUserID, strconv.FormatInt(userID, 10))

	m.alarms.Load(userID)

	ch := m.mux.Open(GlobalChannelID, GlobalTopic(userID), token)
	sub := ch.Subscribe(GlobalTopic(userID))
	m.mu.Lock()
	m.globalSub = sub
	m.mu.Unlock()

	go m.globalLoop(sub)
	go m.refreshLoop(tickStop)

	m.notifyState(StateAuthenticated)
}

// Logout tears the session down. Safe to call repeatedly and concurrently;
// every cleanup failure is swallowed so cleanup is unconditionally total.
func (m *Manager) Logout(ctx context.Context, reason string) {
	// Best-effort server-side invalidation. Not required to succeed, and a
	// concurrent logout may already have cleared the token.
	if m.Token() != "" {
		if err := m.api.Logout(ctx); err != nil {
			slog.Debug("server-side logout failed", "err", err)
		}
	}

	m.mu.Lock()
	wasAuthenticated := m.state != StateUnauthenticated
	m.state = StateUnauthenticated
	m.session = model.Session{}
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
	sub := m.globalSub
	m.globalSub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	m.mux.CloseAll()
	m.creds.ClearAll()
	m.alarms.Reset()

	if wasAuthenticated {
		slog.Info("logged out", "reason", reason)
		m.notifyState(StateUnauthenticated)
		if m.OnLoggedOut != nil {
			m.OnLoggedOut(reason)
		}
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.notifyState(state)
}

func (m *Manager) notifyState(state State) {
	if m.OnStateChange != nil {
		m.OnStateChange(state)
	}
}
