package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// refreshAttempt lets concurrent refresh triggers join one in-flight call.
type refreshAttempt struct {
	done chan struct{}
	err  error
}

// Refresh renews the token. The proactive timer and the reactive 401 path
// both land here; at most one refresh call is in flight at a time and every
// concurrent trigger receives the same result.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	if att := m.inflight; att != nil {
		m.refreshMu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &refreshAttempt{done: make(chan struct{})}
	m.inflight = att
	m.refreshMu.Unlock()

	att.err = m.refreshOnce(ctx)
	close(att.done)

	m.refreshMu.Lock()
	m.inflight = nil
	m.refreshMu.Unlock()

	return att.err
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	token, err := m.api.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("session: refresh: %w", err)
	}

	m.mu.Lock()
	if m.state == StateUnauthenticated {
		// A logout raced the refresh. The renewed token must not resurrect
		// the cleared session or repopulate the cleared store.
		m.mu.Unlock()
		slog.Debug("token refresh completed after logout, discarded")
		return nil
	}
	m.session.Token = token
	m.mu.Unlock()
	m.creds.SetToken(token)

	slog.Debug("token refreshed")
	return nil
}

// refreshLoop drives the proactive refresh. A failed tick is logged and left
// alone: true expiry is caught by the reactive 401 path, and logging a user
// out over a transient network blip would be worse than a missed renewal.
func (m *Manager) refreshLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.State() != StateAuthenticated {
				continue
			}
			if err := m.Refresh(context.Background()); err != nil {
				slog.Warn("proactive token refresh failed, retrying next tick", "err", err)
			}
		}
	}
}
