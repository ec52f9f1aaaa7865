// Package alarm accumulates push-style events from the global user channel
// into a bounded, persisted, newest-first list with an unread counter.
package alarm

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/store"
)

// Store holds the in-memory alarm list for the current user and mirrors it
// into the credential cache so a restart restores both list and counter.
// In-memory state is authoritative; the cache is advisory.
type Store struct {
	creds store.CredentialStore

	mu           sync.Mutex
	userID       int64
	items        []model.AlarmItem
	unread       int
	screenActive bool
}

// New creates an empty alarm store backed by the credential cache.
func New(creds store.CredentialStore) *Store {
	return &Store{creds: creds}
}

// Load restores the persisted list and unread counter for a user. Called by
// the session manager when a session is adopted.
func (s *Store) Load(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.items = nil
	s.unread = 0

	if raw, ok := s.creds.Flag(store.AlarmListKey(userID)); ok {
		var items []model.AlarmItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			slog.Warn("persisted alarm list unreadable, starting empty", "err", err)
		} else {
			s.items = items
		}
	}
	if raw, ok := s.creds.Flag(store.UnreadKey(userID)); ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			s.unread = n
		}
	}
}

// Handle records one arriving alarm: prepend, evict past the cap, persist.
// The unread counter is left untouched while the alarm screen is active.
func (s *Store) Handle(item model.AlarmItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == 0 {
		return
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.Read = s.screenActive

	s.items = append([]model.AlarmItem{item}, s.items...)
	if len(s.items) > model.AlarmMaxItems {
		s.items = s.items[:model.AlarmMaxItems]
	}
	if !s.screenActive {
		s.unread++
	}
	s.persistLocked()
}

// SetScreenActive flags whether the alarm screen currently has focus. While
// active, arriving alarms do not grow the unread counter.
func (s *Store) SetScreenActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenActive = active
}

// MarkAllRead zeroes the counter and flags every item read, persisting both.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		s.items[i].Read = true
	}
	s.unread = 0
	if s.userID != 0 {
		s.persistLocked()
	}
}

// Items returns a copy of the list, newest first.
func (s *Store) Items() []model.AlarmItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AlarmItem, len(s.items))
	copy(out, s.items)
	return out
}

// Unread returns the unread counter.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Reset drops the in-memory state. Used by the logout cascade; the persisted
// copy goes away with the credential store's ClearAll.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = 0
	s.items = nil
	s.unread = 0
}

func (s *Store) persistLocked() {
	data, err := json.Marshal(s.items)
	if err != nil {
		slog.Error("marshal alarm list failed", "err", err)
		return
	}
	s.creds.SetFlag(store.AlarmListKey(s.userID), string(data))
	s.creds.SetFlag(store.UnreadKey(s.userID), strconv.Itoa(s.unread))
}
