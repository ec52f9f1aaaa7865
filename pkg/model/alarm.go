package model

import "time"

// AlarmMaxItems caps the persisted alarm list per user; the oldest entries
// are evicted past the cap.
const AlarmMaxItems = 50

// AlarmItem is one push-style event from the global user channel.
type AlarmItem struct {
	ID        string    `json:"id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Read      bool      `json:"read"`
}
