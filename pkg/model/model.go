// Package model defines the core domain types for the Babmoim session core.
package model

// Session is the in-memory authenticated session. It is owned and mutated
// exclusively by the session manager; everyone else receives copies.
type Session struct {
	Token    string `json:"-"` // opaque bearer token, never persisted in plain text
	UserID   int64  `json:"user_id"`
	IsAdmin  bool   `json:"is_admin"`
	LoggedIn bool   `json:"logged_in"`
}

// Valid reports whether the session satisfies its own invariant:
// a logged-in session always carries a token and a user id.
func (s Session) Valid() bool {
	if !s.LoggedIn {
		return true
	}
	return s.Token != "" && s.UserID != 0
}

// ChannelState is the observable lifecycle state of a transport channel.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelConnecting
	ChannelOpen
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	default:
		return "unknown"
	}
}
