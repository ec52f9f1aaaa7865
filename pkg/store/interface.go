package store

import "fmt"

// Well-known flag keys. Alarm state is keyed per user so a different login on
// the same device gets its own list and counter.
const (
	KeyAutoLogin = "auth.auto_login"
	KeyIsAdmin   = "auth.is_admin"
	KeyUserID    = "auth.user_id"
)

// AlarmListKey returns the flag key holding a user's persisted alarm list.
func AlarmListKey(userID int64) string {
	return fmt.Sprintf("alarm.list.%d", userID)
}

// UnreadKey returns the flag key holding a user's unread alarm counter.
func UnreadKey(userID int64) string {
	return fmt.Sprintf("alarm.unread.%d", userID)
}

// CredentialStore is the durable key/value credential cache.
//
// It is advisory: in-memory session state is always authoritative. Writes are
// fire-and-forget: they never block the caller and never surface an error.
// A failed write is logged and the in-memory state simply wins. Callers must
// not assume a just-written value is immediately readable.
type CredentialStore interface {
	// Close flushes pending writes and closes the underlying storage.
	Close() error

	// Token returns the persisted credential, or ok=false if absent.
	Token() (token string, ok bool)

	// SetToken persists the credential asynchronously. An empty token
	// removes the persisted credential.
	SetToken(token string)

	// Flag returns a persisted flag value, or ok=false if absent.
	Flag(key string) (value string, ok bool)

	// SetFlag persists a flag asynchronously.
	SetFlag(key, value string)

	// ClearAll asynchronously removes every persisted key.
	ClearAll()

	// Flush blocks until every write queued so far has been applied.
	// Used by shutdown paths and tests; normal callers never need it.
	Flush()
}

// Compile-time checks: both implementations satisfy CredentialStore.
var (
	_ CredentialStore = (*Store)(nil)
	_ CredentialStore = (*MemoryStore)(nil)
)
