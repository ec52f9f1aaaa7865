// Package store provides the SQLite-backed credential cache: the persisted
// token plus small durable flags (auto-login, role, user id, alarm state).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/babmoim/babmoim-go/pkg/crypto"
)

const tokenKey = "auth.token"

// writeQueueSize bounds the fire-and-forget write queue. When the queue is
// full the write is dropped and logged; the cache is advisory.
const writeQueueSize = 64

// Store is the SQLite credential cache. All writes are applied by a single
// background goroutine in enqueue order.
type Store struct {
	db     *sql.DB
	cipher *crypto.CredentialCipher

	writes    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New opens (or creates) the credential database and runs migrations.
// The device key used to seal the token lives next to the database file.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	cipher, err := loadDeviceCipher(dbPath + ".key")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		cipher: cipher,
		writes: make(chan func(), writeQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	go s.writeLoop()
	return s, nil
}

func loadDeviceCipher(keyPath string) (*crypto.CredentialCipher, error) {
	key, err := os.ReadFile(keyPath) //nolint:gosec // path derived from caller-chosen db path
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("store: read device key: %w", err)
		}
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("store: write device key: %w", err)
		}
	}
	return crypto.NewCredentialCipher(key)
}

func (s *Store) migrate() error {
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS credentials (
				key        TEXT NOT NULL PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			);`},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		select {
		case op := <-s.writes:
			op()
		case <-s.quit:
			// Drain what was queued before the close signal, then stop.
			for {
				select {
				case op := <-s.writes:
					op()
				default:
					return
				}
			}
		}
	}
}

// enqueue hands a write to the background goroutine without blocking. Writes
// after Close are dropped and logged, the same as queue-full writes.
func (s *Store) enqueue(op func()) {
	select {
	case <-s.quit:
		slog.Warn("credential write after close dropped")
		return
	default:
	}
	select {
	case s.writes <- op:
	default:
		slog.Warn("credential write queue full, dropping write")
	}
}

// Close flushes pending writes and closes the database. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return s.db.Close()
}

// Flush blocks until every write queued so far has been applied. A no-op
// once the writer has stopped.
func (s *Store) Flush() {
	applied := make(chan struct{})
	select {
	case s.writes <- func() { close(applied) }:
	case <-s.done:
		return
	}
	select {
	case <-applied:
	case <-s.done:
	}
}

// Token returns the persisted credential, unsealed, or ok=false if absent.
func (s *Store) Token() (string, bool) {
	sealed, ok := s.Flag(tokenKey)
	if !ok {
		return "", false
	}
	token, err := s.cipher.Open(sealed)
	if err != nil {
		slog.Warn("persisted credential unreadable, treating as absent", "err", err)
		return "", false
	}
	return token, true
}

// SetToken persists the credential asynchronously, sealed with the device
// key. An empty token removes the persisted credential.
func (s *Store) SetToken(token string) {
	if token == "" {
		s.enqueue(func() { s.del(tokenKey) })
		return
	}
	sealed, err := s.cipher.Seal(token)
	if err != nil {
		slog.Error("seal credential failed", "err", err)
		return
	}
	s.enqueue(func() { s.put(tokenKey, sealed) })
}

// Flag returns a persisted flag value, or ok=false if absent.
func (s *Store) Flag(key string) (string, bool) {
	var value string
	err := s.db.QueryRow("SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		slog.Warn("credential read failed", "key", key, "err", err)
		return "", false
	}
	return value, true
}

// SetFlag persists a flag asynchronously.
func (s *Store) SetFlag(key, value string) {
	s.enqueue(func() { s.put(key, value) })
}

// ClearAll asynchronously removes every persisted key.
func (s *Store) ClearAll() {
	s.enqueue(func() {
		if _, err := s.db.Exec("DELETE FROM credentials"); err != nil {
			slog.Warn("credential clear failed", "err", err)
		}
	})
}

func (s *Store) put(key, value string) {
	_, err := s.db.Exec(`
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		slog.Warn("credential write failed", "key", key, "err", err)
	}
}

func (s *Store) del(key string) {
	if _, err := s.db.Exec("DELETE FROM credentials WHERE key = ?", key); err != nil {
		slog.Warn("credential delete failed", "key", key, "err", err)
	}
}
