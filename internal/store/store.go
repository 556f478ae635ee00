// Package store provides the durable SQLite-backed state for steward:
// agent definitions (instances and templates), schedule entries, artifacts,
// notifications, encrypted credential rows, and per-user flags. Every row
// carries an owning user id so tenant isolation holds at the storage layer.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Pusher delivers a notification to a live session, if one is registered.
// Returns true when at least one session received the push.
type Pusher interface {
	Push(userID string, n *Notification) bool
}

// Store wraps the steward database.
type Store struct {
	db     *sql.DB
	pusher Pusher
}

// Open opens (or creates) the steward database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open steward db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE schedule_entries ADD COLUMN last_status TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE schedule_entries ADD COLUMN last_fired_at TEXT`)
	_, _ = db.Exec(`ALTER TABLE credentials ADD COLUMN scopes TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE credentials ADD COLUMN expires_at TEXT`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(user_id, read_at)`)

	return &Store{db: db}, nil
}

// SetPusher registers the live-session push hook. Optional; without it
// notifications are queue-only until picked up via GetUnread.
func (s *Store) SetPusher(p Pusher) {
	s.pusher = p
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}
