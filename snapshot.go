package chatsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// migrations for the snapshot database. Version is tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS dialogs (
    owner_id         INTEGER NOT NULL,
    user_id          INTEGER NOT NULL,
    full_name        TEXT NOT NULL DEFAULT '',
    avatar_url       TEXT NOT NULL DEFAULT '',
    last_message     TEXT NOT NULL DEFAULT '',
    last_message_at  TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL DEFAULT '',
    unread_count     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (owner_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
    owner_id        INTEGER NOT NULL,
    counterpart_id  INTEGER NOT NULL,
    id              INTEGER NOT NULL,
    sender_id       INTEGER NOT NULL,
    receiver_id     INTEGER NOT NULL,
    content         TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    read_at         TEXT,
    PRIMARY KEY (owner_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(owner_id, counterpart_id, created_at ASC);
`,
	},
}

// Snapshot persists the last known dialogs and threads per user so they can
// be shown before the backend answers, or offline.
type Snapshot struct {
	db *sql.DB
}

// OpenSnapshot opens (or creates) a SQLite database at path and runs all
// pending migrations. Pass ":memory:" for an in-memory snapshot.
func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Snapshot{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Snapshot) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Snapshot) Close() error { return s.db.Close() }

// ============================================================================
// Dialogs
// ============================================================================

// SaveDialogs replaces owner's dialog list.
func (s *Snapshot) SaveDialogs(ctx context.Context, owner int64, dialogs []Dialog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dialogs WHERE owner_id=?`, owner); err != nil {
		return fmt.Errorf("clear dialogs: %w", err)
	}
	for _, d := range dialogs {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO dialogs(owner_id, user_id, full_name, avatar_url, last_message, last_message_at, created_at, unread_count)
            VALUES(?,?,?,?,?,?,?,?)
        `,
			owner, d.UserID, d.FullName, d.AvatarURL, d.LastMessage,
			formatTime(d.LastMessageAt), formatTime(d.CreatedAt), d.UnreadCount,
		)
		if err != nil {
			return fmt.Errorf("insert dialog %d: %w", d.UserID, err)
		}
	}
	return tx.Commit()
}

// LoadDialogs returns owner's saved dialogs, most recent first.
func (s *Snapshot) LoadDialogs(ctx context.Context, owner int64) ([]Dialog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, full_name, avatar_url, last_message, last_message_at, created_at, unread_count
        FROM dialogs WHERE owner_id=?
    `, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Dialog
	for rows.Next() {
		var d Dialog
		var lastAt, createdAt string
		if err := rows.Scan(&d.UserID, &d.FullName, &d.AvatarURL, &d.LastMessage, &lastAt, &createdAt, &d.UnreadCount); err != nil {
			return nil, err
		}
		d.LastMessageAt = parseTime(lastAt)
		d.CreatedAt = parseTime(createdAt)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortDialogs(result)
	return result, nil
}

// ============================================================================
// Messages
// ============================================================================

// SaveMessages replaces owner's thread with counterpart. Pending local
// copies are skipped.
func (s *Snapshot) SaveMessages(ctx context.Context, owner, counterpart int64, msgs []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE owner_id=? AND counterpart_id=?`, owner, counterpart); err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}
	for _, m := range msgs {
		if m.Pending() {
			continue
		}
		var readAt any
		if m.ReadAt != nil {
			readAt = formatTime(*m.ReadAt)
		}
		_, err := tx.ExecContext(ctx, `
            INSERT OR REPLACE INTO messages(owner_id, counterpart_id, id, sender_id, receiver_id, content, created_at, read_at)
            VALUES(?,?,?,?,?,?,?,?)
        `,
			owner, counterpart, m.ID, m.SenderID, m.ReceiverID, m.Content, formatTime(m.CreatedAt), readAt,
		)
		if err != nil {
			return fmt.Errorf("insert message %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LoadMessages returns owner's saved thread with counterpart in
// chronological order.
func (s *Snapshot) LoadMessages(ctx context.Context, owner, counterpart int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, sender_id, receiver_id, content, created_at, read_at
        FROM messages WHERE owner_id=? AND counterpart_id=?
        ORDER BY created_at ASC, id ASC
    `, owner, counterpart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		var m Message
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &createdAt, &readAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		if readAt.Valid {
			t := parseTime(readAt.String)
			m.ReadAt = &t
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// Purge deletes everything saved for owner.
func (s *Snapshot) Purge(ctx context.Context, owner int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dialogs WHERE owner_id=?`, owner); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE owner_id=?`, owner); err != nil {
		return err
	}
	return tx.Commit()
}

// ============================================================================
// Helpers
// ============================================================================

// formatTime stores times as fixed-width UTC text so they sort lexically.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
