package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	group_id TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	attachment BLOB,
	ts INTEGER NOT NULL,
	ttl INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	relayed BOOLEAN NOT NULL DEFAULT FALSE,
	edited BOOLEAN NOT NULL DEFAULT FALSE,
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, ts);

CREATE TABLE IF NOT EXISTS chat_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	creator TEXT NOT NULL,
	password_salt BLOB,
	password_hash BLOB,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	username TEXT NOT NULL,
	PRIMARY KEY (group_id, username),
	FOREIGN KEY (group_id) REFERENCES chat_groups(id)
);
`

const messageColumns = `id, sender, recipient, group_id, body, kind, mime, attachment, ts, ttl, version, relayed, edited, deleted`

// SQLiteStore persists messages and groups in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the database at dsn. Use ":memory:" in tests.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// ApplyMessage reads the current row and writes the Apply result in one transaction.
func (s *SQLiteStore) ApplyMessage(ctx context.Context, op MessageOp) (bool, error) {
	if op.ID() == "" {
		return false, errors.New("message id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var cur *Message
	existing, err := scanMessage(tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", op.ID()))
	switch {
	case err == nil:
		cur = &existing
	case errors.Is(err, sql.ErrNoRows):
	default:
		return false, fmt.Errorf("load message %s: %w", op.ID(), err)
	}

	next, changed, err := Apply(cur, op)
	if err != nil || !changed {
		return false, err
	}

	if cur == nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages))`,
			next.ID, next.From, next.To, next.GroupID, next.Body, string(next.Kind), next.MIME, next.Attachment,
			next.Timestamp.UnixMilli(), next.TTL, next.Version, next.Relayed, next.Edited, next.Deleted)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE messages SET body = ?, mime = ?, attachment = ?, version = ?, edited = ?, deleted = ? WHERE id = ?`,
			next.Body, next.MIME, next.Attachment, next.Version, next.Edited, next.Deleted, next.ID)
	}
	if err != nil {
		return false, fmt.Errorf("write message %s: %w", next.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Message fetches one message by id.
func (s *SQLiteStore) Message(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// Conversation lists the messages for a group or direct peer.
func (s *SQLiteStore) Conversation(ctx context.Context, key string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE group_id = ? OR (group_id = '' AND (sender = ? OR recipient = ?))
		ORDER BY ts ASC, seq ASC`, key, key, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveGroup inserts the group if new and merges its members.
func (s *SQLiteStore) SaveGroup(ctx context.Context, g Group) error {
	if g.ID == "" {
		return errors.New("group id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chat_groups (id, name, creator, password_salt, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, g.ID, g.Name, g.Creator, g.PasswordSalt, g.PasswordHash, g.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert group %s: %w", g.ID, err)
	}
	for _, m := range uniqueMembers(g.Members) {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO group_members (group_id, username) VALUES (?, ?)", g.ID, m); err != nil {
			return fmt.Errorf("insert member %s: %w", m, err)
		}
	}
	return tx.Commit()
}

// Group fetches a group and its members.
func (s *SQLiteStore) Group(ctx context.Context, id string) (Group, error) {
	var g Group
	var created int64
	err := s.db.QueryRowContext(ctx, "SELECT id, name, creator, password_salt, password_hash, created_at FROM chat_groups WHERE id = ?", id).
		Scan(&g.ID, &g.Name, &g.Creator, &g.PasswordSalt, &g.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}
	g.CreatedAt = time.UnixMilli(created)
	g.Members, err = s.members(ctx, id)
	return g, err
}

// Groups enumerates all groups sorted by id.
func (s *SQLiteStore) Groups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chat_groups ORDER BY id")
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.Group(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// AddMember inserts a membership row if absent.
func (s *SQLiteStore) AddMember(ctx context.Context, groupID, user string) (bool, error) {
	if _, err := s.Group(ctx, groupID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO group_members (group_id, username) VALUES (?, ?)", groupID, user)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveMember deletes a membership row.
func (s *SQLiteStore) RemoveMember(ctx context.Context, groupID, user string) (bool, error) {
	if _, err := s.Group(ctx, groupID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ? AND username = ?", groupID, user)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsMember reports whether user belongs to the group.
func (s *SQLiteStore) IsMember(ctx context.Context, groupID, user string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = ? AND username = ?)", groupID, user).Scan(&exists)
	return exists, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) members(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT username FROM group_members WHERE group_id = ? ORDER BY rowid", groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var kind string
	var ts int64
	err := row.Scan(&m.ID, &m.From, &m.To, &m.GroupID, &m.Body, &kind, &m.MIME, &m.Attachment, &ts, &m.TTL, &m.Version, &m.Relayed, &m.Edited, &m.Deleted)
	if err != nil {
		return Message{}, err
	}
	m.Kind = ContentKind(kind)
	m.Timestamp = time.UnixMilli(ts)
	if len(m.Attachment) == 0 {
		m.Attachment = nil
	}
	return m, nil
}
