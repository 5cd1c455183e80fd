// Package index keeps a local sqlite record of the chats, messages, members
// and users the bot has observed. The Bot API cannot list chats or read
// history, so every sweep reads from here.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tgguard/tgguard/pkg/chat"
)

// Chat is an observed chat as reported by the Bot API.
type Chat struct {
	ID    int64
	Type  string
	Title string
}

// Message is an observed message. Text holds the text or caption.
type Message struct {
	ChatID   int64
	ID       int64
	SenderID int64
	Text     string
	SentAt   time.Time
}

type Index struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the index at path. An empty path opens a
// private in-memory database.
func Open(path string) (*Index, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if path != "" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	version, err := SchemaVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if version == 0 {
		if err := InitDB(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	} else if version > CurrentVersion {
		db.Close()
		return nil, fmt.Errorf("index schema version %d is newer than supported %d", version, CurrentVersion)
	}

	return &Index{db: db, now: time.Now}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) UpsertChat(ctx context.Context, c Chat) error {
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, chat_type, title, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET chat_type = excluded.chat_type,
			title = excluded.title, updated_at = excluded.updated_at
	`, c.ID, c.Type, c.Title, x.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", c.ID, err)
	}
	return nil
}

// ForgetChat drops a chat and, by cascade, everything recorded in it.
func (x *Index) ForgetChat(ctx context.Context, chatID int64) error {
	if _, err := x.db.ExecContext(ctx, "DELETE FROM chats WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("forget chat %d: %w", chatID, err)
	}
	return nil
}

// Chats lists every known chat, most recently updated first.
func (x *Index) Chats(ctx context.Context) ([]Chat, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT chat_id, chat_type, title FROM chats ORDER BY updated_at DESC, chat_id")
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Type, &c.Title); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (x *Index) Chat(ctx context.Context, chatID int64) (Chat, bool, error) {
	c := Chat{ID: chatID}
	err := x.db.QueryRowContext(ctx, "SELECT chat_type, title FROM chats WHERE chat_id = ?", chatID).Scan(&c.Type, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, fmt.Errorf("load chat %d: %w", chatID, err)
	}
	return c, true, nil
}

// RecordMessage stores or refreshes a message. The chat row must exist.
func (x *Index) RecordMessage(ctx context.Context, m Message) error {
	sent := m.SentAt
	if sent.IsZero() {
		sent = x.now()
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, message_id, sender_id, body, sent_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET sender_id = excluded.sender_id, body = excluded.body
	`, m.ChatID, m.ID, m.SenderID, m.Text, sent.Unix())
	if err != nil {
		return fmt.Errorf("record message %d in %d: %w", m.ID, m.ChatID, err)
	}
	return nil
}

// ForgetMessages removes ids from a chat and reports how many were known.
func (x *Index) ForgetMessages(ctx context.Context, chatID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, chatID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := x.db.ExecContext(ctx,
		"DELETE FROM messages WHERE chat_id = ? AND message_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("forget messages in %d: %w", chatID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (x *Index) Message(ctx context.Context, chatID, id int64) (Message, bool, error) {
	m := Message{ChatID: chatID, ID: id}
	var sent int64
	err := x.db.QueryRowContext(ctx,
		"SELECT sender_id, body, sent_at FROM messages WHERE chat_id = ? AND message_id = ?", chatID, id,
	).Scan(&m.SenderID, &m.Text, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("load message %d in %d: %w", id, chatID, err)
	}
	m.SentAt = time.Unix(sent, 0)
	return m, true, nil
}

// Page returns up to limit messages older than before (0 means newest),
// newest first. A non-zero sender restricts the page to that author.
func (x *Index) Page(ctx context.Context, chatID, sender, before int64, limit int) ([]Message, error) {
	query := "SELECT message_id, sender_id, body, sent_at FROM messages WHERE chat_id = ?"
	args := []interface{}{chatID}
	if sender != 0 {
		query += " AND sender_id = ?"
		args = append(args, sender)
	}
	if before > 0 {
		query += " AND message_id < ?"
		args = append(args, before)
	}
	query += " ORDER BY message_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page messages in %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m := Message{ChatID: chatID}
		var sent int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &sent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SentAt = time.Unix(sent, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMember records that userID joined (present) or left the chat.
func (x *Index) MarkMember(ctx context.Context, chatID, userID int64, present bool) error {
	var err error
	if present {
		_, err = x.db.ExecContext(ctx, `
			INSERT INTO members (chat_id, user_id, seen_at) VALUES (?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO UPDATE SET seen_at = excluded.seen_at
		`, chatID, userID, x.now().Unix())
	} else {
		_, err = x.db.ExecContext(ctx, "DELETE FROM members WHERE chat_id = ? AND user_id = ?", chatID, userID)
	}
	if err != nil {
		return fmt.Errorf("mark member %d in %d: %w", userID, chatID, err)
	}
	return nil
}

// Members lists the user ids known to be in a chat, ascending.
func (x *Index) Members(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT user_id FROM members WHERE chat_id = ? ORDER BY user_id", chatID)
	if err != nil {
		return nil, fmt.Errorf("list members of %d: %w", chatID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemberUsers joins the member list with the users table. Members whose
// profile was never seen come back with only an ID.
func (x *Index) MemberUsers(ctx context.Context, chatID int64) ([]chat.User, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT m.user_id, COALESCE(u.username, ''), COALESCE(u.display_name, '')
		FROM members m LEFT JOIN users u ON u.user_id = m.user_id
		WHERE m.chat_id = ? ORDER BY m.user_id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list member users of %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("scan member user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (x *Index) UpsertUser(ctx context.Context, u chat.User) error {
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, username_lc, display_name) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET username = excluded.username,
			username_lc = excluded.username_lc, display_name = excluded.display_name
	`, u.ID, u.Username, strings.ToLower(u.Username), u.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (x *Index) User(ctx context.Context, id int64) (chat.User, bool, error) {
	u := chat.User{ID: id}
	err := x.db.QueryRowContext(ctx, "SELECT username, display_name FROM users WHERE user_id = ?", id).
		Scan(&u.Username, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, fmt.Errorf("load user %d: %w", id, err)
	}
	return u, true, nil
}

// UserByUsername matches case-insensitively, with or without a leading @.
func (x *Index) UserByUsername(ctx context.Context, username string) (chat.User, bool, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if name == "" {
		return chat.User{}, false, nil
	}
	var u chat.User
	err := x.db.QueryRowContext(ctx,
		"SELECT user_id, username, display_name FROM users WHERE username_lc = ? LIMIT 1", name,
	).Scan(&u.ID, &u.Username, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, fmt.Errorf("load user @%s: %w", name, err)
	}
	return u, true, nil
}
