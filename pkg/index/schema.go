package index

import (
	"database/sql"
	"fmt"
)

// CurrentVersion is the schema version written by InitDB.
const CurrentVersion = 1

// InitDB creates every table and index inside one transaction.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id    INTEGER PRIMARY KEY,
			chat_type  TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			chat_id    INTEGER NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL,
			sender_id  INTEGER NOT NULL DEFAULT 0,
			body       TEXT NOT NULL DEFAULT '',
			sent_at    INTEGER NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			chat_id INTEGER NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL,
			seen_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id      INTEGER PRIMARY KEY,
			username     TEXT NOT NULL DEFAULT '',
			username_lc  TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(chat_id, sender_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username_lc)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SchemaVersion returns 0 for a database InitDB has never touched.
func SchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var version sql.NullInt64
	err = db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(version.Int64), nil
}
