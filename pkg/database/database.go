package database

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultHistoryLimit is the number of messages replayed to a new connection.
const DefaultHistoryLimit = 150

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)

	// writeMu keeps timestamp capture and insert in one critical
	// section, so created_at is non-decreasing in id order.
	writeMu sync.Mutex
}

// Message represents a persisted chat message
type Message struct {
	ID        int64
	Author    string
	Body      string
	IsAdmin   bool
	CreatedAt int64 // Unix timestamp in milliseconds
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow multiple readers in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection: exactly one connection, never pooled.
	// All inserts go through it, which serializes id assignment.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// applyPragmas configures a SQLite connection for concurrent access
func applyPragmas(conn *sql.DB) error {
	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return nil
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	message_text TEXT NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
`

	_, err := db.conn.Exec(schema)
	return err
}

// nowMillis returns the current time as Unix milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Append persists a new message and returns it with the store-assigned id
// and timestamp. Callers must not broadcast the message when Append
// returns an error.
func (db *DB) Append(author, body string, isAdmin bool) (*Message, error) {
	// The single write connection serializes the inserts themselves,
	// but the timestamp must be taken under the same lock or a caller
	// that read the clock earlier could insert later.
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	now := nowMillis()

	result, err := db.writeConn.Exec(`
		INSERT INTO messages (username, message_text, is_admin, created_at)
		VALUES (?, ?, ?, ?)
	`, author, body, boolToInt(isAdmin), now)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	return &Message{
		ID:        id,
		Author:    author,
		Body:      body,
		IsAdmin:   isAdmin,
		CreatedAt: now,
	}, nil
}

// RecentMessages returns at most limit most recent messages in ascending
// chronological order. An empty store yields an empty slice, not an error.
func (db *DB) RecentMessages(limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// Fetch newest-first so LIMIT keeps the most recent window, then
	// re-sort ascending for replay.
	rows, err := db.conn.Query(`
		SELECT id, username, message_text, is_admin, created_at
		FROM (
			SELECT id, username, message_text, is_admin, created_at
			FROM messages
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0, limit)
	for rows.Next() {
		var msg Message
		var isAdmin int
		if err := rows.Scan(&msg.ID, &msg.Author, &msg.Body, &isAdmin, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.IsAdmin = isAdmin != 0
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// ClearAll deletes every message irreversibly
func (db *DB) ClearAll() error {
	if _, err := db.writeConn.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// MessageCount returns the number of stored messages
func (db *DB) MessageCount() (int64, error) {
	var count int64
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
