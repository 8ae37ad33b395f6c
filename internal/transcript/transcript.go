// Package transcript keeps a local SQLite copy of every answered exchange,
// grouped by server session id.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"sagechat/internal/session"
)

// ErrNotFound is returned when a session has no local transcript.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME,
	server TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange_id TEXT,
	session_id TEXT,
	role TEXT,
	content TEXT,
	timestamp DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
`

// Store is a SQLite-backed transcript.
type Store struct {
	db *sql.DB
}

// Summary describes one locally stored session.
type Summary struct {
	ID           string
	StartTime    time.Time
	Server       string
	MessageCount int
}

// Open opens (creating if needed) the transcript database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transcript tables: %w", err)
	}

	return &Store{db: db}, nil
}

// dsn enables foreign keys on path, which may already carry query
// parameters ("file:chat.db?cache=shared").
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveExchange appends an exchange to the session's transcript, creating the
// session row on first use. It returns the generated exchange id.
func (s *Store) SaveExchange(ctx context.Context, sessionID, server string, ex session.Exchange) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, start_time, server) VALUES (?, ?, ?)",
		sessionID, ex.AskedAt.UTC(), server,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	exchangeID := uuid.New().String()
	for _, msg := range ex.Messages() {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (exchange_id, session_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)",
			exchangeID, sessionID, msg.Role, msg.Content, msg.Timestamp.UTC(),
		)
		if err != nil {
			return "", fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return exchangeID, nil
}

// LoadSession returns a stored session with its messages in order.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess := &session.Session{ID: sessionID}

	err := s.db.QueryRowContext(ctx, "SELECT start_time, server FROM sessions WHERE id = ?", sessionID).
		Scan(&sess.StartTime, &sess.Server)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY timestamp, id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	sess.Messages = []session.Message{}
	for rows.Next() {
		var msg session.Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return sess, nil
}

// ListSessions returns stored sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.start_time, s.server, COUNT(m.id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.StartTime, &sum.Server, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
