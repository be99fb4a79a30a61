package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/averin/converso/internal/domain"
	"github.com/averin/converso/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	// titleLimit is the number of characters of the first message used as
	// the conversation title before truncation.
	titleLimit    = 30
	titleEllipsis = "..."
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id),
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// deriveTitle builds a conversation title from the first message: the
// message verbatim, or its first 30 characters plus an ellipsis marker.
func deriveTitle(firstMessage string) string {
	runes := []rune(firstMessage)
	if len(runes) <= titleLimit {
		return firstMessage
	}
	return string(runes[:titleLimit]) + titleEllipsis
}

// CreateConversation starts a new conversation thread.
func (s *SQLiteStore) CreateConversation(ctx context.Context, firstMessage string) (int64, error) {
	query := `INSERT INTO conversations (title, created_at) VALUES (?, ?)`

	res, err := s.db.ExecContext(ctx, query, deriveTitle(firstMessage), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("conversation insert id: %w", err)
	}
	return id, nil
}

// AppendMessage records a message in an existing conversation. The insert is
// guarded by an existence check in the same statement so a message can never
// be attached to a conversation that is not in the store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID int64, sender domain.Role, content string) error {
	query := `
	INSERT INTO messages (conversation_id, sender, content, created_at)
	SELECT ?, ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?)`

	res, err := s.db.ExecContext(ctx, query,
		conversationID, string(sender), content, time.Now().Unix(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("append message to conversation %d: %w", conversationID, ErrConversationNotFound)
	}
	return nil
}

// ListConversations retrieves all conversations, newest-created first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	query := `SELECT id, title, created_at FROM conversations ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var conversations []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var createdAt int64

		if err := rows.Scan(&conv.ID, &conv.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}

		conv.CreatedAt = time.Unix(createdAt, 0)
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return conversations, nil
}

// ListMessages retrieves the messages of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var sender string
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Sender = domain.Role(sender)
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// DeleteConversation removes a conversation and all of its messages in one
// transaction. Implements retry logic with exponential backoff to handle
// SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteConversationOnce(ctx, conversationID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteConversation failed with SQLITE_BUSY, retrying",
				"conversation_id", conversationID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("delete conversation %d: %w", conversationID, err)
	}

	return nil
}

// deleteConversationOnce performs a single transactional delete attempt.
func (s *SQLiteStore) deleteConversationOnce(ctx context.Context, conversationID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("failed to roll back delete transaction", "error", rbErr)
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
