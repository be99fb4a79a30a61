// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/averin/converso/internal/domain"
)

// ErrConversationNotFound is returned when a referenced conversation does
// not exist in the store.
var ErrConversationNotFound = errors.New("conversation not found")

// Repository defines the interface for persisting conversations and their
// ordered messages.
type Repository interface {
	// CreateConversation starts a new conversation thread. The title is
	// derived from the first message. Returns the new conversation ID.
	CreateConversation(ctx context.Context, firstMessage string) (int64, error)

	// AppendMessage records a message in an existing conversation.
	// Returns ErrConversationNotFound if the conversation does not exist.
	AppendMessage(ctx context.Context, conversationID int64, sender domain.Role, content string) error

	// ListConversations retrieves all conversations, newest-created first.
	ListConversations(ctx context.Context) ([]domain.Conversation, error)

	// ListMessages retrieves the messages of a conversation in creation
	// order, oldest first. A missing or empty conversation yields an empty
	// slice, not an error.
	ListMessages(ctx context.Context, conversationID int64) ([]domain.Message, error)

	// DeleteConversation removes a conversation and all of its messages as
	// a single transactional unit.
	DeleteConversation(ctx context.Context, conversationID int64) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
