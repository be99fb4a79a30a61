// Package domain contains core domain types for the Converso application.
package domain

import (
	"time"
)

// Role identifies the sender of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnRole identifies the speaker of an in-memory context turn as presented
// to the model.
type TurnRole string

const (
	TurnUser  TurnRole = "user"
	TurnModel TurnRole = "model"
)

// Conversation is a titled, timestamped thread grouping an ordered sequence
// of messages. Never mutated after creation except by deletion.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted utterance within a conversation. Immutable once
// created; within a conversation messages are totally ordered by ID.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Sender         Role      `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"timestamp"`
}

// ContextTurn is the in-memory counterpart of a Message. It is not
// guaranteed to be persisted synchronously with the durable history.
type ContextTurn struct {
	Role TurnRole
	Text string
}
