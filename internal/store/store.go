// Package store provides PostgreSQL-backed persistence for the chat gateway:
// conversations, participants, messages, read state and user presence fields.
// The gateway only ever writes through this package before broadcasting, so a
// delivered event always corresponds to durable state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced user or conversation does not
// exist.
var ErrNotFound = errors.New("store: not found")

// UserSummary is the subset of a user's profile attached to real-time events.
type UserSummary struct {
	ID   string
	Name string
}

// Conversation is a direct or group chat with a mutable participant set.
type Conversation struct {
	ID        string
	Name      string
	IsGroup   bool
	CreatedAt time.Time
}

// Message is a persisted chat message together with its author summary.
type Message struct {
	ID        string
	ChatID    string
	Content   string
	Read      bool
	CreatedAt time.Time
	Author    UserSummary
}

// Store is the persistence contract consumed by the real-time core. It must
// provide read-after-write consistency within a single process: a message
// returned by CreateMessage is immediately visible to readers.
type Store interface {
	// FindConversation returns the conversation or ErrNotFound.
	FindConversation(ctx context.Context, chatID string) (*Conversation, error)

	// IsParticipant reports whether the user is currently a member of the
	// conversation.
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)

	// ConversationsFor returns the IDs of every conversation the user
	// belongs to.
	ConversationsFor(ctx context.Context, userID string) ([]string, error)

	// CreateMessage persists a message and returns the stored record,
	// including the author summary, so it can be fanned out without a
	// second query.
	CreateMessage(ctx context.Context, chatID, authorID, content string) (*Message, error)

	// MarkMessagesRead marks all messages in the conversation that were not
	// authored by readerID as read, returning the number of rows updated.
	MarkMessagesRead(ctx context.Context, chatID, readerID string) (int64, error)

	// UpdateLastSeen records the identity's last-seen timestamp.
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error

	// SetOnlineStatus records whether the identity is online.
	SetOnlineStatus(ctx context.Context, userID string, online bool) error

	// FindUser returns a user summary or ErrNotFound.
	FindUser(ctx context.Context, userID string) (*UserSummary, error)
}
