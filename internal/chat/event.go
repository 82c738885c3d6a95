// Package chat defines the event payloads that travel over the fan-out
// transport between gateway processes, plus content validation for inbound
// messages.
package chat

// Event type values carried in Event.Type.
const (
	EventMessage    = "message"    // persisted chat message
	EventTyping     = "typing"     // fire-and-forget typing notice
	EventRead       = "read"       // read receipt (persisted before publish)
	EventMembership = "membership" // participant added to / removed from a chat
)

// Message is the transport representation of a persisted chat message. It
// mirrors what the persistence layer returned from the write, so receiving
// processes can render it without a database round-trip.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	Read       bool   `json:"read"`
	CreatedAt  int64  `json:"created_at"` // unix milliseconds
}

// Event is the payload published on conversation and membership subjects for
// cross-process fan-out. From identifies the originating user so receivers
// can apply per-identity exclusion rules (a user never sees their own typing
// notice or read receipt).
type Event struct {
	Type     string   `json:"type"`
	ChatID   string   `json:"chat_id"`
	From     string   `json:"from"`                // originating user ID
	FromName string   `json:"from_name,omitempty"` // for typing notices
	Message  *Message `json:"message,omitempty"`   // for message events
	Added    bool     `json:"added,omitempty"`     // for membership events
	Ts       int64    `json:"ts,omitempty"`        // unix milliseconds
}

// StatusEvent is the payload published on the presence subject when an
// identity transitions between online and offline.
type StatusEvent struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen int64  `json:"last_seen"` // unix milliseconds
}
