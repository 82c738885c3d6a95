package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

// Postgres implements Store on top of a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and returns a ready store.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle. Used by tests and callers
// that manage the pool themselves.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// FindConversation returns the conversation or ErrNotFound.
func (p *Postgres) FindConversation(ctx context.Context, chatID string) (*Conversation, error) {
	const query = `
		SELECT id, name, is_group, created_at
		FROM chats
		WHERE id = $1`

	var c Conversation
	err := p.db.QueryRowContext(ctx, query, chatID).Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation: %w", err)
	}
	return &c, nil
}

// IsParticipant reports whether the user is currently a member of the chat.
func (p *Postgres) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_participants
			WHERE chat_id = $1 AND user_id = $2
		)`

	var member bool
	if err := p.db.QueryRowContext(ctx, query, chatID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("store: is participant: %w", err)
	}
	return member, nil
}

// ConversationsFor returns the IDs of all chats the user belongs to.
func (p *Postgres) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT chat_id FROM chat_participants
		WHERE user_id = $1`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: conversations for: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: conversations for: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations for: rows: %w", err)
	}
	return ids, nil
}

// CreateMessage inserts a message and returns the stored record with the
// author summary attached. The author name is joined in the same statement
// so the caller can fan out without a second query.
func (p *Postgres) CreateMessage(ctx context.Context, chatID, authorID, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (id, chat_id, user_id, content, read, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		RETURNING created_at,
			(SELECT name FROM users WHERE id = $3)`

	msg := &Message{
		ID:      uuid.New().String(),
		ChatID:  chatID,
		Content: content,
		Author:  UserSummary{ID: authorID},
	}

	var name sql.NullString
	err := p.db.QueryRowContext(ctx, query, msg.ID, chatID, authorID, content).
		Scan(&msg.CreatedAt, &name)
	if err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	msg.Author.Name = name.String
	return msg, nil
}

// MarkMessagesRead marks every message in the chat not authored by readerID
// as read, returning the number of rows updated.
func (p *Postgres) MarkMessagesRead(ctx context.Context, chatID, readerID string) (int64, error) {
	const query = `
		UPDATE messages
		SET read = TRUE
		WHERE chat_id = $1 AND user_id <> $2 AND read = FALSE`

	res, err := p.db.ExecContext(ctx, query, chatID, readerID)
	if err != nil {
		return 0, fmt.Errorf("store: mark messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark messages read: rows affected: %w", err)
	}
	return n, nil
}

// UpdateLastSeen records the user's last-seen timestamp.
func (p *Postgres) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	const query = `UPDATE users SET last_seen = $2 WHERE id = $1`

	if _, err := p.db.ExecContext(ctx, query, userID, at); err != nil {
		return fmt.Errorf("store: update last seen: %w", err)
	}
	return nil
}

// SetOnlineStatus records whether the user is online.
func (p *Postgres) SetOnlineStatus(ctx context.Context, userID string, online bool) error {
	const query = `UPDATE users SET is_online = $2 WHERE id = $1`

	if _, err := p.db.ExecContext(ctx, query, userID, online); err != nil {
		return fmt.Errorf("store: set online status: %w", err)
	}
	return nil
}

// FindUser returns a user summary or ErrNotFound.
func (p *Postgres) FindUser(ctx context.Context, userID string) (*UserSummary, error) {
	const query = `SELECT id, name FROM users WHERE id = $1`

	var u UserSummary
	err := p.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return &u, nil
}
