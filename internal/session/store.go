// Package session records live connection metadata in Redis: which identity
// a connection belongs to and which gateway instance holds it. The records
// are operational state (debugging, instance-level accounting), not the
// source of truth for presence — that is the in-process registry refined by
// the presence counters.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// ConnTTL is the time-to-live for connection keys. Refreshed on
	// activity; a crashed gateway's records expire on their own.
	ConnTTL = 1 * time.Hour
)

// Record is a live connection's state stored in Redis.
type Record struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	UserName   string `redis:"user_name"`
	Server     string `redis:"server"` // which gateway instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a session store on the given Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a record for an authenticated connection.
func (s *Store) Create(ctx context.Context, connID, userID, userName string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"user_name":   userName,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := ConnPrefix + connID
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Touch refreshes the record's TTL and last-active timestamp.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	if err := s.client.Del(ctx, ConnPrefix+connID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}
