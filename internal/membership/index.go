// Package membership implements the membership index: a per-identity cache
// of which conversations the identity belongs to, loaded once per session
// establishment and consulted on every inbound event.
//
// The cache only ever stores positive knowledge ("this user is a member of
// this chat"). A lookup miss always falls back to a live persistence query
// before denying, so a user added to a group after connecting is never
// silently rejected; Invalidate erases a cached entry so a removed user is
// re-checked on the next event.
package membership

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/Trabajadores202/work-flow-connect-23/internal/store"
)

const shardCount = 32

type snapshot struct {
	refs  int                 // number of live sessions for this identity
	chats map[string]struct{} // conversation IDs known to include the identity
}

type shard struct {
	mu    sync.Mutex
	snaps map[string]*snapshot // userID -> snapshot
}

// Index caches conversation membership per identity. Entries are reference
// counted: each live session of an identity holds one reference, and the
// snapshot is dropped when the identity's last session releases it.
type Index struct {
	store  store.Store
	shards [shardCount]*shard
}

// New creates an Index backed by the given persistence store.
func New(st store.Store) *Index {
	ix := &Index{store: st}
	for i := range ix.shards {
		ix.shards[i] = &shard{snaps: make(map[string]*snapshot)}
	}
	return ix
}

func (ix *Index) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return ix.shards[h.Sum32()%shardCount]
}

// Load fetches the identity's current memberships from persistence and
// returns them, acquiring one snapshot reference for the calling session.
// If a snapshot already exists (another session of the same identity is
// live), the fresh load replaces its contents so the newest view wins.
func (ix *Index) Load(ctx context.Context, userID string) ([]string, error) {
	ids, err := ix.store.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("membership: load %s: %w", userID, err)
	}

	chats := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		chats[id] = struct{}{}
	}

	s := ix.shardFor(userID)
	s.mu.Lock()
	snap, ok := s.snaps[userID]
	if !ok {
		snap = &snapshot{}
		s.snaps[userID] = snap
	}
	snap.refs++
	snap.chats = chats
	s.mu.Unlock()

	return ids, nil
}

// Release drops one snapshot reference for the identity, discarding the
// cached snapshot when the last session releases it. Releasing an identity
// with no snapshot is a no-op (disconnect paths may run more than once).
func (ix *Index) Release(userID string) {
	s := ix.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[userID]
	if !ok {
		return
	}
	snap.refs--
	if snap.refs <= 0 {
		delete(s.snaps, userID)
	}
}

// IsMember reports whether the identity belongs to the conversation. A cache
// hit answers immediately; a miss falls back to a live persistence query and,
// when positive, repairs the snapshot so subsequent events skip the query.
func (ix *Index) IsMember(ctx context.Context, userID, chatID string) (bool, error) {
	s := ix.shardFor(userID)
	s.mu.Lock()
	snap, ok := s.snaps[userID]
	if ok {
		if _, member := snap.chats[chatID]; member {
			s.mu.Unlock()
			return true, nil
		}
	}
	s.mu.Unlock()

	member, err := ix.store.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("membership: is member %s/%s: %w", userID, chatID, err)
	}
	if member {
		ix.add(userID, chatID)
	}
	return member, nil
}

// Refresh forces a live persistence check for the (identity, conversation)
// pair, bypassing the cache entirely, and updates the snapshot both ways.
// Used for join events, where a stale positive entry must not grant access.
func (ix *Index) Refresh(ctx context.Context, userID, chatID string) (bool, error) {
	member, err := ix.store.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("membership: refresh %s/%s: %w", userID, chatID, err)
	}
	if member {
		ix.add(userID, chatID)
	} else {
		ix.Invalidate(userID, chatID)
	}
	return member, nil
}

// Invalidate erases the cached membership entry so the next IsMember call
// re-queries persistence. Called when a membership-changed event arrives.
func (ix *Index) Invalidate(userID, chatID string) {
	s := ix.shardFor(userID)
	s.mu.Lock()
	if snap, ok := s.snaps[userID]; ok {
		delete(snap.chats, chatID)
	}
	s.mu.Unlock()
}

// add repairs the snapshot with a confirmed membership. No-op when the
// identity has no live snapshot (no active sessions).
func (ix *Index) add(userID, chatID string) {
	s := ix.shardFor(userID)
	s.mu.Lock()
	if snap, ok := s.snaps[userID]; ok {
		snap.chats[chatID] = struct{}{}
	}
	s.mu.Unlock()
}
