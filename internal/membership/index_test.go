package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Trabajadores202/work-flow-connect-23/internal/store"
)

// fakeStore implements store.Store with in-memory membership data and counts
// live queries so tests can assert whether the cache was consulted.
type fakeStore struct {
	members map[string]map[string]bool // chatID -> userID -> member
	chats   map[string][]string        // userID -> chat IDs
	queries int
	loadErr error
	partErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: make(map[string]map[string]bool),
		chats:   make(map[string][]string),
	}
}

func (f *fakeStore) addMember(chatID, userID string) {
	if f.members[chatID] == nil {
		f.members[chatID] = make(map[string]bool)
	}
	f.members[chatID][userID] = true
	f.chats[userID] = append(f.chats[userID], chatID)
}

func (f *fakeStore) removeMember(chatID, userID string) {
	delete(f.members[chatID], userID)
	out := f.chats[userID][:0]
	for _, id := range f.chats[userID] {
		if id != chatID {
			out = append(out, id)
		}
	}
	f.chats[userID] = out
}

func (f *fakeStore) FindConversation(ctx context.Context, chatID string) (*store.Conversation, error) {
	if _, ok := f.members[chatID]; !ok {
		return nil, store.ErrNotFound
	}
	return &store.Conversation{ID: chatID}, nil
}

func (f *fakeStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	f.queries++
	if f.partErr != nil {
		return false, f.partErr
	}
	return f.members[chatID][userID], nil
}

func (f *fakeStore) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]string(nil), f.chats[userID]...), nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, chatID, authorID, content string) (*store.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStore) MarkMessagesRead(ctx context.Context, chatID, readerID string) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	return nil
}

func (f *fakeStore) SetOnlineStatus(ctx context.Context, userID string, online bool) error {
	return nil
}

func (f *fakeStore) FindUser(ctx context.Context, userID string) (*store.UserSummary, error) {
	return nil, store.ErrNotFound
}

func TestLoad_ReturnsMemberships(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("chat-1", "user-1")
	fs.addMember("chat-2", "user-1")
	ix := New(fs)

	chats, err := ix.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
}

func TestLoad_PropagatesStoreError(t *testing.T) {
	fs := newFakeStore()
	fs.loadErr = errors.New("db down")
	ix := New(fs)

	if _, err := ix.Load(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error from Load when the store fails")
	}
}

func TestIsMember_CacheHitSkipsStore(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("chat-1", "user-1")
	ix := New(fs)

	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	fs.queries = 0
	member, err := ix.IsMember(context.Background(), "user-1", "chat-1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !member {
		t.Error("expected cached membership to answer true")
	}
	if fs.queries != 0 {
		t.Errorf("cache hit should not query the store, queries=%d", fs.queries)
	}
}

func TestIsMember_MissFallsBackToLiveQuery(t *testing.T) {
	fs := newFakeStore()
	ix := New(fs)

	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// User is added to a chat after the snapshot was loaded.
	fs.addMember("chat-new", "user-1")

	member, err := ix.IsMember(context.Background(), "user-1", "chat-new")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !member {
		t.Fatal("miss should fall back to the store and find the new membership")
	}
	if fs.queries != 1 {
		t.Errorf("expected 1 live query, got %d", fs.queries)
	}

	// The positive result repairs the snapshot: the next check is a hit.
	fs.queries = 0
	if _, err := ix.IsMember(context.Background(), "user-1", "chat-new"); err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if fs.queries != 0 {
		t.Errorf("repaired snapshot should skip the store, queries=%d", fs.queries)
	}
}

func TestIsMember_NegativeResultIsNotCached(t *testing.T) {
	fs := newFakeStore()
	ix := New(fs)

	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if member, _ := ix.IsMember(context.Background(), "user-1", "chat-1"); member {
		t.Fatal("expected non-member")
	}

	// Membership is granted afterwards; the next check must see it because
	// only positive knowledge is cached.
	fs.addMember("chat-1", "user-1")
	member, err := ix.IsMember(context.Background(), "user-1", "chat-1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !member {
		t.Error("negative result must not be cached")
	}
}

func TestInvalidate_ForcesReQuery(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("chat-1", "user-1")
	ix := New(fs)

	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// User is removed and the cache entry is invalidated.
	fs.removeMember("chat-1", "user-1")
	ix.Invalidate("user-1", "chat-1")

	fs.queries = 0
	member, err := ix.IsMember(context.Background(), "user-1", "chat-1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if member {
		t.Error("invalidated entry should deny after live re-check")
	}
	if fs.queries != 1 {
		t.Errorf("invalidated entry should hit the store, queries=%d", fs.queries)
	}
}

func TestRefresh_BypassesStaleCache(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("chat-1", "user-1")
	ix := New(fs)

	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Removal without any invalidation: the snapshot is stale-positive.
	fs.removeMember("chat-1", "user-1")

	member, err := ix.Refresh(context.Background(), "user-1", "chat-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if member {
		t.Fatal("refresh must bypass the stale cache and deny")
	}

	// Refresh also repaired the snapshot, so IsMember now denies too.
	fs.queries = 0
	if member, _ := ix.IsMember(context.Background(), "user-1", "chat-1"); member {
		t.Error("snapshot should have been repaired by Refresh")
	}
}

func TestRelease_LastSessionDropsSnapshot(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("chat-1", "user-1")
	ix := New(fs)

	// Two sessions for the same identity, two references.
	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := ix.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ix.Release("user-1")

	// One session remains: the snapshot is still live.
	fs.queries = 0
	if member, _ := ix.IsMember(context.Background(), "user-1", "chat-1"); !member {
		t.Fatal("snapshot should survive while a session holds a reference")
	}
	if fs.queries != 0 {
		t.Errorf("expected cache hit, queries=%d", fs.queries)
	}

	ix.Release("user-1")

	// Snapshot gone: the lookup falls back to the store.
	fs.queries = 0
	if member, _ := ix.IsMember(context.Background(), "user-1", "chat-1"); !member {
		t.Fatal("store fallback should still answer true")
	}
	if fs.queries != 1 {
		t.Errorf("dropped snapshot should force a live query, queries=%d", fs.queries)
	}
}

func TestRelease_WithoutSnapshotIsNoOp(t *testing.T) {
	ix := New(newFakeStore())
	ix.Release("user-never-loaded") // must not panic
}
