// Package registry implements the session registry: the authoritative map
// from an authenticated identity to its set of currently open connections.
// It is the single point that decides presence edges — whether a register was
// the identity's first connection (went online) or an unregister its last
// (went offline) — so concurrent connects and disconnects for the same
// identity can never produce duplicate or missing transitions.
package registry

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of lock shards. Contention is scoped to the
// identities that hash to the same shard, never the whole registry.
const shardCount = 32

type shard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // userID -> set of connection IDs
}

// Registry tracks live connections per identity. The zero value is not
// usable; create one with New.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a connection for the identity and reports whether it was the
// identity's first active connection (the 0->1 presence edge). Registering a
// connection ID that is already present is a no-op and never reports an edge.
func (r *Registry) Register(userID, connID string) (first bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		s.conns[userID] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}
	return len(set) == 1
}

// Unregister removes a connection for the identity. It reports whether the
// connection was actually present (removed) and whether its removal left the
// identity with no connections (the 1->0 presence edge). Unregistering an
// absent connection is a no-op: removed and last are both false, so duplicate
// disconnect notifications can never fire a second offline transition.
func (r *Registry) Unregister(userID, connID string) (last, removed bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[userID]
	if !ok {
		return false, false
	}
	if _, present := set[connID]; !present {
		return false, false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.conns, userID)
		return true, true
	}
	return false, true
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID]) > 0
}

// ConnectionsFor returns a snapshot of the identity's connection IDs.
func (r *Registry) ConnectionsFor(userID string) []string {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.conns[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// OnlineCount returns the number of identities with at least one connection.
func (r *Registry) OnlineCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.Lock()
		total += len(s.conns)
		s.mu.Unlock()
	}
	return total
}
