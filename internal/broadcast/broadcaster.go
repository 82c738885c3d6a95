// Package broadcast implements the conversation broadcaster: delivery of a
// published event to every subscribed session across all gateway processes.
//
// Each (connection, conversation) pair holds its own transport subscription,
// so a reconnecting session starts from a fresh subscription and can never be
// replayed events delivered before its disconnect — at-most-once per session
// per event. Events published by one process to one conversation are
// delivered to each subscription in publish order; no ordering is guaranteed
// across conversations or across concurrent publishers.
//
// When the cross-process transport is unreachable, Publish degrades to
// local-process-only delivery: sessions on other processes miss the event,
// the degradation is counted and logged, and the triggering request never
// fails. Single-process deployments run the same code over an in-process
// transport.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/Trabajadores202/work-flow-connect-23/internal/chat"
	"github.com/Trabajadores202/work-flow-connect-23/internal/messaging"
	"github.com/Trabajadores202/work-flow-connect-23/internal/metrics"
)

// DeliverFunc delivers a decoded event to one session. Implementations apply
// the per-identity exclusion rules (e.g. no echo of typing notices) and write
// to the session's connection.
type DeliverFunc func(ev chat.Event)

// member is one session's entry in a broadcast group. linked reports whether
// its keyed transport subscription is established; a member that joined while
// the transport was refusing subscriptions stays unlinked and is served by the
// local delivery pass in Publish until a later join relinks it.
type member struct {
	deliver DeliverFunc
	linked  bool
}

// Broadcaster maintains the broadcast groups: the set of local sessions
// subscribed to each conversation, each backed by a keyed transport
// subscription.
type Broadcaster struct {
	transport messaging.Transport

	mu     sync.RWMutex
	groups map[string]map[string]*member  // chatID -> connID -> member
	chats  map[string]map[string]struct{} // connID -> set of chatIDs
}

// New creates a Broadcaster over the given transport.
func New(transport messaging.Transport) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		groups:    make(map[string]map[string]*member),
		chats:     make(map[string]map[string]struct{}),
	}
}

func subKey(connID, chatID string) string {
	return "chat:" + connID + ":" + chatID
}

// Join subscribes a session to a conversation's broadcast group. Joining a
// group the session is already in with a live subscription is a no-op, so a
// reconnect-driven duplicate join can never create a second subscription (and
// thus double delivery); joining again after the transport subscription
// failed retries it. A subscription failure is logged but does not fail the
// join: the session stays in the local group and keeps receiving
// local-process events until a later join relinks it.
func (b *Broadcaster) Join(chatID, connID string, deliver DeliverFunc) {
	b.mu.Lock()
	group, ok := b.groups[chatID]
	if !ok {
		group = make(map[string]*member)
		b.groups[chatID] = group
	}
	if m, dup := group[connID]; dup {
		linked := m.linked
		b.mu.Unlock()
		if !linked {
			b.link(chatID, connID, m)
		}
		return
	}
	m := &member{deliver: deliver}
	group[connID] = m
	if b.chats[connID] == nil {
		b.chats[connID] = make(map[string]struct{})
	}
	b.chats[connID][chatID] = struct{}{}
	b.mu.Unlock()

	b.link(chatID, connID, m)
}

// link establishes the member's keyed transport subscription and marks it
// live on success.
func (b *Broadcaster) link(chatID, connID string, m *member) {
	err := b.transport.Subscribe(subKey(connID, chatID), messaging.ChatSubject(chatID), func(data []byte) {
		var ev chat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("broadcast: bad event on chat=%s: %v", chatID, err)
			return
		}
		m.deliver(ev)
	})
	if err != nil {
		log.Printf("broadcast: transport subscribe chat=%s conn=%s failed, local delivery only: %v",
			chatID, connID, err)
		return
	}

	b.mu.Lock()
	m.linked = true
	b.mu.Unlock()
}

// Leave removes a session from a conversation's broadcast group and tears
// down its transport subscription. Unknown pairs are a no-op.
func (b *Broadcaster) Leave(chatID, connID string) {
	b.mu.Lock()
	if group, ok := b.groups[chatID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(b.groups, chatID)
		}
	}
	if set, ok := b.chats[connID]; ok {
		delete(set, chatID)
		if len(set) == 0 {
			delete(b.chats, connID)
		}
	}
	b.mu.Unlock()

	_ = b.transport.Unsubscribe(subKey(connID, chatID))
}

// LeaveAll removes a session from every broadcast group it belongs to.
// Called on disconnect; safe to call repeatedly.
func (b *Broadcaster) LeaveAll(connID string) {
	b.mu.RLock()
	chatIDs := make([]string, 0, len(b.chats[connID]))
	for chatID := range b.chats[connID] {
		chatIDs = append(chatIDs, chatID)
	}
	b.mu.RUnlock()

	for _, chatID := range chatIDs {
		b.Leave(chatID, connID)
	}
}

// Subscribed reports whether the session is in the conversation's group.
func (b *Broadcaster) Subscribed(chatID, connID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.groups[chatID][connID]
	return ok
}

// Publish delivers an event to every session in the conversation's broadcast
// group across all processes. Transport failure degrades to local-only
// delivery and never surfaces to the caller.
func (b *Broadcaster) Publish(chatID string, ev chat.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("broadcast: marshal event chat=%s: %v", chatID, err)
		return
	}

	if err := b.transport.Publish(messaging.ChatSubject(chatID), data); err != nil {
		metrics.PublishDegradations.Inc()
		log.Printf("broadcast: transport unavailable for chat=%s, delivering local-only: %v", chatID, err)
		b.deliverLocal(chatID, ev, false)
		return
	}

	// Members whose transport subscription never came up would otherwise
	// miss events published in their own process.
	b.deliverLocal(chatID, ev, true)
}

// deliverLocal fans an event out to local members of the group, bypassing the
// transport: to every member when the publish itself failed, or to unlinked
// members only after a healthy publish (linked members receive the event
// through their own subscriptions).
func (b *Broadcaster) deliverLocal(chatID string, ev chat.Event, onlyUnlinked bool) {
	b.mu.RLock()
	delivers := make([]DeliverFunc, 0, len(b.groups[chatID]))
	for _, m := range b.groups[chatID] {
		if onlyUnlinked && m.linked {
			continue
		}
		delivers = append(delivers, m.deliver)
	}
	b.mu.RUnlock()

	for _, d := range delivers {
		d(ev)
	}
}
