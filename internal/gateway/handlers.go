package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Trabajadores202/work-flow-connect-23/internal/chat"
	"github.com/Trabajadores202/work-flow-connect-23/internal/metrics"
	"github.com/Trabajadores202/work-flow-connect-23/internal/protocol"
	"github.com/Trabajadores202/work-flow-connect-23/internal/ratelimit"
	"github.com/Trabajadores202/work-flow-connect-23/internal/store"
)

// handleSendMessage validates, authorizes, persists and fans out a chat
// message. Persistence strictly precedes broadcast: a failed or timed-out
// write surfaces as an error to the sender only and nothing is delivered.
func (g *Gateway) handleSendMessage(cl *client, m protocol.SendMessageMsg) {
	connID := cl.conn.ID
	userID := cl.identity.ID

	if m.ChatID == "" {
		metrics.EventsTotal.WithLabelValues(protocol.TypeSendMessage, "invalid").Inc()
		g.sendError(connID, "chat_id is required")
		return
	}
	if err := chat.ValidateContent(m.Content); err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.TypeSendMessage, "invalid").Inc()
		g.sendError(connID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()

	if !g.allow(ctx, userID, ratelimit.RuleMessage) {
		metrics.EventsTotal.WithLabelValues(protocol.TypeSendMessage, "limited").Inc()
		g.sendError(connID, "sending too fast, slow down")
		return
	}

	if !g.authorize(ctx, cl, protocol.TypeSendMessage, m.ChatID) {
		return
	}

	start := time.Now()
	msg, err := g.store.CreateMessage(ctx, m.ChatID, userID, m.Content)
	metrics.PersistLatency.WithLabelValues("create_message").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.TypeSendMessage, "failed").Inc()
		log.Printf("gateway: create message conn=%s chat=%s: %v", connID, m.ChatID, err)
		g.sendError(connID, "failed to send message")
		return
	}

	metrics.EventsTotal.WithLabelValues(protocol.TypeSendMessage, "ok").Inc()
	g.broadcaster.Publish(m.ChatID, chat.Event{
		Type:   chat.EventMessage,
		ChatID: m.ChatID,
		From:   userID,
		Message: &chat.Message{
			ID:         msg.ID,
			ChatID:     msg.ChatID,
			AuthorID:   msg.Author.ID,
			AuthorName: msg.Author.Name,
			Content:    msg.Content,
			Read:       msg.Read,
			CreatedAt:  msg.CreatedAt.UnixMilli(),
		},
		Ts: msg.CreatedAt.UnixMilli(),
	})
}

// handleTyping relays a typing notice. Fire-and-forget: authorized, never
// persisted, no ordering guarantee relative to other event types.
func (g *Gateway) handleTyping(cl *client, m protocol.TypingMsg) {
	connID := cl.conn.ID

	if m.ChatID == "" {
		metrics.EventsTotal.WithLabelValues(protocol.TypeTyping, "invalid").Inc()
		g.sendError(connID, "chat_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()

	if !g.allow(ctx, cl.identity.ID, ratelimit.RuleTyping) {
		metrics.EventsTotal.WithLabelValues(protocol.TypeTyping, "limited").Inc()
		return // typing notices are droppable; no error chatter
	}

	if !g.authorize(ctx, cl, protocol.TypeTyping, m.ChatID) {
		return
	}

	metrics.EventsTotal.WithLabelValues(protocol.TypeTyping, "ok").Inc()
	g.broadcaster.Publish(m.ChatID, chat.Event{
		Type:     chat.EventTyping,
		ChatID:   m.ChatID,
		From:     cl.identity.ID,
		FromName: cl.identity.Name,
		Ts:       time.Now().UnixMilli(),
	})
}

// handleMarkRead marks the sender's unread messages in the chat as read in
// storage, then publishes a read receipt so other members can clear unread
// indicators. Publishing even when zero rows changed keeps the receipt
// idempotent for receivers and lets the reader's other tabs clear badges.
func (g *Gateway) handleMarkRead(cl *client, m protocol.MarkReadMsg) {
	connID := cl.conn.ID
	userID := cl.identity.ID

	if m.ChatID == "" {
		metrics.EventsTotal.WithLabelValues(protocol.TypeMarkRead, "invalid").Inc()
		g.sendError(connID, "chat_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()

	if !g.authorize(ctx, cl, protocol.TypeMarkRead, m.ChatID) {
		return
	}

	start := time.Now()
	n, err := g.store.MarkMessagesRead(ctx, m.ChatID, userID)
	metrics.PersistLatency.WithLabelValues("mark_read").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.TypeMarkRead, "failed").Inc()
		log.Printf("gateway: mark read conn=%s chat=%s: %v", connID, m.ChatID, err)
		g.sendError(connID, "failed to mark messages read")
		return
	}

	metrics.EventsTotal.WithLabelValues(protocol.TypeMarkRead, "ok").Inc()
	log.Printf("gateway: marked %d messages read conn=%s chat=%s", n, connID, m.ChatID)

	g.broadcaster.Publish(m.ChatID, chat.Event{
		Type:   chat.EventRead,
		ChatID: m.ChatID,
		From:   userID,
		Ts:     time.Now().UnixMilli(),
	})
}

// handleJoinChat subscribes the session to a conversation after a live
// membership re-check that bypasses the cached snapshot — a stale positive
// entry must never grant access after removal.
func (g *Gateway) handleJoinChat(cl *client, m protocol.JoinChatMsg) {
	connID := cl.conn.ID
	userID := cl.identity.ID

	if m.ChatID == "" {
		metrics.EventsTotal.WithLabelValues(protocol.TypeJoinChat, "invalid").Inc()
		g.sendError(connID, "chat_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()

	member, err := g.members.Refresh(ctx, userID, m.ChatID)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.TypeJoinChat, "failed").Inc()
		log.Printf("gateway: join re-check conn=%s chat=%s: %v", connID, m.ChatID, err)
		g.sendError(connID, "could not verify chat membership")
		return
	}
	if !member {
		metrics.EventsTotal.WithLabelValues(protocol.TypeJoinChat, "denied").Inc()
		// Distinguish a missing chat from a membership denial.
		if _, ferr := g.store.FindConversation(ctx, m.ChatID); errors.Is(ferr, store.ErrNotFound) {
			g.sendError(connID, "chat not found")
			return
		}
		g.sendError(connID, "not a member of this chat")
		return
	}

	metrics.EventsTotal.WithLabelValues(protocol.TypeJoinChat, "ok").Inc()
	g.broadcaster.Join(m.ChatID, connID, g.deliverFor(cl))
}

// authorize checks membership via the index (cache, then live fallback) and
// reports the denial or failure to the sender. Returns true when the event
// may proceed.
func (g *Gateway) authorize(ctx context.Context, cl *client, event, chatID string) bool {
	member, err := g.members.IsMember(ctx, cl.identity.ID, chatID)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(event, "failed").Inc()
		log.Printf("gateway: authorize conn=%s chat=%s: %v", cl.conn.ID, chatID, err)
		g.sendError(cl.conn.ID, "could not verify chat membership")
		return false
	}
	if !member {
		metrics.EventsTotal.WithLabelValues(event, "denied").Inc()
		g.sendError(cl.conn.ID, "not a member of this chat")
		return false
	}
	return true
}

// allow applies a rate-limit rule when a limiter is configured. Fails open.
func (g *Gateway) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, userID, rule)
	return ok
}

// decodeEvent unmarshals a transport fan-out event.
func decodeEvent(data []byte) (chat.Event, error) {
	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return chat.Event{}, fmt.Errorf("gateway: decode event: %w", err)
	}
	return ev, nil
}

// decodeStatusEvent unmarshals a transport presence event.
func decodeStatusEvent(data []byte) (chat.StatusEvent, error) {
	var ev chat.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return chat.StatusEvent{}, fmt.Errorf("gateway: decode status event: %w", err)
	}
	return ev, nil
}
