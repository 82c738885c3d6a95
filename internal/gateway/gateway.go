// Package gateway implements the event gateway: the single entry point that
// authenticates incoming connections, attaches them to the session registry,
// authorizes each inbound event against the membership index, and invokes the
// conversation broadcaster and persistence collaborators.
//
// Each connection runs the state machine in state.go. Failures inside one
// event handler are contained to that event and connection: the sender gets
// an error message, the session stays active, and no unpersisted data is ever
// broadcast.
package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Trabajadores202/work-flow-connect-23/internal/auth"
	"github.com/Trabajadores202/work-flow-connect-23/internal/broadcast"
	"github.com/Trabajadores202/work-flow-connect-23/internal/chat"
	"github.com/Trabajadores202/work-flow-connect-23/internal/membership"
	"github.com/Trabajadores202/work-flow-connect-23/internal/messaging"
	"github.com/Trabajadores202/work-flow-connect-23/internal/metrics"
	"github.com/Trabajadores202/work-flow-connect-23/internal/presence"
	"github.com/Trabajadores202/work-flow-connect-23/internal/protocol"
	"github.com/Trabajadores202/work-flow-connect-23/internal/ratelimit"
	"github.com/Trabajadores202/work-flow-connect-23/internal/registry"
	"github.com/Trabajadores202/work-flow-connect-23/internal/session"
	"github.com/Trabajadores202/work-flow-connect-23/internal/store"
	"github.com/Trabajadores202/work-flow-connect-23/internal/ws"
)

// Sender delivers outbound frames to this process's connections. Implemented
// by the ws server; tests substitute a recording fake.
type Sender interface {
	// Send writes a frame to one connection.
	Send(connID string, data []byte) error
	// Broadcast writes a frame to every local connection.
	Broadcast(data []byte)
	// Close force-closes a connection, running the disconnect path.
	Close(connID string)
}

// Config holds gateway timeouts.
type Config struct {
	// AuthTimeout bounds both the wait for the client's auth message and
	// the credential verification call. Connections that are not active by
	// then are forcibly closed.
	AuthTimeout time.Duration

	// PersistTimeout bounds persistence calls triggered by a single event.
	// On expiry the event fails back to the sender only and is never
	// broadcast.
	PersistTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:    10 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

// client is the gateway's per-connection state.
type client struct {
	conn *ws.Connection

	mu        sync.Mutex
	state     State
	identity  auth.Identity
	authTimer *time.Timer
}

func (c *client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Gateway wires the real-time core together.
type Gateway struct {
	cfg Config

	registry    *registry.Registry
	members     *membership.Index
	broadcaster *broadcast.Broadcaster
	presence    *presence.Publisher
	store       store.Store
	verifier    auth.Verifier
	transport   messaging.Transport
	sender      Sender
	sessions    *session.Store     // optional: nil disables connection records
	limiter     *ratelimit.Limiter // optional: nil disables flood control

	mu      sync.RWMutex
	clients map[string]*client // connID -> client
}

// Deps are the collaborators a Gateway needs.
type Deps struct {
	Registry    *registry.Registry
	Members     *membership.Index
	Broadcaster *broadcast.Broadcaster
	Presence    *presence.Publisher
	Store       store.Store
	Verifier    auth.Verifier
	Transport   messaging.Transport
	Sender      Sender
	Sessions    *session.Store
	Limiter     *ratelimit.Limiter
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	return &Gateway{
		cfg:         cfg,
		registry:    deps.Registry,
		members:     deps.Members,
		broadcaster: deps.Broadcaster,
		presence:    deps.Presence,
		store:       deps.Store,
		verifier:    deps.Verifier,
		transport:   deps.Transport,
		sender:      deps.Sender,
		sessions:    deps.Sessions,
		limiter:     deps.Limiter,
		clients:     make(map[string]*client),
	}
}

// Start registers the process-level transport subscriptions: presence
// transitions fan out to every local connection, and membership changes
// invalidate the index and re-shape local broadcast groups.
func (g *Gateway) Start() error {
	g.presence.SetLocalDelivery(g.deliverStatus)

	if err := g.transport.Subscribe("gateway:presence", messaging.SubjectPresence, g.onStatusData); err != nil {
		return err
	}
	if err := g.transport.Subscribe("gateway:membership", messaging.SubjectMembership, g.onMembershipData); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// HandleConnect is the ws server's onConnect callback. The connection enters
// CONNECTING and must authenticate within AuthTimeout or be forcibly closed.
// No shared state is touched until authentication succeeds, so an identity
// can never appear online before its credential is verified.
func (g *Gateway) HandleConnect(conn *ws.Connection) {
	cl := &client{conn: conn, state: StateConnecting}

	cl.authTimer = time.AfterFunc(g.cfg.AuthTimeout, func() {
		if cl.currentState() != StateConnecting {
			return
		}
		log.Printf("gateway: auth timeout conn=%s", conn.ID)
		g.sendError(conn.ID, "authentication timed out")
		g.sender.Close(conn.ID)
	})

	g.mu.Lock()
	g.clients[conn.ID] = cl
	g.mu.Unlock()
}

// HandleDisconnect is the ws server's onDisconnect callback. It is safe to
// call more than once per connection: only the call that actually removes the
// client runs the teardown, so duplicate disconnect notifications can never
// double-fire the offline transition.
//
// A disconnect that lands while session establishment is still in flight
// (state AUTHENTICATED) only marks the client closed. handleAuth observes the
// closed state at its commit point and runs the teardown itself, after its
// registration, group joins and presence work have all finished; tearing down
// here would interleave with those steps and leave subscriptions or a phantom
// online behind.
func (g *Gateway) HandleDisconnect(connID string) {
	g.mu.Lock()
	cl, ok := g.clients[connID]
	if ok {
		delete(g.clients, connID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	cl.mu.Lock()
	if cl.authTimer != nil {
		cl.authTimer.Stop()
	}
	prev := cl.state
	identity := cl.identity
	cl.state = StateClosed
	cl.mu.Unlock()

	switch prev {
	case StateAuthenticated:
		// Establishment owns the teardown.
		return
	case StateActive:
		g.teardownSession(connID, identity.ID)
	default:
		// Never authenticated: nothing is registered, but clear any local
		// state the connection may have left.
		g.broadcaster.LeaveAll(connID)
		g.deleteSessionRecord(connID)
	}
}

// teardownSession undoes an established session: broadcast group membership,
// the connection record, the registry entry, the membership snapshot
// reference, and, when this was the identity's last session, the presence
// offline transition. Idempotent: a second call finds nothing registered and
// stops.
func (g *Gateway) teardownSession(connID, userID string) {
	g.broadcaster.LeaveAll(connID)
	g.deleteSessionRecord(connID)

	last, removed := g.registry.Unregister(userID, connID)
	if !removed {
		return
	}
	g.members.Release(userID)
	metrics.UsersOnline.Set(float64(g.registry.OnlineCount()))

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()
	g.presence.SessionClosed(ctx, userID, last)
}

func (g *Gateway) deleteSessionRecord(connID string) {
	if g.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()
	if err := g.sessions.Delete(ctx, connID); err != nil {
		log.Printf("gateway: delete session record conn=%s: %v", connID, err)
	}
}

// clientFor returns the gateway state for a connection, or nil.
func (g *Gateway) clientFor(connID string) *client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[connID]
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// HandleMessage is the ws server's onMessage callback. It parses the frame,
// answers pings inline, routes the auth handshake, and requires an ACTIVE
// state for everything else.
func (g *Gateway) HandleMessage(conn *ws.Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("gateway: parse error conn=%s: %v", conn.ID, err)
		g.sendError(conn.ID, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		g.sendPong(conn.ID)
		return
	}

	cl := g.clientFor(conn.ID)
	if cl == nil {
		return
	}

	if msgType == protocol.TypeAuth {
		m := msg.(protocol.AuthMsg)
		g.handleAuth(cl, m)
		return
	}

	if cl.currentState() != StateActive {
		g.sendError(conn.ID, "not authenticated")
		return
	}

	g.touchSession(conn.ID)

	switch m := msg.(type) {
	case protocol.SendMessageMsg:
		g.handleSendMessage(cl, m)
	case protocol.TypingMsg:
		g.handleTyping(cl, m)
	case protocol.MarkReadMsg:
		g.handleMarkRead(cl, m)
	case protocol.JoinChatMsg:
		g.handleJoinChat(cl, m)
	default:
		g.sendError(conn.ID, "unsupported message type")
	}
}

// handleAuth verifies the credential and, on success, runs session
// establishment: register with the session registry, load the membership
// snapshot, subscribe to each known conversation's broadcast group, record
// the session, publish the presence edge, and acknowledge with ready.
func (g *Gateway) handleAuth(cl *client, m protocol.AuthMsg) {
	connID := cl.conn.ID

	cl.mu.Lock()
	if cl.state != StateConnecting {
		cl.mu.Unlock()
		g.sendError(connID, "already authenticated")
		return
	}
	cl.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.AuthTimeout)
	defer cancel()

	identity, err := g.verifier.Verify(ctx, m.Token)
	if err != nil {
		metrics.AuthFailures.Inc()
		log.Printf("gateway: auth failed conn=%s: %v", connID, err)
		g.sendError(connID, "authentication failed")
		g.sender.Close(connID)
		return
	}

	// Tokens minted before the name claim was added carry no display name.
	if identity.Name == "" {
		if u, err := g.store.FindUser(ctx, identity.ID); err == nil {
			identity.Name = u.Name
		}
	}

	cl.mu.Lock()
	if cl.state != StateConnecting {
		// Closed while we were verifying.
		cl.mu.Unlock()
		return
	}
	if cl.authTimer != nil {
		cl.authTimer.Stop()
	}
	cl.state = StateAuthenticated
	cl.identity = *identity
	cl.conn.UserID = identity.ID
	cl.mu.Unlock()

	first := g.registry.Register(identity.ID, connID)
	metrics.UsersOnline.Set(float64(g.registry.OnlineCount()))

	loadStart := time.Now()
	chats, err := g.members.Load(ctx, identity.ID)
	metrics.PersistLatency.WithLabelValues("load_memberships").Observe(time.Since(loadStart).Seconds())
	if err != nil {
		// Session establishment needs the snapshot; roll the registration
		// back and reject the connection. Marking the client closed first
		// keeps a concurrent disconnect from deferring teardown to a commit
		// point this path never reaches.
		log.Printf("gateway: membership load failed conn=%s user=%s: %v", connID, identity.ID, err)
		cl.mu.Lock()
		cl.state = StateClosed
		cl.mu.Unlock()
		g.registry.Unregister(identity.ID, connID)
		metrics.UsersOnline.Set(float64(g.registry.OnlineCount()))
		g.sendError(connID, "failed to load conversations")
		g.sender.Close(connID)
		return
	}

	for _, chatID := range chats {
		g.broadcaster.Join(chatID, connID, g.deliverFor(cl))
	}

	if g.sessions != nil {
		if err := g.sessions.Create(ctx, connID, identity.ID, identity.Name); err != nil {
			log.Printf("gateway: session record conn=%s: %v", connID, err)
		}
	}

	g.presence.SessionOpened(ctx, identity.ID, first)

	// Commit. A disconnect that arrived while the snapshot was loading or
	// the groups were being joined marked the client closed and deferred
	// teardown to this goroutine: everything established above is undone
	// again, ending with the offline transition so the presence stream
	// never finishes on a phantom online.
	cl.mu.Lock()
	closed := cl.state != StateAuthenticated
	if !closed {
		cl.state = StateActive
	}
	cl.mu.Unlock()
	if closed {
		log.Printf("gateway: connection closed during establishment conn=%s user=%s", connID, identity.ID)
		g.teardownSession(connID, identity.ID)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{UserID: identity.ID})
	if err == nil {
		_ = g.sender.Send(connID, data)
	}

	log.Printf("gateway: connection active conn=%s user=%s chats=%d", connID, identity.ID, len(chats))
}

// ---------------------------------------------------------------------------
// Outbound delivery
// ---------------------------------------------------------------------------

// deliverFor returns the broadcast delivery function for one session. It
// applies the per-identity exclusion rules: messages reach every member
// session (the sender's other tabs included), while typing notices and read
// receipts are never echoed to any session of the originating identity.
func (g *Gateway) deliverFor(cl *client) broadcast.DeliverFunc {
	connID := cl.conn.ID
	userID := cl.identity.ID

	return func(ev chat.Event) {
		var (
			data []byte
			err  error
		)

		switch ev.Type {
		case chat.EventMessage:
			if ev.Message == nil {
				return
			}
			data, err = protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
				Message: toRecord(ev.Message),
			})
		case chat.EventTyping:
			if ev.From == userID {
				return
			}
			data, err = protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
				ChatID:   ev.ChatID,
				UserID:   ev.From,
				UserName: ev.FromName,
			})
		case chat.EventRead:
			if ev.From == userID {
				return
			}
			data, err = protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
				ChatID: ev.ChatID,
				UserID: ev.From,
			})
		default:
			// Membership events are handled at process level, not per
			// session.
			return
		}

		if err != nil {
			log.Printf("gateway: build event conn=%s: %v", connID, err)
			return
		}
		_ = g.sender.Send(connID, data)
	}
}

// onStatusData handles raw presence transitions from the transport.
func (g *Gateway) onStatusData(data []byte) {
	ev, err := decodeStatusEvent(data)
	if err != nil {
		log.Printf("gateway: bad status event: %v", err)
		return
	}
	g.deliverStatus(ev)
}

// deliverStatus fans a presence transition out to every local connection.
func (g *Gateway) deliverStatus(ev chat.StatusEvent) {
	data, err := protocol.NewServerMessage(protocol.TypeUserStatusChange, protocol.UserStatusChangeMsg{
		UserID:   ev.UserID,
		IsOnline: ev.IsOnline,
		LastSeen: ev.LastSeen,
	})
	if err != nil {
		log.Printf("gateway: build status event: %v", err)
		return
	}
	g.sender.Broadcast(data)
}

// onMembershipData handles participant add/remove notifications published by
// the REST API. The index entry is invalidated so the next authorization
// check hits persistence, and local sessions of the affected identity are
// joined to or removed from the conversation's broadcast group.
func (g *Gateway) onMembershipData(data []byte) {
	ev, err := decodeEvent(data)
	if err != nil {
		log.Printf("gateway: bad membership event: %v", err)
		return
	}
	if ev.Type != chat.EventMembership {
		return
	}

	g.members.Invalidate(ev.From, ev.ChatID)

	for _, connID := range g.registry.ConnectionsFor(ev.From) {
		if ev.Added {
			if cl := g.clientFor(connID); cl != nil && cl.currentState() == StateActive {
				g.broadcaster.Join(ev.ChatID, connID, g.deliverFor(cl))
			}
		} else {
			g.broadcaster.Leave(ev.ChatID, connID)
		}
	}
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

func (g *Gateway) sendError(connID, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Message: message})
	if err != nil {
		log.Printf("gateway: build error message conn=%s: %v", connID, err)
		return
	}
	if err := g.sender.Send(connID, data); err != nil {
		log.Printf("gateway: send error message conn=%s: %v", connID, err)
	}
}

// touchSession refreshes the connection record's TTL off the event path.
func (g *Gateway) touchSession(connID string) {
	if g.sessions == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
		defer cancel()
		if err := g.sessions.Touch(ctx, connID); err != nil {
			log.Printf("gateway: touch session conn=%s: %v", connID, err)
		}
	}()
}

func (g *Gateway) sendPong(connID string) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return
	}
	_ = g.sender.Send(connID, data)
}

// toRecord converts a transport message payload to its wire representation.
func toRecord(m *chat.Message) protocol.MessageRecord {
	return protocol.MessageRecord{
		ID:         m.ID,
		ChatID:     m.ChatID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		Read:       m.Read,
		CreatedAt:  m.CreatedAt,
	}
}
