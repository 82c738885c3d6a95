// Package presence implements the presence publisher: it turns session
// registry edges into system-wide user_status_change notifications, persisting
// the transition before publishing so a client that reads last-seen after
// receiving the event always sees consistent data.
//
// Presence is global, not conversation-scoped: every connected session
// receives every transition. Delivery is best-effort — a transition missed by
// a session is supplanted by the next one, so there are no retries.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Trabajadores202/work-flow-connect-23/internal/chat"
	"github.com/Trabajadores202/work-flow-connect-23/internal/messaging"
	"github.com/Trabajadores202/work-flow-connect-23/internal/metrics"
	"github.com/Trabajadores202/work-flow-connect-23/internal/store"
)

// StatusStore is the slice of the persistence contract presence needs.
type StatusStore interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
	SetOnlineStatus(ctx context.Context, userID string, online bool) error
}

var _ StatusStore = (store.Store)(nil)

// Publisher persists and publishes presence transitions.
type Publisher struct {
	store     StatusStore
	transport messaging.Transport
	counter   *Counter // nil when running without Redis

	// deliverLocal fans a transition out to this process's sessions when
	// the transport is unreachable. Set by the gateway to the same handler
	// its presence subscription uses.
	deliverLocal func(ev chat.StatusEvent)

	now func() time.Time
}

// NewPublisher creates a Publisher. counter may be nil, in which case local
// registry edges are treated as cluster-wide (single-process semantics).
func NewPublisher(st StatusStore, transport messaging.Transport, counter *Counter) *Publisher {
	return &Publisher{
		store:     st,
		transport: transport,
		counter:   counter,
		now:       time.Now,
	}
}

// SetLocalDelivery registers the local fan-out used on the degraded path.
func (p *Publisher) SetLocalDelivery(fn func(ev chat.StatusEvent)) {
	p.deliverLocal = fn
}

// SessionOpened records a new session for the identity. localFirst is the
// registry's 0->1 edge for this process; when a cluster counter is available
// it refines the edge cluster-wide, and on counter failure the local edge is
// used (fail-open, logged).
func (p *Publisher) SessionOpened(ctx context.Context, userID string, localFirst bool) {
	first := localFirst
	if p.counter != nil {
		f, err := p.counter.Incr(ctx, userID)
		if err != nil {
			log.Printf("presence: counter unavailable for user=%s, using local edge: %v", userID, err)
		} else {
			first = f
		}
	}
	if !first {
		return
	}

	// Persist before publish: a reader reacting to the event must see the
	// new status.
	if err := p.store.SetOnlineStatus(ctx, userID, true); err != nil {
		log.Printf("presence: persist online user=%s: %v", userID, err)
		return
	}

	metrics.PresenceTransitions.WithLabelValues("online").Inc()
	p.publish(chat.StatusEvent{
		UserID:   userID,
		IsOnline: true,
		LastSeen: p.now().UnixMilli(),
	})
}

// SessionClosed records a closed session for the identity. localLast is the
// registry's 1->0 edge for this process, refined cluster-wide when a counter
// is available. The last-seen timestamp is persisted before the offline
// event is published.
func (p *Publisher) SessionClosed(ctx context.Context, userID string, localLast bool) {
	last := localLast
	if p.counter != nil {
		l, err := p.counter.Decr(ctx, userID)
		if err != nil {
			log.Printf("presence: counter unavailable for user=%s, using local edge: %v", userID, err)
		} else {
			last = l
		}
	}
	if !last {
		return
	}

	at := p.now()
	if err := p.store.UpdateLastSeen(ctx, userID, at); err != nil {
		log.Printf("presence: persist last-seen user=%s: %v", userID, err)
		return
	}
	if err := p.store.SetOnlineStatus(ctx, userID, false); err != nil {
		log.Printf("presence: persist offline user=%s: %v", userID, err)
		return
	}

	metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	p.publish(chat.StatusEvent{
		UserID:   userID,
		IsOnline: false,
		LastSeen: at.UnixMilli(),
	})
}

// publish sends the transition to all processes, falling back to local-only
// delivery when the transport is unreachable.
func (p *Publisher) publish(ev chat.StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("presence: marshal status event user=%s: %v", ev.UserID, err)
		return
	}

	if err := p.transport.Publish(messaging.SubjectPresence, data); err != nil {
		metrics.PublishDegradations.Inc()
		log.Printf("presence: transport unavailable, delivering local-only: %v", err)
		if p.deliverLocal != nil {
			p.deliverLocal(ev)
		}
	}
}
