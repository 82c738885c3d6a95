package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Trabajadores202/work-flow-connect-23/internal/chat"
	"github.com/Trabajadores202/work-flow-connect-23/internal/messaging"
)

// fakeStatusStore records persistence calls in order so tests can assert that
// persistence precedes publishing.
type fakeStatusStore struct {
	calls     []string
	onlineErr error
	seenErr   error
	lastSeen  time.Time
	online    map[string]bool
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{online: make(map[string]bool)}
}

func (f *fakeStatusStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	if f.seenErr != nil {
		return f.seenErr
	}
	f.calls = append(f.calls, "update_last_seen")
	f.lastSeen = at
	return nil
}

func (f *fakeStatusStore) SetOnlineStatus(ctx context.Context, userID string, online bool) error {
	if f.onlineErr != nil {
		return f.onlineErr
	}
	f.calls = append(f.calls, "set_online_status")
	f.online[userID] = online
	return nil
}

// downTransport fails every publish, forcing the degraded path.
type downTransport struct{}

func (downTransport) Publish(subject string, data []byte) error {
	return errors.New("transport down")
}

func (downTransport) Subscribe(key, subject string, handler func([]byte)) error {
	return errors.New("transport down")
}

func (downTransport) Unsubscribe(key string) error { return nil }
func (downTransport) HasSubscription(string) bool  { return false }

func collectStatus(t *testing.T, bus *messaging.LocalBus) *[]chat.StatusEvent {
	t.Helper()
	events := &[]chat.StatusEvent{}
	err := bus.Subscribe("test", messaging.SubjectPresence, func(data []byte) {
		var ev chat.StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad status event: %v", err)
		}
		*events = append(*events, ev)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return events
}

func TestSessionOpened_FirstConnectionPublishesOnline(t *testing.T) {
	fs := newFakeStatusStore()
	bus := messaging.NewLocalBus()
	events := collectStatus(t, bus)

	p := NewPublisher(fs, bus, nil)
	p.SessionOpened(context.Background(), "user-1", true)

	if len(*events) != 1 {
		t.Fatalf("expected 1 online event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.UserID != "user-1" || !ev.IsOnline {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !fs.online["user-1"] {
		t.Error("online status should be persisted")
	}
}

func TestSessionOpened_AdditionalConnectionIsSilent(t *testing.T) {
	fs := newFakeStatusStore()
	bus := messaging.NewLocalBus()
	events := collectStatus(t, bus)

	p := NewPublisher(fs, bus, nil)
	p.SessionOpened(context.Background(), "user-1", false) // second tab

	if len(*events) != 0 {
		t.Fatalf("non-edge open must not publish, got %d events", len(*events))
	}
	if len(fs.calls) != 0 {
		t.Errorf("non-edge open must not persist, calls=%v", fs.calls)
	}
}

func TestSessionOpened_PersistFailureSkipsPublish(t *testing.T) {
	fs := newFakeStatusStore()
	fs.onlineErr = errors.New("db down")
	bus := messaging.NewLocalBus()
	events := collectStatus(t, bus)

	p := NewPublisher(fs, bus, nil)
	p.SessionOpened(context.Background(), "user-1", true)

	if len(*events) != 0 {
		t.Fatalf("failed persist must suppress the event, got %d", len(*events))
	}
}

func TestSessionClosed_LastConnectionPublishesOffline(t *testing.T) {
	fs := newFakeStatusStore()
	bus := messaging.NewLocalBus()
	events := collectStatus(t, bus)

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPublisher(fs, bus, nil)
	p.now = func() time.Time { return fixed }

	p.SessionClosed(context.Background(), "user-1", true)

	if len(*events) != 1 {
		t.Fatalf("expected 1 offline event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.IsOnline {
		t.Error("expected offline event")
	}
	if ev.LastSeen != fixed.UnixMilli() {
		t.Errorf("event last-seen %d should match persisted timestamp %d", ev.LastSeen, fixed.UnixMilli())
	}

	// Persistence happened before the publish, in order.
	want := []string{"update_last_seen", "set_online_status"}
	if len(fs.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, fs.calls)
	}
	for i := range want {
		if fs.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, fs.calls)
		}
	}
	if !fs.lastSeen.Equal(fixed) {
		t.Errorf("persisted last-seen %v, want %v", fs.lastSeen, fixed)
	}
}

func TestSessionClosed_NonLastConnectionIsSilent(t *testing.T) {
	fs := newFakeStatusStore()
	bus := messaging.NewLocalBus()
	events := collectStatus(t, bus)

	p := NewPublisher(fs, bus, nil)
	p.SessionClosed(context.Background(), "user-1", false) // other tab still open

	if len(*events) != 0 {
		t.Fatalf("non-edge close must not publish, got %d events", len(*events))
	}
	if len(fs.calls) != 0 {
		t.Errorf("non-edge close must not persist, calls=%v", fs.calls)
	}
}

func TestSessionClosed_PersistFailureSkipsPublish(t *testing.T) {
	fs := newFakeStatusStore()
	fs.seenErr = errors.New("db down")
	bus := messaging.NewLocalBus()
	events := collectStatus(t, bus)

	p := NewPublisher(fs, bus, nil)
	p.SessionClosed(context.Background(), "user-1", true)

	if len(*events) != 0 {
		t.Fatalf("failed persist must suppress the event, got %d", len(*events))
	}
}

func TestPublish_TransportFailureDeliversLocally(t *testing.T) {
	fs := newFakeStatusStore()
	p := NewPublisher(fs, downTransport{}, nil)

	var local []chat.StatusEvent
	p.SetLocalDelivery(func(ev chat.StatusEvent) {
		local = append(local, ev)
	})

	p.SessionOpened(context.Background(), "user-1", true)

	if len(local) != 1 {
		t.Fatalf("degraded publish should use local delivery, got %d events", len(local))
	}
	if !local[0].IsOnline || local[0].UserID != "user-1" {
		t.Errorf("unexpected degraded event: %+v", local[0])
	}
	// The transition was still persisted.
	if !fs.online["user-1"] {
		t.Error("online status should be persisted before the degraded publish")
	}
}
