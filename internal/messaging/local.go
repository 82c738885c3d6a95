package messaging

import "sync"

// LocalBus implements Transport entirely in-process. It is the degenerate
// single-process configuration of the fan-out design and the transport used
// by tests: when the process count is fixed at one, no broker is needed, but
// the broadcaster code path stays identical.
type LocalBus struct {
	mu     sync.Mutex
	byKey  map[string]string            // key -> subject
	bySubj map[string]map[string]func([]byte) // subject -> key -> handler
}

// NewLocalBus creates an empty in-process transport.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		byKey:  make(map[string]string),
		bySubj: make(map[string]map[string]func([]byte)),
	}
}

// Publish delivers data synchronously to every handler subscribed to the
// subject, in subscription-key-stable but unspecified order. Synchronous
// delivery preserves publish order per subject, matching the Transport
// ordering contract.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	handlers := make([]func([]byte), 0, len(b.bySubj[subject]))
	for _, h := range b.bySubj[subject] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers a handler for the subject under the given key,
// replacing any existing subscription with that key.
func (b *LocalBus) Subscribe(key, subject string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(key)
	b.byKey[key] = subject
	if b.bySubj[subject] == nil {
		b.bySubj[subject] = make(map[string]func([]byte))
	}
	b.bySubj[subject][key] = handler
	return nil
}

// Unsubscribe removes the subscription registered under key; unknown keys
// are a no-op.
func (b *LocalBus) Unsubscribe(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(key)
	return nil
}

// HasSubscription reports whether a subscription is registered under key.
func (b *LocalBus) HasSubscription(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byKey[key]
	return ok
}

func (b *LocalBus) removeLocked(key string) {
	subject, ok := b.byKey[key]
	if !ok {
		return
	}
	delete(b.byKey, key)
	if handlers := b.bySubj[subject]; handlers != nil {
		delete(handlers, key)
		if len(handlers) == 0 {
			delete(b.bySubj, subject)
		}
	}
}
