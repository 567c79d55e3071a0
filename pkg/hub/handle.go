// Package hub implements the relay's connection core: the instance-keyed
// registry of live WebSocket sessions, the per-connection subscription index,
// and the session loop that owns each socket.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadreview/relay/pkg/event"
	"github.com/chadreview/relay/pkg/protocol"
)

// Handle is the shared face of a connected session: the ingress path enqueues
// through it and checks subscriptions on it, while the owning session mutates
// the subscription set and drains the queue. The send channel has a single
// consumer (the session); any holder may enqueue.
type Handle struct {
	instanceID string
	token      string
	createdAt  time.Time

	send      chan protocol.ServerMessage
	displaced chan struct{}
	once      sync.Once

	mu   sync.RWMutex
	subs map[event.PrKey]struct{}
}

// NewHandle creates a handle for instanceID with a bounded outbound queue.
// The identity token is fresh per handle; the registry uses it to tell a
// superseded session from its successor.
func NewHandle(instanceID string, queueCapacity int) *Handle {
	return &Handle{
		instanceID: instanceID,
		token:      uuid.NewString(),
		createdAt:  time.Now(),
		send:       make(chan protocol.ServerMessage, queueCapacity),
		displaced:  make(chan struct{}),
		subs:       make(map[event.PrKey]struct{}),
	}
}

// InstanceID returns the routing key this handle is registered under.
func (h *Handle) InstanceID() string { return h.instanceID }

// Token returns the handle's identity token.
func (h *Handle) Token() string { return h.token }

// CreatedAt returns when the handle was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Subscribe adds key to the subscription set. Idempotent.
func (h *Handle) Subscribe(key event.PrKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[key] = struct{}{}
}

// Unsubscribe removes key from the subscription set. Unknown keys are a
// silent no-op.
func (h *Handle) Unsubscribe(key event.PrKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, key)
}

// Subscribed reports whether key is in the subscription set.
func (h *Handle) Subscribed(key event.PrKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[key]
	return ok
}

// SubscriptionCount returns the current size of the subscription set.
func (h *Handle) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// TrySend enqueues msg without blocking. It returns false when the queue is
// full; the caller decides what dropping means.
func (h *Handle) TrySend(msg protocol.ServerMessage) bool {
	select {
	case h.send <- msg:
		return true
	default:
		return false
	}
}

// Outbound returns the consumer end of the queue. The owning session is the
// only receiver during normal operation.
func (h *Handle) Outbound() <-chan protocol.ServerMessage {
	return h.send
}

// Displaced returns a channel closed when a newer session registers under the
// same instance id (or the server shuts the session down).
func (h *Handle) Displaced() <-chan struct{} {
	return h.displaced
}

// displace fires the one-shot termination signal. Safe to call repeatedly.
func (h *Handle) displace() {
	h.once.Do(func() { close(h.displaced) })
}
