package hub

import (
	"sync"

	"github.com/chadreview/relay/pkg/logger"
)

// Registry maps instance ids to live connection handles. At most one handle
// exists per id; registering over an existing id displaces the old handle.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Handle)}
}

// Register inserts h, returning any handle it displaced. The swap is atomic;
// the displaced handle's termination signal is fired before returning so its
// session starts tearing down promptly. Its deregister call will no-op
// because the token no longer matches.
func (r *Registry) Register(h *Handle) *Handle {
	r.mu.Lock()
	old := r.conns[h.instanceID]
	r.conns[h.instanceID] = h
	r.mu.Unlock()

	if old != nil {
		old.displace()
		logger.Info("session displaced", logger.Fields{
			"instance_id": h.instanceID,
			"old_token":   old.token,
			"new_token":   h.token,
		})
	}
	return old
}

// Lookup returns the handle registered for instanceID, if any.
func (r *Registry) Lookup(instanceID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.conns[instanceID]
	return h, ok
}

// Deregister removes the entry for instanceID only when the registered
// handle's token matches, so a late-exiting superseded session cannot evict
// its successor. It reports whether an entry was removed and is idempotent.
func (r *Registry) Deregister(instanceID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.conns[instanceID]
	if !ok || h.token != token {
		return false
	}
	delete(r.conns, instanceID)
	return true
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// DisplaceAll fires every registered handle's termination signal. Sessions
// observe it, drain, and deregister themselves; used for server shutdown.
func (r *Registry) DisplaceAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.displace()
	}
}
