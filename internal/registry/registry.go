// Package registry tracks live client connections by id and pushes outbound
// messages to them.
package registry

import (
	"sync"

	"github.com/hirewise/peerrelay/internal/obs"
	"github.com/hirewise/peerrelay/internal/protocol"
	"github.com/hirewise/peerrelay/internal/util"
)

// Endpoint is the outbound half of one connection. Enqueue must not block;
// it returns false when the frame could not be accepted (connection closing
// or outbox full).
type Endpoint interface {
	Enqueue(frame []byte) bool
}

// Registry maintains the id → endpoint table. It owns no matching logic.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
	}
}

// Add registers ep under id, replacing any previous endpoint.
func (r *Registry) Add(id string, ep Endpoint) {
	r.mu.Lock()
	r.endpoints[id] = ep
	n := len(r.endpoints)
	r.mu.Unlock()
	obs.ConnectedClients.Set(float64(n))
}

// Remove unregisters id. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.endpoints, id)
	n := len(r.endpoints)
	r.mu.Unlock()
	obs.ConnectedClients.Set(float64(n))
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// Send encodes one message and hands it to the endpoint registered under id.
// A push to an unknown or saturated connection is dropped and reported as
// false; it is never an error for the caller.
func (r *Registry) Send(id string, typ protocol.MessageType, payload any) bool {
	r.mu.RLock()
	ep, ok := r.endpoints[id]
	r.mu.RUnlock()

	if !ok {
		util.LogDebug("[%s] push %s dropped: connection gone", id, typ)
		obs.DroppedPushesTotal.WithLabelValues("unknown").Inc()
		return false
	}

	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		util.LogError("[%s] failed to encode %s: %v", id, typ, err)
		return false
	}

	if !ep.Enqueue(frame) {
		util.LogDebug("[%s] push %s dropped: outbox unavailable", id, typ)
		obs.DroppedPushesTotal.WithLabelValues("outbox").Inc()
		return false
	}
	return true
}
