// Package registry tracks the connections attached to this process and fans
// queue events out to them. It is the only mutual-exclusion-sensitive
// structure in the gateway.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"chat_gateway/internal/domain"
)

// Handle is the live transport side of a registered connection. Send must not
// block; a send error marks the connection dead and Close tears the transport
// down so its session can finish.
type Handle interface {
	Send(payload []byte) error
	Close() error
}

type connection struct {
	userID string
	handle Handle
}

// Registry is the per-process connection set, keyed by user_id. It is injected
// into sessions and the broadcast worker; never shared as ambient state.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	log   zerolog.Logger
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*connection),
		log:   log,
	}
}

// Register adds or replaces the entry for userID. The transport handshake
// must already be complete: anything registered is visible to the next
// DeliverAll pass.
func (r *Registry) Register(userID string, h Handle) {
	r.mu.Lock()
	r.conns[userID] = &connection{userID: userID, handle: h}
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Info().Str("user_id", userID).Int("total", total).Msg("connection registered")
}

// Remove deletes the entry if present and reports whether it was. Safe to
// call repeatedly and from concurrent broadcast failures; the return value
// gates the presence decrement, so it must be true exactly once per
// registration.
func (r *Registry) Remove(userID string) bool {
	r.mu.Lock()
	_, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("user_id", userID).Int("total", total).Msg("connection removed")
	}
	return ok
}

// Len reports the number of locally attached connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DeliverAll sends the event to a snapshot of the current connections,
// annotating each copy with from_self for its recipient. A failed send never
// aborts the rest of the pass; the failing connection is removed and its
// transport closed. Entries removed mid-pass are skipped, so no connection
// receives an event after its Remove has completed.
func (r *Registry) DeliverAll(ev domain.Event) {
	r.mu.RLock()
	snapshot := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	var failed []*connection
	for _, conn := range snapshot {
		payload, err := json.Marshal(domain.OutboundEvent{
			Event:    ev,
			FromSelf: ev.SenderID != "" && ev.SenderID == conn.userID,
		})
		if err != nil {
			r.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal outbound event")
			continue
		}
		if !r.send(conn, payload) {
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		if r.Remove(conn.userID) {
			r.log.Warn().Str("user_id", conn.userID).Msg("connection dropped after failed delivery")
			conn.handle.Close()
		}
	}
}

// send delivers one payload while holding the read lock, re-checking that the
// entry is still the registered one. A Remove that completed before this call
// wins; a Remove issued during it waits for the write lock.
func (r *Registry) send(conn *connection, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current, ok := r.conns[conn.userID]
	if !ok || current != conn {
		return true // removed or replaced mid-pass; nothing to deliver, nothing to clean up
	}
	return conn.handle.Send(payload) == nil
}
