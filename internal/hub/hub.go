// Package hub fans lifecycle events out to the operator's websocket
// connections, keyed by identity.
package hub

import (
	"encoding/json"
	"sync"
	"time"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	IdentityKey string
	Writer      Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.IdentityKey] == nil {
		h.connections[conn.IdentityKey] = make(map[*Connection]struct{})
	}
	h.connections[conn.IdentityKey][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.IdentityKey]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.IdentityKey)
	}
}

// ConnectionCount reports how many sockets an identity has open.
func (h *Hub) ConnectionCount(identityKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[identityKey])
}

// Publish implements the event sink the automation core expects: it wraps the
// event in a JSON envelope and broadcasts to the identity's connections.
func (h *Hub) Publish(identityKey, event string, body map[string]interface{}) {
	envelope := map[string]interface{}{
		"event": event,
		"ts":    time.Now().UnixMilli(),
	}
	if body != nil {
		envelope["data"] = body
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	h.broadcast(identityKey, raw)
}

func (h *Hub) broadcast(identityKey string, message []byte) {
	h.mu.RLock()
	set := h.connections[identityKey]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
