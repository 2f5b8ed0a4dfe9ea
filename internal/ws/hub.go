package ws

import (
	"log"
	"sync"

	"chat4all-service/internal/models"
	"chat4all-service/internal/observability"
)

type client struct {
	conn Conn
	info ConnInfo
}

// Hub is the connection registry. It tracks live connections per user (a user
// owns one connection per device) and routes outbound events user-addressed.
// A dead connection is reaped on send failure and never aborts delivery to the
// user's other connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*client            // connection id -> client
	users map[string]map[string]*client // user id -> connection id -> client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*client),
		users: make(map[string]map[string]*client),
	}
}

// Register associates a connection with its owning user and returns the fresh
// connection id. The user becomes reachable for push delivery.
func (h *Hub) Register(conn Conn, info ConnInfo) string {
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cl := &client{conn: conn, info: info}
	h.conns[info.ConnID] = cl
	if _, ok := h.users[info.UserID]; !ok {
		h.users[info.UserID] = make(map[string]*client)
	}
	h.users[info.UserID][info.ConnID] = cl
	return info.ConnID
}

// Unregister removes a connection. Idempotent: unknown or already-removed ids
// are a no-op.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID)
}

func (h *Hub) removeLocked(connID string) {
	cl, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	if owned, ok := h.users[cl.info.UserID]; ok {
		delete(owned, connID)
		if len(owned) == 0 {
			delete(h.users, cl.info.UserID)
		}
	}
}

// SendToUser pushes an event to every live connection of a user. A failed
// send closes and unregisters that connection and the loop continues.
func (h *Hub) SendToUser(userID string, event models.WSEvent) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.users[userID]))
	for _, cl := range h.users[userID] {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()

	h.push(targets, event)
}

// Broadcast pushes an event to every live connection except those owned by
// excludeUserID. Same dead-connection cleanup as SendToUser.
func (h *Hub) Broadcast(event models.WSEvent, excludeUserID string) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.conns))
	for _, cl := range h.conns {
		if cl.info.UserID == excludeUserID {
			continue
		}
		targets = append(targets, cl)
	}
	h.mu.RUnlock()

	h.push(targets, event)
}

func (h *Hub) push(targets []*client, event models.WSEvent) {
	for _, cl := range targets {
		if err := cl.conn.Send(event); err != nil {
			log.Printf("websocket write error: conn=%s user=%s: %v", cl.info.ConnID, cl.info.UserID, err)
			cl.conn.Close()
			h.Unregister(cl.info.ConnID)
			// Closing the conn wakes its read loop, which decrements the
			// active gauge on exit.
			observability.IncWSEvent("ws_error")
		}
	}
}

// ConnectionCount reports the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
