package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat4all-service/internal/models"
)

// Conn is the transport abstraction the registry pushes events through. The
// registry never touches wire framing, so tests can register in-memory conns.
type Conn interface {
	Send(event models.WSEvent) error
	Close() error
}

// ConnInfo captures handshake metadata for a registered connection.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// wsConn adapts a gorilla websocket connection. gorilla allows a single
// concurrent writer, so Send serializes writes.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewConn wraps a websocket connection for registry use.
func NewConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(event models.WSEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
