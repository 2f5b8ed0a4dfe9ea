package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat4all-service/internal/models"
	"chat4all-service/internal/observability"
)

// TokenValidator authenticates a bearer token and returns the user id.
type TokenValidator func(ctx context.Context, token string) (string, error)

// Handler upgrades real-time connections and registers them with the hub.
type Handler struct {
	hub      *Hub
	validate TokenValidator
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, validate TokenValidator) *Handler {
	return &Handler{hub: hub, validate: validate}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and registers the client.
// The connection stays registered until the read loop observes a close or
// a push fails.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat4all-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	userID, err := h.validate(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	wrapped := NewConn(conn)
	connID := h.hub.Register(wrapped, info)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")

	// Handshake ack so the client learns its connection id.
	if err := wrapped.Send(models.WSEvent{Type: "connected", ConnID: connID, UserID: userID}); err != nil {
		h.hub.Unregister(connID)
		observability.DecWSActive()
		conn.Close()
		return
	}

	go func() {
		defer func() {
			h.hub.Unregister(connID)
			observability.DecWSActive()
			observability.IncWSEvent("ws_disconnect")
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.IncWSEvent("ws_error")
				}
				return
			}
		}
	}()
}
