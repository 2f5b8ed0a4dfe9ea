package models

import (
	"time"

	"github.com/lib/pq"
)

// Channels is the deduplicated set of delivery channels a message requests.
// pq.StringArray keeps the column round-trip with Postgres text[].
type Channels = pq.StringArray

// MessageEvent is the stream event published once per submitted message,
// keyed by conversation id so a single consumer observes submission order.
type MessageEvent struct {
	EventType string    `json:"event_type"`
	Message   Message   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is emitted after a delivery transition is applied.
type StatusEvent struct {
	EventType   string        `json:"event_type"`
	MessageID   string        `json:"message_id"`
	RecipientID string        `json:"recipient_id"`
	Channel     string        `json:"channel"`
	Status      DeliveryState `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
}

// WSEvent is the envelope pushed over live connections.
type WSEvent struct {
	Type    string       `json:"type"`
	Message *Message     `json:"message,omitempty"`
	Status  *StatusEvent `json:"status,omitempty"`
	ConnID  string       `json:"connection_id,omitempty"`
	UserID  string       `json:"user_id,omitempty"`
	Error   string       `json:"error,omitempty"`
}

const (
	EventMessageSent  = "message_sent"
	EventStatusUpdate = "status_update"
)
