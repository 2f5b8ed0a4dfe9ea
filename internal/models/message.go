package models

import "time"

// MessageType distinguishes text payloads from file references.
type MessageType string

const (
	MessageText MessageType = "TEXT"
	MessageFile MessageType = "FILE"
)

// Message is a submitted message. Immutable after creation; downstream status
// records reference it by id only.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversation_id"`
	SenderID       string      `db:"sender_id" json:"sender_id"`
	SequenceNumber int64       `db:"sequence_number" json:"sequence_number"`
	ClientMsgID    string      `db:"client_msg_id" json:"client_msg_id,omitempty"`
	Type           MessageType `db:"message_type" json:"type"`
	Text           string      `db:"payload_text" json:"text,omitempty"`
	FileID         string      `db:"file_id" json:"file_id,omitempty"`
	Channels       Channels    `db:"channels" json:"channels"`
	SentAt         time.Time   `db:"sent_at" json:"sent_at"`
}

// Conversation groups the members a message fans out to.
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	Type      string    `db:"type" json:"type"`
	Name      string    `db:"name" json:"name"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
