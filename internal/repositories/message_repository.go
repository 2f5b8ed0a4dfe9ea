package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat4all-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the durable record store boundary for messages. The
// store owns sequence assignment: CreateMessage allocates the next
// per-conversation sequence number atomically with the insert.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	GetByClientMsgID(ctx context.Context, conversationID, clientMsgID string) (models.Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, sequence_number, client_msg_id, message_type, payload_text, file_id, channels, sent_at`

// CreateMessage persists a message, assigning its sequence number inside the
// same transaction. The sequence upsert takes a row lock on the conversation
// counter, so two concurrent submissions to the same conversation serialize
// and never share a number. Returns (message, created): a duplicate
// client_msg_id resolves to the already-stored message with created=false.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversation_sequences (conversation_id, last_seq)
        VALUES ($1, 1)
        ON CONFLICT (conversation_id) DO UPDATE SET last_seq = conversation_sequences.last_seq + 1
        RETURNING last_seq`, msg.ConversationID).Scan(&seq)
	if err != nil {
		return models.Message{}, false, err
	}

	var stored models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, sequence_number, client_msg_id, message_type, payload_text, file_id, channels)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.SenderID, seq, msg.ClientMsgID, msg.Type, msg.Text, msg.FileID, msg.Channels).
		StructScan(&stored)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Caller retried: return the original message untouched.
			existing, lookupErr := r.GetByClientMsgID(ctx, msg.ConversationID, msg.ClientMsgID)
			if lookupErr != nil {
				return models.Message{}, false, lookupErr
			}
			return existing, false, nil
		}
		return models.Message{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	return stored, true, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetByClientMsgID resolves a caller-retry duplicate to its original message.
func (r *MessageRepo) GetByClientMsgID(ctx context.Context, conversationID, clientMsgID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 AND client_msg_id=$2`, conversationID, clientMsgID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListConversationMessages returns a page of messages, newest first.
func (r *MessageRepo) ListConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1
        ORDER BY sequence_number DESC
        LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	return msgs, err
}
