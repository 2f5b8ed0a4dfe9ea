package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat4all-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository resolves conversations and their membership. The
// fan-out consumer uses Members to turn a conversation id into recipients.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv models.Conversation, memberIDs []string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	Members(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// ConversationRepo is a sqlx-backed repository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateConversation stores a conversation and its member set. The creator is
// always a member.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv models.Conversation, memberIDs []string) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer tx.Rollback()

	var stored models.Conversation
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (id, type, name, created_by)
        VALUES ($1, $2, $3, $4)
        RETURNING id, type, name, created_by, created_at`,
		conv.ID, conv.Type, conv.Name, conv.CreatedBy).StructScan(&stored)
	if err != nil {
		return models.Conversation{}, err
	}

	seen := map[string]struct{}{}
	members := append([]string{conv.CreatedBy}, memberIDs...)
	for _, userID := range members {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, user_id)
            VALUES ($1, $2) ON CONFLICT DO NOTHING`, conv.ID, userID); err != nil {
			return models.Conversation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return stored, nil
}

// GetConversation retrieves a conversation.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, type, name, created_by, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// Members returns all member user ids of a conversation.
func (r *ConversationRepo) Members(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM conversation_members WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return ids, err
}

// IsMember reports whether the user belongs to the conversation.
func (r *ConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM conversation_members WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	return count > 0, err
}
