package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat4all-service/internal/models"
	"chat4all-service/internal/pipeline"
	"chat4all-service/internal/repositories"
	"chat4all-service/internal/status"
)

// FileChecker reports whether a file id names a completed upload.
type FileChecker interface {
	IsCompleted(fileID string) bool
}

// MessageHandler exposes the submission and query endpoints of the pipeline.
type MessageHandler struct {
	service  *pipeline.Service
	messages repositories.MessageRepository
	convs    repositories.ConversationRepository
	tracker  *status.Tracker
	files    FileChecker
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(service *pipeline.Service, messages repositories.MessageRepository, convs repositories.ConversationRepository, tracker *status.Tracker, files FileChecker) *MessageHandler {
	return &MessageHandler{
		service:  service,
		messages: messages,
		convs:    convs,
		tracker:  tracker,
		files:    files,
	}
}

// CreateConversation stores a conversation with its member set.
func (h *MessageHandler) CreateConversation(c *gin.Context) {
	var req struct {
		Type      string   `json:"type"`
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = "private"
	}

	userID := c.GetString("userID")
	conv, err := h.convs.CreateConversation(c.Request.Context(), models.Conversation{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Name:      req.Name,
		CreatedBy: userID,
	}, req.MemberIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// SubmitMessage accepts a message and returns its assigned identity. Fan-out
// is asynchronous; the response only confirms acceptance.
func (h *MessageHandler) SubmitMessage(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	var req struct {
		ClientMsgID string   `json:"client_msg_id"`
		Type        string   `json:"type"`
		Text        string   `json:"text"`
		FileID      string   `json:"file_id"`
		Channels    []string `json:"channels" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgType := models.MessageType(req.Type)
	if msgType == models.MessageFile && !h.files.IsCompleted(req.FileID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_id does not name a completed upload"})
		return
	}

	msg, err := h.service.Submit(c.Request.Context(), pipeline.SubmitRequest{
		ConversationID: conversationID,
		SenderID:       c.GetString("userID"),
		ClientMsgID:    req.ClientMsgID,
		Type:           msgType,
		Text:           req.Text,
		FileID:         req.FileID,
		Channels:       req.Channels,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyChannels),
			errors.Is(err, pipeline.ErrUnknownChannel),
			errors.Is(err, pipeline.ErrEmptyPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, pipeline.ErrNotMember):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		case errors.Is(err, repositories.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit message"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message_id":      msg.ID,
		"sequence_number": msg.SequenceNumber,
		"status":          models.StateSent,
		"sent_at":         msg.SentAt,
	})
}

// GetMessage returns one message to a conversation member.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	msg, ok := h.loadMessageForCaller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, msg)
}

// GetMessageStatus returns the full delivery history of a message.
func (h *MessageHandler) GetMessageStatus(c *gin.Context) {
	msg, ok := h.loadMessageForCaller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID, "statuses": h.tracker.History(msg.ID)})
}

// MarkRead records a read receipt from the caller for one channel.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	var req struct {
		Channel string `json:"channel" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.service.MarkRead(c.Request.Context(), c.Param("message_id"), c.GetString("userID"), req.Channel)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrMessageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		case errors.Is(err, pipeline.ErrNotMember):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		case errors.Is(err, pipeline.ErrUnknownChannel):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record read receipt"})
		}
		return
	}

	applied := outcome == status.Applied
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

// ListMessages returns a page of conversation messages, newest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	userID := c.GetString("userID")

	member, err := h.convs.IsMember(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	msgs, err := h.messages.ListConversationMessages(c.Request.Context(), conversationID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": len(msgs), "messages": msgs, "has_next": len(msgs) == limit})
}

func (h *MessageHandler) loadMessageForCaller(c *gin.Context) (models.Message, bool) {
	msg, err := h.messages.GetMessage(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		}
		return models.Message{}, false
	}

	member, err := h.convs.IsMember(c.Request.Context(), msg.ConversationID, c.GetString("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return models.Message{}, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return models.Message{}, false
	}
	return msg, true
}
