package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat4all-service/internal/models"
	"chat4all-service/internal/observability"
	"chat4all-service/internal/repositories"
	"chat4all-service/internal/status"
	"chat4all-service/internal/stream"
)

var (
	ErrEmptyChannels  = errors.New("message must request at least one channel")
	ErrUnknownChannel = errors.New("unknown delivery channel")
	ErrNotMember      = errors.New("sender is not a conversation member")
	ErrEmptyPayload   = errors.New("message payload is empty")
)

// Pusher delivers real-time events to a user's live connections.
type Pusher interface {
	SendToUser(userID string, event models.WSEvent)
}

// SubmitRequest carries one message submission.
type SubmitRequest struct {
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Type           models.MessageType
	Text           string
	FileID         string
	Channels       []string
}

// Service is the submission half of the delivery pipeline: it assigns message
// identity, publishes the ordered event, and records the sender's SENT echo.
// Fan-out happens asynchronously in Consumer.
type Service struct {
	messages   repositories.MessageRepository
	convs      repositories.ConversationRepository
	publisher  stream.Publisher
	tracker    *status.Tracker
	pusher     Pusher
	connectors *Connectors
}

// NewService constructs the pipeline service.
func NewService(messages repositories.MessageRepository, convs repositories.ConversationRepository, publisher stream.Publisher, tracker *status.Tracker, pusher Pusher, connectors *Connectors) *Service {
	return &Service{
		messages:   messages,
		convs:      convs,
		publisher:  publisher,
		tracker:    tracker,
		pusher:     pusher,
		connectors: connectors,
	}
}

// Submit accepts a message once. A caller retry with the same client message
// id returns the original message without re-publishing or re-fanning-out.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Message, error) {
	channels := dedupe(req.Channels)
	if len(channels) == 0 {
		return models.Message{}, ErrEmptyChannels
	}
	if ch, ok := s.connectors.Known(channels); !ok {
		return models.Message{}, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if req.Type == models.MessageText && req.Text == "" {
		return models.Message{}, ErrEmptyPayload
	}
	if req.Type == models.MessageFile && req.FileID == "" {
		return models.Message{}, ErrEmptyPayload
	}

	if _, err := s.convs.GetConversation(ctx, req.ConversationID); err != nil {
		return models.Message{}, err
	}
	member, err := s.convs.IsMember(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return models.Message{}, err
	}
	if !member {
		return models.Message{}, ErrNotMember
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ClientMsgID:    req.ClientMsgID,
		Type:           req.Type,
		Text:           req.Text,
		FileID:         req.FileID,
		Channels:       channels,
	}

	stored, created, err := s.messages.CreateMessage(ctx, msg)
	if err != nil {
		observability.IncSubmission("error")
		return models.Message{}, err
	}
	if !created {
		// Duplicate submission: hand back the original. Publishing again
		// covers the retry after a crash between commit and publish; the
		// stream is at-least-once and fan-out converges, so a republished
		// event for an already-delivered message is a no-op downstream.
		observability.IncSubmission("duplicate")
		if err := s.publishAndEcho(ctx, stored); err != nil {
			return models.Message{}, err
		}
		return stored, nil
	}

	if err := s.publishAndEcho(ctx, stored); err != nil {
		return models.Message{}, err
	}

	observability.IncSubmission("accepted")
	return stored, nil
}

// publishAndEcho emits the ordered stream event and records the sender's SENT
// echo per channel. Both halves are idempotent: the tracker supersedes repeat
// SENT transitions and consumers skip already-recorded delivery outcomes.
func (s *Service) publishAndEcho(ctx context.Context, stored models.Message) error {
	event := models.MessageEvent{
		EventType: models.EventMessageSent,
		Message:   stored,
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, stored.ConversationID, event); err != nil {
		observability.IncSubmission("publish_error")
		return fmt.Errorf("publish message event: %w", err)
	}

	now := time.Now().UTC()
	for _, ch := range stored.Channels {
		if s.tracker.RecordTransition(stored.ID, stored.SenderID, ch, models.StateSent, now) == status.Applied {
			s.pushStatus(stored.SenderID, stored.ID, stored.SenderID, ch, models.StateSent, now)
		}
	}
	return nil
}

// MarkRead records a read receipt for one (recipient, channel) record and
// pushes the applied transition to the sender. The caller must be a
// conversation member and the channel must be one the message requested,
// otherwise a receipt could fabricate status records the pipeline never
// attempted.
func (s *Service) MarkRead(ctx context.Context, messageID, recipientID, channel string) (status.Outcome, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return status.Superseded, err
	}

	member, err := s.convs.IsMember(ctx, msg.ConversationID, recipientID)
	if err != nil {
		return status.Superseded, err
	}
	if !member {
		return status.Superseded, ErrNotMember
	}

	requested := false
	for _, ch := range msg.Channels {
		if ch == channel {
			requested = true
			break
		}
	}
	if !requested {
		return status.Superseded, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	now := time.Now().UTC()
	outcome := s.tracker.RecordTransition(messageID, recipientID, channel, models.StateRead, now)
	if outcome == status.Applied {
		s.pushStatus(msg.SenderID, messageID, recipientID, channel, models.StateRead, now)
		if recipientID != msg.SenderID {
			s.pushStatus(recipientID, messageID, recipientID, channel, models.StateRead, now)
		}
	}
	return outcome, nil
}

func (s *Service) pushStatus(userID, messageID, recipientID, channel string, state models.DeliveryState, ts time.Time) {
	s.pusher.SendToUser(userID, models.WSEvent{
		Type: models.EventStatusUpdate,
		Status: &models.StatusEvent{
			EventType:   models.EventStatusUpdate,
			MessageID:   messageID,
			RecipientID: recipientID,
			Channel:     channel,
			Status:      state,
			Timestamp:   ts,
		},
	})
}

func dedupe(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
