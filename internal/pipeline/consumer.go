package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"chat4all-service/internal/models"
	"chat4all-service/internal/observability"
	"chat4all-service/internal/repositories"
	"chat4all-service/internal/status"
)

// Consumer is the fan-out half of the pipeline. It resolves recipients from
// conversation membership, drives one delivery attempt per recipient per
// requested channel, and pushes applied transitions to live clients.
// Redelivered events converge: already-recorded outcomes come back Superseded
// and are not re-pushed.
type Consumer struct {
	convs      repositories.ConversationRepository
	tracker    *status.Tracker
	connectors *Connectors
	pusher     Pusher
	timeout    time.Duration
}

// NewConsumer constructs the fan-out consumer. timeout bounds each channel
// delivery attempt; a timed-out attempt counts as failed.
func NewConsumer(convs repositories.ConversationRepository, tracker *status.Tracker, connectors *Connectors, pusher Pusher, timeout time.Duration) *Consumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Consumer{
		convs:      convs,
		tracker:    tracker,
		connectors: connectors,
		pusher:     pusher,
		timeout:    timeout,
	}
}

// HandleMessageEvent fans one message out across its requested channels.
func (c *Consumer) HandleMessageEvent(ctx context.Context, event models.MessageEvent) error {
	msg := event.Message

	members, err := c.convs.Members(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	for _, recipientID := range members {
		if recipientID == msg.SenderID {
			continue
		}
		pushedMessage := false
		for _, channel := range msg.Channels {
			// Any recorded state means an attempt already ran for this
			// record; a redelivered or republished event must not hit the
			// channel again.
			if _, ok := c.tracker.CurrentState(msg.ID, recipientID, channel); ok {
				continue
			}
			state := c.attempt(ctx, msg, recipientID, channel)
			applied := c.record(msg, recipientID, channel, state)
			// The recipient gets the message itself once, on its first
			// applied DELIVERED. Redelivered events come back Superseded
			// and never re-push.
			if applied && state == models.StateDelivered && !pushedMessage {
				c.pusher.SendToUser(recipientID, models.WSEvent{Type: "new_message", Message: &msg})
				pushedMessage = true
			}
		}
	}
	return nil
}

func (c *Consumer) attempt(ctx context.Context, msg models.Message, recipientID, channel string) models.DeliveryState {
	connector, ok := c.connectors.Lookup(channel)
	if !ok {
		// Submission validates channels, so this only happens when the
		// connector set changed between publish and consume.
		log.Printf("fanout: no connector for channel=%s message=%s", channel, msg.ID)
		return models.StateFailed
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := connector.Deliver(attemptCtx, channel, msg, recipientID)
	cancel()

	if err != nil {
		log.Printf("fanout: delivery failed message=%s recipient=%s channel=%s: %v", msg.ID, recipientID, channel, err)
		observability.IncDeliveryAttempt(channel, "failed")
		return models.StateFailed
	}

	observability.IncDeliveryAttempt(channel, "delivered")
	return models.StateDelivered
}

// record applies the transition and pushes it to sender and recipient when it
// actually moved the state forward. Superseded outcomes are dropped so
// redelivered stream events never duplicate UI updates.
func (c *Consumer) record(msg models.Message, recipientID, channel string, state models.DeliveryState) bool {
	now := time.Now().UTC()
	if c.tracker.RecordTransition(msg.ID, recipientID, channel, state, now) != status.Applied {
		return false
	}

	event := models.WSEvent{
		Type: models.EventStatusUpdate,
		Status: &models.StatusEvent{
			EventType:   models.EventStatusUpdate,
			MessageID:   msg.ID,
			RecipientID: recipientID,
			Channel:     channel,
			Status:      state,
			Timestamp:   now,
		},
	}
	c.pusher.SendToUser(msg.SenderID, event)
	c.pusher.SendToUser(recipientID, event)
	return true
}
