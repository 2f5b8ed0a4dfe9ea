package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat4all-service/internal/mocks"
	"chat4all-service/internal/models"
	"chat4all-service/internal/status"
)

// blockingConnector holds every attempt until its context expires.
type blockingConnector struct{}

func (blockingConnector) Deliver(ctx context.Context, channel string, msg models.Message, recipientID string) error {
	<-ctx.Done()
	return ctx.Err()
}

func fanoutEvent(msg models.Message) models.MessageEvent {
	return models.MessageEvent{EventType: models.EventMessageSent, Message: msg, Timestamp: time.Now().UTC()}
}

func TestFanOutDeliversToEachRecipientChannel(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("Members", mock.Anything, "c1").Return([]string{"alice", "bob", "carol"}, nil).Once()

	connector := new(mocks.ConnectorMock)
	connector.On("Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	reg := NewConnectors()
	reg.Register("push", connector)
	reg.Register("email", connector)

	tracker := status.NewTracker()
	pusher := newPushRecorder()
	consumer := NewConsumer(convs, tracker, reg, pusher, time.Second)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push", "email"}}
	require.NoError(t, consumer.HandleMessageEvent(context.Background(), fanoutEvent(msg)))

	for _, recipient := range []string{"bob", "carol"} {
		for _, channel := range []string{"push", "email"} {
			state, ok := tracker.CurrentState("m1", recipient, channel)
			require.True(t, ok, "recipient %s channel %s", recipient, channel)
			assert.Equal(t, models.StateDelivered, state)
		}
		assert.Equal(t, 1, pusher.count(recipient, "new_message"))
	}

	// The sender is excluded from fan-out but sees the status updates.
	_, ok := tracker.CurrentState("m1", "alice", "push")
	assert.False(t, ok)
	assert.Equal(t, 0, pusher.count("alice", "new_message"))
	assert.Equal(t, 4, pusher.count("alice", models.EventStatusUpdate))

	connector.AssertNumberOfCalls(t, "Deliver", 4)
	convs.AssertExpectations(t)
}

func TestFanOutConnectorFailureRecordsFailed(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("Members", mock.Anything, "c1").Return([]string{"alice", "bob"}, nil).Once()

	connector := new(mocks.ConnectorMock)
	connector.On("Deliver", mock.Anything, "push", mock.Anything, "bob").Return(assert.AnError).Once()
	reg := NewConnectors()
	reg.Register("push", connector)

	tracker := status.NewTracker()
	pusher := newPushRecorder()
	consumer := NewConsumer(convs, tracker, reg, pusher, time.Second)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"}}
	require.NoError(t, consumer.HandleMessageEvent(context.Background(), fanoutEvent(msg)))

	state, ok := tracker.CurrentState("m1", "bob", "push")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, state)
	assert.Equal(t, 0, pusher.count("bob", "new_message"))
	assert.Equal(t, 1, pusher.count("alice", models.EventStatusUpdate))
}

func TestFanOutAttemptTimeout(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("Members", mock.Anything, "c1").Return([]string{"alice", "bob"}, nil).Once()

	reg := NewConnectors()
	reg.Register("push", blockingConnector{})

	tracker := status.NewTracker()
	consumer := NewConsumer(convs, tracker, reg, newPushRecorder(), 20*time.Millisecond)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"}}
	require.NoError(t, consumer.HandleMessageEvent(context.Background(), fanoutEvent(msg)))

	state, ok := tracker.CurrentState("m1", "bob", "push")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, state)
}

func TestFanOutRedeliveryConverges(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("Members", mock.Anything, "c1").Return([]string{"alice", "bob"}, nil).Twice()

	connector := new(mocks.ConnectorMock)
	connector.On("Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	reg := NewConnectors()
	reg.Register("push", connector)

	tracker := status.NewTracker()
	pusher := newPushRecorder()
	consumer := NewConsumer(convs, tracker, reg, pusher, time.Second)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"}}
	event := fanoutEvent(msg)
	require.NoError(t, consumer.HandleMessageEvent(context.Background(), event))
	require.NoError(t, consumer.HandleMessageEvent(context.Background(), event))

	// The replay sees a recorded outcome and never re-attempts the channel,
	// so the recipient gets one webhook call, one message and one status push.
	connector.AssertNumberOfCalls(t, "Deliver", 1)
	assert.Equal(t, 1, pusher.count("bob", "new_message"))
	assert.Equal(t, 1, pusher.count("bob", models.EventStatusUpdate))
	assert.Len(t, tracker.History("m1"), 1)
}

func TestFanOutMissingConnectorRecordsFailed(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("Members", mock.Anything, "c1").Return([]string{"alice", "bob"}, nil).Once()

	tracker := status.NewTracker()
	consumer := NewConsumer(convs, tracker, NewConnectors(), newPushRecorder(), time.Second)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"}}
	require.NoError(t, consumer.HandleMessageEvent(context.Background(), fanoutEvent(msg)))

	state, ok := tracker.CurrentState("m1", "bob", "push")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, state)
}

func TestFanOutMembersError(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("Members", mock.Anything, "c1").Return(([]string)(nil), assert.AnError).Once()

	consumer := NewConsumer(convs, status.NewTracker(), NewConnectors(), newPushRecorder(), time.Second)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"}}
	err := consumer.HandleMessageEvent(context.Background(), fanoutEvent(msg))
	require.ErrorIs(t, err, assert.AnError)
}
