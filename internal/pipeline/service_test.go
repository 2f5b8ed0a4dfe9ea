package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat4all-service/internal/mocks"
	"chat4all-service/internal/models"
	"chat4all-service/internal/repositories"
	"chat4all-service/internal/status"
)

type pushRecorder struct {
	mu     sync.Mutex
	events map[string][]models.WSEvent
}

func newPushRecorder() *pushRecorder {
	return &pushRecorder{events: make(map[string][]models.WSEvent)}
}

func (p *pushRecorder) SendToUser(userID string, event models.WSEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[userID] = append(p.events[userID], event)
}

func (p *pushRecorder) count(userID, eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events[userID] {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func testConnectors() *Connectors {
	reg := NewConnectors()
	reg.Register("push", new(mocks.ConnectorMock))
	reg.Register("email", new(mocks.ConnectorMock))
	return reg
}

func newTestService(messages *mocks.MessageRepositoryMock, convs *mocks.ConversationRepositoryMock, publisher *mocks.PublisherMock) (*Service, *status.Tracker, *pushRecorder) {
	tracker := status.NewTracker()
	pusher := newPushRecorder()
	svc := NewService(messages, convs, publisher, tracker, pusher, testConnectors())
	return svc, tracker, pusher
}

func TestSubmitEmptyChannels(t *testing.T) {
	svc, _, _ := newTestService(new(mocks.MessageRepositoryMock), new(mocks.ConversationRepositoryMock), new(mocks.PublisherMock))

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Text: "hi",
	})
	require.ErrorIs(t, err, ErrEmptyChannels)

	_, err = svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Text: "hi", Channels: []string{"", ""},
	})
	require.ErrorIs(t, err, ErrEmptyChannels)
}

func TestSubmitUnknownChannel(t *testing.T) {
	svc, _, _ := newTestService(new(mocks.MessageRepositoryMock), new(mocks.ConversationRepositoryMock), new(mocks.PublisherMock))

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Text: "hi", Channels: []string{"push", "carrier-pigeon"},
	})
	require.ErrorIs(t, err, ErrUnknownChannel)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestSubmitEmptyPayload(t *testing.T) {
	svc, _, _ := newTestService(new(mocks.MessageRepositoryMock), new(mocks.ConversationRepositoryMock), new(mocks.PublisherMock))

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Channels: []string{"push"},
	})
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Type: models.MessageFile, Channels: []string{"push"},
	})
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestSubmitNotMember(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil).Once()
	convs.On("IsMember", mock.Anything, "c1", "mallory").Return(false, nil).Once()

	svc, _, _ := newTestService(new(mocks.MessageRepositoryMock), convs, new(mocks.PublisherMock))

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "mallory", Text: "hi", Channels: []string{"push"},
	})
	require.ErrorIs(t, err, ErrNotMember)
	convs.AssertExpectations(t)
}

func TestSubmitSuccess(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	convs := new(mocks.ConversationRepositoryMock)
	publisher := new(mocks.PublisherMock)

	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil).Once()
	convs.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Once()
	messages.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ConversationID == "c1" && m.SenderID == "alice" && m.ID != ""
	})).Return(models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", SequenceNumber: 7,
		Type: models.MessageText, Text: "hi", Channels: models.Channels{"push", "email"},
	}, true, nil).Once()
	publisher.On("Publish", mock.Anything, "c1", mock.Anything).Return(nil).Once()

	svc, tracker, pusher := newTestService(messages, convs, publisher)

	stored, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Text: "hi",
		Channels: []string{"push", "email", "push"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, int64(7), stored.SequenceNumber)

	// Sender echo recorded per channel.
	state, ok := tracker.CurrentState("m1", "alice", "push")
	require.True(t, ok)
	assert.Equal(t, models.StateSent, state)
	state, _ = tracker.CurrentState("m1", "alice", "email")
	assert.Equal(t, models.StateSent, state)
	assert.Equal(t, 2, pusher.count("alice", models.EventStatusUpdate))

	messages.AssertExpectations(t)
	convs.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestSubmitDuplicateReturnsOriginal(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	convs := new(mocks.ConversationRepositoryMock)
	publisher := new(mocks.PublisherMock)

	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil).Once()
	convs.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Once()
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", SequenceNumber: 3,
		ClientMsgID: "client-1", Channels: models.Channels{"push"},
	}, false, nil).Once()
	publisher.On("Publish", mock.Anything, "c1", mock.Anything).Return(nil).Once()

	svc, _, _ := newTestService(messages, convs, publisher)

	stored, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", ClientMsgID: "client-1",
		Text: "hi", Channels: []string{"push"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, int64(3), stored.SequenceNumber)
	messages.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestSubmitRetryAfterPublishFailureRepublishes(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	convs := new(mocks.ConversationRepositoryMock)
	publisher := new(mocks.PublisherMock)

	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil).Twice()
	convs.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Twice()

	stored := models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", SequenceNumber: 5,
		ClientMsgID: "client-1", Channels: models.Channels{"push"},
	}
	// First attempt commits the row, then the broker is down.
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(stored, true, nil).Once()
	publisher.On("Publish", mock.Anything, "c1", mock.Anything).Return(assert.AnError).Once()
	// The retry hits the idempotency key and must still emit the event,
	// otherwise the committed sequence number would never reach the stream.
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(stored, false, nil).Once()
	publisher.On("Publish", mock.Anything, "c1", mock.Anything).Return(nil).Once()

	svc, tracker, _ := newTestService(messages, convs, publisher)

	req := SubmitRequest{
		ConversationID: "c1", SenderID: "alice", ClientMsgID: "client-1",
		Text: "hi", Channels: []string{"push"},
	}
	_, err := svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, assert.AnError)

	got, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	publisher.AssertNumberOfCalls(t, "Publish", 2)
	state, ok := tracker.CurrentState("m1", "alice", "push")
	require.True(t, ok)
	assert.Equal(t, models.StateSent, state)
}

func TestSubmitPublishError(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	convs := new(mocks.ConversationRepositoryMock)
	publisher := new(mocks.PublisherMock)

	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil).Once()
	convs.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil).Once()
	messages.On("CreateMessage", mock.Anything, mock.Anything).Return(models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"},
	}, true, nil).Once()
	publisher.On("Publish", mock.Anything, "c1", mock.Anything).Return(assert.AnError).Once()

	svc, _, _ := newTestService(messages, convs, publisher)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		ConversationID: "c1", SenderID: "alice", Text: "hi", Channels: []string{"push"},
	})
	require.ErrorIs(t, err, assert.AnError)
	publisher.AssertExpectations(t)
}

func TestMarkRead(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	messages.On("GetMessage", mock.Anything, "m1").Return(models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"},
	}, nil).Twice()
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("IsMember", mock.Anything, "c1", "bob").Return(true, nil).Twice()

	svc, tracker, pusher := newTestService(messages, convs, new(mocks.PublisherMock))
	tracker.RecordTransition("m1", "bob", "push", models.StateDelivered, time.Now())

	outcome, err := svc.MarkRead(context.Background(), "m1", "bob", "push")
	require.NoError(t, err)
	assert.Equal(t, status.Applied, outcome)
	assert.Equal(t, 1, pusher.count("alice", models.EventStatusUpdate))
	assert.Equal(t, 1, pusher.count("bob", models.EventStatusUpdate))

	// Retry is an idempotent no-op and pushes nothing.
	outcome, err = svc.MarkRead(context.Background(), "m1", "bob", "push")
	require.NoError(t, err)
	assert.Equal(t, status.Superseded, outcome)
	assert.Equal(t, 1, pusher.count("alice", models.EventStatusUpdate))
}

func TestMarkReadRejectsNonMember(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	messages.On("GetMessage", mock.Anything, "m1").Return(models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"},
	}, nil).Once()
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("IsMember", mock.Anything, "c1", "mallory").Return(false, nil).Once()

	svc, tracker, pusher := newTestService(messages, convs, new(mocks.PublisherMock))

	_, err := svc.MarkRead(context.Background(), "m1", "mallory", "push")
	require.ErrorIs(t, err, ErrNotMember)

	// No record materializes and the sender sees nothing.
	_, ok := tracker.CurrentState("m1", "mallory", "push")
	assert.False(t, ok)
	assert.Equal(t, 0, pusher.count("alice", models.EventStatusUpdate))
}

func TestMarkReadRejectsUnrequestedChannel(t *testing.T) {
	messages := new(mocks.MessageRepositoryMock)
	messages.On("GetMessage", mock.Anything, "m1").Return(models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Channels: models.Channels{"push"},
	}, nil).Once()
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("IsMember", mock.Anything, "c1", "bob").Return(true, nil).Once()

	svc, tracker, _ := newTestService(messages, convs, new(mocks.PublisherMock))

	_, err := svc.MarkRead(context.Background(), "m1", "bob", "email")
	require.ErrorIs(t, err, ErrUnknownChannel)
	_, ok := tracker.CurrentState("m1", "bob", "email")
	assert.False(t, ok)
}

// memoryMessageRepo assigns per-conversation sequence numbers under a mutex,
// mirroring the row-locked counter upsert in the sqlx implementation.
type memoryMessageRepo struct {
	mu   sync.Mutex
	seqs map[string]int64
	msgs map[string]models.Message
}

func newMemoryMessageRepo() *memoryMessageRepo {
	return &memoryMessageRepo{seqs: make(map[string]int64), msgs: make(map[string]models.Message)}
}

func (r *memoryMessageRepo) CreateMessage(_ context.Context, msg models.Message) (models.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[msg.ConversationID]++
	msg.SequenceNumber = r.seqs[msg.ConversationID]
	msg.SentAt = time.Now().UTC()
	r.msgs[msg.ID] = msg
	return msg, true, nil
}

func (r *memoryMessageRepo) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

func (r *memoryMessageRepo) GetByClientMsgID(_ context.Context, conversationID, clientMsgID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.msgs {
		if msg.ConversationID == conversationID && msg.ClientMsgID == clientMsgID {
			return msg, nil
		}
	}
	return models.Message{}, repositories.ErrMessageNotFound
}

func (r *memoryMessageRepo) ListConversationMessages(_ context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	return nil, nil
}

func TestConcurrentSubmissionsGetDistinctGaplessSequences(t *testing.T) {
	const submissions = 32

	convs := new(mocks.ConversationRepositoryMock)
	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil)
	convs.On("IsMember", mock.Anything, "c1", mock.Anything).Return(true, nil)
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "c1", mock.Anything).Return(nil)

	repo := newMemoryMessageRepo()
	svc := NewService(repo, convs, publisher, status.NewTracker(), newPushRecorder(), testConnectors())

	var wg sync.WaitGroup
	seqs := make(chan int64, submissions)
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg, err := svc.Submit(context.Background(), SubmitRequest{
				ConversationID: "c1",
				SenderID:       "alice",
				Text:           fmt.Sprintf("message %d", n),
				Channels:       []string{"push"},
			})
			if !assert.NoError(t, err) {
				return
			}
			seqs <- msg.SequenceNumber
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, submissions)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	require.Len(t, seen, submissions)
	for want := int64(1); want <= submissions; want++ {
		assert.True(t, seen[want], "gap at sequence %d", want)
	}
}
