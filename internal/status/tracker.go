// Package status tracks per-recipient-per-channel delivery state.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat4all-service/internal/models"
)

// Outcome reports whether a transition changed the tracked state.
type Outcome int

const (
	// Applied means the transition moved the record forward and was appended
	// to the history.
	Applied Outcome = iota
	// Superseded means the record already reached the state or a later one;
	// the call was an idempotent no-op.
	Superseded
)

type statusKey struct {
	messageID   string
	recipientID string
	channel     string
}

type record struct {
	state models.DeliveryState
}

type historyEntry struct {
	transition models.Transition
	order      uint64
}

// Tracker holds the delivery state machine for every (message, recipient,
// channel) key. Transitions only move forward (SENT < DELIVERED < READ, FAILED
// terminal from any non-terminal state), which makes the tracker convergent
// under at-least-once redelivery of status events.
type Tracker struct {
	mu      sync.Mutex
	records map[statusKey]*record
	history map[string][]historyEntry
	order   uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[statusKey]*record),
		history: make(map[string][]historyEntry),
	}
}

// RecordTransition applies newState to the (message, recipient, channel)
// record if it is a forward move, creating the record lazily when the first
// status event arrives before the message is locally known. A duplicate or
// late transition returns Superseded and changes nothing.
func (t *Tracker) RecordTransition(messageID, recipientID, channel string, newState models.DeliveryState, ts time.Time) Outcome {
	key := statusKey{messageID: messageID, recipientID: recipientID, channel: channel}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &record{}
		t.records[key] = rec
	} else if !newState.Supersedes(rec.state) {
		return Superseded
	}
	rec.state = newState

	t.order++
	t.history[messageID] = append(t.history[messageID], historyEntry{
		transition: models.Transition{
			ID:          uuid.NewString(),
			MessageID:   messageID,
			RecipientID: recipientID,
			Channel:     channel,
			State:       newState,
			Timestamp:   ts,
		},
		order: t.order,
	})
	return Applied
}

// CurrentState returns the current state of a record, if one exists.
func (t *Tracker) CurrentState(messageID, recipientID, channel string) (models.DeliveryState, bool) {
	key := statusKey{messageID: messageID, recipientID: recipientID, channel: channel}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// History returns every applied transition for a message across all
// (recipient, channel) pairs, ordered by timestamp with ties broken by
// recording order.
func (t *Tracker) History(messageID string) []models.Transition {
	t.mu.Lock()
	entries := make([]historyEntry, len(t.history[messageID]))
	copy(entries, t.history[messageID])
	t.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].transition.Timestamp.Equal(entries[j].transition.Timestamp) {
			return entries[i].order < entries[j].order
		}
		return entries[i].transition.Timestamp.Before(entries[j].transition.Timestamp)
	})

	out := make([]models.Transition, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.transition)
	}
	return out
}
