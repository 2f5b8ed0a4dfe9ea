package models

import "time"

// DeliveryState is the per-recipient-per-channel delivery state of a message.
type DeliveryState string

const (
	StateSent      DeliveryState = "SENT"
	StateDelivered DeliveryState = "DELIVERED"
	StateRead      DeliveryState = "READ"
	StateFailed    DeliveryState = "FAILED"
)

// rank orders the forward progression SENT < DELIVERED < READ. FAILED sits
// outside the ordering: it is terminal and reachable from any non-terminal state.
var rank = map[DeliveryState]int{
	StateSent:      1,
	StateDelivered: 2,
	StateRead:      3,
}

// Valid reports whether s is a known delivery state.
func (s DeliveryState) Valid() bool {
	_, ok := rank[s]
	return s == StateFailed || ok
}

// Terminal reports whether no further transition can leave s.
func (s DeliveryState) Terminal() bool {
	return s == StateFailed || s == StateRead
}

// Supersedes reports whether moving from cur to s is a forward transition.
// FAILED is reachable only from non-terminal states.
func (s DeliveryState) Supersedes(cur DeliveryState) bool {
	if s == StateFailed {
		return !cur.Terminal()
	}
	if cur == StateFailed {
		return false
	}
	return rank[s] > rank[cur]
}

// Transition is one applied entry in a message's delivery history.
type Transition struct {
	ID          string        `json:"id"`
	MessageID   string        `json:"message_id"`
	RecipientID string        `json:"recipient_id"`
	Channel     string        `json:"channel"`
	State       DeliveryState `json:"state"`
	Timestamp   time.Time     `json:"timestamp"`
}
