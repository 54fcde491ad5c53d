package core

import (
	"time"
)

// ProcessingState is the lifecycle stage of a recipient, and of a whole
// message via Aggregate. Failed and Delivered are terminal; Sent is terminal
// when no delivery report was requested.
type ProcessingState string

const (
	StatePending   ProcessingState = "Pending"
	StateProcessed ProcessingState = "Processed"
	StateSent      ProcessingState = "Sent"
	StateDelivered ProcessingState = "Delivered"
	StateFailed    ProcessingState = "Failed"
)

func (s ProcessingState) Valid() bool {
	switch s {
	case StatePending, StateProcessed, StateSent, StateDelivered, StateFailed:
		return true
	}
	return false
}

// rank orders states along the happy path; Failed sorts above everything so
// that the monotonic-update guard can be expressed as a single comparison.
func (s ProcessingState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateProcessed:
		return 1
	case StateSent:
		return 2
	case StateDelivered:
		return 3
	default: // Failed
		return 4
	}
}

// Priority tiers. Anything at or above PriorityExpedited may bypass a single
// pacing delay and, once per escalation, the rate-limit gate.
const (
	PriorityMin       = -128
	PriorityDefault   = 0
	PriorityExpedited = 100
)

// ProcessingOrder controls which pending message the dispatch loop claims
// first (priority always wins; order breaks ties on creation time).
type ProcessingOrder string

const (
	OrderFIFO ProcessingOrder = "FIFO"
	OrderLIFO ProcessingOrder = "LIFO"
)

// EntitySource tags where a message entered the system.
type EntitySource string

const (
	SourceLocal EntitySource = "Local"
	SourceCloud EntitySource = "Cloud"
	SourceApp   EntitySource = "App"
)

type Message struct {
	ID       string       `json:"id"`
	Seq      int64        `json:"-"` // persistent sequence number, assigned on insert
	Content  Content      `json:"content"`
	Source   EntitySource `json:"source"`
	Priority int          `json:"priority"`

	IsEncrypted         bool       `json:"isEncrypted"`
	SkipPhoneValidation bool       `json:"skipPhoneValidation"`
	WithDeliveryReport  bool       `json:"withDeliveryReport"`
	SimNumber           *int       `json:"simNumber,omitempty"` // explicit 1-based channel override
	ValidUntil          *time.Time `json:"validUntil,omitempty"`
	PartsCount          *int       `json:"partsCount,omitempty"`

	State       ProcessingState `json:"state"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

type Recipient struct {
	MessageID   string          `json:"-"`
	PhoneNumber string          `json:"phoneNumber"`
	State       ProcessingState `json:"state"`
	Error       *string         `json:"error,omitempty"`
}

type MessageWithRecipients struct {
	Message
	Recipients []Recipient `json:"recipients"`
}

// PendingPhoneNumbers returns the recipients the dispatch still owes a
// transport attempt.
func (m *MessageWithRecipients) PendingPhoneNumbers() []string {
	var out []string
	for _, r := range m.Recipients {
		if r.State == StatePending {
			out = append(out, r.PhoneNumber)
		}
	}
	return out
}

// RecipientStates returns the state vector Aggregate consumes.
func (m *MessageWithRecipients) RecipientStates() []ProcessingState {
	out := make([]ProcessingState, len(m.Recipients))
	for i, r := range m.Recipients {
		out[i] = r.State
	}
	return out
}

// Aggregate derives the message-level state from its recipients. Failure
// dominates; Delivered requires everyone; Sent tolerates already-Delivered
// rows; everything else is still Pending. Always recomputed, never cached.
func Aggregate(states []ProcessingState) ProcessingState {
	if len(states) == 0 {
		return StatePending
	}
	allDelivered := true
	allSentOrDelivered := true
	for _, s := range states {
		if s == StateFailed {
			return StateFailed
		}
		if s != StateDelivered {
			allDelivered = false
		}
		if s != StateSent && s != StateDelivered {
			allSentOrDelivered = false
		}
	}
	if allDelivered {
		return StateDelivered
	}
	if allSentOrDelivered {
		return StateSent
	}
	return StatePending
}

// CanTransition reports whether a recipient row may move from cur to next.
// Transitions are monotonic: a late hand-off ack must not downgrade
// Delivered, and nothing leaves Failed.
func CanTransition(cur, next ProcessingState) bool {
	if cur == StateFailed {
		return false
	}
	if next == StateFailed {
		return cur != StateDelivered
	}
	return cur.rank() < next.rank()
}
