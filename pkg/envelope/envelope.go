// Package envelope defines the immutable message record that flows between
// Hosts in a Production: identity, routing, governance, and lifecycle state.
// Envelopes are values — every transform produces a new Envelope rather than
// mutating one in place.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages in a priority queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority parses the wire form used in Production config documents.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("envelope: unknown priority %q", s)
	}
}

// DeliveryMode controls how a Host commits a message before acknowledging it.
type DeliveryMode string

const (
	AtMostOnce  DeliveryMode = "at_most_once"
	AtLeastOnce DeliveryMode = "at_least_once"
)

// State is the lifecycle of a message as it moves through the runtime.
type State string

const (
	StateReceived       State = "received"
	StateEnqueued       State = "enqueued"
	StateProcessing     State = "processing"
	StateAwaitingReply  State = "awaiting_reply"
	StateDelivered      State = "delivered"
	StateFailed         State = "failed"
	StateExpired        State = "expired"
	StateDeadLettered   State = "dead_lettered"
)

// Terminal reports whether state requires no further WAL replay.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateExpired, StateDeadLettered:
		return true
	default:
		return false
	}
}

// DeadLetterSink is the distinguished logical destination for messages
// that are dead-lettered without a real routed Host to receive them.
const DeadLetterSink = "__dlq__"

// Routing describes where an Envelope came from and where it is going.
type Routing struct {
	Source      string
	Destination string
	RouteID     string
	HopCount    int
}

// Governance carries compliance metadata that downstream hosts and the
// audit trail must preserve verbatim.
type Governance struct {
	AuditID     string
	TenantID    string
	Sensitivity string
}

// Envelope is the immutable metadata record identifying one message
// instance.
type Envelope struct {
	MessageID     string
	CorrelationID string
	CausationID   string
	SessionID     string

	CreatedAt time.Time
	ExpiresAt time.Time
	TTL       time.Duration

	MessageType   string
	BodyClassName string
	Priority      Priority
	Tags          []string

	RetryCount  int
	MaxRetries  int
	RetryDelay  time.Duration
	DeliveryMode DeliveryMode

	Routing    Routing
	Governance Governance

	State State

	// Payload is the bytes and schema tags this message instance carries.
	// Envelope and Payload remain conceptually distinct; a Host's queue
	// item is simply an Envelope that already holds its Payload, since the
	// two always travel together in memory and are only split apart in the
	// WAL record for persistence bookkeeping.
	Payload Payload
}

var (
	ErrEmptyMessageID = errors.New("envelope: message_id is required")
	ErrEmptySessionID = errors.New("envelope: session_id is required")
	ErrLoopDetected   = errors.New("envelope: hop_count exceeds maximum")
	ErrExpired        = errors.New("envelope: message expired")
)

// SessionPrefix is prepended to every generated session id
// (format SES-<uuid>).
const SessionPrefix = "SES-"

// NewSessionID mints a session identifier. Called exactly once, at the
// first inbound Host for a message.
func NewSessionID() string {
	return SessionPrefix + uuid.NewString()
}

// NewMessageID mints a globally unique message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// New constructs the envelope for a freshly ingested message. source is the
// name of the inbound Host. Callers must supply a session id already
// allocated with NewSessionID — New never allocates one itself, so that the
// "session id is set exactly once, at ingress" invariant is visible at the
// call site rather than hidden in a constructor.
func New(source, sessionID, messageType string) Envelope {
	return Envelope{
		MessageID:    NewMessageID(),
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
		MessageType:  messageType,
		DeliveryMode: AtLeastOnce,
		Routing:      Routing{Source: source},
		State:        StateReceived,
	}
}

// Validate enforces the identity invariants that are cheap to check
// at the boundary: required identifiers and a non-negative hop count.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return ErrEmptyMessageID
	}
	if e.SessionID == "" {
		return ErrEmptySessionID
	}
	if e.Routing.HopCount < 0 {
		return fmt.Errorf("envelope: negative hop_count")
	}
	return nil
}

// Expired reports whether the envelope has passed its ExpiresAt, if set.
func (e Envelope) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return now.After(e.ExpiresAt)
}

// WithState returns a copy of the envelope in a new lifecycle state.
// Envelopes are values: this never mutates the receiver.
func (e Envelope) WithState(s State) Envelope {
	e.State = s
	return e
}

// Rerouted returns a copy addressed to a new destination, with hop_count
// incremented and checked against maxHops. Every enqueue through the
// Broker goes through this method so loop protection cannot
// be bypassed by a direct field assignment.
func (e Envelope) Rerouted(destination string, maxHops int) (Envelope, error) {
	e.Routing.Destination = destination
	e.Routing.HopCount++
	if maxHops <= 0 {
		maxHops = 16
	}
	// At limit-1 the message still routes; reaching the limit dead-letters.
	if e.Routing.HopCount >= maxHops {
		return e, ErrLoopDetected
	}
	return e, nil
}

// Derived returns the envelope a transform produces from e: a new message
// id, causation pointing back at e, and the session id, hop count and
// tenant propagated unchanged.
func (e Envelope) Derived(bodyClassName string) Envelope {
	next := e
	next.MessageID = NewMessageID()
	next.CausationID = e.MessageID
	next.State = StateReceived
	next.BodyClassName = bodyClassName
	next.CorrelationID = ""
	return next
}
