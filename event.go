package eventfeed

import (
	"encoding/json"
	"regexp"
	"time"
)

const (
	// MaxRecipientIDLength bounds recipient IDs to the width of the indexed column.
	MaxRecipientIDLength = 128
	// MaxEventTypeLength bounds event type tags.
	MaxEventTypeLength = 128
)

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Event is an immutable outbox row scoped to a single recipient.
type Event struct {
	// ID orders events per recipient and is the replay cursor.
	ID ID
	// RecipientID scopes the event; all reads and subscriptions filter on it.
	RecipientID string
	// EventType is a versionable tag such as "job.progress".
	EventType string
	// SchemaVersion selects the payload shape together with EventType.
	SchemaVersion int
	// OccurredAt is the append time, equal to ID.Time(). Used for partitioning, never ordering.
	OccurredAt time.Time
	// Payload is the JSON body. It must never carry secrets.
	Payload json.RawMessage
	// DeliveredAt is advisory bookkeeping of the last known live delivery.
	DeliveredAt *time.Time
	// PrevID is the recipient's preceding event, zero for its first one. TailSource
	// implementations fill it so live connections can tell a contiguous event from one that
	// follows rows the tailer never published. Replay leaves it zero.
	PrevID ID
}

// Wire returns the client-facing representation of the event.
func (e Event) Wire() WireEvent {
	return WireEvent{
		ID:            e.ID,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		OccurredAt:    e.OccurredAt,
		Payload:       e.Payload,
	}
}

// WireEvent is the JSON shape delivered to clients.
type WireEvent struct {
	ID            ID              `json:"id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// AppendRequest describes an event a producer appends inside its own transaction.
type AppendRequest struct {
	RecipientID   string
	EventType     string
	SchemaVersion int
	Payload       json.RawMessage
}

// Validate checks required fields and JSON validity.
func (r AppendRequest) Validate() error {
	return ValidateAppend(r, true)
}

// ValidateAppend validates a request, optionally skipping the JSON check on the payload.
func ValidateAppend(r AppendRequest, validatePayload bool) error {
	if err := ValidateRecipientID(r.RecipientID); err != nil {
		return err
	}
	if r.EventType == "" {
		return ErrEventTypeRequired
	}
	if len(r.EventType) > MaxEventTypeLength || !eventTypePattern.MatchString(r.EventType) {
		return ErrInvalidEventType
	}
	if r.SchemaVersion <= 0 {
		return ErrInvalidSchemaVersion
	}
	if len(r.Payload) == 0 {
		return ErrPayloadRequired
	}
	if validatePayload && !json.Valid(r.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// ValidateRecipientID checks that a recipient ID is present and fits the store column.
func ValidateRecipientID(recipientID string) error {
	if recipientID == "" {
		return ErrRecipientRequired
	}
	if len(recipientID) > MaxRecipientIDLength {
		return ErrRecipientTooLong
	}

	return nil
}

// NextID returns the ID to store for a recipient whose newest committed event is last:
// the generated candidate, bumped past last when clocks of different producers disagree.
// Backends call it while holding the recipient's ordering lock.
func NextID(candidate, last ID) ID {
	if candidate.Compare(last) > 0 {
		return candidate
	}

	return last.Next()
}
