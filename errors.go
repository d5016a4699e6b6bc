package eventfeed

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRecipientRequired is returned when a recipient ID is empty.
	ErrRecipientRequired = errors.New("eventfeed recipient id is required")
	// ErrRecipientTooLong is returned when a recipient ID exceeds MaxRecipientIDLength bytes.
	ErrRecipientTooLong = errors.New("eventfeed recipient id is too long")
	// ErrEventTypeRequired is returned when AppendRequest.EventType is empty.
	ErrEventTypeRequired = errors.New("eventfeed event type is required")
	// ErrInvalidEventType is returned when the event type is not a dotted lower-case tag.
	ErrInvalidEventType = errors.New("eventfeed event type is invalid")
	// ErrInvalidSchemaVersion is returned when the schema version is not positive.
	ErrInvalidSchemaVersion = errors.New("eventfeed schema version must be positive")
	// ErrPayloadRequired is returned when AppendRequest.Payload is empty.
	ErrPayloadRequired = errors.New("eventfeed payload is required")
	// ErrInvalidPayload is returned when AppendRequest.Payload is not valid JSON.
	ErrInvalidPayload = errors.New("eventfeed payload must be valid JSON")
	// ErrInvalidID is returned when parsing or scanning an ID fails.
	ErrInvalidID = errors.New("eventfeed id is invalid")
	// ErrStaleMarker is matched by StaleMarkerError.
	ErrStaleMarker = errors.New("eventfeed marker is older than the retention window")
	// ErrStoreUnavailable marks transient storage failures that are worth retrying.
	ErrStoreUnavailable = errors.New("eventfeed store unavailable")
	// ErrRetriesExhausted wraps the last transient failure once retries are used up.
	ErrRetriesExhausted = errors.New("eventfeed retries exhausted")
	// ErrTailerPanic indicates a panic inside the tailer loop.
	ErrTailerPanic = errors.New("eventfeed tailer panic")
)

// StaleMarkerError reports a replay marker that falls outside the retention window.
// The client must drop its local state and reconnect without a marker.
type StaleMarkerError struct {
	Marker  ID
	Horizon time.Time
}

func (e *StaleMarkerError) Error() string {
	return fmt.Sprintf("%s: marker %s (%s) before horizon %s",
		ErrStaleMarker.Error(), e.Marker, e.Marker.Time().Format(time.RFC3339), e.Horizon.Format(time.RFC3339))
}

// Is reports ErrStaleMarker as the error kind.
func (e *StaleMarkerError) Is(target error) bool {
	return target == ErrStaleMarker
}
