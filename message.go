package eventfeed

import "encoding/json"

// Signal is an out-of-band instruction to a client.
type Signal int

const (
	// SignalNone marks a message carrying an event.
	SignalNone Signal = iota
	// SignalResyncRequired tells the client to discard local state and reconnect without a marker.
	SignalResyncRequired
	// SignalBehind is advisory: the connection fell behind and is catching up through replay.
	SignalBehind
)

// String returns the wire name of the signal.
func (s Signal) String() string {
	switch s {
	case SignalResyncRequired:
		return "resync_required"
	case SignalBehind:
		return "behind"
	default:
		return "event"
	}
}

// Message is a single unit written to a client transport: an event or a signal.
type Message struct {
	Event  *Event
	Signal Signal
}

// EventMessage wraps an event.
func EventMessage(e Event) Message {
	return Message{Event: &e}
}

// SignalMessage wraps a signal.
func SignalMessage(s Signal) Message {
	return Message{Signal: s}
}

// MarshalJSON renders {id, event_type, schema_version, occurred_at, payload} for events,
// {"resync_required": true} or {"behind": true} for signals.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Signal != SignalNone {
		return json.Marshal(map[string]bool{m.Signal.String(): true})
	}
	if m.Event == nil {
		return []byte("null"), nil
	}

	return json.Marshal(m.Event.Wire())
}
