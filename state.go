package eventfeed

// State is the lifecycle position of one served connection.
type State int32

const (
	// StateConnecting: identity established, marker parsed, nothing sent yet.
	StateConnecting State = iota + 1
	// StateBackfilling: streaming replay pages from the last sent marker.
	StateBackfilling
	// StateLive: forwarding tailer output for the recipient.
	StateLive
	// StateDegraded: the buffer overflowed; live events are dropped until a resync.
	StateDegraded
	// StateDraining: disconnecting and unregistering.
	StateDraining
	// StateClosed: terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
