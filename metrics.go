package eventfeed

import "time"

// Metrics captures tailer, replay and dispatcher telemetry.
type Metrics interface {
	// ObservePollDuration records the time of one tailer scan.
	ObservePollDuration(duration time.Duration)
	// AddEmitted counts events the tailer published.
	AddEmitted(count int)
	// AddPollErrors counts failed tailer scans.
	AddPollErrors(count int)
	// ObserveReplayDuration records the time of one replay call.
	ObserveReplayDuration(duration time.Duration)
	// SetConnections updates the number of served connections.
	SetConnections(count int)
	// AddDelivered counts events written to client transports.
	AddDelivered(count int)
	// AddDropped counts live events a degraded or full connection did not buffer.
	AddDropped(count int)
	// AddDegraded counts connections entering the degraded state.
	AddDegraded(count int)
	// AddResyncs counts replay-based catch-ups after degradation.
	AddResyncs(count int)
	// AddStaleMarkers counts connections closed with a resync instruction.
	AddStaleMarkers(count int)
	// AddReconciled counts events a live connection recovered through periodic replay
	// because the tailer never published them.
	AddReconciled(count int)
	// AddMarkersAhead counts connections whose marker was newer than the recipient's head.
	AddMarkersAhead(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObservePollDuration implements Metrics.
func (NopMetrics) ObservePollDuration(time.Duration) {}

// AddEmitted implements Metrics.
func (NopMetrics) AddEmitted(int) {}

// AddPollErrors implements Metrics.
func (NopMetrics) AddPollErrors(int) {}

// ObserveReplayDuration implements Metrics.
func (NopMetrics) ObserveReplayDuration(time.Duration) {}

// SetConnections implements Metrics.
func (NopMetrics) SetConnections(int) {}

// AddDelivered implements Metrics.
func (NopMetrics) AddDelivered(int) {}

// AddDropped implements Metrics.
func (NopMetrics) AddDropped(int) {}

// AddDegraded implements Metrics.
func (NopMetrics) AddDegraded(int) {}

// AddResyncs implements Metrics.
func (NopMetrics) AddResyncs(int) {}

// AddStaleMarkers implements Metrics.
func (NopMetrics) AddStaleMarkers(int) {}

// AddReconciled implements Metrics.
func (NopMetrics) AddReconciled(int) {}

// AddMarkersAhead implements Metrics.
func (NopMetrics) AddMarkersAhead(int) {}
