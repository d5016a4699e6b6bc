// Package prometheus exports eventfeed telemetry as Prometheus collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/velmie/eventfeed"
)

const defaultNamespace = "eventfeed"

// Metrics implements eventfeed.Metrics.
type Metrics struct {
	pollDuration   prometheus.Histogram
	emitted        prometheus.Counter
	pollErrors     prometheus.Counter
	replayDuration prometheus.Histogram
	connections    prometheus.Gauge
	delivered      prometheus.Counter
	dropped        prometheus.Counter
	degraded       prometheus.Counter
	resyncs        prometheus.Counter
	staleMarkers   prometheus.Counter
	reconciled     prometheus.Counter
	markersAhead   prometheus.Counter
}

var _ eventfeed.Metrics = (*Metrics)(nil)

// New registers the collectors with reg under namespace (eventfeed when empty).
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one tailer scan.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "emitted_total",
			Help:      "Events published by the tailer.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "poll_errors_total",
			Help:      "Failed tailer scans.",
		}),
		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "replay_duration_seconds",
			Help:      "Duration of one replay call including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "connections",
			Help:      "Connections currently served.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "delivered_total",
			Help:      "Events written to client transports.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dropped_total",
			Help:      "Live events not buffered by degraded or full connections.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "degraded_total",
			Help:      "Connections that fell behind the live stream.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "resyncs_total",
			Help:      "Replay-based catch-ups of degraded connections.",
		}),
		staleMarkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "stale_markers_total",
			Help:      "Connections closed with a resync instruction.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "reconciled_total",
			Help:      "Events live connections recovered through periodic replay.",
		}),
		markersAhead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "markers_ahead_total",
			Help:      "Connections whose marker was newer than the recipient's newest event.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.pollDuration, m.emitted, m.pollErrors, m.replayDuration, m.connections,
		m.delivered, m.dropped, m.degraded, m.resyncs, m.staleMarkers, m.reconciled, m.markersAhead,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObservePollDuration implements eventfeed.Metrics.
func (m *Metrics) ObservePollDuration(d time.Duration) { m.pollDuration.Observe(d.Seconds()) }

// AddEmitted implements eventfeed.Metrics.
func (m *Metrics) AddEmitted(n int) { m.emitted.Add(float64(n)) }

// AddPollErrors implements eventfeed.Metrics.
func (m *Metrics) AddPollErrors(n int) { m.pollErrors.Add(float64(n)) }

// ObserveReplayDuration implements eventfeed.Metrics.
func (m *Metrics) ObserveReplayDuration(d time.Duration) { m.replayDuration.Observe(d.Seconds()) }

// SetConnections implements eventfeed.Metrics.
func (m *Metrics) SetConnections(n int) { m.connections.Set(float64(n)) }

// AddDelivered implements eventfeed.Metrics.
func (m *Metrics) AddDelivered(n int) { m.delivered.Add(float64(n)) }

// AddDropped implements eventfeed.Metrics.
func (m *Metrics) AddDropped(n int) { m.dropped.Add(float64(n)) }

// AddDegraded implements eventfeed.Metrics.
func (m *Metrics) AddDegraded(n int) { m.degraded.Add(float64(n)) }

// AddResyncs implements eventfeed.Metrics.
func (m *Metrics) AddResyncs(n int) { m.resyncs.Add(float64(n)) }

// AddStaleMarkers implements eventfeed.Metrics.
func (m *Metrics) AddStaleMarkers(n int) { m.staleMarkers.Add(float64(n)) }

// AddReconciled implements eventfeed.Metrics.
func (m *Metrics) AddReconciled(n int) { m.reconciled.Add(float64(n)) }

// AddMarkersAhead implements eventfeed.Metrics.
func (m *Metrics) AddMarkersAhead(n int) { m.markersAhead.Add(float64(n)) }
