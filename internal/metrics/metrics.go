// Package metrics provides Prometheus metrics for ctmprelay.
package metrics

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/philsphicas/ctmprelay/internal/protocol"
	"github.com/philsphicas/ctmprelay/internal/relay"
	"github.com/philsphicas/ctmprelay/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ctmprelay"

const (
	RoleSource      = "source"
	RoleDestination = "destination"
)

const (
	ReasonSourceRejected   = "source_rejected"
	ReasonPoolSaturated    = "pool_saturated"
	ReasonBadMagic         = "bad_magic"
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonLengthOverflow   = "length_overflow"
	ReasonResyncLimit      = "resync_limit"
	ReasonReadFailed       = "read_failed"
	ReasonWriteFailed      = "write_failed"
	ReasonWriteTimeout     = "write_timeout"
	ReasonQueueOverflow    = "queue_overflow"
	ReasonAcceptFailed     = "accept_failed"
)

// Metrics holds all Prometheus metrics for ctmprelay. Every method is safe
// to call on a nil receiver, which disables collection.
type Metrics struct {
	Registry *prometheus.Registry

	connectionsTotal   *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	activeConnections  *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
	framesTotal        *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	resyncBytes        prometheus.Counter
	fanout             prometheus.Histogram
	evictions          *prometheus.CounterVec
	sourceConnected    prometheus.Gauge
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections that were admitted and have since closed.",
		}, []string{"role", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes read from sources and written to destinations.",
		}, []string{"role", "direction"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently admitted connections.",
		}, []string{"role"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role"}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames read from the source, by outcome.",
		}, []string{"result"}),

		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Well-formed frames dropped by validation, by reason.",
		}, []string{"reason"}),

		resyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_bytes_total",
			Help:      "Bytes discarded while searching for a frame start.",
		}),

		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_destinations",
			Help:      "Number of destinations each frame was queued to.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 1024},
		}),

		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destination_evictions_total",
			Help:      "Destinations removed from the fan-out set after a failed send, by reason.",
		}, []string{"reason"}),

		sourceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_connected",
			Help:      "Whether a source connection is registered (1) or not (0).",
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionErrors,
		m.bytesTotal,
		m.activeConnections,
		m.connectionDuration,
		m.framesTotal,
		m.framesDropped,
		m.resyncBytes,
		m.fanout,
		m.evictions,
		m.sourceConnected,
	)

	return m
}

// ConnectionOpened increments the active connection gauge. Returns a
// ConnectionTracker to record the outcome when the connection ends.
func (m *Metrics) ConnectionOpened(role string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	m.activeConnections.WithLabelValues(role).Inc()
	return &ConnectionTracker{m: m, role: role}
}

// ConnectionError records a connection failure or rejection.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// FrameRelayed records a validated source frame and how many destinations
// it was queued to.
func (m *Metrics) FrameRelayed(destinations int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("relayed").Inc()
	m.fanout.Observe(float64(destinations))
}

// FrameDropped records input rejected by validation. discarded is the
// number of bytes thrown away. A bad-magic span is not a frame and only
// counts toward resync bytes.
func (m *Metrics) FrameDropped(reason string, discarded int) {
	if m == nil {
		return
	}
	if reason == ReasonBadMagic {
		m.resyncBytes.Add(float64(discarded))
		return
	}
	m.framesTotal.WithLabelValues("dropped").Inc()
	m.framesDropped.WithLabelValues(reason).Inc()
}

// DestinationEvicted records a destination removed by the fan-out path.
func (m *Metrics) DestinationEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// SetSourceConnected sets the source gauge.
func (m *Metrics) SetSourceConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.sourceConnected.Set(1)
	} else {
		m.sourceConnected.Set(0)
	}
}

// ConnectionTracker records the outcome of a single admitted connection.
type ConnectionTracker struct {
	m    *Metrics
	role string
}

// Done records the completion of a connection. inBytes is data read from
// the peer; outBytes is data written to it.
func (t *ConnectionTracker) Done(durationSec float64, inBytes, outBytes int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.role).Dec()
	t.m.connectionsTotal.WithLabelValues(t.role, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.role).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, "in").Add(float64(inBytes))
	t.m.bytesTotal.WithLabelValues(t.role, "out").Add(float64(outBytes))
}

// DropReason maps a validation error to its metric reason.
func DropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return ReasonChecksumMismatch
	case errors.Is(err, protocol.ErrLengthOverflow):
		return ReasonLengthOverflow
	case errors.Is(err, stream.ErrResyncLimit):
		return ReasonResyncLimit
	default:
		return ReasonBadMagic
	}
}

// WriteReason returns "write_timeout" if err is a deadline or network
// timeout, "queue_overflow" for an overrun queue, otherwise
// "write_failed".
func WriteReason(err error) string {
	if errors.Is(err, relay.ErrQueueFull) {
		return ReasonQueueOverflow
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ReasonWriteTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonWriteTimeout
	}
	return ReasonWriteFailed
}
