package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeUnknown = "unknown_service"
	OutcomeFailed  = "handler_failure"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ymsgd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ymsgd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	wireBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ymsgd",
			Subsystem: "wire",
			Name:      "bytes_total",
			Help:      "Bytes received from and written to YMSG peers.",
		},
		[]string{"direction"},
	)
	packetsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ymsgd",
			Subsystem: "wire",
			Name:      "packets_decoded_total",
			Help:      "Packets reassembled from the stream.",
		},
		[]string{"service"},
	)
	diagnostics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ymsgd",
			Subsystem: "session",
			Name:      "diagnostics_total",
			Help:      "Recorded protocol diagnostics by error kind.",
		},
		[]string{"kind"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ymsgd",
			Subsystem: "session",
			Name:      "dispatch_total",
			Help:      "Packet dispatches by service and outcome.",
		},
		[]string{"service", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ymsgd",
			Subsystem: "session",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler execution time in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"service"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ymsgd",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Currently open YMSG connections.",
		},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ymsgd",
			Subsystem: "events",
			Name:      "session_events_total",
			Help:      "Session lifecycle events observed on the bus.",
		},
		[]string{"type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			wireBytes,
			packetsDecoded,
			diagnostics,
			dispatches,
			dispatchDuration,
			activeConnections,
			sessionEvents,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBytesIn(n int) {
	RegisterMetrics()
	wireBytes.WithLabelValues("in").Add(float64(n))
}

func RecordBytesOut(n int) {
	RegisterMetrics()
	wireBytes.WithLabelValues("out").Add(float64(n))
}

func RecordPacketDecoded(service string) {
	RegisterMetrics()
	packetsDecoded.WithLabelValues(service).Inc()
}

func RecordDiagnostic(kind string) {
	RegisterMetrics()
	diagnostics.WithLabelValues(kind).Inc()
}

func RecordDispatch(service, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatches.WithLabelValues(service, outcome).Inc()
	if outcome != OutcomeUnknown {
		dispatchDuration.WithLabelValues(service).Observe(duration.Seconds())
	}
}

func ConnectionOpened() {
	RegisterMetrics()
	activeConnections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	activeConnections.Dec()
}

func RecordSessionEvent(eventType string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(eventType).Inc()
}
