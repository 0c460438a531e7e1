package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adminsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adminsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adminsync",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Chat commands resolved by the dispatcher, by outcome.",
		},
		[]string{"side", "command", "outcome"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adminsync",
			Subsystem: "envelope",
			Name:      "processed_total",
			Help:      "Envelopes dispatched through the action table.",
		},
		[]string{"side", "action", "result"},
	)
	units = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adminsync",
			Subsystem: "transport",
			Name:      "units_total",
			Help:      "Transport units sent and observed, by result.",
		},
		[]string{"direction", "result"},
	)
	reassemblyBuffers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "adminsync",
			Subsystem: "transport",
			Name:      "reassembly_buffers",
			Help:      "Partially reassembled envelopes currently buffered.",
		},
	)
	handshakeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adminsync",
			Subsystem: "handshake",
			Name:      "attempts_total",
			Help:      "Connection requests sent or answered, by kind.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			commandsDispatched,
			envelopes,
			units,
			reassemblyBuffers,
			handshakeAttempts,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(side, command, outcome string) {
	RegisterMetrics()
	commandsDispatched.WithLabelValues(side, command, outcome).Inc()
}

func RecordEnvelope(side, action, result string) {
	RegisterMetrics()
	envelopes.WithLabelValues(side, action, result).Inc()
}

func RecordUnit(direction, result string) {
	RegisterMetrics()
	units.WithLabelValues(direction, result).Inc()
}

func SetReassemblyBuffers(n int) {
	RegisterMetrics()
	reassemblyBuffers.Set(float64(n))
}

func RecordHandshake(kind string) {
	RegisterMetrics()
	handshakeAttempts.WithLabelValues(kind).Inc()
}
