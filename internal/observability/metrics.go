package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/edgemux/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "edgemux"

var (
	registerOnce sync.Once
	statsOnce    sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	acceptedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "accepted_total",
			Help:      "Connections accepted, by selected protocol.",
		},
		[]string{"protocol", "fallback"},
	)
	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "handshake_failures_total",
			Help:      "Connections dropped during the TLS handshake.",
		},
	)
	acceptWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "accept_wait_seconds",
			Help:      "Time spent waiting on the accept rate limiter.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, acceptedConns, handshakeFailures, acceptWait)
	})
}

// RegisterStats exposes s on the default registry. Only the first call registers.
func RegisterStats(s *stats.Stats) {
	statsOnce.Do(func() {
		prometheus.MustRegister(stats.NewCollector(s, Namespace))
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAccept(protocol string, fallback bool) {
	RegisterMetrics()
	acceptedConns.WithLabelValues(protocol, strconv.FormatBool(fallback)).Inc()
}

func RecordHandshakeFailure() {
	RegisterMetrics()
	handshakeFailures.Inc()
}

func RecordAcceptWait(d time.Duration) {
	RegisterMetrics()
	acceptWait.Observe(d.Seconds())
}
