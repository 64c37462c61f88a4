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
			Namespace: "edgemsgr",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgemsgr",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	msgrMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "messages_total",
			Help:      "Messages sent and received.",
		},
		[]string{"node", "direction"},
	)
	msgrBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "bytes_total",
			Help:      "Wire bytes sent and received.",
		},
		[]string{"node", "direction"},
	)
	msgrDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "dropped_total",
			Help:      "Incoming messages dropped or flagged by sequence checks.",
		},
		[]string{"node", "reason"},
	)
	msgrFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "faults_total",
			Help:      "Connection faults by chosen recovery action.",
		},
		[]string{"node", "action"},
	)
	msgrReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "handshake_replies_total",
			Help:      "Connect replies by role and tag.",
		},
		[]string{"node", "role", "tag"},
	)
	msgrArbitration = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "arbitration_total",
			Help:      "Accept-side arbitration outcomes against an existing connection.",
		},
		[]string{"node", "outcome"},
	)
	msgrThrottleStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "throttle_stalls_total",
			Help:      "Failed throttle acquisitions that armed a retry.",
		},
		[]string{"node", "throttle"},
	)
	msgrHandshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgemsgr",
			Subsystem: "msgr",
			Name:      "handshake_duration_seconds",
			Help:      "Time from transport up to session ready.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			msgrMessages, msgrBytes, msgrDropped, msgrFaults, msgrReplies,
			msgrArbitration, msgrThrottleStalls, msgrHandshakeDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Direction labels.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

func RecordMessage(node, direction string, wireBytes int) {
	RegisterMetrics()
	msgrMessages.WithLabelValues(node, direction).Inc()
	msgrBytes.WithLabelValues(node, direction).Add(float64(wireBytes))
}

// RecordMessages counts messages whose bytes are recorded separately.
func RecordMessages(node, direction string, n int) {
	RegisterMetrics()
	msgrMessages.WithLabelValues(node, direction).Add(float64(n))
}

func RecordWireBytes(node, direction string, n int) {
	RegisterMetrics()
	msgrBytes.WithLabelValues(node, direction).Add(float64(n))
}

func RecordDropped(node, reason string) {
	RegisterMetrics()
	msgrDropped.WithLabelValues(node, reason).Inc()
}

func RecordFault(node, action string) {
	RegisterMetrics()
	msgrFaults.WithLabelValues(node, action).Inc()
}

func RecordHandshakeReply(node, role, tag string) {
	RegisterMetrics()
	msgrReplies.WithLabelValues(node, role, tag).Inc()
}

func RecordArbitration(node, outcome string) {
	RegisterMetrics()
	msgrArbitration.WithLabelValues(node, outcome).Inc()
}

func RecordThrottleStall(node, throttle string) {
	RegisterMetrics()
	msgrThrottleStalls.WithLabelValues(node, throttle).Inc()
}

func RecordHandshake(node, role string, duration time.Duration) {
	RegisterMetrics()
	msgrHandshakeDuration.WithLabelValues(node, role).Observe(duration.Seconds())
}
